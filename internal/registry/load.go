package registry

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/camwatch/internal/logging"
	"github.com/andresmejia3/camwatch/internal/types"
)

// ErrNoIdentities is returned when no reference image could be loaded.
var ErrNoIdentities = errors.New("no usable reference images")

const referenceQuality = 95

// Reference names one configured reference image on disk.
type Reference struct {
	Name string
	Path string
}

// LoadIdentities reads and normalizes every reference image to JPEG. Images
// that cannot be read or decoded are logged and skipped; the call fails only
// when none remain.
func LoadIdentities(refs []Reference, logger *slog.Logger) ([]types.Identity, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	var out []types.Identity
	for _, ref := range refs {
		data, err := os.ReadFile(ref.Path)
		if err != nil {
			logger.Error("error loading reference", "identity", ref.Name, "path", ref.Path, "error", err)
			continue
		}
		encoded, err := NormalizeReference(data)
		if err != nil {
			logger.Error("error loading reference", "identity", ref.Name, "path", ref.Path, "error", err)
			continue
		}
		logger.Info("loaded reference", "identity", ref.Name, "bytes", len(encoded))
		out = append(out, types.Identity{Name: ref.Name, Reference: encoded})
	}
	if len(out) == 0 {
		return nil, ErrNoIdentities
	}
	return out, nil
}

// NormalizeReference decodes any supported image format and re-encodes it as
// a JPEG so every oracle backend receives the same encoding.
func NormalizeReference(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: referenceQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
