// Package display renders per-identity views and pushes them to a sink: an
// OpenCV window (see package cv), an HTTP/MJPEG server, or nothing.
package display

import (
	"errors"
	"image"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrQuit is returned by a sink when the user asked to stop.
var ErrQuit = errors.New("quit requested")

// View is one identity's rendered surface for the current tick.
type View struct {
	Identity string
	Slug     string
	Image    image.Image

	Matched  bool
	Camera   int
	Distance float64
}

// Sink receives every identity's view once per tick.
type Sink interface {
	Show(views []View) error
	Close() error
}

// Discard is a sink for headless runs.
type Discard struct{}

func (Discard) Show([]View) error { return nil }
func (Discard) Close() error      { return nil }

// Slug turns a display name into a URL-safe identifier ("Jiří Novák" ->
// "jiri-novak").
func Slug(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, name)
	if err != nil {
		plain = name
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(plain) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		slug = "identity"
	}
	return slug
}

// Slugs assigns unique slugs to names, suffixing collisions with -2, -3...
func Slugs(names []string) map[string]string {
	out := make(map[string]string, len(names))
	taken := make(map[string]bool, len(names))
	for _, n := range names {
		base := Slug(n)
		s := base
		for i := 2; taken[s]; i++ {
			s = base + "-" + strconv.Itoa(i)
		}
		taken[s] = true
		out[n] = s
	}
	return out
}
