// Package cv holds the OpenCV (gocv) backends: camera capture and desktop
// preview windows. It needs OpenCV 4 installed and cgo enabled.
package cv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gocv.io/x/gocv"

	"github.com/andresmejia3/camwatch/internal/logging"
	"github.com/andresmejia3/camwatch/internal/source"
	"github.com/andresmejia3/camwatch/internal/types"
)

// maxEmptyReads is how many failed reads in a row count as a lost camera.
const maxEmptyReads = 50

// CaptureOptions configures a CaptureSource.
type CaptureOptions struct {
	Width, Height int
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	MaxFrameAge   time.Duration // see source.FFmpegOptions
	Logger        *slog.Logger
}

// CaptureSource reads a camera through cv::VideoCapture and keeps the newest
// frame, JPEG encoded, in a mailbox.
type CaptureSource struct {
	cam  types.CameraSource
	opts CaptureOptions
	box  *source.Mailbox
	log  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCaptureSource starts reading cam until Close.
func NewCaptureSource(ctx context.Context, cam types.CameraSource, opts CaptureOptions) *CaptureSource {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &CaptureSource{
		cam:    cam,
		opts:   opts,
		box:    source.NewMailbox(cam.Index, cam.Origin, opts.MaxFrameAge),
		log:    logging.NewComponentLogger(opts.Logger, "source").With("camera", cam.Index, "backend", "opencv"),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.loop(ctx)
	return s
}

func (s *CaptureSource) Index() int                   { return s.cam.Index }
func (s *CaptureSource) Origin() string               { return s.cam.Origin }
func (s *CaptureSource) TryRead() (types.Frame, bool) { return s.box.Latest() }
func (s *CaptureSource) Stats() source.Stats          { return s.box.Stats() }

// Close stops the reader and releases the device.
func (s *CaptureSource) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// device maps "0" to a device index and leaves URLs and paths alone.
func device(origin string) any {
	if n, err := strconv.Atoi(strings.TrimSpace(origin)); err == nil {
		return n
	}
	return origin
}

func (s *CaptureSource) loop(ctx context.Context) {
	defer close(s.done)
	backoff := s.opts.MinBackoff
	for {
		frames, err := s.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		s.box.MarkDown(err)
		s.log.Warn("source down", "origin", s.cam.Origin, "frames", frames, "error", err)
		if frames > 0 {
			backoff = s.opts.MinBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		s.box.MarkRestart()
		s.log.Info("source reconnecting", "origin", s.cam.Origin, "after", backoff)
		if frames == 0 {
			backoff = min(backoff*2, s.opts.MaxBackoff)
		}
	}
}

func (s *CaptureSource) stream(ctx context.Context) (int, error) {
	vc, err := gocv.OpenVideoCapture(device(s.cam.Origin))
	if err != nil {
		return 0, fmt.Errorf("open capture: %w", err)
	}
	defer vc.Close()
	if !vc.IsOpened() {
		return 0, errors.New("capture did not open")
	}
	if s.opts.Width > 0 && s.opts.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(s.opts.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(s.opts.Height))
	}

	mat := gocv.NewMat()
	defer mat.Close()

	frames, empty := 0, 0
	for ctx.Err() == nil {
		if ok := vc.Read(&mat); !ok || mat.Empty() {
			empty++
			if empty >= maxEmptyReads {
				return frames, errors.New("camera stopped delivering frames")
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		empty = 0
		buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
		if err != nil {
			return frames, fmt.Errorf("encode frame: %w", err)
		}
		s.box.Put(source.CopyFrame(buf.GetBytes()), time.Now())
		buf.Close()
		frames++
	}
	return frames, ctx.Err()
}
