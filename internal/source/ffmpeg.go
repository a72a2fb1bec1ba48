package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/andresmejia3/camwatch/internal/logging"
	"github.com/andresmejia3/camwatch/internal/types"
	"github.com/andresmejia3/camwatch/internal/utils"
)

const megabyte = 1024 * 1024

// CommandFunc builds the decoder process for one origin.
type CommandFunc func(ctx context.Context, origin string, width, height int) *utils.SafeCommand

// FFmpegOptions configures an FFmpegSource.
type FFmpegOptions struct {
	Width, Height int
	// MinBackoff and MaxBackoff bound the reconnect delay, which doubles after
	// every attempt that produced no frame.
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	// MaxFrameAge drops a camera from ticks once its newest frame is older
	// than this. Zero keeps serving it until the camera goes down.
	MaxFrameAge time.Duration
	Command     CommandFunc
	Logger      *slog.Logger
}

// FFmpegSource decodes a camera through an ffmpeg child process writing MJPEG
// to stdout. The process is restarted with backoff whenever it exits.
type FFmpegSource struct {
	cam  types.CameraSource
	opts FFmpegOptions
	box  *Mailbox
	log  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewFFmpegSource starts reading cam in the background until Close.
func NewFFmpegSource(ctx context.Context, cam types.CameraSource, opts FFmpegOptions) *FFmpegSource {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Command == nil {
		opts.Command = utils.NewFFmpegCaptureCmd
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &FFmpegSource{
		cam:    cam,
		opts:   opts,
		box:    NewMailbox(cam.Index, cam.Origin, opts.MaxFrameAge),
		log:    logging.NewComponentLogger(opts.Logger, "source").With("camera", cam.Index),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.loop(ctx)
	return s
}

func (s *FFmpegSource) Index() int                   { return s.cam.Index }
func (s *FFmpegSource) Origin() string               { return s.cam.Origin }
func (s *FFmpegSource) TryRead() (types.Frame, bool) { return s.box.Latest() }
func (s *FFmpegSource) Stats() Stats                 { return s.box.Stats() }

// Close stops the decoder and waits for the reader goroutine to exit.
func (s *FFmpegSource) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *FFmpegSource) loop(ctx context.Context) {
	defer close(s.done)
	backoff := s.opts.MinBackoff
	for {
		frames, err := s.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("stream ended")
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

// stream runs one decoder process until it exits and returns how many frames
// it delivered.
func (s *FFmpegSource) stream(ctx context.Context) (int, error) {
	cmd := s.opts.Command(ctx, s.cam.Origin, s.opts.Width, s.opts.Height)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start decoder: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, megabyte), 16*megabyte)
	scanner.Split(utils.SplitJpeg)

	frames := 0
	for scanner.Scan() {
		s.box.Put(CopyFrame(scanner.Bytes()), time.Now())
		frames++
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Unblock a decoder still writing into the abandoned pipe.
		cmd.Process.Kill()
	}
	waitErr := cmd.Wait()

	switch {
	case scanErr != nil:
		return frames, fmt.Errorf("read frames: %w", scanErr)
	case waitErr != nil:
		if tail := strings.TrimSpace(cmd.Stderr.String()); tail != "" {
			return frames, fmt.Errorf("decoder exited: %w: %s", waitErr, lastLine(tail))
		}
		return frames, fmt.Errorf("decoder exited: %w", waitErr)
	}
	return frames, nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
