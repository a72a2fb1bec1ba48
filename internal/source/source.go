// Package source turns camera origins into non-blocking frame sources.
//
// Every source owns a reader goroutine that keeps only the newest decoded
// frame in a single-slot mailbox. The driving loop polls all sources once per
// tick with TryRead and never waits for a camera. A source keeps appearing
// with its newest frame between decodes; one that is down or has delivered
// nothing recently is simply absent from that tick's FrameSet.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andresmejia3/camwatch/internal/logging"
	"github.com/andresmejia3/camwatch/internal/types"
)

// ErrNoSources is returned when a pool is built without any camera.
var ErrNoSources = errors.New("no camera sources configured")

// Source is one camera.
type Source interface {
	Index() int
	Origin() string
	// TryRead returns the newest frame without blocking, or false while the
	// camera is down or its newest frame is too old. The buffer is shared.
	TryRead() (types.Frame, bool)
	Stats() Stats
	Close() error
}

// Pool polls a fixed, ordered set of sources.
type Pool struct {
	sources []Source
	logger  *slog.Logger
}

// NewPool wraps sources, which must have distinct indices.
func NewPool(sources []Source, logger *slog.Logger) (*Pool, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	seen := make(map[int]bool, len(sources))
	for _, s := range sources {
		if seen[s.Index()] {
			return nil, fmt.Errorf("duplicate camera index %d", s.Index())
		}
		seen[s.Index()] = true
	}
	return &Pool{sources: sources, logger: logging.NewComponentLogger(logger, "source")}, nil
}

// Len is the number of configured sources.
func (p *Pool) Len() int { return len(p.sources) }

// Sources returns the configured sources in order.
func (p *Pool) Sources() []Source {
	out := make([]Source, len(p.sources))
	copy(out, p.sources)
	return out
}

// CaptureAll reads every source once and returns the frames that were
// available. The result may be empty; the caller decides whether a tick is
// usable.
func (p *Pool) CaptureAll() types.FrameSet {
	frames := make(types.FrameSet, len(p.sources))
	for _, s := range p.sources {
		if f, ok := s.TryRead(); ok {
			frames[s.Index()] = f
		}
	}
	return frames
}

// Stats returns per-source counters in configuration order.
func (p *Pool) Stats() []Stats {
	out := make([]Stats, len(p.sources))
	for i, s := range p.sources {
		out[i] = s.Stats()
	}
	return out
}

// WaitReady polls until every source has produced at least one frame, ctx
// ends or timeout elapses. onReady, if set, is called once per source as it
// comes up. It returns the number of sources that are ready.
func (p *Pool) WaitReady(ctx context.Context, timeout time.Duration, onReady func(Stats)) int {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	ready := make(map[int]bool, len(p.sources))
	for {
		for _, s := range p.sources {
			st := s.Stats()
			if !ready[st.Index] && st.Received > 0 {
				ready[st.Index] = true
				p.logger.Info("camera ready", "camera", st.Index, "origin", st.Origin)
				if onReady != nil {
					onReady(st)
				}
			}
		}
		if len(ready) == len(p.sources) {
			return len(ready)
		}
		select {
		case <-ctx.Done():
			return len(ready)
		case <-deadline.C:
			for _, s := range p.sources {
				if !ready[s.Index()] {
					p.logger.Warn("camera not ready", "camera", s.Index(), "origin", s.Origin(), "error", s.Stats().LastError)
				}
			}
			return len(ready)
		case <-poll.C:
		}
	}
}

// Close releases every source.
func (p *Pool) Close() error {
	var errs []error
	for _, s := range p.sources {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("camera %d: %w", s.Index(), err))
		}
	}
	return errors.Join(errs...)
}
