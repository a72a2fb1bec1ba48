// Package monitor runs the driving loop: capture every camera, hand a
// snapshot to the scheduler on trigger ticks, and present every identity's
// current status, once per tick.
package monitor

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/camwatch/internal/display"
	"github.com/andresmejia3/camwatch/internal/logging"
	"github.com/andresmejia3/camwatch/internal/registry"
	"github.com/andresmejia3/camwatch/internal/scheduler"
	"github.com/andresmejia3/camwatch/internal/types"
)

const waitingLogInterval = time.Second

// Capturer is the frame source the loop polls. *source.Pool satisfies it.
type Capturer interface {
	CaptureAll() types.FrameSet
}

// Options tunes the loop.
type Options struct {
	Tick          time.Duration
	ShutdownGrace time.Duration
	// FallbackSize sizes placeholders when the first frame cannot be parsed.
	FallbackSize image.Point
	Logger       *slog.Logger
}

// Summary counts loop activity.
type Summary struct {
	Ticks       uint64
	EmptyTicks  uint64
	ViewsShown  uint64
	RenderFails uint64
	Started     time.Time
	Stopped     time.Time
}

// Monitor ties capture, dispatch and presentation together.
type Monitor struct {
	capture  Capturer
	sched    *scheduler.Scheduler
	registry *registry.Registry
	renderer *display.Renderer
	sink     display.Sink
	slugs    map[string]string
	opts     Options
	logger   *slog.Logger

	lastWaitingLog time.Time

	ticks, emptyTicks, viewsShown, renderFails atomic.Uint64
	startedAt, stoppedAt                       atomic.Int64 // unix nanos
}

// New creates a monitor.
func New(capture Capturer, sched *scheduler.Scheduler, reg *registry.Registry, renderer *display.Renderer, sink display.Sink, opts Options) *Monitor {
	if opts.Tick <= 0 {
		opts.Tick = 33 * time.Millisecond
	}
	if opts.FallbackSize == (image.Point{}) {
		opts.FallbackSize = image.Pt(640, 480)
	}
	if sink == nil {
		sink = display.Discard{}
	}
	names := make([]string, 0)
	for _, id := range reg.Identities() {
		names = append(names, id.Name)
	}
	return &Monitor{
		capture:  capture,
		sched:    sched,
		registry: reg,
		renderer: renderer,
		sink:     sink,
		slugs:    display.Slugs(names),
		opts:     opts,
		logger:   logging.NewComponentLogger(opts.Logger, "monitor"),
	}
}

// Run loops until ctx is cancelled or the sink reports a quit. On the way out
// the in-flight pass is cancelled and waited for up to ShutdownGrace. A quit
// is a clean exit and returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.startedAt.Store(time.Now().UnixNano())
	ticker := time.NewTicker(m.opts.Tick)
	defer ticker.Stop()

	m.logger.Info("monitor started", "tick", m.opts.Tick)
loop:
	for ctx.Err() == nil {
		if err := m.Step(loopCtx); err != nil {
			if errors.Is(err, display.ErrQuit) {
				m.logger.Info("quit requested")
				break loop
			}
			m.logger.Warn("display error", "error", err)
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
	if err := context.Cause(ctx); err != nil {
		m.logger.Info("shutting down", "reason", err)
	}

	cancel()
	m.drain()
	m.stoppedAt.Store(time.Now().UnixNano())
	return nil
}

func (m *Monitor) drain() {
	if m.sched.State() != scheduler.Running {
		return
	}
	ctx := context.Background()
	if m.opts.ShutdownGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ShutdownGrace)
		defer cancel()
	}
	if err := m.sched.WaitContext(ctx); err != nil {
		m.logger.Warn("abandoning in-flight pass", "grace", m.opts.ShutdownGrace)
	}
}

// Step runs a single tick: capture, dispatch, present.
func (m *Monitor) Step(ctx context.Context) error {
	m.ticks.Add(1)
	frames := m.capture.CaptureAll()
	if len(frames) == 0 {
		m.emptyTicks.Add(1)
		if now := time.Now(); now.Sub(m.lastWaitingLog) >= waitingLogInterval {
			m.logger.Info("waiting for cameras")
			m.lastWaitingLog = now
		}
		return nil
	}

	m.sched.Tick(ctx, frames)

	views := m.Present(frames)
	if len(views) == 0 {
		return nil
	}
	m.viewsShown.Add(uint64(len(views)))
	return m.sink.Show(views)
}

// Present renders one view per identity for this tick's frames. It only reads
// the registry and never waits on a pass.
func (m *Monitor) Present(frames types.FrameSet) []display.View {
	size := m.opts.FallbackSize
	if first, ok := frames.First(); ok {
		if s, err := display.FrameSize(first.JPEG); err == nil {
			size = s
		}
	}

	entries := m.registry.Snapshot()
	views := make([]display.View, 0, len(entries))
	for _, e := range entries {
		v := display.View{Identity: e.Name, Slug: m.slugs[e.Name], Camera: registry.NoCamera}
		st := e.Status
		if frame, ok := frames[st.BestCamera]; st.Matched && ok {
			img, err := m.renderer.Winner(frame.JPEG, e.Name, st.BestCamera, st.BestDistance)
			if err == nil {
				v.Image, v.Matched, v.Camera, v.Distance = img, true, st.BestCamera, st.BestDistance
				views = append(views, v)
				continue
			}
			m.renderFails.Add(1)
			m.logger.Debug("render failed", "identity", e.Name, "camera", st.BestCamera, "error", err)
		}
		v.Image = m.renderer.Placeholder(size, e.Name)
		views = append(views, v)
	}
	return views
}

// Summary reports loop counters.
func (m *Monitor) Summary() Summary {
	return Summary{
		Ticks:       m.ticks.Load(),
		EmptyTicks:  m.emptyTicks.Load(),
		ViewsShown:  m.viewsShown.Load(),
		RenderFails: m.renderFails.Load(),
		Started:     unixNano(m.startedAt.Load()),
		Stopped:     unixNano(m.stoppedAt.Load()),
	}
}

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
