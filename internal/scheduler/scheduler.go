// Package scheduler decides when a matching pass starts. At most one pass
// runs at a time; triggers that arrive while a pass is running are dropped
// rather than queued.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/camwatch/internal/logging"
	"github.com/andresmejia3/camwatch/internal/types"
)

// State is the scheduler's two-valued state.
type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// PassFunc runs one pass over a private frame snapshot.
type PassFunc func(ctx context.Context, frames types.FrameSet) error

// Stats counts scheduler activity since construction.
type Stats struct {
	Ticks     uint64
	Started   uint64
	Completed uint64
	Failed    uint64
	Dropped   uint64
}

// Scheduler starts a pass every Interval-th tick when idle.
type Scheduler struct {
	interval uint64
	pass     PassFunc
	logger   *slog.Logger

	tick    atomic.Uint64
	running atomic.Bool
	wg      sync.WaitGroup

	started, completed, failed, dropped atomic.Uint64
}

// New creates a scheduler that triggers on every interval-th tick.
func New(interval int, pass PassFunc, logger *slog.Logger) *Scheduler {
	if interval < 1 {
		interval = 1
	}
	return &Scheduler{
		interval: uint64(interval),
		pass:     pass,
		logger:   logging.NewComponentLogger(logger, "scheduler"),
	}
}

// Tick advances the tick counter and, on a trigger tick while idle, starts a
// pass on its own goroutine with a deep copy of frames. It never blocks on a
// running pass. It reports whether a pass was started. Tick must be called
// from a single goroutine.
func (s *Scheduler) Tick(ctx context.Context, frames types.FrameSet) bool {
	n := s.tick.Add(1) - 1
	if n%s.interval != 0 {
		return false
	}
	if !s.running.CompareAndSwap(false, true) {
		s.dropped.Add(1)
		s.logger.Debug("dispatch dropped", "tick", n)
		return false
	}

	snapshot := frames.Clone()
	s.started.Add(1)
	s.wg.Add(1)
	go s.run(ctx, snapshot)
	return true
}

func (s *Scheduler) run(ctx context.Context, frames types.FrameSet) {
	// Deferred in this order so the state is Idle before Wait returns.
	defer s.wg.Done()
	defer s.running.Store(false)

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("pass panicked: %v", rec)
			}
		}()
		return s.pass(ctx, frames)
	}()

	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("pass failed", "error", err)
		return
	}
	s.completed.Add(1)
}

// State reports whether a pass is in flight.
func (s *Scheduler) State() State {
	if s.running.Load() {
		return Running
	}
	return Idle
}

// Wait blocks until the in-flight pass, if any, has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// WaitContext is Wait bounded by ctx. It returns ctx.Err() if the pass is
// still running when ctx ends.
func (s *Scheduler) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:     s.tick.Load(),
		Started:   s.started.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
	}
}
