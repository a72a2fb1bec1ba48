package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/camwatch/internal/types"
)

func oneFrame() types.FrameSet {
	return types.FrameSet{0: {Camera: 0, JPEG: []byte{1, 2, 3}}}
}

// blockingPass runs until release is closed and records overlapping runs.
type blockingPass struct {
	inFlight, peak atomic.Int32
	starts         []uint64
	release        chan struct{}
}

func (b *blockingPass) run(ctx context.Context, _ types.FrameSet) error {
	n := b.inFlight.Add(1)
	if n > b.peak.Load() {
		b.peak.Store(n)
	}
	<-b.release
	b.inFlight.Add(-1)
	return nil
}

// A pass that lasts 45 ticks with interval 30 starts on ticks 0, 60 and 120;
// the triggers on 30 and 90 arrive while running and are dropped.
func TestLongPassesDropTriggers(t *testing.T) {
	bp := &blockingPass{release: make(chan struct{})}
	s := New(30, bp.run, nil)
	ctx := context.Background()

	var startedAt []int
	releaseAt := -1
	for tick := 0; tick < 150; tick++ {
		if tick == releaseAt {
			close(bp.release)
			s.Wait()
			bp.release = make(chan struct{})
			releaseAt = -1
		}
		if s.Tick(ctx, oneFrame()) {
			startedAt = append(startedAt, tick)
			releaseAt = tick + 45
		}
	}
	close(bp.release)
	s.Wait()

	if want := []int{0, 60, 120}; len(startedAt) != len(want) || startedAt[0] != 0 || startedAt[1] != 60 || startedAt[2] != 120 {
		t.Errorf("passes started at %v, want %v", startedAt, want)
	}
	st := s.Stats()
	if st.Started != 3 || st.Dropped != 2 || st.Completed != 3 || st.Ticks != 150 {
		t.Errorf("stats = %+v", st)
	}
	if bp.peak.Load() != 1 {
		t.Errorf("peak concurrent passes = %d", bp.peak.Load())
	}
}

func TestStateTransitions(t *testing.T) {
	release := make(chan struct{})
	s := New(1, func(ctx context.Context, _ types.FrameSet) error {
		<-release
		return nil
	}, nil)

	if s.State() != Idle {
		t.Fatal("new scheduler not idle")
	}
	if !s.Tick(context.Background(), oneFrame()) {
		t.Fatal("first tick did not start a pass")
	}
	if s.State() != Running {
		t.Error("state not running while pass in flight")
	}
	if s.Tick(context.Background(), oneFrame()) {
		t.Error("second pass started while running")
	}
	close(release)
	s.Wait()
	if s.State() != Idle {
		t.Error("state not idle after pass finished")
	}
}

func TestFailedAndPanickingPassesReturnToIdle(t *testing.T) {
	passes := []PassFunc{
		func(context.Context, types.FrameSet) error { return errors.New("boom") },
		func(context.Context, types.FrameSet) error { panic("kaboom") },
	}
	for _, pass := range passes {
		s := New(1, pass, nil)
		s.Tick(context.Background(), oneFrame())
		s.Wait()
		if s.State() != Idle {
			t.Error("scheduler stuck running after a failed pass")
		}
		if st := s.Stats(); st.Failed != 1 || st.Completed != 0 {
			t.Errorf("stats = %+v", st)
		}
		if !s.Tick(context.Background(), oneFrame()) {
			t.Error("scheduler did not accept a new pass after failure")
		}
		s.Wait()
	}
}

func TestPassReceivesPrivateCopy(t *testing.T) {
	got := make(chan types.FrameSet, 1)
	s := New(1, func(_ context.Context, fs types.FrameSet) error {
		got <- fs
		return nil
	}, nil)

	frames := oneFrame()
	s.Tick(context.Background(), frames)
	s.Wait()
	frames[0].JPEG[0] = 99

	snap := <-got
	if snap[0].JPEG[0] != 1 {
		t.Error("pass snapshot shares buffers with the caller's frames")
	}
}

func TestTickDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := New(1, func(context.Context, types.FrameSet) error {
		<-release
		return nil
	}, nil)

	s.Tick(context.Background(), oneFrame())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Tick(context.Background(), oneFrame())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Tick blocked on a running pass")
	}
	if st := s.Stats(); st.Dropped != 100 {
		t.Errorf("dropped = %d", st.Dropped)
	}
}

func TestWaitContextTimesOut(t *testing.T) {
	release := make(chan struct{})
	s := New(1, func(context.Context, types.FrameSet) error {
		<-release
		return nil
	}, nil)
	s.Tick(context.Background(), oneFrame())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.WaitContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v", err)
	}
	close(release)
	if err := s.WaitContext(context.Background()); err != nil {
		t.Errorf("got %v", err)
	}
}
