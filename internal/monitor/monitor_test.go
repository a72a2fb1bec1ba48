package monitor

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/camwatch/internal/display"
	"github.com/andresmejia3/camwatch/internal/oracle"
	"github.com/andresmejia3/camwatch/internal/registry"
	"github.com/andresmejia3/camwatch/internal/resolver"
	"github.com/andresmejia3/camwatch/internal/scheduler"
	"github.com/andresmejia3/camwatch/internal/source"
	"github.com/andresmejia3/camwatch/internal/types"
)

func jpegFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// staticCapture returns the same cameras every tick.
type staticCapture struct {
	frames types.FrameSet
}

func (s staticCapture) CaptureAll() types.FrameSet { return s.frames.Clone() }

// mailboxSource is a camera fed by hand.
type mailboxSource struct{ box *source.Mailbox }

func (m *mailboxSource) Index() int                   { return m.box.Stats().Index }
func (m *mailboxSource) Origin() string               { return m.box.Stats().Origin }
func (m *mailboxSource) TryRead() (types.Frame, bool) { return m.box.Latest() }
func (m *mailboxSource) Stats() source.Stats          { return m.box.Stats() }
func (m *mailboxSource) Close() error                 { return nil }

type recordingSink struct {
	mu    sync.Mutex
	shows [][]display.View
	quit  int // return ErrQuit on this call number, 0 = never
}

func (r *recordingSink) Show(views []display.View) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shows = append(r.shows, views)
	if r.quit > 0 && len(r.shows) >= r.quit {
		return display.ErrQuit
	}
	return nil
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) last() []display.View {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.shows) == 0 {
		return nil
	}
	return r.shows[len(r.shows)-1]
}

func setup(t *testing.T, capture Capturer, o oracle.Oracle, sink display.Sink, interval int) (*Monitor, *registry.Registry, *scheduler.Scheduler) {
	t.Helper()
	reg, err := registry.New([]types.Identity{
		{Name: "Isha", Reference: []byte("isha")},
		{Name: "Keval", Reference: []byte("keval")},
	}, 10)
	if err != nil {
		t.Fatal(err)
	}
	res := resolver.New(o, reg, resolver.Options{Parallelism: 2})
	sched := scheduler.New(interval, func(ctx context.Context, fs types.FrameSet) error {
		_, err := res.Resolve(ctx, fs)
		return err
	}, nil)
	m := New(capture, sched, reg, display.NewRenderer(1), sink, Options{Tick: time.Millisecond, ShutdownGrace: time.Second})
	return m, reg, sched
}

// Isha is verified on camera 1 only; Keval is never seen.
func ishaOnCameraOne(ctx context.Context, probe, ref []byte) (oracle.Result, error) {
	if string(ref) == "isha" && string(probe[len(probe)-1:]) == "\x01" {
		return oracle.Result{Outcome: oracle.Verified, Distance: 0.35}, nil
	}
	return oracle.Result{Outcome: oracle.NotVerified, Distance: 0.9}, nil
}

func TestStepWithoutFramesShowsNothing(t *testing.T) {
	sink := &recordingSink{}
	m, _, sched := setup(t, staticCapture{frames: types.FrameSet{}}, oracle.Func(ishaOnCameraOne), sink, 1)

	for i := 0; i < 5; i++ {
		if err := m.Step(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if len(sink.shows) != 0 {
		t.Error("views shown without frames")
	}
	if s := m.Summary(); s.EmptyTicks != 5 || s.Ticks != 5 {
		t.Errorf("summary = %+v", s)
	}
	if sched.Stats().Ticks != 0 {
		t.Error("empty ticks reached the scheduler")
	}
}

func TestPresentWinnerAndPlaceholder(t *testing.T) {
	frames := types.FrameSet{
		0: {Camera: 0, JPEG: jpegFrame(t, 160, 120)},
		1: {Camera: 1, JPEG: jpegFrame(t, 160, 120)},
	}
	sink := &recordingSink{}
	m, reg, _ := setup(t, staticCapture{frames: frames}, oracle.Func(ishaOnCameraOne), sink, 1)

	// Before any pass both identities are searching.
	views := m.Present(frames)
	for _, v := range views {
		if v.Matched || v.Image.Bounds().Dx() != 160 {
			t.Errorf("%s: %+v", v.Identity, v)
		}
	}

	reg.Publish("Isha", registry.Status{BestCamera: 1, BestDistance: 0.35, Matched: true})
	views = m.Present(frames)
	if !views[0].Matched || views[0].Camera != 1 || views[0].Slug != "isha" {
		t.Errorf("Isha view = %+v", views[0])
	}
	if views[1].Matched {
		t.Errorf("Keval view = %+v", views[1])
	}

	// The winning camera is missing this tick: fall back to searching.
	views = m.Present(types.FrameSet{0: frames[0]})
	if views[0].Matched {
		t.Error("winner shown without its camera's frame")
	}
}

func TestRunResolvesAndQuits(t *testing.T) {
	frames := types.FrameSet{
		0: {Camera: 0, JPEG: append(jpegFrame(t, 64, 48), 0x00)},
		1: {Camera: 1, JPEG: append(jpegFrame(t, 64, 48), 0x01)},
	}
	sink := &recordingSink{quit: 200}
	m, reg, sched := setup(t, staticCapture{frames: frames}, oracle.Func(ishaOnCameraOne), sink, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatal(err)
	}

	isha, _ := reg.Get("Isha")
	if !isha.Matched || isha.BestCamera != 1 || isha.BestDistance != 0.35 {
		t.Errorf("Isha = %+v", isha)
	}
	if keval, _ := reg.Get("Keval"); keval.Matched {
		t.Errorf("Keval = %+v", keval)
	}
	if sched.Stats().Started == 0 {
		t.Error("no pass started")
	}
	if last := sink.last(); len(last) != 2 || !last[0].Matched || last[0].Camera != 1 {
		t.Errorf("last views = %+v", last)
	}
	if sched.State() != scheduler.Idle {
		t.Error("pass still running after Run returned")
	}
}

func TestRunCancelsInFlightPass(t *testing.T) {
	frames := types.FrameSet{0: {Camera: 0, JPEG: jpegFrame(t, 32, 32)}}
	var calls atomic.Int32
	blocking := oracle.Func(func(ctx context.Context, probe, ref []byte) (oracle.Result, error) {
		calls.Add(1)
		<-ctx.Done()
		return oracle.Result{}, ctx.Err()
	})
	m, reg, sched := setup(t, staticCapture{frames: frames}, blocking, &recordingSink{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for calls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	if sched.State() != scheduler.Idle {
		t.Error("pass not finished after shutdown")
	}
	for _, e := range reg.Snapshot() {
		if e.Status.PassID != "" {
			t.Errorf("%s published by a cancelled pass", e.Name)
		}
	}
	if st := sched.Stats(); st.Failed != 1 {
		t.Errorf("stats = %+v", st)
	}
}

// Camera 1 decodes at half the tick rate. Every pass and every view must
// still see it between its frames.
func TestSlowCameraStaysInEveryPass(t *testing.T) {
	cam0 := append(jpegFrame(t, 64, 48), 0x00)
	cam1 := append(jpegFrame(t, 64, 48), 0x01)
	fast := source.NewMailbox(0, "fast", time.Minute)
	slow := source.NewMailbox(1, "slow", time.Minute)
	pool, err := source.NewPool([]source.Source{&mailboxSource{fast}, &mailboxSource{slow}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	m, reg, sched := setup(t, pool, oracle.Func(ishaOnCameraOne), sink, 1)

	for tick := 0; tick < 10; tick++ {
		fast.Put(bytes.Clone(cam0), time.Now())
		if tick%2 == 0 {
			slow.Put(bytes.Clone(cam1), time.Now())
		}
		if err := m.Step(context.Background()); err != nil {
			t.Fatal(err)
		}
		sched.Wait()

		isha, _ := reg.Get("Isha")
		if !isha.Matched || isha.BestCamera != 1 || isha.BestDistance != 0.35 {
			t.Fatalf("tick %d: Isha = %+v", tick, isha)
		}
		if tick > 0 {
			if v := sink.last()[0]; !v.Matched || v.Camera != 1 {
				t.Errorf("tick %d: Isha view = %+v", tick, v)
			}
		}
	}
	if st := sched.Stats(); st.Started != 10 || st.Dropped != 0 {
		t.Errorf("scheduler stats = %+v", st)
	}
}
