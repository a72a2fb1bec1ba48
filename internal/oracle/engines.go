package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/andresmejia3/camwatch/internal/logging"
	"github.com/andresmejia3/camwatch/internal/worker"
	"golang.org/x/sync/errgroup"
)

// Engine is one verification process. *worker.PythonWorker satisfies it.
type Engine interface {
	Verify(probe, reference []byte) (worker.Verdict, error)
	// Kill must make an in-progress Verify return promptly.
	Kill()
	Close()
}

// Spawner starts engine number id.
type Spawner func(ctx context.Context, id int) (Engine, error)

// PythonSpawner starts engines running the Python verification script.
func PythonSpawner(cfg worker.Config) Spawner {
	return func(ctx context.Context, id int) (Engine, error) {
		return worker.NewPythonWorker(ctx, id, cfg)
	}
}

type slot struct {
	id     int
	engine Engine
}

// EnginePool multiplexes concurrent Verify calls over a fixed set of engines.
// An engine that breaks (crash, timeout) is closed and respawned lazily on
// the next call that checks its slot out.
type EnginePool struct {
	spawn  Spawner
	slots  chan *slot
	size   int
	logger *slog.Logger

	// spawnCtx outlives individual requests: engines are long-lived processes.
	spawnCtx context.Context

	closeOnce sync.Once
}

// NewEnginePool starts size engines in parallel and waits for all of them to
// report ready. Any startup failure closes the engines already started.
func NewEnginePool(ctx context.Context, size int, spawn Spawner, logger *slog.Logger) (*EnginePool, error) {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	p := &EnginePool{
		spawn:    spawn,
		slots:    make(chan *slot, size),
		size:     size,
		logger:   logger,
		spawnCtx: ctx,
	}

	started := make([]*slot, size)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < size; i++ {
		g.Go(func() error {
			e, err := spawn(gctx, i)
			if err != nil {
				return fmt.Errorf("engine %d: %w", i, err)
			}
			started[i] = &slot{id: i, engine: e}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range started {
			if s != nil {
				s.engine.Close()
			}
		}
		return nil, err
	}
	for _, s := range started {
		p.slots <- s
	}
	return p, nil
}

// Size returns the number of engines, which bounds useful request parallelism.
func (p *EnginePool) Size() int { return p.size }

// Verify checks out an engine, runs one request and returns it to the pool.
func (p *EnginePool) Verify(ctx context.Context, probe, reference []byte) (Result, error) {
	var s *slot
	select {
	case s = <-p.slots:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	defer func() { p.slots <- s }()

	if s.engine == nil {
		e, err := p.spawn(p.spawnCtx, s.id)
		if err != nil {
			return Result{}, fmt.Errorf("respawn engine %d: %w", s.id, err)
		}
		p.logger.Info("engine restarted", "engine", s.id)
		s.engine = e
	}

	type answer struct {
		v   worker.Verdict
		err error
	}
	done := make(chan answer, 1)
	go func(e Engine) {
		v, err := e.Verify(probe, reference)
		done <- answer{v, err}
	}(s.engine)

	var a answer
	select {
	case a = <-done:
	case <-ctx.Done():
		// Engines cannot be interrupted mid-request; kill it and respawn later.
		p.logger.Warn("verification abandoned, stopping engine", "engine", s.id, "error", ctx.Err())
		s.engine.Kill()
		<-done
		s.engine = nil
		return Result{}, ctx.Err()
	}

	v, err := a.v, a.err
	switch {
	case err == nil:
		if v.Verified {
			return Result{Outcome: Verified, Distance: v.Distance}, nil
		}
		return Result{Outcome: NotVerified, Distance: v.Distance}, nil
	case errors.Is(err, worker.ErrNoFace):
		return Result{Outcome: NoFace}, nil
	case errors.Is(err, worker.ErrBroken):
		p.logger.Warn("engine broken, will respawn", "engine", s.id, "error", err)
		s.engine.Close()
		s.engine = nil
		return Result{}, err
	default:
		return Result{}, err
	}
}

// Close waits for in-flight requests to return their engines, then stops them.
// Requests whose context has ended give their engine back promptly.
func (p *EnginePool) Close() {
	p.closeOnce.Do(func() {
		for i := 0; i < p.size; i++ {
			s := <-p.slots
			if s.engine != nil {
				s.engine.Close()
			}
		}
	})
}
