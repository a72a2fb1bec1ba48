// Package resolver runs one matching pass: for every identity it asks the
// oracle about every camera frame in a snapshot and publishes the camera with
// the lowest verified distance.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/camwatch/internal/logging"
	"github.com/andresmejia3/camwatch/internal/oracle"
	"github.com/andresmejia3/camwatch/internal/registry"
	"github.com/andresmejia3/camwatch/internal/types"
)

// ErrPassAborted reports a pass that stopped before every identity was
// published. Unpublished identities keep their previous status.
var ErrPassAborted = errors.New("pass aborted")

// Options tunes a Resolver.
type Options struct {
	// Parallelism bounds how many identities are evaluated at once. It should
	// match the number of oracle engines.
	Parallelism int
	Logger      *slog.Logger
}

// Resolver evaluates frame snapshots against the registry's identities.
type Resolver struct {
	oracle      oracle.Oracle
	registry    *registry.Registry
	parallelism int
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a resolver publishing into reg.
func New(o oracle.Oracle, reg *registry.Registry, opts Options) *Resolver {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Resolver{
		oracle:      o,
		registry:    reg,
		parallelism: opts.Parallelism,
		logger:      logging.NewComponentLogger(opts.Logger, "resolver"),
		now:         time.Now,
	}
}

// IdentityReport counts what the oracle said about one identity in a pass.
type IdentityReport struct {
	Name        string
	Verified    int
	NotVerified int
	NoFace      int
	Failures    int
	Published   bool
	Status      registry.Status
}

// PassReport summarizes one Resolve call.
type PassReport struct {
	ID         string
	Cameras    []int
	Started    time.Time
	Duration   time.Duration
	Identities []IdentityReport
}

// Resolve runs one pass over frames, which the caller must not modify while
// the pass runs. Each identity's status is published as soon as its cameras
// have all been checked. A panic or context cancellation aborts the pass and
// returns an error wrapping ErrPassAborted.
func (r *Resolver) Resolve(ctx context.Context, frames types.FrameSet) (PassReport, error) {
	identities := r.registry.Identities()
	report := PassReport{
		ID:         uuid.NewString(),
		Cameras:    frames.Indices(),
		Started:    r.now(),
		Identities: make([]IdentityReport, len(identities)),
	}
	logger := r.logger.With("pass", report.ID)
	logger.Debug("pass started", "cameras", len(report.Cameras), "identities", len(identities))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i, id := range identities {
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("%w: identity %q: panic: %v", ErrPassAborted, id.Name, rec)
				}
			}()
			ir, err := r.evaluate(gctx, logger, report.ID, id, frames, report.Cameras)
			report.Identities[i] = ir
			return err
		})
	}
	err := g.Wait()
	report.Duration = r.now().Sub(report.Started)

	for i := range report.Identities {
		if report.Identities[i].Name == "" {
			report.Identities[i].Name = identities[i].Name
		}
	}

	if err != nil {
		if !errors.Is(err, ErrPassAborted) {
			err = fmt.Errorf("%w: %w", ErrPassAborted, err)
		}
		logger.Warn("pass aborted", "error", err, "duration", report.Duration)
		return report, err
	}
	logger.Info("pass completed", "duration", report.Duration.Round(time.Millisecond), "matched", report.Matched())
	return report, nil
}

func (r *Resolver) evaluate(ctx context.Context, logger *slog.Logger, passID string, id types.Identity, frames types.FrameSet, cameras []int) (IdentityReport, error) {
	ir := IdentityReport{Name: id.Name}
	best := registry.Unmatched(r.registry.WorstDistance())

	for _, cam := range cameras {
		if err := ctx.Err(); err != nil {
			return ir, err
		}
		res, err := r.oracle.Verify(ctx, frames[cam].JPEG, id.Reference)
		if err != nil {
			if ctx.Err() != nil {
				return ir, ctx.Err()
			}
			ir.Failures++
			logger.Warn("oracle failure", "identity", id.Name, "camera", cam, "error", err)
			continue
		}
		switch res.Outcome {
		case oracle.NoFace:
			ir.NoFace++
		case oracle.NotVerified:
			ir.NotVerified++
		case oracle.Verified:
			ir.Verified++
			best.Matched = true
			// Cameras are visited in ascending order, so strict < keeps the
			// lowest index on ties.
			if res.Distance < best.BestDistance {
				best.BestDistance = res.Distance
				best.BestCamera = cam
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return ir, err
	}
	if best.Matched && best.BestCamera == registry.NoCamera {
		// Every verified distance was at or above the sentinel.
		best.Matched = false
	}
	best.PassID = passID
	best.UpdatedAt = r.now()
	if err := r.registry.Publish(id.Name, best); err != nil {
		return ir, err
	}
	ir.Published = true
	ir.Status, _ = r.registry.Get(id.Name)
	return ir, nil
}

// Matched counts identities published as matched in this pass.
func (p PassReport) Matched() int {
	n := 0
	for _, ir := range p.Identities {
		if ir.Published && ir.Status.Matched {
			n++
		}
	}
	return n
}

// Failures sums oracle failures across identities.
func (p PassReport) Failures() int {
	n := 0
	for _, ir := range p.Identities {
		n += ir.Failures
	}
	return n
}
