// Package registry holds the latest published match status of every identity.
//
// The registry is the only state shared between the resolution pass and the
// display loop. Each identity's Status is replaced as a whole record under a
// single lock, so readers never observe a camera from one evaluation paired
// with a distance from another.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/camwatch/internal/types"
)

// DefaultWorstDistance is the distance an unmatched identity reports.
const DefaultWorstDistance = 10.0

// NoCamera marks an identity without a winning camera.
const NoCamera = -1

var ErrUnknownIdentity = errors.New("unknown identity")

// Status is the published verdict for one identity.
type Status struct {
	BestCamera   int
	BestDistance float64
	Matched      bool

	PassID    string
	UpdatedAt time.Time
}

// Unmatched returns the status of an identity that no camera verified.
func Unmatched(worst float64) Status {
	return Status{BestCamera: NoCamera, BestDistance: worst}
}

// Registry maps identity names to their reference image and latest Status.
// Identities are fixed at construction; only statuses change afterwards.
type Registry struct {
	identities []types.Identity
	index      map[string]int
	worst      float64

	mu       sync.RWMutex
	statuses []Status
}

// New creates a registry with every identity unmatched. Names must be unique.
func New(identities []types.Identity, worst float64) (*Registry, error) {
	if len(identities) == 0 {
		return nil, ErrNoIdentities
	}
	if worst <= 0 {
		worst = DefaultWorstDistance
	}
	r := &Registry{
		identities: make([]types.Identity, len(identities)),
		index:      make(map[string]int, len(identities)),
		worst:      worst,
		statuses:   make([]Status, len(identities)),
	}
	for i, id := range identities {
		if _, dup := r.index[id.Name]; dup {
			return nil, fmt.Errorf("duplicate identity %q", id.Name)
		}
		r.index[id.Name] = i
		r.identities[i] = id
		r.statuses[i] = Unmatched(worst)
	}
	return r, nil
}

// Identities returns the identities in configuration order. Reference buffers
// are shared and must not be modified.
func (r *Registry) Identities() []types.Identity {
	out := make([]types.Identity, len(r.identities))
	copy(out, r.identities)
	return out
}

// WorstDistance is the sentinel distance used for unmatched identities.
func (r *Registry) WorstDistance() float64 { return r.worst }

// Publish replaces the status of one identity.
func (r *Registry) Publish(name string, s Status) error {
	i, ok := r.index[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownIdentity, name)
	}
	if !s.Matched {
		s.BestCamera = NoCamera
		s.BestDistance = r.worst
	}
	r.mu.Lock()
	r.statuses[i] = s
	r.mu.Unlock()
	return nil
}

// Get returns a copy of one identity's status.
func (r *Registry) Get(name string) (Status, bool) {
	i, ok := r.index[name]
	if !ok {
		return Status{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statuses[i], true
}

// Entry pairs an identity name with its status.
type Entry struct {
	Name   string
	Status Status
}

// Snapshot returns every identity's status in configuration order.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.identities))
	for i, id := range r.identities {
		out[i] = Entry{Name: id.Name, Status: r.statuses[i]}
	}
	return out
}
