// Package oracle defines the face verification collaborator used by the
// resolver and the backends that implement it.
//
// An Oracle answers one question: does the probe image show the same person
// as the reference image, and at what distance (lower is more confident).
// Every call ends in exactly one of Verified, NotVerified or NoFace; anything
// else is reported as an error, which callers treat as an oracle failure for
// that single pair.
package oracle

import (
	"context"
	"fmt"
)

// Outcome classifies a verification answer.
type Outcome int

const (
	NotVerified Outcome = iota
	Verified
	NoFace
)

func (o Outcome) String() string {
	switch o {
	case Verified:
		return "verified"
	case NotVerified:
		return "not_verified"
	case NoFace:
		return "no_face"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the answer for one (probe, reference) pair. Distance is only
// meaningful when Outcome is Verified or NotVerified.
type Result struct {
	Outcome  Outcome
	Distance float64
}

// Model names the recognition model and face detector the backend should use.
type Model struct {
	Name     string
	Detector string
}

// Oracle verifies a probe image against a reference image. Both are JPEG
// buffers and must not be modified by the implementation. Implementations
// must be safe for concurrent use.
type Oracle interface {
	Verify(ctx context.Context, probe, reference []byte) (Result, error)
}

// Func adapts a plain function to the Oracle interface.
type Func func(ctx context.Context, probe, reference []byte) (Result, error)

func (f Func) Verify(ctx context.Context, probe, reference []byte) (Result, error) {
	return f(ctx, probe, reference)
}
