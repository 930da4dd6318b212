// Package strategy holds the transcript acquisition adapters. Each adapter
// presents its own internally consistent client identity to the platform and
// converts whatever caption payload it gets into model.Transcript.
package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/sells-group/transcript-engine/internal/model"
)

// Reason classifies why an attempt failed.
type Reason string

const (
	ReasonNoCaptions Reason = "no_captions" // item has no caption track
	ReasonUnplayable Reason = "unplayable"  // removed, private, age-gated
	ReasonBlocked    Reason = "blocked"     // bot check, consent wall, throttling
	ReasonPoToken    Reason = "po_token"    // tracks exist but need a browser token
	ReasonTransient  Reason = "transient"   // network error or timeout
	ReasonParse      Reason = "parse"       // response shape not understood
)

// Definitive reports whether the reason says the item has no transcript,
// as opposed to this adapter failing to get it.
func (r Reason) Definitive() bool {
	return r == ReasonNoCaptions || r == ReasonUnplayable
}

// Trips reports whether the failure says the platform is rejecting the
// adapter's identity, which should take the adapter out of rotation.
func (r Reason) Trips() bool {
	return r == ReasonBlocked || r == ReasonTransient
}

// Failure is the only error type adapters return.
type Failure struct {
	Strategy string
	Reason   Reason
	Err      error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Strategy, f.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", f.Strategy, f.Reason, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Fail builds a Failure.
func Fail(strategy string, reason Reason, err error) *Failure {
	return &Failure{Strategy: strategy, Reason: reason, Err: err}
}

// ReasonOf returns the failure reason in err's chain, or ReasonTransient
// for errors no adapter classified.
func ReasonOf(err error) Reason {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ReasonTransient
}

// Result is a successful attempt.
type Result struct {
	Transcript model.Transcript
	Strategy   string
	TrackKind  string
}

// Adapter attempts to retrieve a transcript for one item. Attempt never
// panics for ordinary absence; every error it returns is a *Failure.
type Adapter interface {
	Name() string
	Attempt(ctx context.Context, itemID string) (*Result, error)
}

// Func adapts a function to the Adapter interface.
type Func struct {
	ID string
	Fn func(ctx context.Context, itemID string) (*Result, error)
}

// Name implements Adapter.
func (f Func) Name() string { return f.ID }

// Attempt implements Adapter.
func (f Func) Attempt(ctx context.Context, itemID string) (*Result, error) {
	return f.Fn(ctx, itemID)
}
