package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Tier3State is the per-item state of high-fidelity transcription.
type Tier3State string

const (
	Tier3NotStarted Tier3State = "not_started"
	Tier3Processing Tier3State = "processing"
	Tier3Ready      Tier3State = "ready"
	Tier3Failed     Tier3State = "failed"
)

// ErrInvalidTransition is returned when a Tier-3 state change is not allowed.
var ErrInvalidTransition = eris.New("invalid tier3 state transition")

// transitions lists every legal Tier-3 state change. Ready is terminal.
var transitions = map[Tier3State][]Tier3State{
	Tier3NotStarted: {Tier3Processing},
	Tier3Failed:     {Tier3Processing, Tier3NotStarted},
	Tier3Processing: {Tier3Ready, Tier3Failed},
}

// CanTransition reports whether from -> to is a legal Tier-3 state change.
func CanTransition(from, to Tier3State) bool {
	if from == "" {
		from = Tier3NotStarted
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Claimable reports whether an item in state s may be moved to processing.
func (s Tier3State) Claimable() bool {
	return CanTransition(s, Tier3Processing)
}

// Tier3Record tracks the state machine and the result once ready.
type Tier3Record struct {
	State     Tier3State       `json:"state"`
	Attempts  int              `json:"attempts"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	UpdatedAt *time.Time       `json:"updated_at,omitempty"`
	LastError string           `json:"last_error,omitempty"`
	Result    *Tier3Transcript `json:"result,omitempty"`
}

// Transition applies a state change, returning ErrInvalidTransition when
// the change is not allowed.
func (r *Tier3Record) Transition(to Tier3State, now time.Time) error {
	if !CanTransition(r.State, to) {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", r.stateOrDefault(), to)
	}
	if to == Tier3Processing {
		r.Attempts++
		r.StartedAt = &now
		r.LastError = ""
	}
	r.State = to
	r.UpdatedAt = &now
	return nil
}

// IsStale reports whether a processing record started longer than timeout ago.
// A crashed worker leaves such records behind; they are treated as failed.
func (r Tier3Record) IsStale(now time.Time, timeout time.Duration) bool {
	if r.State != Tier3Processing || r.StartedAt == nil {
		return false
	}
	return now.Sub(*r.StartedAt) > timeout
}

// CooledDown reports whether a failed record may be re-queued.
func (r Tier3Record) CooledDown(now time.Time, cooldown time.Duration) bool {
	if r.State != Tier3Failed {
		return false
	}
	if r.UpdatedAt == nil {
		return true
	}
	return now.Sub(*r.UpdatedAt) >= cooldown
}

func (r Tier3Record) stateOrDefault() Tier3State {
	if r.State == "" {
		return Tier3NotStarted
	}
	return r.State
}
