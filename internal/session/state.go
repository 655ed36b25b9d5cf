package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/intake/internal/collector"
)

// ErrNotFound is returned when no state exists for a session id.
var ErrNotFound = errors.New("session not found")

// ErrEmptyMessage rejects a blank user turn.
var ErrEmptyMessage = errors.New("message is empty")

// Phase is where a session is in the intake flow.
type Phase string

const (
	PhaseCollecting Phase = "collecting"
	PhaseHandedOff  Phase = "handed_off"
)

// State is everything intake knows about one chat session. It is created at
// session start, mutated turn by turn and discarded on reset.
type State struct {
	SessionID string            `json:"session_id"`
	Fields    collector.Fields  `json:"fields"`
	Locked    collector.LockSet `json:"locked"`
	TurnCount int               `json:"turn_count"`
	Location  string            `json:"location,omitempty"`
	Phase     Phase             `json:"phase"`
	UpdatedAt time.Time         `json:"updated_at"`

	// RefreshedTurn is the turn count of the last bulk extraction merged.
	// Older extractions for the session are stale.
	RefreshedTurn int `json:"-"`
}

// Clone returns a copy that shares no maps with s.
func (s State) Clone() State {
	out := s
	out.Locked = collector.NewLockSet(s.Locked.Fields()...)
	return out
}

// Complete reports whether all four fields are collected.
func (s State) Complete() bool {
	return collector.IsComplete(s.Fields)
}

// Missing lists the fields still to collect.
func (s State) Missing() []collector.Field {
	return collector.MissingFields(s.Fields)
}

// Token identifies the transcript position a bulk extraction was requested
// for. A result is stale when its token is older than one already merged.
type Token struct {
	SessionID string
	TurnCount int
}

// IncompleteError blocks the hand-off and names the fields still missing.
type IncompleteError struct {
	Missing []collector.Field
}

func (e *IncompleteError) Error() string {
	names := make([]string, len(e.Missing))
	for i, f := range e.Missing {
		names[i] = string(f)
	}
	return fmt.Sprintf("session incomplete, missing: %s", strings.Join(names, ", "))
}
