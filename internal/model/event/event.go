package event

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies audit events emitted by the triage core.
type Type string

const (
	TypeStateTransition Type = "state_transition"
	TypeDispatchAttempt Type = "dispatch_attempt"
	TypeDispatchOutcome Type = "dispatch_outcome"
	TypeFragmentDropped Type = "fragment_dropped"
	TypeScorerFailure   Type = "scorer_failure"
	TypeScoreApplied    Type = "score_applied"
	TypeScoreDiscarded  Type = "score_discarded"
)

// Event is one audit record. Every state transition, dispatch attempt
// and failure flows through here before any retry or fallback decision.
type Event struct {
	ID     string    `json:"id"`
	Type   Type      `json:"type"`
	CallID string    `json:"callId"`
	At     time.Time `json:"at"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	Action  string `json:"action,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Status  string `json:"status,omitempty"`

	SnapshotVersion int    `json:"snapshotVersion,omitempty"`
	Urgency         string `json:"urgency,omitempty"`
	Category        string `json:"category,omitempty"`

	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// New stamps a fresh event with identity and time.
func New(t Type, callID string) Event {
	return Event{
		ID:     uuid.NewString(),
		Type:   t,
		CallID: callID,
		At:     time.Now().UTC(),
	}
}
