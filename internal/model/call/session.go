package call

import (
	"time"

	"github.com/mareiko/lifeline/backend/internal/model/dispatch"
)

// UrgencyLevel is the ordered severity scale assigned by the scorer.
type UrgencyLevel int

const (
	UrgencyNone UrgencyLevel = iota
	UrgencyLow
	UrgencyModerate
	UrgencyCritical
)

func (l UrgencyLevel) String() string {
	switch l {
	case UrgencyNone:
		return "NONE"
	case UrgencyLow:
		return "LOW"
	case UrgencyModerate:
		return "MODERATE"
	case UrgencyCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseUrgencyLevel maps a scorer label back onto the ordered scale.
func ParseUrgencyLevel(raw string) (UrgencyLevel, bool) {
	switch raw {
	case "NONE", "none":
		return UrgencyNone, true
	case "LOW", "low":
		return UrgencyLow, true
	case "MODERATE", "moderate":
		return UrgencyModerate, true
	case "CRITICAL", "critical":
		return UrgencyCritical, true
	default:
		return UrgencyNone, false
	}
}

// State is the triage lifecycle position of a call.
type State string

const (
	StateReceived      State = "RECEIVED"
	StateScoring       State = "SCORING"
	StateEscalating    State = "ESCALATING"
	StateAwaitingInput State = "AWAITING_MORE_INPUT"
	StateDispatching   State = "DISPATCHING"
	StateDispatched    State = "DISPATCHED"
	StateFailed        State = "FAILED"
	StateClosed        State = "CLOSED"
)

// Settled reports whether the call has reached a dispatch verdict.
// Settled calls may still escalate until they are closed.
func (s State) Settled() bool {
	return s == StateDispatched || s == StateFailed || s == StateClosed
}

// Closed reports whether the call lifecycle is over.
func (s State) Closed() bool {
	return s == StateClosed
}

// Session tracks one emergency call from first fragment to closure.
// It is owned by the session registry and mutated only under the
// per-call serialization point.
type Session struct {
	ID             string
	StartTime      time.Time
	State          State
	Category       string
	CurrentUrgency UrgencyLevel
	HighestUrgency UrgencyLevel

	// Issued holds every action kind a dispatch intent was created for,
	// at most once each. Escalation only adds entries, never removes.
	Issued map[dispatch.ActionKind]bool

	// Outstanding holds issued actions without a terminal delivery outcome.
	Outstanding map[dispatch.ActionKind]bool

	// Delivered holds actions acknowledged as delivered downstream.
	Delivered map[dispatch.ActionKind]bool

	LastScoredVersion int
	ScorerFailures    int
	EndOfCall         bool
	FailureReason     string
}

// NewSession returns a session in the initial RECEIVED state.
func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:          id,
		StartTime:   now,
		State:       StateReceived,
		Issued:      make(map[dispatch.ActionKind]bool),
		Outstanding: make(map[dispatch.ActionKind]bool),
		Delivered:   make(map[dispatch.ActionKind]bool),
	}
}

// IssuedActions returns the issued action kinds in stable order.
func (s *Session) IssuedActions() []dispatch.ActionKind {
	out := make([]dispatch.ActionKind, 0, len(s.Issued))
	for _, kind := range dispatch.AllActionKinds() {
		if s.Issued[kind] {
			out = append(out, kind)
		}
	}
	return out
}

// View is the externally visible projection of a session.
type View struct {
	ID             string                `json:"id"`
	StartTime      time.Time             `json:"startTime"`
	State          State                 `json:"state"`
	Category       string                `json:"category,omitempty"`
	CurrentUrgency string                `json:"currentUrgency"`
	HighestUrgency string                `json:"highestUrgency"`
	Actions        []dispatch.ActionKind `json:"actions"`
	EndOfCall      bool                  `json:"endOfCall"`
	FailureReason  string                `json:"failureReason,omitempty"`
}

// Snapshot copies the session into a View safe to hand to HTTP handlers.
func (s *Session) Snapshot() View {
	return View{
		ID:             s.ID,
		StartTime:      s.StartTime,
		State:          s.State,
		Category:       s.Category,
		CurrentUrgency: s.CurrentUrgency.String(),
		HighestUrgency: s.HighestUrgency.String(),
		Actions:        s.IssuedActions(),
		EndOfCall:      s.EndOfCall,
		FailureReason:  s.FailureReason,
	}
}
