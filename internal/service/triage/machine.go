package triage

import (
	"fmt"

	"github.com/mareiko/lifeline/backend/internal/model/call"
	"github.com/mareiko/lifeline/backend/internal/model/dispatch"
)

// ReasonScorerUnavailable marks a call failed because scoring never
// succeeded within the allowed number of attempts.
const ReasonScorerUnavailable = "ScorerUnavailable"

// Step is one recorded state transition.
type Step struct {
	From call.State
	To   call.State
}

// Decision is the outcome of applying one input to a call session. The
// caller records every step as an audit event and hands NewActions to
// the dispatch orchestrator.
type Decision struct {
	Steps      []Step
	NewActions []dispatch.ActionKind

	// Escalated is set when highestUrgencyLevelSeen rose.
	Escalated bool

	// Discarded is set when a stale or late input was ignored.
	Discarded bool

	// ReadyToClose is set when the call may move to CLOSED once its
	// closing event is durably logged.
	ReadyToClose bool

	Reason string
}

func (d *Decision) step(s *call.Session, to call.State) {
	d.Steps = append(d.Steps, Step{From: s.State, To: to})
	s.State = to
}

// BeginScoring moves a call into SCORING when a snapshot is picked up.
// States with concurrent dispatch activity keep their state; scoring
// runs alongside and its result is applied by ApplyAssessment.
func BeginScoring(s *call.Session) Decision {
	var d Decision
	switch s.State {
	case call.StateReceived, call.StateAwaitingInput:
		d.step(s, call.StateScoring)
	}
	return d
}

// ApplyAssessment folds one scoring result into the session.
//
// Ordering: results are applied in non-decreasing snapshot-version
// order. A result for a version at or below the last applied one is
// discarded and can never downgrade highestUrgencyLevelSeen.
func ApplyAssessment(s *call.Session, a call.Assessment, plan PlanFunc) Decision {
	var d Decision
	if s.State.Closed() || s.State == call.StateFailed {
		// FAILED calls are already on the human-fallback path; late
		// scores must not resurrect them.
		d.Discarded = true
		d.Reason = "call " + string(s.State)
		return d
	}
	if a.SnapshotVersion <= s.LastScoredVersion {
		d.Discarded = true
		d.Reason = fmt.Sprintf("stale snapshot v%d, already applied v%d", a.SnapshotVersion, s.LastScoredVersion)
		return d
	}

	s.LastScoredVersion = a.SnapshotVersion
	s.ScorerFailures = 0
	s.CurrentUrgency = a.Urgency

	// CRITICAL always (re-)escalates; anything else only when it rises
	// above the highest level seen so far.
	escalate := a.Urgency > s.HighestUrgency || a.Urgency == call.UrgencyCritical
	if !escalate {
		if s.EndOfCall {
			return proceedToDispatch(s, &d, plan)
		}
		// Only a call waiting on its score parks; calls with dispatch
		// activity keep their state.
		if s.State == call.StateScoring {
			d.step(s, call.StateAwaitingInput)
		}
		return d
	}

	if a.Urgency > s.HighestUrgency {
		// The monotone register and the category move together, under
		// the same per-call serialization point as this transition.
		s.HighestUrgency = a.Urgency
		s.Category = a.Category
		d.Escalated = true
	}
	if s.State == call.StateScoring || s.State == call.StateReceived || s.State == call.StateAwaitingInput {
		d.step(s, call.StateEscalating)
	}
	return proceedToDispatch(s, &d, plan)
}

// ApplyScorerFailure counts one failed scoring attempt. Once the bound
// is exhausted the call falls back to the last successful level and
// proceeds to dispatch; a call that never scored at all fails instead.
func ApplyScorerFailure(s *call.Session, maxFailures int, plan PlanFunc) Decision {
	var d Decision
	if s.State.Settled() {
		d.Discarded = true
		d.Reason = "call settled"
		return d
	}

	s.ScorerFailures++
	if s.ScorerFailures < maxFailures {
		return d
	}

	if s.LastScoredVersion == 0 {
		d.Reason = ReasonScorerUnavailable
		s.FailureReason = ReasonScorerUnavailable
		d.step(s, call.StateFailed)
		if s.EndOfCall {
			d.ReadyToClose = true
		}
		return d
	}

	// Speed over completeness: dispatch at the highest level seen
	// rather than stalling on a dead scorer.
	d.Reason = "scorer exhausted, dispatching at last known level"
	return proceedToDispatch(s, &d, plan)
}

// ApplyEndOfCall folds in the explicit end-of-call signal. In-flight
// scoring for the call is cancelled by the caller; in-flight dispatches
// are not.
func ApplyEndOfCall(s *call.Session, plan PlanFunc) Decision {
	var d Decision
	if s.State.Closed() {
		d.Discarded = true
		d.Reason = "call closed"
		return d
	}
	s.EndOfCall = true

	switch s.State {
	case call.StateDispatched, call.StateFailed:
		d.ReadyToClose = true
		return d
	case call.StateDispatching:
		// Outstanding actions run to completion; closure follows the
		// final dispatch outcome.
		return d
	default:
		return proceedToDispatch(s, &d, plan)
	}
}

// ApplyDispatchOutcome folds in the terminal outcome of one action.
// Failed critical-path actions fail the call; staff notification
// failures are recorded but never block it.
func ApplyDispatchOutcome(s *call.Session, kind dispatch.ActionKind, delivered bool, detail string) Decision {
	var d Decision
	delete(s.Outstanding, kind)
	if delivered {
		s.Delivered[kind] = true
	}

	if !delivered && kind.CriticalPath() && !s.State.Settled() {
		s.FailureReason = fmt.Sprintf("%s %s", kind, detail)
		d.Reason = s.FailureReason
		d.step(s, call.StateFailed)
		if s.EndOfCall {
			d.ReadyToClose = true
		}
		return d
	}

	if s.State == call.StateDispatching && len(s.Outstanding) == 0 {
		d.step(s, call.StateDispatched)
		if s.EndOfCall {
			d.ReadyToClose = true
		}
	}
	return d
}

// ApplyDwellTimeout forces a call out of a state it has overstayed.
// Unsettled calls fail; settled calls are forced toward closure so a
// missing end-of-call signal cannot pin resources forever.
func ApplyDwellTimeout(s *call.Session, state call.State, reason string) Decision {
	var d Decision
	if s.State != state || s.State.Closed() {
		d.Discarded = true
		return d
	}

	d.Reason = reason
	if !s.State.Settled() {
		s.FailureReason = reason
		d.step(s, call.StateFailed)
	}
	d.ReadyToClose = true
	return d
}

// Close finishes the lifecycle after the closing event is durably
// logged.
func Close(s *call.Session) Decision {
	var d Decision
	if s.State.Closed() {
		d.Discarded = true
		return d
	}
	d.step(s, call.StateClosed)
	return d
}

// proceedToDispatch issues intents for every mandated action not yet
// issued. Escalation only adds actions: anything already issued is
// skipped, so no action kind is ever repeated or revoked.
func proceedToDispatch(s *call.Session, d *Decision, plan PlanFunc) Decision {
	for _, kind := range plan(s.HighestUrgency, s.Category) {
		if s.Issued[kind] {
			continue
		}
		s.Issued[kind] = true
		s.Outstanding[kind] = true
		d.NewActions = append(d.NewActions, kind)
	}

	if len(s.Outstanding) == 0 {
		// Everything mandated is already terminal.
		if s.State != call.StateDispatched {
			if s.State != call.StateDispatching {
				d.step(s, call.StateDispatching)
			}
			d.step(s, call.StateDispatched)
		}
		if s.EndOfCall {
			d.ReadyToClose = true
		}
		return *d
	}

	if s.State != call.StateDispatching {
		d.step(s, call.StateDispatching)
	}
	return *d
}
