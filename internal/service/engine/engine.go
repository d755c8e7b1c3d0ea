package engine

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mareiko/lifeline/backend/internal/audit"
	"github.com/mareiko/lifeline/backend/internal/model/call"
	dispatchmodel "github.com/mareiko/lifeline/backend/internal/model/dispatch"
	"github.com/mareiko/lifeline/backend/internal/model/event"
	dispatchsvc "github.com/mareiko/lifeline/backend/internal/service/dispatch"
	"github.com/mareiko/lifeline/backend/internal/service/registry"
	"github.com/mareiko/lifeline/backend/internal/service/transcript"
	"github.com/mareiko/lifeline/backend/internal/service/triage"
)

// ErrUnknownCall marks operations against a call the engine has never seen.
var ErrUnknownCall = errors.New("unknown call")

// Scorer assesses one transcript snapshot.
type Scorer interface {
	Score(ctx context.Context, snap call.Snapshot) (call.Assessment, error)
}

// Dispatcher accepts intents for idempotent delivery and reports their
// terminal outcome.
type Dispatcher interface {
	Submit(intent dispatchmodel.Intent, onOutcome dispatchsvc.OutcomeFunc)
}

// Config tunes the engine's failure and housekeeping bounds.
type Config struct {
	// MaxScorerFailures bounds consecutive scoring failures before the
	// call falls back or fails. Zero means 5.
	MaxScorerFailures int

	// ActiveDwell bounds how long a call may sit in a non-terminal state
	// before it is forced to FAILED. Zero means 5 minutes.
	ActiveDwell time.Duration

	// SettledDwell bounds how long a dispatched or failed call may wait
	// for its end-of-call signal before being closed anyway. Zero means
	// 15 minutes.
	SettledDwell time.Duration

	// DurableTimeout bounds the durable write that gates closure. Zero
	// means 5 seconds.
	DurableTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxScorerFailures <= 0 {
		c.MaxScorerFailures = 5
	}
	if c.ActiveDwell <= 0 {
		c.ActiveDwell = 5 * time.Minute
	}
	if c.SettledDwell <= 0 {
		c.SettledDwell = 15 * time.Minute
	}
	if c.DurableTimeout <= 0 {
		c.DurableTimeout = 5 * time.Second
	}
	return c
}

// callState is everything the engine tracks per call beyond the session
// itself. It is touched only on the call's actor.
type callState struct {
	sess *call.Session

	scoringInFlight bool
	pendingVersion  int
	scoreCancel     context.CancelFunc

	// endAfterVersion is the snapshot version of the final fragment.
	// The end-of-call decision waits until that version has been scored
	// or scoring can no longer advance the call.
	endAfterVersion int

	// dwellGen invalidates stale dwell timers across transitions.
	dwellGen int
}

// Engine coordinates the full call lifecycle: fragment intake, snapshot
// scoring, triage decisions and dispatch. All state changes for one call
// run on that call's actor, so the triage machine never sees concurrent
// inputs for the same call.
type Engine struct {
	aggregator *transcript.Aggregator
	registry   *registry.Registry
	scorer     Scorer
	dispatcher Dispatcher
	sink       audit.Sink
	plan       triage.PlanFunc
	cfg        Config
	hub        *hub

	mu     sync.Mutex
	states map[string]*callState
}

// New wires the engine over its collaborators. plan may be nil for the
// default policy table.
func New(agg *transcript.Aggregator, reg *registry.Registry, scorer Scorer, dispatcher Dispatcher, sink audit.Sink, plan triage.PlanFunc, cfg Config) *Engine {
	if plan == nil {
		plan = triage.Plan
	}
	return &Engine{
		aggregator: agg,
		registry:   reg,
		scorer:     scorer,
		dispatcher: dispatcher,
		sink:       sink,
		plan:       plan,
		cfg:        cfg.withDefaults(),
		hub:        newHub(),
		states:     make(map[string]*callState),
	}
}

// SubmitFragment feeds one transcript fragment into a call and schedules
// scoring of the resulting snapshot. A final fragment doubles as the
// end-of-call signal: its snapshot is still scored first, and the
// end-of-call decision follows that score so the last utterance can
// escalate dispatch before the call settles. Out-of-order fragments are
// dropped, logged and reported back; the call continues with its intact
// buffer.
func (e *Engine) SubmitFragment(callID string, frag transcript.Fragment) (call.Snapshot, error) {
	snap, err := e.aggregator.Append(callID, frag)
	if err != nil {
		ev := event.New(event.TypeFragmentDropped, callID)
		ev.Reason = err.Error()
		e.publish(ev)
		return call.Snapshot{}, err
	}

	actor := e.registry.GetOrCreate(callID)
	doErr := actor.Do(func() {
		cs := e.stateFor(callID)
		if cs.sess.State.Closed() {
			return
		}
		if frag.Final {
			cs.endAfterVersion = snap.Version
		}
		e.scheduleScoring(cs, snap.Version)
	})
	if doErr != nil {
		return call.Snapshot{}, doErr
	}
	return snap, nil
}

// EndCall folds in the explicit end-of-call signal. Any in-flight
// scoring for the call is cancelled; in-flight dispatches run to
// completion and closure follows the final outcome.
func (e *Engine) EndCall(callID string) error {
	actor, ok := e.registry.Get(callID)
	if !ok {
		return ErrUnknownCall
	}
	_ = e.aggregator.Finalize(callID)

	return actor.Do(func() {
		cs := e.stateFor(callID)
		if cs.scoreCancel != nil {
			cs.scoreCancel()
		}
		d := triage.ApplyEndOfCall(cs.sess, e.plan)
		e.apply(cs, d)
	})
}

// Snapshot returns the externally visible projection of a call, read
// under the call's own serialization point.
func (e *Engine) Snapshot(callID string) (call.View, bool) {
	actor, ok := e.registry.Get(callID)
	if !ok {
		return call.View{}, false
	}

	out := make(chan call.View, 1)
	if err := actor.Do(func() {
		out <- e.stateFor(callID).sess.Snapshot()
	}); err != nil {
		return call.View{}, false
	}
	return <-out, true
}

// History exposes the call's snapshot history.
func (e *Engine) History(callID string) []call.Snapshot {
	return e.aggregator.History(callID)
}

// Watch subscribes to the call's audit events as they happen.
func (e *Engine) Watch(callID string) (<-chan event.Event, func()) {
	return e.hub.subscribe(callID)
}

// Live reports the number of call sessions currently held.
func (e *Engine) Live() int {
	return e.registry.Len()
}

// ProcessOneShot runs the whole lifecycle for a call delivered as a
// single finished transcript, scoring synchronously and returning the
// settled view. Dispatch delivery still happens asynchronously.
func (e *Engine) ProcessOneShot(ctx context.Context, callID, text, languageHint string) (call.View, error) {
	snap, err := e.aggregator.Append(callID, transcript.Fragment{Text: text, Final: true, LanguageHint: languageHint})
	if err != nil {
		ev := event.New(event.TypeFragmentDropped, callID)
		ev.Reason = err.Error()
		e.publish(ev)
		return call.View{}, err
	}

	assessment, scoreErr := e.scorer.Score(ctx, snap)

	actor := e.registry.GetOrCreate(callID)
	out := make(chan call.View, 1)
	doErr := actor.Do(func() {
		cs := e.stateFor(callID)
		if scoreErr != nil {
			e.recordScorerFailure(cs, snap.Version, scoreErr)
			// One-shot requests carry no retry budget.
			e.apply(cs, triage.ApplyScorerFailure(cs.sess, 1, e.plan))
		} else {
			e.apply(cs, triage.BeginScoring(cs.sess))
			e.applyAssessment(cs, assessment)
		}
		e.apply(cs, triage.ApplyEndOfCall(cs.sess, e.plan))
		out <- cs.sess.Snapshot()
	})
	if doErr != nil {
		return call.View{}, doErr
	}
	return <-out, nil
}

// stateFor returns the per-call state, creating the session on first
// use. Callers must be on the call's actor.
func (e *Engine) stateFor(callID string) *callState {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.states[callID]
	if !ok {
		cs = &callState{sess: call.NewSession(callID, time.Now().UTC())}
		e.states[callID] = cs
	}
	return cs
}

func (e *Engine) dropState(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, callID)
}

// scheduleScoring starts scoring the latest snapshot, or notes the
// version for pickup once the in-flight score returns. Intermediate
// versions may be skipped under load; the newest never is.
func (e *Engine) scheduleScoring(cs *callState, version int) {
	if cs.scoringInFlight {
		if version > cs.pendingVersion {
			cs.pendingVersion = version
		}
		return
	}

	snap, ok := e.aggregator.Latest(cs.sess.ID)
	if !ok || snap.Version <= cs.sess.LastScoredVersion {
		return
	}

	e.apply(cs, triage.BeginScoring(cs.sess))

	ctx, cancel := context.WithCancel(context.Background())
	cs.scoringInFlight = true
	cs.scoreCancel = cancel

	go func() {
		assessment, err := e.scorer.Score(ctx, snap)
		cancel()

		actor, ok := e.registry.Get(cs.sess.ID)
		if !ok {
			return
		}
		_ = actor.Do(func() {
			cs.scoringInFlight = false
			cs.scoreCancel = nil

			switch {
			case err != nil && errors.Is(err, context.Canceled):
				// The call ended; the result would be discarded anyway.
			case err != nil:
				e.recordScorerFailure(cs, snap.Version, err)
				d := triage.ApplyScorerFailure(cs.sess, e.cfg.MaxScorerFailures, e.plan)
				e.apply(cs, d)
				if !cs.sess.State.Settled() && cs.sess.ScorerFailures < e.cfg.MaxScorerFailures {
					if cs.pendingVersion < snap.Version {
						cs.pendingVersion = snap.Version
					}
				}
			default:
				e.applyAssessment(cs, assessment)
			}

			e.maybeEndAfterFinal(cs)

			if pending := cs.pendingVersion; pending > cs.sess.LastScoredVersion && !cs.sess.State.Closed() {
				cs.pendingVersion = 0
				e.scheduleScoring(cs, pending)
			}
		})
	}()
}

// maybeEndAfterFinal applies the end-of-call decision once the final
// fragment's snapshot has been scored, or once scoring can no longer
// advance the call. Callers must be on the call's actor.
func (e *Engine) maybeEndAfterFinal(cs *callState) {
	if cs.endAfterVersion == 0 || cs.sess.EndOfCall {
		return
	}
	scored := cs.sess.LastScoredVersion >= cs.endAfterVersion
	exhausted := cs.sess.ScorerFailures >= e.cfg.MaxScorerFailures
	if !scored && !exhausted && !cs.sess.State.Settled() {
		return
	}
	e.apply(cs, triage.ApplyEndOfCall(cs.sess, e.plan))
}

func (e *Engine) applyAssessment(cs *callState, a call.Assessment) {
	d := triage.ApplyAssessment(cs.sess, a, e.plan)

	t := event.TypeScoreApplied
	if d.Discarded {
		t = event.TypeScoreDiscarded
	}
	ev := event.New(t, cs.sess.ID)
	ev.SnapshotVersion = a.SnapshotVersion
	ev.Urgency = a.Urgency.String()
	ev.Category = a.Category
	ev.Reason = d.Reason
	e.publish(ev)

	e.apply(cs, d)
}

func (e *Engine) recordScorerFailure(cs *callState, version int, err error) {
	ev := event.New(event.TypeScorerFailure, cs.sess.ID)
	ev.SnapshotVersion = version
	ev.Detail = err.Error()
	e.publish(ev)
}

// apply folds one triage decision into the world: audit every step, arm
// dwell timers, hand new actions to the dispatcher and drive closure.
func (e *Engine) apply(cs *callState, d triage.Decision) {
	for _, st := range d.Steps {
		ev := event.New(event.TypeStateTransition, cs.sess.ID)
		ev.From = string(st.From)
		ev.To = string(st.To)
		ev.Urgency = cs.sess.HighestUrgency.String()
		ev.Category = cs.sess.Category
		ev.Reason = d.Reason
		e.publish(ev)
	}
	if len(d.Steps) > 0 {
		e.armDwell(cs)
	}

	for _, kind := range d.NewActions {
		intent := dispatchmodel.NewIntent(cs.sess.ID, kind, dispatchmodel.Payload{
			Category: cs.sess.Category,
			Urgency:  cs.sess.HighestUrgency.String(),
			Summary:  e.summaryFor(cs.sess.ID),
		})
		e.dispatcher.Submit(intent, e.outcomeHandler(cs.sess.ID))
	}

	if d.ReadyToClose {
		e.close(cs)
	}
}

func (e *Engine) summaryFor(callID string) string {
	snap, ok := e.aggregator.Latest(callID)
	if !ok {
		return ""
	}
	text := strings.TrimSpace(snap.Text)
	if len(text) > 240 {
		cut := 240
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

func (e *Engine) outcomeHandler(callID string) dispatchsvc.OutcomeFunc {
	return func(o dispatchsvc.Outcome) {
		actor, ok := e.registry.Get(callID)
		if !ok {
			return
		}
		_ = actor.Do(func() {
			cs := e.stateFor(callID)
			d := triage.ApplyDispatchOutcome(cs.sess, o.Intent.Action, o.Delivered, o.Detail)
			e.apply(cs, d)
		})
	}
}

// close finishes the lifecycle. The closing event must be durably logged
// before the state flips to CLOSED; on a failed write the call stays put
// and the settled dwell timer retries later.
func (e *Engine) close(cs *callState) {
	if cs.sess.State.Closed() {
		return
	}

	ev := event.New(event.TypeStateTransition, cs.sess.ID)
	ev.From = string(cs.sess.State)
	ev.To = string(call.StateClosed)
	ev.Urgency = cs.sess.HighestUrgency.String()
	ev.Category = cs.sess.Category
	ev.Reason = cs.sess.FailureReason

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DurableTimeout)
	err := e.sink.RecordDurable(ctx, ev)
	cancel()
	if err != nil {
		log.Printf("[engine] closing event for %s not durable, deferring closure: %v", cs.sess.ID, err)
		// Re-arm the watchdog so the deferred closure is retried until
		// the durable write goes through.
		e.armDwell(cs)
		return
	}

	triage.Close(cs.sess)
	cs.dwellGen++
	e.hub.publish(ev)

	callID := cs.sess.ID
	e.registry.Retire(callID, func() {
		e.aggregator.Drop(callID)
		e.dropState(callID)
		e.hub.dropCall(callID)
	})
}

// armDwell resets the stuck-state watchdog for the call's current state.
func (e *Engine) armDwell(cs *callState) {
	cs.dwellGen++
	if cs.sess.State.Closed() {
		return
	}

	gen := cs.dwellGen
	state := cs.sess.State
	timeout := e.cfg.ActiveDwell
	if state.Settled() {
		timeout = e.cfg.SettledDwell
	}
	callID := cs.sess.ID

	time.AfterFunc(timeout, func() {
		actor, ok := e.registry.Get(callID)
		if !ok {
			return
		}
		_ = actor.Do(func() {
			if cs.dwellGen != gen {
				return
			}
			d := triage.ApplyDwellTimeout(cs.sess, state, "dwell timeout in "+string(state))
			if !d.Discarded && cs.scoreCancel != nil {
				cs.scoreCancel()
			}
			e.apply(cs, d)
		})
	})
}

func (e *Engine) publish(ev event.Event) {
	e.sink.Record(ev)
	e.hub.publish(ev)
}
