package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mareiko/lifeline/backend/internal/audit"
	"github.com/mareiko/lifeline/backend/internal/collaborator"
	"github.com/mareiko/lifeline/backend/internal/directory"
	"github.com/mareiko/lifeline/backend/internal/model/call"
	dispatchmodel "github.com/mareiko/lifeline/backend/internal/model/dispatch"
	"github.com/mareiko/lifeline/backend/internal/model/event"
	dispatchsvc "github.com/mareiko/lifeline/backend/internal/service/dispatch"
	"github.com/mareiko/lifeline/backend/internal/service/registry"
	"github.com/mareiko/lifeline/backend/internal/service/scorer"
	"github.com/mareiko/lifeline/backend/internal/service/transcript"
)

// stubDispatcher records submitted intents and acknowledges them
// immediately, so tests exercise triage decisions without retry timing.
type stubDispatcher struct {
	mu      sync.Mutex
	intents []dispatchmodel.Intent
}

func (d *stubDispatcher) Submit(intent dispatchmodel.Intent, onOutcome dispatchsvc.OutcomeFunc) {
	d.mu.Lock()
	d.intents = append(d.intents, intent)
	d.mu.Unlock()
	if onOutcome != nil {
		onOutcome(dispatchsvc.Outcome{
			Intent:    intent,
			Delivered: true,
			Status:    dispatchmodel.StatusDelivered,
			Attempts:  1,
		})
	}
}

func (d *stubDispatcher) countByAction(kind dispatchmodel.ActionKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, i := range d.intents {
		if i.Action == kind {
			n++
		}
	}
	return n
}

type failingScorer struct {
	mu    sync.Mutex
	calls int
}

func (f *failingScorer) Score(_ context.Context, _ call.Snapshot) (call.Assessment, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return call.Assessment{}, scorer.ErrTimeout
}

// capturingScorer hands its context to the test and then blocks on it,
// so cancellation of in-flight scoring is observable.
type capturingScorer struct {
	ctxCh chan context.Context
}

func (s *capturingScorer) Score(ctx context.Context, _ call.Snapshot) (call.Assessment, error) {
	s.ctxCh <- ctx
	<-ctx.Done()
	return call.Assessment{}, ctx.Err()
}

// flakyDurableSink fails a fixed number of durable writes before
// letting them through.
type flakyDurableSink struct {
	*audit.MemorySink
	mu       sync.Mutex
	failures int
	attempts int
}

func (s *flakyDurableSink) RecordDurable(ctx context.Context, ev event.Event) error {
	s.mu.Lock()
	s.attempts++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("durable store offline")
	}
	return s.MemorySink.RecordDurable(ctx, ev)
}

func (s *flakyDurableSink) durableAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

type blockedScorer struct{}

func (blockedScorer) Score(ctx context.Context, _ call.Snapshot) (call.Assessment, error) {
	<-ctx.Done()
	return call.Assessment{}, ctx.Err()
}

func heuristicScorer(t *testing.T) *scorer.Service {
	t.Helper()
	s, err := scorer.NewService(context.Background(), nil, scorer.Config{})
	require.NoError(t, err)
	return s
}

func newTestEngine(t *testing.T, s Scorer, d Dispatcher, sink audit.Sink, cfg Config) *Engine {
	t.Helper()
	return New(transcript.NewAggregator(), registry.NewRegistry(time.Minute), s, d, sink, nil, cfg)
}

func waitForState(t *testing.T, e *Engine, callID string, want call.State) call.View {
	t.Helper()
	var view call.View
	require.Eventually(t, func() bool {
		v, ok := e.Snapshot(callID)
		if !ok {
			return false
		}
		view = v
		return v.State == want
	}, 3*time.Second, 5*time.Millisecond, "call %s never reached %s (last: %+v)", callID, want, view)
	return view
}

func hasAction(view call.View, kind dispatchmodel.ActionKind) bool {
	for _, a := range view.Actions {
		if a == kind {
			return true
		}
	}
	return false
}

func TestEscalationAddsActionsWithoutRepeating(t *testing.T) {
	sink := audit.NewMemorySink()
	dispatcher := &stubDispatcher{}
	e := newTestEngine(t, heuristicScorer(t), dispatcher, sink, Config{})

	_, err := e.SubmitFragment("c1", transcript.Fragment{Text: "Hi, I have chest pain", Seq: 1})
	require.NoError(t, err)

	view := waitForState(t, e, "c1", call.StateDispatched)
	assert.Equal(t, "MODERATE", view.HighestUrgency)
	assert.Equal(t, "cardiac", view.Category)
	require.True(t, hasAction(view, dispatchmodel.ActionStaffNotify))
	assert.False(t, hasAction(view, dispatchmodel.ActionAmbulanceDispatch))

	_, err = e.SubmitFragment("c1", transcript.Fragment{Text: "now I can't breathe", Seq: 2})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, ok := e.Snapshot("c1")
		return ok && v.HighestUrgency == "CRITICAL" && v.State == call.StateDispatched
	}, 3*time.Second, 5*time.Millisecond)

	view, _ = e.Snapshot("c1")
	assert.True(t, hasAction(view, dispatchmodel.ActionHospitalAlert))
	assert.True(t, hasAction(view, dispatchmodel.ActionAmbulanceDispatch))
	assert.True(t, hasAction(view, dispatchmodel.ActionStaffNotify))

	assert.Equal(t, 1, dispatcher.countByAction(dispatchmodel.ActionStaffNotify), "escalation must not re-notify staff")
	assert.Equal(t, 1, dispatcher.countByAction(dispatchmodel.ActionHospitalAlert))
	assert.Equal(t, 1, dispatcher.countByAction(dispatchmodel.ActionAmbulanceDispatch))

	require.NoError(t, e.EndCall("c1"))
	waitForState(t, e, "c1", call.StateClosed)
}

func TestScorerExhaustionFailsUnscoredCall(t *testing.T) {
	sink := audit.NewMemorySink()
	dispatcher := &stubDispatcher{}
	failing := &failingScorer{}
	e := newTestEngine(t, failing, dispatcher, sink, Config{MaxScorerFailures: 5})

	_, err := e.SubmitFragment("c2", transcript.Fragment{Text: "hello I need help", Seq: 1})
	require.NoError(t, err)

	view := waitForState(t, e, "c2", call.StateFailed)
	assert.Equal(t, "ScorerUnavailable", view.FailureReason)
	assert.Empty(t, view.Actions, "an unscored call must not dispatch")
	assert.Equal(t, 5, sink.Count("c2", event.TypeScorerFailure))
}

func TestLowUrgencyOnlyLogs(t *testing.T) {
	sink := audit.NewMemorySink()
	dispatcher := &stubDispatcher{}
	e := newTestEngine(t, heuristicScorer(t), dispatcher, sink, Config{})

	view, err := e.ProcessOneShot(context.Background(), "c3", "I just need a prescription refill for my allergy pills", "en")
	require.NoError(t, err)

	assert.Equal(t, []dispatchmodel.ActionKind{dispatchmodel.ActionLogOnly}, view.Actions)
	assert.Equal(t, 0, dispatcher.countByAction(dispatchmodel.ActionHospitalAlert))
	assert.Equal(t, 0, dispatcher.countByAction(dispatchmodel.ActionAmbulanceDispatch))
	assert.Equal(t, 0, dispatcher.countByAction(dispatchmodel.ActionStaffNotify))

	waitForState(t, e, "c3", call.StateClosed)
}

func TestFinalFragmentSettlesCall(t *testing.T) {
	sink := audit.NewMemorySink()
	dispatcher := &stubDispatcher{}
	e := newTestEngine(t, heuristicScorer(t), dispatcher, sink, Config{})

	_, err := e.SubmitFragment("c10", transcript.Fragment{Text: "I just need a prescription refill", Seq: 1, Final: true})
	require.NoError(t, err)

	view := waitForState(t, e, "c10", call.StateClosed)
	assert.Equal(t, []dispatchmodel.ActionKind{dispatchmodel.ActionLogOnly}, view.Actions)
	assert.Equal(t, 0, dispatcher.countByAction(dispatchmodel.ActionStaffNotify))
	assert.Equal(t, 0, dispatcher.countByAction(dispatchmodel.ActionHospitalAlert))
	assert.Equal(t, 0, dispatcher.countByAction(dispatchmodel.ActionAmbulanceDispatch))
}

func TestFinalFragmentScoredBeforeClosure(t *testing.T) {
	sink := audit.NewMemorySink()
	dispatcher := &stubDispatcher{}
	e := newTestEngine(t, heuristicScorer(t), dispatcher, sink, Config{})

	_, err := e.SubmitFragment("c11", transcript.Fragment{Text: "Hi, I have chest pain", Seq: 1})
	require.NoError(t, err)
	waitForState(t, e, "c11", call.StateDispatched)

	// The last utterance escalates; the call must dispatch the critical
	// plan before the final fragment closes it.
	_, err = e.SubmitFragment("c11", transcript.Fragment{Text: "he can't breathe", Seq: 2, Final: true})
	require.NoError(t, err)

	view := waitForState(t, e, "c11", call.StateClosed)
	assert.Equal(t, "CRITICAL", view.HighestUrgency)
	assert.True(t, hasAction(view, dispatchmodel.ActionHospitalAlert))
	assert.True(t, hasAction(view, dispatchmodel.ActionAmbulanceDispatch))
	assert.Equal(t, 1, dispatcher.countByAction(dispatchmodel.ActionStaffNotify))
}

func TestDeferredClosureRetriesUntilDurable(t *testing.T) {
	sink := &flakyDurableSink{MemorySink: audit.NewMemorySink(), failures: 3}
	e := newTestEngine(t, heuristicScorer(t), &stubDispatcher{}, sink, Config{
		SettledDwell:   20 * time.Millisecond,
		DurableTimeout: 50 * time.Millisecond,
	})

	_, err := e.ProcessOneShot(context.Background(), "c12", "I just need a prescription refill", "en")
	require.NoError(t, err)

	waitForState(t, e, "c12", call.StateClosed)
	assert.GreaterOrEqual(t, sink.durableAttempts(), 4, "each deferred closure must be retried")
}

func TestOutOfOrderFragmentDropped(t *testing.T) {
	sink := audit.NewMemorySink()
	e := newTestEngine(t, heuristicScorer(t), &stubDispatcher{}, sink, Config{})

	_, err := e.SubmitFragment("c4", transcript.Fragment{Text: "first part", Seq: 2})
	require.NoError(t, err)

	_, err = e.SubmitFragment("c4", transcript.Fragment{Text: "late part", Seq: 1})
	require.ErrorIs(t, err, transcript.ErrOutOfOrderFragment)
	assert.Equal(t, 1, sink.Count("c4", event.TypeFragmentDropped))

	history := e.History("c4")
	require.Len(t, history, 1, "dropped fragment must not produce a snapshot")
	assert.Equal(t, "first part", history[0].Text)
}

func TestDwellTimeoutFailsStuckCall(t *testing.T) {
	sink := audit.NewMemorySink()
	e := newTestEngine(t, blockedScorer{}, &stubDispatcher{}, sink, Config{ActiveDwell: 30 * time.Millisecond})

	_, err := e.SubmitFragment("c5", transcript.Fragment{Text: "anyone there", Seq: 1})
	require.NoError(t, err)

	view := waitForState(t, e, "c5", call.StateClosed)
	assert.Contains(t, view.FailureReason, "dwell timeout")
}

func TestDwellTimeoutCancelsInFlightScoring(t *testing.T) {
	s := &capturingScorer{ctxCh: make(chan context.Context, 1)}
	e := newTestEngine(t, s, &stubDispatcher{}, audit.NewMemorySink(), Config{ActiveDwell: 30 * time.Millisecond})

	_, err := e.SubmitFragment("c13", transcript.Fragment{Text: "anyone there", Seq: 1})
	require.NoError(t, err)

	var scoreCtx context.Context
	select {
	case scoreCtx = <-s.ctxCh:
	case <-time.After(time.Second):
		t.Fatal("scorer never invoked")
	}

	waitForState(t, e, "c13", call.StateClosed)
	require.Eventually(t, func() bool {
		return scoreCtx.Err() != nil
	}, time.Second, 5*time.Millisecond, "settling the call must cancel its in-flight scoring")
}

func TestDispatchSummaryKeepsValidUTF8(t *testing.T) {
	sink := audit.NewMemorySink()
	dispatcher := &stubDispatcher{}
	e := newTestEngine(t, heuristicScorer(t), dispatcher, sink, Config{})

	// Long enough that the summary cut lands inside a multi-byte rune.
	text := "chest pain " + strings.Repeat("痛", 120)
	_, err := e.ProcessOneShot(context.Background(), "c14", text, "ja")
	require.NoError(t, err)

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	require.NotEmpty(t, dispatcher.intents)
	for _, intent := range dispatcher.intents {
		assert.True(t, utf8.ValidString(intent.Payload.Summary), "summary split a rune: %q", intent.Payload.Summary)
		assert.LessOrEqual(t, len(intent.Payload.Summary), 240)
	}
}

func TestEndCallBeforeScoreCancelsScoring(t *testing.T) {
	sink := audit.NewMemorySink()
	dispatcher := &stubDispatcher{}
	e := newTestEngine(t, blockedScorer{}, dispatcher, sink, Config{})

	_, err := e.SubmitFragment("c6", transcript.Fragment{Text: "um", Seq: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, ok := e.Snapshot("c6")
		return ok && v.State == call.StateScoring
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.EndCall("c6"))

	// Never scored, nothing mandated beyond the non-emergency record.
	view := waitForState(t, e, "c6", call.StateClosed)
	assert.Equal(t, []dispatchmodel.ActionKind{dispatchmodel.ActionLogOnly}, view.Actions)
}

func TestEndCallUnknownCall(t *testing.T) {
	e := newTestEngine(t, heuristicScorer(t), &stubDispatcher{}, audit.NewMemorySink(), Config{})
	require.ErrorIs(t, e.EndCall("nope"), ErrUnknownCall)
}

func TestCriticalCallEndToEnd(t *testing.T) {
	sink := audit.NewMemorySink()

	hospital := collaborator.NewMemoryExecutor("hospital")
	ambulance := collaborator.NewMemoryExecutor("ambulance")
	staff := collaborator.NewMemoryExecutor("staff")
	logbook := collaborator.NewMemoryExecutor("logbook")

	orch := dispatchsvc.NewOrchestrator(map[dispatchmodel.ActionKind]dispatchsvc.Executor{
		dispatchmodel.ActionHospitalAlert:     hospital,
		dispatchmodel.ActionAmbulanceDispatch: ambulance,
		dispatchmodel.ActionStaffNotify:       staff,
		dispatchmodel.ActionLogOnly:           logbook,
	}, directory.NewMemoryDirectory(directory.Seed()), sink, dispatchsvc.Config{
		CriticalPolicy: dispatchsvc.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 5},
		DefaultPolicy:  dispatchsvc.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3},
	})
	orch.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
	}()

	e := newTestEngine(t, heuristicScorer(t), orch, sink, Config{})

	view, err := e.ProcessOneShot(context.Background(), "c7", "My father collapsed, he is unconscious and can't breathe", "en")
	require.NoError(t, err)
	assert.Equal(t, "CRITICAL", view.HighestUrgency)

	waitForState(t, e, "c7", call.StateClosed)
	assert.Equal(t, 1, hospital.DeliveredCount())
	assert.Equal(t, 1, ambulance.DeliveredCount())
	assert.Equal(t, 1, staff.DeliveredCount())
}

func TestWatchStreamsTransitions(t *testing.T) {
	sink := audit.NewMemorySink()
	e := newTestEngine(t, heuristicScorer(t), &stubDispatcher{}, sink, Config{})

	events, cancel := e.Watch("c8")
	defer cancel()

	_, err := e.SubmitFragment("c8", transcript.Fragment{Text: "I have chest pain", Seq: 1})
	require.NoError(t, err)
	waitForState(t, e, "c8", call.StateDispatched)

	sawTransition := false
	deadline := time.After(time.Second)
	for !sawTransition {
		select {
		case ev := <-events:
			if ev.Type == event.TypeStateTransition {
				sawTransition = true
			}
		case <-deadline:
			t.Fatal("no state transition observed on watch channel")
		}
	}
}

func TestLateScoreAfterFailureIsDiscarded(t *testing.T) {
	// Decision-level coverage lives in the triage package; here we only
	// pin that a failed call's view never regains actions.
	sink := audit.NewMemorySink()
	dispatcher := &stubDispatcher{}
	failing := &failingScorer{}
	e := newTestEngine(t, failing, dispatcher, sink, Config{MaxScorerFailures: 1})

	_, err := e.SubmitFragment("c9", transcript.Fragment{Text: "chest pain", Seq: 1})
	require.NoError(t, err)
	waitForState(t, e, "c9", call.StateFailed)

	_, err = e.SubmitFragment("c9", transcript.Fragment{Text: "worse now", Seq: 2})
	require.NoError(t, err)

	assert.Never(t, func() bool {
		v, ok := e.Snapshot("c9")
		return ok && len(v.Actions) > 0
	}, 200*time.Millisecond, 20*time.Millisecond)
}
