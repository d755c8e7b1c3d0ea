package dispatch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mareiko/lifeline/backend/internal/audit"
	"github.com/mareiko/lifeline/backend/internal/directory"
	dispatchmodel "github.com/mareiko/lifeline/backend/internal/model/dispatch"
	"github.com/mareiko/lifeline/backend/internal/model/event"
)

var (
	// ErrActionUnavailable marks a transient collaborator failure.
	ErrActionUnavailable = errors.New("action unavailable")

	// ErrActionRejected marks a permanent collaborator refusal.
	ErrActionRejected = errors.New("action rejected")
)

// Executor delivers one intent to its downstream collaborator. The
// collaborator recognizes repeated idempotency keys and returns the
// original outcome instead of acting twice.
type Executor interface {
	Execute(ctx context.Context, intent dispatchmodel.Intent) (dispatchmodel.Result, error)
}

// Outcome is the terminal result of one intent after all retries.
type Outcome struct {
	Intent    dispatchmodel.Intent
	Delivered bool
	Status    dispatchmodel.DeliveryStatus
	Attempts  int
	Detail    string
}

// OutcomeFunc receives terminal outcomes, one per submitted intent.
type OutcomeFunc func(Outcome)

// Config tunes delivery behaviour. Critical-path actions retry harder
// and longer than staff notification.
type Config struct {
	CriticalPolicy RetryPolicy
	DefaultPolicy  RetryPolicy
	AttemptTimeout time.Duration
	MaxConcurrent  int
}

func (c Config) withDefaults() Config {
	if c.CriticalPolicy.MaxAttempts == 0 {
		c.CriticalPolicy = RetryPolicy{BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, MaxAttempts: 5}
	}
	if c.DefaultPolicy.MaxAttempts == 0 {
		c.DefaultPolicy = RetryPolicy{BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, MaxAttempts: 3}
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 3 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 32
	}
	return c
}

// Orchestrator drives idempotent delivery of dispatch intents. Retry
// state lives as data on a schedule queue, not in call stacks, so the
// pending work is inspectable and survives slow collaborators without
// unbounded goroutine growth.
type Orchestrator struct {
	executors map[dispatchmodel.ActionKind]Executor
	resolver  directory.Resolver
	sink      audit.Sink
	cfg       Config

	mu       sync.Mutex
	queue    jobQueue
	accepted map[string]bool
	stopped  bool
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	group    *errgroup.Group
}

// NewOrchestrator wires executors per action kind. Actions without an
// executor are permanently rejected.
func NewOrchestrator(executors map[dispatchmodel.ActionKind]Executor, resolver directory.Resolver, sink audit.Sink, cfg Config) *Orchestrator {
	o := &Orchestrator{
		executors: executors,
		resolver:  resolver,
		sink:      sink,
		cfg:       cfg.withDefaults(),
		accepted:  make(map[string]bool),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	o.group = &errgroup.Group{}
	o.group.SetLimit(o.cfg.MaxConcurrent)
	return o
}

// Start launches the scheduler loop.
func (o *Orchestrator) Start() {
	go o.run()
}

// Stop waits for the scheduler and all in-flight attempts to finish.
// Dispatches already in flight run to completion: an ambulance cannot
// be silently un-dispatched. Queued retries that have not started are
// reported as unavailable so callers are not left waiting.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.stopped {
		o.stopped = true
		close(o.stop)
	}
	o.mu.Unlock()

	select {
	case <-o.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	finished := make(chan struct{})
	go func() {
		_ = o.group.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit accepts one intent for delivery. A second submission with the
// same idempotency key is ignored: each intent is consumed exactly once
// logically, however many physical attempts follow.
func (o *Orchestrator) Submit(intent dispatchmodel.Intent, onOutcome OutcomeFunc) {
	o.mu.Lock()
	if o.accepted[intent.IdempotencyKey] {
		o.mu.Unlock()
		log.Printf("[dispatch] duplicate intent ignored: %s", intent.IdempotencyKey)
		return
	}
	o.accepted[intent.IdempotencyKey] = true
	o.mu.Unlock()

	if target, ok := o.resolver.Resolve(intent.Action, intent.Payload.Category); ok {
		intent.Payload.TargetID = target.ID
		intent.Payload.Target = target.Name
		if intent.Payload.Recipient == "" {
			intent.Payload.Recipient = target.Phone
		}
	} else {
		// No responder in the directory is a permanent rejection, not
		// something a retry can fix.
		o.finish(&job{intent: intent, onOutcome: onOutcome}, dispatchmodel.StatusRejected, "no directory target")
		return
	}

	o.schedule(&job{
		intent:    intent,
		policy:    o.policyFor(intent.Action),
		nextAt:    time.Now(),
		onOutcome: onOutcome,
	})
}

func (o *Orchestrator) policyFor(kind dispatchmodel.ActionKind) RetryPolicy {
	if kind.CriticalPath() {
		return o.cfg.CriticalPolicy
	}
	return o.cfg.DefaultPolicy
}

func (o *Orchestrator) schedule(j *job) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		o.finish(j, dispatchmodel.StatusUnavailable, "dispatcher stopped before delivery")
		return
	}
	heap.Push(&o.queue, j)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) run() {
	defer close(o.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		o.mu.Lock()
		now := time.Now()
		var due []*job
		for o.queue.Len() > 0 && !o.queue[0].nextAt.After(now) {
			due = append(due, heap.Pop(&o.queue).(*job))
		}
		var wait time.Duration = time.Hour
		if o.queue.Len() > 0 {
			wait = time.Until(o.queue[0].nextAt)
		}
		o.mu.Unlock()

		for _, j := range due {
			j := j
			o.group.Go(func() error {
				o.attempt(j)
				return nil
			})
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-o.stop:
			o.drainPending()
			return
		case <-o.wake:
		case <-timer.C:
		}
	}
}

// drainPending reports a terminal outcome for every queued retry job,
// so no call is left waiting out its watchdog across a shutdown.
func (o *Orchestrator) drainPending() {
	o.mu.Lock()
	pending := make([]*job, 0, o.queue.Len())
	for o.queue.Len() > 0 {
		pending = append(pending, heap.Pop(&o.queue).(*job))
	}
	o.mu.Unlock()

	for _, j := range pending {
		o.finish(j, dispatchmodel.StatusUnavailable, "dispatcher stopped before delivery")
	}
}

// attempt performs one physical delivery and either finishes the job or
// reschedules it with backoff.
func (o *Orchestrator) attempt(j *job) {
	j.attempt++

	executor, ok := o.executors[j.intent.Action]
	if !ok {
		o.finish(j, dispatchmodel.StatusRejected, "no executor for action")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.AttemptTimeout)
	result, err := executor.Execute(ctx, j.intent)
	cancel()

	status := result.Status
	detail := result.Detail
	if err != nil {
		status = dispatchmodel.StatusUnavailable
		detail = err.Error()
		if errors.Is(err, ErrActionRejected) {
			status = dispatchmodel.StatusRejected
		}
	}

	e := event.New(event.TypeDispatchAttempt, j.intent.CallID)
	e.Action = string(j.intent.Action)
	e.Attempt = j.attempt
	e.Status = string(status)
	e.Detail = detail
	o.sink.Record(e)

	switch status {
	case dispatchmodel.StatusDelivered:
		o.finish(j, dispatchmodel.StatusDelivered, detail)
	case dispatchmodel.StatusRejected:
		o.finish(j, dispatchmodel.StatusRejected, detail)
	default:
		if j.attempt >= j.policy.MaxAttempts {
			o.finish(j, dispatchmodel.StatusUnavailable, fmt.Sprintf("retries exhausted after %d attempts", j.attempt))
			return
		}
		j.nextAt = time.Now().Add(j.policy.Backoff(j.attempt))
		o.schedule(j)
	}
}

func (o *Orchestrator) finish(j *job, status dispatchmodel.DeliveryStatus, detail string) {
	e := event.New(event.TypeDispatchOutcome, j.intent.CallID)
	e.Action = string(j.intent.Action)
	e.Attempt = j.attempt
	e.Status = string(status)
	e.Detail = detail
	o.sink.Record(e)

	if j.onOutcome != nil {
		j.onOutcome(Outcome{
			Intent:    j.intent,
			Delivered: status == dispatchmodel.StatusDelivered,
			Status:    status,
			Attempts:  j.attempt,
			Detail:    detail,
		})
	}
}
