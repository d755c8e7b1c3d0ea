package registry

import (
	"errors"
	"sync"
	"time"
)

// ErrRetired marks work submitted to a call whose actor has been
// evicted after its retention window.
var ErrRetired = errors.New("call session retired")

const mailboxSize = 64

// Actor serializes all work for one call. Every state-changing step for
// a call runs on its single mailbox goroutine, which is the per-call
// mutual exclusion point the triage invariants rely on.
type Actor struct {
	callID  string
	mailbox chan func()

	mu      sync.Mutex
	retired bool
	done    chan struct{}
}

func newActor(callID string) *Actor {
	a := &Actor{
		callID:  callID,
		mailbox: make(chan func(), mailboxSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Actor) run() {
	defer close(a.done)
	for fn := range a.mailbox {
		fn()
	}
}

// Do enqueues fn on the call's serialization point. It blocks only when
// the call's own mailbox is full; other calls are unaffected.
func (a *Actor) Do(fn func()) error {
	a.mu.Lock()
	if a.retired {
		a.mu.Unlock()
		return ErrRetired
	}
	// Holding the lock while enqueueing keeps retire from closing the
	// mailbox under a concurrent send.
	a.mailbox <- fn
	a.mu.Unlock()
	return nil
}

func (a *Actor) retire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.retired {
		return
	}
	a.retired = true
	close(a.mailbox)
}

// Registry owns the arena of per-call actors, keyed by call ID. Access
// across calls never contends beyond the map itself.
type Registry struct {
	mu        sync.RWMutex
	actors    map[string]*Actor
	retention time.Duration
}

// NewRegistry builds a registry that keeps terminal calls around for
// the given retention window before eviction.
func NewRegistry(retention time.Duration) *Registry {
	return &Registry{
		actors:    make(map[string]*Actor),
		retention: retention,
	}
}

// GetOrCreate returns the actor for a call, creating it on first use.
func (r *Registry) GetOrCreate(callID string) *Actor {
	r.mu.RLock()
	a, ok := r.actors[callID]
	r.mu.RUnlock()
	if ok {
		return a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok = r.actors[callID]; ok {
		return a
	}
	a = newActor(callID)
	r.actors[callID] = a
	return a
}

// Get returns the actor for a known call.
func (r *Registry) Get(callID string) (*Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[callID]
	return a, ok
}

// Retire schedules eviction of a closed call after the retention
// window, leaving room for late corrections until then. onEvict runs
// once the actor is gone.
func (r *Registry) Retire(callID string, onEvict func()) {
	r.mu.RLock()
	a, ok := r.actors[callID]
	retention := r.retention
	r.mu.RUnlock()
	if !ok {
		return
	}

	time.AfterFunc(retention, func() {
		a.retire()
		<-a.done

		r.mu.Lock()
		delete(r.actors, callID)
		r.mu.Unlock()

		if onEvict != nil {
			onEvict()
		}
	})
}

// Len reports the number of live call sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}
