package transcript

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mareiko/lifeline/backend/internal/model/call"
)

// ErrOutOfOrderFragment marks a fragment that would corrupt a call's
// buffer: a stale sequence number or text arriving after the final
// fragment. The fragment is dropped and logged, never applied.
var ErrOutOfOrderFragment = errors.New("out of order fragment")

// ErrUnknownCall marks operations against a call with no buffer.
var ErrUnknownCall = errors.New("unknown call")

// Fragment is one piece of streamed transcript text for a call.
// Seq is the collaborator's optional delivery sequence; zero means the
// feed does not number its fragments.
type Fragment struct {
	Text         string
	Seq          int
	Final        bool
	LanguageHint string
}

type buffer struct {
	mu        sync.Mutex
	text      strings.Builder
	version   int
	lastSeq   int
	language  string
	finalized bool
	history   []call.Snapshot
}

// Aggregator accumulates transcript fragments per call and produces
// monotonically growing, versioned snapshots for scoring. Snapshot
// versions are strictly increasing and gapless per call.
type Aggregator struct {
	mu      sync.RWMutex
	buffers map[string]*buffer
}

func NewAggregator() *Aggregator {
	return &Aggregator{buffers: make(map[string]*buffer)}
}

func (a *Aggregator) bufferFor(callID string, create bool) (*buffer, bool) {
	a.mu.RLock()
	b, ok := a.buffers[callID]
	a.mu.RUnlock()
	if ok || !create {
		return b, ok
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok = a.buffers[callID]; ok {
		return b, true
	}
	b = &buffer{}
	a.buffers[callID] = b
	return b, true
}

// Append adds a fragment to the call's buffer and returns the new
// snapshot. Fragments for the same call are expected in arrival order;
// a detected regression fails with ErrOutOfOrderFragment without
// touching the buffer.
func (a *Aggregator) Append(callID string, frag Fragment) (call.Snapshot, error) {
	b, _ := a.bufferFor(callID, true)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finalized {
		return call.Snapshot{}, fmt.Errorf("%w: call %s already finalized", ErrOutOfOrderFragment, callID)
	}
	if frag.Seq != 0 && frag.Seq <= b.lastSeq {
		return call.Snapshot{}, fmt.Errorf("%w: seq %d after %d", ErrOutOfOrderFragment, frag.Seq, b.lastSeq)
	}

	if frag.Seq != 0 {
		b.lastSeq = frag.Seq
	}
	if frag.LanguageHint != "" {
		b.language = frag.LanguageHint
	}
	if text := strings.TrimSpace(frag.Text); text != "" {
		if b.text.Len() > 0 {
			b.text.WriteString(" ")
		}
		b.text.WriteString(text)
	}
	if frag.Final {
		b.finalized = true
	}

	b.version++
	snap := call.Snapshot{
		CallID:       callID,
		Version:      b.version,
		Text:         b.text.String(),
		LanguageHint: b.language,
		CreatedAt:    time.Now().UTC(),
	}
	b.history = append(b.history, snap)
	return snap, nil
}

// Latest returns the newest snapshot for a call. Under load the machine
// scores only the latest snapshot; intermediate versions may be skipped
// but the newest is never dropped.
func (a *Aggregator) Latest(callID string) (call.Snapshot, bool) {
	b, ok := a.bufferFor(callID, false)
	if !ok {
		return call.Snapshot{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.history) == 0 {
		return call.Snapshot{}, false
	}
	return b.history[len(b.history)-1], true
}

// History returns the append-only snapshot history for a call.
func (a *Aggregator) History(callID string) []call.Snapshot {
	b, ok := a.bufferFor(callID, false)
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]call.Snapshot, len(b.history))
	copy(out, b.history)
	return out
}

// Finalized reports whether the end-of-call fragment has arrived.
func (a *Aggregator) Finalized(callID string) bool {
	b, ok := a.bufferFor(callID, false)
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalized
}

// Finalize marks the call's buffer closed without appending text, for
// end-of-call signals that arrive outside the fragment feed.
func (a *Aggregator) Finalize(callID string) error {
	b, ok := a.bufferFor(callID, false)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalized = true
	return nil
}

// Drop evicts a call's buffer after the session is retired.
func (a *Aggregator) Drop(callID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, callID)
}
