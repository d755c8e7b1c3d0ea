package engine

import (
	"sync"

	"github.com/mareiko/lifeline/backend/internal/model/event"
)

const watcherBuffer = 32

// hub fans call events out to live watchers. A slow watcher loses
// events rather than backpressuring the triage core; the audit sink is
// the complete record.
type hub struct {
	mu       sync.Mutex
	watchers map[string]map[chan event.Event]struct{}
}

func newHub() *hub {
	return &hub{watchers: make(map[string]map[chan event.Event]struct{})}
}

// subscribe registers a watcher for one call. The returned cancel is
// safe to invoke more than once.
func (h *hub) subscribe(callID string) (<-chan event.Event, func()) {
	ch := make(chan event.Event, watcherBuffer)

	h.mu.Lock()
	set, ok := h.watchers[callID]
	if !ok {
		set = make(map[chan event.Event]struct{})
		h.watchers[callID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.watchers[callID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.watchers, callID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *hub) publish(ev event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.watchers[ev.CallID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// dropCall detaches all watchers for an evicted call without closing
// their channels; each watcher's own cancel does that.
func (h *hub) dropCall(callID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watchers, callID)
}
