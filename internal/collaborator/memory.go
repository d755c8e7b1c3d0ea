package collaborator

import (
	"context"
	"sync"
	"time"

	dispatchmodel "github.com/mareiko/lifeline/backend/internal/model/dispatch"
)

// Record is one intent a collaborator accepted, kept for inspection.
type Record struct {
	Intent     dispatchmodel.Intent `json:"intent"`
	ReceivedAt time.Time            `json:"receivedAt"`
}

// MemoryExecutor simulates a downstream collaborator (hospital API,
// ambulance network, staff pager, consultation log). It honours
// idempotency keys: a redelivered intent returns the original outcome
// and is never recorded twice.
type MemoryExecutor struct {
	name string

	mu        sync.Mutex
	delivered map[string]dispatchmodel.Result
	records   []Record
	script    []dispatchmodel.DeliveryStatus
}

// NewMemoryExecutor returns a collaborator that accepts everything.
func NewMemoryExecutor(name string) *MemoryExecutor {
	return &MemoryExecutor{
		name:      name,
		delivered: make(map[string]dispatchmodel.Result),
	}
}

// Script queues responses for upcoming attempts, in order. Once the
// script is exhausted the executor accepts again. Used to exercise
// retry and rejection paths.
func (m *MemoryExecutor) Script(statuses ...dispatchmodel.DeliveryStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, statuses...)
}

// Execute implements the collaborator contract.
func (m *MemoryExecutor) Execute(_ context.Context, intent dispatchmodel.Intent) (dispatchmodel.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotent receipt: same key, same answer, no second action.
	if prior, ok := m.delivered[intent.IdempotencyKey]; ok {
		prior.Duplicate = true
		return prior, nil
	}

	if len(m.script) > 0 {
		status := m.script[0]
		m.script = m.script[1:]
		if status != dispatchmodel.StatusDelivered {
			return dispatchmodel.Result{Status: status, Detail: m.name + " scripted " + string(status)}, nil
		}
	}

	result := dispatchmodel.Result{Status: dispatchmodel.StatusDelivered, Detail: "accepted by " + m.name}
	m.delivered[intent.IdempotencyKey] = result
	m.records = append(m.records, Record{Intent: intent, ReceivedAt: time.Now().UTC()})
	return result, nil
}

// Records returns a copy of everything this collaborator acted on.
func (m *MemoryExecutor) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// DeliveredCount reports how many distinct intents were acted on.
func (m *MemoryExecutor) DeliveredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
