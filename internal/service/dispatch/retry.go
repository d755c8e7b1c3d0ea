package dispatch

import (
	"time"

	dispatchmodel "github.com/mareiko/lifeline/backend/internal/model/dispatch"
)

// RetryPolicy bounds redelivery of a failed intent.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Backoff returns the delay before the attempt following the given one:
// exponential from BaseDelay, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// job is the retry state of one pending intent: attempts so far and the
// next-eligible time, processed by the scheduler loop.
type job struct {
	intent    dispatchmodel.Intent
	policy    RetryPolicy
	attempt   int
	nextAt    time.Time
	onOutcome OutcomeFunc
	index     int
}

// jobQueue is a min-heap ordered by next-eligible time.
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool { return q[i].nextAt.Before(q[j].nextAt) }

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	j := x.(*job)
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return j
}
