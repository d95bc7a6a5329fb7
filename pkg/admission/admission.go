// Package admission implements the global bounded admission queue — layer 1
// of Admission / Rate Limiting (C10). It exists purely to cap the number of
// requests the process holds in memory at once; per-tenant throttling is a
// separate, later concern handled by pkg/ratelimit.
package admission

import (
	"context"
	"errors"

	"bridge/pkg/metrics"
)

// ErrQueueFull is returned when the admission queue is at capacity.
var ErrQueueFull = errors.New("admission queue full")

// Admitter bounds the number of requests in flight with a buffered
// semaphore channel: Admit acquires a slot, Release gives it back.
type Admitter struct {
	slots   chan struct{}
	metrics *metrics.Metrics
}

// New builds an Admitter with the given queue size.
func New(queueSize int, m *metrics.Metrics) *Admitter {
	if queueSize <= 0 {
		queueSize = 50000
	}
	return &Admitter{
		slots:   make(chan struct{}, queueSize),
		metrics: m,
	}
}

// Admit tries to acquire a slot without blocking. On success it returns a
// release function the caller must call exactly once when the request
// finishes. On failure it returns ErrQueueFull immediately — the admission
// queue never makes a caller wait, it only accepts or rejects fail-fast.
func (a *Admitter) Admit(_ context.Context) (release func(), err error) {
	select {
	case a.slots <- struct{}{}:
		a.observeDepth()
		return func() {
			<-a.slots
			a.observeDepth()
		}, nil
	default:
		if a.metrics != nil {
			a.metrics.RecordAdmissionRejected("queue_full")
		}
		return nil, ErrQueueFull
	}
}

func (a *Admitter) observeDepth() {
	if a.metrics != nil {
		a.metrics.AdmissionQueueDepth.Set(float64(len(a.slots)))
	}
}

// Depth reports the current number of admitted, not-yet-released requests.
func (a *Admitter) Depth() int {
	return len(a.slots)
}

// Capacity reports the configured queue size.
func (a *Admitter) Capacity() int {
	return cap(a.slots)
}
