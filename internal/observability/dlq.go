package observability

import "sync"

// defaultDeadLetterCapacity bounds the queue when the caller does not.
const defaultDeadLetterCapacity = 256

// DeadLetterQueue is a fixed-size ring of telemetry events that missed
// every subscriber. When the ring is full the oldest event gives way, so
// an unattended queue always holds the newest diagnostics.
type DeadLetterQueue struct {
	mu      sync.Mutex
	ring    []TelemetryEvent
	head    int
	size    int
	evicted uint64
}

// NewDeadLetterQueue creates a queue holding at most capacity events.
// Capacity <= 0 selects the default.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	if capacity <= 0 {
		capacity = defaultDeadLetterCapacity
	}
	q := new(DeadLetterQueue)
	q.ring = make([]TelemetryEvent, capacity)
	return q
}

// Offer records an undelivered telemetry event, evicting the oldest entry
// when the ring is full. The caller passes an event it no longer mutates.
func (q *DeadLetterQueue) Offer(event TelemetryEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tail := (q.head + q.size) % len(q.ring)
	q.ring[tail] = event
	if q.size < len(q.ring) {
		q.size++
		return
	}
	q.head = (q.head + 1) % len(q.ring)
	q.evicted++
}

// Drain returns the queued events oldest-first and resets the ring.
func (q *DeadLetterQueue) Drain() []TelemetryEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]TelemetryEvent, q.size)
	for i := 0; i < q.size; i++ {
		drained[i] = q.ring[(q.head+i)%len(q.ring)]
	}
	q.head = 0
	q.size = 0
	return drained
}

// Len reports the number of queued events.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Evicted reports how many events were pushed out by newer arrivals.
func (q *DeadLetterQueue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}
