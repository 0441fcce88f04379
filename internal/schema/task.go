package schema

import "time"

// TaskStatus enumerates delivery task lifecycle states.
type TaskStatus string

const (
	// TaskPending marks tasks awaiting a worker lease.
	TaskPending TaskStatus = "PENDING"
	// TaskInFlight marks tasks currently leased by a worker.
	TaskInFlight TaskStatus = "IN_FLIGHT"
	// TaskSent marks successfully delivered tasks.
	TaskSent TaskStatus = "SENT"
	// TaskFailed marks tasks whose last attempt failed but that will retry.
	TaskFailed TaskStatus = "FAILED"
	// TaskDeadLettered marks terminally failed tasks.
	TaskDeadLettered TaskStatus = "DEAD_LETTERED"
)

// DeliveryTask is one in-flight per-user dispatch. A task is owned by the
// fanout queue until a delivery worker leases it; leases are time-bounded.
type DeliveryTask struct {
	TaskID         string     `json:"task_id"`
	UserID         string     `json:"user_id"`
	SubscriptionID string     `json:"subscription_id"`
	EventID        string     `json:"event_id"`
	Channel        Channel    `json:"channel"`
	Status         TaskStatus `json:"status"`
	Attempts       int        `json:"attempts"`
	LastAttemptAt  time.Time  `json:"last_attempt_at"`
	NextAttemptAt  time.Time  `json:"next_attempt_at"`
	LeaseExpiresAt time.Time  `json:"lease_expires_at,omitempty"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	Payload        []byte     `json:"payload"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
}

// DeadLetter is the terminal record for deliveries or events that could not
// be processed; rows are retained for per-user triage.
type DeadLetter struct {
	ID              string    `json:"id"`
	OriginalEventID string    `json:"original_event_id"`
	UserID          string    `json:"user_id"`
	SubscriptionID  string    `json:"subscription_id,omitempty"`
	Channel         Channel   `json:"channel,omitempty"`
	Payload         []byte    `json:"payload,omitempty"`
	Reason          string    `json:"reason"`
	DeadLetteredAt  time.Time `json:"dead_lettered_at"`
}

// Dead-letter reasons written by the fanout and delivery pipelines.
const (
	DeadLetterRateLimited  = "rate_limited"
	DeadLetterMaxAttempts  = "max_attempts_exhausted"
	DeadLetterGoneEndpoint = "endpoint_gone"
)

// HourBucket computes the per-user rate-counter bucket for an instant.
func HourBucket(at time.Time) int64 {
	return at.UTC().Unix() / 3600
}
