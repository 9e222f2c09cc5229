package queue

import "time"

// Status is a job's lifecycle state. Transitions are strictly monotonic
// except pending<->processing<->pending during retry (spec §4.7), and
// except an explicit Retry, which moves a failed or cancelled job back to
// pending.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Job is one row of queue_jobs.
type Job struct {
	ID          string
	DeviceID    string
	DeviceKind  string
	Operation   string
	Params      string // JSON-encoded
	Status      Status
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	RetryCount  int
}

// Summary aggregates per-status counts for queue.getStatus.
type Summary struct {
	Pending         int     `json:"pending"`
	Processing      int     `json:"processing"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	Cancelled       int     `json:"cancelled"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`
}
