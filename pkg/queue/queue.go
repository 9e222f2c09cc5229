package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hwbridge/broker/pkg/event"
	"github.com/hwbridge/broker/pkg/logging"
)

// DefaultRetryInterval is how often the worker polls for pending jobs.
const DefaultRetryInterval = 5 * time.Second

// DefaultMaxRetryAttempts bounds how many times in total a job is
// attempted before a failure is marked permanent (3 attempts: the first
// run plus 2 retries).
const DefaultMaxRetryAttempts = 3

// Executor runs one queued operation against the device it targets. The
// dispatcher supplies this: it knows how to route (device_kind,
// operation, params) to the right adapter or netmgr call.
type Executor func(ctx context.Context, deviceID, deviceKind, operation string, params json.RawMessage) error

// Config bounds Queue worker behavior (spec §6 queue.* options).
type Config struct {
	RetryInterval    time.Duration
	MaxRetryAttempts int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{RetryInterval: DefaultRetryInterval, MaxRetryAttempts: DefaultMaxRetryAttempts}
}

// Queue is the durable FIFO operation queue (spec component C7).
type Queue struct {
	cfg      Config
	store    *Store
	executor Executor
	fabric   *event.Fabric
	log      logging.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Queue against an already-opened Store.
func New(cfg Config, store *Store, executor Executor, fabric *event.Fabric, log logging.Logger) *Queue {
	if cfg.RetryInterval <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if log == nil {
		log = logging.NoopLogger{}
	}
	return &Queue{cfg: cfg, store: store, executor: executor, fabric: fabric, log: log}
}

// Enqueue inserts a new pending job and returns its ID. Always succeeds
// locally if the store is writable (spec §4.7).
func (q *Queue) Enqueue(deviceID, deviceKind, operation string, params json.RawMessage) (string, error) {
	id := uuid.New().String()
	job := Job{
		ID:         id,
		DeviceID:   deviceID,
		DeviceKind: deviceKind,
		Operation:  operation,
		Params:     string(params),
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}
	if err := q.store.Insert(job); err != nil {
		return "", err
	}
	return id, nil
}

// Cancel transitions job_id from pending/processing to cancelled.
func (q *Queue) Cancel(jobID string) (bool, error) {
	return q.store.Cancel(jobID)
}

// Retry transitions job_id from failed/cancelled back to pending.
func (q *Queue) Retry(jobID string) (bool, error) {
	return q.store.Retry(jobID)
}

// Status aggregates per-status counts.
func (q *Queue) Status() (Summary, error) {
	return q.store.Summarize()
}

// List returns jobs matching the optional filters.
func (q *Queue) List(deviceID string, status Status, limit int) ([]Job, error) {
	return q.store.List(deviceID, status, limit)
}

// Get returns one job by ID.
func (q *Queue) Get(jobID string) (Job, bool, error) {
	return q.store.Get(jobID)
}

// Start launches the single background worker that drains pending jobs.
func (q *Queue) Start(ctx context.Context) {
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})

	go func() {
		defer close(q.doneCh)
		ticker := time.NewTicker(q.cfg.RetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			case <-ticker.C:
				q.tick(ctx)
			}
		}
	}()
}

// Stop halts the worker and waits for the in-flight tick to finish.
func (q *Queue) Stop() {
	if q.stopCh == nil {
		return
	}
	close(q.stopCh)
	<-q.doneCh
}

func (q *Queue) tick(ctx context.Context) {
	job, ok, err := q.store.ClaimOldestPending()
	if err != nil {
		q.log.Warn("queue claim failed", logging.F("error", err.Error()))
		return
	}
	if !ok {
		return
	}

	err = q.executor(ctx, job.DeviceID, job.DeviceKind, job.Operation, json.RawMessage(job.Params))
	if err == nil {
		if err := q.store.Complete(job.ID); err != nil {
			q.log.Warn("queue mark-complete failed", logging.F("job_id", job.ID), logging.F("error", err.Error()))
		}
		q.publish(job.ID, job.DeviceID, job.DeviceKind, "job_completed")
		return
	}

	if retryErr := q.store.RetryOrFail(job.ID, job.RetryCount, q.cfg.MaxRetryAttempts, err.Error()); retryErr != nil {
		q.log.Warn("queue retry/fail update failed", logging.F("job_id", job.ID), logging.F("error", retryErr.Error()))
		return
	}
	if job.RetryCount+1 >= q.cfg.MaxRetryAttempts {
		q.publish(job.ID, job.DeviceID, job.DeviceKind, "job_failed")
	}
}

func (q *Queue) publish(jobID, deviceID, deviceKind, reason string) {
	if q.fabric == nil {
		return
	}
	q.fabric.Publish(event.New(event.TypeStatusChanged, deviceID, deviceKind, map[string]any{
		"job_id": jobID,
		"reason": reason,
	}))
}
