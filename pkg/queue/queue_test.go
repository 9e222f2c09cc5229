package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEnqueueAndClaim(t *testing.T) {
	store := newTestStore(t)
	q := New(DefaultConfig(), store, nil, nil, nil)

	id, err := q.Enqueue("dev1", "printer", "printer.print", json.RawMessage(`{"data":"aGVsbG8="}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, ok, err := store.ClaimOldestPending()
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if job.ID != id || job.Status != StatusProcessing {
		t.Fatalf("unexpected claimed job: %+v", job)
	}
}

func TestTickRetriesUntilMaxAttempts(t *testing.T) {
	store := newTestStore(t)
	var attempts int32
	executor := func(ctx context.Context, deviceID, deviceKind, operation string, params json.RawMessage) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("simulated failure")
	}
	cfg := Config{RetryInterval: time.Millisecond, MaxRetryAttempts: 2}
	q := New(cfg, store, executor, nil, nil)

	id, err := q.Enqueue("dev1", "printer", "printer.print", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx := context.Background()
	q.tick(ctx)
	job, _, _ := store.Get(id)
	if job.Status != StatusPending || job.RetryCount != 1 {
		t.Fatalf("expected pending retry_count=1, got %+v", job)
	}

	q.tick(ctx)
	job, _, _ = store.Get(id)
	if job.Status != StatusFailed {
		t.Fatalf("expected failed after max attempts, got %+v", job)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("expected 2 executor calls, got %d", attempts)
	}
}

func TestCancelIsNoOpOnTerminalJob(t *testing.T) {
	store := newTestStore(t)
	q := New(DefaultConfig(), store, nil, nil, nil)

	id, _ := q.Enqueue("dev1", "printer", "printer.print", json.RawMessage(`{}`))
	store.Complete(id)

	applied, err := q.Cancel(id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if applied {
		t.Fatalf("expected cancel on completed job to be a no-op")
	}
}

func TestStartedBeforeCompleted(t *testing.T) {
	store := newTestStore(t)
	executor := func(ctx context.Context, deviceID, deviceKind, operation string, params json.RawMessage) error {
		return nil
	}
	q := New(Config{RetryInterval: time.Millisecond, MaxRetryAttempts: 3}, store, executor, nil, nil)

	id, _ := q.Enqueue("dev1", "printer", "printer.print", json.RawMessage(`{}`))
	q.tick(context.Background())

	job, _, _ := store.Get(id)
	if job.Status != StatusCompleted {
		t.Fatalf("expected completed, got %v", job.Status)
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Fatalf("expected both timestamps set")
	}
	if job.CompletedAt.Before(*job.StartedAt) {
		t.Fatalf("completed_at must not precede started_at")
	}
}
