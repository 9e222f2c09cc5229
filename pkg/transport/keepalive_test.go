package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeepAlivePongResetsMissedCount(t *testing.T) {
	var pings atomic.Int32
	var timedOut atomic.Bool

	ka := NewKeepAlive(KeepAliveConfig{
		PingInterval:   20 * time.Millisecond,
		PongTimeout:    10 * time.Millisecond,
		MaxMissedPongs: 3,
	}, func(seq uint32) error {
		pings.Add(1)
		return nil
	}, func() {
		timedOut.Store(true)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ka.Start(ctx)
	defer ka.Stop()

	// Keep answering pings so the connection never looks dead.
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case <-deadline:
			if timedOut.Load() {
				t.Fatalf("keepalive reported timeout despite steady pongs")
			}
			return
		case <-time.After(5 * time.Millisecond):
			stats := ka.Stats()
			if stats.CurrentSeq > 0 {
				ka.PongReceived(stats.CurrentSeq)
			}
		}
	}
}

func TestKeepAliveTimeoutAfterMissedPongs(t *testing.T) {
	var timedOut atomic.Bool
	done := make(chan struct{})

	ka := NewKeepAlive(KeepAliveConfig{
		PingInterval:   5 * time.Millisecond,
		PongTimeout:    1 * time.Millisecond,
		MaxMissedPongs: 2,
	}, func(seq uint32) error {
		return nil
	}, func() {
		timedOut.Store(true)
		close(done)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ka.Start(ctx)
	defer ka.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected onTimeout to fire")
	}
	if !timedOut.Load() {
		t.Fatal("expected timed out to be true")
	}
}
