package async

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	pool, err := NewPool(2, 8)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	var ran atomic.Int64
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		err := pool.Submit(context.Background(), func(context.Context) error {
			if ran.Add(1) == 4 {
				close(done)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected 4 executions, got %d", ran.Load())
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	pool, err := NewPool(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	block := make(chan struct{})
	started := make(chan struct{})
	_ = pool.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-block
		return nil
	})
	<-started
	// The single worker is busy; one submission fits the queue, the next
	// must be rejected instead of blocking the caller.
	_ = pool.Submit(context.Background(), func(context.Context) error { return nil })
	if err := pool.Submit(context.Background(), func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected a queue-full rejection")
	}
	close(block)
}

func TestSubmitAfterCloseFails(t *testing.T) {
	pool, err := NewPool(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	pool.Close()
	if err := pool.Submit(context.Background(), func(context.Context) error { return nil }); err == nil {
		t.Fatal("a closed pool must reject submissions")
	}
}

func TestShutdownWaitsForInFlightTasks(t *testing.T) {
	pool, err := NewPool(1, 1)
	if err != nil {
		t.Fatal(err)
	}

	var finished atomic.Bool
	started := make(chan struct{})
	_ = pool.Submit(context.Background(), func(context.Context) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !finished.Load() {
		t.Fatal("shutdown returned before the in-flight task completed")
	}
}

func TestPanickingTaskKeepsWorkerAlive(t *testing.T) {
	pool, err := NewPool(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	_ = pool.Submit(context.Background(), func(context.Context) error { panic("boom") })
	done := make(chan struct{})
	_ = pool.Submit(context.Background(), func(context.Context) error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker must survive a panicking task")
	}
}
