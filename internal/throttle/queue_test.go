package throttle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestGoBoundsInFlightWork(t *testing.T) {
	q := New(rate.Inf, 10, 2)

	var inFlight, peak int32
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		q.Go(context.Background(), func(ctx context.Context) error {
			current := atomic.AddInt32(&inFlight, 1)
			mu.Lock()
			if current > peak {
				peak = current
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		})
	}
	q.Wait()

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Fatalf("worker bound exceeded: %d tasks in flight", peak)
	}
	if peak == 0 {
		t.Fatal("no tasks ran")
	}
}

func TestWaitDrainsAllScheduledTasks(t *testing.T) {
	q := New(rate.Inf, 5, 3)

	var done int32
	for i := 0; i < 7; i++ {
		q.Go(context.Background(), func(ctx context.Context) error {
			atomic.AddInt32(&done, 1)
			return nil
		})
	}
	q.Wait()
	if got := atomic.LoadInt32(&done); got != 7 {
		t.Fatalf("expected 7 completed tasks, got %d", got)
	}
}

func TestDoHonorsCanceledContext(t *testing.T) {
	q := New(rate.Every(time.Hour), 1, 1)
	// Exhaust the initial burst so the next caller must wait for pacing.
	_ = q.Do(context.Background(), func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Do(ctx, func(ctx context.Context) error {
		t.Fatal("task must not run under a canceled context")
		return nil
	})
	if err == nil {
		t.Fatal("expected context error")
	}
}
