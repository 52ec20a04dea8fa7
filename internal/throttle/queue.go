// Package throttle provides a small task queue with interval+limit pacing for
// providers that enforce requests-per-second caps.
package throttle

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Queue paces task starts with a rate limiter and bounds in-flight work.
type Queue struct {
	limiter *rate.Limiter
	sem     chan struct{}
	wg      sync.WaitGroup
}

// New builds a queue emitting at most burst starts per interval with the
// given in-flight worker bound.
func New(r rate.Limit, burst, workers int) *Queue {
	if burst < 1 {
		burst = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		limiter: rate.NewLimiter(r, burst),
		sem:     make(chan struct{}, workers),
	}
}

// Do runs fn synchronously once pacing and the worker bound allow it.
func (q *Queue) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := q.limiter.Wait(ctx); err != nil {
		return err
	}
	select {
	case q.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-q.sem }()
	return fn(ctx)
}

// Go schedules fn asynchronously under the same pacing rules. Errors are the
// callback's responsibility; use Wait to drain.
func (q *Queue) Go(ctx context.Context, fn func(context.Context) error) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		_ = q.Do(ctx, fn)
	}()
}

// Wait blocks until all scheduled tasks finish.
func (q *Queue) Wait() {
	q.wg.Wait()
}
