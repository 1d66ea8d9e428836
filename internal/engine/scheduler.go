package engine

import (
	"context"
	"time"
)

// Scheduler is a logical sequence: tasks posted to it run one at a time in
// FIFO order.
//
// Post and AfterFunc may be called from any goroutine. Go runs blocking
// work (queries) off the sequence; that work reports back with Post.
type Scheduler interface {
	Post(fn func()) bool
	AfterFunc(d time.Duration, fn func()) (cancel func() bool)
	Go(fn func())
	Now() time.Time
}

// runner is implemented by schedulers that need a goroutine of their own.
type runner interface {
	Run(ctx context.Context) error
}

// call runs fn on the sequence and waits for its result.
//
// Must not be used from inside the same sequence, and not with a scheduler
// that only runs when the caller pumps it.
func call[T any](ctx context.Context, s Scheduler, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	ok := s.Post(func() {
		v, err := fn()
		done <- result{v, err}
	})
	if !ok {
		var zero T
		return zero, ErrClosed
	}
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
