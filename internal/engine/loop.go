package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Loop is the production Scheduler: a task queue drained by one goroutine.
type Loop struct {
	name  string
	queue *taskQueue
	log   *slog.Logger
	work  sync.WaitGroup
}

// NewLoop creates a stopped loop. Tasks posted before Run are kept.
func NewLoop(name string, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		name:  name,
		queue: newTaskQueue(),
		log:   log,
	}
}

// Post enqueues fn. Returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	return l.queue.Enqueue(fn)
}

// AfterFunc posts fn after d. The returned cancel reports whether the timer
// was stopped before firing.
func (l *Loop) AfterFunc(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, func() {
		l.Post(fn)
	})
	return t.Stop
}

// Go runs fn on a new goroutine tracked by the loop.
func (l *Loop) Go(fn func()) {
	l.work.Add(1)
	go func() {
		defer l.work.Done()
		fn()
	}()
}

// Now returns wall-clock time.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	return l.queue.Len()
}

// Run drains the queue until ctx is cancelled. Must be called from exactly
// one goroutine. On return the loop is closed and background work has
// finished.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Debug("loop starting", "loop", l.name)
	defer func() {
		l.queue.Close()
		l.work.Wait()
		l.log.Debug("loop stopped", "loop", l.name)
	}()

	for {
		if t, ok := l.queue.TryDequeue(); ok {
			t()
			continue
		}
		if l.queue.Closed() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.queue.Wait():
		}
	}
}

// Close stops accepting tasks; Run returns once the queue is drained.
func (l *Loop) Close() {
	l.queue.Close()
}
