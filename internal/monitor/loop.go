package monitor

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("monitor: event loop stopped")

const loopBuffer = 256

// Loop runs posted closures one at a time on a single goroutine.
type Loop struct {
	tasks    chan func()
	done     chan struct{}
	doneOnce sync.Once
}

// NewLoop returns a Loop that is not yet running.
func NewLoop() *Loop {
	return &Loop{
		tasks: make(chan func(), loopBuffer),
		done:  make(chan struct{}),
	}
}

// Run executes posted closures until ctx is cancelled. A Loop runs once;
// after Run returns, posted closures are dropped.
func (l *Loop) Run(ctx context.Context) {
	defer l.doneOnce.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-l.tasks:
			f()
		}
	}
}

// Post schedules f. It blocks while the queue is full and drops f once the
// loop has exited.
func (l *Loop) Post(f func()) {
	select {
	case l.tasks <- f:
	case <-l.done:
	}
}

// Do runs f on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		f()
	}
	select {
	case l.tasks <- task:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// The loop may have run the task just before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
