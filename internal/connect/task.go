package connect

import (
	"context"
	"errors"
	"fmt"
)

// ErrTaskClosed is reported when a task's result channel closes without
// ever delivering a result. It should not happen; treating it as a normal
// failure keeps the state machine alive instead of wedging a dialog.
var ErrTaskClosed = errors.New("background task ended without a result")

type taskResult[T any] struct {
	val T
	err error
}

// Handle is a one-shot completion handle for a background task. The owner
// polls it once per tick; exactly one result is ever delivered. Dropping
// the handle (or calling Cancel) stops delivery but does not guarantee the
// underlying HTTP request aborts before the transport notices the context.
type Handle[T any] struct {
	ch     chan taskResult[T]
	cancel context.CancelFunc
}

// spawn runs fn on its own goroutine and returns a handle for its result.
// A panic inside fn is converted into an error result rather than taking
// the process down.
func spawn[T any](parent context.Context, fn func(ctx context.Context) (T, error)) *Handle[T] {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle[T]{
		ch:     make(chan taskResult[T], 1),
		cancel: cancel,
	}
	go func() {
		defer close(h.ch)
		defer func() {
			if r := recover(); r != nil {
				var zero T
				h.ch <- taskResult[T]{val: zero, err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		val, err := fn(ctx)
		h.ch <- taskResult[T]{val: val, err: err}
	}()
	return h
}

// Poll returns the task's result without blocking. ready is false while
// the task is still running; once ready has been returned true the handle
// is spent.
func (h *Handle[T]) Poll() (val T, err error, ready bool) {
	select {
	case res, ok := <-h.ch:
		if !ok {
			var zero T
			return zero, ErrTaskClosed, true
		}
		return res.val, res.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// Cancel signals the task's context. Safe to call multiple times and on a
// task that already finished.
func (h *Handle[T]) Cancel() {
	h.cancel()
}
