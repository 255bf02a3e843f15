package service

import "context"

// Task is a backup or restore running in the background.
type Task[T any] struct {
	cancel context.CancelFunc
	done   chan struct{}
	res    T
	err    error
}

func runTask[T any](ctx context.Context, fn func(context.Context) (T, error)) *Task[T] {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		t.res, t.err = fn(ctx)
	}()
	return t
}

// Wait blocks until the task finishes and returns its outcome.
func (t *Task[T]) Wait() (T, error) {
	<-t.done
	return t.res, t.err
}

// Cancel asks the task to stop. A restore that has already swapped the
// database ignores it and runs to completion or rollback.
func (t *Task[T]) Cancel() { t.cancel() }

func (t *Task[T]) Done() <-chan struct{} { return t.done }
