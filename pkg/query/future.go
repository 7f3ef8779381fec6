package query

import (
	"context"
	"errors"
)

// Callback is invoked once the future completes, whatever the outcome.
type Callback func(f *Future)

// Future is the eventual result of a request. It completes exactly once,
// with a response, [ErrTimeout] or a send failure.
type Future struct {
	key   string
	state any

	done   chan struct{}
	result []byte
	err    error
}

func newFuture(key string, state any) *Future {
	return &Future{
		key:   key,
		state: state,
		done:  make(chan struct{}),
	}
}

// complete MUST only be called by whoever removed the future from the
// pending table.
func (f *Future) complete(result []byte, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// Key is the correlation key of the request.
func (f *Future) Key() string {
	return f.key
}

// State is the value given along with the request.
func (f *Future) State() any {
	return f.state
}

// Done is closed once the future completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx is done. Giving up on
// waiting does not cancel the request.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome of a completed future, [ErrPending]
// otherwise.
func (f *Future) Result() ([]byte, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
		return nil, ErrPending
	}
}

// TimedOut reports whether the future completed with [ErrTimeout].
func (f *Future) TimedOut() bool {
	_, err := f.Result()
	return errors.Is(err, ErrTimeout)
}
