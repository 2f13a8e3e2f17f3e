package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Outcome is the completion handle returned by Enqueue. It resolves
// exactly once, when the request reaches a terminal state. Duplicate
// enqueues (deduplication hits) share the original request's Outcome.
type Outcome struct {
	requestID uuid.UUID

	once   sync.Once
	done   chan struct{}
	result *Result
	err    error
}

func newOutcome(requestID uuid.UUID) *Outcome {
	return &Outcome{
		requestID: requestID,
		done:      make(chan struct{}),
	}
}

// RequestID returns the id of the underlying queued request.
func (o *Outcome) RequestID() uuid.UUID { return o.requestID }

// Done returns a channel closed when the request reaches a terminal state.
func (o *Outcome) Done() <-chan struct{} { return o.done }

// Await blocks until the request settles or ctx is cancelled.
func (o *Outcome) Await(ctx context.Context) (*Result, error) {
	select {
	case <-o.done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled reports whether the request has reached a terminal state,
// without blocking.
func (o *Outcome) Settled() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Result returns the processor result after the outcome settled; nil before.
func (o *Outcome) Result() *Result {
	if !o.Settled() {
		return nil
	}
	return o.result
}

// Err returns the terminal error after the outcome settled; nil before
// or on success.
func (o *Outcome) Err() error {
	if !o.Settled() {
		return nil
	}
	return o.err
}

// resolve settles the outcome successfully. Later calls are no-ops.
func (o *Outcome) resolve(res *Result) {
	o.once.Do(func() {
		o.result = res
		close(o.done)
	})
}

// reject settles the outcome with a terminal error. Later calls are no-ops.
func (o *Outcome) reject(err error) {
	o.once.Do(func() {
		o.err = err
		close(o.done)
	})
}
