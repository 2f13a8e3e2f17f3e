package queue

import "errors"

// Common errors
var (
	// ErrQueueFull is returned when the queue is at capacity and no
	// expired entries could be reclaimed to make room.
	ErrQueueFull = errors.New("queue is full")

	// ErrQueueClosed is returned when operating on a stopped manager.
	ErrQueueClosed = errors.New("queue manager is closed")

	// ErrNoProcessor is returned when no registered processor can handle a request.
	ErrNoProcessor = errors.New("no processor registered for request")

	// ErrRequestTimeout is returned through the outcome handle when a
	// request exceeded its queue timeout before completing.
	ErrRequestTimeout = errors.New("request timed out in queue")

	// ErrRequestCancelled is returned through the outcome handle when a
	// request was cancelled before reaching a terminal state.
	ErrRequestCancelled = errors.New("request cancelled")

	// ErrCircuitOpen signals that the destination zone's breaker is open.
	// It is used internally to reschedule; callers only see it if the
	// retry budget exhausts while the breaker stays open.
	ErrCircuitOpen = errors.New("circuit breaker is open for zone")

	// ErrRetriesExhausted is returned through the outcome handle when a
	// request failed and has no retries left.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrDuplicateID is returned by backends when enqueueing an id that
	// already exists.
	ErrDuplicateID = errors.New("request id already exists")

	// ErrRequestNotFound is returned by backends for unknown request ids.
	ErrRequestNotFound = errors.New("request not found")

	// ErrBatchNotFound is returned by backends for unknown batch ids.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrNotClaimable is returned by Claim when the request was already
	// taken by another worker or is no longer eligible.
	ErrNotClaimable = errors.New("request is not claimable")

	// ErrInvalidPriority is returned when priority is outside 1..10.
	ErrInvalidPriority = errors.New("priority must be between 1 and 10")

	// ErrInvalidMethod is returned for unsupported HTTP methods.
	ErrInvalidMethod = errors.New("unsupported request method")

	// ErrBackendNil is returned when constructing a manager without storage.
	ErrBackendNil = errors.New("storage backend cannot be nil")

	// ErrBackendNotInitialized is returned when a backend is used before Initialize.
	ErrBackendNotInitialized = errors.New("storage backend not initialized")
)
