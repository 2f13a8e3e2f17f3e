package queue

import (
	"log/slog"
	"time"
)

// ManagerOption is a functional option for configuring a Manager.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	logger  *slog.Logger
	backoff BackoffPolicy
	events  *EventBus
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(o *managerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBackoffPolicy overrides the retry backoff built from configuration.
func WithBackoffPolicy(p BackoffPolicy) ManagerOption {
	return func(o *managerOptions) {
		if p != nil {
			o.backoff = p
		}
	}
}

// WithEventBus supplies a caller-owned event bus, e.g. one with a
// larger subscriber buffer.
func WithEventBus(bus *EventBus) ManagerOption {
	return func(o *managerOptions) {
		if bus != nil {
			o.events = bus
		}
	}
}

// EnqueueOption configures a single enqueued request.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	data        []byte
	headers     map[string]string
	metadata    map[string]any
	groupID     string
	priority    int
	timeout     time.Duration
	maxRetries  int
	hasRetries  bool
	retryable   bool
	batchable   bool
	scheduledAt time.Time
}

// WithData sets the request payload.
func WithData(data []byte) EnqueueOption {
	return func(o *enqueueOptions) { o.data = data }
}

// WithHeaders sets request headers.
func WithHeaders(headers map[string]string) EnqueueOption {
	return func(o *enqueueOptions) { o.headers = headers }
}

// WithMetadata attaches free-form metadata to the request.
func WithMetadata(metadata map[string]any) EnqueueOption {
	return func(o *enqueueOptions) { o.metadata = metadata }
}

// WithGroupID tags the request with a caller-side correlation id.
func WithGroupID(groupID string) EnqueueOption {
	return func(o *enqueueOptions) { o.groupID = groupID }
}

// WithPriority sets the request priority (1-10, 10 highest).
func WithPriority(priority int) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = priority }
}

// WithTimeout overrides the default queue timeout.
func WithTimeout(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMaxRetries overrides the default retry budget.
func WithMaxRetries(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n >= 0 {
			o.maxRetries = n
			o.hasRetries = true
		}
	}
}

// WithRetryable marks whether failed executions may be retried.
func WithRetryable(retryable bool) EnqueueOption {
	return func(o *enqueueOptions) { o.retryable = retryable }
}

// WithBatchable marks the request eligible for batching.
func WithBatchable(batchable bool) EnqueueOption {
	return func(o *enqueueOptions) { o.batchable = batchable }
}

// WithScheduledAt defers eligibility until the given time.
func WithScheduledAt(at time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.scheduledAt = at }
}
