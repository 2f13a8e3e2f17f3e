package queue

import (
	"time"

	"github.com/google/uuid"
)

// DefaultZone is used when the caller does not name a destination zone.
const DefaultZone = "default"

// Priority bounds for queued requests. Higher values are dequeued first.
const (
	PriorityMin     = 1
	PriorityMax     = 10
	PriorityDefault = 5
)

// Method is the HTTP method of a deferred request.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

// Valid reports whether the method is one of the supported verbs.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	}
	return false
}

// Status represents the lifecycle state of a queued request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
	StatusDeferred   Status = "deferred"
)

// IsTerminal reports whether a request in this status will never run again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Execution records a single processing attempt of a request.
type Execution struct {
	At         time.Time     `json:"at"`
	Duration   time.Duration `json:"duration"`
	Outcome    string        `json:"outcome"` // "success" or "failure"
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Request is a unit of deferred outbound work.
//
// A Request is plain serializable data: completion callbacks live in the
// manager's correlation map, never on the record itself.
type Request struct {
	ID          uuid.UUID         `json:"id"`
	GroupID     string            `json:"group_id,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Endpoint    string            `json:"endpoint"`
	Method      Method            `json:"method"`
	Zone        string            `json:"zone"`
	Priority    int               `json:"priority"`
	CreatedAt   time.Time         `json:"created_at"`
	ScheduledAt time.Time         `json:"scheduled_at,omitempty"` // zero = eligible immediately
	Timeout     time.Duration     `json:"timeout"`
	MaxRetries  int               `json:"max_retries"`
	RetryCount  int               `json:"retry_count"`
	Retryable   bool              `json:"retryable"`
	Batchable   bool              `json:"batchable"`
	Payload     []byte            `json:"payload,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Status      Status            `json:"status"`
	LastError   string            `json:"last_error,omitempty"`
	History     []Execution       `json:"history,omitempty"`
}

// Eligible reports whether the request may be claimed at the given time.
func (r *Request) Eligible(now time.Time) bool {
	return r.Status == StatusPending && (r.ScheduledAt.IsZero() || !r.ScheduledAt.After(now))
}

// Expired reports whether the request outlived its queue timeout.
func (r *Request) Expired(now time.Time) bool {
	return r.Timeout > 0 && now.After(r.CreatedAt.Add(r.Timeout))
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Payload != nil {
		cp.Payload = append([]byte(nil), r.Payload...)
	}
	if r.Headers != nil {
		cp.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			cp.Headers[k] = v
		}
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	if r.History != nil {
		cp.History = append([]Execution(nil), r.History...)
	}
	return &cp
}

// BatchStatus represents the lifecycle state of a batch.
type BatchStatus string

const (
	BatchStatusCollecting BatchStatus = "collecting"
	BatchStatusReady      BatchStatus = "ready"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusPartial    BatchStatus = "partial"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusExpired    BatchStatus = "expired"
)

// Batch is a transient grouping of batchable requests that share a
// destination zone, endpoint, and priority band. It is mutable only
// while collecting.
type Batch struct {
	ID        uuid.UUID     `json:"id"`
	Priority  int           `json:"priority"` // max priority of members
	CreatedAt time.Time     `json:"created_at"`
	Endpoint  string        `json:"endpoint"`
	Zone      string        `json:"zone"`
	Requests  []*Request    `json:"requests"`
	MaxSize   int           `json:"max_size"`
	Timeout   time.Duration `json:"timeout"`
	Status    BatchStatus   `json:"status"`
}

// RequestIDs returns the ids of the member requests, in insertion order.
func (b *Batch) RequestIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(b.Requests))
	for i, r := range b.Requests {
		ids[i] = r.ID
	}
	return ids
}

// Result is what a processor produced for a single request.
type Result struct {
	StatusCode int    `json:"status_code,omitempty"`
	Body       []byte `json:"body,omitempty"`
}

// Health reports processor liveness to the queue manager.
type Health struct {
	Status  string `json:"status"` // "healthy", "degraded", "unhealthy"
	Message string `json:"message,omitempty"`
}
