package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SortField selects the ordering column for GetRequests.
type SortField string

const (
	SortByCreatedAt   SortField = "created_at"
	SortByScheduledAt SortField = "scheduled_at"
	SortByPriority    SortField = "priority"
	SortByRetryCount  SortField = "retry_count"
)

// Filter narrows GetRequests results. Zero values mean "no constraint".
type Filter struct {
	Statuses        []Status
	MinPriority     int
	MaxPriority     int
	Zone            string
	Endpoint        string
	CreatedAfter    time.Time
	CreatedBefore   time.Time
	ScheduledAfter  time.Time
	ScheduledBefore time.Time
	SortBy          SortField
	SortDesc        bool
	Limit           int
	Offset          int
}

// Matches reports whether the request satisfies every set constraint.
// Backends without a query engine (memory, redis) filter with it directly.
func (f Filter) Matches(r *Request) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.MinPriority > 0 && r.Priority < f.MinPriority {
		return false
	}
	if f.MaxPriority > 0 && r.Priority > f.MaxPriority {
		return false
	}
	if f.Zone != "" && r.Zone != f.Zone {
		return false
	}
	if f.Endpoint != "" && r.Endpoint != f.Endpoint {
		return false
	}
	if !f.CreatedAfter.IsZero() && r.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && r.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	if !f.ScheduledAfter.IsZero() && r.ScheduledAt.Before(f.ScheduledAfter) {
		return false
	}
	if !f.ScheduledBefore.IsZero() && r.ScheduledAt.After(f.ScheduledBefore) {
		return false
	}
	return true
}

// Update is a partial mutation of a stored request. Nil fields are left
// untouched; AppendExecution appends one record to the history.
type Update struct {
	Status          *Status
	Priority        *int
	RetryCount      *int
	ScheduledAt     *time.Time
	LastError       *string
	AppendExecution *Execution
}

// Apply writes the set fields onto the request.
func (u Update) Apply(r *Request) {
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.Priority != nil {
		r.Priority = *u.Priority
	}
	if u.RetryCount != nil {
		r.RetryCount = *u.RetryCount
	}
	if u.ScheduledAt != nil {
		r.ScheduledAt = *u.ScheduledAt
	}
	if u.LastError != nil {
		r.LastError = *u.LastError
	}
	if u.AppendExecution != nil {
		r.History = append(r.History, *u.AppendExecution)
	}
}

// BatchUpdate is a partial mutation of a stored batch.
type BatchUpdate struct {
	Status   *BatchStatus
	Priority *int
	Requests []*Request // replaces membership when non-nil
}

// StorageMetrics is an aggregate snapshot of backend state.
type StorageMetrics struct {
	ByStatus         map[Status]int
	ByPriority       map[int]int
	OldestPendingAge time.Duration
	AvgWait          time.Duration // enqueue -> first claim, completed requests
	AvgProcessing    time.Duration // claim -> terminal, completed requests
}

// MaintenanceResult summarizes one maintenance pass.
type MaintenanceResult struct {
	Expired []*Request // requests transitioned pending/retrying -> expired
	Purged  int        // terminal records removed past retention
}

// Backend is the durable storage contract shared by the in-memory,
// embedded sqlite, and networked redis implementations. All mutation is
// atomic per request id: two concurrent callers of Dequeue or Claim can
// never receive the same request.
type Backend interface {
	// Initialize prepares the underlying store (schema, indexes,
	// connections). It is idempotent.
	Initialize(ctx context.Context) error

	// Enqueue persists the request and inserts it into every derived
	// index. Returns ErrDuplicateID if the id already exists.
	Enqueue(ctx context.Context, r *Request) error

	// Dequeue atomically claims the highest-eligible pending request
	// (priority 10 down to 1, oldest first, scheduledAt <= now),
	// transitioning it to processing. zone restricts the scan when
	// non-empty. Returns (nil, nil) when nothing is eligible.
	Dequeue(ctx context.Context, zone string) (*Request, error)

	// Claim atomically claims a specific pending, eligible request.
	// Returns ErrNotClaimable if it was taken or became ineligible.
	Claim(ctx context.Context, id uuid.UUID) (*Request, error)

	// Peek returns what Dequeue would claim without mutating anything.
	Peek(ctx context.Context, zone string) (*Request, error)

	UpdateRequest(ctx context.Context, id uuid.UUID, u Update) error
	Remove(ctx context.Context, id uuid.UUID) error
	GetRequest(ctx context.Context, id uuid.UUID) (*Request, error)

	// GetByFingerprint returns the live (non-terminal) request carrying
	// the fingerprint, or (nil, nil) when none exists.
	GetByFingerprint(ctx context.Context, fingerprint string) (*Request, error)

	GetRequests(ctx context.Context, f Filter) ([]*Request, error)

	// Size counts pending plus processing requests, optionally per zone.
	Size(ctx context.Context, zone string) (int, error)

	// Clear removes matching requests and returns how many were removed.
	Clear(ctx context.Context, zone string) (int, error)

	StoreBatch(ctx context.Context, b *Batch) error

	// GetReadyBatches returns batches explicitly marked ready plus
	// collecting batches whose timeout has elapsed.
	GetReadyBatches(ctx context.Context) ([]*Batch, error)

	UpdateBatch(ctx context.Context, id uuid.UUID, u BatchUpdate) error

	Metrics(ctx context.Context) (*StorageMetrics, error)

	// Maintenance expires timed-out requests, purges terminal records
	// past the retention window, and performs backend housekeeping.
	Maintenance(ctx context.Context) (MaintenanceResult, error)

	Close() error
}
