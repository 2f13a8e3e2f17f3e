package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRetention is how long terminal requests stay queryable before
// the maintenance sweep purges them.
const DefaultRetention = time.Hour

// MemoryOption configures the in-memory backend.
type MemoryOption func(*MemoryBackend)

// WithRetention sets how long terminal records are kept.
func WithRetention(d time.Duration) MemoryOption {
	return func(m *MemoryBackend) {
		if d > 0 {
			m.retention = d
		}
	}
}

// withClock overrides the time source (tests only).
func withClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBackend) { m.now = now }
}

// MemoryBackend implements Backend with mutex-guarded maps and explicit
// secondary indexes. Every mutation goes through the backend's own
// methods, which keep the indexes consistent with primary storage.
type MemoryBackend struct {
	mu          sync.RWMutex
	initialized bool
	retention   time.Duration
	now         func() time.Time

	requests map[uuid.UUID]*Request
	batches  map[uuid.UUID]*Batch

	// Secondary indexes.
	byStatus      map[Status]map[uuid.UUID]struct{}
	byZone        map[string]map[uuid.UUID]struct{}
	byFingerprint map[string]uuid.UUID // live requests only
	// byPriority holds pending ids per level in creation order; the
	// dequeue scan walks levels 10 down to 1.
	byPriority map[int][]uuid.UUID

	// Timing bookkeeping for metrics.
	claimedAt   map[uuid.UUID]time.Time
	terminalAt  map[uuid.UUID]time.Time
	waitTotal   time.Duration
	waitCount   int64
	procTotal   time.Duration
	procCount   int64
}

// NewMemoryBackend creates an in-memory storage backend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		retention:     DefaultRetention,
		now:           time.Now,
		requests:      make(map[uuid.UUID]*Request),
		batches:       make(map[uuid.UUID]*Batch),
		byStatus:      make(map[Status]map[uuid.UUID]struct{}),
		byZone:        make(map[string]map[uuid.UUID]struct{}),
		byFingerprint: make(map[string]uuid.UUID),
		byPriority:    make(map[int][]uuid.UUID),
		claimedAt:     make(map[uuid.UUID]time.Time),
		terminalAt:    make(map[uuid.UUID]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize marks the backend ready. Idempotent; there is no schema to create.
func (m *MemoryBackend) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	return nil
}

// Close releases the backend. Stored data is discarded with the process.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	return nil
}

// Enqueue persists the request and inserts it into every index.
func (m *MemoryBackend) Enqueue(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return ErrBackendNotInitialized
	}
	if _, exists := m.requests[r.ID]; exists {
		return ErrDuplicateID
	}

	cp := r.Clone()
	m.requests[cp.ID] = cp
	m.indexAdd(cp)
	return nil
}

// Dequeue claims the highest-eligible pending request in one critical
// section: two concurrent dequeuers can never receive the same id.
func (m *MemoryBackend) Dequeue(ctx context.Context, zone string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, ErrBackendNotInitialized
	}

	r := m.selectEligible(zone)
	if r == nil {
		return nil, nil
	}
	m.claim(r)
	return r.Clone(), nil
}

// Claim claims a specific pending, eligible request by id.
func (m *MemoryBackend) Claim(ctx context.Context, id uuid.UUID) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, ErrBackendNotInitialized
	}
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if !r.Eligible(m.now()) {
		return nil, ErrNotClaimable
	}
	m.claim(r)
	return r.Clone(), nil
}

// Peek returns the request Dequeue would claim, without claiming it.
func (m *MemoryBackend) Peek(ctx context.Context, zone string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return nil, ErrBackendNotInitialized
	}
	return m.selectEligible(zone).Clone(), nil
}

// selectEligible walks priority levels 10 down to 1, oldest first.
// Callers hold the lock.
func (m *MemoryBackend) selectEligible(zone string) *Request {
	now := m.now()
	for prio := PriorityMax; prio >= PriorityMin; prio-- {
		for _, id := range m.byPriority[prio] {
			r := m.requests[id]
			if r == nil || !r.Eligible(now) {
				continue
			}
			if zone != "" && r.Zone != zone {
				continue
			}
			return r
		}
	}
	return nil
}

// claim flips a pending request to processing. Callers hold the lock.
func (m *MemoryBackend) claim(r *Request) {
	m.statusTransition(r, StatusProcessing)
	now := m.now()
	m.claimedAt[r.ID] = now
	m.waitTotal += now.Sub(r.CreatedAt)
	m.waitCount++
}

// UpdateRequest applies a partial update and keeps every index consistent.
func (m *MemoryBackend) UpdateRequest(ctx context.Context, id uuid.UUID, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return ErrBackendNotInitialized
	}
	r, ok := m.requests[id]
	if !ok {
		return ErrRequestNotFound
	}

	if u.Status != nil && *u.Status != r.Status {
		m.statusTransition(r, *u.Status)
	}
	prevPriority := r.Priority
	status := u.Status
	u.Status = nil // already applied through statusTransition
	u.Apply(r)
	u.Status = status

	if u.Priority != nil && *u.Priority != prevPriority {
		m.priorityReindex(r, prevPriority)
	}
	return nil
}

// statusTransition moves the request between status indexes and settles
// fingerprint/pending bookkeeping. Callers hold the lock.
func (m *MemoryBackend) statusTransition(r *Request, to Status) {
	from := r.Status
	if set := m.byStatus[from]; set != nil {
		delete(set, r.ID)
	}
	r.Status = to
	m.indexStatus(r)

	wasPending := from == StatusPending
	isPending := to == StatusPending
	if wasPending && !isPending {
		m.priorityRemove(r.ID, r.Priority)
	}
	if !wasPending && isPending {
		m.byPriority[r.Priority] = append(m.byPriority[r.Priority], r.ID)
	}

	if to.IsTerminal() {
		now := m.now()
		m.terminalAt[r.ID] = now
		if claimed, ok := m.claimedAt[r.ID]; ok {
			m.procTotal += now.Sub(claimed)
			m.procCount++
			delete(m.claimedAt, r.ID)
		}
		if r.Fingerprint != "" && m.byFingerprint[r.Fingerprint] == r.ID {
			delete(m.byFingerprint, r.Fingerprint)
		}
	}
}

func (m *MemoryBackend) indexAdd(r *Request) {
	m.indexStatus(r)
	zone := m.byZone[r.Zone]
	if zone == nil {
		zone = make(map[uuid.UUID]struct{})
		m.byZone[r.Zone] = zone
	}
	zone[r.ID] = struct{}{}
	if r.Status == StatusPending {
		m.byPriority[r.Priority] = append(m.byPriority[r.Priority], r.ID)
	}
	if r.Fingerprint != "" && !r.Status.IsTerminal() {
		m.byFingerprint[r.Fingerprint] = r.ID
	}
}

func (m *MemoryBackend) indexStatus(r *Request) {
	set := m.byStatus[r.Status]
	if set == nil {
		set = make(map[uuid.UUID]struct{})
		m.byStatus[r.Status] = set
	}
	set[r.ID] = struct{}{}
}

func (m *MemoryBackend) priorityRemove(id uuid.UUID, priority int) {
	bucket := m.byPriority[priority]
	for i, existing := range bucket {
		if existing == id {
			m.byPriority[priority] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// priorityReindex moves a pending request between priority buckets,
// preserving creation order within the destination bucket.
func (m *MemoryBackend) priorityReindex(r *Request, prev int) {
	if r.Status != StatusPending {
		return
	}
	m.priorityRemove(r.ID, prev)
	bucket := m.byPriority[r.Priority]
	pos := len(bucket)
	for i, id := range bucket {
		if other := m.requests[id]; other != nil && other.CreatedAt.After(r.CreatedAt) {
			pos = i
			break
		}
	}
	bucket = append(bucket, uuid.UUID{})
	copy(bucket[pos+1:], bucket[pos:])
	bucket[pos] = r.ID
	m.byPriority[r.Priority] = bucket
}

// Remove deletes the request and all its index entries.
func (m *MemoryBackend) Remove(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return ErrBackendNotInitialized
	}
	r, ok := m.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	m.removeLocked(r)
	return nil
}

func (m *MemoryBackend) removeLocked(r *Request) {
	if set := m.byStatus[r.Status]; set != nil {
		delete(set, r.ID)
	}
	if set := m.byZone[r.Zone]; set != nil {
		delete(set, r.ID)
	}
	if r.Status == StatusPending {
		m.priorityRemove(r.ID, r.Priority)
	}
	if r.Fingerprint != "" && m.byFingerprint[r.Fingerprint] == r.ID {
		delete(m.byFingerprint, r.Fingerprint)
	}
	delete(m.claimedAt, r.ID)
	delete(m.terminalAt, r.ID)
	delete(m.requests, r.ID)
}

// GetRequest returns a copy of the stored request.
func (m *MemoryBackend) GetRequest(ctx context.Context, id uuid.UUID) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return nil, ErrBackendNotInitialized
	}
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return r.Clone(), nil
}

// GetByFingerprint returns the live request with the fingerprint, or nil.
func (m *MemoryBackend) GetByFingerprint(ctx context.Context, fingerprint string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return nil, ErrBackendNotInitialized
	}
	id, ok := m.byFingerprint[fingerprint]
	if !ok {
		return nil, nil
	}
	return m.requests[id].Clone(), nil
}

// GetRequests returns copies of all requests matching the filter.
func (m *MemoryBackend) GetRequests(ctx context.Context, f Filter) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return nil, ErrBackendNotInitialized
	}

	matched := make([]*Request, 0)
	for _, r := range m.requests {
		if f.Matches(r) {
			matched = append(matched, r)
		}
	}
	sortRequests(matched, f.SortBy, f.SortDesc)

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]*Request, len(matched))
	for i, r := range matched {
		out[i] = r.Clone()
	}
	return out, nil
}

func sortRequests(rs []*Request, by SortField, desc bool) {
	less := func(a, b *Request) bool { return a.CreatedAt.Before(b.CreatedAt) }
	switch by {
	case SortByScheduledAt:
		less = func(a, b *Request) bool { return a.ScheduledAt.Before(b.ScheduledAt) }
	case SortByPriority:
		less = func(a, b *Request) bool { return a.Priority < b.Priority }
	case SortByRetryCount:
		less = func(a, b *Request) bool { return a.RetryCount < b.RetryCount }
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if desc {
			return less(rs[j], rs[i])
		}
		return less(rs[i], rs[j])
	})
}

// Size counts pending plus processing requests, per zone when given.
func (m *MemoryBackend) Size(ctx context.Context, zone string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return 0, ErrBackendNotInitialized
	}

	count := 0
	for _, status := range []Status{StatusPending, StatusProcessing} {
		for id := range m.byStatus[status] {
			if zone == "" || m.requests[id].Zone == zone {
				count++
			}
		}
	}
	return count, nil
}

// Clear removes matching requests and returns how many were removed.
func (m *MemoryBackend) Clear(ctx context.Context, zone string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return 0, ErrBackendNotInitialized
	}

	victims := make([]*Request, 0)
	for _, r := range m.requests {
		if zone == "" || r.Zone == zone {
			victims = append(victims, r)
		}
	}
	for _, r := range victims {
		m.removeLocked(r)
	}
	return len(victims), nil
}

// StoreBatch persists or replaces a batch record.
func (m *MemoryBackend) StoreBatch(ctx context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return ErrBackendNotInitialized
	}
	cp := *b
	cp.Requests = append([]*Request(nil), b.Requests...)
	m.batches[b.ID] = &cp
	return nil
}

// GetReadyBatches returns batches marked ready plus collecting batches
// whose window has elapsed (which it transitions to ready).
func (m *MemoryBackend) GetReadyBatches(ctx context.Context) ([]*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, ErrBackendNotInitialized
	}

	now := m.now()
	ready := make([]*Batch, 0)
	for _, b := range m.batches {
		if b.Status == BatchStatusCollecting && b.Timeout > 0 && now.Sub(b.CreatedAt) > b.Timeout {
			b.Status = BatchStatusReady
		}
		if b.Status == BatchStatusReady {
			cp := *b
			cp.Requests = append([]*Request(nil), b.Requests...)
			ready = append(ready, &cp)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready, nil
}

// UpdateBatch applies a partial update to a stored batch.
func (m *MemoryBackend) UpdateBatch(ctx context.Context, id uuid.UUID, u BatchUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return ErrBackendNotInitialized
	}
	b, ok := m.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	if u.Status != nil {
		b.Status = *u.Status
		if b.Status == BatchStatusCompleted || b.Status == BatchStatusFailed ||
			b.Status == BatchStatusPartial || b.Status == BatchStatusExpired {
			// Terminal batches are transient groupings; drop them.
			delete(m.batches, id)
			return nil
		}
	}
	if u.Priority != nil {
		b.Priority = *u.Priority
	}
	if u.Requests != nil {
		b.Requests = append([]*Request(nil), u.Requests...)
	}
	return nil
}

// Metrics aggregates counts and timing statistics.
func (m *MemoryBackend) Metrics(ctx context.Context) (*StorageMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return nil, ErrBackendNotInitialized
	}

	sm := &StorageMetrics{
		ByStatus:   make(map[Status]int),
		ByPriority: make(map[int]int),
	}
	now := m.now()
	var oldest time.Duration
	for _, r := range m.requests {
		sm.ByStatus[r.Status]++
		sm.ByPriority[r.Priority]++
		if r.Status == StatusPending {
			if age := now.Sub(r.CreatedAt); age > oldest {
				oldest = age
			}
		}
	}
	sm.OldestPendingAge = oldest
	if m.waitCount > 0 {
		sm.AvgWait = m.waitTotal / time.Duration(m.waitCount)
	}
	if m.procCount > 0 {
		sm.AvgProcessing = m.procTotal / time.Duration(m.procCount)
	}
	return sm, nil
}

// Maintenance expires timed-out queued requests and purges terminal
// records older than the retention window.
func (m *MemoryBackend) Maintenance(ctx context.Context) (MaintenanceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return MaintenanceResult{}, ErrBackendNotInitialized
	}

	now := m.now()
	var res MaintenanceResult

	for _, r := range m.requests {
		if (r.Status == StatusPending || r.Status == StatusRetrying) && r.Expired(now) {
			m.statusTransition(r, StatusExpired)
			res.Expired = append(res.Expired, r.Clone())
		}
	}

	cutoff := now.Add(-m.retention)
	for id, at := range m.terminalAt {
		if at.Before(cutoff) {
			if r, ok := m.requests[id]; ok {
				m.removeLocked(r)
				res.Purged++
			}
		}
	}

	// Expire abandoned collecting batches.
	for id, b := range m.batches {
		if b.Status == BatchStatusCollecting && b.Timeout > 0 &&
			now.Sub(b.CreatedAt) > 10*b.Timeout {
			delete(m.batches, id)
		}
	}
	return res, nil
}
