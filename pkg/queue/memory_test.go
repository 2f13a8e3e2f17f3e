package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asachs01/relayq/pkg/queue"
)

func newRequest(opts ...func(*queue.Request)) *queue.Request {
	r := &queue.Request{
		ID:        uuid.New(),
		Endpoint:  "/tickets",
		Method:    queue.MethodPost,
		Zone:      "zone-a",
		Priority:  5,
		CreatedAt: time.Now(),
		Status:    queue.StatusPending,
		Retryable: true,
		Timeout:   time.Minute,
		Payload:   []byte(`{"k":"v"}`),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newMemory(t *testing.T, opts ...queue.MemoryOption) *queue.MemoryBackend {
	t.Helper()
	m := queue.NewMemoryBackend(opts...)
	require.NoError(t, m.Initialize(context.Background()))
	return m
}

func TestMemoryBackend_RequiresInitialize(t *testing.T) {
	t.Parallel()

	m := queue.NewMemoryBackend()
	err := m.Enqueue(context.Background(), newRequest())
	assert.ErrorIs(t, err, queue.ErrBackendNotInitialized)
}

func TestMemoryBackend_EnqueueAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newMemory(t)
	r := newRequest()

	require.NoError(t, m.Enqueue(ctx, r))

	got, err := m.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, r.Payload, got.Payload)

	// Stored copies are isolated from caller mutation.
	r.Endpoint = "/mutated"
	got, err = m.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "/tickets", got.Endpoint)

	assert.ErrorIs(t, m.Enqueue(ctx, newRequest(func(x *queue.Request) { x.ID = r.ID })), queue.ErrDuplicateID)

	_, err = m.GetRequest(ctx, uuid.New())
	assert.ErrorIs(t, err, queue.ErrRequestNotFound)
}

func TestMemoryBackend_DequeueOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newMemory(t)

	base := time.Now().Add(-time.Minute)
	lowOld := newRequest(func(r *queue.Request) { r.Priority = 2; r.CreatedAt = base })
	highOld := newRequest(func(r *queue.Request) { r.Priority = 8; r.CreatedAt = base.Add(time.Second) })
	highNew := newRequest(func(r *queue.Request) { r.Priority = 8; r.CreatedAt = base.Add(2 * time.Second) })

	require.NoError(t, m.Enqueue(ctx, highNew))
	require.NoError(t, m.Enqueue(ctx, lowOld))
	require.NoError(t, m.Enqueue(ctx, highOld))

	for _, want := range []uuid.UUID{highOld.ID, highNew.ID, lowOld.ID} {
		got, err := m.Dequeue(ctx, "")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.ID)
		assert.Equal(t, queue.StatusProcessing, got.Status)
	}

	got, err := m.Dequeue(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryBackend_DequeueRespectsScheduledAt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newMemory(t)

	future := newRequest(func(r *queue.Request) { r.ScheduledAt = time.Now().Add(time.Hour) })
	require.NoError(t, m.Enqueue(ctx, future))

	got, err := m.Dequeue(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryBackend_DequeueZoneFilter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newMemory(t)

	a := newRequest(func(r *queue.Request) { r.Zone = "a"; r.Priority = 9 })
	b := newRequest(func(r *queue.Request) { r.Zone = "b"; r.Priority = 1 })
	require.NoError(t, m.Enqueue(ctx, a))
	require.NoError(t, m.Enqueue(ctx, b))

	got, err := m.Dequeue(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b.ID, got.ID)
}

func TestMemoryBackend_Claim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newMemory(t)
	r := newRequest()
	require.NoError(t, m.Enqueue(ctx, r))

	got, err := m.Claim(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusProcessing, got.Status)

	// Second claim loses.
	_, err = m.Claim(ctx, r.ID)
	assert.ErrorIs(t, err, queue.ErrNotClaimable)

	_, err = m.Claim(ctx, uuid.New())
	assert.ErrorIs(t, err, queue.ErrRequestNotFound)
}

func TestMemoryBackend_UpdateRequest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newMemory(t)
	r := newRequest(func(x *queue.Request) {
		x.Fingerprint = queue.FingerprintRequest(x.Zone, x.Method, x.Endpoint, x.Payload)
	})
	require.NoError(t, m.Enqueue(ctx, r))

	t.Run("appends execution history", func(t *testing.T) {
		status := queue.StatusRetrying
		count := 1
		at := time.Now().Add(time.Second)
		exec := queue.Execution{At: time.Now(), Outcome: "failure", Error: "boom"}
		require.NoError(t, m.UpdateRequest(ctx, r.ID, queue.Update{
			Status: &status, RetryCount: &count, ScheduledAt: &at, AppendExecution: &exec,
		}))

		got, err := m.GetRequest(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusRetrying, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		require.Len(t, got.History, 1)
		assert.Equal(t, "failure", got.History[0].Outcome)
	})

	t.Run("terminal status releases the fingerprint", func(t *testing.T) {
		live, err := m.GetByFingerprint(ctx, r.Fingerprint)
		require.NoError(t, err)
		require.NotNil(t, live)

		status := queue.StatusCompleted
		require.NoError(t, m.UpdateRequest(ctx, r.ID, queue.Update{Status: &status}))

		live, err = m.GetByFingerprint(ctx, r.Fingerprint)
		require.NoError(t, err)
		assert.Nil(t, live)
	})
}

func TestMemoryBackend_PriorityChangeReorders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newMemory(t)

	first := newRequest(func(r *queue.Request) { r.Priority = 3; r.CreatedAt = time.Now().Add(-2 * time.Second) })
	second := newRequest(func(r *queue.Request) { r.Priority = 3; r.CreatedAt = time.Now().Add(-time.Second) })
	require.NoError(t, m.Enqueue(ctx, first))
	require.NoError(t, m.Enqueue(ctx, second))

	// Bump the newer request above the older one.
	prio := 7
	require.NoError(t, m.UpdateRequest(ctx, second.ID, queue.Update{Priority: &prio}))

	got, err := m.Dequeue(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestMemoryBackend_GetRequests(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newMemory(t)

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		r := newRequest(func(x *queue.Request) {
			x.Priority = i + 1
			x.CreatedAt = base.Add(time.Duration(i) * time.Second)
			if i%2 == 0 {
				x.Zone = "even"
			}
		})
		require.NoError(t, m.Enqueue(ctx, r))
	}

	t.Run("filter by zone", func(t *testing.T) {
		got, err := m.GetRequests(ctx, queue.Filter{Zone: "even"})
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("sort by priority desc with limit", func(t *testing.T) {
		got, err := m.GetRequests(ctx, queue.Filter{
			SortBy: queue.SortByPriority, SortDesc: true, Limit: 2,
		})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 5, got[0].Priority)
		assert.Equal(t, 4, got[1].Priority)
	})

	t.Run("priority range", func(t *testing.T) {
		got, err := m.GetRequests(ctx, queue.Filter{MinPriority: 2, MaxPriority: 3})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestMemoryBackend_SizeAndClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newMemory(t)

	for ri := 0; ri < 3; ri++ {
		require.NoError(t, m.Enqueue(ctx, newRequest()))
	}
	other := newRequest(func(r *queue.Request) { r.Zone = "zone-b" })
	require.NoError(t, m.Enqueue(ctx, other))

	n, err := m.Size(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = m.Size(ctx, "zone-b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	removed, err := m.Clear(ctx, "zone-b")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = m.Clear(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	n, err = m.Size(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryBackend_Batches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newMemory(t)

	b := &queue.Batch{
		ID:        uuid.New(),
		Priority:  5,
		CreatedAt: time.Now().Add(-time.Second),
		Endpoint:  "/tickets",
		Zone:      "zone-a",
		MaxSize:   10,
		Timeout:   100 * time.Millisecond,
		Status:    queue.BatchStatusCollecting,
	}
	require.NoError(t, m.StoreBatch(ctx, b))

	t.Run("collecting batch past its window is promoted", func(t *testing.T) {
		ready, err := m.GetReadyBatches(ctx)
		require.NoError(t, err)
		require.Len(t, ready, 1)
		assert.Equal(t, queue.BatchStatusReady, ready[0].Status)
	})

	t.Run("terminal update drops the batch", func(t *testing.T) {
		status := queue.BatchStatusCompleted
		require.NoError(t, m.UpdateBatch(ctx, b.ID, queue.BatchUpdate{Status: &status}))

		ready, err := m.GetReadyBatches(ctx)
		require.NoError(t, err)
		assert.Empty(t, ready)

		assert.ErrorIs(t, m.UpdateBatch(ctx, b.ID, queue.BatchUpdate{Status: &status}), queue.ErrBatchNotFound)
	})
}

func TestMemoryBackend_Metrics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newMemory(t)

	r := newRequest()
	require.NoError(t, m.Enqueue(ctx, r))
	require.NoError(t, m.Enqueue(ctx, newRequest(func(x *queue.Request) { x.Priority = 9 })))

	claimed, err := m.Dequeue(ctx, "")
	require.NoError(t, err)
	status := queue.StatusCompleted
	require.NoError(t, m.UpdateRequest(ctx, claimed.ID, queue.Update{Status: &status}))

	sm, err := m.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sm.ByStatus[queue.StatusPending])
	assert.Equal(t, 1, sm.ByStatus[queue.StatusCompleted])
	assert.Equal(t, 2, len(sm.ByPriority))
	assert.GreaterOrEqual(t, sm.OldestPendingAge, time.Duration(0))
}

func TestMemoryBackend_Maintenance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newMemory(t, queue.WithRetention(20*time.Millisecond))

	expiring := newRequest(func(r *queue.Request) {
		r.Timeout = 10 * time.Millisecond
		r.CreatedAt = time.Now().Add(-time.Second)
	})
	healthy := newRequest()
	require.NoError(t, m.Enqueue(ctx, expiring))
	require.NoError(t, m.Enqueue(ctx, healthy))

	res, err := m.Maintenance(ctx)
	require.NoError(t, err)
	require.Len(t, res.Expired, 1)
	assert.Equal(t, expiring.ID, res.Expired[0].ID)

	got, err := m.GetRequest(ctx, expiring.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusExpired, got.Status)

	// After retention elapses the terminal record is purged.
	time.Sleep(30 * time.Millisecond)
	res, err = m.Maintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Purged)

	_, err = m.GetRequest(ctx, expiring.ID)
	assert.ErrorIs(t, err, queue.ErrRequestNotFound)
}
