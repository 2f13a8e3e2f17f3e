package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asachs01/relayq/pkg/queue"
	"github.com/asachs01/relayq/pkg/sqlitestore"
)

func newStore(t *testing.T, opts ...func(*sqlitestore.Config)) *sqlitestore.Storage {
	t.Helper()

	cfg := sqlitestore.Config{
		Path:      filepath.Join(t.TempDir(), "queue.db"),
		Retention: time.Hour,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := sqlitestore.New(cfg)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRequest(opts ...func(*queue.Request)) *queue.Request {
	r := &queue.Request{
		ID:         uuid.New(),
		Endpoint:   "/tickets",
		Method:     queue.MethodPost,
		Zone:       "zone-a",
		Priority:   5,
		CreatedAt:  time.Now(),
		Timeout:    time.Minute,
		MaxRetries: 3,
		Retryable:  true,
		Status:     queue.StatusPending,
		Payload:    []byte(`{"k":"v"}`),
		Headers:    map[string]string{"X-Trace": "abc"},
		Metadata:   map[string]any{"source": "test"},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func TestStorage_RequiresInitialize(t *testing.T) {
	t.Parallel()

	s := sqlitestore.New(sqlitestore.Config{Path: filepath.Join(t.TempDir(), "q.db")})
	err := s.Enqueue(context.Background(), newRequest())
	assert.ErrorIs(t, err, queue.ErrBackendNotInitialized)
}

func TestStorage_EnqueueAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	r := newRequest()

	require.NoError(t, s.Enqueue(ctx, r))

	got, err := s.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, r.Payload, got.Payload)
	assert.Equal(t, "abc", got.Headers["X-Trace"])
	assert.Equal(t, "test", got.Metadata["source"])
	assert.WithinDuration(t, r.CreatedAt, got.CreatedAt, time.Millisecond)
	assert.Equal(t, time.Minute, got.Timeout)
	assert.True(t, got.Retryable)

	assert.ErrorIs(t, s.Enqueue(ctx, r), queue.ErrDuplicateID)

	_, err = s.GetRequest(ctx, uuid.New())
	assert.ErrorIs(t, err, queue.ErrRequestNotFound)
}

func TestStorage_DequeueOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)

	base := time.Now().Add(-time.Minute)
	lowOld := newRequest(func(r *queue.Request) { r.Priority = 2; r.CreatedAt = base })
	highOld := newRequest(func(r *queue.Request) { r.Priority = 8; r.CreatedAt = base.Add(time.Second) })
	highNew := newRequest(func(r *queue.Request) { r.Priority = 8; r.CreatedAt = base.Add(2 * time.Second) })

	for _, r := range []*queue.Request{highNew, lowOld, highOld} {
		require.NoError(t, s.Enqueue(ctx, r))
	}

	for _, want := range []uuid.UUID{highOld.ID, highNew.ID, lowOld.ID} {
		got, err := s.Dequeue(ctx, "")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.ID)
		assert.Equal(t, queue.StatusProcessing, got.Status)
	}

	got, err := s.Dequeue(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStorage_DequeueRespectsScheduleAndZone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)

	future := newRequest(func(r *queue.Request) { r.ScheduledAt = time.Now().Add(time.Hour) })
	zoneB := newRequest(func(r *queue.Request) { r.Zone = "zone-b"; r.Priority = 1 })
	require.NoError(t, s.Enqueue(ctx, future))
	require.NoError(t, s.Enqueue(ctx, zoneB))

	got, err := s.Dequeue(ctx, "zone-a")
	require.NoError(t, err)
	assert.Nil(t, got) // the only zone-a request is scheduled for later

	got, err = s.Dequeue(ctx, "zone-b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, zoneB.ID, got.ID)
}

func TestStorage_Claim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	r := newRequest()
	require.NoError(t, s.Enqueue(ctx, r))

	got, err := s.Claim(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusProcessing, got.Status)

	_, err = s.Claim(ctx, r.ID)
	assert.ErrorIs(t, err, queue.ErrNotClaimable)

	_, err = s.Claim(ctx, uuid.New())
	assert.ErrorIs(t, err, queue.ErrRequestNotFound)
}

func TestStorage_UpdateRequest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	r := newRequest(func(x *queue.Request) {
		x.Fingerprint = queue.FingerprintRequest(x.Zone, x.Method, x.Endpoint, x.Payload)
	})
	require.NoError(t, s.Enqueue(ctx, r))

	status := queue.StatusRetrying
	count := 1
	lastErr := "boom"
	exec := queue.Execution{At: time.Now(), Duration: 50 * time.Millisecond, Outcome: "failure", Error: "boom"}
	require.NoError(t, s.UpdateRequest(ctx, r.ID, queue.Update{
		Status: &status, RetryCount: &count, LastError: &lastErr, AppendExecution: &exec,
	}))

	got, err := s.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "boom", got.LastError)
	require.Len(t, got.History, 1)
	assert.Equal(t, "failure", got.History[0].Outcome)

	t.Run("fingerprint visible while live, gone when terminal", func(t *testing.T) {
		live, err := s.GetByFingerprint(ctx, r.Fingerprint)
		require.NoError(t, err)
		require.NotNil(t, live)
		assert.Equal(t, r.ID, live.ID)

		done := queue.StatusCompleted
		require.NoError(t, s.UpdateRequest(ctx, r.ID, queue.Update{Status: &done}))

		live, err = s.GetByFingerprint(ctx, r.Fingerprint)
		require.NoError(t, err)
		assert.Nil(t, live)
	})
}

func TestStorage_GetRequests(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		r := newRequest(func(x *queue.Request) {
			x.Priority = i + 1
			x.CreatedAt = base.Add(time.Duration(i) * time.Second)
			if i%2 == 0 {
				x.Zone = "even"
			}
		})
		require.NoError(t, s.Enqueue(ctx, r))
	}

	got, err := s.GetRequests(ctx, queue.Filter{Zone: "even"})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = s.GetRequests(ctx, queue.Filter{
		SortBy: queue.SortByPriority, SortDesc: true, Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 5, got[0].Priority)
	assert.Equal(t, 4, got[1].Priority)

	got, err = s.GetRequests(ctx, queue.Filter{
		Statuses: []queue.Status{queue.StatusPending}, MinPriority: 4,
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	scheduled := newRequest(func(x *queue.Request) {
		x.Endpoint = "/companies"
		x.ScheduledAt = base.Add(time.Hour)
	})
	require.NoError(t, s.Enqueue(ctx, scheduled))

	got, err = s.GetRequests(ctx, queue.Filter{Endpoint: "/companies"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, scheduled.ID, got[0].ID)

	got, err = s.GetRequests(ctx, queue.Filter{ScheduledAfter: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, scheduled.ID, got[0].ID)
}

func TestStorage_SizeAndClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)

	for ri := 0; ri < 3; ri++ {
		require.NoError(t, s.Enqueue(ctx, newRequest()))
	}
	require.NoError(t, s.Enqueue(ctx, newRequest(func(r *queue.Request) { r.Zone = "zone-b" })))

	n, err := s.Size(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = s.Size(ctx, "zone-b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	removed, err := s.Clear(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 4, removed)
}

func TestStorage_Batches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)

	member := newRequest()
	b := &queue.Batch{
		ID:        uuid.New(),
		Priority:  5,
		CreatedAt: time.Now().Add(-time.Second),
		Endpoint:  "/tickets",
		Zone:      "zone-a",
		Requests:  []*queue.Request{member},
		MaxSize:   10,
		Timeout:   100 * time.Millisecond,
		Status:    queue.BatchStatusCollecting,
	}
	require.NoError(t, s.StoreBatch(ctx, b))

	ready, err := s.GetReadyBatches(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, queue.BatchStatusReady, ready[0].Status)
	require.Len(t, ready[0].Requests, 1)
	assert.Equal(t, member.ID, ready[0].Requests[0].ID)

	status := queue.BatchStatusCompleted
	require.NoError(t, s.UpdateBatch(ctx, b.ID, queue.BatchUpdate{Status: &status}))

	ready, err = s.GetReadyBatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, ready)

	assert.ErrorIs(t, s.UpdateBatch(ctx, b.ID, queue.BatchUpdate{Status: &status}), queue.ErrBatchNotFound)
}

func TestStorage_Metrics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Enqueue(ctx, newRequest()))
	require.NoError(t, s.Enqueue(ctx, newRequest(func(r *queue.Request) { r.Priority = 9 })))

	claimed, err := s.Dequeue(ctx, "")
	require.NoError(t, err)
	done := queue.StatusCompleted
	require.NoError(t, s.UpdateRequest(ctx, claimed.ID, queue.Update{Status: &done}))

	sm, err := s.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sm.ByStatus[queue.StatusPending])
	assert.Equal(t, 1, sm.ByStatus[queue.StatusCompleted])
	assert.Len(t, sm.ByPriority, 2)
}

func TestStorage_Maintenance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t, func(cfg *sqlitestore.Config) { cfg.Retention = 20 * time.Millisecond })

	expiring := newRequest(func(r *queue.Request) {
		r.Timeout = 10 * time.Millisecond
		r.CreatedAt = time.Now().Add(-time.Second)
	})
	healthy := newRequest()
	require.NoError(t, s.Enqueue(ctx, expiring))
	require.NoError(t, s.Enqueue(ctx, healthy))

	res, err := s.Maintenance(ctx)
	require.NoError(t, err)
	require.Len(t, res.Expired, 1)
	assert.Equal(t, expiring.ID, res.Expired[0].ID)

	got, err := s.GetRequest(ctx, expiring.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusExpired, got.Status)

	time.Sleep(30 * time.Millisecond)
	res, err = s.Maintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Purged)

	_, err = s.GetRequest(ctx, expiring.ID)
	assert.ErrorIs(t, err, queue.ErrRequestNotFound)
}

func TestStorage_SurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "durable.db")

	s := sqlitestore.New(sqlitestore.Config{Path: path})
	require.NoError(t, s.Initialize(ctx))
	r := newRequest()
	require.NoError(t, s.Enqueue(ctx, r))
	require.NoError(t, s.Close())

	reopened := sqlitestore.New(sqlitestore.Config{Path: path})
	require.NoError(t, reopened.Initialize(ctx))
	defer reopened.Close()

	got, err := reopened.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, queue.StatusPending, got.Status)
}
