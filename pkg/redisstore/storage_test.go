package redisstore_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asachs01/relayq/pkg/queue"
	"github.com/asachs01/relayq/pkg/redisstore"
)

// Tests run against a real Redis instance named by REDIS_TEST_URL
// (e.g. redis://localhost:6379/15) and are skipped otherwise. Each
// test isolates itself with a unique key prefix.
func newStore(t *testing.T) *redisstore.Storage {
	t.Helper()

	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)

	prefix := fmt.Sprintf("relayq-test-%s", uuid.NewString())
	s := redisstore.NewWithClient(client, redisstore.Config{
		KeyPrefix: prefix,
		Retention: time.Hour,
	})
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() {
		_, _ = s.Clear(context.Background(), "")
		_ = s.Close()
	})
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
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
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
	assert.Equal(t, queue.StatusPending, got.Status)

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
	zoneB := newRequest(func(r *queue.Request) { r.Zone = "zone-b" })
	require.NoError(t, s.Enqueue(ctx, future))
	require.NoError(t, s.Enqueue(ctx, zoneB))

	got, err := s.Dequeue(ctx, "zone-a")
	require.NoError(t, err)
	assert.Nil(t, got)

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
}

func TestStorage_UpdateAndFingerprint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	r := newRequest(func(x *queue.Request) {
		x.Fingerprint = queue.FingerprintRequest(x.Zone, x.Method, x.Endpoint, x.Payload)
	})
	require.NoError(t, s.Enqueue(ctx, r))

	live, err := s.GetByFingerprint(ctx, r.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, r.ID, live.ID)

	status := queue.StatusRetrying
	count := 1
	lastErr := "boom"
	require.NoError(t, s.UpdateRequest(ctx, r.ID, queue.Update{
		Status: &status, RetryCount: &count, LastError: &lastErr,
	}))

	got, err := s.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	done := queue.StatusCompleted
	require.NoError(t, s.UpdateRequest(ctx, r.ID, queue.Update{Status: &done}))

	live, err = s.GetByFingerprint(ctx, r.Fingerprint)
	require.NoError(t, err)
	assert.Nil(t, live)
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

	removed, err := s.Clear(ctx, "zone-b")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestStorage_Batches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)

	b := &queue.Batch{
		ID:        uuid.New(),
		Priority:  5,
		CreatedAt: time.Now().Add(-time.Second),
		Endpoint:  "/tickets",
		Zone:      "zone-a",
		Requests:  []*queue.Request{newRequest()},
		MaxSize:   10,
		Timeout:   100 * time.Millisecond,
		Status:    queue.BatchStatusCollecting,
	}
	require.NoError(t, s.StoreBatch(ctx, b))

	ready, err := s.GetReadyBatches(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, queue.BatchStatusReady, ready[0].Status)

	status := queue.BatchStatusCompleted
	require.NoError(t, s.UpdateBatch(ctx, b.ID, queue.BatchUpdate{Status: &status}))

	ready, err = s.GetReadyBatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestStorage_Maintenance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)

	expiring := newRequest(func(r *queue.Request) {
		r.Timeout = 10 * time.Millisecond
		r.CreatedAt = time.Now().Add(-time.Second)
	})
	require.NoError(t, s.Enqueue(ctx, expiring))

	res, err := s.Maintenance(ctx)
	require.NoError(t, err)
	require.Len(t, res.Expired, 1)
	assert.Equal(t, expiring.ID, res.Expired[0].ID)

	got, err := s.GetRequest(ctx, expiring.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusExpired, got.Status)
}
