package relayq_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asachs01/relayq"
	"github.com/asachs01/relayq/pkg/queue"
	"github.com/asachs01/relayq/pkg/redisstore"
	"github.com/asachs01/relayq/pkg/sqlitestore"
)

func TestNewBackend(t *testing.T) {
	t.Parallel()

	t.Run("memory is the default", func(t *testing.T) {
		t.Parallel()

		b, err := relayq.NewBackend(relayq.DefaultConfig())
		require.NoError(t, err)
		assert.IsType(t, &queue.MemoryBackend{}, b)

		b, err = relayq.NewBackend(relayq.Config{Queue: queue.DefaultConfig()})
		require.NoError(t, err)
		assert.IsType(t, &queue.MemoryBackend{}, b)
	})

	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()

		cfg := relayq.DefaultConfig()
		cfg.Backend = relayq.BackendSQLite
		cfg.SQLite.Path = filepath.Join(t.TempDir(), "q.db")

		b, err := relayq.NewBackend(cfg)
		require.NoError(t, err)
		assert.IsType(t, &sqlitestore.Storage{}, b)
	})

	t.Run("redis", func(t *testing.T) {
		t.Parallel()

		cfg := relayq.DefaultConfig()
		cfg.Backend = relayq.BackendRedis

		b, err := relayq.NewBackend(cfg)
		require.NoError(t, err)
		assert.IsType(t, &redisstore.Storage{}, b)
	})

	t.Run("unknown kind", func(t *testing.T) {
		t.Parallel()

		cfg := relayq.DefaultConfig()
		cfg.Backend = "etcd"

		_, err := relayq.NewBackend(cfg)
		assert.Error(t, err)
	})
}

func TestNew_EndToEnd(t *testing.T) {
	t.Parallel()

	cfg := relayq.DefaultConfig()
	cfg.Queue.PollInterval = 10 * time.Millisecond

	mgr, err := relayq.New(cfg)
	require.NoError(t, err)

	mgr.RegisterProcessor(queue.ProcessorFunc(func(ctx context.Context, r *queue.Request) (*queue.Result, error) {
		return &queue.Result{StatusCode: 200}, nil
	}))

	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop()

	out, err := mgr.Enqueue(context.Background(), "/tickets", queue.MethodPost, "zone-a",
		queue.WithData([]byte(`{"subject":"hello"}`)))
	require.NoError(t, err)

	res, err := out.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
}

func TestNew_SQLiteRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := relayq.DefaultConfig()
	cfg.Backend = relayq.BackendSQLite
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "q.db")
	cfg.Queue.PollInterval = 10 * time.Millisecond

	mgr, err := relayq.New(cfg)
	require.NoError(t, err)

	mgr.RegisterProcessor(queue.ProcessorFunc(func(ctx context.Context, r *queue.Request) (*queue.Result, error) {
		return &queue.Result{StatusCode: 201}, nil
	}))

	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop()

	out, err := mgr.Enqueue(context.Background(), "/companies", queue.MethodPut, "zone-a",
		queue.WithData([]byte(`{"name":"acme"}`)))
	require.NoError(t, err)

	res, err := out.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 201, res.StatusCode)
}
