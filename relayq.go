// Package relayq wires the offline request queue together: it selects a
// storage backend from configuration and returns a ready-to-start queue
// manager.
//
// The heavy lifting lives in the subpackages:
//
//   - pkg/queue       — the engine: manager, scheduler strategies,
//     circuit breakers, batching, and the in-memory backend
//   - pkg/sqlitestore — durable single-process storage on embedded SQLite
//   - pkg/redisstore  — shared multi-process storage on Redis
//   - pkg/config      — environment-based configuration loading
//
// Typical setup:
//
//	mgr, err := relayq.NewFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	mgr.RegisterProcessor(myProcessor)
//	if err := mgr.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Stop()
package relayq

import (
	"fmt"

	"github.com/asachs01/relayq/pkg/config"
	"github.com/asachs01/relayq/pkg/queue"
	"github.com/asachs01/relayq/pkg/redisstore"
	"github.com/asachs01/relayq/pkg/sqlitestore"
)

// BackendKind selects the storage backend.
type BackendKind string

const (
	BackendMemory BackendKind = "memory"
	BackendSQLite BackendKind = "sqlite"
	BackendRedis  BackendKind = "redis"
)

// Config is the top-level configuration: which backend to run on plus
// the engine and per-backend settings.
type Config struct {
	Backend BackendKind `env:"RELAYQ_BACKEND" envDefault:"memory"`

	Queue  queue.Config       `envPrefix:""`
	SQLite sqlitestore.Config `envPrefix:""`
	Redis  redisstore.Config  `envPrefix:""`
}

// DefaultConfig returns an in-memory setup with engine defaults.
func DefaultConfig() Config {
	return Config{
		Backend: BackendMemory,
		Queue:   queue.DefaultConfig(),
	}
}

// NewBackend constructs the storage backend named by the config. The
// backend is not initialized; the manager's Start does that.
func NewBackend(cfg Config) (queue.Backend, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return queue.NewMemoryBackend(queue.WithRetention(cfg.Queue.Retention)), nil
	case BackendSQLite:
		sc := cfg.SQLite
		if sc.Retention <= 0 {
			sc.Retention = cfg.Queue.Retention
		}
		return sqlitestore.New(sc), nil
	case BackendRedis:
		rc := cfg.Redis
		if rc.Retention <= 0 {
			rc.Retention = cfg.Queue.Retention
		}
		return redisstore.New(rc), nil
	default:
		return nil, fmt.Errorf("relayq: unknown backend kind %q", cfg.Backend)
	}
}

// New builds a queue manager on the backend the config names.
func New(cfg Config, opts ...queue.ManagerOption) (*queue.Manager, error) {
	backend, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	return queue.NewManager(cfg.Queue, backend, opts...)
}

// NewFromEnv loads Config from the environment (and an optional .env
// file) and builds the manager.
func NewFromEnv(opts ...queue.ManagerOption) (*queue.Manager, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}
