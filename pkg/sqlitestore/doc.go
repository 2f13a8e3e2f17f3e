// Package sqlitestore implements the queue storage contract on an
// embedded SQLite database, giving single-process deployments durable
// requests without any external service.
//
// The database runs in WAL mode. Claims are made with guarded updates
// (UPDATE ... WHERE id = ? AND status = 'pending'), so two concurrent
// workers can never claim the same request even across processes
// sharing the file.
//
// Usage:
//
//	store := sqlitestore.New(sqlitestore.Config{Path: "relay.db"})
//	mgr, err := queue.NewManager(cfg, store)
package sqlitestore
