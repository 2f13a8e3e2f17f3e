package sqlitestore

import "time"

type Config struct {
	// Path is the database file location. ":memory:" opens an in-process
	// database that disappears on close, useful for tests.
	Path string `env:"SQLITE_PATH" envDefault:"queue.db"`
	// BusyTimeout is how long a write waits on a locked database before
	// failing.
	BusyTimeout time.Duration `env:"SQLITE_BUSY_TIMEOUT" envDefault:"5s"`
	// Retention is how long terminal request records are kept before the
	// maintenance pass purges them.
	Retention time.Duration `env:"SQLITE_RETENTION" envDefault:"1h"`
}
