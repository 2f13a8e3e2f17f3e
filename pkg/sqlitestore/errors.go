package sqlitestore

import "errors"

var (
	// ErrFailedToOpenDatabase is returned when the database file cannot be opened.
	ErrFailedToOpenDatabase = errors.New("sqlitestore: failed to open database")

	// ErrFailedToApplySchema is returned when schema creation fails.
	ErrFailedToApplySchema = errors.New("sqlitestore: failed to apply schema")
)
