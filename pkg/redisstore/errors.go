package redisstore

import "errors"

var (
	// ErrFailedToParseRedisConnString is returned when the connection URL is invalid.
	ErrFailedToParseRedisConnString = errors.New("redisstore: failed to parse redis connection string")

	// ErrRedisNotReady is returned when the server cannot be reached within the retry budget.
	ErrRedisNotReady = errors.New("redisstore: redis server is not ready")
)
