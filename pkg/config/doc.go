// Package config loads application configuration from environment
// variables into tagged structs, with an optional .env file fallback.
//
// It wraps github.com/joho/godotenv and github.com/caarlos0/env/v11:
// the default .env file is loaded once per process (missing files are
// fine), then env.Parse fills the struct from field tags. Each config
// type is parsed at most once and cached, so subsystems can load their
// own config independently without re-reading the environment.
//
// Usage:
//
//	var cfg queue.Config
//	if err := config.Load(&cfg); err != nil {
//	    return err
//	}
//
// Reset clears the cache, which tests use between cases that mutate the
// environment.
package config
