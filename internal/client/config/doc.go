// Package config loads runtime configuration for the record-keeping client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected with -c or -config.
//  3. Environment variables with the RS_ prefix, e.g. RS_DATA_DIR.
//  4. Command-line flags, which override everything else.
//
// Supported flags
//
//	-d string      data directory
//	-db string     SQLite file, relative to the data directory
//	-ttl duration  cache freshness window
//	-w duration    sync debounce window
//	-dsn string    replicated store DSN (empty keeps data local)
//	-bucket string S3 bucket for backup snapshots
//	-log int       log level (slog numbering, -4 debug .. 8 error)
//
// # JSON schema
//
// Durations use timex.Duration, so they may be strings like "300ms" or
// integer nanoseconds. Keys left out keep their previous value:
//
//	{
//	  "data_dir": "/var/lib/rs",
//	  "cache_ttl": "5m",
//	  "debounce_window": "300ms",
//	  "replica_dsn": "postgres://rs@localhost/rs"
//	}
package config
