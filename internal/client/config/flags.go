package config

import (
	"flag"
	"fmt"
	"io"

	"github.com/nhy497/rs-system-sub000/internal/flagx"
)

var knownFlags = []string{"-d", "-db", "-ttl", "-w", "-dsn", "-bucket", "-log"}

// parseFlags overlays cfg with the flags this package owns. Other flags in
// args are filtered out with flagx.FilterArgs first.
func parseFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.DataDir, "d", cfg.DataDir, "data directory")
	fs.StringVar(&cfg.DBFile, "db", cfg.DBFile, "SQLite file, relative to the data directory")
	fs.DurationVar(&cfg.CacheTTL, "ttl", cfg.CacheTTL, "cache freshness window")
	fs.DurationVar(&cfg.DebounceWindow, "w", cfg.DebounceWindow, "sync debounce window")
	fs.StringVar(&cfg.ReplicaDSN, "dsn", cfg.ReplicaDSN, "replicated store DSN")
	fs.StringVar(&cfg.S3Bucket, "bucket", cfg.S3Bucket, "S3 bucket for backup snapshots")
	fs.IntVar(&cfg.LogLevel, "log", cfg.LogLevel, "log level")

	if err := fs.Parse(flagx.FilterArgs(args, knownFlags)); err != nil {
		return fmt.Errorf("config: flags: %w", err)
	}
	return nil
}
