package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nhy497/rs-system-sub000/internal/flagx"
	"github.com/nhy497/rs-system-sub000/internal/timex"
)

// fileConfig is the JSON DTO. Pointer fields tell a missing key apart from
// a zero value.
type fileConfig struct {
	DataDir    *string `json:"data_dir"`
	DBFile     *string `json:"db_file"`
	QuotaBytes *int64  `json:"quota_bytes"`

	QuotaThreshold *int            `json:"quota_threshold"`
	TrimKeep       *int            `json:"trim_keep"`
	MaxAttempts    *int            `json:"max_attempts"`
	Backoff        *timex.Duration `json:"backoff"`

	CacheTTL *timex.Duration `json:"cache_ttl"`

	DebounceWindow *timex.Duration `json:"debounce_window"`
	BusDir         *string         `json:"bus_dir"`
	BusRetention   *timex.Duration `json:"bus_retention"`

	SessionTimeout   *timex.Duration `json:"session_timeout"`
	MaxLoginAttempts *int            `json:"max_login_attempts"`
	LockoutDuration  *timex.Duration `json:"lockout_duration"`
	TokenSecret      *string         `json:"token_secret"`
	RootUsername     *string         `json:"root_username"`
	RootPassword     *string         `json:"root_password"`

	ReplicaDSN        *string         `json:"replica_dsn"`
	ReconnectInterval *timex.Duration `json:"reconnect_interval"`

	BackupRingSize *int    `json:"backup_ring_size"`
	S3Bucket       *string `json:"s3_bucket"`
	S3Region       *string `json:"s3_region"`
	S3Endpoint     *string `json:"s3_endpoint"`
	S3AccessKey    *string `json:"s3_access_key"`
	S3SecretKey    *string `json:"s3_secret_key"`
	S3Prefix       *string `json:"s3_prefix"`

	LogLevel *int `json:"log_level"`
}

// parseJSON overlays cfg with the file named by -c/-config in args. No
// flag means no file.
func parseJSON(cfg *Config, args []string) error {
	path := flagx.ConfigPath(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	fc.apply(cfg)
	return nil
}

func (fc *fileConfig) apply(cfg *Config) {
	set(&cfg.DataDir, fc.DataDir)
	set(&cfg.DBFile, fc.DBFile)
	set(&cfg.QuotaBytes, fc.QuotaBytes)

	set(&cfg.QuotaThreshold, fc.QuotaThreshold)
	set(&cfg.TrimKeep, fc.TrimKeep)
	set(&cfg.MaxAttempts, fc.MaxAttempts)
	setDuration(&cfg.Backoff, fc.Backoff)

	setDuration(&cfg.CacheTTL, fc.CacheTTL)

	setDuration(&cfg.DebounceWindow, fc.DebounceWindow)
	set(&cfg.BusDir, fc.BusDir)
	setDuration(&cfg.BusRetention, fc.BusRetention)

	setDuration(&cfg.SessionTimeout, fc.SessionTimeout)
	set(&cfg.MaxLoginAttempts, fc.MaxLoginAttempts)
	setDuration(&cfg.LockoutDuration, fc.LockoutDuration)
	set(&cfg.TokenSecret, fc.TokenSecret)
	set(&cfg.RootUsername, fc.RootUsername)
	set(&cfg.RootPassword, fc.RootPassword)

	set(&cfg.ReplicaDSN, fc.ReplicaDSN)
	setDuration(&cfg.ReconnectInterval, fc.ReconnectInterval)

	set(&cfg.BackupRingSize, fc.BackupRingSize)
	set(&cfg.S3Bucket, fc.S3Bucket)
	set(&cfg.S3Region, fc.S3Region)
	set(&cfg.S3Endpoint, fc.S3Endpoint)
	set(&cfg.S3AccessKey, fc.S3AccessKey)
	set(&cfg.S3SecretKey, fc.S3SecretKey)
	set(&cfg.S3Prefix, fc.S3Prefix)

	set(&cfg.LogLevel, fc.LogLevel)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
