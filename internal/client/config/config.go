package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nhy497/rs-system-sub000/internal/cache"
	"github.com/nhy497/rs-system-sub000/internal/client/backup"
	"github.com/nhy497/rs-system-sub000/internal/client/pipeline"
	"github.com/nhy497/rs-system-sub000/internal/client/replica"
	"github.com/nhy497/rs-system-sub000/internal/client/services"
	"github.com/nhy497/rs-system-sub000/internal/client/syncbus"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "RS_"

// Config holds runtime settings of the record-keeping client.
type Config struct {
	DataDir string `env:"DATA_DIR"`
	DBFile  string `env:"DB_FILE"`
	// QuotaBytes caps the total size of stored values; 0 means unlimited.
	QuotaBytes int64 `env:"QUOTA_BYTES"`

	QuotaThreshold int           `env:"QUOTA_THRESHOLD"`
	TrimKeep       int           `env:"TRIM_KEEP"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS"`
	Backoff        time.Duration `env:"BACKOFF"`

	CacheTTL time.Duration `env:"CACHE_TTL"`

	DebounceWindow time.Duration `env:"DEBOUNCE_WINDOW"`
	// BusDir defaults to the "bus" directory under DataDir.
	BusDir         string        `env:"BUS_DIR"`
	BusRetention   time.Duration `env:"BUS_RETENTION"`

	SessionTimeout   time.Duration `env:"SESSION_TIMEOUT"`
	MaxLoginAttempts int           `env:"MAX_LOGIN_ATTEMPTS"`
	LockoutDuration  time.Duration `env:"LOCKOUT_DURATION"`
	TokenSecret      string        `env:"TOKEN_SECRET"`
	RootUsername     string        `env:"ROOT_USERNAME"`
	RootPassword     string        `env:"ROOT_PASSWORD"`

	ReplicaDSN        string        `env:"REPLICA_DSN"`
	ReconnectInterval time.Duration `env:"RECONNECT_INTERVAL"`

	BackupRingSize int    `env:"BACKUP_RING_SIZE"`
	S3Bucket       string `env:"S3_BUCKET"`
	S3Region       string `env:"S3_REGION"`
	S3Endpoint     string `env:"S3_ENDPOINT"`
	S3AccessKey    string `env:"S3_ACCESS_KEY"`
	S3SecretKey    string `env:"S3_SECRET_KEY"`
	S3Prefix       string `env:"S3_PREFIX"`

	LogLevel int `env:"LOG_LEVEL"`
}

// LoadDefaults populates c with the defaults of every component.
func (c *Config) LoadDefaults() {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	c.DataDir = filepath.Join(dir, "rs-system")
	c.DBFile = "records.db"
	c.QuotaBytes = 5 * 1024 * 1024

	c.QuotaThreshold = pipeline.DefaultQuotaThreshold
	c.TrimKeep = pipeline.DefaultTrimKeep
	c.MaxAttempts = pipeline.DefaultMaxAttempts
	c.Backoff = pipeline.DefaultBackoff

	c.CacheTTL = cache.DefaultTTL

	c.DebounceWindow = syncbus.DefaultWindow
	c.BusDir = ""
	c.BusRetention = syncbus.DefaultRetention

	c.SessionTimeout = services.DefaultSessionTimeout
	c.MaxLoginAttempts = services.DefaultMaxAttempts
	c.LockoutDuration = services.DefaultLockoutDuration
	c.RootUsername = services.DefaultRootUsername

	c.ReconnectInterval = replica.DefaultReconnectInterval
	c.BackupRingSize = backup.DefaultSize
	c.S3Region = "us-east-1"
	c.S3Prefix = "backups"
}

// LoadConfig builds a Config from defaults, then the JSON file named by
// -c/-config, then RS_* environment variables, then command-line flags.
// Later sources take precedence over earlier ones.
func LoadConfig() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJSON(cfg, args); err != nil {
		return nil, err
	}
	if err := parseEnv(cfg); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DBPath is the SQLite file, resolved against DataDir when relative.
func (c *Config) DBPath() string {
	if c.DBFile == ":memory:" || filepath.IsAbs(c.DBFile) {
		return c.DBFile
	}
	return filepath.Join(c.DataDir, c.DBFile)
}

func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		QuotaThreshold: c.QuotaThreshold,
		TrimKeep:       c.TrimKeep,
		MaxAttempts:    c.MaxAttempts,
		Backoff:        c.Backoff,
	}
}

func (c *Config) Auth() services.AuthConfig {
	return services.AuthConfig{
		SessionTimeout:  c.SessionTimeout,
		MaxAttempts:     c.MaxLoginAttempts,
		LockoutDuration: c.LockoutDuration,
		TokenSecret:     []byte(c.TokenSecret),
		RootUsername:    c.RootUsername,
		RootPassword:    c.RootPassword,
	}
}

func (c *Config) Replica() replica.Config {
	return replica.Config{DSN: c.ReplicaDSN, ReconnectInterval: c.ReconnectInterval}
}

func (c *Config) S3() backup.S3Config {
	return backup.S3Config{
		Bucket:    c.S3Bucket,
		Region:    c.S3Region,
		Endpoint:  c.S3Endpoint,
		AccessKey: c.S3AccessKey,
		SecretKey: c.S3SecretKey,
		Prefix:    c.S3Prefix,
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return fmt.Errorf("config: data dir is empty")
	case c.DBFile == "":
		return fmt.Errorf("config: db file is empty")
	case c.QuotaBytes < 0:
		return fmt.Errorf("config: negative quota %d", c.QuotaBytes)
	case c.MaxAttempts < 1:
		return fmt.Errorf("config: max attempts must be at least 1, got %d", c.MaxAttempts)
	case c.CacheTTL <= 0:
		return fmt.Errorf("config: cache ttl must be positive, got %s", c.CacheTTL)
	case c.DebounceWindow <= 0:
		return fmt.Errorf("config: debounce window must be positive, got %s", c.DebounceWindow)
	}
	return nil
}
