// Package pipeline writes record collections to the local store:
// validate, stamp, encode, trim to fit, persist with bounded retries, then
// refresh the cache and tell sibling processes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nhy497/rs-system-sub000/internal/cache"
	"github.com/nhy497/rs-system-sub000/internal/client/backup"
	"github.com/nhy497/rs-system-sub000/internal/client/models"
	"github.com/nhy497/rs-system-sub000/internal/client/repositories/kv"
	"github.com/nhy497/rs-system-sub000/internal/client/syncbus"
	"github.com/nhy497/rs-system-sub000/internal/codec"
	"github.com/nhy497/rs-system-sub000/internal/logging"
)

var (
	ErrValidation = errors.New("pipeline: invalid input")
	ErrEncoding   = errors.New("pipeline: records cannot be encoded")
	ErrCapacity   = errors.New("pipeline: storage capacity exhausted")
	ErrPersist    = errors.New("pipeline: persist failed")
)

// BackupTimestampKey records when the last backup snapshot was taken.
const BackupTimestampKey = "backup-timestamp"

const (
	DefaultQuotaThreshold = 4_500_000
	DefaultTrimKeep       = 500
	DefaultMaxAttempts    = 3
	DefaultBackoff        = 100 * time.Millisecond
)

// AuthProvider exposes the principal records are stamped with.
type AuthProvider interface {
	Current() models.AuthContext
}

// Publisher announces a completed write to sibling processes.
type Publisher interface {
	Publish(ctx context.Context, ev syncbus.Event) error
}

type Config struct {
	// QuotaThreshold is the encoded size above which a collection is
	// trimmed before it is written.
	QuotaThreshold int
	TrimKeep       int
	MaxAttempts    int
	Backoff        time.Duration
}

func (c Config) withDefaults() Config {
	if c.QuotaThreshold <= 0 {
		c.QuotaThreshold = DefaultQuotaThreshold
	}
	if c.TrimKeep <= 0 {
		c.TrimKeep = DefaultTrimKeep
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	return c
}

type Pipeline struct {
	cfg       Config
	store     kv.Store
	cache     *cache.Cache[[]models.Record]
	backups   *backup.Ring
	auth      AuthProvider
	publisher Publisher
	logger    logging.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Option func(*Pipeline)

// WithPublisher sets where successful writes are announced.
func WithPublisher(p Publisher) Option {
	return func(pl *Pipeline) { pl.publisher = p }
}

func WithAuth(a AuthProvider) Option {
	return func(pl *Pipeline) { pl.auth = a }
}

// WithClock replaces time.Now and the backoff sleep.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(pl *Pipeline) {
		if now != nil {
			pl.now = now
		}
		if sleep != nil {
			pl.sleep = sleep
		}
	}
}

func New(cfg Config, store kv.Store, c *cache.Cache[[]models.Record], backups *backup.Ring, logger logging.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:     cfg.withDefaults(),
		store:   store,
		cache:   c,
		backups: backups,
		logger:  logger.With("component", "pipeline"),
		now:     time.Now,
		sleep:   sleepCtx,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Pipeline) lockFor(collection string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[collection]
	if !ok {
		l = &sync.Mutex{}
		p.locks[collection] = l
	}
	return l
}

// Save replaces the stored collection with records. On success the store,
// the cache and (best effort) sibling processes all see the new set; on
// failure the store holds whatever it held before.
func (p *Pipeline) Save(ctx context.Context, collection string, records []models.Record) error {
	if err := validate(collection, records); err != nil {
		return err
	}

	l := p.lockFor(collection)
	l.Lock()
	defer l.Unlock()

	recs := p.stamp(records)
	trimmed := false

	for {
		token, err := codec.Encode(recs)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrEncoding, err)
		}

		if len(token) > p.cfg.QuotaThreshold && !trimmed {
			recs = p.trim(ctx, collection, recs, fmt.Sprintf("encoded size %d over threshold", len(token)))
			trimmed = true
			continue
		}

		err = p.persist(ctx, collection, token)
		if errors.Is(err, kv.ErrQuotaExceeded) {
			if !trimmed {
				recs = p.trim(ctx, collection, recs, "store quota exceeded")
				trimmed = true
				continue
			}
			p.backup(ctx, collection, recs, "quota exceeded after trim")
			return fmt.Errorf("%w: %d records still over quota", ErrCapacity, len(recs))
		}
		if err != nil {
			p.backup(ctx, collection, recs, err.Error())
			return fmt.Errorf("%w: %w", ErrPersist, err)
		}
		break
	}

	p.cache.Write(collection, recs)

	if p.publisher != nil {
		ev := syncbus.NewEvent(collection, len(recs), p.now())
		if err := p.publisher.Publish(ctx, ev); err != nil {
			p.logger.Warn(ctx, "sync broadcast failed", "collection", collection, "error", err)
		}
	}
	return nil
}

func validate(collection string, records []models.Record) error {
	if collection == "" {
		return fmt.Errorf("%w: empty collection key", ErrValidation)
	}
	if records == nil {
		return fmt.Errorf("%w: nil record set", ErrValidation)
	}
	for i, r := range records {
		if r.ID == "" && r.Date == "" {
			return fmt.Errorf("%w: record %d has neither id nor date", ErrValidation, i)
		}
	}
	return nil
}

// stamp deep-copies records and fills in the owner where it is missing.
// The cache keeps the copy, so callers may go on mutating theirs.
func (p *Pipeline) stamp(records []models.Record) []models.Record {
	out := models.CloneRecords(records)
	if p.auth == nil {
		return out
	}
	cur := p.auth.Current()
	if !cur.Authenticated() {
		return out
	}
	for i := range out {
		if out[i].OwnerID == "" {
			out[i].OwnerID = cur.PrincipalID
		}
	}
	return out
}

func (p *Pipeline) trim(ctx context.Context, collection string, recs []models.Record, why string) []models.Record {
	kept := models.MostRecent(recs, p.cfg.TrimKeep)
	p.logger.Warn(ctx, "trimming collection", "collection", collection,
		"reason", why, "from", len(recs), "to", len(kept))
	return kept
}

// persist writes token, retrying transient failures with a linear backoff.
// Quota errors are returned at once: retrying cannot make room.
func (p *Pipeline) persist(ctx context.Context, collection, token string) error {
	var err error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		err = p.store.Set(ctx, collection, token)
		if err == nil || errors.Is(err, kv.ErrQuotaExceeded) {
			return err
		}

		p.logger.Warn(ctx, "persist attempt failed", "collection", collection,
			"attempt", attempt, "max", p.cfg.MaxAttempts, "error", err)
		if attempt == p.cfg.MaxAttempts {
			break
		}
		if serr := p.sleep(ctx, time.Duration(attempt)*p.cfg.Backoff); serr != nil {
			return fmt.Errorf("%w (gave up: %w)", err, serr)
		}
	}
	return err
}

func (p *Pipeline) backup(ctx context.Context, collection string, recs []models.Record, reason string) {
	now := p.now()
	if p.backups != nil {
		p.backups.Save(ctx, models.Snapshot{
			Collection: collection,
			TakenAt:    now,
			Reason:     reason,
			Records:    recs,
		})
	}
	if err := p.store.Set(ctx, BackupTimestampKey, now.UTC().Format(time.RFC3339)); err != nil {
		p.logger.Debug(ctx, "backup timestamp not stored", "error", err)
	}
}
