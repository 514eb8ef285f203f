package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhy497/rs-system-sub000/internal/cache"
	"github.com/nhy497/rs-system-sub000/internal/client/backup"
	"github.com/nhy497/rs-system-sub000/internal/client/models"
	"github.com/nhy497/rs-system-sub000/internal/client/pipeline"
	"github.com/nhy497/rs-system-sub000/internal/client/replica"
	"github.com/nhy497/rs-system-sub000/internal/client/repositories/kv"
	"github.com/nhy497/rs-system-sub000/internal/client/syncbus"
	"github.com/nhy497/rs-system-sub000/internal/codec"
	"github.com/nhy497/rs-system-sub000/internal/common"
	"github.com/nhy497/rs-system-sub000/internal/logging"
)

// Keys of the record data in the local store.
const (
	KeyRecords = "checkpoints"
	KeyPresets = "presets"
)

// RecordService is the one per-process entry point to stored records and
// presets. Reads go through the cache, writes through the pipeline.
type RecordService struct {
	store     kv.Store
	codec     *codec.Codec
	cache     *cache.Cache[[]models.Record]
	pipeline  *pipeline.Pipeline
	backups   *backup.Ring
	publisher pipeline.Publisher
	logger    logging.Logger
	now       func() time.Time

	// writeMu serializes read-modify-write cycles within the process.
	writeMu sync.Mutex

	mirrorMu sync.RWMutex
	mirror   replica.DocStore
}

type RecordOption func(*RecordService)

// WithRecordPublisher announces preset writes; record writes are announced
// by the pipeline.
func WithRecordPublisher(p pipeline.Publisher) RecordOption {
	return func(s *RecordService) { s.publisher = p }
}

func WithRecordClock(now func() time.Time) RecordOption {
	return func(s *RecordService) { s.now = now }
}

func NewRecordService(store kv.Store, c *codec.Codec, rc *cache.Cache[[]models.Record],
	p *pipeline.Pipeline, backups *backup.Ring, logger logging.Logger, opts ...RecordOption,
) *RecordService {
	s := &RecordService{
		store:    store,
		codec:    c,
		cache:    rc,
		pipeline: p,
		backups:  backups,
		logger:   logger.With("component", "records"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Records returns the collection, from the cache when it is fresh.
func (s *RecordService) Records(ctx context.Context, collection string) ([]models.Record, error) {
	if recs, ok := s.cache.Read(collection); ok {
		return models.CloneRecords(recs), nil
	}
	return s.Reload(ctx, collection)
}

// Reload reads the collection from the store, bypassing the cache. A value
// that cannot be decoded reads as empty; a value in an older format is
// rewritten in the current one.
func (s *RecordService) Reload(ctx context.Context, collection string) ([]models.Record, error) {
	tok, ok, err := s.store.Get(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", collection, err)
	}

	recs := []models.Record{}
	if ok {
		var decoded []models.Record
		scheme, err := s.codec.DecodeScheme(ctx, tok, &decoded)
		switch {
		case errors.Is(err, codec.ErrEmpty):
		case err != nil:
			s.logger.Warn(ctx, "stored collection unreadable, showing empty", "collection", collection, "error", err)
		default:
			if decoded != nil {
				recs = decoded
			}
			if scheme != codec.SchemeEscapedBase64 {
				s.upgrade(ctx, collection, recs, scheme)
			}
		}
	}

	s.cache.Write(collection, recs)
	return models.CloneRecords(recs), nil
}

func (s *RecordService) upgrade(ctx context.Context, collection string, recs []models.Record, from string) {
	tok, err := codec.Encode(recs)
	if err != nil {
		s.logger.Warn(ctx, "legacy collection not rewritten", "collection", collection, "error", err)
		return
	}
	if err := s.store.Set(ctx, collection, tok); err != nil {
		s.logger.Warn(ctx, "legacy collection not rewritten", "collection", collection, "error", err)
		return
	}
	s.logger.Info(ctx, "collection rewritten in current format", "collection", collection, "from", from)
}

// Record returns the record with the given id.
func (s *RecordService) Record(ctx context.Context, id string) (models.Record, error) {
	recs, err := s.Records(ctx, KeyRecords)
	if err != nil {
		return models.Record{}, err
	}
	for _, r := range recs {
		if r.ID == id {
			return r, nil
		}
	}
	return models.Record{}, common.ErrNotFound
}

// PutRecord inserts rec or overwrites the stored record with the same key
// (id when both carry one, otherwise date).
func (s *RecordService) PutRecord(ctx context.Context, rec models.Record) (models.Record, error) {
	if rec.ID == "" && rec.Date == "" {
		return models.Record{}, fmt.Errorf("%w: record needs an id or a date", pipeline.ErrValidation)
	}
	if rec.Date != "" {
		if _, err := time.Parse(models.DateLayout, rec.Date); err != nil {
			return models.Record{}, fmt.Errorf("%w: date %q is not YYYY-MM-DD", pipeline.ErrValidation, rec.Date)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	recs, err := s.Records(ctx, KeyRecords)
	if err != nil {
		return models.Record{}, err
	}

	now := s.now().UnixMilli()
	idx := -1
	for i, r := range recs {
		if r.SameKey(rec) {
			idx = i
			break
		}
	}
	if idx >= 0 {
		prev := recs[idx]
		if rec.ID == "" {
			rec.ID = prev.ID
		}
		if rec.OwnerID == "" {
			rec.OwnerID = prev.OwnerID
		}
		rec.CreatedAt = prev.CreatedAt
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	if idx >= 0 {
		recs[idx] = rec
	} else {
		recs = append(recs, rec)
	}
	if err := s.pipeline.Save(ctx, KeyRecords, recs); err != nil {
		return models.Record{}, err
	}

	// Read back the stamped copy.
	if saved, err := s.Record(ctx, rec.ID); err == nil {
		rec = saved
	}
	s.mirrorUpdate(ctx, rec)
	return rec, nil
}

func (s *RecordService) DeleteRecord(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	recs, err := s.Records(ctx, KeyRecords)
	if err != nil {
		return err
	}
	out := recs[:0]
	found := false
	for _, r := range recs {
		if r.ID == id {
			found = true
			continue
		}
		out = append(out, r)
	}
	if !found {
		return common.ErrNotFound
	}
	if err := s.pipeline.Save(ctx, KeyRecords, out); err != nil {
		return err
	}
	s.mirrorRemove(ctx, id)
	return nil
}

// HandleSync is the bus reload handler: drop the cached copies and re-read
// from the store. Messages that name no collection refer to the records.
func (s *RecordService) HandleSync(ctx context.Context, collections []string) error {
	seen := make(map[string]bool, len(collections))
	var errs []error
	for _, c := range collections {
		if c == "" {
			c = KeyRecords
		}
		if seen[c] {
			continue
		}
		seen[c] = true

		s.cache.Invalidate(c)
		if c == KeyPresets {
			continue
		}
		if _, err := s.Reload(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Presets are stored as a plain JSON array.
func (s *RecordService) Presets(ctx context.Context) (models.Presets, error) {
	raw, ok, err := s.store.Get(ctx, KeyPresets)
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}
	p := models.Presets{}
	if !ok || raw == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		s.logger.Warn(ctx, "stored presets unreadable, showing none", "error", err)
		return models.Presets{}, nil
	}
	return p, nil
}

// AddPreset appends v unless present; it reports whether v was added.
func (s *RecordService) AddPreset(ctx context.Context, v string) (bool, error) {
	var added bool
	err := s.editPresets(ctx, func(p models.Presets) (models.Presets, error) {
		var out models.Presets
		out, added = p.Add(v)
		return out, nil
	})
	return added, err
}

func (s *RecordService) UpdatePreset(ctx context.Context, i int, v string) error {
	return s.editPresets(ctx, func(p models.Presets) (models.Presets, error) {
		return p.Replace(i, v)
	})
}

func (s *RecordService) DeletePreset(ctx context.Context, i int) error {
	return s.editPresets(ctx, func(p models.Presets) (models.Presets, error) {
		return p.Remove(i)
	})
}

func (s *RecordService) editPresets(ctx context.Context, edit func(models.Presets) (models.Presets, error)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p, err := s.Presets(ctx)
	if err != nil {
		return err
	}
	p, err = edit(p)
	if err != nil {
		return err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode presets: %w", err)
	}
	if err := s.store.Set(ctx, KeyPresets, string(b)); err != nil {
		return fmt.Errorf("write presets: %w", err)
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, syncbus.NewEvent(KeyPresets, len(p), s.now())); err != nil {
			s.logger.Warn(ctx, "sync broadcast failed", "collection", KeyPresets, "error", err)
		}
	}
	return nil
}

// Backups lists the snapshots taken this process, oldest first.
func (s *RecordService) Backups() []models.Snapshot {
	if s.backups == nil {
		return nil
	}
	return s.backups.List()
}

// RestoreLatestBackup writes the newest snapshot of collection back to the
// store and returns how many records it held.
func (s *RecordService) RestoreLatestBackup(ctx context.Context, collection string) (int, error) {
	if s.backups == nil {
		return 0, common.ErrNotFound
	}
	snap, ok := s.backups.Latest(collection)
	if !ok {
		return 0, common.ErrNotFound
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.pipeline.Save(ctx, collection, snap.Records); err != nil {
		return 0, err
	}
	s.logger.Info(ctx, "backup restored", "collection", collection, "records", len(snap.Records), "taken_at", snap.TakenAt)
	return len(snap.Records), nil
}

// Collection exposes one stored collection to the replica package.
func (s *RecordService) Collection(name string) replica.Collection {
	return localCollection{s: s, name: name}
}

type localCollection struct {
	s    *RecordService
	name string
}

func (c localCollection) Records(ctx context.Context) ([]models.Record, error) {
	return c.s.Records(ctx, c.name)
}

func (c localCollection) Replace(ctx context.Context, recs []models.Record) error {
	return c.s.pipeline.Save(ctx, c.name, recs)
}
