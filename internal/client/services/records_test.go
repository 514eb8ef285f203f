package services

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhy497/rs-system-sub000/internal/cache"
	"github.com/nhy497/rs-system-sub000/internal/client/backup"
	"github.com/nhy497/rs-system-sub000/internal/client/models"
	"github.com/nhy497/rs-system-sub000/internal/client/pipeline"
	"github.com/nhy497/rs-system-sub000/internal/client/repositories/kv"
	"github.com/nhy497/rs-system-sub000/internal/client/syncbus"
	"github.com/nhy497/rs-system-sub000/internal/codec"
	"github.com/nhy497/rs-system-sub000/internal/common"
	"github.com/nhy497/rs-system-sub000/internal/logging"
)

type fixture struct {
	svc   *RecordService
	store kv.Store
	cache *cache.Cache[[]models.Record]
	ring  *backup.Ring
	bus   *syncbus.Bus
}

func newFixture(t *testing.T, store kv.Store, b syncbus.Broadcaster) *fixture {
	t.Helper()
	log := logging.NewNop()
	f := &fixture{
		store: store,
		cache: cache.New[[]models.Record](),
		ring:  backup.NewRing(5, nil, log),
	}
	f.bus = syncbus.New(b, log, syncbus.WithWindow(20*time.Millisecond))
	p := pipeline.New(pipeline.Config{}, store, f.cache, f.ring, log,
		pipeline.WithPublisher(f.bus),
		pipeline.WithClock(nil, func(context.Context, time.Duration) error { return nil }))
	f.svc = NewRecordService(store, codec.New(log), f.cache, p, f.ring, log, WithRecordPublisher(f.bus))
	f.bus.Subscribe(f.svc.HandleSync)

	ctx, cancel := context.WithCancel(context.Background())
	f.bus.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = f.bus.Close()
	})
	return f
}

func TestPutRecord_InsertStampsAndAssignsID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemoryStore(0), nil)
	fixed := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }

	rec, err := f.svc.PutRecord(ctx, models.Record{Date: "2025-04-01", Attrs: map[string]any{"score": 4.0}})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, fixed.UnixMilli(), rec.CreatedAt)
	assert.Equal(t, fixed.UnixMilli(), rec.UpdatedAt)

	recs, err := f.svc.Records(ctx, KeyRecords)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec, recs[0])
}

func TestPutRecord_SameDateOverwrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemoryStore(0), nil)
	clk := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return clk }

	first, err := f.svc.PutRecord(ctx, models.Record{Date: "2025-04-01", Attrs: map[string]any{"score": 1.0}})
	require.NoError(t, err)

	clk = clk.Add(time.Hour)
	second, err := f.svc.PutRecord(ctx, models.Record{Date: "2025-04-01", Attrs: map[string]any{"score": 2.0}})
	require.NoError(t, err)

	recs, err := f.svc.Reload(ctx, KeyRecords)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2.0, recs[0].Attr("score"))
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Greater(t, second.UpdatedAt, first.UpdatedAt)
}

func TestPutRecord_UpdateByID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemoryStore(0), nil)

	rec, err := f.svc.PutRecord(ctx, models.Record{Date: "2025-04-01"})
	require.NoError(t, err)

	rec.Date = "2025-04-02"
	_, err = f.svc.PutRecord(ctx, rec)
	require.NoError(t, err)

	recs, err := f.svc.Records(ctx, KeyRecords)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "2025-04-02", recs[0].Date)
}

func TestPutRecord_Validation(t *testing.T) {
	f := newFixture(t, kv.NewMemoryStore(0), nil)

	_, err := f.svc.PutRecord(context.Background(), models.Record{})
	require.ErrorIs(t, err, pipeline.ErrValidation)
	_, err = f.svc.PutRecord(context.Background(), models.Record{Date: "01/04/2025"})
	require.ErrorIs(t, err, pipeline.ErrValidation)
}

func TestDeleteRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemoryStore(0), nil)

	a, err := f.svc.PutRecord(ctx, models.Record{Date: "2025-04-01"})
	require.NoError(t, err)
	_, err = f.svc.PutRecord(ctx, models.Record{Date: "2025-04-02"})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteRecord(ctx, a.ID))
	require.ErrorIs(t, f.svc.DeleteRecord(ctx, a.ID), common.ErrNotFound)

	_, err = f.svc.Record(ctx, a.ID)
	require.ErrorIs(t, err, common.ErrNotFound)
	recs, _ := f.svc.Records(ctx, KeyRecords)
	assert.Len(t, recs, 1)
}

func TestRecords_CallersCannotMutateTheCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kv.NewMemoryStore(0), nil)

	attrs := map[string]any{"score": 4.0}
	rec, err := f.svc.PutRecord(ctx, models.Record{Date: "2025-04-01", Attrs: attrs})
	require.NoError(t, err)
	attrs["score"] = 1.0
	rec.Attrs["score"] = 2.0

	recs, err := f.svc.Records(ctx, KeyRecords)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	recs[0].Attrs["score"] = 3.0

	again, err := f.svc.Records(ctx, KeyRecords)
	require.NoError(t, err)
	assert.Equal(t, 4.0, again[0].Attr("score"))
}

func TestRecords_ServedFromCacheUntilReload(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(0)
	f := newFixture(t, store, nil)

	_, err := f.svc.PutRecord(ctx, models.Record{Date: "2025-04-01"})
	require.NoError(t, err)

	tok, err := codec.Encode([]models.Record{{ID: "x", Date: "2025-04-09"}})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, KeyRecords, tok))

	recs, err := f.svc.Records(ctx, KeyRecords)
	require.NoError(t, err)
	assert.Equal(t, "2025-04-01", recs[0].Date)

	require.NoError(t, f.svc.HandleSync(ctx, []string{KeyRecords}))
	recs, err = f.svc.Records(ctx, KeyRecords)
	require.NoError(t, err)
	assert.Equal(t, "x", recs[0].ID)
}

func TestRecords_EmptyStore(t *testing.T) {
	f := newFixture(t, kv.NewMemoryStore(0), nil)
	recs, err := f.svc.Records(context.Background(), KeyRecords)
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestRecords_LegacyTokenIsRewritten(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(0)
	legacy, err := codec.EncodeLegacy(codec.SchemeBase64, []map[string]any{{"date": "2023-09-01", "score": 3}})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, KeyRecords, legacy))

	f := newFixture(t, store, nil)
	recs, err := f.svc.Records(ctx, KeyRecords)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "2023-09-01", recs[0].Date)

	tok, _, err := store.Get(ctx, KeyRecords)
	require.NoError(t, err)
	var out []models.Record
	scheme, err := codec.New(logging.NewNop()).DecodeScheme(ctx, tok, &out)
	require.NoError(t, err)
	assert.Equal(t, codec.SchemeEscapedBase64, scheme)
}

func TestRecords_UndecodableReadsEmpty(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(0)
	require.NoError(t, store.Set(ctx, KeyRecords, "@@garbage@@"))

	f := newFixture(t, store, nil)
	recs, err := f.svc.Records(ctx, KeyRecords)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

type brokenStore struct{ kv.Store }

func (brokenStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("locked")
}

func TestRecords_StoreErrorIsReturned(t *testing.T) {
	f := newFixture(t, brokenStore{kv.NewMemoryStore(0)}, nil)
	_, err := f.svc.Records(context.Background(), KeyRecords)
	require.ErrorContains(t, err, "locked")
}

func TestPresets(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(0)
	f := newFixture(t, store, nil)

	p, err := f.svc.Presets(ctx)
	require.NoError(t, err)
	assert.Empty(t, p)

	added, err := f.svc.AddPreset(ctx, "Group A")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = f.svc.AddPreset(ctx, "Group A")
	require.NoError(t, err)
	assert.False(t, added)
	_, err = f.svc.AddPreset(ctx, "Group B")
	require.NoError(t, err)

	require.NoError(t, f.svc.UpdatePreset(ctx, 0, "Group Z"))
	require.NoError(t, f.svc.DeletePreset(ctx, 1))
	require.ErrorIs(t, f.svc.DeletePreset(ctx, 5), models.ErrPresetIndex)

	raw, _, _ := store.Get(ctx, KeyPresets)
	assert.JSONEq(t, `["Group Z"]`, raw)

	require.NoError(t, store.Set(ctx, KeyPresets, "{broken"))
	p, err = f.svc.Presets(ctx)
	require.NoError(t, err)
	assert.Empty(t, p)
}

func TestTwoProcesses_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.db")
	storeA, err := kv.OpenSQLite(ctx, path, 0)
	require.NoError(t, err)
	defer storeA.Close()
	storeB, err := kv.OpenSQLite(ctx, path, 0)
	require.NoError(t, err)
	defer storeB.Close()

	a := newFixture(t, storeA, nil)
	b := newFixture(t, storeB, nil)

	// Both processes read the empty collection first.
	_, err = a.svc.Records(ctx, KeyRecords)
	require.NoError(t, err)
	_, err = b.svc.Records(ctx, KeyRecords)
	require.NoError(t, err)

	_, err = a.svc.PutRecord(ctx, models.Record{Date: "2025-04-01"})
	require.NoError(t, err)
	_, err = b.svc.PutRecord(ctx, models.Record{Date: "2025-04-02"})
	require.NoError(t, err)

	recs, err := a.svc.Reload(ctx, KeyRecords)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "2025-04-02", recs[0].Date, "B wrote last with its own view")
}

func TestSiblingSeesWriteAfterBroadcast(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(0)
	hub := syncbus.NewHub()
	a := newFixture(t, store, hub.Join())
	b := newFixture(t, store, hub.Join())

	recs, err := b.svc.Records(ctx, KeyRecords)
	require.NoError(t, err)
	require.Empty(t, recs)

	_, err = a.svc.PutRecord(ctx, models.Record{Date: "2025-04-01"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		recs, err := b.svc.Records(ctx, KeyRecords)
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSiblingReloadsOnEventWithoutCollection(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(0)
	hub := syncbus.NewHub()
	f := newFixture(t, store, hub.Join())
	other := hub.Join()
	t.Cleanup(func() { _ = other.Close() })

	recs, err := f.svc.Records(ctx, KeyRecords)
	require.NoError(t, err)
	require.Empty(t, recs)

	tok, err := codec.Encode([]models.Record{{ID: "x", Date: "2025-04-01"}})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, KeyRecords, tok))
	require.NoError(t, other.Broadcast(ctx, syncbus.Event{
		Type:        syncbus.EventStorageUpdated,
		Timestamp:   time.Now().UnixMilli(),
		RecordCount: 1,
	}))

	require.Eventually(t, func() bool {
		recs, err := f.svc.Records(ctx, KeyRecords)
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecords_ForeignEscapedTokenSurvivesNextWrite(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(0)
	escaped := "%5B%7B%22id%22%3A%22old%22%2C%22date%22%3A%222025-01-01%22%7D%5D"
	require.NoError(t, store.Set(ctx, KeyRecords, base64.StdEncoding.EncodeToString([]byte(escaped))))

	f := newFixture(t, store, nil)
	_, err := f.svc.PutRecord(ctx, models.Record{Date: "2025-01-02"})
	require.NoError(t, err)

	f.cache.InvalidateAll()
	recs, err := f.svc.Records(ctx, KeyRecords)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "old", recs[0].ID)
}

func TestRestoreLatestBackup(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(0)
	f := newFixture(t, store, nil)

	var mu sync.Mutex
	failing := true
	store.Fail = func(key string) error {
		mu.Lock()
		defer mu.Unlock()
		if failing && key == KeyRecords {
			return errors.New("disk full")
		}
		return nil
	}

	_, err := f.svc.PutRecord(ctx, models.Record{Date: "2025-04-01"})
	require.ErrorIs(t, err, pipeline.ErrPersist)
	require.Len(t, f.svc.Backups(), 1)

	mu.Lock()
	failing = false
	mu.Unlock()

	n, err := f.svc.RestoreLatestBackup(ctx, KeyRecords)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	recs, err := f.svc.Reload(ctx, KeyRecords)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = f.svc.RestoreLatestBackup(ctx, "other")
	require.ErrorIs(t, err, common.ErrNotFound)
}
