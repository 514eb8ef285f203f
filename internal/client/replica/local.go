package replica

import (
	"context"
	"fmt"
	"sync"

	"github.com/nhy497/rs-system-sub000/internal/client/models"
)

// Collection is the local record path: decode on read, pipeline on write.
type Collection interface {
	Records(ctx context.Context) ([]models.Record, error)
	Replace(ctx context.Context, records []models.Record) error
}

// LocalStore is the DocStore used when no endpoint is configured. Changes
// made through it are reported to subscribers in-process.
type LocalStore struct {
	local Collection
	subs  *subscribers
	mu    sync.Mutex
}

func NewLocalStore(local Collection) *LocalStore {
	return &LocalStore{local: local, subs: newSubscribers()}
}

func (s *LocalStore) AddDoc(ctx context.Context, rec models.Record) error {
	if rec.ID == "" {
		return ErrNoID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.local.Records(ctx)
	if err != nil {
		return err
	}
	if indexOf(recs, rec.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	if err := s.local.Replace(ctx, append(recs, rec)); err != nil {
		return err
	}
	s.subs.emit(Change{Kind: ChangeInsert, ID: rec.ID, Record: rec})
	return nil
}

// UpdateDoc replaces the document with the same id, inserting it when
// missing.
func (s *LocalStore) UpdateDoc(ctx context.Context, rec models.Record) error {
	if rec.ID == "" {
		return ErrNoID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.local.Records(ctx)
	if err != nil {
		return err
	}
	out := append([]models.Record(nil), recs...)
	kind := ChangeUpdate
	if i := indexOf(out, rec.ID); i >= 0 {
		out[i] = rec
	} else {
		out = append(out, rec)
		kind = ChangeInsert
	}
	if err := s.local.Replace(ctx, out); err != nil {
		return err
	}
	s.subs.emit(Change{Kind: kind, ID: rec.ID, Record: rec})
	return nil
}

func (s *LocalStore) RemoveDoc(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.local.Records(ctx)
	if err != nil {
		return err
	}
	i := indexOf(recs, id)
	if i < 0 {
		return nil
	}
	out := append(append([]models.Record(nil), recs[:i]...), recs[i+1:]...)
	if err := s.local.Replace(ctx, out); err != nil {
		return err
	}
	s.subs.emit(Change{Kind: ChangeDelete, ID: id})
	return nil
}

func (s *LocalStore) AllDocs(ctx context.Context) ([]models.Record, error) {
	return s.local.Records(ctx)
}

func (s *LocalStore) SubscribeChanges(h func(Change)) func() {
	return s.subs.add(h)
}

func (s *LocalStore) Remote() bool { return false }

func (s *LocalStore) Close() error { return nil }

func indexOf(recs []models.Record, id string) int {
	for i, r := range recs {
		if r.ID == id {
			return i
		}
	}
	return -1
}
