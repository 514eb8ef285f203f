package services

import (
	"context"
	"fmt"

	"github.com/nhy497/rs-system-sub000/internal/client/models"
	"github.com/nhy497/rs-system-sub000/internal/client/replica"
)

// StartReplication connects the record collection to docs: both sides are
// merged once (newer updatedAt wins), later local writes are mirrored and
// remote changes are applied locally. A local-only doc store is left
// alone since it already is the local collection.
//
// The returned func stops applying remote changes.
func (s *RecordService) StartReplication(ctx context.Context, docs replica.DocStore) (func(), error) {
	if !docs.Remote() {
		s.logger.Info(ctx, "replication disabled, no remote endpoint")
		return func() {}, nil
	}

	if err := s.mergeRemote(ctx, docs); err != nil {
		return nil, err
	}

	s.mirrorMu.Lock()
	s.mirror = docs
	s.mirrorMu.Unlock()

	unsubscribe := docs.SubscribeChanges(func(c replica.Change) {
		if err := s.applyRemote(ctx, c); err != nil {
			s.logger.Warn(ctx, "remote change not applied", "id", c.ID, "kind", c.Kind.String(), "error", err)
		}
	})
	s.logger.Info(ctx, "replication started")

	return func() {
		unsubscribe()
		s.mirrorMu.Lock()
		s.mirror = nil
		s.mirrorMu.Unlock()
	}, nil
}

func (s *RecordService) mergeRemote(ctx context.Context, docs replica.DocStore) error {
	remote, err := docs.AllDocs(ctx)
	if err != nil {
		return fmt.Errorf("replication: list remote: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	local, err := s.Records(ctx, KeyRecords)
	if err != nil {
		return err
	}

	byID := make(map[string]int, len(local))
	for i, r := range local {
		if r.ID != "" {
			byID[r.ID] = i
		}
	}

	changed := false
	remoteAt := make(map[string]int64, len(remote))
	for _, r := range remote {
		remoteAt[r.ID] = r.UpdatedAt
		i, ok := byID[r.ID]
		switch {
		case !ok:
			local = append(local, r)
			changed = true
		case r.UpdatedAt > local[i].UpdatedAt:
			local[i] = r
			changed = true
		}
	}
	if changed {
		if err := s.pipeline.Save(ctx, KeyRecords, local); err != nil {
			return fmt.Errorf("replication: merge: %w", err)
		}
	}

	pushed := 0
	for _, r := range local {
		if r.ID == "" {
			continue
		}
		at, ok := remoteAt[r.ID]
		if ok && at >= r.UpdatedAt {
			continue
		}
		if err := docs.UpdateDoc(ctx, r); err != nil {
			s.logger.Warn(ctx, "record not mirrored", "id", r.ID, "error", err)
			continue
		}
		pushed++
	}
	s.logger.Info(ctx, "replicas merged", "remote", len(remote), "local", len(local), "pushed", pushed)
	return nil
}

// applyRemote folds one remote change into the local collection. It writes
// through the pipeline directly so the change is not mirrored back.
func (s *RecordService) applyRemote(ctx context.Context, c replica.Change) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	recs, err := s.Records(ctx, KeyRecords)
	if err != nil {
		return err
	}

	idx := -1
	for i, r := range recs {
		if r.ID == c.ID {
			idx = i
			break
		}
	}

	switch c.Kind {
	case replica.ChangeDelete:
		if idx < 0 {
			return nil
		}
		recs = append(recs[:idx], recs[idx+1:]...)
	case replica.ChangeInsert, replica.ChangeUpdate:
		if idx >= 0 && recs[idx].UpdatedAt >= c.Record.UpdatedAt {
			return nil
		}
		if idx >= 0 {
			recs[idx] = c.Record
		} else {
			recs = append(recs, c.Record)
		}
	default:
		return nil
	}
	return s.pipeline.Save(ctx, KeyRecords, recs)
}

func (s *RecordService) mirrorUpdate(ctx context.Context, rec models.Record) {
	s.mirrorMu.RLock()
	docs := s.mirror
	s.mirrorMu.RUnlock()
	if docs == nil {
		return
	}
	if err := docs.UpdateDoc(ctx, rec); err != nil {
		s.logger.Warn(ctx, "record not mirrored", "id", rec.ID, "error", err)
	}
}

func (s *RecordService) mirrorRemove(ctx context.Context, id string) {
	s.mirrorMu.RLock()
	docs := s.mirror
	s.mirrorMu.RUnlock()
	if docs == nil {
		return
	}
	if err := docs.RemoveDoc(ctx, id); err != nil {
		s.logger.Warn(ctx, "record removal not mirrored", "id", id, "error", err)
	}
}
