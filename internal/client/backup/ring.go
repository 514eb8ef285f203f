// Package backup keeps copies of record sets that could not be written to
// the primary store: a bounded in-memory ring, optionally mirrored to an S3
// compatible bucket.
package backup

import (
	"context"
	"sync"

	"github.com/nhy497/rs-system-sub000/internal/client/models"
	"github.com/nhy497/rs-system-sub000/internal/logging"
)

const DefaultSize = 5

// Sink receives every snapshot the ring stores.
type Sink interface {
	Upload(ctx context.Context, snap models.Snapshot) error
}

// Ring holds the most recent snapshots, oldest evicted first.
type Ring struct {
	mu     sync.Mutex
	size   int
	snaps  []models.Snapshot
	sink   Sink
	logger logging.Logger
}

// NewRing creates a ring of the given size; sink may be nil.
func NewRing(size int, sink Sink, logger logging.Logger) *Ring {
	if size <= 0 {
		size = DefaultSize
	}
	return &Ring{size: size, sink: sink, logger: logger.With("component", "backup")}
}

// Save stores snap. Sink failures are logged, never returned: a backup is
// written on a path that is already failing.
func (r *Ring) Save(ctx context.Context, snap models.Snapshot) {
	snap.Records = append([]models.Record(nil), snap.Records...)

	r.mu.Lock()
	r.snaps = append(r.snaps, snap)
	if over := len(r.snaps) - r.size; over > 0 {
		r.snaps = append([]models.Snapshot(nil), r.snaps[over:]...)
	}
	r.mu.Unlock()

	r.logger.Warn(ctx, "backup snapshot taken",
		"collection", snap.Collection, "records", len(snap.Records), "reason", snap.Reason)

	if r.sink == nil {
		return
	}
	if err := r.sink.Upload(ctx, snap); err != nil {
		r.logger.Error(ctx, "backup upload failed", "collection", snap.Collection, "error", err)
	}
}

// List returns the snapshots, oldest first.
func (r *Ring) List() []models.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Snapshot(nil), r.snaps...)
}

// Latest returns the newest snapshot of collection.
func (r *Ring) Latest(collection string) (models.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.snaps) - 1; i >= 0; i-- {
		if r.snaps[i].Collection == collection {
			return r.snaps[i], true
		}
	}
	return models.Snapshot{}, false
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}
