// Package replica mirrors records to a networked document store with a
// change feed. Without a configured endpoint the local collection itself
// serves as the document store.
package replica

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nhy497/rs-system-sub000/internal/client/models"
	"github.com/nhy497/rs-system-sub000/internal/logging"
)

var (
	ErrNoID   = errors.New("replica: document has no id")
	ErrExists = errors.New("replica: document already exists")
)

const DefaultReconnectInterval = 5 * time.Second

type ChangeKind int

const (
	ChangeInsert ChangeKind = iota + 1
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is one entry of the change feed. Record is empty for deletes.
type Change struct {
	Kind   ChangeKind
	ID     string
	Record models.Record
}

type DocStore interface {
	AddDoc(ctx context.Context, rec models.Record) error
	UpdateDoc(ctx context.Context, rec models.Record) error
	RemoveDoc(ctx context.Context, id string) error
	AllDocs(ctx context.Context) ([]models.Record, error)
	// SubscribeChanges registers h for every change and returns the
	// matching unsubscribe func.
	SubscribeChanges(h func(Change)) func()
	// Remote reports whether documents live outside the local store.
	Remote() bool
	Close() error
}

type Config struct {
	DSN               string
	ReconnectInterval time.Duration
}

// New opens the Postgres store when cfg names one, otherwise wraps local.
func New(ctx context.Context, cfg Config, local Collection, logger logging.Logger) (DocStore, error) {
	if cfg.DSN == "" {
		return NewLocalStore(local), nil
	}
	pg, err := OpenPostgres(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

// subscribers is the handler registry both stores share.
type subscribers struct {
	mu     sync.Mutex
	nextID int
	hs     map[int]func(Change)
}

func newSubscribers() *subscribers {
	return &subscribers{hs: make(map[int]func(Change))}
}

func (s *subscribers) add(h func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.hs[id] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.hs, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) emit(c Change) {
	s.mu.Lock()
	hs := make([]func(Change), 0, len(s.hs))
	for _, h := range s.hs {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	for _, h := range hs {
		h(c)
	}
}
