package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nhy497/rs-system-sub000/internal/client/models"
	"github.com/nhy497/rs-system-sub000/internal/client/replica/migrations"
	"github.com/nhy497/rs-system-sub000/internal/logging"
)

const (
	notifyChannel     = "document_changes"
	pgUniqueViolation = "23505"
)

// listenConn is the part of *pgx.Conn the change feed uses.
type listenConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

var (
	connectListener = func(ctx context.Context, dsn string) (listenConn, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	runMigrations = migrations.Up
)

// PostgresStore keeps one row per record in a documents table. Changes by
// any client are announced with NOTIFY and delivered to subscribers.
type PostgresStore struct {
	db        *sql.DB
	dsn       string
	reconnect time.Duration
	logger    logging.Logger
	subs      *subscribers

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func OpenPostgres(ctx context.Context, cfg Config, logger logging.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("replica: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("replica: ping: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := newPostgresStore(db, cfg, logger)
	s.startFeed()
	return s, nil
}

func newPostgresStore(db *sql.DB, cfg Config, logger logging.Logger) *PostgresStore {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	return &PostgresStore{
		db:        db,
		dsn:       cfg.DSN,
		reconnect: cfg.ReconnectInterval,
		logger:    logger.With("component", "replica"),
		subs:      newSubscribers(),
	}
}

func (s *PostgresStore) AddDoc(ctx context.Context, rec models.Record) error {
	if rec.ID == "" {
		return ErrNoID
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("replica: marshal %s: %w", rec.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (id, body, updated_at) VALUES ($1, $2, $3)`,
		rec.ID, string(body), rec.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("replica: add %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateDoc upserts rec unless the stored copy is newer.
func (s *PostgresStore) UpdateDoc(ctx context.Context, rec models.Record) error {
	if rec.ID == "" {
		return ErrNoID
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("replica: marshal %s: %w", rec.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, body, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at
		WHERE documents.updated_at <= EXCLUDED.updated_at
	`, rec.ID, string(body), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("replica: update %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) RemoveDoc(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("replica: remove %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) AllDocs(ctx context.Context) ([]models.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("replica: list: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("replica: scan: %w", err)
		}
		var rec models.Record
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, fmt.Errorf("replica: decode: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replica: list: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) getDoc(ctx context.Context, id string) (models.Record, bool, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Record{}, false, nil
	}
	if err != nil {
		return models.Record{}, false, fmt.Errorf("replica: get %s: %w", id, err)
	}
	var rec models.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return models.Record{}, false, fmt.Errorf("replica: decode %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *PostgresStore) SubscribeChanges(h func(Change)) func() {
	return s.subs.add(h)
}

func (s *PostgresStore) Remote() bool { return true }

func (s *PostgresStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		err = s.db.Close()
	})
	return err
}

func (s *PostgresStore) startFeed() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.runFeed(ctx)
}

// runFeed keeps a LISTEN session open until ctx ends, resubscribing after
// every failure.
func (s *PostgresStore) runFeed(ctx context.Context) {
	defer close(s.done)
	for {
		err := s.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn(ctx, "change feed interrupted", "error", err, "retry_in", s.reconnect)

		t := time.NewTimer(s.reconnect)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *PostgresStore) listen(ctx context.Context) error {
	conn, err := connectListener(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.logger.Info(ctx, "change feed subscribed", "channel", notifyChannel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait: %w", err)
		}
		s.dispatch(ctx, n.Payload)
	}
}

type notification struct {
	Op string `json:"op"`
	ID string `json:"id"`
}

func (s *PostgresStore) dispatch(ctx context.Context, payload string) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil || n.ID == "" {
		s.logger.Warn(ctx, "unreadable change notification", "payload", payload)
		return
	}

	var kind ChangeKind
	switch n.Op {
	case "INSERT":
		kind = ChangeInsert
	case "UPDATE":
		kind = ChangeUpdate
	case "DELETE":
		s.subs.emit(Change{Kind: ChangeDelete, ID: n.ID})
		return
	default:
		s.logger.Warn(ctx, "unknown change operation", "op", n.Op)
		return
	}

	rec, ok, err := s.getDoc(ctx, n.ID)
	if err != nil {
		s.logger.Warn(ctx, "changed document unreadable", "id", n.ID, "error", err)
		return
	}
	if !ok {
		// Deleted again before we fetched it; the DELETE follows.
		return
	}
	s.subs.emit(Change{Kind: kind, ID: n.ID, Record: rec})
}
