package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/nhy497/rs-system-sub000/internal/cache"
	"github.com/nhy497/rs-system-sub000/internal/client/backup"
	"github.com/nhy497/rs-system-sub000/internal/client/config"
	"github.com/nhy497/rs-system-sub000/internal/client/models"
	"github.com/nhy497/rs-system-sub000/internal/client/pipeline"
	"github.com/nhy497/rs-system-sub000/internal/client/replica"
	"github.com/nhy497/rs-system-sub000/internal/client/repositories/kv"
	"github.com/nhy497/rs-system-sub000/internal/client/services"
	"github.com/nhy497/rs-system-sub000/internal/client/syncbus"
	"github.com/nhy497/rs-system-sub000/internal/codec"
	"github.com/nhy497/rs-system-sub000/internal/filex"
	"github.com/nhy497/rs-system-sub000/internal/logging"
)

// Mode tells where the records currently live.
type Mode string

const (
	ModeLocal      Mode = "local"
	ModeVolatile   Mode = "volatile"
	ModeReplicated Mode = "replicated"
)

// sessionCheckInterval is how often an idle REPL re-validates the session.
const sessionCheckInterval = time.Minute

type App struct {
	config  *config.Config
	logger  logging.Logger
	store   kv.Store
	cache   *cache.Cache[[]models.Record]
	auth    *services.AuthService
	records *services.RecordService
	bus     *syncbus.Bus
	docs    replica.DocStore
	Mode    Mode

	reader *bufio.Reader
	out    io.Writer

	closers []func() error
}

// NewApp wires the storage core from c. Components that cannot start
// degrade instead of failing: an unusable database file falls back to an
// in-memory store, a missing bus directory to no sibling sync, an
// unreachable replica to local-only records.
func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	a := &App{
		config: c,
		logger: logger.With("component", "cli"),
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stdout,
		Mode:   ModeLocal,
	}

	dataDir, err := filex.EnsureDir(c.DataDir)
	if err != nil {
		return nil, err
	}
	a.store = a.openStore(ctx, dataDir)

	rc := cache.New[[]models.Record](cache.WithTTL(c.CacheTTL))
	a.cache = rc
	ring := backup.NewRing(c.BackupRingSize, a.backupSink(ctx), logger)

	a.bus = syncbus.New(a.broadcaster(ctx, dataDir), logger, syncbus.WithWindow(c.DebounceWindow))
	a.closers = append(a.closers, a.bus.Close)

	a.auth = services.NewAuthService(a.store, c.Auth(), logger,
		services.WithRootPasswordNotice(a.showRootPassword))
	p := pipeline.New(c.Pipeline(), a.store, rc, ring, logger,
		pipeline.WithPublisher(a.bus),
		pipeline.WithAuth(a.auth))
	a.records = services.NewRecordService(a.store, codec.New(logger), rc, p, ring, logger,
		services.WithRecordPublisher(a.bus))

	a.bus.Subscribe(a.records.HandleSync)
	a.bus.OnRefresh(func(collections []string) {
		names := make([]string, 0, len(collections))
		for _, c := range collections {
			if c == "" {
				c = services.KeyRecords
			}
			if !slices.Contains(names, c) {
				names = append(names, c)
			}
		}
		fmt.Fprintf(a.out, "\n[sync] %s changed in another window\n", strings.Join(names, ", "))
	})

	docs, err := replica.New(ctx, c.Replica(), a.records.Collection(services.KeyRecords), logger)
	if err != nil {
		a.logger.Warn(ctx, "replicated store unavailable, records stay local", "error", err)
		docs = replica.NewLocalStore(a.records.Collection(services.KeyRecords))
	}
	a.docs = docs
	a.closers = append(a.closers, docs.Close)

	return a, nil
}

// showRootPassword prints a generated root password once. It never goes
// to the log.
func (a *App) showRootPassword(username, password string) {
	fmt.Fprintf(a.out, "Created %s with password %s (set RS_ROOT_PASSWORD to choose one)\n", username, password)
}

func (a *App) openStore(ctx context.Context, dataDir string) kv.Store {
	path := a.config.DBPath()
	st, err := kv.OpenSQLite(ctx, path, a.config.QuotaBytes)
	if err == nil && st.Probe(ctx) {
		a.closers = append(a.closers, st.Close)
		a.logger.Debug(ctx, "store opened", "path", path, "data_dir", dataDir)
		return st
	}
	if err == nil {
		_ = st.Close()
		err = fmt.Errorf("probe write failed")
	}
	a.logger.Warn(ctx, "persistent store unavailable, data will not survive this process", "path", path, "error", err)
	a.Mode = ModeVolatile
	return kv.NewMemoryStore(a.config.QuotaBytes)
}

func (a *App) backupSink(ctx context.Context) backup.Sink {
	if a.config.S3Bucket == "" {
		return nil
	}
	sink, err := backup.NewS3Sink(ctx, a.config.S3())
	if err != nil {
		a.logger.Warn(ctx, "backup bucket unavailable, snapshots stay in memory", "bucket", a.config.S3Bucket, "error", err)
		return nil
	}
	return sink
}

func (a *App) broadcaster(ctx context.Context, dataDir string) syncbus.Broadcaster {
	var (
		dir string
		err error
	)
	if a.config.BusDir != "" {
		dir, err = filex.EnsureDir(a.config.BusDir)
	} else {
		dir, err = filex.EnsureSubDir(dataDir, "bus")
	}
	if err == nil {
		var b *syncbus.DirBroadcaster
		if b, err = syncbus.NewDirBroadcaster(dir, a.config.BusRetention, a.logger); err == nil {
			return b
		}
	}
	a.logger.Warn(ctx, "sync bus unavailable, other windows will not be notified", "error", err)
	return syncbus.Noop()
}

// Run starts sync and replication, restores the session and serves the
// REPL on stdin until exit.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	defer a.start(ctx)()

	fmt.Fprintln(a.out, "Record store CLI (type 'help' for commands)")
	if res := a.auth.CheckSession(ctx); res.OK {
		fmt.Fprintf(a.out, "Welcome back, %s\n", res.Session.Username)
	}

	go a.StartSessionWatcher(ctx, sessionCheckInterval)

	runREPL(ctx, a, a.getStatus, bufio.NewScanner(a.reader))
	return nil
}

// start runs the bus and replication and returns the replication stop func.
func (a *App) start(ctx context.Context) func() {
	a.bus.Start(ctx)

	stop, err := a.records.StartReplication(ctx, a.docs)
	if err != nil {
		a.logger.Warn(ctx, "replication not started", "error", err)
		return func() {}
	}
	if a.docs.Remote() {
		a.Mode = ModeReplicated
	}
	return stop
}

// Close releases every component in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn(context.Background(), "close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *App) isLoggedIn() bool {
	return a.auth.Current().Authenticated()
}

// StartSessionWatcher ends the session once it expires, even while the
// REPL sits idle.
func (a *App) StartSessionWatcher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !a.isLoggedIn() {
				continue
			}
			if res := a.auth.CheckSession(ctx); !res.OK {
				fmt.Fprintf(a.out, "\nSession ended (%s), please login again\n", res.Reason)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) getStatus() string {
	s := string(a.Mode)
	if cur := a.auth.Current(); cur.Authenticated() {
		s = cur.Username + " " + s
	}
	return fmt.Sprintf("(%s)", s)
}
