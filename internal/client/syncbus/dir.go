package syncbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/nhy497/rs-system-sub000/internal/logging"
)

var ErrClosed = errors.New("syncbus: broadcaster closed")

const (
	DefaultRetention = time.Minute
	messageSuffix    = ".msg.json"
	tempPrefix       = ".tmp-"
)

// DirBroadcaster exchanges messages through files in a directory shared by
// every process. Messages are written atomically (temp file then rename)
// and removed once older than the retention period.
type DirBroadcaster struct {
	dir       string
	retention time.Duration
	watcher   *fsnotify.Watcher
	logger    logging.Logger

	ch   chan Event
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewDirBroadcaster(dir string, retention time.Duration, logger logging.Logger) (*DirBroadcaster, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return nil, fmt.Errorf("syncbus: create dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("syncbus: watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("syncbus: watch %s: %w", dir, err)
	}

	d := &DirBroadcaster{
		dir:       dir,
		retention: retention,
		watcher:   w,
		logger:    logger.With("component", "syncbus-dir"),
		ch:        make(chan Event, hubBuffer),
		done:      make(chan struct{}),
	}
	d.wg.Add(1)
	go d.watch()
	return d, nil
}

func (d *DirBroadcaster) Broadcast(ctx context.Context, ev Event) error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("syncbus: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(d.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("syncbus: temp file: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("syncbus: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("syncbus: close: %w", err)
	}

	name := fmt.Sprintf("%d-%s%s", time.Now().UnixNano(), uuid.NewString(), messageSuffix)
	if err := os.Rename(tmp.Name(), filepath.Join(d.dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("syncbus: publish: %w", err)
	}

	d.prune(ctx)
	return nil
}

func (d *DirBroadcaster) Messages() <-chan Event {
	return d.ch
}

func (d *DirBroadcaster) Close() error {
	var err error
	d.once.Do(func() {
		close(d.done)
		err = d.watcher.Close()
		d.wg.Wait()
		close(d.ch)
	})
	return err
}

func (d *DirBroadcaster) watch() {
	defer d.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-d.done:
			return
		case e, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !e.Has(fsnotify.Create) || !strings.HasSuffix(e.Name, messageSuffix) {
				continue
			}
			ev, err := readMessage(e.Name)
			if err != nil {
				// Pruned by a sibling before we got to it.
				d.logger.Debug(ctx, "message skipped", "file", e.Name, "error", err)
				continue
			}
			select {
			case d.ch <- ev:
			case <-d.done:
				return
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn(ctx, "watcher error", "error", err)
		}
	}
}

func readMessage(path string) (Event, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// prune removes messages and stray temp files older than the retention.
func (d *DirBroadcaster) prune(ctx context.Context) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		d.logger.Debug(ctx, "prune skipped", "error", err)
		return
	}
	cutoff := time.Now().Add(-d.retention)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, messageSuffix) && !strings.HasPrefix(name, tempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(d.dir, name))
	}
}
