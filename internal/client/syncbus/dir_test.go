package syncbus

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhy497/rs-system-sub000/internal/logging"
)

func TestDirBroadcaster_DeliversBetweenHandles(t *testing.T) {
	dir := t.TempDir()
	a, err := NewDirBroadcaster(dir, time.Minute, logging.NewNop())
	require.NoError(t, err)
	defer a.Close()
	b, err := NewDirBroadcaster(dir, time.Minute, logging.NewNop())
	require.NoError(t, err)
	defer b.Close()

	ev := Event{Type: EventStorageUpdated, Timestamp: 1, RecordCount: 7, Collection: "checkpoints", Origin: "a"}
	require.NoError(t, a.Broadcast(context.Background(), ev))

	select {
	case got := <-b.Messages():
		assert.Equal(t, ev, got)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestDirBroadcaster_PrunesOldMessages(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDirBroadcaster(dir, time.Minute, logging.NewNop())
	require.NoError(t, err)
	defer d.Close()

	stale := filepath.Join(dir, "1-old"+messageSuffix)
	require.NoError(t, os.WriteFile(stale, []byte(`{}`), 0o600))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	require.NoError(t, d.Broadcast(context.Background(), NewEvent("checkpoints", 1, time.Now())))

	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var fresh int
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), messageSuffix) {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestDirBroadcaster_BroadcastAfterClose(t *testing.T) {
	d, err := NewDirBroadcaster(t.TempDir(), 0, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	require.ErrorIs(t, d.Broadcast(context.Background(), Event{}), ErrClosed)
}

func TestBus_OverDirBroadcaster(t *testing.T) {
	dir := t.TempDir()
	da, err := NewDirBroadcaster(dir, time.Minute, logging.NewNop())
	require.NoError(t, err)
	db, err := NewDirBroadcaster(dir, time.Minute, logging.NewNop())
	require.NoError(t, err)

	a := New(da, logging.NewNop(), WithWindow(20*time.Millisecond))
	b := New(db, logging.NewNop(), WithWindow(20*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)
	defer a.Close()
	defer b.Close()

	got := make(chan []string, 1)
	b.OnRefresh(func(cols []string) { got <- cols })

	require.NoError(t, a.Publish(ctx, NewEvent("checkpoints", 2, time.Now())))

	select {
	case cols := <-got:
		assert.Equal(t, []string{"checkpoints"}, cols)
	case <-time.After(2 * time.Second):
		t.Fatal("sibling never refreshed")
	}
}
