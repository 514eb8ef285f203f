//go:build integration

package replica

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nhy497/rs-system-sub000/internal/client/models"
	"github.com/nhy497/rs-system-sub000/internal/logging"
)

var dsn string

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "password",
				"POSTGRES_DB":       "records_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		panic(err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		panic(err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		panic(err)
	}
	dsn = fmt.Sprintf("postgres://postgres:password@%s:%s/records_test?sslmode=disable", host, port.Port())

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func TestPostgresStore_ChangeFeed(t *testing.T) {
	ctx := context.Background()
	cfg := Config{DSN: dsn, ReconnectInterval: 100 * time.Millisecond}

	writer, err := OpenPostgres(ctx, cfg, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	reader, err := OpenPostgres(ctx, cfg, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })

	changes := make(chan Change, 8)
	reader.SubscribeChanges(func(c Change) { changes <- c })

	next := func() Change {
		select {
		case c := <-changes:
			return c
		case <-time.After(10 * time.Second):
			t.Fatal("no change delivered")
			return Change{}
		}
	}

	// Give the listener time to subscribe.
	require.Eventually(t, func() bool {
		_ = writer.UpdateDoc(ctx, models.Record{ID: "warmup", Date: "2020-01-01", UpdatedAt: time.Now().UnixMilli()})
		select {
		case <-changes:
			return true
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)
	for len(changes) > 0 {
		<-changes
	}

	rec := models.Record{ID: "r1", Date: "2025-01-01", UpdatedAt: 1, Attrs: map[string]any{"score": 4.0}}
	require.NoError(t, writer.AddDoc(ctx, rec))
	c := next()
	assert.Equal(t, ChangeInsert, c.Kind)
	assert.Equal(t, rec, c.Record)

	// Same body: the trigger stays quiet.
	require.NoError(t, writer.UpdateDoc(ctx, rec))

	rec.UpdatedAt = 2
	rec.Attrs["score"] = 5.0
	require.NoError(t, writer.UpdateDoc(ctx, rec))
	c = next()
	assert.Equal(t, ChangeUpdate, c.Kind)
	assert.Equal(t, 5.0, c.Record.Attr("score"))

	// Older write loses.
	stale := models.Record{ID: "r1", Date: "2025-01-01", UpdatedAt: 1}
	require.NoError(t, writer.UpdateDoc(ctx, stale))

	require.NoError(t, writer.RemoveDoc(ctx, "r1"))
	c = next()
	assert.Equal(t, Change{Kind: ChangeDelete, ID: "r1"}, c)

	docs, err := reader.AllDocs(ctx)
	require.NoError(t, err)
	for _, d := range docs {
		assert.NotEqual(t, "r1", d.ID)
	}
}
