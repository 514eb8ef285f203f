package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/nhy497/rs-system-sub000/internal/client/pipeline"
	"github.com/nhy497/rs-system-sub000/internal/client/services"
)

func (a *App) Backups(ctx context.Context) error {
	snaps := a.records.Backups()
	if len(snaps) == 0 {
		fmt.Fprintln(a.out, "No backups taken")
		return nil
	}
	for _, s := range snaps {
		fmt.Fprintf(a.out, "%s  %-12s %4d record(s)  %s\n",
			s.TakenAt.Format(time.DateTime), s.Collection, len(s.Records), s.Reason)
	}
	return nil
}

// Restore writes the newest record snapshot back to the store.
func (a *App) Restore(ctx context.Context) error {
	n, err := a.records.RestoreLatestBackup(ctx, services.KeyRecords)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Restored %d record(s)\n", n)
	return nil
}

type usageReporter interface {
	Usage(ctx context.Context) (int64, error)
}

func (a *App) Status(ctx context.Context) error {
	fmt.Fprintf(a.out, "storage:     %s\n", a.Mode)
	if u, ok := a.store.(usageReporter); ok {
		if used, err := u.Usage(ctx); err == nil {
			fmt.Fprintf(a.out, "used:        %d of %d bytes\n", used, a.config.QuotaBytes)
		}
	}
	if ts, ok, err := a.store.Get(ctx, pipeline.BackupTimestampKey); err == nil && ok {
		fmt.Fprintf(a.out, "last backup: %s\n", ts)
	}
	fmt.Fprintf(a.out, "cache:       %d collection(s), ttl %s\n", a.cache.Len(), a.cache.TTL())
	fmt.Fprintf(a.out, "sync:        %s (origin %s)\n", a.bus.State(), a.bus.Origin())
	fmt.Fprintf(a.out, "replica:     remote=%t\n", a.docs.Remote())
	fmt.Fprintf(a.out, "session:     %s\n", a.auth.State())
	return nil
}
