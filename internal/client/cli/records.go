package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/nhy497/rs-system-sub000/internal/client/models"
	"github.com/nhy497/rs-system-sub000/internal/client/services"
)

// AddRecord asks for a date and attributes and stores them. An existing
// record of that date is overwritten.
func (a *App) AddRecord(ctx context.Context) error {
	today := time.Now().Format(models.DateLayout)
	date, err := GetSimpleText(a.reader, fmt.Sprintf("Date (YYYY-MM-DD, empty for %s)", today), a.out)
	if err != nil {
		return err
	}
	if date == "" {
		date = today
	}
	attrs, err := GetAttributes(a.reader, a.out)
	if err != nil {
		return err
	}

	rec, err := a.records.PutRecord(ctx, models.Record{Date: date, Attrs: attrs})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Saved record %s for %s\n", rec.ID, rec.Date)
	return nil
}

func (a *App) List(ctx context.Context) error {
	recs, err := a.records.Records(ctx, services.KeyRecords)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(a.out, "No records")
		return nil
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Date > recs[j].Date })
	for _, r := range recs {
		fmt.Fprintf(a.out, "%s  %s  %d attribute(s)\n", r.ID, r.Date, len(r.Attrs))
	}
	return nil
}

func (a *App) Show(ctx context.Context, id string) error {
	rec, err := a.records.Record(ctx, id)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, string(b))
	return nil
}

func (a *App) Delete(ctx context.Context, id string) error {
	if err := a.records.DeleteRecord(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Deleted %s\n", id)
	return nil
}

// Refresh drops every cached collection and re-reads the records.
func (a *App) Refresh(ctx context.Context) error {
	a.cache.InvalidateAll()
	if err := a.records.HandleSync(ctx, []string{services.KeyRecords}); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Records reloaded")
	return nil
}
