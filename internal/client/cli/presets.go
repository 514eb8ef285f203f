package cli

import (
	"context"
	"fmt"
)

func (a *App) Presets(ctx context.Context) error {
	p, err := a.records.Presets(ctx)
	if err != nil {
		return err
	}
	if len(p) == 0 {
		fmt.Fprintln(a.out, "No presets")
	}
	for i, v := range p {
		fmt.Fprintf(a.out, "%2d. %s\n", i+1, v)
	}
	return nil
}

func (a *App) AddPreset(ctx context.Context, name string) error {
	added, err := a.records.AddPreset(ctx, name)
	if err != nil {
		return err
	}
	if !added {
		fmt.Fprintf(a.out, "Preset %q already exists\n", name)
	}
	return nil
}

// EditPreset renames preset number n, counted from 1.
func (a *App) EditPreset(ctx context.Context, n int, name string) error {
	return a.records.UpdatePreset(ctx, n-1, name)
}

func (a *App) DeletePreset(ctx context.Context, n int) error {
	return a.records.DeletePreset(ctx, n-1)
}
