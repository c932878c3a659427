package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"vault-rebalancer/internal/planner"
	"vault-rebalancer/internal/service"
)

// Force runs one rebalance now, bypassing cooldown and the daily cap.
func (a *App) Force(ctx context.Context, opts ForceOptions) error {
	intensity, err := planner.ParseIntensity(opts.Intensity)
	if err != nil {
		return err
	}

	comps, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer comps.Close()

	vault := opts.Vault
	if vault == "" {
		vault = a.Config.DefaultVault()
	}
	out, runErr := comps.rebalancer.Force(ctx, intensity, service.VaultInfo{
		Address:    vault,
		PKPAddress: opts.PKPAddress,
		JWT:        opts.JWT,
	})
	if out.Record.ID == "" {
		return runErr
	}
	if err := printJSON(out); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("forced rebalance %s: %w", out.Record.Status, runErr)
	}
	return nil
}

// Plan prints the plan a rebalance at the given intensity would execute now.
func (a *App) Plan(ctx context.Context, vault, rawIntensity string) error {
	intensity, err := planner.ParseIntensity(rawIntensity)
	if err != nil {
		return err
	}

	comps, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer comps.Close()

	plan, err := comps.rebalancer.Preview(ctx, vault, intensity)
	if err != nil {
		return err
	}
	return printJSON(plan)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
