package service

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"vault-rebalancer/internal/automation"
	"vault-rebalancer/internal/storage"
	"vault-rebalancer/internal/volatility"
)

// RunTimer evaluates every configured vault. Vaults run concurrently; each vault's
// engine still serialises its own executions.
func (r *Rebalancer) RunTimer(ctx context.Context, at time.Time) error {
	return r.fanOut(ctx, automation.TriggerTimer, nil, at)
}

// WatchVolatility samples volatility once and evaluates only the vaults whose soft
// threshold the reading reaches, so quiet markets leave no history behind.
func (r *Rebalancer) WatchVolatility(ctx context.Context, at time.Time) error {
	reading, err := r.estimator.Estimate(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Time("tick", at).Msg("volatility watch could not sample")
		return nil
	}
	return r.fanOut(ctx, automation.TriggerVolatility, &reading, at)
}

func (r *Rebalancer) fanOut(ctx context.Context, trigger automation.Trigger, reading *volatility.Reading, at time.Time) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, vault := range r.opts.Vaults {
		vault := vault
		g.Go(func() error {
			if reading != nil {
				engine, err := r.registry.Get(gctx, vault)
				if err != nil {
					return err
				}
				if _, ok := automation.SelectIntensity(engine.Snapshot().Config.Thresholds, reading.MagnitudeBps); !ok {
					return nil
				}
			}

			out, err := r.evaluate(gctx, vault, trigger, reading)
			if err != nil {
				r.logger.Error().Err(err).Str("vault", vault).Str("trigger", string(trigger)).Time("tick", at).Msg("evaluation failed")
				return nil
			}
			r.logger.Info().Str("vault", vault).
				Str("trigger", string(trigger)).
				Str("status", string(out.Record.Status)).
				Str("reason", string(out.Record.SkipReason)).
				Int64("volatility_bps", out.Record.VolatilityBps).
				Msg("evaluation finished")
			return nil
		})
	}
	return g.Wait()
}

// Prune deletes run history older than retention.
func (r *Rebalancer) Prune(ctx context.Context, retention time.Duration) error {
	if r.runs == nil || retention <= 0 {
		return nil
	}
	cutoff := r.opts.Now().Add(-retention)
	deleted, err := r.runs.DeleteRunsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		r.logger.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("pruned rebalance history")
	}
	return nil
}

// History returns recent runs for vault, or for all vaults when vault is empty.
func (r *Rebalancer) History(ctx context.Context, vault string, limit int) ([]storage.RunRecord, error) {
	if r.runs == nil {
		return nil, storage.ErrNotConfigured
	}
	return r.runs.ListRecentRuns(ctx, strings.ToLower(strings.TrimSpace(vault)), limit)
}
