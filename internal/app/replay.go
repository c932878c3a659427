package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"vault-rebalancer/internal/automation"
	"vault-rebalancer/internal/volatility"
)

// replayRow is the volatility the estimator would have seen at one bucket.
type replayRow struct {
	Bucket    time.Time
	Bps       int64
	Samples   int
	Intensity string
	Err       error
}

// Replay recomputes volatility for every scheduler bucket in [From, To) from oracle
// history and shows which intensity the configured thresholds would have chosen.
// Nothing is executed or stored.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	interval := a.Config.Scheduler.Interval
	if interval <= 0 {
		return errors.New("scheduler interval must be positive")
	}

	start := alignForward(opts.From.UTC(), interval)
	end := opts.To.UTC()
	if !start.Before(end) {
		return errors.New("replay range is empty; check --from/--to")
	}

	var buckets []time.Time
	for bucket := start; bucket.Before(end); bucket = bucket.Add(interval) {
		buckets = append(buckets, bucket)
	}

	oracle := a.newOracle()
	thresholds := a.Config.AutomationDefaults().Thresholds
	rows := make([]replayRow, len(buckets))

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var failedMu sync.Mutex
	failed := 0
	for i, bucket := range buckets {
		i, bucket := i, bucket
		g.Go(func() error {
			row := replayRow{Bucket: bucket, Intensity: "-"}
			samples, err := oracle.HistoryEnding(gctx, bucket)
			if err == nil {
				row.Samples = len(samples)
				row.Bps, err = volatility.FromSamples(samples)
			}
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				row.Err = err
				failedMu.Lock()
				failed++
				failedMu.Unlock()
				a.Logger.Warn().Err(err).Time("bucket", bucket).Msg("replay bucket unavailable")
			} else if intensity, ok := automation.SelectIntensity(thresholds, row.Bps); ok {
				row.Intensity = string(intensity)
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Bucket (UTC)\tVol(bps)\tSamples\tIntensity\tError")
	for _, row := range rows {
		errMsg := ""
		if row.Err != nil {
			errMsg = sanitizeInline(row.Err.Error())
		}
		fmt.Fprintf(writer, "%s\t%d\t%d\t%s\t%s\n", row.Bucket.Format(time.RFC3339), row.Bps, row.Samples, row.Intensity, errMsg)
	}
	writer.Flush()

	a.Logger.Info().Int("buckets", len(rows)).Int("failed", failed).Msg("replay complete")
	if failed == len(rows) {
		return errors.New("no bucket could be replayed; check price configuration")
	}
	return nil
}

func alignForward(t time.Time, interval time.Duration) time.Time {
	truncated := t.Truncate(interval)
	if truncated.Before(t) {
		return truncated.Add(interval)
	}
	return truncated
}
