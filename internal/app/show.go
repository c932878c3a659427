package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints recent rebalance runs.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show runs")
	}
	if closeStore != nil {
		defer closeStore()
	}

	runs, err := store.ListRecentRuns(ctx, strings.ToLower(strings.TrimSpace(opts.Vault)), opts.Limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stdout, "no rebalance runs found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Started (UTC)\tVault\tTrigger\tStatus\tReason\tIntensity\tVol(bps)\tSwapped\tTxs\tError")

	for _, run := range runs {
		errMsg := ""
		if len(run.Errors) > 0 {
			errMsg = sanitizeInline(run.Errors[0])
			if len(run.Errors) > 1 {
				errMsg = fmt.Sprintf("%s (+%d)", errMsg, len(run.Errors)-1)
			}
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
			run.StartedAt.UTC().Format(time.RFC3339),
			shortAddress(run.Vault),
			run.Trigger,
			run.Status,
			orDash(string(run.SkipReason)),
			orDash(string(run.Intensity)),
			run.VolatilityBps,
			formatDecimal(run.SwapTotal, 6),
			len(run.TxHashes),
			errMsg,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func shortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
