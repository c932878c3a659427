package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"vault-rebalancer/internal/alerting"
	"vault-rebalancer/internal/automation"
	"vault-rebalancer/internal/planner"
)

// SimulateAlert sends a synthetic rebalance notification through the configured channel.
func (a *App) SimulateAlert(ctx context.Context, status automation.RunStatus, intensity planner.Intensity, volatilityBps int64) error {
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	return notifier.Notify(ctx, simulatedNotification(a.Config.DefaultVault(), status, intensity, volatilityBps, time.Now().UTC()))
}

func simulatedNotification(vault string, status automation.RunStatus, intensity planner.Intensity, volatilityBps int64, at time.Time) alerting.Notification {
	note := alerting.Notification{
		RunID:         uuid.NewString(),
		Vault:         vault,
		Trigger:       string(automation.TriggerManual),
		Status:        string(status),
		Intensity:     string(intensity),
		VolatilityBps: volatilityBps,
		SwapTotal:     decimal.Zero,
		TxHashes:      []string{},
		Errors:        []string{},
		FinishedAt:    at,
		AdditionalMsg: "simulated alert; no transactions were sent",
	}
	if status == automation.StatusFailed || status == automation.StatusPartial {
		note.Errors = append(note.Errors, "simulated failure")
	}
	return note
}
