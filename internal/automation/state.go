package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vault-rebalancer/internal/planner"
)

var (
	// ErrInvalidConfig is returned when a config update violates its invariants.
	ErrInvalidConfig = errors.New("automation: invalid config")
	// ErrEngineNotFound is returned by the registry when no vault can be resolved.
	ErrEngineNotFound = errors.New("automation: vault not registered")
)

// Thresholds are volatility levels in basis points.
type Thresholds struct {
	Soft       int64 `json:"soft"`
	Medium     int64 `json:"medium"`
	Aggressive int64 `json:"aggressive"`
}

// Config is the operator-facing automation configuration.
type Config struct {
	Enabled              bool       `json:"enabled"`
	Thresholds           Thresholds `json:"thresholds"`
	CooldownMinutes      int        `json:"cooldownMinutes"`
	MaxDailyRebalances   int        `json:"maxDailyRebalancings"`
	NotificationsEnabled bool       `json:"notificationEnabled"`
}

// DefaultConfig mirrors the values used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		Thresholds:           Thresholds{Soft: 500, Medium: 1000, Aggressive: 1500},
		CooldownMinutes:      60,
		MaxDailyRebalances:   3,
		NotificationsEnabled: true,
	}
}

// Validate enforces non-negative, ordered thresholds, a non-negative cooldown and a cap of at least one.
func (c Config) Validate() error {
	t := c.Thresholds
	if t.Soft < 0 || t.Medium < 0 || t.Aggressive < 0 {
		return fmt.Errorf("%w: thresholds must be non-negative", ErrInvalidConfig)
	}
	if t.Soft > t.Medium || t.Medium > t.Aggressive {
		return fmt.Errorf("%w: thresholds must satisfy soft <= medium <= aggressive", ErrInvalidConfig)
	}
	if c.CooldownMinutes < 0 {
		return fmt.Errorf("%w: cooldownMinutes must be >= 0", ErrInvalidConfig)
	}
	if c.MaxDailyRebalances < 1 {
		return fmt.Errorf("%w: maxDailyRebalancings must be >= 1", ErrInvalidConfig)
	}
	return nil
}

// ThresholdsPatch carries optional threshold overrides.
type ThresholdsPatch struct {
	Soft       *int64 `json:"soft,omitempty"`
	Medium     *int64 `json:"medium,omitempty"`
	Aggressive *int64 `json:"aggressive,omitempty"`
}

// ConfigPatch is a partial update; nil fields keep their current value.
type ConfigPatch struct {
	Enabled              *bool            `json:"enabled,omitempty"`
	Thresholds           *ThresholdsPatch `json:"thresholds,omitempty"`
	CooldownMinutes      *int             `json:"cooldownMinutes,omitempty"`
	MaxDailyRebalances   *int             `json:"maxDailyRebalancings,omitempty"`
	NotificationsEnabled *bool            `json:"notificationEnabled,omitempty"`
}

// Apply merges the patch into c and validates the result. c is left untouched on error.
func (p ConfigPatch) Apply(c Config) (Config, error) {
	next := c
	if p.Enabled != nil {
		next.Enabled = *p.Enabled
	}
	if p.Thresholds != nil {
		if p.Thresholds.Soft != nil {
			next.Thresholds.Soft = *p.Thresholds.Soft
		}
		if p.Thresholds.Medium != nil {
			next.Thresholds.Medium = *p.Thresholds.Medium
		}
		if p.Thresholds.Aggressive != nil {
			next.Thresholds.Aggressive = *p.Thresholds.Aggressive
		}
	}
	if p.CooldownMinutes != nil {
		next.CooldownMinutes = *p.CooldownMinutes
	}
	if p.MaxDailyRebalances != nil {
		next.MaxDailyRebalances = *p.MaxDailyRebalances
	}
	if p.NotificationsEnabled != nil {
		next.NotificationsEnabled = *p.NotificationsEnabled
	}
	if err := next.Validate(); err != nil {
		return c, err
	}
	return next, nil
}

// Trigger names what started an evaluation.
type Trigger string

const (
	TriggerTimer      Trigger = "timer"
	TriggerVolatility Trigger = "volatility"
	TriggerManual     Trigger = "manual"
	TriggerForce      Trigger = "force"
)

// RunStatus classifies a recorded run.
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusPartial   RunStatus = "partial"
	StatusFailed    RunStatus = "failed"
	StatusSkipped   RunStatus = "skipped"
	StatusAborted   RunStatus = "aborted"
)

// Record summarises one trigger outcome.
type Record struct {
	ID            string            `json:"id"`
	Vault         string            `json:"vault"`
	Trigger       Trigger           `json:"trigger"`
	Status        RunStatus         `json:"status"`
	SkipReason    SkipReason        `json:"skipReason,omitempty"`
	Intensity     planner.Intensity `json:"intensity,omitempty"`
	VolatilityBps int64             `json:"volatilityBps"`
	TxHashes      []string          `json:"txHashes"`
	Errors        []string          `json:"errors"`
	StartedAt     time.Time         `json:"startedAt"`
	FinishedAt    time.Time         `json:"finishedAt"`
}

// State is the mutable per-vault automation state.
type State struct {
	Config                     Config  `json:"config"`
	LastExecutionUnixMillis    int64   `json:"lastExecutionUnixMillis"`
	DailyCount                 int     `json:"dailyCount"`
	DailyWindowStartUnixMillis int64   `json:"dailyWindowStartUnixMillis"`
	LastResult                 *Record `json:"lastResult,omitempty"`
}

func (s State) clone() State {
	out := s
	if s.LastResult != nil {
		rec := *s.LastResult
		rec.TxHashes = append([]string(nil), s.LastResult.TxHashes...)
		rec.Errors = append([]string(nil), s.LastResult.Errors...)
		out.LastResult = &rec
	}
	return out
}

// NextAllowed returns when the cooldown expires, or the zero time if never executed.
func (s State) NextAllowed() time.Time {
	if s.LastExecutionUnixMillis == 0 {
		return time.Time{}
	}
	cooldown := time.Duration(s.Config.CooldownMinutes) * time.Minute
	return time.UnixMilli(s.LastExecutionUnixMillis).Add(cooldown).UTC()
}

// StateStore is the durability hook; implementations persist state across restarts.
type StateStore interface {
	LoadState(ctx context.Context, vault string) (State, bool, error)
	SaveState(ctx context.Context, vault string, state State) error
}
