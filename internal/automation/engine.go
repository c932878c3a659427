package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vault-rebalancer/internal/planner"
)

const dailyWindow = 24 * time.Hour

// SkipReason explains why a trigger did not execute.
type SkipReason string

const (
	SkipDisabled        SkipReason = "disabled"
	SkipDailyCapReached SkipReason = "daily_cap_reached"
	SkipCooldownActive  SkipReason = "cooldown_active"
	SkipBelowThreshold  SkipReason = "below_threshold"

	// SkipLockHeld is set by callers when another process holds the vault lock.
	SkipLockHeld SkipReason = "lock_held"
)

// Decision is the gating outcome for one reading.
type Decision struct {
	Execute       bool
	Reason        SkipReason
	Intensity     planner.Intensity
	VolatilityBps int64
}

// Execution is what an Executor reports back to the engine.
type Execution struct {
	Success  bool
	TxHashes []string
	Errors   []string
}

// Executor carries out a rebalance at the chosen intensity.
type Executor func(ctx context.Context, intensity planner.Intensity) (Execution, error)

// Engine gates triggers for a single vault and serialises their execution.
type Engine struct {
	vault  string
	store  StateStore
	now    func() time.Time
	logger zerolog.Logger

	// runMu makes the engine a single logical worker: at most one execution at a time.
	runMu sync.Mutex

	mu    sync.RWMutex
	state State
	// cooldownRev counts explicit cooldown updates.
	cooldownRev uint64
}

// EngineOptions wire optional collaborators.
type EngineOptions struct {
	Store StateStore
	Now   func() time.Time
}

// NewEngine creates an engine seeded with state.
func NewEngine(vault string, state State, opts EngineOptions, logger zerolog.Logger) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		vault:  vault,
		store:  opts.Store,
		now:    now,
		logger: logger.With().Str("component", "automation").Str("vault", vault).Logger(),
		state:  state.clone(),
	}
}

// Vault returns the vault address this engine gates.
func (e *Engine) Vault() string {
	return e.vault
}

// Snapshot returns a copy of the current state; it may be stale by the time it is read.
func (e *Engine) Snapshot() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.clone()
}

func (e *Engine) decideLocked(now time.Time, volatilityBps int64) Decision {
	d := Decision{VolatilityBps: volatilityBps}
	cfg := e.state.Config

	if !cfg.Enabled {
		d.Reason = SkipDisabled
		return d
	}

	e.rollWindowLocked(now)
	if e.state.DailyCount >= cfg.MaxDailyRebalances {
		d.Reason = SkipDailyCapReached
		return d
	}

	if e.state.LastExecutionUnixMillis > 0 {
		cooldown := int64(cfg.CooldownMinutes) * 60_000
		if now.UnixMilli()-e.state.LastExecutionUnixMillis < cooldown {
			d.Reason = SkipCooldownActive
			return d
		}
	}

	intensity, ok := SelectIntensity(cfg.Thresholds, volatilityBps)
	if !ok {
		d.Reason = SkipBelowThreshold
		return d
	}
	d.Execute = true
	d.Intensity = intensity
	return d
}

// SelectIntensity maps a reading to the highest threshold it reaches (inclusive).
func SelectIntensity(t Thresholds, volatilityBps int64) (planner.Intensity, bool) {
	switch {
	case volatilityBps >= t.Aggressive:
		return planner.Aggressive, true
	case volatilityBps >= t.Medium:
		return planner.Medium, true
	case volatilityBps >= t.Soft:
		return planner.Soft, true
	default:
		return "", false
	}
}

func (e *Engine) rollWindowLocked(now time.Time) {
	nowMs := now.UnixMilli()
	if nowMs-e.state.DailyWindowStartUnixMillis >= dailyWindow.Milliseconds() {
		e.state.DailyCount = 0
		e.state.DailyWindowStartUnixMillis = nowMs
	}
}

// Run gates an automatic trigger and, if it passes, executes it.
func (e *Engine) Run(ctx context.Context, trigger Trigger, volatilityBps int64, exec Executor) (Record, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	started := e.now()
	e.mu.Lock()
	decision := e.decideLocked(started, volatilityBps)
	e.mu.Unlock()

	if !decision.Execute {
		rec := e.newRecord(trigger, started, volatilityBps)
		rec.Status = StatusSkipped
		rec.SkipReason = decision.Reason
		rec.FinishedAt = started.UTC()
		e.persist(ctx)
		e.logger.Info().Str("trigger", string(trigger)).
			Int64("volatility_bps", volatilityBps).
			Str("reason", string(decision.Reason)).
			Msg("rebalance skipped")
		return rec, nil
	}

	return e.execute(ctx, trigger, decision.Intensity, volatilityBps, started, exec)
}

// Force executes at the given intensity, bypassing the daily cap and cooldown.
// The cooldown is zeroed for the duration of the run and always restored afterwards.
func (e *Engine) Force(ctx context.Context, intensity planner.Intensity, volatilityBps int64, exec Executor) (Record, error) {
	if !intensity.Valid() {
		return Record{}, fmt.Errorf("%w: unknown intensity %q", ErrInvalidConfig, intensity)
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	started := e.now()
	e.mu.Lock()
	if !e.state.Config.Enabled {
		e.mu.Unlock()
		rec := e.newRecord(TriggerForce, started, volatilityBps)
		rec.Status = StatusSkipped
		rec.SkipReason = SkipDisabled
		rec.Intensity = intensity
		rec.FinishedAt = started.UTC()
		return rec, nil
	}
	e.rollWindowLocked(started)
	e.mu.Unlock()

	restore := e.suspendCooldown()
	defer restore()

	return e.execute(ctx, TriggerForce, intensity, volatilityBps, started, exec)
}

func (e *Engine) suspendCooldown() func() {
	e.mu.Lock()
	original := e.state.Config.CooldownMinutes
	rev := e.cooldownRev
	e.state.Config.CooldownMinutes = 0
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		// a cooldown update that landed mid-run wins over the saved value
		if e.cooldownRev == rev {
			e.state.Config.CooldownMinutes = original
		}
		e.mu.Unlock()
		e.persist(context.Background())
	}
}

func (e *Engine) execute(ctx context.Context, trigger Trigger, intensity planner.Intensity, volatilityBps int64, started time.Time, exec Executor) (rec Record, err error) {
	rec = e.newRecord(trigger, started, volatilityBps)
	rec.Intensity = intensity

	log := e.logger.With().Str("run_id", rec.ID).Str("trigger", string(trigger)).Str("intensity", string(intensity)).Logger()
	log.Info().Int64("volatility_bps", volatilityBps).Msg("rebalance executing")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rebalance panicked: %v", r)
			rec.Status = StatusFailed
			rec.Errors = append(rec.Errors, err.Error())
			rec.FinishedAt = e.now().UTC()
			e.commit(ctx, rec, false)
		}
	}()

	result, execErr := exec(ctx, intensity)
	rec.TxHashes = append(rec.TxHashes, result.TxHashes...)
	rec.Errors = append(rec.Errors, result.Errors...)
	if execErr != nil {
		rec.Errors = append(rec.Errors, execErr.Error())
	}
	rec.FinishedAt = e.now().UTC()

	success := execErr == nil && result.Success
	switch {
	case success && len(rec.Errors) == 0:
		rec.Status = StatusCompleted
	case success:
		rec.Status = StatusPartial
	default:
		rec.Status = StatusFailed
	}

	e.commit(ctx, rec, success)

	log.Info().Str("status", string(rec.Status)).
		Int("tx_count", len(rec.TxHashes)).
		Int("error_count", len(rec.Errors)).
		Msg("rebalance finished")

	if execErr != nil && !success {
		return rec, execErr
	}
	return rec, nil
}

// commit updates counters only for successful runs; the last result is always stored.
func (e *Engine) commit(ctx context.Context, rec Record, success bool) {
	e.mu.Lock()
	if success {
		e.state.LastExecutionUnixMillis = rec.FinishedAt.UnixMilli()
		e.state.DailyCount++
	}
	stored := rec
	stored.TxHashes = append([]string(nil), rec.TxHashes...)
	stored.Errors = append([]string(nil), rec.Errors...)
	e.state.LastResult = &stored
	e.mu.Unlock()

	e.persist(ctx)
}

func (e *Engine) newRecord(trigger Trigger, started time.Time, volatilityBps int64) Record {
	return Record{
		ID:            uuid.NewString(),
		Vault:         e.vault,
		Trigger:       trigger,
		VolatilityBps: volatilityBps,
		TxHashes:      []string{},
		Errors:        []string{},
		StartedAt:     started.UTC(),
	}
}

// UpdateConfig applies a partial update. Invalid updates are rejected and nothing changes.
func (e *Engine) UpdateConfig(ctx context.Context, patch ConfigPatch) (Config, error) {
	e.mu.Lock()
	next, err := patch.Apply(e.state.Config)
	if err != nil {
		e.mu.Unlock()
		return Config{}, err
	}
	e.state.Config = next
	if patch.CooldownMinutes != nil {
		e.cooldownRev++
	}
	e.mu.Unlock()

	e.persist(ctx)
	e.logger.Info().Bool("enabled", next.Enabled).
		Int64("soft_bps", next.Thresholds.Soft).
		Int64("medium_bps", next.Thresholds.Medium).
		Int64("aggressive_bps", next.Thresholds.Aggressive).
		Int("cooldown_minutes", next.CooldownMinutes).
		Int("max_daily", next.MaxDailyRebalances).
		Msg("automation config updated")
	return next, nil
}

// ResetDaily zeroes the daily counter and restarts the window now.
func (e *Engine) ResetDaily(ctx context.Context) {
	e.mu.Lock()
	e.state.DailyCount = 0
	e.state.DailyWindowStartUnixMillis = e.now().UnixMilli()
	e.mu.Unlock()

	e.persist(ctx)
	e.logger.Info().Msg("daily rebalance counter reset")
}

func (e *Engine) persist(ctx context.Context) {
	if e.store == nil {
		return
	}
	snapshot := e.Snapshot()
	if err := e.store.SaveState(context.WithoutCancel(ctx), e.vault, snapshot); err != nil {
		e.logger.Error().Err(err).Msg("failed to persist automation state")
	}
}

// IsSkip reports whether rec is a gating skip rather than a failure.
func IsSkip(rec Record) bool {
	return rec.Status == StatusSkipped
}
