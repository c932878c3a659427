// Package service connects triggers to the automation engine, the planner and the saga.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vault-rebalancer/internal/alerting"
	"vault-rebalancer/internal/automation"
	"vault-rebalancer/internal/chain"
	"vault-rebalancer/internal/planner"
	"vault-rebalancer/internal/saga"
	"vault-rebalancer/internal/storage"
	"vault-rebalancer/internal/swap"
	"vault-rebalancer/internal/volatility"
)

// ErrNothingToRebalance is reported when a plan has no eligible tokens.
var ErrNothingToRebalance = errors.New("service: no token balance eligible for rebalancing")

// Estimator produces volatility readings.
type Estimator interface {
	Estimate(ctx context.Context) (volatility.Reading, error)
}

// VaultHandle is a connected vault: saga calls plus balance reads.
type VaultHandle interface {
	saga.VaultClient
	Operator() common.Address
	Balances(ctx context.Context, tokens []chain.Token) ([]planner.TokenBalance, error)
}

// Session names a vault and, optionally, the delegated-signer credentials to act on it.
// Empty credentials fall back to the configured ones.
type Session struct {
	Vault      string
	PKPAddress string
	JWT        string
}

// Target is everything needed to rebalance one vault.
type Target struct {
	Vault   VaultHandle
	Swapper swap.Provider
	Tokens  []chain.Token
}

// Connector resolves a session into a live target.
type Connector interface {
	Connect(ctx context.Context, session Session) (Target, error)
}

// VaultLocker serialises rebalances of one vault across processes.
type VaultLocker interface {
	TryVaultLock(ctx context.Context, vault string) (unlock func(), acquired bool, err error)
}

// VaultInfo is the caller-supplied context for a forced rebalance.
type VaultInfo struct {
	Address    string
	PKPAddress string
	JWT        string
	// Balances, when non-empty, replace the on-chain read for planning.
	Balances []planner.TokenBalance
}

// Outcome is a recorded run plus the plan and saga result behind it, if any.
type Outcome struct {
	Record automation.Record `json:"record"`
	Plan   *planner.Plan     `json:"plan,omitempty"`
	Saga   *saga.Result      `json:"saga,omitempty"`
}

// Options tune execution.
type Options struct {
	// Vaults are evaluated by the timer and volatility triggers.
	Vaults  []string
	Planner planner.Options
	// Saga is the template for every run; Operator is filled from the target.
	Saga        saga.Options
	SagaTimeout time.Duration
	Now         func() time.Time
}

// Rebalancer orchestrates estimation, gating, planning, execution, persistence and alerting.
type Rebalancer struct {
	registry  *automation.Registry
	estimator Estimator
	connector Connector
	planner   *planner.Planner
	runs      storage.RunStore
	locker    VaultLocker
	notifier  alerting.Notifier
	opts      Options
	logger    zerolog.Logger

	queueMu sync.Mutex
	queues  map[string]*sync.Mutex
}

// Deps are the optional collaborators; nil members are skipped.
type Deps struct {
	Runs     storage.RunStore
	Locker   VaultLocker
	Notifier alerting.Notifier
}

// New constructs the rebalancer.
func New(registry *automation.Registry, estimator Estimator, connector Connector, deps Deps, opts Options, logger zerolog.Logger) *Rebalancer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Rebalancer{
		registry:  registry,
		estimator: estimator,
		connector: connector,
		planner:   planner.New(opts.Planner),
		runs:      deps.Runs,
		locker:    deps.Locker,
		notifier:  deps.Notifier,
		opts:      opts,
		logger:    logger.With().Str("component", "rebalancer").Logger(),
		queues:    make(map[string]*sync.Mutex),
	}
}

// Registry exposes the per-vault engines.
func (r *Rebalancer) Registry() *automation.Registry {
	return r.registry
}

// Evaluate runs one gated evaluation of vault for trigger.
func (r *Rebalancer) Evaluate(ctx context.Context, vault string, trigger automation.Trigger) (Outcome, error) {
	return r.evaluate(ctx, vault, trigger, nil)
}

func (r *Rebalancer) evaluate(ctx context.Context, vault string, trigger automation.Trigger, reading *volatility.Reading) (Outcome, error) {
	engine, err := r.registry.Get(ctx, vault)
	if err != nil {
		return Outcome{}, err
	}

	release := r.queue(engine.Vault())
	defer release()

	unlock, acquired, err := r.acquireLock(ctx, engine.Vault())
	if err != nil {
		return Outcome{}, err
	}
	if !acquired {
		return r.lockHeld(ctx, engine.Vault(), trigger), nil
	}
	if unlock != nil {
		defer unlock()
	}

	started := r.opts.Now()
	if reading == nil {
		rd, err := r.estimator.Estimate(ctx)
		if err != nil {
			if errors.Is(err, volatility.ErrDataUnavailable) {
				return r.aborted(ctx, engine.Vault(), trigger, started, err), nil
			}
			return Outcome{}, fmt.Errorf("estimate volatility: %w", err)
		}
		reading = &rd
	}

	var out Outcome
	exec := r.executor(engine.Vault(), Session{Vault: engine.Vault()}, nil, &out)
	rec, runErr := engine.Run(ctx, trigger, reading.MagnitudeBps, exec)
	out.Record = rec
	r.finish(ctx, engine, out)
	return out, runErr
}

// Force executes immediately at intensity, bypassing cooldown and the daily cap.
// The automation enabled flag still applies.
func (r *Rebalancer) Force(ctx context.Context, intensity planner.Intensity, info VaultInfo) (Outcome, error) {
	if !intensity.Valid() {
		return Outcome{}, fmt.Errorf("%w: unknown intensity %q", automation.ErrInvalidConfig, intensity)
	}
	engine, err := r.registry.Get(ctx, info.Address)
	if err != nil {
		return Outcome{}, err
	}

	release := r.queue(engine.Vault())
	defer release()

	unlock, acquired, err := r.acquireLock(ctx, engine.Vault())
	if err != nil {
		return Outcome{}, err
	}
	if !acquired {
		return r.lockHeld(ctx, engine.Vault(), automation.TriggerForce), nil
	}
	if unlock != nil {
		defer unlock()
	}

	// the reading is informational for a forced run
	var bps int64
	if reading, err := r.estimator.Estimate(ctx); err != nil {
		r.logger.Warn().Err(err).Str("vault", engine.Vault()).Msg("volatility unavailable for forced run")
	} else {
		bps = reading.MagnitudeBps
	}

	var out Outcome
	session := Session{Vault: engine.Vault(), PKPAddress: info.PKPAddress, JWT: info.JWT}
	exec := r.executor(engine.Vault(), session, info.Balances, &out)
	rec, runErr := engine.Force(ctx, intensity, bps, exec)
	out.Record = rec
	r.finish(ctx, engine, out)
	return out, runErr
}

// Preview builds the plan a rebalance at intensity would execute now, without sending anything.
func (r *Rebalancer) Preview(ctx context.Context, vault string, intensity planner.Intensity) (planner.Plan, error) {
	engine, err := r.registry.Get(ctx, vault)
	if err != nil {
		return planner.Plan{}, err
	}
	target, err := r.connector.Connect(ctx, Session{Vault: engine.Vault()})
	if err != nil {
		return planner.Plan{}, err
	}
	balances, err := target.Vault.Balances(ctx, target.Tokens)
	if err != nil {
		return planner.Plan{}, fmt.Errorf("read balances: %w", err)
	}
	return r.planner.Build(intensity, balances)
}

// executor connects lazily so that a skipped trigger never touches the chain.
func (r *Rebalancer) executor(vault string, session Session, balances []planner.TokenBalance, out *Outcome) automation.Executor {
	return func(ctx context.Context, intensity planner.Intensity) (automation.Execution, error) {
		target, err := r.connector.Connect(ctx, session)
		if err != nil {
			return automation.Execution{}, fmt.Errorf("connect vault: %w", err)
		}

		if len(balances) == 0 {
			balances, err = target.Vault.Balances(ctx, target.Tokens)
			if err != nil {
				return automation.Execution{}, fmt.Errorf("read balances: %w", err)
			}
		}

		plan, err := r.planner.Build(intensity, balances)
		if err != nil {
			return automation.Execution{}, err
		}
		out.Plan = &plan
		for _, skipped := range plan.Skipped {
			r.logger.Debug().Str("vault", vault).Str("token", skipped.Symbol).Str("reason", skipped.Reason).Msg("token left out of plan")
		}
		if len(plan.Steps) == 0 {
			return automation.Execution{}, ErrNothingToRebalance
		}

		if r.opts.SagaTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.opts.SagaTimeout)
			defer cancel()
		}

		sagaOpts := r.opts.Saga
		sagaOpts.Operator = target.Vault.Operator()
		result := saga.New(target.Vault, target.Swapper, sagaOpts, r.logger).Execute(ctx, plan)
		out.Saga = &result

		return automation.Execution{
			Success:  result.Success,
			TxHashes: result.CompletedTxHashes,
			Errors:   result.Errors,
		}, nil
	}
}

// queue serialises triggers for one vault inside this process, so the
// cross-process lock only ever reports contention with other replicas.
func (r *Rebalancer) queue(vault string) func() {
	r.queueMu.Lock()
	mu, ok := r.queues[vault]
	if !ok {
		mu = &sync.Mutex{}
		r.queues[vault] = mu
	}
	r.queueMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (r *Rebalancer) acquireLock(ctx context.Context, vault string) (func(), bool, error) {
	if r.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := r.locker.TryVaultLock(ctx, vault)
	if err != nil {
		return nil, false, fmt.Errorf("acquire vault lock: %w", err)
	}
	return unlock, acquired, nil
}

func (r *Rebalancer) lockHeld(ctx context.Context, vault string, trigger automation.Trigger) Outcome {
	now := r.opts.Now().UTC()
	rec := automation.Record{
		ID:         uuid.NewString(),
		Vault:      vault,
		Trigger:    trigger,
		Status:     automation.StatusSkipped,
		SkipReason: automation.SkipLockHeld,
		TxHashes:   []string{},
		Errors:     []string{},
		StartedAt:  now,
		FinishedAt: now,
	}
	r.logger.Info().Str("vault", vault).Str("trigger", string(trigger)).Msg("vault locked by another process; skipping")
	out := Outcome{Record: rec}
	r.persist(ctx, out)
	return out
}

// aborted records a run that never reached the engine; no budget is consumed.
func (r *Rebalancer) aborted(ctx context.Context, vault string, trigger automation.Trigger, started time.Time, cause error) Outcome {
	rec := automation.Record{
		ID:         uuid.NewString(),
		Vault:      vault,
		Trigger:    trigger,
		Status:     automation.StatusAborted,
		TxHashes:   []string{},
		Errors:     []string{cause.Error()},
		StartedAt:  started.UTC(),
		FinishedAt: r.opts.Now().UTC(),
	}
	r.logger.Warn().Err(cause).Str("vault", vault).Str("trigger", string(trigger)).Msg("volatility unavailable; evaluation aborted")
	out := Outcome{Record: rec}
	r.persist(ctx, out)
	return out
}

func (r *Rebalancer) finish(ctx context.Context, engine *automation.Engine, out Outcome) {
	r.persist(ctx, out)
	if automation.IsSkip(out.Record) {
		return
	}
	if !engine.Snapshot().Config.NotificationsEnabled {
		return
	}
	r.notify(ctx, out)
}

func (r *Rebalancer) persist(ctx context.Context, out Outcome) {
	if r.runs == nil {
		return
	}
	run := storage.RunRecord{Record: out.Record, SwapTotal: decimal.Zero}
	if out.Plan != nil {
		run.SwapTotal = out.Plan.TotalSwapAmount
		if raw, err := json.Marshal(out.Plan); err == nil {
			run.Plan = raw
		}
	}
	if out.Saga != nil {
		if raw, err := json.Marshal(out.Saga.Tokens); err == nil {
			run.Tokens = raw
		}
	}
	if err := r.runs.InsertRun(context.WithoutCancel(ctx), run); err != nil {
		r.logger.Error().Err(err).Str("run_id", out.Record.ID).Msg("failed to persist rebalance run")
	}
}

func (r *Rebalancer) notify(ctx context.Context, out Outcome) {
	if r.notifier == nil {
		return
	}
	rec := out.Record
	note := alerting.Notification{
		RunID:         rec.ID,
		Vault:         rec.Vault,
		Trigger:       string(rec.Trigger),
		Status:        string(rec.Status),
		Intensity:     string(rec.Intensity),
		VolatilityBps: rec.VolatilityBps,
		TxHashes:      rec.TxHashes,
		Errors:        rec.Errors,
		FinishedAt:    rec.FinishedAt,
	}
	if out.Plan != nil {
		note.SwapTotal = out.Plan.TotalSwapAmount
	}
	if err := r.notifier.Notify(context.WithoutCancel(ctx), note); err != nil {
		r.logger.Error().Err(err).Str("run_id", rec.ID).Msg("failed to dispatch rebalance alert")
	}
}
