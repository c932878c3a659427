// Package saga executes a rebalance plan as ordered, per-token transaction sequences.
// Steps are independent on-chain transactions: nothing is rolled back, and every
// confirmed hash is kept even when a later step for the same token fails.
package saga

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"vault-rebalancer/internal/planner"
	"vault-rebalancer/internal/swap"
)

var (
	// ErrInsufficientBalance aborts a token whose on-chain balance is below the planned amount.
	ErrInsufficientBalance = errors.New("saga: insufficient vault balance")
	// ErrPrecheckFailed aborts a token whose swap quote failed validation.
	ErrPrecheckFailed = errors.New("saga: swap precheck failed")
	// ErrIncompleteOptions refuses a run whose swap leg has nowhere to go.
	ErrIncompleteOptions = errors.New("saga: router and stable token must be set")
)

// VaultClient is the vault contract plus the ERC20 calls the saga relies on.
// Methods returning a hash block until the transaction is confirmed.
type VaultClient interface {
	Address() common.Address
	SyncBalance(ctx context.Context, token common.Address) error
	IsTokenRegistered(ctx context.Context, token common.Address) (bool, error)
	RegisterTokens(ctx context.Context, tokens []common.Address) (common.Hash, error)
	VaultBalance(ctx context.Context, token common.Address) (*big.Int, error)
	WithdrawTo(ctx context.Context, token common.Address, amount *big.Int, to common.Address) (common.Hash, error)
	Deposit(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// Stage is the furthest sub-step a token reached.
type Stage string

const (
	StagePending        Stage = "pending"
	StageSynced         Stage = "synced"
	StageBalanceChecked Stage = "balance_checked"
	StageWithdrawn      Stage = "withdrawn"
	StageApproved       Stage = "approved"
	StageSwapped        Stage = "swapped"
	StageDeposited      Stage = "deposited"
)

// StepTx is a confirmed transaction tied to the sub-step that produced it.
type StepTx struct {
	Step string `json:"step"`
	Hash string `json:"hash"`
}

// TokenOutcome is the per-token progress record used for manual reconciliation.
type TokenOutcome struct {
	Symbol string   `json:"symbol"`
	Token  string   `json:"token"`
	Amount string   `json:"amount"`
	Stage  Stage    `json:"stage"`
	Txs    []StepTx `json:"txs"`
	Error  string   `json:"error,omitempty"`
}

// Result accumulates hashes and errors across the whole plan.
type Result struct {
	Success           bool           `json:"success"`
	CompletedTxHashes []string       `json:"completedTxHashes"`
	Errors            []string       `json:"errors"`
	Tokens            []TokenOutcome `json:"tokens"`
}

// Options configure a saga run.
type Options struct {
	ChainID         int64
	Operator        common.Address
	Router          common.Address
	StableToken     common.Address
	SlippageBps     int64
	Retry           RetryPolicy
	SettlementDelay time.Duration
	// Sleep waits out the settlement delay; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Saga runs plans against one vault.
type Saga struct {
	vault   VaultClient
	swapper swap.Provider
	opts    Options
	logger  zerolog.Logger
}

// New builds a Saga.
func New(vault VaultClient, swapper swap.Provider, opts Options, logger zerolog.Logger) *Saga {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Saga{
		vault:   vault,
		swapper: swapper,
		opts:    opts,
		logger:  logger.With().Str("component", "saga").Str("vault", vault.Address().Hex()).Logger(),
	}
}

// Execute runs every step of the plan in order. A token failure is recorded and the next
// token is attempted. Success means at least one transaction was confirmed.
func (s *Saga) Execute(ctx context.Context, plan planner.Plan) Result {
	res := Result{
		CompletedTxHashes: []string{},
		Errors:            []string{},
		Tokens:            make([]TokenOutcome, 0, len(plan.Steps)),
	}

	// nothing may leave the vault unless the swap and deposit legs can complete
	if s.opts.Router == (common.Address{}) || s.opts.StableToken == (common.Address{}) {
		s.logger.Error().Str("router", s.opts.Router.Hex()).Str("stable", s.opts.StableToken.Hex()).Msg("saga refused: incomplete options")
		markNotAttempted(&res, plan.Steps, ErrIncompleteOptions)
		return res
	}

	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			markNotAttempted(&res, plan.Steps[i:], err)
			break
		}

		run := &tokenRun{
			saga: s,
			step: step,
			out: TokenOutcome{
				Symbol: step.Symbol,
				Token:  step.TokenAddress,
				Amount: step.AmountToSwap.String(),
				Stage:  StagePending,
				Txs:    []StepTx{},
			},
			log: s.logger.With().Str("token", step.Symbol).Str("amount", step.AmountFormatted().String()).Logger(),
			res: &res,
		}

		if err := run.execute(ctx); err != nil {
			run.out.Error = err.Error()
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", step.Symbol, err))
			run.log.Error().Err(err).Str("stage", string(run.out.Stage)).Msg("token rebalance failed")
		} else {
			run.log.Info().Int("txs", len(run.out.Txs)).Msg("token rebalance complete")
		}
		res.Tokens = append(res.Tokens, run.out)
	}

	res.Success = len(res.CompletedTxHashes) > 0
	return res
}

func markNotAttempted(res *Result, steps []planner.Step, cause error) {
	msg := fmt.Sprintf("not attempted: %v", cause)
	for _, step := range steps {
		res.Tokens = append(res.Tokens, TokenOutcome{Symbol: step.Symbol, Token: step.TokenAddress, Amount: step.AmountToSwap.String(), Stage: StagePending, Txs: []StepTx{}, Error: msg})
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", step.Symbol, msg))
	}
}

type tokenRun struct {
	saga *Saga
	step planner.Step
	out  TokenOutcome
	log  zerolog.Logger
	res  *Result
}

func (r *tokenRun) record(stepName string, hash common.Hash) {
	h := hash.Hex()
	r.out.Txs = append(r.out.Txs, StepTx{Step: stepName, Hash: h})
	r.res.CompletedTxHashes = append(r.res.CompletedTxHashes, h)
	r.log.Info().Str("step", stepName).Str("tx", h).Msg("transaction confirmed")
}

func (r *tokenRun) execute(ctx context.Context) error {
	s := r.saga
	token := common.HexToAddress(r.step.TokenAddress)
	amount := r.step.AmountToSwap
	if amount == nil || amount.Sign() <= 0 {
		return errors.New("planned amount is zero")
	}

	// 1. sync: stale data is tolerated, the balance check below is authoritative
	if err := s.vault.SyncBalance(ctx, token); err != nil {
		r.log.Warn().Err(err).Msg("balance sync failed; continuing")
	} else {
		r.out.Stage = StageSynced
	}

	// 2. registration bootstrap; on failure the balance check fails naturally
	r.ensureRegistered(ctx, token)

	// 3. authoritative balance
	balance, err := s.vault.VaultBalance(ctx, token)
	if err != nil {
		return fmt.Errorf("read vault balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}
	r.out.Stage = StageBalanceChecked

	// 4. withdraw to the operating address
	hash, err := s.opts.Retry.Do(ctx, r.log, "withdraw", func(ctx context.Context) (common.Hash, error) {
		return s.vault.WithdrawTo(ctx, token, amount, s.opts.Operator)
	})
	if err != nil {
		return err
	}
	r.record("withdraw", hash)
	r.out.Stage = StageWithdrawn

	// 5. router allowance
	if err := r.ensureAllowance(ctx, token, s.opts.Router, amount, "approve"); err != nil {
		return err
	}
	r.out.Stage = StageApproved

	// 6. quote, precheck, execute; never retried as a unit
	quote, err := s.swapper.Quote(ctx, swap.QuoteRequest{
		ChainID:     s.opts.ChainID,
		TokenIn:     token,
		TokenOut:    s.opts.StableToken,
		AmountIn:    amount,
		Recipient:   s.opts.Operator,
		SlippageBps: s.opts.SlippageBps,
	})
	if err != nil {
		return fmt.Errorf("swap quote: %w", err)
	}
	ok, err := s.swapper.Precheck(ctx, quote)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPrecheckFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: quote %s rejected", ErrPrecheckFailed, quote.ID)
	}
	swapHash, err := s.swapper.Execute(ctx, quote)
	if err != nil {
		return fmt.Errorf("swap execute: %w", err)
	}
	r.record("swap", swapHash)
	r.out.Stage = StageSwapped

	// 7. return proceeds to the vault
	return r.transferBack(ctx)
}

func (r *tokenRun) ensureRegistered(ctx context.Context, token common.Address) {
	s := r.saga
	registered, err := s.vault.IsTokenRegistered(ctx, token)
	if err != nil {
		r.log.Warn().Err(err).Msg("registration check failed; continuing")
		return
	}
	if registered {
		return
	}

	hash, err := s.opts.Retry.Do(ctx, r.log, "register", func(ctx context.Context) (common.Hash, error) {
		return s.vault.RegisterTokens(ctx, []common.Address{token})
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("token registration failed; continuing")
		return
	}
	r.record("register", hash)
}

func (r *tokenRun) ensureAllowance(ctx context.Context, token, spender common.Address, amount *big.Int, stepName string) error {
	s := r.saga
	current, err := s.vault.Allowance(ctx, token, s.opts.Operator, spender)
	if err != nil {
		return fmt.Errorf("read allowance: %w", err)
	}
	if current.Cmp(amount) >= 0 {
		r.log.Debug().Str("step", stepName).Str("allowance", current.String()).Msg("allowance sufficient")
		return nil
	}

	hash, err := s.opts.Retry.Do(ctx, r.log, stepName, func(ctx context.Context) (common.Hash, error) {
		return s.vault.Approve(ctx, token, spender, amount)
	})
	if err != nil {
		return err
	}
	r.record(stepName, hash)
	return nil
}

func (r *tokenRun) transferBack(ctx context.Context) error {
	s := r.saga
	if err := s.opts.Sleep(ctx, s.opts.SettlementDelay); err != nil {
		return fmt.Errorf("settlement wait: %w", err)
	}

	proceeds, err := s.vault.TokenBalance(ctx, s.opts.StableToken, s.opts.Operator)
	if err != nil {
		return fmt.Errorf("read stable balance: %w", err)
	}
	if proceeds.Sign() == 0 {
		r.log.Warn().Msg("no stable proceeds found at operating address")
		return nil
	}

	if err := r.ensureAllowance(ctx, s.opts.StableToken, s.vault.Address(), proceeds, "approve_deposit"); err != nil {
		return err
	}

	hash, err := s.opts.Retry.Do(ctx, r.log, "deposit", func(ctx context.Context) (common.Hash, error) {
		return s.vault.Deposit(ctx, s.opts.StableToken, proceeds)
	})
	if err != nil {
		return err
	}
	r.record("deposit", hash)
	r.out.Stage = StageDeposited
	return nil
}
