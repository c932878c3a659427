// Package planner turns an intensity and vault balances into per-token swap steps.
package planner

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// DefaultDustThreshold is the smallest human-readable amount worth swapping.
	DefaultDustThreshold = decimal.RequireFromString("0.001")

	stableEstimateRatio = decimal.RequireFromString("0.8")
	hundred             = big.NewInt(100)
)

// TokenBalance is a raw on-chain balance.
type TokenBalance struct {
	Address  string   `json:"address"`
	Symbol   string   `json:"symbol"`
	Raw      *big.Int `json:"rawBalance"`
	Decimals int32    `json:"decimals"`
}

// Step is the planned conversion for one token.
// AmountToSwap + Remaining always equals CurrentBalance.
type Step struct {
	TokenAddress   string   `json:"tokenAddress"`
	Symbol         string   `json:"symbol"`
	CurrentBalance *big.Int `json:"currentBalanceRaw"`
	AmountToSwap   *big.Int `json:"amountToSwapRaw"`
	Remaining      *big.Int `json:"remainingBalanceRaw"`
	Decimals       int32    `json:"decimals"`
}

// AmountFormatted returns the swap amount in whole-token units.
func (s Step) AmountFormatted() decimal.Decimal {
	return FormatUnits(s.AmountToSwap, s.Decimals)
}

// Plan is the full set of steps for one rebalance.
type Plan struct {
	Intensity               Intensity       `json:"intensity"`
	Percentage              int64           `json:"percentage"`
	Steps                   []Step          `json:"perTokenSteps"`
	TotalSwapAmount         decimal.Decimal `json:"totalSwapAmountFormatted"`
	EstimatedStableReceived decimal.Decimal `json:"estimatedStableReceived"`
	Skipped                 []SkippedToken  `json:"skipped,omitempty"`
}

// SkippedToken records why a balance did not become a step.
type SkippedToken struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// StableAsset identifies the token the plan converts into.
type StableAsset struct {
	Address string
	Symbol  string
}

// Options tune planning.
type Options struct {
	Stable        StableAsset
	DustThreshold decimal.Decimal
}

// Planner builds plans.
type Planner struct {
	opts Options
}

// New creates a Planner. A zero dust threshold falls back to DefaultDustThreshold.
func New(opts Options) *Planner {
	if !opts.DustThreshold.IsPositive() {
		opts.DustThreshold = DefaultDustThreshold
	}
	return &Planner{opts: opts}
}

// Build computes the plan for intensity over balances.
// The stable asset is excluded, symbols are de-duplicated keeping the first occurrence,
// and zero or dust amounts are skipped.
func (p *Planner) Build(intensity Intensity, balances []TokenBalance) (Plan, error) {
	pct := intensity.Percentage()
	if pct == 0 {
		return Plan{}, fmt.Errorf("planner: unknown intensity %q", intensity)
	}

	plan := Plan{
		Intensity:               intensity,
		Percentage:              pct,
		Steps:                   make([]Step, 0, len(balances)),
		TotalSwapAmount:         decimal.Zero,
		EstimatedStableReceived: decimal.Zero,
	}

	seen := make(map[string]struct{}, len(balances))
	for _, bal := range balances {
		symbolKey := strings.ToUpper(strings.TrimSpace(bal.Symbol))

		if p.isStable(bal) {
			plan.Skipped = append(plan.Skipped, SkippedToken{Symbol: bal.Symbol, Reason: "stable asset"})
			continue
		}
		if _, dup := seen[symbolKey]; dup {
			plan.Skipped = append(plan.Skipped, SkippedToken{Symbol: bal.Symbol, Reason: "duplicate symbol"})
			continue
		}
		seen[symbolKey] = struct{}{}

		if bal.Raw == nil || bal.Raw.Sign() <= 0 {
			plan.Skipped = append(plan.Skipped, SkippedToken{Symbol: bal.Symbol, Reason: "zero balance"})
			continue
		}

		amount := SwapAmount(bal.Raw, pct)
		formatted := FormatUnits(amount, bal.Decimals)
		if formatted.LessThan(p.opts.DustThreshold) {
			plan.Skipped = append(plan.Skipped, SkippedToken{Symbol: bal.Symbol, Reason: "below dust threshold"})
			continue
		}

		plan.Steps = append(plan.Steps, Step{
			TokenAddress:   bal.Address,
			Symbol:         bal.Symbol,
			CurrentBalance: new(big.Int).Set(bal.Raw),
			AmountToSwap:   amount,
			Remaining:      new(big.Int).Sub(bal.Raw, amount),
			Decimals:       bal.Decimals,
		})
		plan.TotalSwapAmount = plan.TotalSwapAmount.Add(formatted)
	}

	// rough heuristic, not a price
	plan.EstimatedStableReceived = plan.TotalSwapAmount.Mul(stableEstimateRatio)
	return plan, nil
}

func (p *Planner) isStable(bal TokenBalance) bool {
	if p.opts.Stable.Address != "" && strings.EqualFold(strings.TrimSpace(bal.Address), strings.TrimSpace(p.opts.Stable.Address)) {
		return true
	}
	if p.opts.Stable.Symbol != "" && strings.EqualFold(strings.TrimSpace(bal.Symbol), strings.TrimSpace(p.opts.Stable.Symbol)) {
		return true
	}
	return false
}

// SwapAmount returns floor(balance * pct / 100).
func SwapAmount(balance *big.Int, pct int64) *big.Int {
	out := new(big.Int).Mul(balance, big.NewInt(pct))
	return out.Quo(out, hundred)
}

// FormatUnits converts a raw amount into whole-token units.
func FormatUnits(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}
