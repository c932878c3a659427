package planner

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

const (
	wethAddr = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	usdcAddr = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	wbtcAddr = "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599"
)

func mustBig(t *testing.T, v string) *big.Int {
	t.Helper()
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		t.Fatalf("bad big int %q", v)
	}
	return n
}

func newPlanner() *Planner {
	return New(Options{Stable: StableAsset{Address: usdcAddr, Symbol: "USDC"}})
}

func TestBuildMediumScenario(t *testing.T) {
	plan, err := newPlanner().Build(Medium, []TokenBalance{
		{Address: wethAddr, Symbol: "WETH", Raw: mustBig(t, "1000000000000000000"), Decimals: 18},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if plan.Percentage != 40 || len(plan.Steps) != 1 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	step := plan.Steps[0]
	if step.AmountToSwap.String() != "400000000000000000" {
		t.Fatalf("amountToSwap = %s", step.AmountToSwap)
	}
	if step.Remaining.String() != "600000000000000000" {
		t.Fatalf("remaining = %s", step.Remaining)
	}
	if !plan.TotalSwapAmount.Equal(decimal.RequireFromString("0.4")) {
		t.Fatalf("total = %s", plan.TotalSwapAmount)
	}
	if !plan.EstimatedStableReceived.Equal(decimal.RequireFromString("0.32")) {
		t.Fatalf("estimate = %s", plan.EstimatedStableReceived)
	}
}

func TestBuildInvariantsAcrossIntensities(t *testing.T) {
	balances := []TokenBalance{
		{Address: wethAddr, Symbol: "WETH", Raw: mustBig(t, "1234567890123456789"), Decimals: 18},
		{Address: wbtcAddr, Symbol: "WBTC", Raw: mustBig(t, "99999999"), Decimals: 8},
	}
	for _, intensity := range []Intensity{Soft, Medium, Aggressive} {
		plan, err := newPlanner().Build(intensity, balances)
		if err != nil {
			t.Fatalf("Build(%s): %v", intensity, err)
		}
		for _, step := range plan.Steps {
			want := new(big.Int).Mul(step.CurrentBalance, big.NewInt(intensity.Percentage()))
			want.Quo(want, big.NewInt(100))
			if step.AmountToSwap.Cmp(want) != 0 {
				t.Fatalf("%s %s: amount %s want %s", intensity, step.Symbol, step.AmountToSwap, want)
			}
			sum := new(big.Int).Add(step.AmountToSwap, step.Remaining)
			if sum.Cmp(step.CurrentBalance) != 0 {
				t.Fatalf("%s %s: amount+remaining != balance", intensity, step.Symbol)
			}
		}
	}
}

func TestBuildExcludesStableDuplicatesZeroAndDust(t *testing.T) {
	plan, err := newPlanner().Build(Soft, []TokenBalance{
		{Address: usdcAddr, Symbol: "usdc-bridged", Raw: big.NewInt(5_000_000), Decimals: 6},
		{Address: "0xdead", Symbol: "USDC", Raw: big.NewInt(5_000_000), Decimals: 6},
		{Address: wethAddr, Symbol: "WETH", Raw: mustBig(t, "2000000000000000000"), Decimals: 18},
		{Address: "0xother", Symbol: "weth", Raw: mustBig(t, "9000000000000000000"), Decimals: 18},
		{Address: wbtcAddr, Symbol: "WBTC", Raw: big.NewInt(0), Decimals: 8},
		{Address: "0xdust", Symbol: "DUST", Raw: big.NewInt(6000), Decimals: 6},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(plan.Steps) != 1 {
		t.Fatalf("expected only WETH to survive, got %+v", plan.Steps)
	}
	if plan.Steps[0].TokenAddress != wethAddr {
		t.Fatalf("duplicate symbol should keep first occurrence, got %s", plan.Steps[0].TokenAddress)
	}
	for _, step := range plan.Steps {
		if step.Symbol == "USDC" || step.TokenAddress == usdcAddr {
			t.Fatal("stable asset must never be planned")
		}
	}
	if len(plan.Skipped) != 5 {
		t.Fatalf("expected 5 skipped entries, got %+v", plan.Skipped)
	}
}

func TestBuildUnknownIntensity(t *testing.T) {
	if _, err := newPlanner().Build(Intensity("yolo"), nil); err == nil {
		t.Fatal("unknown intensity should error")
	}
}

func TestParseIntensity(t *testing.T) {
	got, err := ParseIntensity(" Aggressive ")
	if err != nil || got != Aggressive {
		t.Fatalf("ParseIntensity: %q %v", got, err)
	}
	if _, err := ParseIntensity("extreme"); err == nil {
		t.Fatal("unknown level should be rejected")
	}
}

func TestFormatUnits(t *testing.T) {
	if got := FormatUnits(big.NewInt(1_500_000), 6); !got.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("FormatUnits = %s", got)
	}
	step := Step{AmountToSwap: big.NewInt(150_000_000_000_000_000), Decimals: 18}
	if got := step.AmountFormatted(); !got.Equal(decimal.RequireFromString("0.15")) {
		t.Fatalf("AmountFormatted = %s", got)
	}
}
