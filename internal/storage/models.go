package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"vault-rebalancer/internal/automation"
)

// RunRecord is a persisted trigger outcome with the plan and per-token progress that produced it.
type RunRecord struct {
	automation.Record
	// SwapTotal is the planned amount in whole-token units summed across steps.
	SwapTotal decimal.Decimal `json:"swapTotal"`
	Plan      json.RawMessage `json:"plan,omitempty"`
	Tokens    json.RawMessage `json:"tokens,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// stateRow mirrors automation_state.
type stateRow struct {
	Vault               string
	Config              []byte
	LastExecutionMillis int64
	DailyCount          int
	DailyWindowMillis   int64
	LastResult          []byte
	UpdatedAt           time.Time
}
