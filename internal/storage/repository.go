package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"vault-rebalancer/internal/automation"
	"vault-rebalancer/internal/planner"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	loadStateSQL = `SELECT
        vault,
        config,
        last_execution_ms,
        daily_count,
        daily_window_start_ms,
        last_result,
        updated_at
    FROM automation_state
    WHERE vault = $1;`

	upsertStateSQL = `INSERT INTO automation_state (
        vault,
        config,
        last_execution_ms,
        daily_count,
        daily_window_start_ms,
        last_result,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,now()
    )
    ON CONFLICT (vault) DO UPDATE
    SET
        config                = EXCLUDED.config,
        last_execution_ms     = EXCLUDED.last_execution_ms,
        daily_count           = EXCLUDED.daily_count,
        daily_window_start_ms = EXCLUDED.daily_window_start_ms,
        last_result           = EXCLUDED.last_result,
        updated_at            = now();`

	insertRunSQL = `INSERT INTO rebalance_runs (
        id,
        vault,
        trigger,
        status,
        skip_reason,
        intensity,
        volatility_bps,
        swap_total,
        tx_hashes,
        errors,
        plan,
        tokens,
        started_at,
        finished_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (id) DO NOTHING;`

	selectRunColumns = `SELECT
        id,
        vault,
        trigger,
        status,
        skip_reason,
        intensity,
        volatility_bps,
        swap_total::text,
        tx_hashes,
        errors,
        plan,
        tokens,
        started_at,
        finished_at,
        created_at
    FROM rebalance_runs`

	listRecentRunsSQL = selectRunColumns + `
    WHERE ($1 = '' OR vault = $1)
    ORDER BY started_at DESC
    LIMIT $2;`

	listRunsBetweenSQL = selectRunColumns + `
    WHERE ($1 = '' OR vault = $1)
      AND started_at >= $2
      AND started_at < $3
    ORDER BY started_at;`

	countRunsSQL = `SELECT COUNT(*) FROM rebalance_runs;`

	deleteRunsBeforeSQL = `DELETE FROM rebalance_runs WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RunStore defines operations for rebalance run history.
type RunStore interface {
	InsertRun(ctx context.Context, run RunRecord) error
	ListRecentRuns(ctx context.Context, vault string, limit int) ([]RunRecord, error)
	ListRunsBetween(ctx context.Context, vault string, from, to time.Time) ([]RunRecord, error)
	CountRuns(ctx context.Context) (int64, error)
	DeleteRunsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to automation state and run history.
type Store struct {
	pool    *pgxpool.Pool
	lockKey int64
}

// NewStore wires a pgx pool into a Store. lockBase seeds per-vault advisory lock keys.
func NewStore(pool *pgxpool.Pool, lockBase int64) *Store {
	return &Store{pool: pool, lockKey: lockBase}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// a dead session drops the lock with it
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

// TryVaultLock takes the advisory lock reserved for one vault.
func (s *Store) TryVaultLock(ctx context.Context, vault string) (func(), bool, error) {
	return s.TryAdvisoryLock(ctx, VaultLockKey(s.lockKey, vault))
}

// VaultLockKey derives a stable advisory lock key from a base and a vault address.
func VaultLockKey(base int64, vault string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(vault))))
	return base ^ int64(h.Sum64())
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// LoadState implements automation.StateStore.
func (s *Store) LoadState(ctx context.Context, vault string) (automation.State, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return automation.State{}, false, err
	}

	var row stateRow
	scanErr := pool.QueryRow(ctx, loadStateSQL, vault).Scan(
		&row.Vault,
		&row.Config,
		&row.LastExecutionMillis,
		&row.DailyCount,
		&row.DailyWindowMillis,
		&row.LastResult,
		&row.UpdatedAt,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return automation.State{}, false, nil
	}
	if scanErr != nil {
		return automation.State{}, false, fmt.Errorf("load automation state: %w", scanErr)
	}

	state, err := row.toState()
	if err != nil {
		return automation.State{}, false, err
	}
	return state, true, nil
}

// SaveState implements automation.StateStore.
func (s *Store) SaveState(ctx context.Context, vault string, state automation.State) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	row, err := newStateRow(vault, state)
	if err != nil {
		return err
	}

	var lastResult any
	if row.LastResult != nil {
		lastResult = row.LastResult
	}

	if _, execErr := pool.Exec(ctx, upsertStateSQL,
		row.Vault,
		row.Config,
		row.LastExecutionMillis,
		row.DailyCount,
		row.DailyWindowMillis,
		lastResult,
	); execErr != nil {
		return fmt.Errorf("save automation state: %w", execErr)
	}
	return nil
}

func newStateRow(vault string, state automation.State) (stateRow, error) {
	cfg, err := json.Marshal(state.Config)
	if err != nil {
		return stateRow{}, fmt.Errorf("marshal config: %w", err)
	}
	row := stateRow{
		Vault:               vault,
		Config:              cfg,
		LastExecutionMillis: state.LastExecutionUnixMillis,
		DailyCount:          state.DailyCount,
		DailyWindowMillis:   state.DailyWindowStartUnixMillis,
	}
	if state.LastResult != nil {
		if row.LastResult, err = json.Marshal(state.LastResult); err != nil {
			return stateRow{}, fmt.Errorf("marshal last result: %w", err)
		}
	}
	return row, nil
}

func (r stateRow) toState() (automation.State, error) {
	state := automation.State{
		LastExecutionUnixMillis:    r.LastExecutionMillis,
		DailyCount:                 r.DailyCount,
		DailyWindowStartUnixMillis: r.DailyWindowMillis,
	}
	if err := json.Unmarshal(r.Config, &state.Config); err != nil {
		return automation.State{}, fmt.Errorf("parse config: %w", err)
	}
	if len(r.LastResult) > 0 {
		var rec automation.Record
		if err := json.Unmarshal(r.LastResult, &rec); err != nil {
			return automation.State{}, fmt.Errorf("parse last result: %w", err)
		}
		state.LastResult = &rec
	}
	return state, nil
}

// InsertRun persists a run; re-inserting the same id is a no-op.
func (s *Store) InsertRun(ctx context.Context, run RunRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	txHashes := run.TxHashes
	if txHashes == nil {
		txHashes = []string{}
	}
	errs := run.Errors
	if errs == nil {
		errs = []string{}
	}

	_, execErr := pool.Exec(ctx, insertRunSQL,
		run.ID,
		run.Vault,
		string(run.Trigger),
		string(run.Status),
		string(run.SkipReason),
		string(run.Intensity),
		run.VolatilityBps,
		run.SwapTotal.String(),
		txHashes,
		errs,
		nullableJSON(run.Plan),
		nullableJSON(run.Tokens),
		run.StartedAt,
		run.FinishedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert rebalance run: %w", execErr)
	}
	return nil
}

// ListRecentRuns lists the newest runs first; an empty vault lists every vault.
func (s *Store) ListRecentRuns(ctx context.Context, vault string, limit int) ([]RunRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, vault, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	defer rows.Close()

	return collectRuns(rows, limit)
}

// ListRunsBetween lists runs started within [from, to) in chronological order.
func (s *Store) ListRunsBetween(ctx context.Context, vault string, from, to time.Time) ([]RunRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRunsBetweenSQL, vault, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list runs between: %w", queryErr)
	}
	defer rows.Close()

	return collectRuns(rows, 0)
}

// CountRuns counts stored runs.
func (s *Store) CountRuns(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countRunsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count runs: %w", scanErr)
	}
	return count, nil
}

// DeleteRunsBefore prunes history and reports how many rows were removed.
func (s *Store) DeleteRunsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteRunsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete runs before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectRuns(rows pgx.Rows, capacity int) ([]RunRecord, error) {
	runs := make([]RunRecord, 0, capacity)
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

func scanRun(rows pgx.Rows) (RunRecord, error) {
	var (
		run        RunRecord
		trigger    string
		status     string
		skipReason string
		intensity  string
		swapTotal  string
		plan       []byte
		tokens     []byte
	)

	if err := rows.Scan(
		&run.ID,
		&run.Vault,
		&trigger,
		&status,
		&skipReason,
		&intensity,
		&run.VolatilityBps,
		&swapTotal,
		&run.TxHashes,
		&run.Errors,
		&plan,
		&tokens,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
	); err != nil {
		return RunRecord{}, err
	}

	total, err := decimal.NewFromString(swapTotal)
	if err != nil {
		return RunRecord{}, fmt.Errorf("parse swap total: %w", err)
	}

	run.Trigger = automation.Trigger(trigger)
	run.Status = automation.RunStatus(status)
	run.SkipReason = automation.SkipReason(skipReason)
	run.Intensity = planner.Intensity(intensity)
	run.SwapTotal = total
	run.Plan = plan
	run.Tokens = tokens
	return run, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

var (
	_ automation.StateStore = (*Store)(nil)
	_ RunStore              = (*Store)(nil)
	_ AdvisoryLocker        = (*Store)(nil)
)
