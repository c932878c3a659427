package service

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"vault-rebalancer/internal/alerting"
	"vault-rebalancer/internal/automation"
	"vault-rebalancer/internal/chain"
	"vault-rebalancer/internal/planner"
	"vault-rebalancer/internal/saga"
	"vault-rebalancer/internal/storage"
	"vault-rebalancer/internal/swap"
	"vault-rebalancer/internal/volatility"
)

const testVault = "0x00000000000000000000000000000000000000aa"

var (
	operator = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	router   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	stable   = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	weth     = common.HexToAddress("0x0000000000000000000000000000000000000001")
)

type fakeEstimator struct {
	bps   int64
	err   error
	calls int
}

func (f *fakeEstimator) Estimate(ctx context.Context) (volatility.Reading, error) {
	f.calls++
	if f.err != nil {
		return volatility.Reading{}, f.err
	}
	return volatility.Reading{MagnitudeBps: f.bps, SampleCount: 10}, nil
}

// fakeVault succeeds at every step and tracks balance reads.
type fakeVault struct {
	mu           sync.Mutex
	balance      *big.Int
	balanceReads int
	nonce        int64
}

func (f *fakeVault) hash() common.Hash {
	f.nonce++
	return common.BigToHash(big.NewInt(f.nonce))
}

func (f *fakeVault) Address() common.Address                                { return common.HexToAddress(testVault) }
func (f *fakeVault) Operator() common.Address                               { return operator }
func (f *fakeVault) SyncBalance(ctx context.Context, token common.Address) error { return nil }
func (f *fakeVault) IsTokenRegistered(ctx context.Context, token common.Address) (bool, error) {
	return true, nil
}
func (f *fakeVault) RegisterTokens(ctx context.Context, tokens []common.Address) (common.Hash, error) {
	return f.hash(), nil
}
func (f *fakeVault) VaultBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}
func (f *fakeVault) WithdrawTo(ctx context.Context, token common.Address, amount *big.Int, to common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = new(big.Int).Sub(f.balance, amount)
	return f.hash(), nil
}
func (f *fakeVault) Deposit(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error) {
	return f.hash(), nil
}
func (f *fakeVault) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return new(big.Int).Lsh(big.NewInt(1), 200), nil
}
func (f *fakeVault) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	return f.hash(), nil
}
func (f *fakeVault) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}
func (f *fakeVault) Balances(ctx context.Context, tokens []chain.Token) ([]planner.TokenBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceReads++
	return []planner.TokenBalance{{Address: weth.Hex(), Symbol: "WETH", Raw: new(big.Int).Set(f.balance), Decimals: 18}}, nil
}

type fakeSwapper struct{}

func (fakeSwapper) Quote(ctx context.Context, req swap.QuoteRequest) (swap.SignedQuote, error) {
	return swap.SignedQuote{ID: "q", TokenIn: req.TokenIn, AmountIn: req.AmountIn, AmountOut: big.NewInt(1)}, nil
}
func (fakeSwapper) Precheck(ctx context.Context, q swap.SignedQuote) (bool, error) { return true, nil }
func (fakeSwapper) Execute(ctx context.Context, q swap.SignedQuote) (common.Hash, error) {
	return common.HexToHash("0x5a5a"), nil
}

type fakeConnector struct {
	vault    *fakeVault
	sessions []Session
	err      error
}

func (f *fakeConnector) Connect(ctx context.Context, s Session) (Target, error) {
	f.sessions = append(f.sessions, s)
	if f.err != nil {
		return Target{}, f.err
	}
	return Target{Vault: f.vault, Swapper: fakeSwapper{}, Tokens: []chain.Token{{Address: weth, Symbol: "WETH", Decimals: 18}}}, nil
}

type memRuns struct {
	mu   sync.Mutex
	runs []storage.RunRecord
}

func (m *memRuns) InsertRun(ctx context.Context, run storage.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}
func (m *memRuns) ListRecentRuns(ctx context.Context, vault string, limit int) ([]storage.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.RunRecord(nil), m.runs...), nil
}
func (m *memRuns) ListRunsBetween(ctx context.Context, vault string, from, to time.Time) ([]storage.RunRecord, error) {
	return m.ListRecentRuns(ctx, vault, 0)
}
func (m *memRuns) CountRuns(ctx context.Context) (int64, error) { return int64(len(m.runs)), nil }
func (m *memRuns) DeleteRunsBefore(ctx context.Context, t time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.runs))
	m.runs = nil
	return n, nil
}

type fakeLocker struct {
	held     bool
	unlocked int
}

func (f *fakeLocker) TryVaultLock(ctx context.Context, vault string) (func(), bool, error) {
	if f.held {
		return nil, false, nil
	}
	return func() { f.unlocked++ }, true, nil
}

type fakeNotifier struct {
	notes []alerting.Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, n alerting.Notification) error {
	f.notes = append(f.notes, n)
	return nil
}

type harness struct {
	svc       *Rebalancer
	estimator *fakeEstimator
	vault     *fakeVault
	connector *fakeConnector
	runs      *memRuns
	locker    *fakeLocker
	notifier  *fakeNotifier
	now       time.Time
}

func newHarness(t *testing.T, bps int64) *harness {
	t.Helper()
	h := &harness{
		estimator: &fakeEstimator{bps: bps},
		vault:     &fakeVault{balance: big.NewInt(1_000_000_000_000_000_000)},
		runs:      &memRuns{},
		locker:    &fakeLocker{},
		notifier:  &fakeNotifier{},
		now:       time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
	h.connector = &fakeConnector{vault: h.vault}
	h.rebuild(h.connector, h.locker)
	return h
}

// rebuild swaps the connector and locker behind a fresh rebalancer.
func (h *harness) rebuild(connector Connector, locker VaultLocker) {
	clock := func() time.Time { return h.now }
	registry := automation.NewRegistry(automation.DefaultConfig(), testVault, nil, clock, zerolog.Nop())
	noSleep := func(ctx context.Context, d time.Duration) error { return nil }
	h.svc = New(registry, h.estimator, connector, Deps{Runs: h.runs, Locker: locker, Notifier: h.notifier}, Options{
		Vaults:  []string{testVault},
		Planner: planner.Options{Stable: planner.StableAsset{Address: stable.Hex(), Symbol: "USDC"}},
		Saga: saga.Options{
			ChainID:     8453,
			Router:      router,
			StableToken: stable,
			Retry:       saga.RetryPolicy{MaxAttempts: 3, Sleep: noSleep},
			Sleep:       noSleep,
		},
		SagaTimeout: time.Minute,
		Now:         clock,
	}, zerolog.Nop())
}

// mutexLocker is a non-reentrant try-lock, like a database advisory lock held per session.
type mutexLocker struct {
	mu sync.Mutex
}

func (l *mutexLocker) TryVaultLock(ctx context.Context, vault string) (func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return l.mu.Unlock, true, nil
}

// gateConnector parks the first connection until release is closed.
type gateConnector struct {
	inner   *fakeConnector
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateConnector) Connect(ctx context.Context, s Session) (Target, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.inner.Connect(ctx, s)
}

func TestEvaluateExecutesAndRecords(t *testing.T) {
	h := newHarness(t, 1200)

	out, err := h.svc.Evaluate(context.Background(), "", automation.TriggerTimer)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Record.Status != automation.StatusCompleted || out.Record.Intensity != planner.Medium {
		t.Fatalf("unexpected record %+v", out.Record)
	}
	if out.Plan == nil || out.Plan.Steps[0].AmountToSwap.String() != "400000000000000000" {
		t.Fatalf("unexpected plan %+v", out.Plan)
	}
	if out.Saga == nil || len(out.Saga.CompletedTxHashes) != 3 {
		t.Fatalf("expected withdraw, swap and deposit hashes, got %+v", out.Saga)
	}
	if len(h.runs.runs) != 1 || h.runs.runs[0].SwapTotal.String() != "0.4" || len(h.runs.runs[0].Plan) == 0 {
		t.Fatalf("run not persisted with plan: %+v", h.runs.runs)
	}
	if len(h.notifier.notes) != 1 || h.notifier.notes[0].Status != "completed" {
		t.Fatalf("expected one completed notification, got %+v", h.notifier.notes)
	}
	if h.locker.unlocked != 1 {
		t.Fatal("vault lock should be released")
	}

	engine, _ := h.svc.Registry().Get(context.Background(), testVault)
	if engine.Snapshot().DailyCount != 1 {
		t.Fatal("successful run should count against the daily cap")
	}
}

func TestEvaluateBelowThresholdSkipsWithoutTouchingChain(t *testing.T) {
	h := newHarness(t, 300)

	out, err := h.svc.Evaluate(context.Background(), testVault, automation.TriggerManual)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Record.Status != automation.StatusSkipped || out.Record.SkipReason != automation.SkipBelowThreshold {
		t.Fatalf("unexpected record %+v", out.Record)
	}
	if len(h.connector.sessions) != 0 {
		t.Fatal("a skipped trigger must not connect to the vault")
	}
	if len(h.notifier.notes) != 0 {
		t.Fatal("skips are not notified")
	}
	if len(h.runs.runs) != 1 {
		t.Fatal("skips are still recorded in history")
	}
}

func TestEvaluateDataUnavailableAborts(t *testing.T) {
	h := newHarness(t, 0)
	h.estimator.err = volatility.ErrDataUnavailable

	out, err := h.svc.Evaluate(context.Background(), testVault, automation.TriggerTimer)
	if err != nil {
		t.Fatalf("data unavailability is not an error: %v", err)
	}
	if out.Record.Status != automation.StatusAborted {
		t.Fatalf("expected aborted, got %s", out.Record.Status)
	}
	engine, _ := h.svc.Registry().Get(context.Background(), testVault)
	snap := engine.Snapshot()
	if snap.DailyCount != 0 || snap.LastExecutionUnixMillis != 0 {
		t.Fatal("an aborted run must not consume budget")
	}
}

func TestEvaluateLockHeldElsewhere(t *testing.T) {
	h := newHarness(t, 2000)
	h.locker.held = true

	out, err := h.svc.Evaluate(context.Background(), testVault, automation.TriggerTimer)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Record.SkipReason != automation.SkipLockHeld {
		t.Fatalf("expected lock_held skip, got %+v", out.Record)
	}
	if h.estimator.calls != 0 {
		t.Fatal("volatility should not be sampled without the lock")
	}
}

func TestEmptyPlanFailsWithoutBudget(t *testing.T) {
	h := newHarness(t, 2000)
	h.vault.balance = big.NewInt(0)

	out, err := h.svc.Evaluate(context.Background(), testVault, automation.TriggerTimer)
	if !errors.Is(err, ErrNothingToRebalance) {
		t.Fatalf("expected ErrNothingToRebalance, got %v", err)
	}
	if out.Record.Status != automation.StatusFailed {
		t.Fatalf("expected failed, got %s", out.Record.Status)
	}
	engine, _ := h.svc.Registry().Get(context.Background(), testVault)
	if engine.Snapshot().DailyCount != 0 {
		t.Fatal("a failed run must not consume budget")
	}
}

func TestForceUsesSuppliedBalancesAndSession(t *testing.T) {
	h := newHarness(t, 0)

	first, err := h.svc.Evaluate(context.Background(), testVault, automation.TriggerManual)
	if err != nil || first.Record.Status != automation.StatusSkipped {
		t.Fatalf("warm-up should skip below threshold: %+v %v", first.Record, err)
	}

	info := VaultInfo{
		Address:    testVault,
		PKPAddress: operator.Hex(),
		JWT:        "jwt",
		Balances:   []planner.TokenBalance{{Address: weth.Hex(), Symbol: "WETH", Raw: big.NewInt(1_000_000_000_000_000_000), Decimals: 18}},
	}
	out, err := h.svc.Force(context.Background(), planner.Aggressive, info)
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if out.Record.Trigger != automation.TriggerForce || out.Record.Status != automation.StatusCompleted {
		t.Fatalf("unexpected record %+v", out.Record)
	}
	if out.Plan.Steps[0].AmountToSwap.String() != "700000000000000000" {
		t.Fatalf("aggressive should swap 70%%, got %s", out.Plan.Steps[0].AmountToSwap)
	}
	if h.vault.balanceReads != 0 {
		t.Fatal("supplied balances should replace the on-chain read")
	}
	if len(h.connector.sessions) != 1 || h.connector.sessions[0].JWT != "jwt" {
		t.Fatalf("session not forwarded: %+v", h.connector.sessions)
	}

	// a second force inside the cooldown still runs
	h.now = h.now.Add(time.Minute)
	again, err := h.svc.Force(context.Background(), planner.Soft, info)
	if err != nil || again.Record.Status != automation.StatusCompleted {
		t.Fatalf("force should bypass cooldown: %+v %v", again.Record, err)
	}
}

func TestForceRejectsUnknownIntensity(t *testing.T) {
	h := newHarness(t, 0)
	if _, err := h.svc.Force(context.Background(), planner.Intensity("extreme"), VaultInfo{Address: testVault}); !errors.Is(err, automation.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestPreviewReadsBalances(t *testing.T) {
	h := newHarness(t, 0)
	plan, err := h.svc.Preview(context.Background(), testVault, planner.Soft)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if plan.Percentage != 15 || plan.Steps[0].AmountToSwap.String() != "150000000000000000" {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if len(h.runs.runs) != 0 {
		t.Fatal("preview must not record a run")
	}
}

func TestWatchVolatilityOnlyEvaluatesAboveSoft(t *testing.T) {
	h := newHarness(t, 100)
	if err := h.svc.WatchVolatility(context.Background(), h.now); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if len(h.runs.runs) != 0 {
		t.Fatal("quiet readings leave no history")
	}

	h.estimator.bps = 1600
	if err := h.svc.WatchVolatility(context.Background(), h.now); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if len(h.runs.runs) != 1 || h.runs.runs[0].Trigger != automation.TriggerVolatility || h.runs.runs[0].Intensity != planner.Aggressive {
		t.Fatalf("unexpected runs %+v", h.runs.runs)
	}
	if h.estimator.calls != 2 {
		t.Fatalf("one sample per tick expected, got %d", h.estimator.calls)
	}
}

func TestRunTimerRecordsEveryVault(t *testing.T) {
	h := newHarness(t, 600)
	if err := h.svc.RunTimer(context.Background(), h.now); err != nil {
		t.Fatalf("timer: %v", err)
	}
	if len(h.runs.runs) != 1 || h.runs.runs[0].Trigger != automation.TriggerTimer {
		t.Fatalf("unexpected runs %+v", h.runs.runs)
	}
}

func TestPruneAndHistory(t *testing.T) {
	h := newHarness(t, 300)
	if _, err := h.svc.Evaluate(context.Background(), testVault, automation.TriggerManual); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	runs, err := h.svc.History(context.Background(), testVault, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("history %v err %v", runs, err)
	}
	if err := h.svc.Prune(context.Background(), time.Hour); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(h.runs.runs) != 0 {
		t.Fatal("prune should delete old runs")
	}
}

func TestTriggersInOneProcessQueueForTheVault(t *testing.T) {
	h := newHarness(t, 1200)
	gate := &gateConnector{inner: h.connector, entered: make(chan struct{}), release: make(chan struct{})}
	h.rebuild(gate, &mutexLocker{})
	ctx := context.Background()

	type result struct {
		out Outcome
		err error
	}
	timerDone := make(chan result, 1)
	go func() {
		out, err := h.svc.Evaluate(ctx, testVault, automation.TriggerTimer)
		timerDone <- result{out, err}
	}()
	<-gate.entered

	forceDone := make(chan result, 1)
	go func() {
		out, err := h.svc.Force(ctx, planner.Soft, VaultInfo{Address: testVault})
		forceDone <- result{out, err}
	}()

	select {
	case r := <-forceDone:
		t.Fatalf("force should wait for the running rebalance, got %+v", r.out.Record)
	case <-time.After(50 * time.Millisecond):
	}
	close(gate.release)

	timer := <-timerDone
	force := <-forceDone
	if timer.err != nil || timer.out.Record.Status != automation.StatusCompleted {
		t.Fatalf("timer run: %+v err=%v", timer.out.Record, timer.err)
	}
	if force.err != nil || force.out.Record.Status != automation.StatusCompleted {
		t.Fatalf("force run: %+v err=%v", force.out.Record, force.err)
	}
	if force.out.Record.SkipReason == automation.SkipLockHeld || force.out.Record.Intensity != planner.Soft {
		t.Fatalf("unexpected force record %+v", force.out.Record)
	}

	engine, _ := h.svc.Registry().Get(ctx, testVault)
	if engine.Snapshot().DailyCount != 2 {
		t.Fatalf("both runs should count, got %d", engine.Snapshot().DailyCount)
	}
}

func TestLockHeldByAnotherProcessStillSkips(t *testing.T) {
	h := newHarness(t, 1200)
	locker := &mutexLocker{}
	locker.mu.Lock()
	h.rebuild(h.connector, locker)

	out, err := h.svc.Force(context.Background(), planner.Soft, VaultInfo{Address: testVault})
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if out.Record.Status != automation.StatusSkipped || out.Record.SkipReason != automation.SkipLockHeld {
		t.Fatalf("expected lock_held skip, got %+v", out.Record)
	}
	if len(h.connector.sessions) != 0 {
		t.Fatal("a locked vault must not be touched")
	}
}
