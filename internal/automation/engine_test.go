package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"vault-rebalancer/internal/planner"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memStore struct {
	mu    sync.Mutex
	saved map[string]State
	saves int
}

func (m *memStore) LoadState(ctx context.Context, vault string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.saved[vault]
	return s, ok, nil
}

func (m *memStore) SaveState(ctx context.Context, vault string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]State)
	}
	m.saved[vault] = state
	m.saves++
	return nil
}

func scenarioConfig() Config {
	return Config{
		Enabled:            true,
		Thresholds:         Thresholds{Soft: 500, Medium: 1000, Aggressive: 1500},
		CooldownMinutes:    60,
		MaxDailyRebalances: 3,
	}
}

func newTestEngine(cfg Config, clock *fakeClock) *Engine {
	return NewEngine("0xvault", State{Config: cfg}, EngineOptions{Now: clock.Now}, zerolog.Nop())
}

func succeed(calls *int) Executor {
	return func(ctx context.Context, intensity planner.Intensity) (Execution, error) {
		*calls++
		return Execution{Success: true, TxHashes: []string{"0xabc"}}, nil
	}
}

func TestSelectIntensityBoundariesInclusive(t *testing.T) {
	th := Thresholds{Soft: 500, Medium: 1000, Aggressive: 1500}
	cases := []struct {
		bps  int64
		want planner.Intensity
		ok   bool
	}{
		{499, "", false},
		{500, planner.Soft, true},
		{999, planner.Soft, true},
		{1000, planner.Medium, true},
		{1200, planner.Medium, true},
		{1500, planner.Aggressive, true},
		{9000, planner.Aggressive, true},
	}
	for _, tc := range cases {
		got, ok := SelectIntensity(th, tc.bps)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("bps=%d: want (%q,%v) got (%q,%v)", tc.bps, tc.want, tc.ok, got, ok)
		}
	}

	// equal thresholds resolve to the highest level
	got, _ := SelectIntensity(Thresholds{Soft: 100, Medium: 100, Aggressive: 100}, 100)
	if got != planner.Aggressive {
		t.Fatalf("tie should resolve to aggressive, got %q", got)
	}
}

func TestRunBelowThresholdLeavesStateUnchanged(t *testing.T) {
	clock := newClock()
	eng := NewEngine("0xvault", State{Config: scenarioConfig(), DailyWindowStartUnixMillis: clock.Now().UnixMilli()}, EngineOptions{Now: clock.Now}, zerolog.Nop())
	before := eng.Snapshot()

	calls := 0
	rec, err := eng.Run(context.Background(), TriggerTimer, 100, succeed(&calls))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Status != StatusSkipped || rec.SkipReason != SkipBelowThreshold {
		t.Fatalf("expected below-threshold skip, got %+v", rec)
	}
	if calls != 0 {
		t.Fatal("executor must not run on skip")
	}
	after := eng.Snapshot()
	if after.DailyCount != before.DailyCount || after.LastExecutionUnixMillis != before.LastExecutionUnixMillis || after.LastResult != nil {
		t.Fatalf("state changed on skip: before=%+v after=%+v", before, after)
	}
}

func TestRunDisabled(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Enabled = false
	calls := 0
	rec, _ := newTestEngine(cfg, newClock()).Run(context.Background(), TriggerTimer, 5000, succeed(&calls))
	if rec.SkipReason != SkipDisabled || calls != 0 {
		t.Fatalf("expected disabled skip, got %+v calls=%d", rec, calls)
	}
}

func TestScenarioMediumThenCooldownThenForce(t *testing.T) {
	clock := newClock()
	eng := newTestEngine(scenarioConfig(), clock)
	ctx := context.Background()

	var gotIntensity planner.Intensity
	exec := func(ctx context.Context, intensity planner.Intensity) (Execution, error) {
		gotIntensity = intensity
		return Execution{Success: true, TxHashes: []string{"0x1"}}, nil
	}

	rec, err := eng.Run(ctx, TriggerVolatility, 1200, exec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Status != StatusCompleted || gotIntensity != planner.Medium {
		t.Fatalf("expected completed medium run, got %+v intensity=%q", rec, gotIntensity)
	}
	if s := eng.Snapshot(); s.DailyCount != 1 || s.LastExecutionUnixMillis != clock.Now().UnixMilli() {
		t.Fatalf("counters not updated: %+v", s)
	}

	clock.Advance(5 * time.Minute)
	forced, err := eng.Force(ctx, planner.Soft, 0, func(ctx context.Context, intensity planner.Intensity) (Execution, error) {
		if got := eng.Snapshot().Config.CooldownMinutes; got != 0 {
			t.Errorf("cooldown should be suspended during force, got %d", got)
		}
		return Execution{Success: true, TxHashes: []string{"0x2"}}, nil
	})
	if err != nil || forced.Status != StatusCompleted {
		t.Fatalf("force should succeed: %+v err=%v", forced, err)
	}
	if got := eng.Snapshot().Config.CooldownMinutes; got != 60 {
		t.Fatalf("cooldown must be restored to 60, got %d", got)
	}

	clock.Advance(5 * time.Minute)
	second, _ := eng.Run(ctx, TriggerVolatility, 1200, exec)
	if second.SkipReason != SkipCooldownActive {
		t.Fatalf("second trigger 10 minutes later should hit cooldown, got %+v", second)
	}
}

func TestForceRestoresCooldownOnFailureAndPanic(t *testing.T) {
	clock := newClock()
	eng := newTestEngine(scenarioConfig(), clock)

	_, err := eng.Force(context.Background(), planner.Aggressive, 0, func(ctx context.Context, intensity planner.Intensity) (Execution, error) {
		return Execution{}, errors.New("rpc down")
	})
	if err == nil {
		t.Fatal("failed executor error should propagate")
	}
	if got := eng.Snapshot().Config.CooldownMinutes; got != 60 {
		t.Fatalf("cooldown must be restored after failure, got %d", got)
	}

	rec, err := eng.Force(context.Background(), planner.Aggressive, 0, func(ctx context.Context, intensity planner.Intensity) (Execution, error) {
		panic("boom")
	})
	if err == nil || rec.Status != StatusFailed {
		t.Fatalf("panic should surface as failed run: %+v err=%v", rec, err)
	}
	if got := eng.Snapshot().Config.CooldownMinutes; got != 60 {
		t.Fatalf("cooldown must be restored after panic, got %d", got)
	}
}

func TestForceKeepsCooldownUpdatedMidRun(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name  string
		patch func() ConfigPatch
		want  int
	}{
		{"explicit zero cooldown", func() ConfigPatch { zero := 0; return ConfigPatch{CooldownMinutes: &zero} }, 0},
		{"explicit new cooldown", func() ConfigPatch { v := 15; return ConfigPatch{CooldownMinutes: &v} }, 15},
		{"threshold-only update", func() ConfigPatch { soft := int64(400); return ConfigPatch{Thresholds: &ThresholdsPatch{Soft: &soft}} }, 60},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng := newTestEngine(scenarioConfig(), newClock())
			_, err := eng.Force(ctx, planner.Soft, 0, func(ctx context.Context, intensity planner.Intensity) (Execution, error) {
				if _, err := eng.UpdateConfig(ctx, tc.patch()); err != nil {
					return Execution{}, err
				}
				return Execution{Success: true, TxHashes: []string{"0xabc"}}, nil
			})
			if err != nil {
				t.Fatalf("Force: %v", err)
			}
			if got := eng.Snapshot().Config.CooldownMinutes; got != tc.want {
				t.Fatalf("cooldown after force: want %d got %d", tc.want, got)
			}
		})
	}
}

func TestDailyCapBlocksAutomaticButNotForce(t *testing.T) {
	clock := newClock()
	cfg := scenarioConfig()
	cfg.CooldownMinutes = 0
	eng := newTestEngine(cfg, clock)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		rec, _ := eng.Run(ctx, TriggerTimer, 2000, succeed(&calls))
		if rec.Status != StatusCompleted {
			t.Fatalf("run %d should complete, got %+v", i, rec)
		}
		clock.Advance(time.Minute)
	}

	rec, _ := eng.Run(ctx, TriggerTimer, 99999, succeed(&calls))
	if rec.SkipReason != SkipDailyCapReached {
		t.Fatalf("expected daily cap skip, got %+v", rec)
	}

	forced, err := eng.Force(ctx, planner.Medium, 0, succeed(&calls))
	if err != nil || forced.Status != StatusCompleted {
		t.Fatalf("force should bypass daily cap: %+v %v", forced, err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 executions, got %d", calls)
	}

	clock.Advance(24 * time.Hour)
	rec, _ = eng.Run(ctx, TriggerTimer, 2000, succeed(&calls))
	if rec.Status != StatusCompleted {
		t.Fatalf("window should roll after 24h, got %+v", rec)
	}
	if s := eng.Snapshot(); s.DailyCount != 1 {
		t.Fatalf("daily count should restart at 1, got %d", s.DailyCount)
	}
}

func TestFailedRunDoesNotConsumeBudget(t *testing.T) {
	clock := newClock()
	eng := newTestEngine(scenarioConfig(), clock)

	rec, err := eng.Run(context.Background(), TriggerTimer, 2000, func(ctx context.Context, intensity planner.Intensity) (Execution, error) {
		return Execution{Success: false, Errors: []string{"WETH: withdraw failed"}}, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed status, got %q", rec.Status)
	}
	s := eng.Snapshot()
	if s.DailyCount != 0 || s.LastExecutionUnixMillis != 0 {
		t.Fatalf("failed run must not consume budget: %+v", s)
	}
	if s.LastResult == nil || s.LastResult.Status != StatusFailed {
		t.Fatalf("last result should record the failure: %+v", s.LastResult)
	}

	// no cooldown was started, so an immediate retry executes
	calls := 0
	rec, _ = eng.Run(context.Background(), TriggerTimer, 2000, succeed(&calls))
	if rec.Status != StatusCompleted || calls != 1 {
		t.Fatalf("retry should execute, got %+v", rec)
	}
}

func TestPartialRunKeepsHashesAndErrors(t *testing.T) {
	eng := newTestEngine(scenarioConfig(), newClock())
	rec, err := eng.Run(context.Background(), TriggerManual, 1600, func(ctx context.Context, intensity planner.Intensity) (Execution, error) {
		return Execution{Success: true, TxHashes: []string{"0xwithdraw"}, Errors: []string{"WBTC: insufficient balance"}}, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Status != StatusPartial || rec.Intensity != planner.Aggressive {
		t.Fatalf("expected partial aggressive, got %+v", rec)
	}
	if len(rec.TxHashes) != 1 || rec.TxHashes[0] != "0xwithdraw" {
		t.Fatalf("tx hash must be preserved: %+v", rec.TxHashes)
	}
}

func TestUpdateConfigValidation(t *testing.T) {
	eng := newTestEngine(scenarioConfig(), newClock())
	ctx := context.Background()

	neg := int64(-1)
	if _, err := eng.UpdateConfig(ctx, ConfigPatch{Thresholds: &ThresholdsPatch{Soft: &neg}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("negative threshold should be rejected, got %v", err)
	}

	high := int64(2000)
	if _, err := eng.UpdateConfig(ctx, ConfigPatch{Thresholds: &ThresholdsPatch{Medium: &high}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("unordered thresholds should be rejected, got %v", err)
	}

	zero := 0
	if _, err := eng.UpdateConfig(ctx, ConfigPatch{MaxDailyRebalances: &zero}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("max daily 0 should be rejected, got %v", err)
	}

	if got := eng.Snapshot().Config; got != scenarioConfig() {
		t.Fatalf("rejected updates must not apply: %+v", got)
	}

	cooldown := 15
	disabled := false
	next, err := eng.UpdateConfig(ctx, ConfigPatch{CooldownMinutes: &cooldown, Enabled: &disabled})
	if err != nil {
		t.Fatalf("valid update rejected: %v", err)
	}
	if next.CooldownMinutes != 15 || next.Enabled {
		t.Fatalf("update not merged: %+v", next)
	}
	if next.Thresholds != scenarioConfig().Thresholds {
		t.Fatalf("untouched fields changed: %+v", next.Thresholds)
	}
}

func TestResetDaily(t *testing.T) {
	clock := newClock()
	cfg := scenarioConfig()
	cfg.CooldownMinutes = 0
	cfg.MaxDailyRebalances = 1
	eng := newTestEngine(cfg, clock)
	calls := 0

	eng.Run(context.Background(), TriggerTimer, 2000, succeed(&calls))
	rec, _ := eng.Run(context.Background(), TriggerTimer, 2000, succeed(&calls))
	if rec.SkipReason != SkipDailyCapReached {
		t.Fatalf("expected cap, got %+v", rec)
	}

	eng.ResetDaily(context.Background())
	rec, _ = eng.Run(context.Background(), TriggerTimer, 2000, succeed(&calls))
	if rec.Status != StatusCompleted {
		t.Fatalf("reset should re-open the window, got %+v", rec)
	}
}

func TestEnginePersistsThroughStore(t *testing.T) {
	store := &memStore{}
	clock := newClock()
	reg := NewRegistry(scenarioConfig(), "0xVAULT", store, clock.Now, zerolog.Nop())

	eng, err := reg.Get(context.Background(), "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if eng.Vault() != "0xvault" {
		t.Fatalf("vault key should be normalised, got %s", eng.Vault())
	}
	calls := 0
	eng.Run(context.Background(), TriggerTimer, 2000, succeed(&calls))

	reloaded, err := NewRegistry(scenarioConfig(), "0xvault", store, clock.Now, zerolog.Nop()).Get(context.Background(), "0xVault")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	s := reloaded.Snapshot()
	if s.DailyCount != 1 || s.LastResult == nil {
		t.Fatalf("state should survive a restart through the store: %+v", s)
	}
}

func TestRegistryRequiresVault(t *testing.T) {
	reg := NewRegistry(scenarioConfig(), "", nil, nil, zerolog.Nop())
	if _, err := reg.Get(context.Background(), ""); !errors.Is(err, ErrEngineNotFound) {
		t.Fatalf("expected ErrEngineNotFound, got %v", err)
	}
	a, _ := reg.Get(context.Background(), "0xA")
	b, _ := reg.Get(context.Background(), "0xB")
	if a == b {
		t.Fatal("vaults must get independent engines")
	}
	if got := reg.Vaults(); len(got) != 2 {
		t.Fatalf("expected two vaults, got %v", got)
	}
}

// slowStore parks LoadState for one vault until release is closed.
type slowStore struct {
	memStore
	slow    string
	entered chan struct{}
	release chan struct{}
}

func (s *slowStore) LoadState(ctx context.Context, vault string) (State, bool, error) {
	if vault == s.slow {
		close(s.entered)
		<-s.release
	}
	return s.memStore.LoadState(ctx, vault)
}

func TestRegistryLoadDoesNotBlockOtherVaults(t *testing.T) {
	store := &slowStore{slow: "0xslow", entered: make(chan struct{}), release: make(chan struct{})}
	reg := NewRegistry(scenarioConfig(), "", store, nil, zerolog.Nop())
	ctx := context.Background()

	slowDone := make(chan *Engine, 1)
	go func() {
		eng, _ := reg.Get(ctx, "0xSLOW")
		slowDone <- eng
	}()
	<-store.entered

	fastDone := make(chan *Engine, 1)
	go func() {
		eng, _ := reg.Get(ctx, "0xfast")
		fastDone <- eng
	}()
	select {
	case eng := <-fastDone:
		if eng == nil || eng.Vault() != "0xfast" {
			t.Fatalf("unexpected engine %v", eng)
		}
	case <-time.After(time.Second):
		t.Fatal("loading one vault blocked another")
	}

	close(store.release)
	slow := <-slowDone
	if slow == nil || slow.Vault() != "0xslow" {
		t.Fatalf("unexpected slow engine %v", slow)
	}
	again, _ := reg.Get(ctx, "0xslow")
	if again != slow {
		t.Fatal("a loaded vault must keep a single engine")
	}
}
