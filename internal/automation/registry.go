package automation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry owns one Engine per vault. Vaults share nothing mutable.
type Registry struct {
	defaults   Config
	store      StateStore
	now        func() time.Time
	logger     zerolog.Logger
	defaultKey string

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewRegistry builds a registry; defaultVault is used when callers do not name a vault.
func NewRegistry(defaults Config, defaultVault string, store StateStore, now func() time.Time, logger zerolog.Logger) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		defaults:   defaults,
		store:      store,
		now:        now,
		logger:     logger,
		defaultKey: normalizeVault(defaultVault),
		engines:    make(map[string]*Engine),
	}
}

// Get returns the engine for vault, creating it (and loading persisted state) on first use.
// An empty vault resolves to the default vault.
func (r *Registry) Get(ctx context.Context, vault string) (*Engine, error) {
	key := normalizeVault(vault)
	if key == "" {
		key = r.defaultKey
	}
	if key == "" {
		return nil, fmt.Errorf("%w: no vault given and no default configured", ErrEngineNotFound)
	}

	r.mu.Lock()
	eng, ok := r.engines[key]
	r.mu.Unlock()
	if ok {
		return eng, nil
	}

	// loaded outside the lock so a slow store never blocks other vaults
	state, err := r.loadState(ctx, key)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if eng, ok := r.engines[key]; ok {
		return eng, nil
	}
	eng = NewEngine(key, state, EngineOptions{Store: r.store, Now: r.now}, r.logger)
	r.engines[key] = eng
	return eng, nil
}

func (r *Registry) loadState(ctx context.Context, key string) (State, error) {
	state := State{Config: r.defaults}
	if r.store == nil {
		return state, nil
	}
	loaded, found, err := r.store.LoadState(ctx, key)
	if err != nil {
		return State{}, fmt.Errorf("load automation state for %s: %w", key, err)
	}
	if !found {
		return state, nil
	}
	if verr := loaded.Config.Validate(); verr != nil {
		r.logger.Warn().Err(verr).Str("vault", key).Msg("persisted config invalid; using defaults")
		loaded.Config = r.defaults
	}
	return loaded, nil
}

// Vaults lists the vaults with a live engine, sorted.
func (r *Registry) Vaults() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.engines))
	for k := range r.engines {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DefaultVault returns the vault used when none is named.
func (r *Registry) DefaultVault() string {
	return r.defaultKey
}

func normalizeVault(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
