package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"vault-rebalancer/internal/alerting"
	"vault-rebalancer/internal/automation"
	"vault-rebalancer/internal/chain"
	"vault-rebalancer/internal/config"
	"vault-rebalancer/internal/fetcher"
	"vault-rebalancer/internal/lock"
	"vault-rebalancer/internal/planner"
	"vault-rebalancer/internal/saga"
	"vault-rebalancer/internal/scheduler"
	"vault-rebalancer/internal/server"
	"vault-rebalancer/internal/service"
	"vault-rebalancer/internal/storage"
	"vault-rebalancer/internal/swap"
	"vault-rebalancer/internal/volatility"
)

const retentionInterval = time.Hour

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newOracle() *fetcher.Oracle {
	p := a.Config.Price
	return fetcher.New(fetcher.Options{
		HermesURL:     p.HermesURL,
		BenchmarksURL: p.BenchmarksURL,
		FeedID:        p.FeedID,
		Symbol:        p.Symbol,
		Resolution:    p.ResolutionMinutes,
		Window:        p.Window,
		Timeout:       p.RequestTimeout,
	}, a.Logger)
}

func (a *App) newEstimator() *volatility.Estimator {
	return volatility.NewEstimator(a.newOracle(), volatility.Options{
		FallbackScalar: a.Config.Price.FallbackScalar,
		FallbackJitter: a.Config.Price.FallbackJitter,
		Rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
	})
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool, a.Config.Database.AdvisoryLockKey)
	if a.Config.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openLocker prefers the database advisory lock and falls back to Redis.
func (a *App) openLocker(ctx context.Context, store *storage.Store) (service.VaultLocker, func(), error) {
	if store != nil {
		return store, nil, nil
	}
	r := a.Config.Redis
	if r.Addr == "" {
		return nil, nil, nil
	}
	locker, err := lock.New(ctx, lock.Options{
		Addr:      r.Addr,
		Password:  r.Password,
		DB:        r.DB,
		PoolSize:  r.PoolSize,
		KeyPrefix: r.KeyPrefix,
		TTL:       r.LockTTL,
	}, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	return locker, func() { _ = locker.Close() }, nil
}

// components are the long-lived parts shared by run, force and plan.
type components struct {
	rebalancer *service.Rebalancer
	store      *storage.Store
	locker     service.VaultLocker
	closers    []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func (a *App) build(ctx context.Context) (*components, error) {
	comps := &components{}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		comps.closers = append(comps.closers, closeStore)
	}
	comps.store = store

	locker, closeLocker, err := a.openLocker(ctx, store)
	if err != nil {
		comps.Close()
		return nil, err
	}
	if closeLocker != nil {
		comps.closers = append(comps.closers, closeLocker)
	}
	comps.locker = locker

	connector, err := newChainConnector(a.Config, a.Logger)
	if err != nil {
		comps.Close()
		return nil, err
	}

	dust, err := a.Config.DustThreshold()
	if err != nil {
		comps.Close()
		return nil, err
	}

	var stateStore automation.StateStore
	deps := service.Deps{Locker: locker, Notifier: a.newNotifier()}
	if store != nil {
		stateStore = store
		deps.Runs = store
	}
	registry := automation.NewRegistry(a.Config.AutomationDefaults(), a.Config.DefaultVault(), stateStore, nil, a.Logger)

	vaults := make([]string, 0, len(a.Config.Vaults))
	for _, v := range a.Config.Vaults {
		vaults = append(vaults, v.Address)
	}

	eth := a.Config.Ethereum
	auto := a.Config.Automation
	comps.rebalancer = service.New(registry, a.newEstimator(), connector, deps, service.Options{
		Vaults: vaults,
		Planner: planner.Options{
			Stable:        planner.StableAsset{Address: eth.StableToken, Symbol: eth.StableSymbol},
			DustThreshold: dust,
		},
		Saga: saga.Options{
			ChainID:         eth.ChainID,
			Router:          common.HexToAddress(eth.Router),
			StableToken:     common.HexToAddress(eth.StableToken),
			SlippageBps:     a.Config.Swap.SlippageBps,
			Retry:           saga.RetryPolicy{MaxAttempts: auto.RetryAttempts, Delay: auto.RetryDelay},
			SettlementDelay: auto.SettlementDelay,
		},
		SagaTimeout: auto.SagaTimeout,
	}, a.Logger)
	return comps, nil
}

// Run executes the long-running rebalancing service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	comps, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer comps.Close()

	if comps.store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; automation state and history live in memory only")
	}
	if comps.locker == nil {
		a.Logger.Warn().Msg("no database or redis configured; vault runs are not locked across processes")
	}

	rebalancer := comps.rebalancer
	g, gctx := errgroup.WithContext(ctx)
	started := 0

	sched := a.Config.Scheduler
	if sched.Enabled {
		timer := scheduler.New(scheduler.Options{
			Name:         "timer",
			Interval:     sched.Interval,
			AlignToStart: sched.AlignToBucket,
			StartupDelay: sched.StartupDelay,
		}, a.Logger)
		g.Go(func() error { return timer.Run(gctx, rebalancer.RunTimer) })
		started++
	}
	if sched.Enabled && sched.VolatilityInterval > 0 {
		watch := scheduler.New(scheduler.Options{
			Name:         "volatility",
			Interval:     sched.VolatilityInterval,
			StartupDelay: sched.StartupDelay,
		}, a.Logger)
		g.Go(func() error { return watch.Run(gctx, rebalancer.WatchVolatility) })
		started++
	}
	if retention := a.Config.Database.Retention; comps.store != nil && retention > 0 {
		pruner := scheduler.New(scheduler.Options{
			Name:           "retention",
			Interval:       retentionInterval,
			RunImmediately: true,
		}, a.Logger)
		g.Go(func() error {
			return pruner.Run(gctx, func(ctx context.Context, _ time.Time) error {
				return rebalancer.Prune(ctx, retention)
			})
		})
	}
	if a.Config.Server.Enabled {
		srv := server.New(a.Config.Server, rebalancer, a.healthCheck(comps), a.Logger)
		g.Go(func() error { return srv.Run(gctx) })
		started++
	}
	if started == 0 {
		cancel()
		_ = g.Wait()
		return errors.New("nothing to run: enable scheduler or server")
	}

	a.Logger.Info().Int("vaults", len(a.Config.Vaults)).Msg("starting rebalancing service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("rebalancing service stopped")
	return nil
}

func (a *App) healthCheck(comps *components) server.HealthChecker {
	return func(ctx context.Context) error {
		if comps.store != nil {
			if err := comps.store.Ping(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
		}
		if pinger, ok := comps.locker.(*lock.RedisLocker); ok {
			if err := pinger.Ping(ctx); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}

// chainConnector turns a session into a vault bound to the right signer.
type chainConnector struct {
	cfg    *config.Config
	base   *chain.Client
	swap   *swap.Client
	logger zerolog.Logger
}

func newChainConnector(cfg *config.Config, logger zerolog.Logger) (*chainConnector, error) {
	eth := cfg.Ethereum
	var signer chain.Signer
	if key := strings.TrimSpace(eth.OperatorKey); key != "" {
		local, err := chain.NewLocalSigner(key)
		if err != nil {
			return nil, err
		}
		signer = local
	}

	base := chain.NewClient(chain.Options{
		RPCURL:           eth.RPCURL,
		ChainID:          eth.ChainID,
		CallTimeout:      eth.RequestTimeout,
		ReceiptTimeout:   eth.ReceiptTimeout,
		GasBufferPercent: eth.GasBufferPct,
	}, signer, logger)

	swapClient := swap.NewClient(swap.Options{
		BaseURL: cfg.Swap.BaseURL,
		APIKey:  cfg.Swap.APIKey,
		Timeout: cfg.Swap.RequestTimeout,
	}, logger)

	return &chainConnector{cfg: cfg, base: base, swap: swapClient, logger: logger}, nil
}

// Connect binds the vault to its delegated signer when a PKP address is known and to
// the operator key otherwise. Unconfigured vaults need full session credentials.
func (c *chainConnector) Connect(ctx context.Context, s service.Session) (service.Target, error) {
	if !common.IsHexAddress(s.Vault) {
		return service.Target{}, fmt.Errorf("invalid vault address %q", s.Vault)
	}
	vc, configured := c.cfg.FindVault(s.Vault)
	if !configured && (s.PKPAddress == "" || s.JWT == "") {
		return service.Target{}, fmt.Errorf("vault %s is not configured and no session was supplied", s.Vault)
	}

	pkp, jwt := vc.PKPAddress, vc.JWT
	if s.PKPAddress != "" {
		pkp, jwt = s.PKPAddress, s.JWT
	}

	client := c.base
	swapper := c.swap
	if pkp != "" {
		if c.cfg.Ethereum.SignerEndpoint == "" {
			return service.Target{}, errors.New("ethereum.signer_endpoint is required for pkp sessions")
		}
		remote := chain.NewRemoteSigner(chain.RemoteSignerOptions{
			Endpoint: c.cfg.Ethereum.SignerEndpoint,
			APIKey:   c.cfg.Ethereum.SignerAPIKey,
			Timeout:  c.cfg.Ethereum.RequestTimeout,
		}, common.HexToAddress(pkp), jwt, c.logger)
		client = c.base.WithSigner(remote)
		swapper = c.swap.WithSession(pkp, jwt)
	} else if client.Sender() == (common.Address{}) {
		return service.Target{}, errors.New("no signer: set ethereum.operator_key or a vault pkp session")
	}

	tokens := make([]chain.Token, 0, len(vc.Tokens))
	for _, t := range vc.Tokens {
		tokens = append(tokens, chain.Token{Address: common.HexToAddress(t.Address), Symbol: t.Symbol, Decimals: t.Decimals})
	}

	return service.Target{
		Vault:   chain.NewVault(client, common.HexToAddress(s.Vault), c.logger),
		Swapper: swapper,
		Tokens:  tokens,
	}, nil
}

// ExportOptions hold parameters for exporting run history.
type ExportOptions struct {
	Vault     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Vault string
	Limit int
}

// ReplayOptions configure a historical volatility replay.
type ReplayOptions struct {
	From    time.Time
	To      time.Time
	Workers int
}

// ForceOptions configure a forced rebalance from the CLI.
type ForceOptions struct {
	Vault      string
	Intensity  string
	PKPAddress string
	JWT        string
}
