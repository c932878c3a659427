package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"vault-rebalancer/internal/automation"
	"vault-rebalancer/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	Vaults     []VaultConfig    `mapstructure:"vaults"`
	Swap       SwapConfig       `mapstructure:"swap"`
	Price      PriceConfig      `mapstructure:"price"`
	Automation AutomationConfig `mapstructure:"automation"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Server     ServerConfig     `mapstructure:"server"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	// Retention prunes run history older than this; zero keeps everything.
	Retention time.Duration `mapstructure:"retention"`
}

// RedisConfig is used for the per-vault lock when no database is configured.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	PoolSize  int           `mapstructure:"pool_size"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

// SchedulerConfig governs the timer and volatility triggers.
type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
	// VolatilityInterval is how often the volatility watch samples; zero disables it.
	VolatilityInterval time.Duration `mapstructure:"volatility_interval"`
}

// EthereumConfig covers chain access and signing.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	StableToken    string        `mapstructure:"stable_token"`
	StableSymbol   string        `mapstructure:"stable_symbol"`
	Router         string        `mapstructure:"router"`
	OperatorKey    string        `mapstructure:"operator_key"`
	SignerEndpoint string        `mapstructure:"signer_endpoint"`
	SignerAPIKey   string        `mapstructure:"signer_api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReceiptTimeout time.Duration `mapstructure:"receipt_timeout"`
	GasBufferPct   int64         `mapstructure:"gas_buffer_pct"`
}

// VaultConfig describes one managed vault.
type VaultConfig struct {
	Address    string        `mapstructure:"address"`
	PKPAddress string        `mapstructure:"pkp_address"`
	JWT        string        `mapstructure:"jwt"`
	Tokens     []TokenConfig `mapstructure:"tokens"`
}

// TokenConfig is a vault asset.
type TokenConfig struct {
	Address  string `mapstructure:"address"`
	Symbol   string `mapstructure:"symbol"`
	Decimals int32  `mapstructure:"decimals"`
}

// SwapConfig captures the swap service.
type SwapConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	SlippageBps    int64         `mapstructure:"slippage_bps"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// PriceConfig captures the oracle feeding the volatility estimator.
type PriceConfig struct {
	HermesURL         string        `mapstructure:"hermes_url"`
	BenchmarksURL     string        `mapstructure:"benchmarks_url"`
	FeedID            string        `mapstructure:"feed_id"`
	Symbol            string        `mapstructure:"symbol"`
	ResolutionMinutes int           `mapstructure:"resolution_minutes"`
	Window            time.Duration `mapstructure:"window"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	FallbackScalar    float64       `mapstructure:"fallback_scalar"`
	FallbackJitter    float64       `mapstructure:"fallback_jitter"`
}

// AutomationConfig seeds every vault's automation settings and tunes execution.
type AutomationConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	SoftBps              int64         `mapstructure:"soft_bps"`
	MediumBps            int64         `mapstructure:"medium_bps"`
	AggressiveBps        int64         `mapstructure:"aggressive_bps"`
	CooldownMinutes      int           `mapstructure:"cooldown_minutes"`
	MaxDailyRebalances   int           `mapstructure:"max_daily_rebalances"`
	NotificationsEnabled bool          `mapstructure:"notifications_enabled"`
	RetryAttempts        int           `mapstructure:"retry_attempts"`
	RetryDelay           time.Duration `mapstructure:"retry_delay"`
	SettlementDelay      time.Duration `mapstructure:"settlement_delay"`
	DustThreshold        string        `mapstructure:"dust_threshold"`
	SagaTimeout          time.Duration `mapstructure:"saga_timeout"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ServerConfig configures the REST surface.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	APIKey          string        `mapstructure:"api_key"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REBALANCER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "vault-rebalancer")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.advisory_lock_key", int64(0x72626c6e))
	v.SetDefault("database.retention", "0s")

	v.SetDefault("redis.pool_size", 5)
	v.SetDefault("redis.key_prefix", "rebalancer")
	v.SetDefault("redis.lock_ttl", "15m")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.volatility_interval", "5m")

	v.SetDefault("ethereum.chain_id", 8453)
	v.SetDefault("ethereum.stable_symbol", "USDC")
	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.receipt_timeout", "3m")
	v.SetDefault("ethereum.gas_buffer_pct", 20)

	v.SetDefault("swap.slippage_bps", 50)
	v.SetDefault("swap.request_timeout", "30s")

	v.SetDefault("price.hermes_url", "https://hermes.pyth.network")
	v.SetDefault("price.benchmarks_url", "https://benchmarks.pyth.network")
	v.SetDefault("price.resolution_minutes", 60)
	v.SetDefault("price.window", "24h")
	v.SetDefault("price.request_timeout", "10s")
	v.SetDefault("price.fallback_scalar", 10.0)
	v.SetDefault("price.fallback_jitter", 0.2)

	defaults := automation.DefaultConfig()
	v.SetDefault("automation.enabled", defaults.Enabled)
	v.SetDefault("automation.soft_bps", defaults.Thresholds.Soft)
	v.SetDefault("automation.medium_bps", defaults.Thresholds.Medium)
	v.SetDefault("automation.aggressive_bps", defaults.Thresholds.Aggressive)
	v.SetDefault("automation.cooldown_minutes", defaults.CooldownMinutes)
	v.SetDefault("automation.max_daily_rebalances", defaults.MaxDailyRebalances)
	v.SetDefault("automation.notifications_enabled", defaults.NotificationsEnabled)
	v.SetDefault("automation.retry_attempts", 3)
	v.SetDefault("automation.retry_delay", "2s")
	v.SetDefault("automation.settlement_delay", "5s")
	v.SetDefault("automation.dust_threshold", "0.001")
	v.SetDefault("automation.saga_timeout", "15m")

	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "20m")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 10000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.VolatilityInterval < 0 {
		return fmt.Errorf("scheduler.volatility_interval cannot be negative")
	}
	if err := c.AutomationDefaults().Validate(); err != nil {
		return fmt.Errorf("automation: %w", err)
	}
	if c.Automation.RetryAttempts < 1 {
		return fmt.Errorf("automation.retry_attempts must be at least 1")
	}
	if _, err := c.DustThreshold(); err != nil {
		return err
	}
	if c.Swap.SlippageBps < 0 || c.Swap.SlippageBps > 10_000 {
		return fmt.Errorf("swap.slippage_bps must be within [0, 10000]")
	}
	if c.Ethereum.StableToken != "" && !common.IsHexAddress(c.Ethereum.StableToken) {
		return fmt.Errorf("ethereum.stable_token is not a valid address")
	}
	if c.Ethereum.Router != "" && !common.IsHexAddress(c.Ethereum.Router) {
		return fmt.Errorf("ethereum.router is not a valid address")
	}

	seen := make(map[string]struct{}, len(c.Vaults))
	for i, vault := range c.Vaults {
		if !common.IsHexAddress(vault.Address) {
			return fmt.Errorf("vaults[%d].address is not a valid address", i)
		}
		key := strings.ToLower(vault.Address)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("vaults[%d].address duplicates another vault", i)
		}
		seen[key] = struct{}{}

		if vault.PKPAddress != "" {
			if !common.IsHexAddress(vault.PKPAddress) {
				return fmt.Errorf("vaults[%d].pkp_address is not a valid address", i)
			}
			if c.Ethereum.SignerEndpoint == "" {
				return fmt.Errorf("vaults[%d] uses a pkp signer but ethereum.signer_endpoint is empty", i)
			}
		}
		for j, token := range vault.Tokens {
			if !common.IsHexAddress(token.Address) {
				return fmt.Errorf("vaults[%d].tokens[%d].address is not a valid address", i, j)
			}
			if token.Symbol == "" {
				return fmt.Errorf("vaults[%d].tokens[%d].symbol is required", i, j)
			}
		}
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}

	// any configured vault or the REST force endpoint can reach the swap leg
	if len(c.Vaults) > 0 || c.Server.Enabled {
		if err := requireAddress("ethereum.router", c.Ethereum.Router); err != nil {
			return err
		}
		if err := requireAddress("ethereum.stable_token", c.Ethereum.StableToken); err != nil {
			return err
		}
	}
	return nil
}

func requireAddress(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", field)
	}
	if !common.IsHexAddress(value) {
		return fmt.Errorf("%s is not a valid address", field)
	}
	if common.HexToAddress(value) == (common.Address{}) {
		return fmt.Errorf("%s must not be the zero address", field)
	}
	return nil
}

// AutomationDefaults is the automation config every vault starts from.
func (c *Config) AutomationDefaults() automation.Config {
	a := c.Automation
	return automation.Config{
		Enabled: a.Enabled,
		Thresholds: automation.Thresholds{
			Soft:       a.SoftBps,
			Medium:     a.MediumBps,
			Aggressive: a.AggressiveBps,
		},
		CooldownMinutes:      a.CooldownMinutes,
		MaxDailyRebalances:   a.MaxDailyRebalances,
		NotificationsEnabled: a.NotificationsEnabled,
	}
}

// DustThreshold parses automation.dust_threshold.
func (c *Config) DustThreshold() (decimal.Decimal, error) {
	if strings.TrimSpace(c.Automation.DustThreshold) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(c.Automation.DustThreshold)
	if err != nil {
		return decimal.Zero, fmt.Errorf("automation.dust_threshold: %w", err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("automation.dust_threshold cannot be negative")
	}
	return d, nil
}

// DefaultVault is the first configured vault, or empty.
func (c *Config) DefaultVault() string {
	if len(c.Vaults) == 0 {
		return ""
	}
	return c.Vaults[0].Address
}

// FindVault looks a vault up by address, ignoring case.
func (c *Config) FindVault(address string) (VaultConfig, bool) {
	for _, v := range c.Vaults {
		if strings.EqualFold(v.Address, strings.TrimSpace(address)) {
			return v, true
		}
	}
	return VaultConfig{}, false
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
