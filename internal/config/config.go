package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"tip-settlement/internal/fee"
	"tip-settlement/internal/logging"
	"tip-settlement/internal/pricing"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Ethereum    EthereumConfig    `mapstructure:"ethereum"`
	Pricing     PricingConfig     `mapstructure:"pricing"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Attestation AttestationConfig `mapstructure:"attestation"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the price monitor cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// EthereumConfig covers on-chain feed access.
type EthereumConfig struct {
	RPCURL               string        `mapstructure:"rpc_url" validate:"omitempty,url"`
	PriceFeedAddress     string        `mapstructure:"price_feed_address" validate:"omitempty,eth_addr"`
	SequencerFeedAddress string        `mapstructure:"sequencer_feed_address" validate:"omitempty,eth_addr"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
}

// PricingConfig drives the price resolver.
type PricingConfig struct {
	LiveEnabled bool `mapstructure:"live_enabled"`
	// FallbackPrice is the reference price of one native coin, e.g. "2000.50".
	FallbackPrice      string        `mapstructure:"fallback_price" validate:"required,numeric"`
	FallbackDecimals   uint8         `mapstructure:"fallback_decimals" validate:"lte=36"`
	NativeDecimals     uint8         `mapstructure:"native_decimals" validate:"lte=36"`
	GracePeriod        time.Duration `mapstructure:"grace_period"`
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold"`
	HTTPURL            string        `mapstructure:"http_url" validate:"omitempty,url"`
	HTTPDecimals       uint8         `mapstructure:"http_decimals"`
	UserAgent          string        `mapstructure:"user_agent"`
}

// RatioConfig is a fee ratio as written in config files.
type RatioConfig struct {
	Numerator   uint64 `mapstructure:"numerator" validate:"gt=0"`
	Denominator uint64 `mapstructure:"denominator" validate:"gt=0"`
}

// Ratio converts to a fee.Ratio.
func (r RatioConfig) Ratio() fee.Ratio {
	return fee.NewRatio(r.Numerator, r.Denominator)
}

// EngineConfig seeds the settlement engine registry.
type EngineConfig struct {
	Address         string      `mapstructure:"address" validate:"required,eth_addr"`
	Owner           string      `mapstructure:"owner" validate:"required,eth_addr"`
	Admins          []string    `mapstructure:"admins" validate:"dive,eth_addr"`
	SlippageBps     uint64      `mapstructure:"slippage_bps" validate:"lte=1000"`
	MinimalFee      RatioConfig `mapstructure:"minimal_fee"`
	PercentageFee   RatioConfig `mapstructure:"percentage_fee"`
	PublicGoods     []string    `mapstructure:"public_goods" validate:"dive,eth_addr"`
	SupportedTokens []string    `mapstructure:"supported_tokens" validate:"dive,eth_addr"`
}

// AttestationConfig configures the public-good attestation hook.
type AttestationConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schema   string `mapstructure:"schema"`
	Attester string `mapstructure:"attester" validate:"omitempty,eth_addr"`
}

// AlertingConfig defines degraded-pricing alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels" validate:"dive,oneof=telegram log"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base" validate:"omitempty,url"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" validate:"omitempty,hostname_port"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TIPSETTLE")
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
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tipsettle")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x74697073))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("pricing.live_enabled", false)
	v.SetDefault("pricing.fallback_decimals", 8)
	v.SetDefault("pricing.native_decimals", 18)
	v.SetDefault("pricing.grace_period", "1h")
	v.SetDefault("pricing.staleness_threshold", "1h")
	v.SetDefault("pricing.http_decimals", 8)
	v.SetDefault("pricing.user_agent", "tipsettle/1.0")

	v.SetDefault("engine.address", "0x000000000000000000000000000000000000f00d")
	v.SetDefault("engine.slippage_bps", 250)
	v.SetDefault("engine.minimal_fee.numerator", 1)
	v.SetDefault("engine.minimal_fee.denominator", 10)
	v.SetDefault("engine.percentage_fee.numerator", 1)
	v.SetDefault("engine.percentage_fee.denominator", 100)

	v.SetDefault("attestation.enabled", false)
	v.SetDefault("attestation.schema", "address recipient, address attester")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", "127.0.0.1:9464")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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

// Validate runs the struct tags first, then the cross-field checks tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Pricing.GracePeriod < 0 || c.Pricing.StalenessThreshold < 0 {
		return fmt.Errorf("pricing.grace_period and pricing.staleness_threshold cannot be negative")
	}
	if _, err := c.FallbackPrice(); err != nil {
		return fmt.Errorf("pricing.fallback_price: %w", err)
	}
	if _, err := c.FeeSchedule(); err != nil {
		return fmt.Errorf("engine fee schedule: %w", err)
	}
	if c.Pricing.LiveEnabled && c.Ethereum.PriceFeedAddress == "" && c.Pricing.HTTPURL == "" {
		return fmt.Errorf("pricing.live_enabled requires ethereum.price_feed_address or pricing.http_url")
	}
	if c.Ethereum.PriceFeedAddress != "" && c.Ethereum.RPCURL == "" {
		return fmt.Errorf("ethereum.rpc_url is required when a price feed address is set")
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}
	if c.Attestation.Enabled && strings.TrimSpace(c.Attestation.Schema) == "" {
		return fmt.Errorf("attestation.schema is required when attestation is enabled")
	}
	if c.Alerting.Telegram.Enabled && !slices.Contains(c.Alerting.Channels, "telegram") {
		return fmt.Errorf("alerting.telegram.enabled requires \"telegram\" in alerting.channels")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// FeeSchedule returns the validated initial fee schedule.
func (c *Config) FeeSchedule() (fee.Schedule, error) {
	schedule := fee.Schedule{
		MinimalFee: c.Engine.MinimalFee.Ratio(),
		Percentage: c.Engine.PercentageFee.Ratio(),
	}
	if err := schedule.Validate(); err != nil {
		return fee.Schedule{}, err
	}
	return schedule, nil
}

// FallbackPrice parses the configured fallback price.
func (c *Config) FallbackPrice() (pricing.FallbackPrice, error) {
	return pricing.ParseFallback(c.Pricing.FallbackPrice, c.Pricing.FallbackDecimals)
}

// Addresses converts hex strings that already passed validation.
func Addresses(values []string) []common.Address {
	out := make([]common.Address, 0, len(values))
	for _, v := range values {
		out = append(out, common.HexToAddress(v))
	}
	return out
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
