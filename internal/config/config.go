package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	CCXT        CCXTConfig      `mapstructure:"ccxt"`
	Telegram    TelegramConfig  `mapstructure:"telegram"`
	Admin       AdminConfig     `mapstructure:"admin"`
	Fusion      FusionConfig    `mapstructure:"fusion"`
	Regime      RegimeConfig    `mapstructure:"regime"`
	Execution   ExecutionConfig `mapstructure:"execution"`
	Lifecycle   LifecycleConfig `mapstructure:"lifecycle"`
	Scanner     ScannerConfig   `mapstructure:"scanner"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	DatabaseURL     string `mapstructure:"database_url"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CCXTConfig struct {
	ServiceURL string `mapstructure:"service_url"`
	Timeout    int    `mapstructure:"timeout"`
	Exchange   string `mapstructure:"exchange"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

type AdminConfig struct {
	APIKey string `mapstructure:"api_key" json:"-" yaml:"-"`
}

// FusionConfig tunes the fusion scorer's gates and market-context lookups.
type FusionConfig struct {
	MinTechnicalConfidence      float64 `mapstructure:"min_technical_confidence"`
	SentimentOverrideConfidence float64 `mapstructure:"sentiment_override_confidence"`
	CriticalEventLimit          int     `mapstructure:"critical_event_limit"`
	ConflictingEventLimit       int     `mapstructure:"conflicting_event_limit"`
	MinOverallScore             float64 `mapstructure:"min_overall_score"`
	SignalTTL                   string  `mapstructure:"signal_ttl"`
	EventLookbackHours          int     `mapstructure:"event_lookback_hours"`
	VolumeLookback              int     `mapstructure:"volume_lookback"`
	HigherTimeframe             string  `mapstructure:"higher_timeframe"`
	TrendFastPeriod             int     `mapstructure:"trend_fast_period"`
	TrendSlowPeriod             int     `mapstructure:"trend_slow_period"`
}

// RegimeConfig tunes hysteresis for the regime state machine.
type RegimeConfig struct {
	MinConfidence      float64 `mapstructure:"min_confidence"`
	HistoryCapacity    int     `mapstructure:"history_capacity"`
	StabilityWindow    int     `mapstructure:"stability_window"`
	AgreementThreshold float64 `mapstructure:"agreement_threshold"`
	MonitorInterval    string  `mapstructure:"monitor_interval"`
	PublishTimeout     string  `mapstructure:"publish_timeout"`
	ReferenceSymbol    string  `mapstructure:"reference_symbol"`
	AnalysisTimeframe  string  `mapstructure:"analysis_timeframe"`
	TrendFastPeriod    int     `mapstructure:"trend_fast_period"`
	TrendSlowPeriod    int     `mapstructure:"trend_slow_period"`
	RangeBand          float64 `mapstructure:"range_band"`
	HistoryRetention   string  `mapstructure:"history_retention"`
	PruneCron          string  `mapstructure:"prune_cron"`
}

// ExecutionConfig tunes the paper execution engine.
type ExecutionConfig struct {
	InitialBalance     float64 `mapstructure:"initial_balance"`
	PositionFraction   float64 `mapstructure:"position_fraction"`
	MinTradeAmount     float64 `mapstructure:"min_trade_amount"`
	FeeRate            float64 `mapstructure:"fee_rate"`
	SlippageRate       float64 `mapstructure:"slippage_rate"`
	MaxHoldingDuration string  `mapstructure:"max_holding_duration"`
	ExitPolicy         string  `mapstructure:"exit_policy"`
	UpdateInterval     string  `mapstructure:"update_interval"`
	DailyResetCron     string  `mapstructure:"daily_reset_cron"`
}

// LifecycleConfig tunes the per-position monitor.
type LifecycleConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	PollInterval        string  `mapstructure:"poll_interval"`
	PartialCloseRatio   float64 `mapstructure:"partial_close_ratio"`
	TrailingDistance    float64 `mapstructure:"trailing_distance"`
	MaxHoldingDuration  string  `mapstructure:"max_holding_duration"`
	MaxAdverseMoveRatio float64 `mapstructure:"max_adverse_move_ratio"`
}

// ScannerConfig tunes the symbol scan loop.
type ScannerConfig struct {
	Symbols           []string `mapstructure:"symbols"`
	Timeframe         string   `mapstructure:"timeframe"`
	ScanInterval      string   `mapstructure:"scan_interval"`
	RequestsPerSecond float64  `mapstructure:"requests_per_second"`
	Concurrency       int      `mapstructure:"concurrency"`
	HaltCleanupCron   string   `mapstructure:"halt_cleanup_cron"`
}

// TelemetryConfig selects the OpenTelemetry trace exporter.
type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	// Set default values
	setDefaults()

	// Enable environment variable support
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv("admin.api_key", "ADMIN_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind ADMIN_API_KEY environment variable: %w", err)
	}
	if err := viper.BindEnv("telegram.bot_token", "TELEGRAM_BOT_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to bind TELEGRAM_BOT_TOKEN environment variable: %w", err)
	}

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c.Environment != "development" && c.Admin.APIKey == "" {
		return errors.New("ADMIN_API_KEY environment variable is required in non-development environments")
	}

	durations := map[string]string{
		"fusion.signal_ttl":              c.Fusion.SignalTTL,
		"regime.monitor_interval":        c.Regime.MonitorInterval,
		"regime.publish_timeout":         c.Regime.PublishTimeout,
		"execution.max_holding_duration": c.Execution.MaxHoldingDuration,
		"execution.update_interval":      c.Execution.UpdateInterval,
		"lifecycle.poll_interval":        c.Lifecycle.PollInterval,
		"lifecycle.max_holding_duration": c.Lifecycle.MaxHoldingDuration,
		"scanner.scan_interval":          c.Scanner.ScanInterval,
		"regime.history_retention":       c.Regime.HistoryRetention,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	}

	if c.Execution.PositionFraction <= 0 || c.Execution.PositionFraction > 1 {
		return fmt.Errorf("execution.position_fraction must be in (0,1], got %v", c.Execution.PositionFraction)
	}
	if c.Execution.FeeRate < 0 || c.Execution.SlippageRate < 0 {
		return errors.New("execution fee and slippage rates must not be negative")
	}
	switch c.Execution.ExitPolicy {
	case "", "full_close", "managed":
	default:
		return fmt.Errorf("unknown execution.exit_policy %q", c.Execution.ExitPolicy)
	}
	// Exactly one component owns exits: the engine under full_close, the
	// lifecycle monitor under managed.
	managed := c.Execution.ExitPolicy == "managed"
	if managed && !c.Lifecycle.Enabled {
		return errors.New("execution.exit_policy \"managed\" requires lifecycle.enabled")
	}
	if !managed && c.Lifecycle.Enabled {
		return errors.New("lifecycle.enabled requires execution.exit_policy \"managed\"")
	}
	if c.Telemetry.Enabled {
		switch c.Telemetry.Exporter {
		case "stdout", "otlp":
		default:
			return fmt.Errorf("unknown telemetry.exporter %q", c.Telemetry.Exporter)
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry.sample_ratio must be in [0,1], got %v", c.Telemetry.SampleRatio)
		}
	}
	if c.Regime.StabilityWindow > c.Regime.HistoryCapacity {
		return fmt.Errorf("regime.stability_window (%d) exceeds history_capacity (%d)",
			c.Regime.StabilityWindow, c.Regime.HistoryCapacity)
	}
	return nil
}

// Duration parses a validated duration string, falling back to def when empty.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

func setDefaults() {
	// Environment
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	// Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	// Set database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "celebrum_paper")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.database_url", "")
	viper.SetDefault("database.max_open_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "300s")

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// CCXT
	viper.SetDefault("ccxt.service_url", "http://localhost:3001")
	viper.SetDefault("ccxt.timeout", 30)
	viper.SetDefault("ccxt.exchange", "binance")

	// Telegram
	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.chat_id", "")

	// Admin
	viper.SetDefault("admin.api_key", "")

	// Fusion
	viper.SetDefault("fusion.min_technical_confidence", 0.5)
	viper.SetDefault("fusion.sentiment_override_confidence", 0.7)
	viper.SetDefault("fusion.critical_event_limit", 2)
	viper.SetDefault("fusion.conflicting_event_limit", 1)
	viper.SetDefault("fusion.min_overall_score", 0.6)
	viper.SetDefault("fusion.signal_ttl", "30m")
	viper.SetDefault("fusion.event_lookback_hours", 24)
	viper.SetDefault("fusion.volume_lookback", 20)
	viper.SetDefault("fusion.higher_timeframe", "4h")
	viper.SetDefault("fusion.trend_fast_period", 20)
	viper.SetDefault("fusion.trend_slow_period", 50)

	// Regime
	viper.SetDefault("regime.min_confidence", 0.6)
	viper.SetDefault("regime.history_capacity", 30)
	viper.SetDefault("regime.stability_window", 3)
	viper.SetDefault("regime.agreement_threshold", 0.8)
	viper.SetDefault("regime.monitor_interval", "1h")
	viper.SetDefault("regime.publish_timeout", "5s")
	viper.SetDefault("regime.reference_symbol", "BTC/USDT")
	viper.SetDefault("regime.analysis_timeframe", "1d")
	viper.SetDefault("regime.trend_fast_period", 20)
	viper.SetDefault("regime.trend_slow_period", 50)
	viper.SetDefault("regime.range_band", 0.01)
	viper.SetDefault("regime.history_retention", "720h")
	viper.SetDefault("regime.prune_cron", "@hourly")

	// Execution
	viper.SetDefault("execution.initial_balance", 100000.0)
	viper.SetDefault("execution.position_fraction", 0.05)
	viper.SetDefault("execution.min_trade_amount", 10.0)
	viper.SetDefault("execution.fee_rate", 0.001)
	viper.SetDefault("execution.slippage_rate", 0.0005)
	viper.SetDefault("execution.max_holding_duration", "24h")
	viper.SetDefault("execution.exit_policy", "full_close")
	viper.SetDefault("execution.update_interval", "1m")
	viper.SetDefault("execution.daily_reset_cron", "0 0 * * *")

	// Lifecycle
	viper.SetDefault("lifecycle.enabled", false)
	viper.SetDefault("lifecycle.poll_interval", "30s")
	viper.SetDefault("lifecycle.partial_close_ratio", 0.5)
	viper.SetDefault("lifecycle.trailing_distance", 0.02)
	viper.SetDefault("lifecycle.max_holding_duration", "168h")
	viper.SetDefault("lifecycle.max_adverse_move_ratio", 0.10)

	// Scanner
	viper.SetDefault("scanner.symbols", []string{"BTC/USDT", "ETH/USDT", "SOL/USDT", "BNB/USDT"})
	viper.SetDefault("scanner.timeframe", "1h")
	viper.SetDefault("scanner.scan_interval", "5m")
	viper.SetDefault("scanner.requests_per_second", 2.0)
	viper.SetDefault("scanner.concurrency", 4)
	viper.SetDefault("scanner.halt_cleanup_cron", "@hourly")

	// Telemetry
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.exporter", "stdout")
	viper.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
	viper.SetDefault("telemetry.sample_ratio", 1.0)
}
