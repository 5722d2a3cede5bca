package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"overbought-alerts/internal/logging"
	"overbought-alerts/internal/market"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Liquidity LiquidityConfig `mapstructure:"liquidity"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig covers Bybit REST and WebSocket connectivity.
type ExchangeConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	WSURL             string        `mapstructure:"ws_url"`
	Category          string        `mapstructure:"category"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	NetworkBackoff    time.Duration `mapstructure:"network_backoff"`
	RateLimitBackoff  time.Duration `mapstructure:"rate_limit_backoff"`
	UserAgent         string        `mapstructure:"user_agent"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
}

// SignalConfig holds the RSI trigger parameters.
type SignalConfig struct {
	Threshold    float64 `mapstructure:"threshold"`
	ResetMargin  float64 `mapstructure:"reset_margin"`
	WatchMargin  float64 `mapstructure:"watch_margin"`
	Period       int     `mapstructure:"period"`
	WindowBuffer int     `mapstructure:"window_buffer"`
}

// WindowSize is the candle capacity of every rolling window.
func (s SignalConfig) WindowSize() int {
	return s.Period + s.WindowBuffer
}

// MonitorConfig governs what is watched and how often.
type MonitorConfig struct {
	Timeframes        []string                 `mapstructure:"timeframes"`
	FastTimeframe     string                   `mapstructure:"fast_timeframe"`
	CompositePriority []string                 `mapstructure:"composite_priority"`
	Blacklist         []string                 `mapstructure:"blacklist"`
	BaseInterval      time.Duration            `mapstructure:"base_interval"`
	RepollIntervals   map[string]time.Duration `mapstructure:"repoll_intervals"`
	WarmupConcurrency int                      `mapstructure:"warmup_concurrency"`
	RepollConcurrency int                      `mapstructure:"repoll_concurrency"`
	Workers           int                      `mapstructure:"workers"`
	Evaluators        int                      `mapstructure:"evaluators"`
	TrackingInterval  time.Duration            `mapstructure:"tracking_interval"`
	Bias              string                   `mapstructure:"bias"`
}

// ParsedTimeframes returns the monitored timeframes.
func (m MonitorConfig) ParsedTimeframes() ([]market.Timeframe, error) {
	return market.ParseTimeframes(m.Timeframes)
}

// LiquidityConfig sets the candidate floors in quote currency.
type LiquidityConfig struct {
	MinVolume24h    float64 `mapstructure:"min_volume_24h"`
	MinOpenInterest float64 `mapstructure:"min_open_interest"`
}

// TrackerConfig defines outcome tracking and where the log lives.
type TrackerConfig struct {
	TargetPercent float64       `mapstructure:"target_percent"`
	ExpiryWindow  time.Duration `mapstructure:"expiry_window"`
	Backend       string        `mapstructure:"backend"`
	FilePath      string        `mapstructure:"file_path"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Timeout  time.Duration  `mapstructure:"timeout"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// DiscordConfig describes the webhook notifier.
type DiscordConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Username   string `mapstructure:"username"`
	Title      string `mapstructure:"title"`
	Brand      string `mapstructure:"brand"`
	Timezone   string `mapstructure:"timezone"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the Prometheus endpoint; empty address disables it.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OVERBOUGHT")
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
	v.SetDefault("app.name", "overbought-alerts")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("exchange.base_url", "https://api.bybit.com")
	v.SetDefault("exchange.ws_url", "wss://stream.bybit.com/v5/public/linear")
	v.SetDefault("exchange.category", "linear")
	v.SetDefault("exchange.request_timeout", "10s")
	v.SetDefault("exchange.requests_per_second", 10.0)
	v.SetDefault("exchange.burst", 10)
	v.SetDefault("exchange.retry_attempts", 3)
	v.SetDefault("exchange.network_backoff", "2s")
	v.SetDefault("exchange.rate_limit_backoff", "5s")
	v.SetDefault("exchange.user_agent", "")
	v.SetDefault("exchange.ping_interval", "20s")
	v.SetDefault("exchange.reconnect_max", "30s")

	v.SetDefault("signal.threshold", 85.0)
	v.SetDefault("signal.reset_margin", 5.0)
	v.SetDefault("signal.watch_margin", 10.0)
	v.SetDefault("signal.period", 14)
	v.SetDefault("signal.window_buffer", 10)

	v.SetDefault("monitor.timeframes", []string{"4h", "1h", "15m", "1m"})
	v.SetDefault("monitor.fast_timeframe", "1m")
	v.SetDefault("monitor.composite_priority", []string{"4h", "1h", "15m"})
	v.SetDefault("monitor.blacklist", []string{"ELXUSDT"})
	v.SetDefault("monitor.base_interval", "30s")
	v.SetDefault("monitor.repoll_intervals", map[string]string{
		"1m":  "10s",
		"15m": "15s",
		"1h":  "20s",
		"4h":  "30s",
	})
	v.SetDefault("monitor.warmup_concurrency", 5)
	v.SetDefault("monitor.repoll_concurrency", 5)
	v.SetDefault("monitor.workers", 8)
	v.SetDefault("monitor.evaluators", 16)
	v.SetDefault("monitor.tracking_interval", "1m")
	v.SetDefault("monitor.bias", "SHORT")

	v.SetDefault("liquidity.min_volume_24h", 5_000_000.0)
	v.SetDefault("liquidity.min_open_interest", 2_000_000.0)

	v.SetDefault("tracker.target_percent", -1.0)
	v.SetDefault("tracker.expiry_window", "24h")
	v.SetDefault("tracker.backend", "file")
	v.SetDefault("tracker.file_path", "alerts_history.json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x52534941))

	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.discord.enabled", false)
	v.SetDefault("alerting.discord.timezone", "Europe/Bucharest")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.listen_addr", "")

	v.SetDefault("export.max_data_points", 100000)
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
	if c.Signal.Period < 1 {
		return fmt.Errorf("signal.period must be at least 1")
	}
	if c.Signal.WindowBuffer < 1 {
		return fmt.Errorf("signal.window_buffer must be at least 1")
	}
	if c.Signal.Threshold <= 0 || c.Signal.Threshold > 100 {
		return fmt.Errorf("signal.threshold must be within (0, 100]")
	}
	if c.Signal.ResetMargin < 0 || c.Signal.WatchMargin < 0 {
		return fmt.Errorf("signal margins cannot be negative")
	}

	tfs, err := c.Monitor.ParsedTimeframes()
	if err != nil {
		return fmt.Errorf("monitor.timeframes: %w", err)
	}
	if len(tfs) == 0 {
		return fmt.Errorf("monitor.timeframes must not be empty")
	}
	if _, err := market.ParseTimeframe(c.Monitor.FastTimeframe); err != nil {
		return fmt.Errorf("monitor.fast_timeframe: %w", err)
	}
	if _, err := market.ParseTimeframes(c.Monitor.CompositePriority); err != nil {
		return fmt.Errorf("monitor.composite_priority: %w", err)
	}
	for label, d := range c.Monitor.RepollIntervals {
		if _, err := market.ParseTimeframe(label); err != nil {
			return fmt.Errorf("monitor.repoll_intervals: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("monitor.repoll_intervals.%s must be greater than zero", label)
		}
	}
	if c.Monitor.BaseInterval <= 0 {
		return fmt.Errorf("monitor.base_interval must be greater than zero")
	}
	if c.Monitor.TrackingInterval <= 0 {
		return fmt.Errorf("monitor.tracking_interval must be greater than zero")
	}
	if c.Monitor.Workers < 1 || c.Monitor.Evaluators < 1 || c.Monitor.WarmupConcurrency < 1 || c.Monitor.RepollConcurrency < 1 {
		return fmt.Errorf("monitor worker and concurrency settings must be at least 1")
	}

	if c.Liquidity.MinVolume24h < 0 || c.Liquidity.MinOpenInterest < 0 {
		return fmt.Errorf("liquidity floors cannot be negative")
	}
	if c.Tracker.ExpiryWindow <= 0 {
		return fmt.Errorf("tracker.expiry_window must be greater than zero")
	}

	switch strings.ToLower(c.Tracker.Backend) {
	case "file":
		if c.Tracker.FilePath == "" {
			return fmt.Errorf("tracker.file_path is required for the file backend")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("tracker.backend must be file or postgres, got %q", c.Tracker.Backend)
	}

	if c.Alerting.Discord.Enabled && c.Alerting.Discord.WebhookURL == "" {
		return fmt.Errorf("alerting.discord.webhook_url is required when discord is enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// RepollInterval returns the re-poll cadence for tf, falling back to the
// base interval.
func (c *Config) RepollInterval(tf market.Timeframe) time.Duration {
	if d, ok := c.Monitor.RepollIntervals[tf.String()]; ok && d > 0 {
		return d
	}
	return c.Monitor.BaseInterval
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
