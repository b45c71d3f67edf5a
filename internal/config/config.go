package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"whale-flow-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Dedup       DedupConfig       `mapstructure:"dedup"`
	Window      WindowConfig      `mapstructure:"window"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Status      StatusConfig      `mapstructure:"status"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	// WatchlistPath points at the YAML file of watched entities.
	WatchlistPath string `mapstructure:"watchlist_path"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig covers the dedup and window stores.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ExchangeConfig selects and parameterises the upstream event source.
type ExchangeConfig struct {
	// Strategy is "stream" (pooled websockets) or "poll".
	Strategy       string        `mapstructure:"strategy"`
	WSURL          string        `mapstructure:"ws_url"`
	InfoURL        string        `mapstructure:"info_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	UserAgent      string        `mapstructure:"user_agent"`
	// WatchedAssets limits normalization to these coins; empty watches all.
	WatchedAssets []string `mapstructure:"watched_assets"`
}

// PoolConfig governs the connection pool manager.
type PoolConfig struct {
	Connections        int           `mapstructure:"connections"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	SubscribeDelay     time.Duration `mapstructure:"subscribe_delay"`
	SubscribeRetries   int           `mapstructure:"subscribe_retries"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffCap         time.Duration `mapstructure:"backoff_cap"`
	HealthInterval     time.Duration `mapstructure:"health_interval"`
	StaleWarn          time.Duration `mapstructure:"stale_warn"`
	StaleCritical      time.Duration `mapstructure:"stale_critical"`
	FailureCeiling     int           `mapstructure:"failure_ceiling"`
	SuccessFloorPct    float64       `mapstructure:"success_floor_pct"`
	CloseTimeout       time.Duration `mapstructure:"close_timeout"`
	DegradedMultiplier int           `mapstructure:"degraded_multiplier"`
	QueueSize          int           `mapstructure:"queue_size"`
}

// AggregationConfig tunes the order fill buffer.
type AggregationConfig struct {
	Quiescence time.Duration `mapstructure:"quiescence"`
}

// DedupConfig tunes the processed-marker store.
type DedupConfig struct {
	// Margin is added to the window length to form the marker TTL, so a
	// marker always outlives the window it protects.
	Margin time.Duration `mapstructure:"margin"`
}

// WindowConfig tunes the sliding cumulative window.
type WindowConfig struct {
	Length time.Duration `mapstructure:"length"`
	// Anchor fixes the window alignment epoch (RFC3339). Empty anchors to
	// the Unix epoch so the grid survives restarts.
	Anchor        string `mapstructure:"anchor"`
	RecentSamples int    `mapstructure:"recent_samples"`
}

// AlertingConfig defines thresholds and routing.
type AlertingConfig struct {
	Enabled             bool           `mapstructure:"enabled"`
	SingleEnabled       bool           `mapstructure:"single_enabled"`
	CumulativeEnabled   bool           `mapstructure:"cumulative_enabled"`
	SingleThreshold     float64        `mapstructure:"single_threshold"`
	CumulativeThreshold float64        `mapstructure:"cumulative_threshold"`
	Telegram            TelegramConfig `mapstructure:"telegram"`
	NATS                NATSConfig     `mapstructure:"nats"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// NATSConfig routes alerts onto a subject for downstream consumers.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// StatusConfig governs the periodic heartbeat and audit retention sweep.
type StatusConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	AlertRetention    time.Duration `mapstructure:"alert_retention"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WHALEWATCHER")
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
	v.SetDefault("app.name", "whalewatcher")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.watchlist_path", "watchlist.yaml")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("redis.key_prefix", "whalewatcher:")
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("exchange.strategy", "stream")
	v.SetDefault("exchange.ws_url", "wss://api.hyperliquid.xyz/ws")
	v.SetDefault("exchange.info_url", "https://api.hyperliquid.xyz/info")
	v.SetDefault("exchange.request_timeout", "10s")
	v.SetDefault("exchange.poll_interval", "15s")
	v.SetDefault("exchange.user_agent", "whalewatcher/1.0")

	v.SetDefault("pool.connections", 4)
	v.SetDefault("pool.connect_timeout", "15s")
	v.SetDefault("pool.subscribe_delay", "250ms")
	v.SetDefault("pool.subscribe_retries", 3)
	v.SetDefault("pool.backoff_base", "500ms")
	v.SetDefault("pool.backoff_cap", "30s")
	v.SetDefault("pool.health_interval", "10s")
	v.SetDefault("pool.stale_warn", "60s")
	v.SetDefault("pool.stale_critical", "180s")
	v.SetDefault("pool.failure_ceiling", 5)
	v.SetDefault("pool.success_floor_pct", 50.0)
	v.SetDefault("pool.close_timeout", "5s")
	v.SetDefault("pool.degraded_multiplier", 4)
	v.SetDefault("pool.queue_size", 1024)

	v.SetDefault("aggregation.quiescence", "3s")

	v.SetDefault("dedup.margin", "1h")

	v.SetDefault("window.length", "24h")
	v.SetDefault("window.recent_samples", 64)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.single_enabled", true)
	v.SetDefault("alerting.cumulative_enabled", true)
	v.SetDefault("alerting.single_threshold", 10000.0)
	v.SetDefault("alerting.cumulative_threshold", 50000.0)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.nats.enabled", false)
	v.SetDefault("alerting.nats.subject", "whalewatcher.alerts")

	v.SetDefault("status.heartbeat_interval", "1m")
	v.SetDefault("status.alert_retention", "720h")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
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
	switch c.Exchange.Strategy {
	case "stream", "poll":
	default:
		return fmt.Errorf("exchange.strategy must be stream or poll, got %q", c.Exchange.Strategy)
	}
	if c.Pool.Connections <= 0 {
		return fmt.Errorf("pool.connections must be greater than zero")
	}
	if c.Pool.SuccessFloorPct < 0 || c.Pool.SuccessFloorPct > 100 {
		return fmt.Errorf("pool.success_floor_pct must be within [0,100]")
	}
	if c.Pool.StaleCritical <= c.Pool.StaleWarn {
		return fmt.Errorf("pool.stale_critical must exceed pool.stale_warn")
	}
	if c.Aggregation.Quiescence <= 0 {
		return fmt.Errorf("aggregation.quiescence must be greater than zero")
	}
	if c.Window.Length <= 0 {
		return fmt.Errorf("window.length must be greater than zero")
	}
	if c.Window.Anchor != "" {
		if _, err := time.Parse(time.RFC3339, c.Window.Anchor); err != nil {
			return fmt.Errorf("window.anchor must be RFC3339: %w", err)
		}
	}
	if c.Alerting.SingleThreshold < 0 || c.Alerting.CumulativeThreshold < 0 {
		return fmt.Errorf("alert thresholds cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.NATS.Enabled && c.Alerting.NATS.URL == "" {
		return fmt.Errorf("alerting.nats.url is required when the NATS sink is enabled")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// DedupTTL is the processed-marker retention: the cumulative window length
// plus the configured safety margin.
func (c *Config) DedupTTL() time.Duration {
	return c.Window.Length + c.Dedup.Margin
}

// defaultWindowAnchor is the epoch used when no anchor is configured. A
// fixed constant keeps the bucket grid identical across restarts, so
// persisted counters are never re-zeroed by a moving anchor.
var defaultWindowAnchor = time.Unix(0, 0).UTC()

// WindowAnchor resolves the configured anchor, falling back to the fixed
// default epoch.
func (c *Config) WindowAnchor() time.Time {
	if c.Window.Anchor == "" {
		return defaultWindowAnchor
	}
	t, err := time.Parse(time.RFC3339, c.Window.Anchor)
	if err != nil {
		return defaultWindowAnchor
	}
	return t.UTC()
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
