package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/coti-io/price-service/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	GapFill   GapFillConfig   `mapstructure:"gapfill"`
	Gate      GateConfig      `mapstructure:"gate"`
	Export    ExportConfig    `mapstructure:"export"`
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
}

// ServerConfig governs the inbound HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SourcesConfig covers upstream quote provider access.
type SourcesConfig struct {
	CMCAPIKey        string        `mapstructure:"cmc_api_key"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
	BinanceBaseURL   string        `mapstructure:"binance_base_url"`
	KuCoinBaseURL    string        `mapstructure:"kucoin_base_url"`
	CoinbaseBaseURL  string        `mapstructure:"coinbase_base_url"`
	CryptoComBaseURL string        `mapstructure:"cryptocom_base_url"`
	CMCBaseURL       string        `mapstructure:"cmc_base_url"`
}

// SchedulerConfig governs sampling cadence.
type SchedulerConfig struct {
	SampleInterval  time.Duration `mapstructure:"sample_interval"`
	GapFillInterval time.Duration `mapstructure:"gapfill_interval"`
}

// GapFillConfig tunes the gap reconciler.
type GapFillConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	WindowDays       int           `mapstructure:"window_days"`
	SafetyOffset     time.Duration `mapstructure:"safety_offset"`
	Throttle         time.Duration `mapstructure:"throttle"`
	FillAtStartup    bool          `mapstructure:"fill_at_startup"`
	EnforceAtStartup bool          `mapstructure:"enforce_at_startup"`
}

// GateConfig bounds the on-demand fetch serialization.
type GateConfig struct {
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICESERVICE")
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
	v.SetDefault("app.name", "price-service")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("sources.request_timeout", "10s")
	v.SetDefault("sources.user_agent", "price-service/1.0")
	v.SetDefault("sources.binance_base_url", "https://api.binance.com")
	v.SetDefault("sources.kucoin_base_url", "https://api.kucoin.com")
	v.SetDefault("sources.coinbase_base_url", "https://api.coinbase.com")
	v.SetDefault("sources.cryptocom_base_url", "https://api.crypto.com")
	v.SetDefault("sources.cmc_base_url", "https://pro-api.coinmarketcap.com")

	v.SetDefault("scheduler.sample_interval", "30s")
	v.SetDefault("scheduler.gapfill_interval", "10m")

	v.SetDefault("gapfill.enabled", true)
	v.SetDefault("gapfill.window_days", 30)
	v.SetDefault("gapfill.safety_offset", "2m")
	v.SetDefault("gapfill.throttle", "5s")
	v.SetDefault("gapfill.fill_at_startup", false)
	v.SetDefault("gapfill.enforce_at_startup", false)

	v.SetDefault("gate.acquire_timeout", "30s")

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
// Credentials and connectivity have no defaults and must be provided.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Sources.CMCAPIKey == "" {
		return fmt.Errorf("sources.cmc_api_key is required")
	}
	if c.Scheduler.SampleInterval <= 0 {
		return fmt.Errorf("scheduler.sample_interval must be greater than zero")
	}
	if c.Scheduler.GapFillInterval <= 0 {
		return fmt.Errorf("scheduler.gapfill_interval must be greater than zero")
	}
	if c.GapFill.WindowDays <= 0 {
		return fmt.Errorf("gapfill.window_days must be greater than zero")
	}
	if c.GapFill.SafetyOffset < 0 {
		return fmt.Errorf("gapfill.safety_offset cannot be negative")
	}
	if c.GapFill.Throttle < 0 {
		return fmt.Errorf("gapfill.throttle cannot be negative")
	}
	if c.Gate.AcquireTimeout <= 0 {
		return fmt.Errorf("gate.acquire_timeout must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
