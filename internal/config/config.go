// Package config loads service configuration from defaults, an optional
// YAML file, a .env file and OPTIONS_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/atmx/options-engine/internal/money"
)

const envPrefix = "OPTIONS"

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PairCacheTTL time.Duration `mapstructure:"pair_cache_ttl"`
}

type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

type MarketDataConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type SweepConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
	BatchSize int           `mapstructure:"batch_size"`
}

type TradeConfig struct {
	MaxDuration time.Duration `mapstructure:"max_duration"`
}

type WalletConfig struct {
	DemoBalanceText string `mapstructure:"demo_balance"`

	// DemoBalance is DemoBalanceText parsed by Load.
	DemoBalance money.Cents `mapstructure:"-"`
}

// DevConfig seeds the in-memory mode: symbol → payout rate and
// symbol → price.
type DevConfig struct {
	Pairs  map[string]string `mapstructure:"pairs"`
	Prices map[string]string `mapstructure:"prices"`
}

type Config struct {
	ServiceName string           `mapstructure:"service_name"`
	Env         string           `mapstructure:"env"`
	LogLevel    string           `mapstructure:"log_level"`
	HTTP        HTTPConfig       `mapstructure:"http"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Kafka       KafkaConfig      `mapstructure:"kafka"`
	MarketData  MarketDataConfig `mapstructure:"market_data"`
	Sweep       SweepConfig      `mapstructure:"sweep"`
	Trade       TradeConfig      `mapstructure:"trade"`
	Wallet      WalletConfig     `mapstructure:"wallet"`
	Dev         DevConfig        `mapstructure:"dev"`
}

// Load reads configuration. An empty path means config.yaml; a missing file
// is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Conventional unprefixed names used by container platforms.
	v.BindEnv("http.port", envPrefix+"_HTTP_PORT", "PORT")
	v.BindEnv("database.url", envPrefix+"_DATABASE_URL", "DATABASE_URL")
	v.BindEnv("redis.url", envPrefix+"_REDIS_URL", "REDIS_URL")

	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "options-engine")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")

	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.pair_cache_ttl", "30s")

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "options.trades")

	v.SetDefault("market_data.base_url", "")
	v.SetDefault("market_data.requests_per_second", 10)
	v.SetDefault("market_data.timeout", "5s")

	v.SetDefault("sweep.interval", "1m")
	v.SetDefault("sweep.lock_ttl", "5m")
	v.SetDefault("sweep.batch_size", 500)

	v.SetDefault("trade.max_duration", "24h")

	v.SetDefault("wallet.demo_balance", "10000.00")

	v.SetDefault("dev.pairs", map[string]string{"BTCUSDT": "0.80", "ETHUSDT": "0.75"})
	v.SetDefault("dev.prices", map[string]string{"BTCUSDT": "50000", "ETHUSDT": "3000"})
}

func (c *Config) validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be in 1..65535, got %d", c.HTTP.Port)
	}
	if c.Sweep.Interval <= 0 || c.Sweep.LockTTL <= 0 {
		return fmt.Errorf("sweep.interval and sweep.lock_ttl must be positive")
	}
	if c.Sweep.LockTTL < c.Sweep.Interval {
		return fmt.Errorf("sweep.lock_ttl (%s) must be at least sweep.interval (%s)", c.Sweep.LockTTL, c.Sweep.Interval)
	}
	if c.Sweep.BatchSize <= 0 {
		return fmt.Errorf("sweep.batch_size must be positive")
	}
	if c.Trade.MaxDuration < time.Second {
		return fmt.Errorf("trade.max_duration must be at least 1s")
	}
	if c.MarketData.RequestsPerSecond <= 0 {
		return fmt.Errorf("market_data.requests_per_second must be positive")
	}
	if c.Kafka.Brokers != "" && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
	}
	demo, err := money.ParseCents(c.Wallet.DemoBalanceText)
	if err != nil || demo <= 0 {
		return fmt.Errorf("wallet.demo_balance %q must be a positive amount", c.Wallet.DemoBalanceText)
	}
	c.Wallet.DemoBalance = demo
	return nil
}
