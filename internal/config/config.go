package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the ledger service.
type Config struct {
	Server     Server     `yaml:"server"`
	Storage    Storage    `yaml:"storage"`
	Alpaca     Alpaca     `yaml:"alpaca"`
	MarketData MarketData `yaml:"market_data"`
	Kafka      Kafka      `yaml:"kafka"`
	Logging    Logging    `yaml:"logging"`
	Scheduler  Scheduler  `yaml:"scheduler"`
	Risk       Risk       `yaml:"risk"`
}

type Server struct {
	Port          int    `yaml:"port" env:"PORT"`
	JWTSecret     string `yaml:"jwt_secret" env:"JWT_SECRET"`
	InternalToken string `yaml:"internal_token" env:"INTERNAL_TOKEN"`
	RateLimit     int    `yaml:"rate_limit" env:"RATE_LIMIT"`
}

// Storage selects the gorm dialect. Driver is "sqlite" or "postgres".
type Storage struct {
	Driver string `yaml:"driver" env:"DB_DRIVER"`
	DSN    string `yaml:"dsn" env:"DATABASE_URL"`
}

// Alpaca enables the live market-data provider when APIKey is set.
type Alpaca struct {
	APIKey    string `yaml:"api_key" env:"APCA_API_KEY_ID"`
	APISecret string `yaml:"api_secret" env:"APCA_API_SECRET_KEY"`
	BaseURL   string `yaml:"base_url" env:"ALPACA_BASE_URL"`
	DataURL   string `yaml:"data_url" env:"ALPACA_DATA_URL"`
	Feed      string `yaml:"feed" env:"ALPACA_FEED"`
}

type MarketData struct {
	QuoteCacheTTL time.Duration `yaml:"quote_cache_ttl" env:"QUOTE_CACHE_TTL"`
	AssetCacheTTL time.Duration `yaml:"asset_cache_ttl" env:"ASSET_CACHE_TTL"`
}

// Kafka forwarding is disabled when Brokers is empty.
type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC"`
}

type Logging struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"LOG_PRETTY"`
}

type Scheduler struct {
	EvaluationInterval  time.Duration `yaml:"evaluation_interval" env:"EVALUATION_INTERVAL"`
	MarginCheckInterval time.Duration `yaml:"margin_check_interval" env:"MARGIN_CHECK_INTERVAL"`
	FeeAccrualInterval  time.Duration `yaml:"fee_accrual_interval" env:"FEE_ACCRUAL_INTERVAL"`
	SnapshotInterval    time.Duration `yaml:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`
	SessionPollInterval time.Duration `yaml:"session_poll_interval" env:"SESSION_POLL_INTERVAL"`
}

type Risk struct {
	// PDTEnabled is the enforcement flag given to newly opened accounts.
	PDTEnabled *bool `yaml:"pdt_enabled" env:"PDT_ENABLED"`
}

// Default returns a configuration usable for local development.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file at path (optional when empty), applies environment
// overrides, then fills defaults for anything still unset.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 100
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = "ledger.db"
	}
	if c.Alpaca.BaseURL == "" {
		c.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
	}
	if c.Alpaca.DataURL == "" {
		c.Alpaca.DataURL = "https://data.alpaca.markets"
	}
	if c.Alpaca.Feed == "" {
		c.Alpaca.Feed = "iex"
	}
	if c.MarketData.QuoteCacheTTL == 0 {
		c.MarketData.QuoteCacheTTL = 2 * time.Second
	}
	if c.MarketData.AssetCacheTTL == 0 {
		c.MarketData.AssetCacheTTL = time.Hour
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "ledger-events"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Scheduler.EvaluationInterval == 0 {
		c.Scheduler.EvaluationInterval = 5 * time.Second
	}
	if c.Scheduler.MarginCheckInterval == 0 {
		c.Scheduler.MarginCheckInterval = time.Minute
	}
	if c.Scheduler.FeeAccrualInterval == 0 {
		c.Scheduler.FeeAccrualInterval = 24 * time.Hour
	}
	if c.Scheduler.SnapshotInterval == 0 {
		c.Scheduler.SnapshotInterval = time.Hour
	}
	if c.Scheduler.SessionPollInterval == 0 {
		c.Scheduler.SessionPollInterval = 30 * time.Second
	}
	if c.Risk.PDTEnabled == nil {
		enabled := true
		c.Risk.PDTEnabled = &enabled
	}
}

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Alpaca.APIKey != "" && c.Alpaca.APISecret == "" {
		errs = append(errs, errors.New("alpaca.api_secret is required when api_key is set"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}

// UseAlpaca reports whether live market data is configured.
func (c *Config) UseAlpaca() bool {
	return c.Alpaca.APIKey != "" && c.Alpaca.APISecret != ""
}
