package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration.
type Config struct {
	LogLevel string         `yaml:"log_level" env:"LOG_LEVEL"`
	HTTP     HTTPConfig     `yaml:"http"`
	Bus      BusConfig      `yaml:"bus"`
	Store    StoreConfig    `yaml:"store"`
	Market   MarketConfig   `yaml:"market"`
	Broker   BrokerConfig   `yaml:"broker"`
	Stream   StreamConfig   `yaml:"stream"`
	Publish  PublishConfig  `yaml:"publish"`
	Executor ExecutorConfig `yaml:"executor"`
	Accounts []Account      `yaml:"accounts"`
}

// Account holds one broker account's credentials.
type Account struct {
	ID          string `yaml:"id"`
	APIKey      string `yaml:"api_key" env:"BROKER_API_KEY"`
	AccessToken string `yaml:"access_token" env:"BROKER_ACCESS_TOKEN"`
}

// HTTPConfig configures the control-plane server.
type HTTPConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port" env:"HTTP_PORT"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	APIKeyEnabled bool          `yaml:"api_key_enabled"`
	APIKey        string        `yaml:"api_key" env:"GATEWAY_API_KEY"`
}

// BusConfig configures the redis message bus.
type BusConfig struct {
	URL            string        `yaml:"url" env:"BUS_URL"`
	Market         string        `yaml:"market"`
	PublishTimeout time.Duration `yaml:"publish_timeout_ms"`
}

// StoreConfig configures the durable postgres store.
type StoreConfig struct {
	DSN             string        `yaml:"dsn" env:"STORE_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// MarketConfig configures the trading calendar and option pricing.
type MarketConfig struct {
	Timezone        string  `yaml:"timezone" env:"MARKET_TIMEZONE"`
	Open            string  `yaml:"open"`
	Close           string  `yaml:"close"`
	RiskFreeRate    float64 `yaml:"risk_free_rate"`
	IVMaxIterations int     `yaml:"iv_max_iterations"`
	IVTolerance     float64 `yaml:"iv_tolerance"`
}

// BrokerConfig configures the upstream broker connections.
type BrokerConfig struct {
	RESTBaseURL          string        `yaml:"rest_base_url"`
	WSBaseURL            string        `yaml:"ws_base_url"`
	MaxTokensPerConn     int           `yaml:"max_tokens_per_connection"`
	MaxConnsPerAccount   int           `yaml:"max_connections_per_account"`
	SubscribeTimeout     time.Duration `yaml:"subscribe_timeout"`
	SilentConnThreshold  time.Duration `yaml:"silent_connection_threshold"`
	RegistryRefreshHours int           `yaml:"registry_refresh_interval_hours"`
	LeaseTimeout         time.Duration `yaml:"lease_timeout_s"`
}

// StreamConfig configures the streaming orchestrator.
type StreamConfig struct {
	ReconcileDebounce time.Duration `yaml:"reconcile_debounce"`
	EnableMockData    bool          `yaml:"enable_mock_data" env:"ENABLE_MOCK_DATA"`
	MockStateTTL      time.Duration `yaml:"mock_state_ttl"`
	MockStateMax      int           `yaml:"mock_state_max"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	ValidatorStrict   bool          `yaml:"validator_strict"`
}

// PublishConfig configures batching and the bus circuit breaker.
type PublishConfig struct {
	BatchWindow      time.Duration `yaml:"batch_window_ms"`
	BatchMaxSize     int           `yaml:"batch_max_size"`
	FailureThreshold int           `yaml:"circuit_failure_threshold"`
	RecoveryInterval time.Duration `yaml:"circuit_recovery_s"`
	SuccessThreshold int           `yaml:"circuit_success_threshold"`
}

// ExecutorConfig configures the order executor.
type ExecutorConfig struct {
	Workers       int           `yaml:"workers"`
	MaxAttempts   int           `yaml:"executor_max_attempts"`
	MaxTasks      int           `yaml:"executor_max_tasks"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	RecoveryGrace time.Duration `yaml:"recovery_grace"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   60 * time.Second,
			APIKeyEnabled: true,
		},
		Bus: BusConfig{
			URL:            "redis://localhost:6379/0",
			Market:         "nifty",
			PublishTimeout: time.Second,
		},
		Store: StoreConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    30 * time.Second,
		},
		Market: MarketConfig{
			Timezone:        "Asia/Kolkata",
			Open:            "09:15",
			Close:           "15:30",
			RiskFreeRate:    0.065,
			IVMaxIterations: 50,
			IVTolerance:     1e-6,
		},
		Broker: BrokerConfig{
			MaxTokensPerConn:     3000,
			MaxConnsPerAccount:   3,
			SubscribeTimeout:     10 * time.Second,
			SilentConnThreshold:  60 * time.Second,
			RegistryRefreshHours: 24,
			LeaseTimeout:         30 * time.Second,
		},
		Stream: StreamConfig{
			ReconcileDebounce: 5 * time.Second,
			EnableMockData:    false,
			MockStateTTL:      15 * time.Minute,
			MockStateMax:      10000,
			ShutdownTimeout:   30 * time.Second,
		},
		Publish: PublishConfig{
			BatchWindow:      100 * time.Millisecond,
			BatchMaxSize:     1000,
			FailureThreshold: 5,
			RecoveryInterval: 30 * time.Second,
			SuccessThreshold: 2,
		},
		Executor: ExecutorConfig{
			Workers:       4,
			MaxAttempts:   5,
			MaxTasks:      10000,
			PollInterval:  500 * time.Millisecond,
			BackoffBase:   time.Second,
			BackoffMax:    2 * time.Minute,
			RecoveryGrace: 30 * time.Second,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path returns defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("BUS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := os.Getenv("STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("MARKET_TIMEZONE"); v != "" {
		c.Market.Timezone = v
	}
	if v := os.Getenv("GATEWAY_API_KEY"); v != "" {
		c.HTTP.APIKey = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = p
		}
	}
	if v := os.Getenv("ENABLE_MOCK_DATA"); v != "" {
		c.Stream.EnableMockData = v == "true" || v == "1"
	}
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Broker.MaxTokensPerConn <= 0 {
		return fmt.Errorf("max_tokens_per_connection must be positive, got %d", c.Broker.MaxTokensPerConn)
	}
	if c.Broker.MaxConnsPerAccount <= 0 {
		return fmt.Errorf("max_connections_per_account must be positive, got %d", c.Broker.MaxConnsPerAccount)
	}
	if c.Publish.BatchMaxSize <= 0 {
		return fmt.Errorf("batch_max_size must be positive, got %d", c.Publish.BatchMaxSize)
	}
	if c.Executor.MaxAttempts <= 0 {
		return fmt.Errorf("executor_max_attempts must be positive, got %d", c.Executor.MaxAttempts)
	}
	if c.Market.IVMaxIterations <= 0 {
		return fmt.Errorf("iv_max_iterations must be positive, got %d", c.Market.IVMaxIterations)
	}
	if c.Market.IVTolerance <= 0 {
		return fmt.Errorf("iv_tolerance must be positive, got %g", c.Market.IVTolerance)
	}
	if c.HTTP.APIKeyEnabled && c.HTTP.APIKey == "" {
		return fmt.Errorf("api_key is required when api_key_enabled is set")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("account id must not be empty")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate account id: %s", a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}
