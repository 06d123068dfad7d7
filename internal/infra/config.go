package infra

import (
	"fmt"
	"os"
	"strings"
	"time"

	"trade_sync/internal/domain"

	"gopkg.in/yaml.v3"
)

// AccountConfig identifies one brokerage account handled by the engine.
type AccountConfig struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// Config holds every tunable of the engine. Sensitive values can be
// overridden through environment variables after loading.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Broker struct {
		WSURL                string        `yaml:"ws_url"`
		HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
		TokenTTL             time.Duration `yaml:"token_ttl"`
		ReauthMargin         time.Duration `yaml:"reauth_margin"`
		DeadWindow           time.Duration `yaml:"dead_window"`
		DeadWindowCount      int           `yaml:"dead_window_count"`
		SubscribeTimeout     time.Duration `yaml:"subscribe_timeout"`
		SupervisorInterval   time.Duration `yaml:"supervisor_interval"`
		MaxConcurrentConnect int           `yaml:"max_concurrent_connect"`
	} `yaml:"broker"`

	Accounts []AccountConfig `yaml:"accounts"`

	Ledger struct {
		MaxEvents int `yaml:"max_events"`
		TrimBatch int `yaml:"trim_batch"`
	} `yaml:"ledger"`

	Dispatcher struct {
		Workers          int           `yaml:"workers"`
		GlobalRate       float64       `yaml:"global_rate"`       // tokens per second
		GlobalBurst      float64       `yaml:"global_burst"`      // bucket capacity
		AccountRate      float64       `yaml:"account_rate"`      // per-account tokens per second
		AccountBurst     float64       `yaml:"account_burst"`     // per-account capacity
		RateLimitDelay   time.Duration `yaml:"rate_limit_delay"`  // fixed requeue delay
		HistorySize      int           `yaml:"history_size"`      // terminal task retention
		CoalesceModifies bool          `yaml:"coalesce_modifies"` // modify_order coalescing
	} `yaml:"dispatcher"`

	Publisher struct {
		Interval time.Duration `yaml:"interval"`
		MaxFills int           `yaml:"max_fills"` // cached fills per account
	} `yaml:"publisher"`

	Storage struct {
		Enabled bool   `yaml:"enabled"`
		DBPath  string `yaml:"db_path"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"` // rotated log files live here
	} `yaml:"logging"`
}

// LoadConfig reads and parses the config file, applies environment overrides
// and fills defaults for omitted tunables.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Broker.HeartbeatInterval <= 0 {
		c.Broker.HeartbeatInterval = 2500 * time.Millisecond
	}
	if c.Broker.TokenTTL <= 0 {
		c.Broker.TokenTTL = 80 * time.Minute
	}
	if c.Broker.ReauthMargin <= 0 {
		c.Broker.ReauthMargin = 5 * time.Minute
	}
	if c.Broker.DeadWindow <= 0 {
		c.Broker.DeadWindow = 30 * time.Second
	}
	if c.Broker.DeadWindowCount <= 0 {
		c.Broker.DeadWindowCount = 3
	}
	if c.Broker.SubscribeTimeout <= 0 {
		c.Broker.SubscribeTimeout = 10 * time.Second
	}
	if c.Broker.SupervisorInterval <= 0 {
		c.Broker.SupervisorInterval = 5 * time.Second
	}
	if c.Broker.MaxConcurrentConnect <= 0 {
		c.Broker.MaxConcurrentConnect = 5
	}
	if c.Ledger.MaxEvents <= 0 {
		c.Ledger.MaxEvents = 100000
	}
	if c.Ledger.TrimBatch <= 0 {
		c.Ledger.TrimBatch = c.Ledger.MaxEvents / 10
	}
	if c.Dispatcher.Workers <= 0 {
		c.Dispatcher.Workers = 4
	}
	if c.Dispatcher.GlobalRate <= 0 {
		c.Dispatcher.GlobalRate = 10
	}
	if c.Dispatcher.GlobalBurst <= 0 {
		c.Dispatcher.GlobalBurst = 20
	}
	if c.Dispatcher.AccountRate <= 0 {
		c.Dispatcher.AccountRate = 2
	}
	if c.Dispatcher.AccountBurst <= 0 {
		c.Dispatcher.AccountBurst = 5
	}
	if c.Dispatcher.RateLimitDelay <= 0 {
		c.Dispatcher.RateLimitDelay = 2 * time.Second
	}
	if c.Dispatcher.HistorySize <= 0 {
		c.Dispatcher.HistorySize = 500
	}
	if c.Publisher.Interval <= 0 {
		c.Publisher.Interval = 1 * time.Second
	}
	if c.Publisher.MaxFills <= 0 {
		c.Publisher.MaxFills = 200
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "data/trade_sync.db"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Broker.WSURL, "ws://") && !strings.HasPrefix(c.Broker.WSURL, "wss://") {
		return &domain.ConfigError{Field: "broker.ws_url", Err: fmt.Errorf("not a websocket URL: %s", c.Broker.WSURL)}
	}
	if len(c.Accounts) == 0 {
		return &domain.ConfigError{Field: "accounts", Err: fmt.Errorf("at least one account is required")}
	}
	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID == "" {
			return &domain.ConfigError{Field: "accounts", Err: fmt.Errorf("account with empty id")}
		}
		if seen[a.ID] {
			return &domain.ConfigError{Field: "accounts", Err: fmt.Errorf("duplicate account id: %s", a.ID)}
		}
		seen[a.ID] = true
	}
	if c.Broker.ReauthMargin >= c.Broker.TokenTTL {
		return &domain.ConfigError{Field: "broker.reauth_margin", Err: fmt.Errorf("margin %s must be below token TTL %s", c.Broker.ReauthMargin, c.Broker.TokenTTL)}
	}
	if c.Publisher.Interval <= 0 {
		return &domain.ConfigError{Field: "publisher.interval", Err: fmt.Errorf("must be positive")}
	}
	return nil
}

// overrideWithEnv applies environment overrides for sensitive values.
// Tokens: TRADESYNC_WS_TOKEN_<ACCOUNT_ID> (id uppercased, dashes to underscores).
func overrideWithEnv(cfg *Config) {
	for i := range cfg.Accounts {
		key := "TRADESYNC_WS_TOKEN_" + strings.ToUpper(strings.ReplaceAll(cfg.Accounts[i].ID, "-", "_"))
		if tok := os.Getenv(key); tok != "" {
			cfg.Accounts[i].Token = tok
		}
	}
	if path := os.Getenv("TRADESYNC_DB_PATH"); path != "" {
		cfg.Storage.DBPath = path
	}
}
