package infra

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds every application setting. Secrets are loaded from the
// environment (a .env file is honored) and override the yaml values.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Markets struct {
		Symbols        []string        `yaml:"symbols"`
		BettingSeconds int             `yaml:"betting_seconds"`
		ActiveSeconds  int             `yaml:"active_seconds"`
		AutoTradeAt    int             `yaml:"auto_trade_at"`
		MinStake       decimal.Decimal `yaml:"min_stake"`
		CommissionRate decimal.Decimal `yaml:"commission_rate"`
	} `yaml:"markets"`

	Feed struct {
		WSURL string `yaml:"ws_url"`
	} `yaml:"feed"`

	Rates struct {
		URL             string `yaml:"url"`
		PollIntervalSec int    `yaml:"poll_interval_sec"`
	} `yaml:"rates"`

	Chain struct {
		RPCURL            string `yaml:"rpc_url"`
		VaultAddress      string `yaml:"vault_address"`
		FeesAddress       string `yaml:"fees_address"`
		PrivateKey        string `yaml:"-"` // env only, never in the file
		ChainID           int64  `yaml:"chain_id"`
		ReceiptTimeoutSec int    `yaml:"receipt_timeout_sec"`
	} `yaml:"chain"`

	Withdrawals struct {
		IntervalSec int `yaml:"interval_sec"`
		BatchSize   int `yaml:"batch_size"`
	} `yaml:"withdrawals"`

	Leaderboard struct {
		EpochSeconds int64 `yaml:"epoch_seconds"`
		TopN         int   `yaml:"top_n"`
	} `yaml:"leaderboard"`

	Server struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and validates the configuration file.
func LoadConfig(path string) (*Config, error) {
	// A missing .env is fine; real env vars still apply.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Markets.BettingSeconds == 0 {
		cfg.Markets.BettingSeconds = 30
	}
	if cfg.Markets.ActiveSeconds == 0 {
		cfg.Markets.ActiveSeconds = 30
	}
	if cfg.Markets.AutoTradeAt == 0 {
		cfg.Markets.AutoTradeAt = 10
	}
	if cfg.Markets.MinStake.IsZero() {
		cfg.Markets.MinStake = decimal.RequireFromString("0.0001")
	}
	if cfg.Markets.CommissionRate.IsZero() {
		cfg.Markets.CommissionRate = decimal.RequireFromString("0.05")
	}
	if cfg.Chain.ReceiptTimeoutSec == 0 {
		cfg.Chain.ReceiptTimeoutSec = 90
	}
	if cfg.Withdrawals.IntervalSec == 0 {
		cfg.Withdrawals.IntervalSec = 300
	}
	if cfg.Withdrawals.BatchSize == 0 {
		cfg.Withdrawals.BatchSize = 250
	}
	if cfg.Leaderboard.EpochSeconds == 0 {
		cfg.Leaderboard.EpochSeconds = 7 * 24 * 3600
	}
	if cfg.Leaderboard.TopN == 0 {
		cfg.Leaderboard.TopN = 25
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8090"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "data/moonride.db"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if len(c.Markets.Symbols) == 0 {
		return fmt.Errorf("at least one market symbol is required")
	}
	if c.Markets.BettingSeconds <= 0 || c.Markets.ActiveSeconds <= 0 {
		return fmt.Errorf("round phase durations must be positive")
	}
	if c.Markets.AutoTradeAt >= c.Markets.BettingSeconds {
		return fmt.Errorf("auto_trade_at must fall inside the betting window")
	}
	if !c.Markets.CommissionRate.IsPositive() || c.Markets.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("commission_rate must be in (0, 1)")
	}
	if c.Feed.WSURL == "" || (!strings.HasPrefix(c.Feed.WSURL, "ws://") && !strings.HasPrefix(c.Feed.WSURL, "wss://")) {
		return fmt.Errorf("invalid feed WS URL: %s", c.Feed.WSURL)
	}
	if c.Withdrawals.BatchSize <= 0 {
		return fmt.Errorf("withdrawal batch size must be positive")
	}
	return nil
}

// overrideWithEnv applies environment overrides for deployment secrets.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("MOONRIDE_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("MOONRIDE_VAULT_ADDRESS"); v != "" {
		cfg.Chain.VaultAddress = v
	}
	if v := os.Getenv("MOONRIDE_FEES_ADDRESS"); v != "" {
		cfg.Chain.FeesAddress = v
	}
	if v := os.Getenv("MOONRIDE_PRIVATE_KEY"); v != "" {
		cfg.Chain.PrivateKey = v
	}
	if v := os.Getenv("MOONRIDE_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
}
