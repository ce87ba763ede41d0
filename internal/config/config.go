// Package config loads arenad settings from an optional YAML file and the
// environment. Environment variables (prefix ARENA_) override file values,
// which override the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "ARENA_"

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Store   StoreConfig   `yaml:"store" envPrefix:"STORE_"`
	LLM     LLMConfig     `yaml:"llm" envPrefix:"LLM_"`
	Image   ImageConfig   `yaml:"image" envPrefix:"IMAGE_"`
	Ledger  LedgerConfig  `yaml:"ledger" envPrefix:"LEDGER_"`
	Rewards RewardsConfig `yaml:"rewards" envPrefix:"REWARDS_"`
	Tracing TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	IngestToken     string        `yaml:"ingest_token" env:"INGEST_TOKEN"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

type LogConfig struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Development bool   `yaml:"development" env:"DEVELOPMENT"`
}

type StoreConfig struct {
	Path      string `yaml:"path" env:"PATH"`
	CacheSize int    `yaml:"cache_size" env:"CACHE_SIZE"`
}

type LLMConfig struct {
	BaseURL    string        `yaml:"base_url" env:"BASE_URL"`
	APIKey     string        `yaml:"api_key" env:"API_KEY"`
	Model      string        `yaml:"model" env:"MODEL"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	JSONMode   bool          `yaml:"json_mode" env:"JSON_MODE"`
}

type ImageConfig struct {
	BaseURL        string        `yaml:"base_url" env:"BASE_URL"`
	APIKey         string        `yaml:"api_key" env:"API_KEY"`
	Model          string        `yaml:"model" env:"MODEL"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	PlaceholderURL string        `yaml:"placeholder_url" env:"PLACEHOLDER_URL"`
}

type LedgerConfig struct {
	RPCURL   string `yaml:"rpc_url" env:"RPC_URL"`
	Contract string `yaml:"contract" env:"CONTRACT"`
	// PrivateKey is a hex signing key. When empty the key is read from the
	// OS keyring under KeyAccount.
	PrivateKey string        `yaml:"private_key" env:"PRIVATE_KEY"`
	KeyAccount string        `yaml:"key_account" env:"KEY_ACCOUNT"`
	KeyFile    string        `yaml:"key_file" env:"KEY_FILE"`
	GasMargin  string        `yaml:"gas_margin" env:"GAS_MARGIN"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Getter names for the per-player reputation and reward mappings.
	ReputationGetter string `yaml:"reputation_getter" env:"REPUTATION_GETTER"`
	RewardsGetter    string `yaml:"rewards_getter" env:"REWARDS_GETTER"`
}

type RewardsConfig struct {
	Min           int           `yaml:"min" env:"MIN"`
	Max           int           `yaml:"max" env:"MAX"`
	Intent        string        `yaml:"intent" env:"INTENT"`
	ReportTimeout time.Duration `yaml:"report_timeout" env:"REPORT_TIMEOUT"`
	ImageTimeout  time.Duration `yaml:"image_timeout" env:"IMAGE_TIMEOUT"`
}

type TracingConfig struct {
	// Endpoint is an OTLP/HTTP URL. Empty disables tracing.
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    10 * time.Minute,
			IdleTimeout:     2 * time.Minute,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Log: LogConfig{Level: "info"},
		Store: StoreConfig{
			Path:      "arena.db",
			CacheSize: 1024,
		},
		LLM: LLMConfig{
			Model:      "gpt-4o-mini",
			Timeout:    60 * time.Second,
			MaxRetries: 2,
			JSONMode:   true,
		},
		Image: ImageConfig{
			Model:   "dall-e-3",
			Timeout: 90 * time.Second,
		},
		Ledger: LedgerConfig{
			KeyAccount:       "minter",
			GasMargin:        "1.3",
			Timeout:          time.Minute,
			ReputationGetter: "reputation_score",
			RewardsGetter:    "rewards_earned",
		},
		Rewards: RewardsConfig{
			Min:           0,
			Max:           10,
			ReportTimeout: 3 * time.Minute,
			ImageTimeout:  3 * time.Minute,
		},
		Tracing: TracingConfig{ServiceName: "arenad"},
	}
}

// Load reads path (if non-empty) over the defaults, then applies the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings serve needs.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Store.CacheSize <= 0 {
		errs = append(errs, errors.New("store.cache_size must be positive"))
	}
	if c.Rewards.Min > c.Rewards.Max {
		errs = append(errs, fmt.Errorf("rewards.min %d exceeds rewards.max %d", c.Rewards.Min, c.Rewards.Max))
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		errs = append(errs, errors.New("llm.api_key is required"))
	}
	if c.Ledger.RPCURL == "" {
		errs = append(errs, errors.New("ledger.rpc_url is required"))
	}
	if !common.IsHexAddress(c.Ledger.Contract) {
		errs = append(errs, fmt.Errorf("ledger.contract %q is not an address", c.Ledger.Contract))
	}
	if c.Ledger.PrivateKey == "" && c.Ledger.KeyAccount == "" {
		errs = append(errs, errors.New("ledger.private_key or ledger.key_account is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
