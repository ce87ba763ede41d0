package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arenad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func validConfig() Config {
	cfg := Default()
	cfg.LLM.APIKey = "sk-test"
	cfg.Ledger.RPCURL = "http://127.0.0.1:8545"
	cfg.Ledger.Contract = testContract
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 0, cfg.Rewards.Min)
	assert.Equal(t, 10, cfg.Rewards.Max)
	assert.Equal(t, 1024, cfg.Store.CacheSize)
	assert.Equal(t, "1.3", cfg.Ledger.GasMargin)
	assert.Equal(t, "reputation_score", cfg.Ledger.ReputationGetter)
	assert.Equal(t, "rewards_earned", cfg.Ledger.RewardsGetter)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9090"
  cors_origins: ["https://arena.example"]
llm:
  model: gpt-4o
  timeout: 45s
rewards:
  max: 20
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"https://arena.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 45*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 20, cfg.Rewards.Max)
	// untouched sections keep their defaults
	assert.Equal(t, "dall-e-3", cfg.Image.Model)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9090"
ledger:
  contract: "0x0000000000000000000000000000000000000001"
`)
	t.Setenv("ARENA_SERVER_ADDR", ":7070")
	t.Setenv("ARENA_LEDGER_CONTRACT", testContract)
	t.Setenv("ARENA_SERVER_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("ARENA_LLM_TIMEOUT", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, testContract, cfg.Ledger.Contract)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 2*time.Minute, cfg.LLM.Timeout)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "config: read")

	_, err = Load(writeFile(t, "server: [not, a, map"))
	assert.ErrorContains(t, err, "config: parse")

	t.Setenv("ARENA_REWARDS_MAX", "ten")
	_, err = Load("")
	assert.ErrorContains(t, err, "config: parse env")
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing rpc", func(c *Config) { c.Ledger.RPCURL = "" }, "ledger.rpc_url"},
		{"bad contract", func(c *Config) { c.Ledger.Contract = "0x123" }, "ledger.contract"},
		{"no key source", func(c *Config) { c.Ledger.KeyAccount = "" }, "ledger.private_key"},
		{"missing llm key", func(c *Config) { c.LLM.APIKey = " " }, "llm.api_key"},
		{"inverted bounds", func(c *Config) { c.Rewards.Min = 5; c.Rewards.Max = 1 }, "rewards.min"},
		{"zero cache", func(c *Config) { c.Store.CacheSize = 0 }, "store.cache_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.api_key")
	assert.Contains(t, err.Error(), "ledger.rpc_url")
	assert.Contains(t, err.Error(), "ledger.contract")
}
