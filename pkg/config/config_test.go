package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*24*time.Hour, cfg.Markets[0].Cooldown.Duration)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.LogLevel = "loud" },
			want:   `unknown log_level "loud"`,
		},
		{
			name:   "zero governance",
			mutate: func(c *Config) { c.Governance.Address = "0x0000000000000000000000000000000000000000" },
			want:   "governance.address: zero address",
		},
		{
			name:   "shared address",
			mutate: func(c *Config) { c.Governance.Engine = c.Governance.Orchestrator },
			want:   "already used by governance.orchestrator",
		},
		{
			name:   "no markets",
			mutate: func(c *Config) { c.Markets = nil },
			want:   "at least one market",
		},
		{
			name:   "malformed max stake",
			mutate: func(c *Config) { c.Markets[0].MaxStake = "lots" },
			want:   "markets[0].max_stake",
		},
		{
			name:   "fractional cooldown",
			mutate: func(c *Config) { c.Markets[0].Cooldown = Duration(1500 * time.Millisecond) },
			want:   "cooldown must be a positive whole number of seconds",
		},
		{
			name:   "zero multiplier",
			mutate: func(c *Config) { c.Rewards.MaxMultiplier = "0" },
			want:   "rewards.max_multiplier: must be positive",
		},
		{
			name: "weights mismatch",
			mutate: func(c *Config) {
				c.Rewards.Tokens = []RewardTokenConfig{{
					Symbol:          "RWD",
					Address:         "0x00000000000000000000000000000000000000e0",
					InflationRate:   "1000",
					ReductionFactor: "1.5",
					Markets:         []string{"stLUX"},
				}}
			},
			want: "1 markets but 0 weights",
		},
		{
			name: "unknown reward market",
			mutate: func(c *Config) {
				c.Rewards.Tokens = []RewardTokenConfig{{
					Symbol:          "RWD",
					Address:         "0x00000000000000000000000000000000000000e0",
					InflationRate:   "1000",
					ReductionFactor: "1.5",
					Markets:         []string{"nope"},
					Weights:         []uint64{10000},
				}}
			},
			want: `unknown market "nope"`,
		},
		{
			name:   "unknown allocation asset",
			mutate: func(c *Config) { c.Allocations = []AllocationConfig{{Asset: "DOGE", To: "0x01", Amount: "1"}} },
			want:   `unknown asset "DOGE"`,
		},
		{
			name:   "bad keeper schedule",
			mutate: func(c *Config) { c.Keeper.Schedule = "every tuesday" },
			want:   "keeper: invalid schedule",
		},
		{
			name:   "bad keeper address",
			mutate: func(c *Config) { c.Keeper.Address = "keeper" },
			want:   "keeper.address",
		},
		{
			name:   "bad port",
			mutate: func(c *Config) { c.Server.RPCPort = 70000 },
			want:   "rpc_port must be 0-65535",
		},
		{
			name: "nats without url",
			mutate: func(c *Config) {
				c.NATS.Enabled = true
				c.NATS.URL = ""
			},
			want: "nats: url must not be empty",
		},
		{
			name:   "unknown engine",
			mutate: func(c *Config) { c.Database.Engine = "leveldb" },
			want:   `unknown engine "leveldb"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "safety.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[governance]
address = "0x00000000000000000000000000000000000000f0"

[[markets]]
name = "stLUX"
address = "0x00000000000000000000000000000000000000c0"
max_stake = "500"
cooldown = "48h"
unstake_window = "12h"

[[markets]]
name = "stUSDC"
address = "0x00000000000000000000000000000000000000c1"
max_stake = "0"
cooldown = "24h"
unstake_window = "6h"

[[rewards.tokens]]
symbol = "RWD"
address = "0x00000000000000000000000000000000000000e0"
inflation_rate = "1000000"
reduction_factor = "1.25"
markets = ["stLUX", "stUSDC"]
weights = [7000, 3000]

[[allocations]]
asset = "LUX"
to = "0x0000000000000000000000000000000000000001"
amount = "100"
`), 0o600))

	t.Run("file on top of defaults", func(t *testing.T) {
		cfg, err := Load(path)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())

		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "0x00000000000000000000000000000000000000f0", cfg.Governance.Address)
		assert.Equal(t, Defaults().Governance.Orchestrator, cfg.Governance.Orchestrator)
		require.Len(t, cfg.Markets, 2)
		assert.Equal(t, 48*time.Hour, cfg.Markets[0].Cooldown.Duration)
		assert.Equal(t, 6*time.Hour, cfg.Markets[1].UnstakeWindow.Duration)
		require.Len(t, cfg.Rewards.Tokens, 1)
		assert.Equal(t, []uint64{7000, 3000}, cfg.Rewards.Tokens[0].Weights)
		assert.Equal(t, "4", cfg.Rewards.MaxMultiplier)
		require.Len(t, cfg.Allocations, 1)
	})

	t.Run("env overrides", func(t *testing.T) {
		t.Setenv("SAFETY_LOG_LEVEL", "warn")
		t.Setenv("SAFETY_SERVER_RPC_PORT", "18080")
		t.Setenv("SAFETY_NATS_ENABLED", "true")
		t.Setenv("SAFETY_MARKET_COOLDOWN", "72h")
		t.Setenv("SAFETY_SERVER_WS_PORT", "not-a-port")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.LogLevel)
		assert.Equal(t, 18080, cfg.Server.RPCPort)
		assert.Equal(t, Defaults().Server.WSPort, cfg.Server.WSPort)
		assert.True(t, cfg.NATS.Enabled)
		assert.Equal(t, 72*time.Hour, cfg.Markets[0].Cooldown.Duration)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "absent.toml"))
		assert.Error(t, err)
	})

	t.Run("no file", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Defaults().Markets, cfg.Markets)
	})
}
