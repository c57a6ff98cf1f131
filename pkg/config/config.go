package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"github.com/luxfi/safety/pkg/wad"
)

// Config is the root configuration of a safety module deployment.
type Config struct {
	LogLevel    string             `toml:"log_level"`
	Governance  GovernanceConfig   `toml:"governance"`
	Assets      AssetsConfig       `toml:"assets"`
	Markets     []MarketConfig     `toml:"markets"`
	Rewards     RewardsConfig      `toml:"rewards"`
	Allocations []AllocationConfig `toml:"allocations"`
	Keeper      KeeperConfig       `toml:"keeper"`
	Server      ServerConfig       `toml:"server"`
	NATS        NATSConfig         `toml:"nats"`
	Database    DatabaseConfig     `toml:"database"`
}

// GovernanceConfig names the governance principal and the addresses the
// daemon assigns to the components it deploys.
type GovernanceConfig struct {
	Address      string `toml:"address"`
	Orchestrator string `toml:"orchestrator"`
	Engine       string `toml:"engine"`
	Accountant   string `toml:"accountant"`
}

// AssetConfig identifies one fungible asset ledger.
type AssetConfig struct {
	Symbol  string `toml:"symbol"`
	Address string `toml:"address"`
}

// AssetsConfig holds the staked underlying and the auction payment asset.
type AssetsConfig struct {
	Underlying AssetConfig `toml:"underlying"`
	Payment    AssetConfig `toml:"payment"`
}

// MarketConfig describes one vault.
type MarketConfig struct {
	Name          string   `toml:"name"`
	Address       string   `toml:"address"`
	MaxStake      string   `toml:"max_stake"`
	Cooldown      duration `toml:"cooldown"`
	UnstakeWindow duration `toml:"unstake_window"`
}

// RewardTokenConfig describes one reward token and how its emissions are
// split across markets. Weights are basis points and pair with Markets by
// index.
type RewardTokenConfig struct {
	Symbol          string   `toml:"symbol"`
	Address         string   `toml:"address"`
	InflationRate   string   `toml:"inflation_rate"`
	ReductionFactor string   `toml:"reduction_factor"`
	Markets         []string `toml:"markets"`
	Weights         []uint64 `toml:"weights"`
}

// RewardsConfig configures the reward accountant.
type RewardsConfig struct {
	MaxMultiplier  string              `toml:"max_multiplier"`
	SmoothingValue string              `toml:"smoothing_value"`
	Reserve        string              `toml:"reserve"`
	Tokens         []RewardTokenConfig `toml:"tokens"`
}

// AllocationConfig mints an initial balance of Asset (a configured symbol)
// to an address when the daemon boots with empty ledgers.
type AllocationConfig struct {
	Asset  string `toml:"asset"`
	To     string `toml:"to"`
	Amount string `toml:"amount"`
}

// KeeperConfig schedules the auction keeper.
type KeeperConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
	// Address the keeper completes auctions as. Anyone may complete an
	// expired auction, so it needs no role.
	Address string `toml:"address"`
}

// ServerConfig controls the daemon's listeners.
type ServerConfig struct {
	Host        string `toml:"host"`
	RPCPort     int    `toml:"rpc_port"`
	WSPort      int    `toml:"ws_port"`
	MetricsPort int    `toml:"metrics_port"`
}

// NATSConfig controls event publication to NATS.
type NATSConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Subject string `toml:"subject"`
}

// DatabaseConfig controls the event journal store.
type DatabaseConfig struct {
	Engine    string `toml:"engine"`
	DataDir   string `toml:"data_dir"`
	Namespace string `toml:"namespace"`
}

// duration is a wrapper around time.Duration that decodes TOML strings such
// as "240h".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Duration wraps a time.Duration for use in Config literals.
func Duration(d time.Duration) duration {
	return duration{d}
}

// Defaults returns a single-market configuration suitable for local runs.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Governance: GovernanceConfig{
			Address:      "0x00000000000000000000000000000000000000a0",
			Orchestrator: "0x00000000000000000000000000000000000000a1",
			Engine:       "0x00000000000000000000000000000000000000a2",
			Accountant:   "0x00000000000000000000000000000000000000a3",
		},
		Assets: AssetsConfig{
			Underlying: AssetConfig{Symbol: "LUX", Address: "0x00000000000000000000000000000000000000b0"},
			Payment:    AssetConfig{Symbol: "USDC", Address: "0x00000000000000000000000000000000000000b1"},
		},
		Markets: []MarketConfig{{
			Name:          "stLUX",
			Address:       "0x00000000000000000000000000000000000000c0",
			MaxStake:      "1000000",
			Cooldown:      duration{10 * 24 * time.Hour},
			UnstakeWindow: duration{24 * time.Hour},
		}},
		Rewards: RewardsConfig{
			MaxMultiplier:  "4",
			SmoothingValue: "30",
			Reserve:        "0x00000000000000000000000000000000000000d0",
		},
		Keeper: KeeperConfig{
			Enabled:  true,
			Schedule: "@every 1m",
			Address:  "0x00000000000000000000000000000000000000f0",
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			RPCPort:     8080,
			WSPort:      8081,
			MetricsPort: 9090,
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Subject: "safety",
		},
		Database: DatabaseConfig{
			Engine:    "badgerdb",
			DataDir:   "./data",
			Namespace: "safety",
		},
	}
}

var validLogLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
	"crit":  true,
}

var validEngines = map[string]bool{
	"badgerdb": true,
	"memory":   true,
}

// Validate checks Config for invalid or missing values and returns a combined
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		bad("unknown log_level %q", c.LogLevel)
	}

	seen := make(map[common.Address]string)
	addr := func(field, value string) {
		if !common.IsHexAddress(value) {
			bad("%s: %q is not a hex address", field, value)
			return
		}
		a := common.HexToAddress(value)
		if a == (common.Address{}) {
			bad("%s: zero address", field)
			return
		}
		if other, dup := seen[a]; dup {
			bad("%s: address %s already used by %s", field, a.Hex(), other)
			return
		}
		seen[a] = field
	}
	amount := func(field, value string, allowZero bool) {
		v, err := wad.Parse(value)
		if err != nil {
			bad("%s: %v", field, err)
			return
		}
		if !allowZero && v.IsZero() {
			bad("%s: must be positive", field)
		}
	}

	addr("governance.address", c.Governance.Address)
	addr("governance.orchestrator", c.Governance.Orchestrator)
	addr("governance.engine", c.Governance.Engine)
	addr("governance.accountant", c.Governance.Accountant)

	symbols := make(map[string]bool)
	asset := func(field string, a AssetConfig) {
		if a.Symbol == "" {
			bad("%s: symbol must not be empty", field)
		} else if symbols[a.Symbol] {
			bad("%s: duplicate symbol %q", field, a.Symbol)
		}
		symbols[a.Symbol] = true
		addr(field+".address", a.Address)
	}
	asset("assets.underlying", c.Assets.Underlying)
	asset("assets.payment", c.Assets.Payment)

	if len(c.Markets) == 0 {
		bad("markets: at least one market is required")
	}
	names := make(map[string]bool)
	for i, m := range c.Markets {
		field := fmt.Sprintf("markets[%d]", i)
		if m.Name == "" {
			bad("%s: name must not be empty", field)
		} else if names[m.Name] {
			bad("%s: duplicate name %q", field, m.Name)
		}
		names[m.Name] = true
		addr(field+".address", m.Address)
		amount(field+".max_stake", m.MaxStake, true)
		if m.Cooldown.Duration <= 0 || m.Cooldown.Duration%time.Second != 0 {
			bad("%s: cooldown must be a positive whole number of seconds", field)
		}
		if m.UnstakeWindow.Duration <= 0 || m.UnstakeWindow.Duration%time.Second != 0 {
			bad("%s: unstake_window must be a positive whole number of seconds", field)
		}
	}

	amount("rewards.max_multiplier", c.Rewards.MaxMultiplier, false)
	amount("rewards.smoothing_value", c.Rewards.SmoothingValue, false)
	addr("rewards.reserve", c.Rewards.Reserve)
	for i, tok := range c.Rewards.Tokens {
		field := fmt.Sprintf("rewards.tokens[%d]", i)
		asset(field, AssetConfig{Symbol: tok.Symbol, Address: tok.Address})
		amount(field+".inflation_rate", tok.InflationRate, true)
		amount(field+".reduction_factor", tok.ReductionFactor, false)
		if len(tok.Markets) != len(tok.Weights) {
			bad("%s: %d markets but %d weights", field, len(tok.Markets), len(tok.Weights))
		}
		for _, name := range tok.Markets {
			if !names[name] {
				bad("%s: unknown market %q", field, name)
			}
		}
	}

	for i, a := range c.Allocations {
		field := fmt.Sprintf("allocations[%d]", i)
		if !symbols[a.Asset] {
			bad("%s: unknown asset %q", field, a.Asset)
		}
		if !common.IsHexAddress(a.To) {
			bad("%s: %q is not a hex address", field, a.To)
		}
		amount(field+".amount", a.Amount, false)
	}

	if c.Keeper.Enabled {
		if _, err := cron.ParseStandard(c.Keeper.Schedule); err != nil {
			bad("keeper: invalid schedule %q: %v", c.Keeper.Schedule, err)
		}
		if !common.IsHexAddress(c.Keeper.Address) {
			bad("keeper.address: %q is not a hex address", c.Keeper.Address)
		}
	}

	for name, port := range map[string]int{
		"rpc_port":     c.Server.RPCPort,
		"ws_port":      c.Server.WSPort,
		"metrics_port": c.Server.MetricsPort,
	} {
		if port < 0 || port > 65535 {
			bad("server: %s must be 0-65535, got %d", name, port)
		}
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			bad("nats: url must not be empty when enabled")
		}
		if c.NATS.Subject == "" {
			bad("nats: subject must not be empty when enabled")
		}
	}

	if !validEngines[strings.ToLower(c.Database.Engine)] {
		bad("database: unknown engine %q (valid: badgerdb, memory)", c.Database.Engine)
	}
	if strings.ToLower(c.Database.Engine) == "badgerdb" && c.Database.DataDir == "" {
		bad("database: data_dir must not be empty for badgerdb")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}
