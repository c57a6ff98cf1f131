package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path on top of Defaults, loads a .env file if
// present and applies SAFETY_* environment overrides. The result is not
// validated; call Validate after Load.
//
// An empty path skips the file and yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "SAFETY_LOG_LEVEL")

	setStr(&cfg.Governance.Address, "SAFETY_GOVERNANCE_ADDRESS")

	setStr(&cfg.Rewards.Reserve, "SAFETY_REWARDS_RESERVE")
	setStr(&cfg.Rewards.MaxMultiplier, "SAFETY_REWARDS_MAX_MULTIPLIER")
	setStr(&cfg.Rewards.SmoothingValue, "SAFETY_REWARDS_SMOOTHING_VALUE")

	setBool(&cfg.Keeper.Enabled, "SAFETY_KEEPER_ENABLED")
	setStr(&cfg.Keeper.Schedule, "SAFETY_KEEPER_SCHEDULE")
	setStr(&cfg.Keeper.Address, "SAFETY_KEEPER_ADDRESS")

	setStr(&cfg.Server.Host, "SAFETY_SERVER_HOST")
	setInt(&cfg.Server.RPCPort, "SAFETY_SERVER_RPC_PORT")
	setInt(&cfg.Server.WSPort, "SAFETY_SERVER_WS_PORT")
	setInt(&cfg.Server.MetricsPort, "SAFETY_SERVER_METRICS_PORT")

	setBool(&cfg.NATS.Enabled, "SAFETY_NATS_ENABLED")
	setStr(&cfg.NATS.URL, "SAFETY_NATS_URL")
	setStr(&cfg.NATS.Subject, "SAFETY_NATS_SUBJECT")

	setStr(&cfg.Database.Engine, "SAFETY_DATABASE_ENGINE")
	setStr(&cfg.Database.DataDir, "SAFETY_DATABASE_DATA_DIR")
	setStr(&cfg.Database.Namespace, "SAFETY_DATABASE_NAMESPACE")

	// Single-market deployments can retune the first market without a file.
	if len(cfg.Markets) > 0 {
		setStr(&cfg.Markets[0].MaxStake, "SAFETY_MARKET_MAX_STAKE")
		setDuration(&cfg.Markets[0].Cooldown, "SAFETY_MARKET_COOLDOWN")
		setDuration(&cfg.Markets[0].UnstakeWindow, "SAFETY_MARKET_UNSTAKE_WINDOW")
	}
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
