package config

// Package config provides a reusable loader for node configuration files and
// environment variables. It is versioned so that applications can depend on
// a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/aichain-network/aichain-core/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a node. It mirrors the structure
// of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ID             string   `mapstructure:"id" json:"id" yaml:"id"`
		GenesisFile    string   `mapstructure:"genesis_file" json:"genesis_file" yaml:"genesis_file"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers" yaml:"max_peers"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag" yaml:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers" yaml:"bootstrap_peers"`
		MaxMessageSize int      `mapstructure:"max_message_size" json:"max_message_size" yaml:"max_message_size"`
	} `mapstructure:"network" json:"network" yaml:"network"`

	Consensus struct {
		EpochLength      uint64  `mapstructure:"epoch_length" json:"epoch_length" yaml:"epoch_length"`
		ValidatorCount   int     `mapstructure:"validator_count" json:"validator_count" yaml:"validator_count"`
		MinStake         string  `mapstructure:"min_stake" json:"min_stake" yaml:"min_stake"`
		SlashRate        float64 `mapstructure:"slash_rate" json:"slash_rate" yaml:"slash_rate"`
		DoubleSignRate   float64 `mapstructure:"double_sign_rate" json:"double_sign_rate" yaml:"double_sign_rate"`
		MaxMissedBlocks  uint64  `mapstructure:"max_missed_blocks" json:"max_missed_blocks" yaml:"max_missed_blocks"`
		BaseReward       string  `mapstructure:"base_reward" json:"base_reward" yaml:"base_reward"`
		BlockGasLimit    uint64  `mapstructure:"block_gas_limit" json:"block_gas_limit" yaml:"block_gas_limit"`
		MinGasPrice      uint64  `mapstructure:"min_gas_price" json:"min_gas_price" yaml:"min_gas_price"`
		MaxClockSkewSecs int     `mapstructure:"max_clock_skew_secs" json:"max_clock_skew_secs" yaml:"max_clock_skew_secs"`
		BlockTimeMS      int     `mapstructure:"block_time_ms" json:"block_time_ms" yaml:"block_time_ms"`
	} `mapstructure:"consensus" json:"consensus" yaml:"consensus"`

	Scoring struct {
		Dampening        float64 `mapstructure:"dampening" json:"dampening" yaml:"dampening"`
		MinTrust         float64 `mapstructure:"min_trust" json:"min_trust" yaml:"min_trust"`
		OutlierThreshold float64 `mapstructure:"outlier_threshold" json:"outlier_threshold" yaml:"outlier_threshold"`
		BondingExponent  float64 `mapstructure:"bonding_exponent" json:"bonding_exponent" yaml:"bonding_exponent"`
		TrustUpdateRate  float64 `mapstructure:"trust_update_rate" json:"trust_update_rate" yaml:"trust_update_rate"`
		TrustDecayRate   float64 `mapstructure:"trust_decay_rate" json:"trust_decay_rate" yaml:"trust_decay_rate"`
		MinValidators    int     `mapstructure:"min_validators" json:"min_validators" yaml:"min_validators"`
		UseWeightedMean  bool    `mapstructure:"use_weighted_mean" json:"use_weighted_mean" yaml:"use_weighted_mean"`
	} `mapstructure:"scoring" json:"scoring" yaml:"scoring"`

	Rollup struct {
		ChallengePeriodBlocks uint64  `mapstructure:"challenge_period_blocks" json:"challenge_period_blocks" yaml:"challenge_period_blocks"`
		MaxDeviationPercent   float64 `mapstructure:"max_deviation_percent" json:"max_deviation_percent" yaml:"max_deviation_percent"`
		SlashAmount           string  `mapstructure:"slash_amount" json:"slash_amount" yaml:"slash_amount"`
		FraudProofReward      string  `mapstructure:"fraud_proof_reward" json:"fraud_proof_reward" yaml:"fraud_proof_reward"`
	} `mapstructure:"rollup" json:"rollup" yaml:"rollup"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path" yaml:"db_path"`
	} `mapstructure:"storage" json:"storage" yaml:"storage"`

	Validator struct {
		Enabled  bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
		KeyFile  string `mapstructure:"key_file" json:"key_file" yaml:"key_file"`
		Mnemonic string `mapstructure:"mnemonic" json:"mnemonic" yaml:"mnemonic"`
	} `mapstructure:"validator" json:"validator" yaml:"validator"`

	Logging struct {
		Level string `mapstructure:"level" json:"level" yaml:"level"`
		File  string `mapstructure:"file" json:"file" yaml:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // optional; absent .env is not an error

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the AICHAIN_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("AICHAIN_ENV", ""))
}

// YAML renders c back into YAML, for diagnostic dumps of the fully resolved
// configuration (defaults, environment merge, and env-var overrides all
// applied) distinct from viper's own internal representation.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, utils.Wrap(err, "marshal config")
	}
	return out, nil
}
