// Package config provides a reusable loader for the relay's configuration
// file and environment overrides. It is versioned so that applications
// can depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/synnergy-labs/gas-relay/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// NetworkConfig is the per-network binding of spec.md §6: chain id, RPC
// endpoint, and forwarder contract address.
type NetworkConfig struct {
	Name              string `mapstructure:"name" json:"name"`
	ChainID           int64  `mapstructure:"chain_id" json:"chain_id"`
	RPCEndpoint       string `mapstructure:"rpc_endpoint" json:"rpc_endpoint"`
	ForwarderContract string `mapstructure:"forwarder_contract" json:"forwarder_contract"`
	// PrivateOrderflowURL, if set, routes broadcasts for this network
	// through a private transport instead of the public RPC mempool.
	PrivateOrderflowURL string `mapstructure:"private_orderflow_url" json:"private_orderflow_url"`
}

// SignerConfig selects and parametrizes the Signer Capability.
type SignerConfig struct {
	Kind string `mapstructure:"kind" json:"kind"` // "local" or "remote"

	// Local signer parameters. Exactly one of PrivateKeyHex or Mnemonic
	// should be set when Kind == "local".
	PrivateKeyHex string `mapstructure:"private_key_hex" json:"-"`
	Mnemonic      string `mapstructure:"mnemonic" json:"-"`
	Passphrase    string `mapstructure:"passphrase" json:"-"`

	// Remote signer parameters, used when Kind == "remote".
	RemoteBaseURL string `mapstructure:"remote_base_url" json:"remote_base_url"`
}

// Config is the immutable configuration object of spec.md §6, loaded once
// at start-up.
type Config struct {
	ListenAddress string `mapstructure:"listen_address" json:"listen_address"`

	Store struct {
		Path         string `mapstructure:"path" json:"path"`
		MaxOpenConns int    `mapstructure:"max_open_conns" json:"max_open_conns"`
	} `mapstructure:"store" json:"store"`

	CounterCache struct {
		MaxWindowSeconds int `mapstructure:"max_window_seconds" json:"max_window_seconds"`
	} `mapstructure:"counter_cache" json:"counter_cache"`

	Networks []NetworkConfig `mapstructure:"networks" json:"networks"`

	Signer SignerConfig `mapstructure:"signer" json:"-"`

	Ceilings struct {
		MaxGasLimit string `mapstructure:"max_gas_limit" json:"max_gas_limit"`
		MaxValue    string `mapstructure:"max_value" json:"max_value"`
	} `mapstructure:"ceilings" json:"ceilings"`

	Fees struct {
		MultiplierPercent  uint64 `mapstructure:"multiplier_percent" json:"multiplier_percent"`
		GasHeadroomPercent uint64 `mapstructure:"gas_headroom_percent" json:"gas_headroom_percent"`
	} `mapstructure:"fees" json:"fees"`

	Allocator struct {
		CursorCapacity      int `mapstructure:"cursor_capacity" json:"cursor_capacity"`
		SaturationThreshold int `mapstructure:"saturation_threshold" json:"saturation_threshold"`
	} `mapstructure:"allocator" json:"allocator"`

	Tracker struct {
		ScanIntervalSeconds int `mapstructure:"scan_interval_seconds" json:"scan_interval_seconds"`
		GraceWindowSeconds  int `mapstructure:"grace_window_seconds" json:"grace_window_seconds"`
	} `mapstructure:"tracker" json:"tracker"`

	Policy struct {
		ReloadIntervalSeconds int `mapstructure:"reload_interval_seconds" json:"reload_interval_seconds"`
	} `mapstructure:"policy" json:"policy"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads the relay's configuration file and merges any environment
// specific overlay, then applies RELAY_-prefixed environment variable
// overrides on top. The resulting configuration is stored in AppConfig
// and returned.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
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

	viper.SetEnvPrefix("RELAY")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the RELAY_ENV environment
// variable to select an overlay file (e.g. "production", "staging").
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("RELAY_ENV", ""))
}
