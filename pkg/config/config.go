package config

// Package config provides a reusable loader for chumstore configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"chumstore/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a chumstore instance. It
// mirrors the structure of the YAML files under cmd/chumd/config.
type Config struct {
	Instance struct {
		Name      string `mapstructure:"name" json:"name"`
		Email     string `mapstructure:"email" json:"email"`
		Directory string `mapstructure:"directory" json:"directory"`
	} `mapstructure:"instance" json:"instance"`

	Storage struct {
		HashPrefixChars  int `mapstructure:"hash_prefix_chars" json:"hash_prefix_chars"`
		CacheSizeEntries int `mapstructure:"cache_size_entries" json:"cache_size_entries"`
	} `mapstructure:"storage" json:"storage"`

	ReverseMap struct {
		ObjectTypes []string `mapstructure:"object_types" json:"object_types"`
		IdTypes     []string `mapstructure:"id_types" json:"id_types"`
	} `mapstructure:"reverse_map" json:"reverse_map"`

	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	Chum struct {
		ReconcileIntervalMS int  `mapstructure:"reconcile_interval_ms" json:"reconcile_interval_ms"`
		Live                bool `mapstructure:"live" json:"live"`
	} `mapstructure:"chum" json:"chum"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
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
	_ = godotenv.Load()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/chumd/config")
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

	viper.AutomaticEnv() // godotenv.Load above already folded .env into the process environment

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	applyDefaults(&AppConfig)
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the CHUM_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("CHUM_ENV", ""))
}

// applyDefaults fills in the few settings that have a sane default
// (cache size, reconciliation sweep interval, discovery tag) when the config file or
// environment left them unset.
func applyDefaults(c *Config) {
	if c.Storage.CacheSizeEntries <= 0 {
		c.Storage.CacheSizeEntries = 10_000
	}
	if c.Chum.ReconcileIntervalMS <= 0 {
		c.Chum.ReconcileIntervalMS = 5000
	}
	if c.Network.DiscoveryTag == "" {
		c.Network.DiscoveryTag = "chum-instance"
	}
}
