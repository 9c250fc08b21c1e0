// Package config provides a reusable loader for MeshVault configuration
// files and environment variables: a single YAML file plus MESHVAULT_*
// environment overrides, unmarshaled via viper.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"meshvault/core"
	"meshvault/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig core.Config

// Load reads the base config file (and, if env is non-empty, an overlay file
// named after it) from ./config or ./cmd/config, applies MESHVAULT_*
// environment overrides, and unmarshals the result into AppConfig.
func Load(path, env string) (*core.Config, error) {
	AppConfig = core.DefaultConfig()

	viper.SetConfigName(defaultString(path, "default"))
	viper.AddConfigPath("config")
	viper.AddConfigPath("cmd/config")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("MESHVAULT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the MESHVAULT_ENV environment
// variable to select an overlay, defaulting to the base config alone.
func LoadFromEnv() (*core.Config, error) {
	return Load("", utils.EnvOrDefault("MESHVAULT_ENV", ""))
}

// WriteDefault serializes the built-in defaults as a YAML config file at
// path, a starting point operators edit rather than writing from scratch.
func WriteDefault(path string) error {
	cfg := core.DefaultConfig()
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return utils.Wrap(err, "marshal default config")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return utils.Wrap(err, "write default config")
	}
	return nil
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
