// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read from the working directory unless overridden by
// the -config flag or MACK_CONFIG.
const DefaultConfigFile = "mack.yaml"

// Config holds the connection settings written by "mack config".
type Config struct {
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	CAFile   string `yaml:"ca_file,omitempty"`
}

// DefaultConfig returns settings for a broker on the local host.
func DefaultConfig() Config {
	return Config{
		Host:     "localhost:5555",
		Username: "root",
	}
}

// LoadConfig reads path. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Host == "" {
		return Config{}, fmt.Errorf("%s: host cannot be empty", path)
	}
	return cfg, nil
}

// Save writes the settings to path. The file holds a password, so it is
// readable by the owner only.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
