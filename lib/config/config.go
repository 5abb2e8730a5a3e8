// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for engineering builds and local testing.
	Development Environment = "development"
	// Staging is for pre-production device images.
	Staging Environment = "staging"
	// Production is for shipping device images.
	Production Environment = "production"
)

// Config is the master configuration for the capsule daemon.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Trust configures trust-policy knobs.
	Trust TrustConfig `yaml:"trust"`

	// EnvironmentOverrides contains per-environment overrides,
	// applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths *PathsConfig `yaml:"paths,omitempty"`
	Trust *TrustConfig `yaml:"trust,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Preinstalled lists the read-only directories scanned for
	// pre-installed capsules.
	Preinstalled []string `yaml:"preinstalled"`

	// Data is the writable directory holding delivered updates and
	// the active hardlinks of decompression artifacts.
	Data string `yaml:"data"`

	// Decompression is the decompression cache directory.
	Decompression string `yaml:"decompression"`

	// OTAReserved is the directory holding the OTA space-reservation
	// sentinel.
	OTAReserved string `yaml:"ota_reserved"`
}

// TrustConfig configures trust-policy knobs.
type TrustConfig struct {
	// DuplicateExemptPrefixes lists package-name prefixes for which a
	// duplicate pre-installed entry is tolerated instead of fatal.
	// Known dual-image build artifacts only; the exemption is active
	// only on development builds.
	DuplicateExemptPrefixes []string `yaml:"duplicate_exempt_prefixes"`
}

// Load loads configuration from the CAPSULED_CONFIG environment
// variable. There are no fallbacks or defaults: if CAPSULED_CONFIG is
// not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("CAPSULED_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("CAPSULED_CONFIG environment variable not set; " +
			"set it to the path of your capsuled.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override config values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{Environment: Production}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if len(overrides.Paths.Preinstalled) > 0 {
			c.Paths.Preinstalled = overrides.Paths.Preinstalled
		}
		if overrides.Paths.Data != "" {
			c.Paths.Data = overrides.Paths.Data
		}
		if overrides.Paths.Decompression != "" {
			c.Paths.Decompression = overrides.Paths.Decompression
		}
		if overrides.Paths.OTAReserved != "" {
			c.Paths.OTAReserved = overrides.Paths.OTAReserved
		}
	}
	if overrides.Trust != nil {
		if len(overrides.Trust.DuplicateExemptPrefixes) > 0 {
			c.Trust.DuplicateExemptPrefixes = overrides.Trust.DuplicateExemptPrefixes
		}
	}
}

// validate checks that required fields are present.
func (c *Config) validate() error {
	switch c.Environment {
	case Development, Staging, Production:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if len(c.Paths.Preinstalled) == 0 {
		return fmt.Errorf("paths.preinstalled is required")
	}
	if c.Paths.Data == "" {
		return fmt.Errorf("paths.data is required")
	}
	if c.Paths.Decompression == "" {
		return fmt.Errorf("paths.decompression is required")
	}
	return nil
}
