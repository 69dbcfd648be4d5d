// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-securechip.
//
// go-securechip is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-securechip/pkg/backend/pkcs11"
	"github.com/jeremyhahn/go-securechip/pkg/backend/tpm2"
	"github.com/jeremyhahn/go-securechip/pkg/keystore"
	"github.com/jeremyhahn/go-securechip/pkg/securechip"
)

// Chip driver names accepted by chip.driver.
const (
	DriverAuto     = "auto"
	DriverEmulated = "emulated"
	DriverTPM2     = "tpm2"
	DriverPKCS11   = "pkcs11"
)

// DefaultStoragePath is where flash-resident material is kept.
const DefaultStoragePath = "/var/lib/securechip"

// Config represents the complete device configuration
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
	Chip     ChipConfig     `yaml:"chip"`
	Keystore KeystoreConfig `yaml:"keystore"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig controls where the flash-resident keys and sealed chip
// state are persisted
type StorageConfig struct {
	Path string `yaml:"path"`
}

// ChipConfig selects and configures the secure chip driver
type ChipConfig struct {
	// Driver is auto, emulated, tpm2 or pkcs11. Auto probes tpm2, then
	// pkcs11 when a library is configured, then falls back to emulated.
	Driver   string         `yaml:"driver"`
	Emulated EmulatedConfig `yaml:"emulated"`
	TPM2     tpm2.Config    `yaml:"tpm2"`
	PKCS11   pkcs11.Config  `yaml:"pkcs11"`
}

// EmulatedConfig configures the in-process chip
type EmulatedConfig struct {
	Model         string `yaml:"model"`
	CounterBudget uint32 `yaml:"counter_budget"`
}

// KeystoreConfig controls password unlocking
type KeystoreConfig struct {
	MaxUnlockAttempts int           `yaml:"max_unlock_attempts"`
	UnlockInterval    time.Duration `yaml:"unlock_interval"`
}

// MetricsConfig controls Prometheus metric recording
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{Path: DefaultStoragePath},
		Chip: ChipConfig{
			Driver:   DriverAuto,
			Emulated: EmulatedConfig{Model: securechip.ModelATECC608B.String()},
			TPM2: tpm2.Config{
				Device:          tpm2.DefaultDevice,
				SimulatorHost:   tpm2.DefaultSimulatorHost,
				SimulatorPort:   tpm2.DefaultSimulatorPort,
				CounterIndex:    tpm2.DefaultCounterIndex,
				U2FCounterIndex: tpm2.DefaultU2FCounterIndex,
			},
			PKCS11: pkcs11.Config{KeyPrefix: pkcs11.DefaultKeyPrefix},
		},
		Keystore: KeystoreConfig{MaxUnlockAttempts: keystore.DefaultMaxUnlockAttempts},
		Metrics:  MetricsConfig{Enabled: true},
	}
}

// Load reads configuration from a YAML file and applies environment variable
// overrides. Keys absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by admin/user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies SECURECHIP_* environment variables to cfg
func ApplyEnvOverrides(cfg *Config) {
	// Logging
	if level := os.Getenv("SECURECHIP_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("SECURECHIP_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	// Storage
	if dataDir := os.Getenv("SECURECHIP_DATA_DIR"); dataDir != "" {
		cfg.Storage.Path = dataDir
	}

	// Chip
	if driver := os.Getenv("SECURECHIP_CHIP_DRIVER"); driver != "" {
		cfg.Chip.Driver = driver
	}
	if model := os.Getenv("SECURECHIP_EMULATED_MODEL"); model != "" {
		cfg.Chip.Emulated.Model = model
	}

	// TPM2 settings
	if device := os.Getenv("SECURECHIP_TPM_DEVICE"); device != "" {
		cfg.Chip.TPM2.Device = device
	}
	if sim := os.Getenv("SECURECHIP_TPM_SIMULATOR"); sim != "" {
		v, err := strconv.ParseBool(sim)
		if err != nil {
			log.Printf("Warning: invalid SECURECHIP_TPM_SIMULATOR value %q, using default %t: %v",
				sim, cfg.Chip.TPM2.UseSimulator, err)
		} else {
			cfg.Chip.TPM2.UseSimulator = v
		}
	}
	if host := os.Getenv("SECURECHIP_TPM_SIMULATOR_HOST"); host != "" {
		cfg.Chip.TPM2.SimulatorHost = host
	}
	if portStr := os.Getenv("SECURECHIP_TPM_SIMULATOR_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			log.Printf("Warning: invalid SECURECHIP_TPM_SIMULATOR_PORT value %q, using default %d: %v",
				portStr, cfg.Chip.TPM2.SimulatorPort, err)
		} else if port < 1 || port > 65534 {
			log.Printf("Warning: invalid SECURECHIP_TPM_SIMULATOR_PORT value %q (out of range 1-65534), using default %d",
				portStr, cfg.Chip.TPM2.SimulatorPort)
		} else {
			cfg.Chip.TPM2.SimulatorPort = port
		}
	}
	if auth := os.Getenv("SECURECHIP_TPM_OWNER_AUTH"); auth != "" {
		cfg.Chip.TPM2.OwnerAuth = auth
	}

	// PKCS#11 settings
	if lib := os.Getenv("SECURECHIP_PKCS11_LIBRARY"); lib != "" {
		cfg.Chip.PKCS11.Library = lib
	}
	if label := os.Getenv("SECURECHIP_PKCS11_TOKEN_LABEL"); label != "" {
		cfg.Chip.PKCS11.TokenLabel = label
	}
	if pin := os.Getenv("SECURECHIP_PKCS11_PIN"); pin != "" {
		cfg.Chip.PKCS11.PIN = pin
	}

	// Keystore
	if maxStr := os.Getenv("SECURECHIP_MAX_UNLOCK_ATTEMPTS"); maxStr != "" {
		n, err := strconv.Atoi(maxStr)
		if err != nil {
			log.Printf("Warning: invalid SECURECHIP_MAX_UNLOCK_ATTEMPTS value %q, using default %d: %v",
				maxStr, cfg.Keystore.MaxUnlockAttempts, err)
		} else {
			cfg.Keystore.MaxUnlockAttempts = n
		}
	}
	if interval := os.Getenv("SECURECHIP_UNLOCK_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			log.Printf("Warning: invalid SECURECHIP_UNLOCK_INTERVAL value %q, using default %s: %v",
				interval, cfg.Keystore.UnlockInterval, err)
		} else {
			cfg.Keystore.UnlockInterval = d
		}
	}

	// Metrics
	if enabled := os.Getenv("SECURECHIP_METRICS_ENABLED"); enabled != "" {
		v, err := strconv.ParseBool(enabled)
		if err != nil {
			log.Printf("Warning: invalid SECURECHIP_METRICS_ENABLED value %q, using default %t: %v",
				enabled, cfg.Metrics.Enabled, err)
		} else {
			cfg.Metrics.Enabled = v
		}
	}
}

// Validate checks if the configuration is valid. Driver configs are only
// checked for the fields a file can carry; storage and loggers are bound
// when the driver is opened.
func (c *Config) Validate() error {
	// Validate logging level
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, error, or fatal)", c.Logging.Level)
	}

	// Validate logging format
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage path must be specified")
	}

	switch strings.ToLower(c.Chip.Driver) {
	case DriverAuto:
	case DriverEmulated:
		if securechip.ParseModel(c.Chip.Emulated.Model) == securechip.ModelUnknown {
			return fmt.Errorf("invalid emulated model: %q", c.Chip.Emulated.Model)
		}
	case DriverTPM2:
		if !c.Chip.TPM2.UseSimulator && c.Chip.TPM2.Device == "" {
			return fmt.Errorf("tpm2 device is required when the simulator is not used")
		}
	case DriverPKCS11:
		if c.Chip.PKCS11.Library == "" {
			return fmt.Errorf("pkcs11 library is required")
		}
	default:
		return fmt.Errorf("invalid chip driver: %s (must be auto, emulated, tpm2, or pkcs11)", c.Chip.Driver)
	}

	if c.Keystore.MaxUnlockAttempts < 1 || c.Keystore.MaxUnlockAttempts > 255 {
		return fmt.Errorf("invalid max_unlock_attempts: %d (must be 1-255)", c.Keystore.MaxUnlockAttempts)
	}
	if c.Keystore.UnlockInterval < 0 {
		return fmt.Errorf("invalid unlock_interval: %s", c.Keystore.UnlockInterval)
	}

	return nil
}

// EmulatedModel returns the configured emulated model, ATECC608B when unset.
func (c *Config) EmulatedModel() securechip.Model {
	if m := securechip.ParseModel(c.Chip.Emulated.Model); m != securechip.ModelUnknown {
		return m
	}
	return securechip.ModelATECC608B
}
