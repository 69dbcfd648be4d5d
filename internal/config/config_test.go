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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-securechip/pkg/backend/tpm2"
	"github.com/jeremyhahn/go-securechip/pkg/securechip"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// TestLoad_Success tests successful loading of a valid config file
func TestLoad_Success(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: "debug"
  format: "json"

storage:
  path: "/data/securechip"

chip:
  driver: "tpm2"
  tpm2:
    use_simulator: true
    simulator_host: "swtpm"
    simulator_port: 2331
    counter_index: 0x01500200
    u2f_counter_index: 0x01500201
    counter_budget: 1000

keystore:
  max_unlock_attempts: 5
  unlock_interval: 2s

metrics:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/data/securechip", cfg.Storage.Path)
	assert.Equal(t, DriverTPM2, cfg.Chip.Driver)
	assert.True(t, cfg.Chip.TPM2.UseSimulator)
	assert.Equal(t, "swtpm", cfg.Chip.TPM2.SimulatorHost)
	assert.Equal(t, 2331, cfg.Chip.TPM2.SimulatorPort)
	assert.Equal(t, uint32(0x01500200), cfg.Chip.TPM2.CounterIndex)
	assert.Equal(t, uint32(0x01500201), cfg.Chip.TPM2.U2FCounterIndex)
	assert.Equal(t, uint32(1000), cfg.Chip.TPM2.CounterBudget)
	assert.Equal(t, tpm2.DefaultDevice, cfg.Chip.TPM2.Device, "unset keys keep their defaults")
	assert.Equal(t, 5, cfg.Keystore.MaxUnlockAttempts)
	assert.Equal(t, 2*time.Second, cfg.Keystore.UnlockInterval)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "chip: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoad_ValidationFailure(t *testing.T) {
	_, err := Load(writeConfig(t, "chip:\n  driver: \"hsm\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), "invalid chip driver")
}

func TestLoad_WithEnvOverrides(t *testing.T) {
	t.Setenv("SECURECHIP_CHIP_DRIVER", "emulated")
	t.Setenv("SECURECHIP_EMULATED_MODEL", "optiga")
	t.Setenv("SECURECHIP_DATA_DIR", "/override")

	cfg, err := Load(writeConfig(t, "chip:\n  driver: tpm2\n"))
	require.NoError(t, err)
	assert.Equal(t, DriverEmulated, cfg.Chip.Driver)
	assert.Equal(t, securechip.ModelOptigaTrustMV3, cfg.EmulatedModel())
	assert.Equal(t, "/override", cfg.Storage.Path)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SECURECHIP_LOG_LEVEL", "warn")
	t.Setenv("SECURECHIP_LOG_FORMAT", "json")
	t.Setenv("SECURECHIP_TPM_DEVICE", "/dev/tpm0")
	t.Setenv("SECURECHIP_TPM_SIMULATOR", "true")
	t.Setenv("SECURECHIP_TPM_SIMULATOR_HOST", "sim")
	t.Setenv("SECURECHIP_TPM_SIMULATOR_PORT", "2400")
	t.Setenv("SECURECHIP_TPM_OWNER_AUTH", "owner")
	t.Setenv("SECURECHIP_PKCS11_LIBRARY", "/usr/lib/softhsm/libsofthsm2.so")
	t.Setenv("SECURECHIP_PKCS11_TOKEN_LABEL", "device")
	t.Setenv("SECURECHIP_PKCS11_PIN", "1234")
	t.Setenv("SECURECHIP_MAX_UNLOCK_ATTEMPTS", "3")
	t.Setenv("SECURECHIP_UNLOCK_INTERVAL", "500ms")
	t.Setenv("SECURECHIP_METRICS_ENABLED", "false")

	cfg := Default()
	ApplyEnvOverrides(cfg)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/dev/tpm0", cfg.Chip.TPM2.Device)
	assert.True(t, cfg.Chip.TPM2.UseSimulator)
	assert.Equal(t, "sim", cfg.Chip.TPM2.SimulatorHost)
	assert.Equal(t, 2400, cfg.Chip.TPM2.SimulatorPort)
	assert.Equal(t, "owner", cfg.Chip.TPM2.OwnerAuth)
	assert.Equal(t, "/usr/lib/softhsm/libsofthsm2.so", cfg.Chip.PKCS11.Library)
	assert.Equal(t, "device", cfg.Chip.PKCS11.TokenLabel)
	assert.Equal(t, "1234", cfg.Chip.PKCS11.PIN)
	assert.Equal(t, 3, cfg.Keystore.MaxUnlockAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Keystore.UnlockInterval)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestApplyEnvOverrides_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		value string
		check func(t *testing.T, cfg *Config)
	}{
		{"simulator not a bool", "SECURECHIP_TPM_SIMULATOR", "maybe", func(t *testing.T, cfg *Config) {
			assert.False(t, cfg.Chip.TPM2.UseSimulator)
		}},
		{"port not a number", "SECURECHIP_TPM_SIMULATOR_PORT", "abc", func(t *testing.T, cfg *Config) {
			assert.Equal(t, tpm2.DefaultSimulatorPort, cfg.Chip.TPM2.SimulatorPort)
		}},
		{"port out of range", "SECURECHIP_TPM_SIMULATOR_PORT", "70000", func(t *testing.T, cfg *Config) {
			assert.Equal(t, tpm2.DefaultSimulatorPort, cfg.Chip.TPM2.SimulatorPort)
		}},
		{"attempts not a number", "SECURECHIP_MAX_UNLOCK_ATTEMPTS", "ten", func(t *testing.T, cfg *Config) {
			assert.Equal(t, 10, cfg.Keystore.MaxUnlockAttempts)
		}},
		{"interval not a duration", "SECURECHIP_UNLOCK_INTERVAL", "soon", func(t *testing.T, cfg *Config) {
			assert.Zero(t, cfg.Keystore.UnlockInterval)
		}},
		{"metrics not a bool", "SECURECHIP_METRICS_ENABLED", "nope", func(t *testing.T, cfg *Config) {
			assert.True(t, cfg.Metrics.Enabled)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			cfg := Default()
			ApplyEnvOverrides(cfg)
			tt.check(t, cfg)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{"defaults", func(cfg *Config) {}, ""},
		{"uppercase level", func(cfg *Config) { cfg.Logging.Level = "INFO" }, ""},
		{"invalid level", func(cfg *Config) { cfg.Logging.Level = "trace" }, "invalid log level"},
		{"invalid format", func(cfg *Config) { cfg.Logging.Format = "console" }, "invalid log format"},
		{"empty storage", func(cfg *Config) { cfg.Storage.Path = "" }, "storage path"},
		{"unknown driver", func(cfg *Config) { cfg.Chip.Driver = "se050" }, "invalid chip driver"},
		{"emulated unknown model", func(cfg *Config) {
			cfg.Chip.Driver = DriverEmulated
			cfg.Chip.Emulated.Model = "se050"
		}, "invalid emulated model"},
		{"emulated optiga", func(cfg *Config) {
			cfg.Chip.Driver = DriverEmulated
			cfg.Chip.Emulated.Model = "optiga_trust_m_v3"
		}, ""},
		{"tpm2 without device", func(cfg *Config) {
			cfg.Chip.Driver = DriverTPM2
			cfg.Chip.TPM2.Device = ""
		}, "tpm2 device"},
		{"tpm2 simulator without device", func(cfg *Config) {
			cfg.Chip.Driver = DriverTPM2
			cfg.Chip.TPM2.Device = ""
			cfg.Chip.TPM2.UseSimulator = true
		}, ""},
		{"pkcs11 without library", func(cfg *Config) { cfg.Chip.Driver = DriverPKCS11 }, "pkcs11 library"},
		{"zero attempts", func(cfg *Config) { cfg.Keystore.MaxUnlockAttempts = 0 }, "max_unlock_attempts"},
		{"too many attempts", func(cfg *Config) { cfg.Keystore.MaxUnlockAttempts = 256 }, "max_unlock_attempts"},
		{"negative interval", func(cfg *Config) { cfg.Keystore.UnlockInterval = -time.Second }, "unlock_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEmulatedModel(t *testing.T) {
	cfg := Default()
	assert.Equal(t, securechip.ModelATECC608B, cfg.EmulatedModel())

	cfg.Chip.Emulated.Model = "atecc608a"
	assert.Equal(t, securechip.ModelATECC608A, cfg.EmulatedModel())

	cfg.Chip.Emulated.Model = ""
	assert.Equal(t, securechip.ModelATECC608B, cfg.EmulatedModel())
}
