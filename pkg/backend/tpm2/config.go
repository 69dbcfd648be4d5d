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

package tpm2

import (
	"fmt"

	"github.com/google/go-tpm/tpm2/transport"

	"github.com/jeremyhahn/go-securechip/pkg/logging"
	"github.com/jeremyhahn/go-securechip/pkg/securechip"
	"github.com/jeremyhahn/go-securechip/pkg/storage"
)

const (
	// DefaultDevice is the kernel resource manager device.
	DefaultDevice = "/dev/tpmrm0"

	// DefaultSimulatorHost and DefaultSimulatorPort address a SWTPM or the
	// reference simulator over TCP. The platform port is SimulatorPort+1.
	DefaultSimulatorHost = "localhost"
	DefaultSimulatorPort = 2321

	// DefaultCounterIndex is the NV index of the password stretching counter.
	DefaultCounterIndex uint32 = 0x01500100

	// DefaultU2FCounterIndex is the NV index of the U2F counter.
	DefaultU2FCounterIndex uint32 = 0x01500101

	// DefaultStateKey is the storage key of the sealed host state.
	DefaultStateKey = "chip/tpm2"

	nvIndexFirst uint32 = 0x01000000
	nvIndexLast  uint32 = 0x01FFFFFF
)

// Config holds the configuration for the TPM2 driver
type Config struct {
	// Device is the path to the TPM device (e.g., "/dev/tpmrm0")
	Device string `yaml:"device" json:"device"`

	// UseSimulator connects to a TPM simulator over TCP instead of Device
	UseSimulator bool `yaml:"use_simulator" json:"use_simulator"`

	// SimulatorHost is the hostname for the TPM simulator (default: "localhost")
	SimulatorHost string `yaml:"simulator_host" json:"simulator_host"`

	// SimulatorPort is the command port for the TPM simulator (default: 2321)
	SimulatorPort int `yaml:"simulator_port" json:"simulator_port"`

	// OwnerAuth is the owner hierarchy authorization value
	OwnerAuth string `yaml:"owner_auth" json:"-"`

	// CounterIndex is the NV index of the stretching counter (default: 0x01500100)
	CounterIndex uint32 `yaml:"counter_index" json:"counter_index"`

	// U2FCounterIndex is the NV index of the U2F counter (default: 0x01500101)
	U2FCounterIndex uint32 `yaml:"u2f_counter_index" json:"u2f_counter_index"`

	// CounterBudget is the number of stretches allowed over the lifetime of
	// the provisioned state (default: securechip.CounterLimit)
	CounterBudget uint32 `yaml:"counter_budget" json:"counter_budget"`

	// StateKey is the storage key of the sealed host state
	StateKey string `yaml:"state_key" json:"state_key"`

	// Storage persists the sealed host state
	Storage storage.Backend `yaml:"-" json:"-"`

	// Logger is the logger instance to use
	Logger logging.Logger `yaml:"-" json:"-"`

	// Transport is a pre-opened TPM. The driver does not close it.
	Transport transport.TPMCloser `yaml:"-" json:"-"`
}

// Validate fills in defaults and validates the configuration
func (c *Config) Validate() error {
	if c.Device == "" && !c.UseSimulator {
		c.Device = DefaultDevice
	}
	if c.SimulatorHost == "" {
		c.SimulatorHost = DefaultSimulatorHost
	}
	if c.SimulatorPort == 0 {
		c.SimulatorPort = DefaultSimulatorPort
	}
	if c.CounterIndex == 0 {
		c.CounterIndex = DefaultCounterIndex
	}
	if c.U2FCounterIndex == 0 {
		c.U2FCounterIndex = DefaultU2FCounterIndex
	}
	if c.CounterBudget == 0 {
		c.CounterBudget = securechip.ModelTPM2.Capabilities().DefaultBudget
	}
	if c.StateKey == "" {
		c.StateKey = DefaultStateKey
	}
	if c.Logger == nil {
		c.Logger = logging.NoOp()
	}

	if c.Storage == nil {
		return fmt.Errorf("%w: storage is required", ErrInvalidConfig)
	}
	if c.SimulatorPort < 1 || c.SimulatorPort > 65534 {
		return fmt.Errorf("%w: simulator port %d out of range", ErrInvalidConfig, c.SimulatorPort)
	}
	for _, idx := range []uint32{c.CounterIndex, c.U2FCounterIndex} {
		if idx < nvIndexFirst || idx > nvIndexLast {
			return fmt.Errorf("%w: NV index 0x%08x out of range", ErrInvalidConfig, idx)
		}
	}
	if c.CounterIndex == c.U2FCounterIndex {
		return fmt.Errorf("%w: counter and U2F counter share NV index 0x%08x", ErrInvalidConfig, c.CounterIndex)
	}
	if c.CounterBudget > securechip.CounterLimit {
		return fmt.Errorf("%w: counter budget %d exceeds %d", ErrInvalidConfig, c.CounterBudget, securechip.CounterLimit)
	}
	return nil
}
