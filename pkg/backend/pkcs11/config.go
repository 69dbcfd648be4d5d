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

package pkcs11

import (
	"fmt"
	"os"

	"github.com/jeremyhahn/go-securechip/pkg/logging"
	"github.com/jeremyhahn/go-securechip/pkg/securechip"
	"github.com/jeremyhahn/go-securechip/pkg/storage"
)

const (
	// DefaultKeyPrefix prefixes the CKA_ID of every object the driver owns.
	DefaultKeyPrefix = "securechip"

	// DefaultStateKey is the storage key of the sealed host state.
	DefaultStateKey = "chip/pkcs11"
)

// Config contains configuration for the PKCS#11 driver.
type Config struct {
	// Library is the path to the PKCS#11 library file.
	// Examples:
	//   - /usr/lib/softhsm/libsofthsm2.so (SoftHSM)
	//   - /usr/lib/libykcs11.so (YubiKey)
	Library string `yaml:"library" json:"library" mapstructure:"library"`

	// TokenLabel is the label of the PKCS#11 token to use.
	// This is an alternative to specifying a slot number.
	TokenLabel string `yaml:"label" json:"label" mapstructure:"label"`

	// Slot is the slot number where the token is located.
	// Can be nil if TokenLabel is used instead.
	Slot *int `yaml:"slot,omitempty" json:"slot,omitempty" mapstructure:"slot"`

	// PIN is the user PIN for the PKCS#11 token.
	PIN string `yaml:"pin,omitempty" json:"-" mapstructure:"pin"`

	// KeyPrefix prefixes the IDs of the slot objects.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" mapstructure:"key_prefix"`

	// CounterBudget is the number of stretches allowed per password
	// generation (default: the PKCS11 model budget).
	CounterBudget uint32 `yaml:"counter_budget" json:"counter_budget" mapstructure:"counter_budget"`

	// StateKey is the storage key of the sealed host state.
	StateKey string `yaml:"state_key" json:"state_key" mapstructure:"state_key"`

	// Storage persists the sealed host state.
	Storage storage.Backend `yaml:"-" json:"-" mapstructure:"-"`

	// Logger is the logger instance to use.
	Logger logging.Logger `yaml:"-" json:"-" mapstructure:"-"`
}

// Validate fills in defaults and checks the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return ErrInvalidConfig
	}
	c.applyDefaults()

	if c.Library == "" {
		return fmt.Errorf("%w: library path is required", ErrInvalidConfig)
	}
	if _, err := os.Stat(c.Library); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrLibraryNotFound, c.Library)
	}
	if (c.TokenLabel == "") == (c.Slot == nil) {
		return fmt.Errorf("%w: exactly one of token label or slot is required", ErrInvalidConfig)
	}
	if len(c.PIN) < 4 {
		return ErrInvalidPINLength
	}
	if !validBudget(c.CounterBudget) {
		return fmt.Errorf("%w: counter budget %d exceeds %d", ErrInvalidConfig, c.CounterBudget, securechip.CounterLimit)
	}
	if c.Storage == nil {
		return fmt.Errorf("%w: storage is required", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.CounterBudget == 0 {
		c.CounterBudget = securechip.ModelPKCS11.Capabilities().DefaultBudget
	}
	if c.StateKey == "" {
		c.StateKey = DefaultStateKey
	}
	if c.Logger == nil {
		c.Logger = logging.NoOp()
	}
}

// validBudget applies to the configured budget and to the one loaded from
// sealed state alike.
func validBudget(b uint32) bool {
	return b > 0 && b <= securechip.CounterLimit
}
