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

package securechip

import "strings"

// Model identifies a secure chip variant.
type Model int

const (
	ModelUnknown Model = iota
	ModelATECC608A
	ModelATECC608B
	ModelOptigaTrustMV3
	ModelTPM2
	ModelPKCS11
)

func (m Model) String() string {
	switch m {
	case ModelATECC608A:
		return "ATECC608A"
	case ModelATECC608B:
		return "ATECC608B"
	case ModelOptigaTrustMV3:
		return "OptigaTrustMV3"
	case ModelTPM2:
		return "TPM2"
	case ModelPKCS11:
		return "PKCS11"
	default:
		return "Unknown"
	}
}

// ParseModel parses a model name as accepted in configuration files.
func ParseModel(s string) Model {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "")) {
	case "atecc608a":
		return ModelATECC608A
	case "atecc608b", "atecc":
		return ModelATECC608B
	case "optigatrustmv3", "optiga", "optigatrustm":
		return ModelOptigaTrustMV3
	case "tpm2", "tpm":
		return ModelTPM2
	case "pkcs11":
		return ModelPKCS11
	default:
		return ModelUnknown
	}
}

// CounterLimit is the lifetime limit of the ATECC monotonic counter. Chips
// whose budget is never reinitialized use it as their budget.
const CounterLimit = 2097151

// Capabilities describes what a chip model supports.
type Capabilities struct {
	// HardwareCounter is true when the monotonic counter lives in the chip
	// rather than in sealed host state.
	HardwareCounter bool

	// ResetReinitializesBudget is true when ResetRollKey also restores the
	// full attempt budget.
	ResetReinitializesBudget bool

	// U2FCounterSet is true when the U2F counter can be set to an arbitrary
	// value.
	U2FCounterSet bool

	// DefaultBudget is the number of stretch operations available to a
	// fresh secret generation.
	DefaultBudget uint32
}

// Capabilities returns the capabilities of m.
func (m Model) Capabilities() Capabilities {
	switch m {
	case ModelATECC608A, ModelATECC608B:
		return Capabilities{HardwareCounter: true, U2FCounterSet: true, DefaultBudget: CounterLimit}
	case ModelOptigaTrustMV3:
		return Capabilities{
			HardwareCounter:          true,
			ResetReinitializesBudget: true,
			U2FCounterSet:            true,
			DefaultBudget:            600,
		}
	case ModelTPM2:
		return Capabilities{HardwareCounter: true, DefaultBudget: CounterLimit}
	case ModelPKCS11:
		return Capabilities{ResetReinitializesBudget: true, U2FCounterSet: true, DefaultBudget: 730}
	default:
		return Capabilities{}
	}
}
