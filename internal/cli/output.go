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

package cli

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// ChipInfo is what the info command reports.
type ChipInfo struct {
	Model             string `json:"model"`
	DeviceID          string `json:"device_id"`
	HardwareCounter   bool   `json:"hardware_counter"`
	BudgetOnReset     bool   `json:"budget_reinitialized_on_reset"`
	U2FCounterSet     bool   `json:"u2f_counter_set"`
	Limiter           string `json:"limiter"`
	Remaining         uint32 `json:"increments_remaining"`
	Initialized       bool   `json:"initialized"`
	UnlockAttempts    uint8  `json:"unlock_attempts"`
	MaxUnlockAttempts uint8  `json:"max_unlock_attempts"`
}

// PrintChipInfo prints the chip and keystore status
func (p *Printer) PrintChipInfo(info *ChipInfo) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(info)
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Chip: %s\n", info.Model)
		fmt.Fprintf(p.writer, "Device ID: %s\n", info.DeviceID)
		fmt.Fprintln(p.writer, "Capabilities:")
		fmt.Fprintf(p.writer, "  Hardware Counter:  %t\n", info.HardwareCounter)
		fmt.Fprintf(p.writer, "  Budget On Reset:   %t\n", info.BudgetOnReset)
		fmt.Fprintf(p.writer, "  U2F Counter Set:   %t\n", info.U2FCounterSet)
		fmt.Fprintf(p.writer, "Limiter: %s (%d increments remaining)\n", info.Limiter, info.Remaining)
		fmt.Fprintf(p.writer, "Initialized: %t\n", info.Initialized)
		fmt.Fprintf(p.writer, "Unlock Attempts: %d/%d\n", info.UnlockAttempts, info.MaxUnlockAttempts)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintUnlock prints the result of a successful unlock
func (p *Printer) PrintUnlock(remaining uint8) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"unlocked":           true,
			"attempts_remaining": remaining,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, "Unlocked")
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintAttestationKey prints the attestation public key (X||Y, hex)
func (p *Printer) PrintAttestationKey(pub []byte) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"public_key": hex.EncodeToString(pub),
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, hex.EncodeToString(pub))
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSignature prints an attestation signature (R||S, hex)
func (p *Printer) PrintSignature(challenge, sig []byte) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"challenge": hex.EncodeToString(challenge),
			"signature": hex.EncodeToString(sig),
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, hex.EncodeToString(sig))
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintVerification prints a signature verification result
func (p *Printer) PrintVerification(valid bool) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"valid": valid,
		})
	case OutputFormatText:
		if valid {
			fmt.Fprintln(p.writer, "Signature valid")
		} else {
			fmt.Fprintln(p.writer, "Signature invalid")
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintU2FCounter prints the U2F counter value
func (p *Printer) PrintU2FCounter(value uint32) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"counter": value,
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "%d\n", value)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"success": true,
			"message": message,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
	default:
		_, werr := fmt.Fprintf(p.writer, "Error: %v\n", err)
		return werr
	}
}

// printJSON prints data as JSON
func (p *Printer) printJSON(data interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
