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

import (
	"errors"
	"fmt"
)

var (
	// ErrChipIO is returned when communication with the chip fails. Drivers
	// wrap the underlying bus or command error with it and never retry.
	ErrChipIO = errors.New("securechip: chip I/O failure")

	// ErrCounterExhausted is returned when the monotonic counter has no
	// increments left. It is terminal for the current secret generation.
	ErrCounterExhausted = errors.New("securechip: monotonic counter exhausted")

	// ErrInvalidArgument is returned for caller contract violations such as
	// an empty password or a nil output buffer.
	ErrInvalidArgument = errors.New("securechip: invalid argument")

	// ErrNotSetup is returned by every operation before Setup succeeded.
	ErrNotSetup = errors.New("securechip: not set up")

	// ErrAlreadySetup is returned when Setup is called a second time.
	ErrAlreadySetup = errors.New("securechip: already set up")

	// ErrNotSupported is returned when the bound chip model lacks the
	// capability an operation needs.
	ErrNotSupported = errors.New("securechip: operation not supported by chip")

	// ErrAttestationKeyMissing is returned when signing is requested before
	// an attestation key was generated.
	ErrAttestationKeyMissing = errors.New("securechip: attestation key not generated")

	// ErrNoChip is returned by Detect when no opener produced a usable chip.
	ErrNoChip = errors.New("securechip: no secure chip detected")
)

// Setup error codes. Drivers may return their own non-zero codes above
// SetupCodeDriverBase.
const (
	SetupCodeKeySources = 1
	SetupCodeChipIO     = 2
	SetupCodeConfig     = 3
	SetupCodeState      = 4
	SetupCodeCounter    = 5

	SetupCodeDriverBase = 100
)

// SetupError is returned by Setup. Code is never zero.
type SetupError struct {
	Code int
	Err  error
}

// NewSetupError returns a SetupError, forcing a zero code to
// SetupCodeConfig.
func NewSetupError(code int, err error) *SetupError {
	if code == 0 {
		code = SetupCodeConfig
	}
	return &SetupError{Code: code, Err: err}
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("securechip: setup failed (code %d): %v", e.Code, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// ErrorClass names the taxonomy class of err for logs and metrics. It never
// includes message text.
func ErrorClass(err error) string {
	var setupErr *SetupError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCounterExhausted):
		return "counter_exhausted"
	case errors.Is(err, ErrChipIO):
		return "chip_io"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNotSetup), errors.Is(err, ErrAlreadySetup):
		return "lifecycle"
	case errors.Is(err, ErrNotSupported):
		return "not_supported"
	case errors.Is(err, ErrAttestationKeyMissing):
		return "attestation_key_missing"
	case errors.As(err, &setupErr):
		return "setup"
	default:
		return "other"
	}
}
