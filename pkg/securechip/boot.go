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
	"context"
	"errors"

	"github.com/jeremyhahn/go-securechip/pkg/logging"
)

// Halt stops the device after an unrecoverable setup failure. It is not
// expected to return.
type Halt func(code int, err error)

// LogHalt returns a Halt that logs at fatal level, which exits the process.
func LogHalt(log logging.Logger) Halt {
	return func(code int, err error) {
		log.Fatal("securechip: setup failed, halting",
			logging.Int("code", code),
			logging.String("class", ErrorClass(err)))
	}
}

// MustSetup runs Setup and calls halt with the setup error code if it
// fails. A device whose secure chip cannot be configured must not continue
// booting.
func MustSetup(ctx context.Context, chip SecureChip, keys KeySources, halt Halt) {
	err := chip.Setup(ctx, keys)
	if err == nil {
		return
	}
	code := SetupCodeConfig
	var setupErr *SetupError
	if errors.As(err, &setupErr) {
		code = setupErr.Code
	}
	halt(code, err)
}
