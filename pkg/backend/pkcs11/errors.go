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

import "errors"

var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("pkcs11: invalid configuration")

	// ErrLibraryNotFound is returned when the PKCS#11 library cannot be found.
	ErrLibraryNotFound = errors.New("pkcs11: library not found")

	// ErrInvalidPINLength is returned when the user PIN is too short.
	// PKCS#11 typically requires PINs to be at least 4 characters.
	ErrInvalidPINLength = errors.New("pkcs11: invalid pin length, must be at least 4 characters")

	// ErrNotCompiled is returned by Open when the binary was built without
	// the pkcs11 tag.
	ErrNotCompiled = errors.New("pkcs11: support not compiled (build with -tags pkcs11)")

	// ErrKeyNotFound is returned when a slot object recorded in host state
	// is missing from the token.
	ErrKeyNotFound = errors.New("pkcs11: key not found on token")

	// ErrCorruptState is returned when the sealed host state has the wrong
	// shape.
	ErrCorruptState = errors.New("pkcs11: corrupt host state")
)
