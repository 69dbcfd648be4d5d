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

// Package pkcs11 implements securechip.Driver on a PKCS#11 token.
//
// The KDF slot, the roll key and the attestation key are token objects that
// never leave the HSM. Both KDF slots are CKK_GENERIC_SECRET keys used with
// CKM_SHA256_HMAC. Resetting the roll key generates a replacement under a
// new object ID and destroys the old one.
//
// PKCS#11 offers no portable monotonic counter, so the attempt counter and
// the U2F counter live in host state sealed under the flash encryption key.
// The budget is per password generation and is restored by a roll key
// reset.
//
// The crypto11 token adapter needs cgo and is only compiled with the
// pkcs11 build tag. Without it Open returns ErrNotCompiled.
//
//	drv, err := pkcs11.Open(&pkcs11.Config{
//	    Library:    "/usr/lib/softhsm/libsofthsm2.so",
//	    TokenLabel: "securechip",
//	    PIN:        "1234",
//	    Storage:    backend,
//	})
package pkcs11
