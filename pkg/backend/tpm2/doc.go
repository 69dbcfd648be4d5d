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

// Package tpm2 implements securechip.Driver on a TPM 2.0 device.
//
// The two KDF slots are HMAC keyed-hash primaries in the owner hierarchy.
// Each primary is derived from the hierarchy seed and a random nonce placed
// in the template's unique field, so a slot key is only reachable through
// its nonce. The nonces live in host state sealed under the flash
// encryption key, and the primaries carry the flash auth key as their
// authorization value. Resetting the roll key replaces its nonce, which
// makes the previous roll key unreachable.
//
// The monotonic counter is an NV counter index. The driver records the
// counter value at provisioning time as a baseline and reports the budget
// relative to it. A second NV counter index backs the U2F counter.
//
// The attestation key is an ECC P-256 primary derived the same way.
//
// Usage:
//
//	drv, err := tpm2.Open(&tpm2.Config{
//	    Device:  "/dev/tpmrm0",
//	    Storage: backend,
//	})
//	if err != nil {
//	    return err
//	}
//	chip := securechip.New(drv)
//	err = chip.Setup(ctx, mem.KeySources(random32))
package tpm2
