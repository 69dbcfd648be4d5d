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

// Package securechip is the secure-element-backed key derivation core.
//
// A Driver speaks to one chip family and exposes raw primitives: keyed
// derivation in two slots (the fixed KDF slot and the rotating roll-key
// slot), a monotonic counter, an attestation keypair, entropy and the U2F
// counter. Chip wraps any Driver and implements SecureChip, the contract the
// rest of the firmware programs against. Chip adds the password stretching
// protocol, the attempt limiter and the attestation policy on top of the
// driver, and serializes every call.
//
// Setup must run once, after the flash-resident keys are available, before
// any other operation:
//
//	chip := securechip.New(drv, securechip.WithLogger(log))
//	if err := chip.Setup(ctx, mem.KeySources()); err != nil {
//	    return err
//	}
//	stretched := secret.New()
//	defer stretched.Destroy()
//	err := chip.StretchPassword(ctx, password, stretched)
package securechip

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/jeremyhahn/go-securechip/pkg/secret"
)

// Slot selects the chip key a KDF call runs under.
type Slot int

const (
	// SlotKDF is the fixed key provisioned at factory setup.
	SlotKDF Slot = iota
	// SlotRollKey is regenerated by ResetRollKey.
	SlotRollKey
)

func (s Slot) String() string {
	switch s {
	case SlotKDF:
		return "kdf"
	case SlotRollKey:
		return "rollkey"
	default:
		return fmt.Sprintf("slot(%d)", int(s))
	}
}

// KeySources supplies the flash-resident keys and the host entropy the
// driver and the stretching protocol need. Each key callback fills out and
// returns an error only if the key store is unavailable.
type KeySources struct {
	// AuthKey fills the chip authorization key.
	AuthKey func(out *secret.Key) error

	// IOProtectionKey fills the key protecting chip bus traffic.
	IOProtectionKey func(out *secret.Key) error

	// EncryptionKey fills the key sealing host-side chip state.
	EncryptionKey func(out *secret.Key) error

	// Random32 fills out with host randomness.
	Random32 func(out *[32]byte) error
}

// Validate reports an error if any callback is missing.
func (k KeySources) Validate() error {
	switch {
	case k.AuthKey == nil:
		return fmt.Errorf("%w: missing auth key source", ErrInvalidArgument)
	case k.IOProtectionKey == nil:
		return fmt.Errorf("%w: missing io protection key source", ErrInvalidArgument)
	case k.EncryptionKey == nil:
		return fmt.Errorf("%w: missing encryption key source", ErrInvalidArgument)
	case k.Random32 == nil:
		return fmt.Errorf("%w: missing random source", ErrInvalidArgument)
	}
	return nil
}

const hostMixLabel = "securechip/host-mix"

// MixHostRandom folds 32 bytes from Random32 into b in place, so key material
// a driver generates on the chip also depends on host entropy. b must be 32
// bytes long.
func (k KeySources) MixHostRandom(b []byte) error {
	if len(b) != sha256.Size {
		return fmt.Errorf("%w: key material is %d bytes", ErrInvalidArgument, len(b))
	}
	if k.Random32 == nil {
		return fmt.Errorf("%w: missing random source", ErrInvalidArgument)
	}

	var host [32]byte
	defer secret.Zero(host[:])
	if err := k.Random32(&host); err != nil {
		return fmt.Errorf("securechip: reading host randomness: %w", err)
	}

	mac := hmac.New(sha256.New, host[:])
	mac.Write([]byte(hostMixLabel))
	mac.Write(b)
	mac.Sum(b[:0])
	return nil
}

// Driver is implemented once per chip family. Methods return errors
// wrapping ErrChipIO on bus failures and never retry. A Driver is not safe
// for concurrent use; Chip serializes access.
type Driver interface {
	// Setup binds the key sources and brings the chip into its operational
	// configuration. Failures should be a *SetupError with a non-zero code.
	Setup(ctx context.Context, keys KeySources) error

	// KDF computes a keyed derivation of msg under slot into out.
	KDF(ctx context.Context, slot Slot, msg []byte, out *secret.Key) error

	// ResetRollKey replaces the roll key with fresh randomness. Chips whose
	// capabilities set ResetReinitializesBudget also restore the counter
	// budget.
	ResetRollKey(ctx context.Context) error

	// CounterIncrement consumes one counter increment and returns the
	// increments left afterwards, or ErrCounterExhausted.
	CounterIncrement(ctx context.Context) (uint32, error)

	// CounterRemaining returns the increments left without consuming one.
	CounterRemaining(ctx context.Context) (uint32, error)

	// GenAttestationKey creates the attestation keypair and returns the
	// 64-byte X||Y public key.
	GenAttestationKey(ctx context.Context) ([]byte, error)

	// AttestationPublicKey returns the existing public key, or
	// ErrAttestationKeyMissing.
	AttestationPublicKey(ctx context.Context) ([]byte, error)

	// AttestationSign signs challenge and returns the 64-byte R||S
	// signature.
	AttestationSign(ctx context.Context, challenge [32]byte) ([]byte, error)

	// Random fills out with chip entropy.
	Random(ctx context.Context, out *[32]byte) error

	// Model identifies the chip.
	Model(ctx context.Context) (Model, error)

	// U2FCounterSet sets the U2F counter.
	U2FCounterSet(ctx context.Context, value uint32) error

	// U2FCounterInc increments the U2F counter and returns the new value.
	U2FCounterInc(ctx context.Context) (uint32, error)

	// Close releases the chip transport.
	Close() error
}

// SecureChip is the contract the rest of the firmware uses. *Chip
// implements it.
type SecureChip interface {
	Setup(ctx context.Context, keys KeySources) error
	KDF(ctx context.Context, msg []byte, out *secret.Key) error
	KDFRollKey(ctx context.Context, msg []byte, out *secret.Key) error
	InitNewPassword(ctx context.Context, password []byte) error
	StretchPassword(ctx context.Context, password []byte, out *secret.Key) error
	ResetKeys(ctx context.Context) error
	GenAttestationKey(ctx context.Context) ([]byte, error)
	AttestationSign(ctx context.Context, challenge [32]byte) ([]byte, error)
	MonotonicIncrementsRemaining(ctx context.Context) (uint32, error)
	Random(ctx context.Context, out *[32]byte) error
	Model(ctx context.Context) (Model, error)
	U2FCounterSet(ctx context.Context, value uint32) error
	U2FCounterInc(ctx context.Context) (uint32, error)
	Close() error
}

var _ SecureChip = (*Chip)(nil)
