//go:build tpm_simulator

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

package tpm2_test

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"

	"github.com/google/go-tpm-tools/simulator"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-securechip/pkg/backend/tpm2"
	"github.com/jeremyhahn/go-securechip/pkg/secret"
	"github.com/jeremyhahn/go-securechip/pkg/securechip"
	"github.com/jeremyhahn/go-securechip/pkg/storage"
	"github.com/jeremyhahn/go-securechip/pkg/storage/memory"
)

// simTPM keeps the simulator alive across driver instances so tests can
// model a reboot.
type simTPM struct {
	transport.TPM
	sim *simulator.Simulator
}

func (s *simTPM) Close() error {
	return s.sim.Close()
}

func openSimulator(t *testing.T) *simTPM {
	t.Helper()
	sim, err := simulator.GetWithFixedSeedInsecure(1234567890)
	require.NoError(t, err)
	tpm := &simTPM{TPM: transport.FromReadWriter(sim), sim: sim}
	t.Cleanup(func() { _ = tpm.Close() })
	return tpm
}

func keySources(fill byte) securechip.KeySources {
	key := func(b byte) func(*secret.Key) error {
		return func(out *secret.Key) error {
			return out.Set(bytes.Repeat([]byte{b}, secret.Size))
		}
	}
	return securechip.KeySources{
		AuthKey:         key(0xA1),
		IOProtectionKey: key(0xB2),
		EncryptionKey:   key(fill),
		Random32:        func(out *[32]byte) error { return nil },
	}
}

func newChip(t *testing.T, tpm *simTPM, backend storage.Backend, budget uint32) *securechip.Chip {
	t.Helper()
	drv, err := tpm2.Open(&tpm2.Config{
		Transport:     tpm,
		Storage:       backend,
		CounterBudget: budget,
	})
	require.NoError(t, err)
	chip := securechip.New(drv)
	require.NoError(t, chip.Setup(context.Background(), keySources(0xC3)))
	t.Cleanup(func() { _ = chip.Close() })
	return chip
}

func kdf(t *testing.T, fn func(context.Context, []byte, *secret.Key) error, msg string) []byte {
	t.Helper()
	out := secret.New()
	defer out.Destroy()
	require.NoError(t, fn(context.Background(), []byte(msg), out))
	return append([]byte(nil), out.Bytes()...)
}

func TestSimulator_Setup(t *testing.T) {
	ctx := context.Background()
	chip := newChip(t, openSimulator(t), memory.New(), 0)

	model, err := chip.Model(ctx)
	require.NoError(t, err)
	assert.Equal(t, securechip.ModelTPM2, model)

	remaining, err := chip.MonotonicIncrementsRemaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(securechip.CounterLimit), remaining)
}

func TestSimulator_KDFSurvivesReboot(t *testing.T) {
	tpm := openSimulator(t)
	backend := memory.New()

	first := newChip(t, tpm, backend, 0)
	k1 := kdf(t, first.KDF, "message")
	r1 := kdf(t, first.KDFRollKey, "message")
	assert.NotEqual(t, k1, r1, "slots hold independent keys")
	assert.Equal(t, k1, kdf(t, first.KDF, "message"))
	assert.NotEqual(t, k1, kdf(t, first.KDF, "other message"))
	require.NoError(t, first.Close())

	second := newChip(t, tpm, backend, 0)
	assert.Equal(t, k1, kdf(t, second.KDF, "message"))
	assert.Equal(t, r1, kdf(t, second.KDFRollKey, "message"))
}

func TestSimulator_ResetRollKey(t *testing.T) {
	ctx := context.Background()
	chip := newChip(t, openSimulator(t), memory.New(), 0)

	k := kdf(t, chip.KDF, "message")
	r := kdf(t, chip.KDFRollKey, "message")

	require.NoError(t, chip.ResetKeys(ctx))
	assert.Equal(t, k, kdf(t, chip.KDF, "message"))
	assert.NotEqual(t, r, kdf(t, chip.KDFRollKey, "message"))
}

func TestSimulator_NoncesMixHostRandomness(t *testing.T) {
	ctx := context.Background()
	drv, err := tpm2.Open(&tpm2.Config{Transport: openSimulator(t), Storage: memory.New()})
	require.NoError(t, err)

	var calls atomic.Int32
	keys := keySources(0xC3)
	keys.Random32 = func(out *[32]byte) error {
		calls.Add(1)
		return nil
	}
	chip := securechip.New(drv)
	require.NoError(t, chip.Setup(ctx, keys))
	t.Cleanup(func() { _ = chip.Close() })
	assert.Equal(t, int32(2), calls.Load(), "kdf and roll nonces")

	require.NoError(t, chip.ResetKeys(ctx))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSimulator_CounterBudget(t *testing.T) {
	ctx := context.Background()
	chip := newChip(t, openSimulator(t), memory.New(), 2)

	out := secret.New()
	defer out.Destroy()
	require.NoError(t, chip.StretchPassword(ctx, []byte("password"), out))
	require.NoError(t, chip.StretchPassword(ctx, []byte("password"), out))

	remaining, err := chip.MonotonicIncrementsRemaining(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	err = chip.StretchPassword(ctx, []byte("password"), out)
	assert.ErrorIs(t, err, securechip.ErrCounterExhausted)
	assert.True(t, out.IsZero())

	// A new password does not restore a lifetime budget.
	require.NoError(t, chip.InitNewPassword(ctx, []byte("new")))
	remaining, err = chip.MonotonicIncrementsRemaining(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestSimulator_WrongEncryptionKey(t *testing.T) {
	tpm := openSimulator(t)
	backend := memory.New()
	first := newChip(t, tpm, backend, 0)
	require.NoError(t, first.Close())

	drv, err := tpm2.Open(&tpm2.Config{Transport: tpm, Storage: backend})
	require.NoError(t, err)
	err = securechip.New(drv).Setup(context.Background(), keySources(0xEE))

	var setupErr *securechip.SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, securechip.SetupCodeState, setupErr.Code)
}

func TestSimulator_Attestation(t *testing.T) {
	ctx := context.Background()
	chip := newChip(t, openSimulator(t), memory.New(), 0)

	_, err := chip.AttestationSign(ctx, [32]byte{1})
	assert.ErrorIs(t, err, securechip.ErrAttestationKeyMissing)

	pub, err := chip.GenAttestationKey(ctx)
	require.NoError(t, err)
	require.Len(t, pub, securechip.AttestationPublicKeySize)
	_, err = securechip.ParseAttestationPublicKey(pub)
	require.NoError(t, err)

	again, err := chip.GenAttestationKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, pub, again, "an existing key is returned, not replaced")

	challenge := [32]byte{0xDE, 0xAD, 0xBE, 0xEF}
	sig, err := chip.AttestationSign(ctx, challenge)
	require.NoError(t, err)
	require.Len(t, sig, securechip.AttestationSignatureSize)
	assert.True(t, securechip.VerifyAttestation(pub, challenge, sig))
	assert.False(t, securechip.VerifyAttestation(pub, [32]byte{}, sig))
}

func TestSimulator_U2FCounter(t *testing.T) {
	ctx := context.Background()
	chip := newChip(t, openSimulator(t), memory.New(), 0)

	assert.ErrorIs(t, chip.U2FCounterSet(ctx, 5), securechip.ErrNotSupported)

	a, err := chip.U2FCounterInc(ctx)
	require.NoError(t, err)
	b, err := chip.U2FCounterInc(ctx)
	require.NoError(t, err)
	assert.Equal(t, a+1, b)
}

func TestSimulator_Random(t *testing.T) {
	ctx := context.Background()
	chip := newChip(t, openSimulator(t), memory.New(), 0)

	var a, b [32]byte
	require.NoError(t, chip.Random(ctx, &a))
	require.NoError(t, chip.Random(ctx, &b))
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, [32]byte{}, a)
}
