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

package cipher

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/jeremyhahn/go-securechip/pkg/secret"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t testing.TB, fill byte) *secret.Key {
	t.Helper()
	k, err := secret.FromBytes(bytes.Repeat([]byte{fill}, secret.Size))
	require.NoError(t, err)
	return k
}

func randomKey(t testing.TB) *secret.Key {
	t.Helper()
	k := secret.New()
	_, err := rand.Read(k.Bytes())
	require.NoError(t, err)
	return k
}

func TestRoundTrip(t *testing.T) {
	key := randomKey(t)
	defer key.Destroy()

	for _, n := range []int{0, 1, 15, 16, 17, 31, 32, 33, 64, 100, 1024} {
		plaintext := make([]byte, n)
		_, _ = rand.Read(plaintext)

		sealed, err := Encrypt(plaintext, key)
		require.NoError(t, err, "len %d", n)

		opened, err := Decrypt(sealed, key)
		require.NoError(t, err, "len %d", n)
		assert.Equal(t, plaintext, opened.Bytes(), "len %d", n)
		opened.Destroy()
	}
}

func TestLengthContract(t *testing.T) {
	key := newKey(t, 0x42)
	defer key.Destroy()

	for n := 0; n <= 80; n++ {
		sealed, err := Encrypt(make([]byte, n), key)
		require.NoError(t, err)
		assert.Equal(t, SealedSize(n), len(sealed))
		assert.LessOrEqual(t, len(sealed), n+Overhead)
		if n%16 == 0 {
			assert.Equal(t, n+Overhead, len(sealed), "block-aligned input uses the full overhead")
		}
	}
}

func TestEncryptTo_BufferTooSmall(t *testing.T) {
	key := newKey(t, 0x01)
	defer key.Destroy()

	plaintext := []byte("seed material")
	dst := make([]byte, len(plaintext)+Overhead-1)
	_, err := New().EncryptTo(dst, plaintext, key)
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	dst = make([]byte, len(plaintext)+Overhead)
	n, err := New().EncryptTo(dst, plaintext, key)
	require.NoError(t, err)
	assert.Equal(t, SealedSize(len(plaintext)), n)
}

func TestDecryptTo_BufferTooSmall(t *testing.T) {
	key := newKey(t, 0x01)
	defer key.Destroy()

	sealed, err := Encrypt([]byte("0123456789abcdef"), key)
	require.NoError(t, err)

	dst := make([]byte, OpenedCapacity(len(sealed))-1)
	_, err = New().DecryptTo(dst, sealed, key)
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	dst = make([]byte, len(sealed)-48)
	n, err := New().DecryptTo(dst, sealed, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcdef"), dst[:n])
}

func TestDecrypt_RejectsShortInput(t *testing.T) {
	key := newKey(t, 0x01)
	defer key.Destroy()

	for _, n := range []int{0, 1, 48, 63} {
		_, err := Decrypt(make([]byte, n), key)
		assert.ErrorIs(t, err, ErrSealedTooShort, "len %d", n)
	}
}

func TestDecrypt_RejectsUnalignedInput(t *testing.T) {
	key := newKey(t, 0x01)
	defer key.Destroy()

	_, err := Decrypt(make([]byte, MinSealedSize+3), key)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestTamperDetection(t *testing.T) {
	key := randomKey(t)
	defer key.Destroy()

	sealed, err := Encrypt([]byte("the quick brown fox jumps over"), key)
	require.NoError(t, err)

	// Flip every bit of the ciphertext and tag; the IV is covered by the tag
	// as well, so include it.
	for i := 0; i < len(sealed); i++ {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), sealed...)
			tampered[i] ^= 1 << bit
			_, err := Decrypt(tampered, key)
			require.ErrorIs(t, err, ErrAuthentication, "byte %d bit %d", i, bit)
		}
	}
}

func TestKeyIndependence(t *testing.T) {
	k1 := newKey(t, 0x11)
	k2 := newKey(t, 0x22)
	defer k1.Destroy()
	defer k2.Destroy()

	fixedIV := bytes.NewReader(bytes.Repeat([]byte{0x00}, 2*IVSize))
	c := New(WithRandom(fixedIV))
	plaintext := []byte("identical plaintext")

	s1, err := c.Encrypt(plaintext, k1)
	require.NoError(t, err)
	s2, err := c.Encrypt(plaintext, k2)
	require.NoError(t, err)

	assert.NotEqual(t, s1, s2, "same IV and plaintext under different secrets")

	_, err = Decrypt(s1, k2)
	assert.ErrorIs(t, err, ErrAuthentication)
	_, err = Decrypt(s2, k1)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestFreshIVPerCall(t *testing.T) {
	key := newKey(t, 0x33)
	defer key.Destroy()

	s1, err := Encrypt([]byte("x"), key)
	require.NoError(t, err)
	s2, err := Encrypt([]byte("x"), key)
	require.NoError(t, err)
	assert.NotEqual(t, s1[:IVSize], s2[:IVSize])
}

func TestEncrypt_RandomFailure(t *testing.T) {
	key := newKey(t, 0x33)
	defer key.Destroy()

	c := New(WithRandom(bytes.NewReader(nil)))
	_, err := c.Encrypt([]byte("x"), key)
	assert.Error(t, err)
}

func TestNilSecret(t *testing.T) {
	_, err := Encrypt([]byte("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidSecret)

	_, err = New().DecryptTo(make([]byte, 64), make([]byte, 64), nil)
	assert.ErrorIs(t, err, ErrInvalidSecret)
}

func TestZeroization(t *testing.T) {
	key := newKey(t, 0x44)
	defer key.Destroy()

	tr := secret.StartTracking()
	defer tr.Stop()

	sealed, err := Encrypt([]byte("payload"), key)
	require.NoError(t, err)
	assert.Zero(t, tr.Live(), "subkeys must be cleared after encrypt")

	opened, err := Decrypt(sealed, key)
	require.NoError(t, err)
	assert.Zero(t, tr.Live(opened), "only the returned plaintext may remain")
	opened.Destroy()

	sealed[len(sealed)-1] ^= 0xFF
	_, err = Decrypt(sealed, key)
	require.True(t, errors.Is(err, ErrAuthentication))
	assert.Zero(t, tr.Live(), "failure paths clear every buffer")
}

func FuzzDecrypt(f *testing.F) {
	key, _ := secret.FromBytes(bytes.Repeat([]byte{0x55}, secret.Size))
	sealed, err := Encrypt([]byte("fuzz seed"), key)
	if err != nil {
		f.Fatal(err)
	}
	f.Add(sealed)
	f.Add(sealed[:MinSealedSize-1])
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		out, err := Decrypt(data, key)
		if err == nil {
			out.Destroy()
		}
	})
}

func BenchmarkEncrypt(b *testing.B) {
	key, _ := secret.FromBytes(bytes.Repeat([]byte{0x66}, secret.Size))
	plaintext := make([]byte, 32)
	for i := 0; i < b.N; i++ {
		if _, err := Encrypt(plaintext, key); err != nil {
			b.Fatal(err)
		}
	}
}
