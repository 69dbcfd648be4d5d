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

// Package cipher implements the encrypt-then-MAC envelope used to seal data
// at rest with a 32-byte secret (normally a stretched password secret).
//
// Two independent subkeys are expanded from the secret with HKDF-SHA256: an
// AES-256 key for CBC encryption and an HMAC-SHA256 key for authentication.
// The envelope layout is
//
//	iv (16 bytes) || ciphertext (PKCS#7 padded) || tag (32 bytes)
//
// where the tag covers iv || ciphertext. There is no length field; callers
// track the plaintext length out of band if they need it.
//
// Decryption verifies the tag in constant time before any block is decrypted,
// so a forged envelope never reaches the padding check.
package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-securechip/pkg/secret"
	"golang.org/x/crypto/hkdf"
)

const (
	// IVSize is the length of the random CBC initialization vector.
	IVSize = aes.BlockSize

	// TagSize is the length of the HMAC-SHA256 tag.
	TagSize = sha256.Size

	// Overhead is the buffer headroom EncryptTo requires on top of the
	// plaintext length: IV, up to one block of padding, and the tag.
	Overhead = IVSize + aes.BlockSize + TagSize

	// MinSealedSize is the shortest valid envelope: IV, one padding block
	// and the tag.
	MinSealedSize = IVSize + aes.BlockSize + TagSize

	// headerTrailer is the fixed part of every envelope (IV and tag).
	headerTrailer = IVSize + TagSize

	subkeyInfo = "securechip cipher subkeys"
)

var (
	// ErrInvalidSecret is returned when the secret is not secret.Size bytes.
	ErrInvalidSecret = errors.New("cipher: invalid secret length")

	// ErrBufferTooSmall is returned when the destination buffer cannot hold
	// the worst-case output.
	ErrBufferTooSmall = errors.New("cipher: destination buffer too small")

	// ErrSealedTooShort is returned when a sealed payload is shorter than
	// MinSealedSize.
	ErrSealedTooShort = errors.New("cipher: sealed payload too short")

	// ErrMalformed is returned when the ciphertext is not block aligned.
	ErrMalformed = errors.New("cipher: malformed sealed payload")

	// ErrAuthentication is returned when the tag does not match. No
	// plaintext is produced.
	ErrAuthentication = errors.New("cipher: authentication failed")
)

// Cipher seals and opens envelopes. The zero value is not usable; use New.
type Cipher struct {
	random io.Reader
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithRandom sets the IV source. Defaults to crypto/rand.
func WithRandom(r io.Reader) Option {
	return func(c *Cipher) {
		if r != nil {
			c.random = r
		}
	}
}

// New returns a Cipher.
func New(opts ...Option) *Cipher {
	c := &Cipher{random: rand.Reader}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var defaultCipher = New()

// SealedSize returns the exact envelope length for a plaintext of n bytes.
// It is always at most n+Overhead.
func SealedSize(n int) int {
	return headerTrailer + paddedSize(n)
}

// OpenedCapacity returns the destination size DecryptTo requires for a sealed
// payload of n bytes.
func OpenedCapacity(n int) int {
	return n - headerTrailer
}

// Encrypt seals plaintext under secret using the default Cipher. The
// envelope is len(plaintext)+Overhead bytes only when len(plaintext) is a
// multiple of 16; otherwise it is shorter. See SealedSize.
func Encrypt(plaintext []byte, key *secret.Key) ([]byte, error) {
	return defaultCipher.Encrypt(plaintext, key)
}

// Decrypt opens sealed under secret using the default Cipher.
func Decrypt(sealed []byte, key *secret.Key) (*secret.Buffer, error) {
	return defaultCipher.Decrypt(sealed, key)
}

// Encrypt seals plaintext and returns a newly allocated envelope of exactly
// SealedSize(len(plaintext)) bytes. That equals len(plaintext)+Overhead when
// len(plaintext) is a multiple of 16 and is shorter otherwise, since PKCS#7
// padding fills only the last block.
func (c *Cipher) Encrypt(plaintext []byte, key *secret.Key) ([]byte, error) {
	dst := make([]byte, len(plaintext)+Overhead)
	n, err := c.EncryptTo(dst, plaintext, key)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// EncryptTo seals plaintext into dst, which must be at least
// len(plaintext)+Overhead bytes. It returns the number of bytes written.
func (c *Cipher) EncryptTo(dst, plaintext []byte, key *secret.Key) (int, error) {
	if key == nil {
		return 0, ErrInvalidSecret
	}
	if len(dst) < len(plaintext)+Overhead {
		return 0, ErrBufferTooSmall
	}

	encKey, macKey, err := deriveSubkeys(key)
	if err != nil {
		return 0, err
	}
	defer encKey.Destroy()
	defer macKey.Destroy()

	block, err := aes.NewCipher(encKey.Bytes())
	if err != nil {
		return 0, fmt.Errorf("cipher: %w", err)
	}

	iv := dst[:IVSize]
	if _, err := io.ReadFull(c.random, iv); err != nil {
		return 0, fmt.Errorf("cipher: reading iv: %w", err)
	}

	ctLen := paddedSize(len(plaintext))
	ct := dst[IVSize : IVSize+ctLen]
	copy(ct, plaintext)
	pad(ct, len(plaintext))
	gocipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, ct)

	mac := hmac.New(sha256.New, macKey.Bytes())
	mac.Write(dst[:IVSize+ctLen])
	tag := mac.Sum(dst[IVSize+ctLen : IVSize+ctLen])
	n := IVSize + ctLen + len(tag)

	return n, nil
}

// Decrypt opens sealed and returns the plaintext in a secret buffer the
// caller must destroy.
func (c *Cipher) Decrypt(sealed []byte, key *secret.Key) (*secret.Buffer, error) {
	if len(sealed) < MinSealedSize {
		return nil, ErrSealedTooShort
	}
	out := secret.NewBuffer(OpenedCapacity(len(sealed)))
	n, err := c.DecryptTo(out.Bytes(), sealed, key)
	if err != nil {
		out.Destroy()
		return nil, err
	}
	out.Truncate(n)
	return out, nil
}

// DecryptTo verifies and opens sealed into dst, which must be at least
// len(sealed)-48 bytes. It returns the plaintext length. On any failure dst
// holds no plaintext.
func (c *Cipher) DecryptTo(dst, sealed []byte, key *secret.Key) (int, error) {
	if key == nil {
		return 0, ErrInvalidSecret
	}
	if len(sealed) < MinSealedSize {
		return 0, ErrSealedTooShort
	}
	ctLen := len(sealed) - headerTrailer
	if ctLen%aes.BlockSize != 0 {
		return 0, ErrMalformed
	}
	if len(dst) < ctLen {
		return 0, ErrBufferTooSmall
	}

	encKey, macKey, err := deriveSubkeys(key)
	if err != nil {
		return 0, err
	}
	defer encKey.Destroy()
	defer macKey.Destroy()

	iv := sealed[:IVSize]
	ct := sealed[IVSize : IVSize+ctLen]
	tag := sealed[IVSize+ctLen:]

	mac := hmac.New(sha256.New, macKey.Bytes())
	mac.Write(sealed[:IVSize+ctLen])
	if !hmac.Equal(mac.Sum(nil), tag) {
		return 0, ErrAuthentication
	}

	block, err := aes.NewCipher(encKey.Bytes())
	if err != nil {
		return 0, fmt.Errorf("cipher: %w", err)
	}

	plain := dst[:ctLen]
	gocipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	n, ok := unpad(plain)
	if !ok {
		// Unreachable for envelopes produced by EncryptTo under this key.
		secret.Zero(plain)
		return 0, ErrMalformed
	}
	secret.Zero(plain[n:])
	return n, nil
}

// deriveSubkeys expands the secret into independent encryption and
// authentication keys.
func deriveSubkeys(key *secret.Key) (*secret.Key, *secret.Key, error) {
	encKey := secret.New()
	macKey := secret.New()

	r := hkdf.New(sha256.New, key.Bytes(), nil, []byte(subkeyInfo))
	if _, err := io.ReadFull(r, encKey.Bytes()); err != nil {
		encKey.Destroy()
		macKey.Destroy()
		return nil, nil, fmt.Errorf("cipher: deriving subkeys: %w", err)
	}
	if _, err := io.ReadFull(r, macKey.Bytes()); err != nil {
		encKey.Destroy()
		macKey.Destroy()
		return nil, nil, fmt.Errorf("cipher: deriving subkeys: %w", err)
	}
	return encKey, macKey, nil
}

func paddedSize(n int) int {
	return (n/aes.BlockSize + 1) * aes.BlockSize
}

// pad writes PKCS#7 padding after the first n bytes of buf, which must be
// exactly paddedSize(n) long.
func pad(buf []byte, n int) {
	p := byte(len(buf) - n)
	for i := n; i < len(buf); i++ {
		buf[i] = p
	}
}

func unpad(buf []byte) (int, bool) {
	if len(buf) == 0 {
		return 0, false
	}
	p := int(buf[len(buf)-1])
	if p == 0 || p > aes.BlockSize || p > len(buf) {
		return 0, false
	}
	for _, v := range buf[len(buf)-p:] {
		if int(v) != p {
			return 0, false
		}
	}
	return len(buf) - p, true
}
