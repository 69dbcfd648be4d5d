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

// Package secret provides scoped buffers for key material.
//
// Every value that carries a chip-derived key, a flash-resident key or a
// stretched password secret lives in a Key (fixed 32 bytes) or a Buffer
// (variable length). Both are backed by a memguard LockedBuffer, so the bytes
// sit in locked pages guarded against overflow and never reach swap. Destroy
// wipes and releases the memory; callers defer it right after allocation so
// the buffer is cleared on every exit path:
//
//	k := secret.New()
//	defer k.Destroy()
//	if err := chip.KDF(ctx, msg, k); err != nil {
//	    return err
//	}
//
// Keys and buffers never print their contents. String, Format and LogValue
// all render "[REDACTED]", so passing one to a logger or fmt.Errorf by mistake
// does not leak it.
package secret

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/awnumar/memguard"
)

// Size is the length of every fixed-size key handled by the core.
const Size = 32

const redacted = "[REDACTED]"

var (
	// ErrInvalidLength is returned when a key is built from a slice that is
	// not exactly Size bytes long.
	ErrInvalidLength = errors.New("secret: invalid key length")

	// ErrDestroyed is returned when a destroyed key is written to.
	ErrDestroyed = errors.New("secret: key destroyed")
)

// Key is a 32-byte secret. Use New; the zero value holds no memory.
type Key struct {
	buf *memguard.LockedBuffer
}

// New allocates an empty key.
func New() *Key {
	k := &Key{buf: memguard.NewBuffer(Size)}
	track(k)
	return k
}

// FromBytes copies b into a new key. The caller still owns b and is
// responsible for clearing it.
func FromBytes(b []byte) (*Key, error) {
	if len(b) != Size {
		return nil, ErrInvalidLength
	}
	k := New()
	copy(k.Bytes(), b)
	return k, nil
}

// Bytes exposes the locked memory. The slice aliases the key and must not be
// used after Destroy, which returns the pages to the system; Bytes returns nil
// from then on.
func (k *Key) Bytes() []byte {
	if k == nil || k.buf == nil {
		return nil
	}
	return k.buf.Bytes()
}

// Set overwrites the key with b, which must be exactly Size bytes.
func (k *Key) Set(b []byte) error {
	if len(b) != Size {
		return ErrInvalidLength
	}
	dst := k.Bytes()
	if dst == nil {
		return ErrDestroyed
	}
	copy(dst, b)
	return nil
}

// Equal compares two keys in constant time. Destroyed keys are never equal.
func (k *Key) Equal(other *Key) bool {
	a, b := k.Bytes(), other.Bytes()
	if a == nil || b == nil {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// IsZero reports whether every byte of the key is zero. A destroyed key is
// zero.
func (k *Key) IsZero() bool {
	return isZero(k.Bytes())
}

// Destroy wipes the key and releases its memory. Safe to call more than once
// and on nil.
func (k *Key) Destroy() {
	if k == nil || k.buf == nil {
		return
	}
	k.buf.Destroy()
}

// String implements fmt.Stringer.
func (k *Key) String() string {
	return redacted
}

// Format implements fmt.Formatter so %x, %v and %s never print key bytes.
func (k *Key) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(redacted))
}

// LogValue implements slog.LogValuer.
func (k *Key) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// Buffer is a variable-length secret, used for seed plaintext.
type Buffer struct {
	buf *memguard.LockedBuffer
	n   int
}

// NewBuffer allocates a zeroed buffer of n bytes.
func NewBuffer(n int) *Buffer {
	if n < 0 {
		n = 0
	}
	buf := &Buffer{buf: memguard.NewBuffer(n), n: n}
	trackBuffer(buf)
	return buf
}

// BufferFrom copies b into a new buffer.
func BufferFrom(b []byte) *Buffer {
	buf := NewBuffer(len(b))
	copy(buf.Bytes(), b)
	return buf
}

// Bytes exposes the buffer contents. It returns nil after Destroy.
func (b *Buffer) Bytes() []byte {
	all := b.all()
	if all == nil {
		return nil
	}
	return all[:b.n]
}

// Len returns the buffer length.
func (b *Buffer) Len() int {
	if b.all() == nil {
		return 0
	}
	return b.n
}

// Truncate shrinks the visible length to n. The tail is wiped but stays
// allocated until Destroy.
func (b *Buffer) Truncate(n int) {
	all := b.all()
	if n < 0 || n >= b.n || all == nil {
		return
	}
	Zero(all[n:b.n])
	b.n = n
}

// IsZero reports whether the whole allocation is zero, including any
// truncated tail. A destroyed buffer is zero.
func (b *Buffer) IsZero() bool {
	return isZero(b.all())
}

// Destroy wipes the buffer, including any truncated tail, and releases its
// memory.
func (b *Buffer) Destroy() {
	if b == nil || b.buf == nil {
		return
	}
	b.buf.Destroy()
}

func (b *Buffer) all() []byte {
	if b == nil || b.buf == nil {
		return nil
	}
	return b.buf.Bytes()
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	return redacted
}

// Format implements fmt.Formatter.
func (b *Buffer) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(redacted))
}

// LogValue implements slog.LogValuer.
func (b *Buffer) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// Zero wipes b in place.
func Zero(b []byte) {
	memguard.WipeBytes(b)
}

// ZeroAll wipes every slice passed in.
func ZeroAll(slices ...[]byte) {
	for _, s := range slices {
		Zero(s)
	}
}

// Purge wipes and releases every live Key and Buffer in the process. Call it
// on the way out of a program.
func Purge() {
	memguard.Purge()
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
