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

// Package rand produces the device's 32-byte random values.
//
// Before a secure chip is attached only the local CSPRNG is used. Once a
// chip is attached every output also mixes in 32 bytes of chip entropy, so a
// weak chip RNG can never make the result worse than the local source and a
// compromised host RNG alone cannot predict it. Callers can additionally mix
// in their own entropy (for example user-provided input) which persists in
// an internal pool for the lifetime of the Mixer.
package rand

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/jeremyhahn/go-securechip/pkg/logging"
	"github.com/jeremyhahn/go-securechip/pkg/secret"
)

const mixLabel = "securechip/random/v1"

// ChipSource supplies chip entropy. *securechip.Chip implements it.
type ChipSource interface {
	Random(ctx context.Context, out *[32]byte) error
}

// Mixer combines local and chip entropy. It is safe for concurrent use.
type Mixer struct {
	mu      sync.Mutex
	local   io.Reader
	chip    ChipSource
	pool    [32]byte
	counter uint64
	log     logging.Logger
}

// Option configures a Mixer.
type Option func(*Mixer)

// WithLocal replaces the local CSPRNG. Defaults to crypto/rand.
func WithLocal(r io.Reader) Option {
	return func(m *Mixer) {
		if r != nil {
			m.local = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logging.Logger) Option {
	return func(m *Mixer) {
		if log != nil {
			m.log = log
		}
	}
}

// NewMixer returns a mixer with no chip attached.
func NewMixer(opts ...Option) *Mixer {
	m := &Mixer{local: rand.Reader, log: logging.NoOp()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach starts mixing chip entropy into every output.
func (m *Mixer) Attach(chip ChipSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chip = chip
}

// Local32 fills out from the local CSPRNG only. It is the source handed to
// the chip during setup, before chip entropy can be trusted.
func (m *Mixer) Local32(out *[32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readLocal(out)
}

// MixIn folds data into the entropy pool.
func (m *Mixer) MixIn(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := sha256.New()
	h.Write(m.pool[:])
	h.Write(data)
	h.Sum(m.pool[:0])
}

// Random32 fills out with SHA-256 over the pool, local entropy and, when a
// chip is attached, chip entropy. A chip failure is returned rather than
// silently degrading to local entropy.
func (m *Mixer) Random32(ctx context.Context, out *[32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var local, chip [32]byte
	defer secret.ZeroAll(local[:], chip[:])

	if err := m.readLocal(&local); err != nil {
		return err
	}

	h := sha256.New()
	h.Write([]byte(mixLabel))
	h.Write(m.pool[:])
	h.Write(local[:])

	if m.chip != nil {
		if err := m.chip.Random(ctx, &chip); err != nil {
			m.log.Error("rand: chip entropy unavailable", logging.Error(err))
			return fmt.Errorf("rand: chip entropy: %w", err)
		}
		h.Write(chip[:])
	}

	m.counter++
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], m.counter)
	h.Write(ctr[:])

	h.Sum(out[:0])
	return nil
}

// Read implements io.Reader over Random32 with a background context.
func (m *Mixer) Read(p []byte) (int, error) {
	var block [32]byte
	defer secret.Zero(block[:])

	n := 0
	for n < len(p) {
		if err := m.Random32(context.Background(), &block); err != nil {
			return n, err
		}
		n += copy(p[n:], block[:])
	}
	return n, nil
}

func (m *Mixer) readLocal(out *[32]byte) error {
	if _, err := io.ReadFull(m.local, out[:]); err != nil {
		return fmt.Errorf("rand: local entropy: %w", err)
	}
	return nil
}
