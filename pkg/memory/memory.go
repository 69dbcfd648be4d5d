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

// Package memory manages the flash-resident material of a device: the auth
// key, the I/O protection key and the encryption key that the secure chip
// protocol depends on, the device ID, the sealed seed and the unlock attempt
// counter.
//
// Setup must complete before the secure chip is set up, since the chip
// binds these keys through KeySources.
package memory

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-securechip/pkg/logging"
	"github.com/jeremyhahn/go-securechip/pkg/secret"
	"github.com/jeremyhahn/go-securechip/pkg/securechip"
	"github.com/jeremyhahn/go-securechip/pkg/storage"
)

const (
	keyAuth           = "memory/keys/auth"
	keyIOProtection   = "memory/keys/io_protection"
	keyEncryption     = "memory/keys/encryption"
	keyDeviceID       = "memory/device_id"
	keySeed           = "memory/app/seed"
	keyUnlockAttempts = "memory/app/unlock_attempts"
	appPrefix         = "memory/app/"
)

var (
	// ErrNotSetup is returned before Setup provisioned the keys.
	ErrNotSetup = errors.New("memory: not set up")

	// ErrNoSeed is returned when no sealed seed is stored.
	ErrNoSeed = errors.New("memory: no seed stored")

	// ErrCorrupt is returned when a stored value has the wrong shape.
	ErrCorrupt = errors.New("memory: corrupt value")
)

// Memory is the flash-resident store. It is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	backend storage.Backend
	random  io.Reader
	log     logging.Logger
	ready   bool
}

// Option configures Memory.
type Option func(*Memory)

// WithRandom sets the entropy used to provision keys. Defaults to
// crypto/rand.
func WithRandom(r io.Reader) Option {
	return func(m *Memory) {
		if r != nil {
			m.random = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logging.Logger) Option {
	return func(m *Memory) {
		if log != nil {
			m.log = log
		}
	}
}

// New returns a Memory over backend.
func New(backend storage.Backend, opts ...Option) *Memory {
	m := &Memory{backend: backend, random: rand.Reader, log: logging.NoOp()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Setup provisions any missing key and the device ID. Existing values are
// kept, so Setup is idempotent across boots.
func (m *Memory) Setup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range []string{keyAuth, keyIOProtection, keyEncryption} {
		if err := m.provisionKey(name); err != nil {
			return err
		}
	}

	ok, err := m.backend.Exists(keyDeviceID)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if !ok {
		id, err := uuid.NewRandomFromReader(m.random)
		if err != nil {
			return fmt.Errorf("memory: generating device id: %w", err)
		}
		if err := m.backend.Put(keyDeviceID, id[:], storage.DefaultOptions()); err != nil {
			return fmt.Errorf("memory: %w", err)
		}
		m.log.Info("memory: device provisioned", logging.String("device_id", id.String()))
	}

	m.ready = true
	return nil
}

func (m *Memory) provisionKey(name string) error {
	ok, err := m.backend.Exists(name)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if ok {
		return nil
	}

	k := secret.New()
	defer k.Destroy()
	if _, err := io.ReadFull(m.random, k.Bytes()); err != nil {
		return fmt.Errorf("memory: generating %s: %w", name, err)
	}
	if err := m.backend.Put(name, k.Bytes(), storage.DefaultOptions()); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	return nil
}

// KeySources exposes the flash keys to the secure chip. random32 is the
// host entropy source handed to the chip.
func (m *Memory) KeySources(random32 func(out *[32]byte) error) securechip.KeySources {
	return securechip.KeySources{
		AuthKey:         m.AuthKey,
		IOProtectionKey: m.IOProtectionKey,
		EncryptionKey:   m.EncryptionKey,
		Random32:        random32,
	}
}

// AuthKey fills out with the chip authorization key.
func (m *Memory) AuthKey(out *secret.Key) error {
	return m.readKey(keyAuth, out)
}

// IOProtectionKey fills out with the chip I/O protection key.
func (m *Memory) IOProtectionKey(out *secret.Key) error {
	return m.readKey(keyIOProtection, out)
}

// EncryptionKey fills out with the key sealing host-side chip state.
func (m *Memory) EncryptionKey(out *secret.Key) error {
	return m.readKey(keyEncryption, out)
}

func (m *Memory) readKey(name string, out *secret.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready {
		return ErrNotSetup
	}
	raw, err := m.backend.Get(name)
	if err != nil {
		return fmt.Errorf("memory: reading %s: %w", name, err)
	}
	defer secret.Zero(raw)
	if err := out.Set(raw); err != nil {
		return fmt.Errorf("%w: %s", ErrCorrupt, name)
	}
	return nil
}

// DeviceID returns the device identifier.
func (m *Memory) DeviceID() (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready {
		return uuid.Nil, ErrNotSetup
	}
	raw, err := m.backend.Get(keyDeviceID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("memory: %w", err)
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: device id", ErrCorrupt)
	}
	return id, nil
}

// SetSeed stores the sealed seed blob.
func (m *Memory) SetSeed(sealed []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready {
		return ErrNotSetup
	}
	if err := m.backend.Put(keySeed, sealed, storage.DefaultOptions()); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	return nil
}

// Seed returns the sealed seed blob.
func (m *Memory) Seed() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready {
		return nil, ErrNotSetup
	}
	sealed, err := m.backend.Get(keySeed)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoSeed
		}
		return nil, fmt.Errorf("memory: %w", err)
	}
	return sealed, nil
}

// IsSeeded reports whether a sealed seed is stored.
func (m *Memory) IsSeeded() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready {
		return false, ErrNotSetup
	}
	return m.backend.Exists(keySeed)
}

// UnlockAttempts returns the number of failed unlock attempts since the
// last success.
func (m *Memory) UnlockAttempts() (uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unlockAttempts()
}

func (m *Memory) unlockAttempts() (uint8, error) {
	if !m.ready {
		return 0, ErrNotSetup
	}
	raw, err := m.backend.Get(keyUnlockAttempts)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("memory: %w", err)
	}
	if len(raw) != 1 {
		return 0, fmt.Errorf("%w: unlock attempts", ErrCorrupt)
	}
	return raw[0], nil
}

// IncrementUnlockAttempts records a failed attempt and returns the new
// count. It saturates at 255.
func (m *Memory) IncrementUnlockAttempts() (uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.unlockAttempts()
	if err != nil {
		return 0, err
	}
	if n < 0xFF {
		n++
	}
	if err := m.backend.Put(keyUnlockAttempts, []byte{n}, storage.DefaultOptions()); err != nil {
		return 0, fmt.Errorf("memory: %w", err)
	}
	return n, nil
}

// ResetUnlockAttempts clears the failed attempt count.
func (m *Memory) ResetUnlockAttempts() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready {
		return ErrNotSetup
	}
	if err := m.backend.Put(keyUnlockAttempts, []byte{0}, storage.DefaultOptions()); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	return nil
}

// Wipe erases the seed and the attempt counter. Factory keys and the device
// ID are kept.
func (m *Memory) Wipe() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready {
		return ErrNotSetup
	}
	if err := storage.DeletePrefix(m.backend, appPrefix); err != nil {
		return fmt.Errorf("memory: wiping: %w", err)
	}
	m.log.Warn("memory: application data wiped")
	return nil
}
