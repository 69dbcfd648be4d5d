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

// Package state persists driver state sealed under the device encryption
// key. Values are CBOR encoded, wrapped in a small versioned envelope that
// names the record, and sealed with the authenticated cipher before they
// reach storage, so host-side chip state is as tamper-evident as the
// encrypted chip reads it models.
package state

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jeremyhahn/go-securechip/pkg/crypto/cipher"
	"github.com/jeremyhahn/go-securechip/pkg/secret"
	"github.com/jeremyhahn/go-securechip/pkg/storage"
)

const version = 1

var (
	// ErrNotFound is returned by Load when no state was saved yet.
	ErrNotFound = errors.New("state: not found")

	// ErrCorrupt is returned when the sealed record fails authentication or
	// does not decode.
	ErrCorrupt = errors.New("state: corrupt record")

	// ErrNoKey is returned when the store has no key source.
	ErrNoKey = errors.New("state: no encryption key source")
)

var (
	encMode, _ = cbor.CoreDetEncOptions().EncMode()
	decMode, _ = cbor.DecOptions{ExtraReturnErrors: cbor.ExtraDecErrorUnknownField}.DecMode()
)

type envelope struct {
	Version int             `cbor:"1,keyasint"`
	Name    string          `cbor:"2,keyasint"`
	Data    cbor.RawMessage `cbor:"3,keyasint"`
}

// KeySource fills out with the sealing key.
type KeySource func(out *secret.Key) error

// Store reads and writes one sealed record.
type Store struct {
	backend storage.Backend
	name    string
	key     KeySource
	cipher  *cipher.Cipher
}

// New returns a store for the record name in backend.
func New(backend storage.Backend, name string, key KeySource) *Store {
	return &Store{backend: backend, name: name, key: key, cipher: cipher.New()}
}

// Name returns the storage key of the record.
func (s *Store) Name() string {
	return s.name
}

// Load decodes the record into v.
func (s *Store) Load(v any) error {
	sealed, err := s.backend.Get(s.name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("state: reading %s: %w", s.name, err)
	}

	key, err := s.sealingKey()
	if err != nil {
		return err
	}
	defer key.Destroy()

	plain, err := s.cipher.Decrypt(sealed, key)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, s.name, err)
	}
	defer plain.Destroy()

	var env envelope
	if err := decMode.Unmarshal(plain.Bytes(), &env); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, s.name, err)
	}
	if env.Version != version || env.Name != s.name {
		return fmt.Errorf("%w: %s: unexpected envelope", ErrCorrupt, s.name)
	}
	if err := decMode.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, s.name, err)
	}
	return nil
}

// Save encodes v and replaces the record.
func (s *Store) Save(v any) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encoding %s: %w", s.name, err)
	}
	defer secret.Zero(data)

	plain, err := encMode.Marshal(envelope{Version: version, Name: s.name, Data: data})
	if err != nil {
		return fmt.Errorf("state: encoding %s: %w", s.name, err)
	}
	defer secret.Zero(plain)

	key, err := s.sealingKey()
	if err != nil {
		return err
	}
	defer key.Destroy()

	sealed, err := s.cipher.Encrypt(plain, key)
	if err != nil {
		return fmt.Errorf("state: sealing %s: %w", s.name, err)
	}
	if err := s.backend.Put(s.name, sealed, storage.DefaultOptions()); err != nil {
		return fmt.Errorf("state: writing %s: %w", s.name, err)
	}
	return nil
}

// Delete erases the record. A missing record is not an error.
func (s *Store) Delete() error {
	if err := s.backend.Delete(s.name); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("state: deleting %s: %w", s.name, err)
	}
	return nil
}

func (s *Store) sealingKey() (*secret.Key, error) {
	if s.key == nil {
		return nil, ErrNoKey
	}
	key := secret.New()
	if err := s.key(key); err != nil {
		key.Destroy()
		return nil, fmt.Errorf("state: reading sealing key: %w", err)
	}
	return key, nil
}
