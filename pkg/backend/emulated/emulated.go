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

// Package emulated implements securechip.Driver in process. It models the
// ATECC608A/B and Optiga Trust M profiles closely enough for the keystore
// and the core to be exercised without hardware: two HMAC slots, a
// monotonic counter with a per-model budget, a P-256 attestation key, a U2F
// counter and chip randomness. State can be persisted, sealed under the
// device encryption key, so an emulated chip survives restarts.
//
// Faults can be injected per operation to test chip I/O failure paths.
package emulated

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"sync"

	"github.com/jeremyhahn/go-securechip/pkg/backend/state"
	"github.com/jeremyhahn/go-securechip/pkg/logging"
	"github.com/jeremyhahn/go-securechip/pkg/secret"
	"github.com/jeremyhahn/go-securechip/pkg/securechip"
	"github.com/jeremyhahn/go-securechip/pkg/storage"
)

// DefaultStateKey is the storage key of the sealed chip state.
const DefaultStateKey = "chip/emulated"

// Config configures an emulated chip.
type Config struct {
	// Model selects the emulated profile. Defaults to ATECC608B.
	Model securechip.Model

	// CounterBudget overrides the model's default attempt budget.
	CounterBudget uint32

	// Storage persists the chip state. When nil the state lives only in
	// memory.
	Storage storage.Backend

	// StateKey is the storage key of the state record.
	StateKey string

	// Random is the chip entropy source. Defaults to crypto/rand.
	Random io.Reader

	// Logger defaults to a no-op logger.
	Logger logging.Logger
}

// chipState is everything the emulated chip holds in its slots.
type chipState struct {
	KDFKey         []byte `cbor:"1,keyasint"`
	RollKey        []byte `cbor:"2,keyasint"`
	Counter        uint32 `cbor:"3,keyasint"`
	Baseline       uint32 `cbor:"4,keyasint"`
	Budget         uint32 `cbor:"5,keyasint"`
	AttestationKey []byte `cbor:"6,keyasint,omitempty"`
	U2FCounter     uint32 `cbor:"7,keyasint"`
}

func (s *chipState) remaining() uint32 {
	used := s.Counter - s.Baseline
	if used >= s.Budget {
		return 0
	}
	return s.Budget - used
}

func (s *chipState) wipe() {
	secret.ZeroAll(s.KDFKey, s.RollKey, s.AttestationKey)
}

// Driver is an emulated secure chip.
type Driver struct {
	mu     sync.Mutex
	cfg    Config
	log    logging.Logger
	store  *state.Store
	keys   securechip.KeySources
	st     *chipState
	faults map[Op]int
	closed bool
}

var _ securechip.Driver = (*Driver)(nil)

// New returns an emulated chip. Setup provisions or loads its state.
func New(cfg Config) *Driver {
	if cfg.Model == securechip.ModelUnknown {
		cfg.Model = securechip.ModelATECC608B
	}
	if cfg.CounterBudget == 0 {
		cfg.CounterBudget = cfg.Model.Capabilities().DefaultBudget
	}
	if cfg.StateKey == "" {
		cfg.StateKey = DefaultStateKey
	}
	if cfg.Random == nil {
		cfg.Random = rand.Reader
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NoOp()
	}
	return &Driver{cfg: cfg, log: log, faults: make(map[Op]int)}
}

// Setup provisions the slots on first use, or loads and authenticates the
// persisted state.
func (d *Driver) Setup(ctx context.Context, keys securechip.KeySources) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(OpSetup); err != nil {
		return securechip.NewSetupError(securechip.SetupCodeChipIO, err)
	}
	if keys.Random32 == nil {
		return securechip.NewSetupError(securechip.SetupCodeKeySources, securechip.ErrInvalidArgument)
	}
	d.keys = keys

	if d.cfg.Storage != nil {
		d.store = state.New(d.cfg.Storage, d.cfg.StateKey, state.KeySource(keys.EncryptionKey))
		st := &chipState{}
		err := d.store.Load(st)
		switch {
		case err == nil:
			d.st = st
			d.log.Debug("emulated: state loaded", logging.String("model", d.cfg.Model.String()))
			return nil
		case !errors.Is(err, state.ErrNotFound):
			return securechip.NewSetupError(securechip.SetupCodeState, err)
		}
	}

	st, err := d.provision()
	if err != nil {
		return securechip.NewSetupError(securechip.SetupCodeConfig, err)
	}
	d.st = st
	if err := d.save(); err != nil {
		return securechip.NewSetupError(securechip.SetupCodeState, err)
	}
	d.log.Info("emulated: chip provisioned",
		logging.String("model", d.cfg.Model.String()),
		logging.Uint32("budget", st.Budget))
	return nil
}

func (d *Driver) provision() (*chipState, error) {
	st := &chipState{
		KDFKey:  make([]byte, secret.Size),
		RollKey: make([]byte, secret.Size),
		Budget:  d.cfg.CounterBudget,
	}
	if err := d.generate(st.KDFKey); err != nil {
		return nil, fmt.Errorf("emulated: generating kdf key: %w", err)
	}
	if err := d.generate(st.RollKey); err != nil {
		st.wipe()
		return nil, fmt.Errorf("emulated: generating roll key: %w", err)
	}
	return st, nil
}

// generate fills b with chip entropy mixed with host randomness.
func (d *Driver) generate(b []byte) error {
	if _, err := io.ReadFull(d.cfg.Random, b); err != nil {
		return err
	}
	if err := d.keys.MixHostRandom(b); err != nil {
		secret.Zero(b)
		return err
	}
	return nil
}

// KDF computes HMAC-SHA256 of msg under the slot key.
func (d *Driver) KDF(ctx context.Context, slot securechip.Slot, msg []byte, out *secret.Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(OpKDF); err != nil {
		return err
	}

	var key []byte
	switch slot {
	case securechip.SlotKDF:
		key = d.st.KDFKey
	case securechip.SlotRollKey:
		key = d.st.RollKey
	default:
		return fmt.Errorf("%w: unknown slot %s", securechip.ErrInvalidArgument, slot)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	mac.Sum(out.Bytes()[:0])
	return nil
}

// ResetRollKey replaces the roll key. Models that reinitialize their budget
// on reset move the counter baseline.
func (d *Driver) ResetRollKey(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(OpResetRollKey); err != nil {
		return err
	}

	fresh := make([]byte, secret.Size)
	if err := d.generate(fresh); err != nil {
		return fmt.Errorf("%w: %v", securechip.ErrChipIO, err)
	}
	prev := *d.st
	d.st.RollKey = fresh
	if d.cfg.Model.Capabilities().ResetReinitializesBudget {
		d.st.Baseline = d.st.Counter
		d.st.Budget = d.cfg.CounterBudget
	}
	if err := d.save(); err != nil {
		secret.Zero(fresh)
		*d.st = prev
		return err
	}
	secret.Zero(prev.RollKey)
	return nil
}

// CounterIncrement consumes one increment.
func (d *Driver) CounterIncrement(ctx context.Context) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(OpCounterIncrement); err != nil {
		return 0, err
	}
	if d.st.remaining() == 0 {
		return 0, securechip.ErrCounterExhausted
	}
	d.st.Counter++
	if err := d.save(); err != nil {
		d.st.Counter--
		return 0, err
	}
	return d.st.remaining(), nil
}

// CounterRemaining returns the increments left.
func (d *Driver) CounterRemaining(ctx context.Context) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(OpCounterRemaining); err != nil {
		return 0, err
	}
	return d.st.remaining(), nil
}

// GenAttestationKey generates a new P-256 key in the attestation slot.
func (d *Driver) GenAttestationKey(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(OpGenAttestation); err != nil {
		return nil, err
	}

	priv, err := ecdh.P256().GenerateKey(d.cfg.Random)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", securechip.ErrChipIO, err)
	}
	prev := d.st.AttestationKey
	d.st.AttestationKey = priv.Bytes()
	if err := d.save(); err != nil {
		secret.Zero(d.st.AttestationKey)
		d.st.AttestationKey = prev
		return nil, err
	}
	secret.Zero(prev)
	return publicKey(priv), nil
}

// AttestationPublicKey returns the public half of the attestation key.
func (d *Driver) AttestationPublicKey(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(OpAttestationPublicKey); err != nil {
		return nil, err
	}
	priv, err := d.attestationKey()
	if err != nil {
		return nil, err
	}
	return publicKey(priv), nil
}

// AttestationSign signs challenge with the attestation key.
func (d *Driver) AttestationSign(ctx context.Context, challenge [32]byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(OpAttestationSign); err != nil {
		return nil, err
	}
	priv, err := d.attestationKey()
	if err != nil {
		return nil, err
	}

	pub := publicKey(priv)
	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pub[:32]),
			Y:     new(big.Int).SetBytes(pub[32:]),
		},
		D: new(big.Int).SetBytes(priv.Bytes()),
	}
	r, s, err := ecdsa.Sign(d.cfg.Random, key, challenge[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", securechip.ErrChipIO, err)
	}
	return securechip.EncodeAttestationSignature(r, s), nil
}

func (d *Driver) attestationKey() (*ecdh.PrivateKey, error) {
	if len(d.st.AttestationKey) == 0 {
		return nil, securechip.ErrAttestationKeyMissing
	}
	priv, err := ecdh.P256().NewPrivateKey(d.st.AttestationKey)
	if err != nil {
		return nil, fmt.Errorf("%w: attestation slot: %v", securechip.ErrChipIO, err)
	}
	return priv, nil
}

// publicKey returns X||Y without the uncompressed point prefix.
func publicKey(priv *ecdh.PrivateKey) []byte {
	return priv.PublicKey().Bytes()[1:]
}

// Random fills out from the chip entropy source.
func (d *Driver) Random(ctx context.Context, out *[32]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(OpRandom); err != nil {
		return err
	}
	if _, err := io.ReadFull(d.cfg.Random, out[:]); err != nil {
		return fmt.Errorf("%w: %v", securechip.ErrChipIO, err)
	}
	return nil
}

// Model returns the emulated model. It works before Setup so Detect can
// probe the chip.
func (d *Driver) Model(ctx context.Context) (securechip.Model, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(OpModel); err != nil {
		return securechip.ModelUnknown, err
	}
	return d.cfg.Model, nil
}

// U2FCounterSet sets the U2F counter.
func (d *Driver) U2FCounterSet(ctx context.Context, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(OpU2FSet); err != nil {
		return err
	}
	prev := d.st.U2FCounter
	d.st.U2FCounter = value
	if err := d.save(); err != nil {
		d.st.U2FCounter = prev
		return err
	}
	return nil
}

// U2FCounterInc increments the U2F counter and returns the new value.
func (d *Driver) U2FCounterInc(ctx context.Context) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(OpU2FInc); err != nil {
		return 0, err
	}
	if d.st.U2FCounter == math.MaxUint32 {
		return 0, securechip.ErrCounterExhausted
	}
	d.st.U2FCounter++
	if err := d.save(); err != nil {
		d.st.U2FCounter--
		return 0, err
	}
	return d.st.U2FCounter, nil
}

// Close wipes the in-memory slots. Persisted state is kept.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.st != nil {
		d.st.wipe()
		d.st = nil
	}
	d.closed = true
	return nil
}

// Wipe erases the persisted state so the next Setup provisions a new chip.
func (d *Driver) Wipe() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.st != nil {
		d.st.wipe()
		d.st = nil
	}
	if d.store != nil {
		return d.store.Delete()
	}
	return nil
}

// ready checks faults and that Setup ran.
func (d *Driver) ready(op Op) error {
	if err := d.check(op); err != nil {
		return err
	}
	if d.st == nil {
		return fmt.Errorf("%w: chip not configured", securechip.ErrChipIO)
	}
	return nil
}

func (d *Driver) check(op Op) error {
	if d.closed {
		return fmt.Errorf("%w: chip closed", securechip.ErrChipIO)
	}
	if n, ok := d.faults[op]; ok && n != 0 {
		if n > 0 {
			d.faults[op] = n - 1
		}
		return fmt.Errorf("%w: injected fault on %s", securechip.ErrChipIO, op)
	}
	return nil
}

func (d *Driver) save() error {
	if d.store == nil {
		return nil
	}
	if err := d.store.Save(d.st); err != nil {
		return fmt.Errorf("%w: %v", securechip.ErrChipIO, err)
	}
	return nil
}
