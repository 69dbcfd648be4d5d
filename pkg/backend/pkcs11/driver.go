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

package pkcs11

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/jeremyhahn/go-securechip/pkg/backend/state"
	"github.com/jeremyhahn/go-securechip/pkg/logging"
	"github.com/jeremyhahn/go-securechip/pkg/secret"
	"github.com/jeremyhahn/go-securechip/pkg/securechip"
)

// hsmState is the host-side half of the chip configuration.
type hsmState struct {
	RollGeneration        uint32 `cbor:"1,keyasint"`
	Counter               uint32 `cbor:"2,keyasint"`
	Baseline              uint32 `cbor:"3,keyasint"`
	Budget                uint32 `cbor:"4,keyasint"`
	U2FCounter            uint32 `cbor:"5,keyasint"`
	Attestation           bool   `cbor:"6,keyasint"`
	AttestationGeneration uint32 `cbor:"7,keyasint"`
}

func (s *hsmState) remaining() uint32 {
	used := s.Counter - s.Baseline
	if s.Counter < s.Baseline || used >= s.Budget {
		return 0
	}
	return s.Budget - used
}

// Driver implements securechip.Driver on a PKCS#11 token.
type Driver struct {
	mu     sync.Mutex
	cfg    *Config
	log    logging.Logger
	tok    token
	store  *state.Store
	st     *hsmState
	kdf    secretKey
	roll   secretKey
	closed bool
}

var _ securechip.Driver = (*Driver)(nil)

// Open validates cfg and logs in to the token.
func Open(cfg *Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tok, err := openToken(cfg)
	if err != nil {
		return nil, err
	}
	return newDriver(cfg, tok), nil
}

func newDriver(cfg *Config, tok token) *Driver {
	cfg.applyDefaults()
	return &Driver{cfg: cfg, log: cfg.Logger, tok: tok}
}

func (d *Driver) kdfID() []byte {
	return []byte(d.cfg.KeyPrefix + "/kdf")
}

func (d *Driver) rollID(gen uint32) []byte {
	return []byte(fmt.Sprintf("%s/rollkey/%d", d.cfg.KeyPrefix, gen))
}

func (d *Driver) attestationID(gen uint32) []byte {
	return []byte(fmt.Sprintf("%s/attestation/%d", d.cfg.KeyPrefix, gen))
}

// Setup loads the sealed host state and the slot objects, or provisions
// both on first use.
func (d *Driver) Setup(ctx context.Context, keys securechip.KeySources) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return securechip.NewSetupError(securechip.SetupCodeChipIO, errClosed)
	}
	if keys.EncryptionKey == nil {
		return securechip.NewSetupError(securechip.SetupCodeKeySources, securechip.ErrInvalidArgument)
	}
	d.store = state.New(d.cfg.Storage, d.cfg.StateKey, state.KeySource(keys.EncryptionKey))

	st := &hsmState{}
	err := d.store.Load(st)
	switch {
	case err == nil:
		if !validBudget(st.Budget) {
			return securechip.NewSetupError(securechip.SetupCodeState, ErrCorruptState)
		}
		if err := d.loadSlots(st, false); err != nil {
			return securechip.NewSetupError(securechip.SetupCodeState, err)
		}
		d.st = st
		d.log.Debug("pkcs11: state loaded", logging.Uint32("remaining", st.remaining()))
		return nil
	case !errors.Is(err, state.ErrNotFound):
		return securechip.NewSetupError(securechip.SetupCodeState, err)
	}

	if !validBudget(d.cfg.CounterBudget) {
		return securechip.NewSetupError(securechip.SetupCodeConfig,
			fmt.Errorf("%w: counter budget %d", ErrInvalidConfig, d.cfg.CounterBudget))
	}
	st = &hsmState{Budget: d.cfg.CounterBudget}
	if err := d.loadSlots(st, true); err != nil {
		return securechip.NewSetupError(securechip.SetupCodeChipIO, err)
	}
	if err := d.store.Save(st); err != nil {
		return securechip.NewSetupError(securechip.SetupCodeState, err)
	}
	d.st = st
	d.log.Info("pkcs11: chip provisioned", logging.Uint32("budget", st.Budget))
	return nil
}

// loadSlots finds both slot keys. With generate set, missing keys are
// created.
func (d *Driver) loadSlots(st *hsmState, generate bool) error {
	kdf, err := d.slotKey(d.kdfID(), generate)
	if err != nil {
		return err
	}
	roll, err := d.slotKey(d.rollID(st.RollGeneration), generate)
	if err != nil {
		return err
	}
	d.kdf, d.roll = kdf, roll
	return nil
}

func (d *Driver) slotKey(id []byte, generate bool) (secretKey, error) {
	key, err := d.tok.FindSecret(id)
	if err != nil {
		return nil, tokenError("find key", err)
	}
	if key != nil {
		return key, nil
	}
	if !generate {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	key, err = d.tok.GenerateSecret(id)
	if err != nil {
		return nil, tokenError("generate key", err)
	}
	return key, nil
}

// KDF computes CKM_SHA256_HMAC of msg under the slot key.
func (d *Driver) KDF(ctx context.Context, slot securechip.Slot, msg []byte, out *secret.Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
		return err
	}

	var key secretKey
	switch slot {
	case securechip.SlotKDF:
		key = d.kdf
	case securechip.SlotRollKey:
		key = d.roll
	default:
		return fmt.Errorf("%w: unknown slot %s", securechip.ErrInvalidArgument, slot)
	}

	mac, err := key.HMAC(msg)
	if err != nil {
		return tokenError("hmac", err)
	}
	defer secret.Zero(mac)
	if err := out.Set(mac); err != nil {
		return fmt.Errorf("%w: hmac length %d", securechip.ErrChipIO, len(mac))
	}
	return nil
}

// ResetRollKey generates a roll key under the next generation ID, commits
// the state, then destroys the old key. The budget restarts.
func (d *Driver) ResetRollKey(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
		return err
	}

	next := d.st.RollGeneration + 1
	// A crash after generation but before the state was committed leaves
	// an orphan under the next ID.
	if stale, err := d.tok.FindSecret(d.rollID(next)); err == nil && stale != nil {
		if err := stale.Delete(); err != nil {
			return tokenError("delete stale key", err)
		}
	}
	fresh, err := d.tok.GenerateSecret(d.rollID(next))
	if err != nil {
		return tokenError("generate key", err)
	}

	prev := *d.st
	d.st.RollGeneration = next
	d.st.Baseline = d.st.Counter
	d.st.Budget = d.cfg.CounterBudget
	if err := d.save(); err != nil {
		*d.st = prev
		if derr := fresh.Delete(); derr != nil {
			d.log.Warn("pkcs11: discarding unused roll key failed", logging.Error(derr))
		}
		return err
	}

	old := d.roll
	d.roll = fresh
	if err := old.Delete(); err != nil {
		d.log.Warn("pkcs11: destroying previous roll key failed", logging.Error(err))
	}
	return nil
}

// CounterIncrement consumes one increment of the software counter.
func (d *Driver) CounterIncrement(ctx context.Context) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
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

	if err := d.ready(); err != nil {
		return 0, err
	}
	return d.st.remaining(), nil
}

// GenAttestationKey generates a P-256 key pair under the next generation ID
// and destroys the previous one.
func (d *Driver) GenAttestationKey(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
		return nil, err
	}

	next := d.st.AttestationGeneration + 1
	s, err := d.tok.GenerateSigner(d.attestationID(next))
	if err != nil {
		return nil, tokenError("generate key pair", err)
	}
	pub, err := encodePublic(s)
	if err != nil {
		_ = s.Delete()
		return nil, err
	}

	prev := *d.st
	d.st.Attestation = true
	d.st.AttestationGeneration = next
	if err := d.save(); err != nil {
		*d.st = prev
		_ = s.Delete()
		return nil, err
	}

	if prev.Attestation {
		if old, err := d.tok.FindSigner(d.attestationID(prev.AttestationGeneration)); err == nil && old != nil {
			if err := old.Delete(); err != nil {
				d.log.Warn("pkcs11: destroying previous attestation key failed", logging.Error(err))
			}
		}
	}
	return pub, nil
}

// AttestationPublicKey returns the attestation public key as X||Y.
func (d *Driver) AttestationPublicKey(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, err := d.attestationSigner()
	if err != nil {
		return nil, err
	}
	return encodePublic(s)
}

// AttestationSign signs challenge and returns R||S.
func (d *Driver) AttestationSign(ctx context.Context, challenge [32]byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, err := d.attestationSigner()
	if err != nil {
		return nil, err
	}
	der, err := s.Sign(rand.Reader, challenge[:], crypto.SHA256)
	if err != nil {
		return nil, tokenError("sign", err)
	}
	r, sv, err := parseDERSignature(der)
	if err != nil {
		return nil, err
	}
	return securechip.EncodeAttestationSignature(r, sv), nil
}

func (d *Driver) attestationSigner() (signer, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	if !d.st.Attestation {
		return nil, securechip.ErrAttestationKeyMissing
	}
	s, err := d.tok.FindSigner(d.attestationID(d.st.AttestationGeneration))
	if err != nil {
		return nil, tokenError("find key pair", err)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %v", securechip.ErrAttestationKeyMissing, ErrKeyNotFound)
	}
	return s, nil
}

// Random reads from the token RNG.
func (d *Driver) Random(ctx context.Context, out *[32]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(); err != nil {
		return err
	}
	if err := d.tok.Random(out[:]); err != nil {
		return tokenError("random", err)
	}
	return nil
}

// Model always reports securechip.ModelPKCS11.
func (d *Driver) Model(ctx context.Context) (securechip.Model, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(); err != nil {
		return securechip.ModelUnknown, err
	}
	return securechip.ModelPKCS11, nil
}

// U2FCounterSet overwrites the U2F counter.
func (d *Driver) U2FCounterSet(ctx context.Context, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
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

	if err := d.ready(); err != nil {
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

// Close logs out of the token.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.st = nil
	d.kdf, d.roll = nil, nil
	return d.tok.Close()
}

var errClosed = errors.New("pkcs11: driver closed")

func (d *Driver) check() error {
	if d.closed {
		return fmt.Errorf("%w: %v", securechip.ErrChipIO, errClosed)
	}
	return nil
}

func (d *Driver) ready() error {
	if err := d.check(); err != nil {
		return err
	}
	if d.st == nil {
		return fmt.Errorf("%w: chip not configured", securechip.ErrChipIO)
	}
	return nil
}

func (d *Driver) save() error {
	if err := d.store.Save(d.st); err != nil {
		return fmt.Errorf("%w: %v", securechip.ErrChipIO, err)
	}
	return nil
}

func p256() elliptic.Curve {
	return elliptic.P256()
}

func encodePublic(s signer) ([]byte, error) {
	pub, ok := s.Public().(*ecdsa.PublicKey)
	if !ok || pub.Curve != p256() {
		return nil, fmt.Errorf("%w: attestation key is not P-256", securechip.ErrChipIO)
	}
	return securechip.EncodeAttestationPublicKey(pub), nil
}

// parseDERSignature splits an ASN.1 ECDSA-Sig-Value into r and s.
func parseDERSignature(der []byte) (*big.Int, *big.Int, error) {
	var (
		r, s  = new(big.Int), new(big.Int)
		inner cryptobyte.String
	)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, nil, fmt.Errorf("%w: malformed signature", securechip.ErrChipIO)
	}
	return r, s, nil
}

func tokenError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", securechip.ErrChipIO, op, err)
}
