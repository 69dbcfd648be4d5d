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

package tpm2

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/jeremyhahn/go-securechip/pkg/backend/state"
	"github.com/jeremyhahn/go-securechip/pkg/logging"
	"github.com/jeremyhahn/go-securechip/pkg/secret"
	"github.com/jeremyhahn/go-securechip/pkg/securechip"
)

const nonceSize = 32

// tpmState is the host-side half of the chip configuration.
type tpmState struct {
	KDFNonce         []byte `cbor:"1,keyasint"`
	RollNonce        []byte `cbor:"2,keyasint"`
	Baseline         uint64 `cbor:"3,keyasint"`
	Budget           uint32 `cbor:"4,keyasint"`
	AttestationNonce []byte `cbor:"5,keyasint,omitempty"`
}

func (s *tpmState) validate() error {
	if len(s.KDFNonce) != nonceSize || len(s.RollNonce) != nonceSize {
		return fmt.Errorf("%w: slot nonce length", ErrCorruptState)
	}
	if s.AttestationNonce != nil && len(s.AttestationNonce) != nonceSize {
		return fmt.Errorf("%w: attestation nonce length", ErrCorruptState)
	}
	if s.Budget == 0 || s.Budget > securechip.CounterLimit {
		return fmt.Errorf("%w: budget %d", ErrCorruptState, s.Budget)
	}
	return nil
}

func (s *tpmState) wipe() {
	secret.ZeroAll(s.KDFNonce, s.RollNonce, s.AttestationNonce)
}

// Driver implements securechip.Driver on a TPM 2.0.
type Driver struct {
	mu      sync.Mutex
	cfg     *Config
	log     logging.Logger
	tpm     transport.TPMCloser
	ownsTPM bool
	store   *state.Store
	st      *tpmState
	authKey func(*secret.Key) error
	keys    securechip.KeySources
	closed  bool
}

var _ securechip.Driver = (*Driver)(nil)

// Open validates cfg and connects to the TPM. Setup provisions or loads the
// slots.
func Open(cfg *Config) (*Driver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tpm, owns, err := openTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &Driver{cfg: cfg, log: cfg.Logger, tpm: tpm, ownsTPM: owns}, nil
}

// Setup defines the NV counters if needed, then loads the sealed host state
// or provisions a new one.
func (d *Driver) Setup(ctx context.Context, keys securechip.KeySources) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return securechip.NewSetupError(securechip.SetupCodeChipIO, errClosed)
	}
	if keys.AuthKey == nil || keys.EncryptionKey == nil || keys.Random32 == nil {
		return securechip.NewSetupError(securechip.SetupCodeKeySources, securechip.ErrInvalidArgument)
	}
	d.authKey = keys.AuthKey
	d.keys = keys
	d.store = state.New(d.cfg.Storage, d.cfg.StateKey, state.KeySource(keys.EncryptionKey))

	for _, idx := range []uint32{d.cfg.CounterIndex, d.cfg.U2FCounterIndex} {
		if err := d.ensureCounter(idx); err != nil {
			return securechip.NewSetupError(securechip.SetupCodeCounter, err)
		}
	}

	st := &tpmState{}
	err := d.store.Load(st)
	switch {
	case err == nil:
		if err := st.validate(); err != nil {
			return securechip.NewSetupError(securechip.SetupCodeState, err)
		}
		d.st = st
		d.log.Debug("tpm2: state loaded", logging.Uint32("budget", st.Budget))
		return nil
	case !errors.Is(err, state.ErrNotFound):
		return securechip.NewSetupError(securechip.SetupCodeState, err)
	}

	st, err = d.provision()
	if err != nil {
		return securechip.NewSetupError(securechip.SetupCodeChipIO, err)
	}
	if err := d.store.Save(st); err != nil {
		st.wipe()
		return securechip.NewSetupError(securechip.SetupCodeState, err)
	}
	d.st = st
	d.log.Info("tpm2: chip provisioned",
		logging.Uint32("budget", st.Budget),
		logging.String("counter_index", fmt.Sprintf("0x%08x", d.cfg.CounterIndex)))
	return nil
}

func (d *Driver) provision() (*tpmState, error) {
	kdfNonce, err := d.nonce()
	if err != nil {
		return nil, err
	}
	rollNonce, err := d.nonce()
	if err != nil {
		return nil, err
	}
	baseline, err := d.readCounter(d.cfg.CounterIndex)
	if err != nil {
		return nil, err
	}
	return &tpmState{
		KDFNonce:  kdfNonce,
		RollNonce: rollNonce,
		Baseline:  baseline,
		Budget:    d.cfg.CounterBudget,
	}, nil
}

// KDF computes TPM2_HMAC of msg under the slot's keyed-hash primary.
func (d *Driver) KDF(ctx context.Context, slot securechip.Slot, msg []byte, out *secret.Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
		return err
	}

	var nonce []byte
	switch slot {
	case securechip.SlotKDF:
		nonce = d.st.KDFNonce
	case securechip.SlotRollKey:
		nonce = d.st.RollNonce
	default:
		return fmt.Errorf("%w: unknown slot %s", securechip.ErrInvalidArgument, slot)
	}

	auth := secret.New()
	defer auth.Destroy()
	if err := d.authKey(auth); err != nil {
		return fmt.Errorf("%w: reading auth key: %v", securechip.ErrChipIO, err)
	}

	primary, err := d.createPrimary(hmacTemplate(nonce), auth.Bytes())
	if err != nil {
		return err
	}
	defer d.flush(primary.ObjectHandle)

	rsp, err := tpm2.Hmac{
		Handle: tpm2.AuthHandle{
			Handle: primary.ObjectHandle,
			Name:   primary.Name,
			Auth:   tpm2.PasswordAuth(auth.Bytes()),
		},
		Buffer:  tpm2.TPM2BMaxBuffer{Buffer: msg},
		HashAlg: tpm2.TPMAlgSHA256,
	}.Execute(d.tpm)
	if err != nil {
		return chipError("hmac", err)
	}
	defer secret.Zero(rsp.OutHMAC.Buffer)
	if err := out.Set(rsp.OutHMAC.Buffer); err != nil {
		return fmt.Errorf("%w: hmac length %d", securechip.ErrChipIO, len(rsp.OutHMAC.Buffer))
	}
	return nil
}

// ResetRollKey replaces the roll slot nonce. The TPM budget is lifetime, so
// the baseline stays where it is.
func (d *Driver) ResetRollKey(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
		return err
	}
	fresh, err := d.nonce()
	if err != nil {
		return err
	}
	old := d.st.RollNonce
	d.st.RollNonce = fresh
	if err := d.save(); err != nil {
		d.st.RollNonce = old
		secret.Zero(fresh)
		return err
	}
	secret.Zero(old)
	return nil
}

// CounterIncrement consumes one increment of the NV counter.
func (d *Driver) CounterIncrement(ctx context.Context) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
		return 0, err
	}
	value, err := d.readCounter(d.cfg.CounterIndex)
	if err != nil {
		return 0, err
	}
	if remaining(value, d.st.Baseline, d.st.Budget) == 0 {
		return 0, securechip.ErrCounterExhausted
	}
	if err := d.incrementCounter(d.cfg.CounterIndex); err != nil {
		return 0, err
	}
	value, err = d.readCounter(d.cfg.CounterIndex)
	if err != nil {
		return 0, err
	}
	return remaining(value, d.st.Baseline, d.st.Budget), nil
}

// CounterRemaining returns the increments left in the budget.
func (d *Driver) CounterRemaining(ctx context.Context) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
		return 0, err
	}
	value, err := d.readCounter(d.cfg.CounterIndex)
	if err != nil {
		return 0, err
	}
	return remaining(value, d.st.Baseline, d.st.Budget), nil
}

// Random reads 32 bytes from TPM2_GetRandom.
func (d *Driver) Random(ctx context.Context, out *[32]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(); err != nil {
		return err
	}
	return d.random(out[:])
}

// Model always reports securechip.ModelTPM2.
func (d *Driver) Model(ctx context.Context) (securechip.Model, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(); err != nil {
		return securechip.ModelUnknown, err
	}
	return securechip.ModelTPM2, nil
}

// Close wipes the in-memory state and closes the TPM connection if the
// driver opened it.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	if d.st != nil {
		d.st.wipe()
		d.st = nil
	}
	if d.ownsTPM {
		return d.tpm.Close()
	}
	return nil
}

var errClosed = errors.New("tpm2: driver closed")

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

// nonce draws a slot nonce from the TPM RNG mixed with host randomness.
func (d *Driver) nonce() ([]byte, error) {
	n := make([]byte, nonceSize)
	if err := d.random(n); err != nil {
		return nil, err
	}
	if err := d.keys.MixHostRandom(n); err != nil {
		return nil, fmt.Errorf("%w: %v", securechip.ErrChipIO, err)
	}
	return n, nil
}

// random fills b from the TPM RNG. GetRandom may return fewer bytes than
// requested.
func (d *Driver) random(b []byte) error {
	for off := 0; off < len(b); {
		rsp, err := tpm2.GetRandom{
			BytesRequested: uint16(len(b) - off),
		}.Execute(d.tpm)
		if err != nil {
			return chipError("get random", err)
		}
		if len(rsp.RandomBytes.Buffer) == 0 {
			return fmt.Errorf("%w: get random returned no bytes", securechip.ErrChipIO)
		}
		off += copy(b[off:], rsp.RandomBytes.Buffer)
	}
	return nil
}

func (d *Driver) createPrimary(template tpm2.TPMTPublic, auth []byte) (*tpm2.CreatePrimaryResponse, error) {
	rsp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHOwner,
			Auth:   tpm2.PasswordAuth([]byte(d.cfg.OwnerAuth)),
		},
		InPublic: tpm2.New2B(template),
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				UserAuth: tpm2.TPM2BAuth{Buffer: auth},
			},
		},
	}.Execute(d.tpm)
	if err != nil {
		return nil, chipError("create primary", err)
	}
	return rsp, nil
}

func (d *Driver) flush(handle tpm2.TPMHandle) {
	if _, err := (tpm2.FlushContext{FlushHandle: handle}).Execute(d.tpm); err != nil {
		d.log.Warn("tpm2: flush failed", logging.Error(err))
	}
}

func hmacTemplate(nonce []byte) tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgKeyedHash,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			NoDA:                true,
			SignEncrypt:         true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgKeyedHash,
			&tpm2.TPMSKeyedHashParms{
				Scheme: tpm2.TPMTKeyedHashScheme{
					Scheme: tpm2.TPMAlgHMAC,
					Details: tpm2.NewTPMUSchemeKeyedHash(
						tpm2.TPMAlgHMAC,
						&tpm2.TPMSSchemeHMAC{
							HashAlg: tpm2.TPMAlgSHA256,
						},
					),
				},
			},
		),
		Unique: tpm2.NewTPMUPublicID(
			tpm2.TPMAlgKeyedHash,
			&tpm2.TPM2BDigest{Buffer: nonce},
		),
	}
}

func chipError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", securechip.ErrChipIO, op, err)
}
