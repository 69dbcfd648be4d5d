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

package securechip

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"

	"github.com/jeremyhahn/go-securechip/pkg/logging"
	"github.com/jeremyhahn/go-securechip/pkg/metrics"
)

const (
	// AttestationPublicKeySize is the length of an uncompressed P-256
	// public key without the 0x04 prefix (X||Y).
	AttestationPublicKeySize = 64

	// AttestationSignatureSize is the length of a raw P-256 signature (R||S).
	AttestationSignatureSize = 64
)

// GenAttestationKey creates the attestation keypair and returns its public
// key. If the chip already holds one, the existing public key is returned
// and nothing is generated; the key is never rotated implicitly.
func (c *Chip) GenAttestationKey(ctx context.Context) ([]byte, error) {
	var pub []byte
	err := c.run(ctx, metrics.OpGenAttestation, func() error {
		existing, err := c.drv.AttestationPublicKey(ctx)
		switch {
		case err == nil:
			c.log.Warn("securechip: attestation key already exists, returning it",
				logging.String("model", c.model.String()))
			pub = existing
			return nil
		case !errors.Is(err, ErrAttestationKeyMissing):
			return err
		}

		pub, err = c.drv.GenAttestationKey(ctx)
		if err != nil {
			return err
		}
		c.log.Info("securechip: attestation key generated",
			logging.String("model", c.model.String()))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(pub) != AttestationPublicKeySize {
		return nil, fmt.Errorf("%w: attestation public key is %d bytes", ErrChipIO, len(pub))
	}
	return pub, nil
}

// AttestationSign signs a 32-byte challenge with the attestation key and
// returns R||S.
func (c *Chip) AttestationSign(ctx context.Context, challenge [32]byte) ([]byte, error) {
	var sig []byte
	err := c.run(ctx, metrics.OpAttestationSign, func() error {
		var err error
		sig, err = c.drv.AttestationSign(ctx, challenge)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(sig) != AttestationSignatureSize {
		return nil, fmt.Errorf("%w: attestation signature is %d bytes", ErrChipIO, len(sig))
	}
	return sig, nil
}

// VerifyAttestation checks an R||S signature over challenge against an X||Y
// P-256 public key.
func VerifyAttestation(pub []byte, challenge [32]byte, sig []byte) bool {
	key, err := ParseAttestationPublicKey(pub)
	if err != nil || len(sig) != AttestationSignatureSize {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(key, challenge[:], r, s)
}

// ParseAttestationPublicKey decodes an X||Y public key and checks that the
// point is on P-256.
func ParseAttestationPublicKey(pub []byte) (*ecdsa.PublicKey, error) {
	if len(pub) != AttestationPublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes", ErrInvalidArgument, AttestationPublicKeySize)
	}
	curve := elliptic.P256()
	x := new(big.Int).SetBytes(pub[:32])
	y := new(big.Int).SetBytes(pub[32:])
	if !curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("%w: public key not on curve", ErrInvalidArgument)
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// EncodeAttestationPublicKey returns the X||Y encoding of pub.
func EncodeAttestationPublicKey(pub *ecdsa.PublicKey) []byte {
	out := make([]byte, AttestationPublicKeySize)
	pub.X.FillBytes(out[:32])
	pub.Y.FillBytes(out[32:])
	return out
}

// EncodeAttestationSignature returns the R||S encoding of a signature.
func EncodeAttestationSignature(r, s *big.Int) []byte {
	out := make([]byte, AttestationSignatureSize)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out
}
