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
	"fmt"

	"github.com/google/go-tpm/tpm2"

	"github.com/jeremyhahn/go-securechip/pkg/secret"
	"github.com/jeremyhahn/go-securechip/pkg/securechip"
)

const coordSize = 32

// GenAttestationKey derives a new P-256 signing primary from a fresh nonce
// and returns its public key as X||Y.
func (d *Driver) GenAttestationKey(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
		return nil, err
	}
	nonce, err := d.nonce()
	if err != nil {
		return nil, err
	}
	pub, err := d.attestationPublic(nonce)
	if err != nil {
		return nil, err
	}

	old := d.st.AttestationNonce
	d.st.AttestationNonce = nonce
	if err := d.save(); err != nil {
		d.st.AttestationNonce = old
		return nil, err
	}
	secret.Zero(old)
	return pub, nil
}

// AttestationPublicKey returns the current attestation public key.
func (d *Driver) AttestationPublicKey(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
		return nil, err
	}
	if d.st.AttestationNonce == nil {
		return nil, securechip.ErrAttestationKeyMissing
	}
	return d.attestationPublic(d.st.AttestationNonce)
}

// AttestationSign signs challenge with the attestation key and returns R||S.
func (d *Driver) AttestationSign(ctx context.Context, challenge [32]byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
		return nil, err
	}
	if d.st.AttestationNonce == nil {
		return nil, securechip.ErrAttestationKeyMissing
	}

	auth := secret.New()
	defer auth.Destroy()
	if err := d.authKey(auth); err != nil {
		return nil, fmt.Errorf("%w: reading auth key: %v", securechip.ErrChipIO, err)
	}

	primary, err := d.createPrimary(eccTemplate(d.st.AttestationNonce), auth.Bytes())
	if err != nil {
		return nil, err
	}
	defer d.flush(primary.ObjectHandle)

	rsp, err := tpm2.Sign{
		KeyHandle: tpm2.AuthHandle{
			Handle: primary.ObjectHandle,
			Name:   primary.Name,
			Auth:   tpm2.PasswordAuth(auth.Bytes()),
		},
		Digest: tpm2.TPM2BDigest{
			Buffer: challenge[:],
		},
		InScheme: tpm2.TPMTSigScheme{
			Scheme: tpm2.TPMAlgECDSA,
			Details: tpm2.NewTPMUSigScheme(
				tpm2.TPMAlgECDSA,
				&tpm2.TPMSSchemeHash{
					HashAlg: tpm2.TPMAlgSHA256,
				},
			),
		},
		Validation: tpm2.TPMTTKHashCheck{
			Tag:       tpm2.TPMSTHashCheck,
			Hierarchy: tpm2.TPMRHNull,
		},
	}.Execute(d.tpm)
	if err != nil {
		return nil, chipError("sign", err)
	}

	sig, err := rsp.Signature.Signature.ECDSA()
	if err != nil {
		return nil, chipError("sign", err)
	}
	out := make([]byte, 2*coordSize)
	if err := putCoord(out[:coordSize], sig.SignatureR.Buffer); err != nil {
		return nil, err
	}
	if err := putCoord(out[coordSize:], sig.SignatureS.Buffer); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Driver) attestationPublic(nonce []byte) ([]byte, error) {
	auth := secret.New()
	defer auth.Destroy()
	if err := d.authKey(auth); err != nil {
		return nil, fmt.Errorf("%w: reading auth key: %v", securechip.ErrChipIO, err)
	}

	primary, err := d.createPrimary(eccTemplate(nonce), auth.Bytes())
	if err != nil {
		return nil, err
	}
	defer d.flush(primary.ObjectHandle)

	pub, err := primary.OutPublic.Contents()
	if err != nil {
		return nil, chipError("read public", err)
	}
	point, err := pub.Unique.ECC()
	if err != nil {
		return nil, chipError("read public", err)
	}

	out := make([]byte, 2*coordSize)
	if err := putCoord(out[:coordSize], point.X.Buffer); err != nil {
		return nil, err
	}
	if err := putCoord(out[coordSize:], point.Y.Buffer); err != nil {
		return nil, err
	}
	return out, nil
}

// putCoord left-pads a big-endian coordinate the TPM may have trimmed.
func putCoord(dst, v []byte) error {
	if len(v) > len(dst) {
		return fmt.Errorf("%w: coordinate length %d", securechip.ErrChipIO, len(v))
	}
	copy(dst[len(dst)-len(v):], v)
	return nil
}

func eccTemplate(nonce []byte) tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgECC,
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
			tpm2.TPMAlgECC,
			&tpm2.TPMSECCParms{
				Symmetric: tpm2.TPMTSymDefObject{
					Algorithm: tpm2.TPMAlgNull,
				},
				Scheme: tpm2.TPMTECCScheme{
					Scheme: tpm2.TPMAlgECDSA,
					Details: tpm2.NewTPMUAsymScheme(
						tpm2.TPMAlgECDSA,
						&tpm2.TPMSSigSchemeECDSA{
							HashAlg: tpm2.TPMAlgSHA256,
						},
					),
				},
				CurveID: tpm2.TPMECCNistP256,
			},
		),
		Unique: tpm2.NewTPMUPublicID(
			tpm2.TPMAlgECC,
			&tpm2.TPMSECCPoint{
				X: tpm2.TPM2BECCParameter{Buffer: nonce},
				Y: tpm2.TPM2BECCParameter{Buffer: make([]byte, coordSize)},
			},
		),
	}
}
