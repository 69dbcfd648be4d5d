//go:build pkcs11

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
	"fmt"
	"io"

	"github.com/ThalesGroup/crypto11"
	"github.com/miekg/pkcs11"
)

const secretKeyBits = 256

// c11Token adapts a crypto11 context to token.
type c11Token struct {
	ctx *crypto11.Context
	rng io.Reader
}

func openToken(cfg *Config) (token, error) {
	ctx, err := crypto11.Configure(&crypto11.Config{
		Path:       cfg.Library,
		TokenLabel: cfg.TokenLabel,
		SlotNumber: cfg.Slot,
		Pin:        cfg.PIN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure PKCS#11 context: %w", err)
	}
	rng, err := ctx.NewRandomReader()
	if err != nil {
		_ = ctx.Close()
		return nil, fmt.Errorf("failed to open PKCS#11 random reader: %w", err)
	}
	return &c11Token{ctx: ctx, rng: rng}, nil
}

func (t *c11Token) FindSecret(id []byte) (secretKey, error) {
	key, err := t.ctx.FindKey(id, nil)
	if err != nil || key == nil {
		return nil, err
	}
	return &c11Secret{key: key}, nil
}

func (t *c11Token) GenerateSecret(id []byte) (secretKey, error) {
	key, err := t.ctx.GenerateSecretKeyWithLabel(id, id, secretKeyBits, crypto11.CipherGeneric)
	if err != nil {
		return nil, err
	}
	return &c11Secret{key: key}, nil
}

func (t *c11Token) FindSigner(id []byte) (signer, error) {
	s, err := t.ctx.FindKeyPair(id, nil)
	if err != nil || s == nil {
		return nil, err
	}
	return s, nil
}

func (t *c11Token) GenerateSigner(id []byte) (signer, error) {
	return t.ctx.GenerateECDSAKeyPairWithLabel(id, id, p256())
}

func (t *c11Token) Random(b []byte) error {
	_, err := io.ReadFull(t.rng, b)
	return err
}

func (t *c11Token) Close() error {
	return t.ctx.Close()
}

type c11Secret struct {
	key *crypto11.SecretKey
}

func (k *c11Secret) HMAC(msg []byte) ([]byte, error) {
	h, err := k.key.NewHMAC(pkcs11.CKM_SHA256_HMAC, 0)
	if err != nil {
		return nil, err
	}
	if _, err := h.Write(msg); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func (k *c11Secret) Delete() error {
	return k.key.Delete()
}
