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

import "crypto"

// token is the subset of a PKCS#11 session the driver needs. Find methods
// return a nil object and a nil error when nothing matches.
type token interface {
	FindSecret(id []byte) (secretKey, error)
	GenerateSecret(id []byte) (secretKey, error)
	FindSigner(id []byte) (signer, error)
	GenerateSigner(id []byte) (signer, error)
	Random(b []byte) error
	Close() error
}

// secretKey is an HMAC-SHA256 key held by the token.
type secretKey interface {
	HMAC(msg []byte) ([]byte, error)
	Delete() error
}

// signer is a P-256 key pair held by the token.
type signer interface {
	crypto.Signer
	Delete() error
}
