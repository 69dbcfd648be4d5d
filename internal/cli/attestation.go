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

package cli

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-securechip/pkg/securechip"
)

func newAttestationCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attestation",
		Short: "Manage the device attestation key",
	}
	cmd.AddCommand(newAttestationGenerateCmd(a), newAttestationSignCmd(a), newAttestationVerifyCmd(a))
	return cmd
}

func newAttestationGenerateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Generate the attestation key and print its public key",
		Long: `Generate the P-256 attestation keypair inside the chip and print the public
key as hex X||Y. If the key already exists its public key is printed and
nothing is generated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dev, err := a.openDevice(ctx)
			if err != nil {
				return err
			}
			defer dev.Close()

			pub, err := dev.chip.GenAttestationKey(ctx)
			if err != nil {
				return err
			}
			return a.printer().PrintAttestationKey(pub)
		},
	}
}

func newAttestationSignCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sign <challenge-hex>",
		Short: "Sign a 32 byte challenge with the attestation key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			challenge, err := parseChallenge(args[0])
			if err != nil {
				return err
			}

			dev, err := a.openDevice(ctx)
			if err != nil {
				return err
			}
			defer dev.Close()

			sig, err := dev.chip.AttestationSign(ctx, challenge)
			if err != nil {
				return err
			}
			return a.printer().PrintSignature(challenge[:], sig)
		},
	}
}

func newAttestationVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <public-key-hex> <challenge-hex> <signature-hex>",
		Short: "Verify an attestation signature",
		Long: `Verify a raw R||S attestation signature over a challenge against an X||Y
public key. No chip is needed.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("invalid public key: %w", err)
			}
			if _, err := securechip.ParseAttestationPublicKey(pub); err != nil {
				return err
			}
			challenge, err := parseChallenge(args[1])
			if err != nil {
				return err
			}
			sig, err := hex.DecodeString(args[2])
			if err != nil {
				return fmt.Errorf("invalid signature: %w", err)
			}

			valid := securechip.VerifyAttestation(pub, challenge, sig)
			if err := a.printer().PrintVerification(valid); err != nil {
				return err
			}
			if !valid {
				return errInvalidSignature
			}
			return nil
		},
	}
}

func parseChallenge(s string) ([32]byte, error) {
	var challenge [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return challenge, fmt.Errorf("invalid challenge: %w", err)
	}
	if len(raw) != len(challenge) {
		return challenge, fmt.Errorf("invalid challenge: want %d bytes, got %d", len(challenge), len(raw))
	}
	copy(challenge[:], raw)
	return challenge, nil
}
