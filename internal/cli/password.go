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
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-securechip/pkg/keystore"
	"github.com/jeremyhahn/go-securechip/pkg/secret"
)

var (
	errForceRequired    = errors.New("refusing to reset without --force")
	errNoPassword       = errors.New("no password given")
	errInvalidSignature = errors.New("attestation signature invalid")
)

func newPasswordCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Create, verify and change the device password",
	}
	cmd.AddCommand(newPasswordInitCmd(a), newPasswordUnlockCmd(a), newPasswordChangeCmd(a))
	return cmd
}

func newPasswordInitCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Set a new password and seal a seed under it",
		Long: `Initialize the chip for a new password and seal the device seed under the
stretched password. A random 32 byte seed is generated unless --seed is
given. Any previously sealed seed is replaced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			password, err := a.readPassword(cmd, "password", "New password: ")
			if err != nil {
				return err
			}
			defer zeroPassword(password)

			dev, err := a.openDevice(ctx)
			if err != nil {
				return err
			}
			defer dev.Close()

			seed := secret.NewBuffer(32)
			defer seed.Destroy()
			if seedHex, _ := cmd.Flags().GetString("seed"); seedHex != "" {
				raw, err := hex.DecodeString(seedHex)
				if err != nil {
					return fmt.Errorf("invalid seed: %w", err)
				}
				defer secret.Zero(raw)
				if len(raw) > seed.Len() {
					return keystore.ErrInvalidSeed
				}
				copy(seed.Bytes(), raw)
				seed.Truncate(len(raw))
			} else {
				dev.mixer.MixIn(password)
				var block [32]byte
				if err := dev.mixer.Random32(ctx, &block); err != nil {
					return err
				}
				copy(seed.Bytes(), block[:])
				secret.Zero(block[:])
			}

			if err := dev.keystore.CreatePassword(ctx, password, seed.Bytes()); err != nil {
				return err
			}
			return a.printer().PrintSuccess("Password initialized")
		},
	}
	cmd.Flags().String("password", "", "new password (default: $SECURECHIP_PASSWORD or stdin)")
	cmd.Flags().String("seed", "", "hex encoded 16, 24 or 32 byte seed (default: random)")
	return cmd
}

func newPasswordUnlockCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Verify the password against the sealed seed",
		Long: `Stretch the password through the chip and open the sealed seed. Every
failed attempt counts toward the wipe limit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			password, err := a.readPassword(cmd, "password", "Password: ")
			if err != nil {
				return err
			}
			defer zeroPassword(password)

			dev, err := a.openDevice(ctx)
			if err != nil {
				return err
			}
			defer dev.Close()

			remaining, err := dev.keystore.Unlock(ctx, password)
			if errors.Is(err, keystore.ErrIncorrectPassword) {
				return fmt.Errorf("%w (%d attempts remaining)", err, remaining)
			}
			if err != nil {
				return err
			}
			return a.printer().PrintUnlock(remaining)
		},
	}
	cmd.Flags().String("password", "", "password (default: $SECURECHIP_PASSWORD or stdin)")
	return cmd
}

func newPasswordChangeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "change",
		Short: "Change the password, keeping the sealed seed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			oldPassword, err := a.readPassword(cmd, "password", "Current password: ")
			if err != nil {
				return err
			}
			defer zeroPassword(oldPassword)
			newPassword, err := a.readPassword(cmd, "new-password", "New password: ")
			if err != nil {
				return err
			}
			defer zeroPassword(newPassword)

			dev, err := a.openDevice(ctx)
			if err != nil {
				return err
			}
			defer dev.Close()

			if err := dev.keystore.ChangePassword(ctx, oldPassword, newPassword); err != nil {
				return err
			}
			return a.printer().PrintSuccess("Password changed")
		},
	}
	cmd.Flags().String("password", "", "current password (default: $SECURECHIP_PASSWORD or stdin)")
	cmd.Flags().String("new-password", "", "new password (default: $SECURECHIP_NEW_PASSWORD or stdin)")
	return cmd
}

// readPassword returns the value of flag, then the matching SECURECHIP_
// environment variable, then one line read from the command's input.
func (a *app) readPassword(cmd *cobra.Command, flag, prompt string) ([]byte, error) {
	if cmd.Flags().Changed(flag) {
		v, err := cmd.Flags().GetString(flag)
		if err != nil {
			return nil, err
		}
		return []byte(v), nil
	}
	if v := a.v.GetString(flag); v != "" {
		return []byte(v), nil
	}

	if a.in == nil {
		a.in = bufio.NewReader(cmd.InOrStdin())
	}
	fmt.Fprint(a.errOut, prompt)
	line, err := a.in.ReadString('\n')
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) && line != "":
	case errors.Is(err, io.EOF):
		return nil, errNoPassword
	default:
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

func zeroPassword(p []byte) {
	secret.Zero(p)
}
