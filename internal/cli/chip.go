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
	"github.com/spf13/cobra"
)

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show chip and keystore status",
		Long: `Show the detected chip model, its capabilities, the remaining monotonic
counter budget and the keystore state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dev, err := a.openDevice(ctx)
			if err != nil {
				return err
			}
			defer dev.Close()

			model, err := dev.chip.Model(ctx)
			if err != nil {
				return err
			}
			remaining, err := dev.chip.MonotonicIncrementsRemaining(ctx)
			if err != nil {
				return err
			}
			id, err := dev.memory.DeviceID()
			if err != nil {
				return err
			}
			seeded, err := dev.memory.IsSeeded()
			if err != nil {
				return err
			}
			attempts, err := dev.memory.UnlockAttempts()
			if err != nil {
				return err
			}

			caps := dev.chip.Capabilities()
			return a.printer().PrintChipInfo(&ChipInfo{
				Model:             model.String(),
				DeviceID:          id.String(),
				HardwareCounter:   caps.HardwareCounter,
				BudgetOnReset:     caps.ResetReinitializesBudget,
				U2FCounterSet:     caps.U2FCounterSet,
				Limiter:           dev.chip.LimiterState().String(),
				Remaining:         remaining,
				Initialized:       seeded,
				UnlockAttempts:    attempts,
				MaxUnlockAttempts: dev.keystore.MaxUnlockAttempts(),
			})
		},
	}
}

func newRotateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the roll key and reseal the seed",
		Long: `Unlock with the current password, replace the chip roll key and reseal the
seed. Sealed data from before the rotation can no longer be opened.`,
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

			if err := dev.keystore.Rotate(ctx, password); err != nil {
				return err
			}
			return a.printer().PrintSuccess("Roll key rotated")
		},
	}
	cmd.Flags().String("password", "", "current password (default: $SECURECHIP_PASSWORD or stdin)")
	return cmd
}

func newResetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe the sealed seed and reset the chip keys",
		Long: `Reset replaces the chip roll key and erases the sealed seed and the unlock
attempt counter. It cannot be undone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if force, _ := cmd.Flags().GetBool("force"); !force {
				return errForceRequired
			}

			dev, err := a.openDevice(ctx)
			if err != nil {
				return err
			}
			defer dev.Close()

			if err := dev.keystore.Reset(ctx); err != nil {
				return err
			}
			return a.printer().PrintSuccess("Device reset")
		},
	}
	cmd.Flags().Bool("force", false, "confirm the reset")
	return cmd
}
