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
	"strconv"

	"github.com/spf13/cobra"
)

func newU2FCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "u2f",
		Short: "Manage the U2F counter",
	}
	cmd.AddCommand(newU2FSetCmd(a), newU2FIncCmd(a))
	return cmd
}

func newU2FSetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set <value>",
		Short: "Set the U2F counter",
		Long:  `Set the U2F counter. Chips without settable counters (TPM2) reject this.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			value, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return err
			}

			dev, err := a.openDevice(ctx)
			if err != nil {
				return err
			}
			defer dev.Close()

			if err := dev.chip.U2FCounterSet(ctx, uint32(value)); err != nil {
				return err
			}
			return a.printer().PrintU2FCounter(uint32(value))
		},
	}
}

func newU2FIncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inc",
		Short: "Increment the U2F counter and print the new value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dev, err := a.openDevice(ctx)
			if err != nil {
				return err
			}
			defer dev.Close()

			value, err := dev.chip.U2FCounterInc(ctx)
			if err != nil {
				return err
			}
			return a.printer().PrintU2FCounter(value)
		},
	}
}
