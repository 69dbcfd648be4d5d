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
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-securechip/pkg/securechip"
)

// app carries the state shared by every command of one invocation.
type app struct {
	v      *viper.Viper
	out    io.Writer
	errOut io.Writer
	in     *bufio.Reader

	// halt overrides the boot failure handler. Nil halts through the
	// logger, which exits the process.
	halt securechip.Halt
}

// NewRootCommand builds the securechip command tree.
func NewRootCommand() *cobra.Command {
	return newRootCmd(&app{v: viper.New()})
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "securechip",
		Short: "securechip - Secure chip key derivation and password stretching",
		Long: `securechip drives the device secure chip: it stretches passwords through
the chip's rate limited key derivation, seals the device seed, manages the
attestation key and the U2F counter.

Supported chip drivers:
  - auto:     probe tpm2, then pkcs11, then fall back to emulated
  - emulated: in-process ATECC608A/B or Optiga Trust M emulation
  - tpm2:     TPM 2.0 device or simulator
  - pkcs11:   PKCS#11 token`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.out = cmd.OutOrStdout()
			a.errOut = cmd.ErrOrStderr()
		},
	}

	// Persistent flags (available to all commands)
	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (default: built-in defaults)")
	flags.String("driver", "", "chip driver (auto, emulated, tpm2, pkcs11)")
	flags.String("data-dir", "", "directory for flash-resident state")
	flags.StringP("output", "o", "text", "output format (text, json)")
	flags.BoolP("verbose", "v", false, "verbose output")

	// Flags fall back to SECURECHIP_<FLAG> environment variables
	_ = a.v.BindPFlags(flags)
	a.v.SetEnvPrefix("SECURECHIP")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	cmd.AddCommand(
		newVersionCmd(a),
		newInfoCmd(a),
		newPasswordCmd(a),
		newRotateCmd(a),
		newResetCmd(a),
		newAttestationCmd(a),
		newU2FCmd(a),
	)
	return cmd
}

func (a *app) printer() *Printer {
	return NewPrinter(a.v.GetString("output"), a.out)
}

// printVerbose prints a message if verbose mode is enabled
func (a *app) printVerbose(format string, args ...interface{}) {
	if a.v.GetBool("verbose") {
		fmt.Fprintf(a.errOut, "[VERBOSE] "+format+"\n", args...)
	}
}
