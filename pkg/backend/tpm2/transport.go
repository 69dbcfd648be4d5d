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
	"fmt"
	"os"

	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/tcp"
)

// openTransport opens the TPM the configuration points at. The returned
// bool reports whether the driver owns the connection.
func openTransport(cfg *Config) (transport.TPMCloser, bool, error) {
	if cfg.Transport != nil {
		return cfg.Transport, false, nil
	}

	if cfg.UseSimulator {
		// SWTPM requires both command and platform (ctrl) ports
		cmdAddr := fmt.Sprintf("%s:%d", cfg.SimulatorHost, cfg.SimulatorPort)
		platAddr := fmt.Sprintf("%s:%d", cfg.SimulatorHost, cfg.SimulatorPort+1)
		tcpTPM, err := tcp.Open(tcp.Config{
			CommandAddress:  cmdAddr,
			PlatformAddress: platAddr,
		})
		if err != nil {
			return nil, false, fmt.Errorf("%w: simulator at %s: %v", ErrTPMNotAvailable, cmdAddr, err)
		}
		return tcpTPM, true, nil
	}

	if _, err := os.Stat(cfg.Device); err != nil {
		return nil, false, fmt.Errorf("%w: device %s: %v", ErrTPMNotAvailable, cfg.Device, err)
	}
	tpm, err := transport.OpenTPM(cfg.Device)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrTPMNotAvailable, err)
	}
	return tpm, true, nil
}
