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
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/go-tpm/tpm2"

	"github.com/jeremyhahn/go-securechip/pkg/logging"
	"github.com/jeremyhahn/go-securechip/pkg/securechip"
)

const counterSize = 8

// ensureCounter defines idx as an NV counter unless it already exists. A
// fresh counter index is unreadable until written once, so it is
// incremented right after definition.
func (d *Driver) ensureCounter(idx uint32) error {
	pub, err := tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(idx)}.Execute(d.tpm)
	if err == nil {
		contents, err := pub.NVPublic.Contents()
		if err != nil {
			return chipError("nv read public", err)
		}
		if contents.Attributes.NT != tpm2.TPMNTCounter {
			return fmt.Errorf("%w: NV index 0x%08x is not a counter", securechip.ErrInvalidArgument, idx)
		}
		if !contents.Attributes.Written {
			return d.incrementCounter(idx)
		}
		return nil
	}

	def := tpm2.NVDefineSpace{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHOwner,
			Auth:   tpm2.PasswordAuth([]byte(d.cfg.OwnerAuth)),
		},
		PublicInfo: tpm2.New2B(
			tpm2.TPMSNVPublic{
				NVIndex: tpm2.TPMHandle(idx),
				NameAlg: tpm2.TPMAlgSHA256,
				Attributes: tpm2.TPMANV{
					AuthRead:   true,
					AuthWrite:  true,
					NT:         tpm2.TPMNTCounter,
					NoDA:       true,
					OwnerRead:  true,
					OwnerWrite: true,
				},
				DataSize: counterSize,
			}),
	}
	if _, err := def.Execute(d.tpm); err != nil {
		return chipError("nv define space", err)
	}
	d.log.Info("tpm2: NV counter defined", logging.String("index", fmt.Sprintf("0x%08x", idx)))
	return d.incrementCounter(idx)
}

// nvName reads the current name of idx. The name changes once the index is
// written, so it is never cached.
func (d *Driver) nvName(idx uint32) (tpm2.TPM2BName, error) {
	pub, err := tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(idx)}.Execute(d.tpm)
	if err != nil {
		return tpm2.TPM2BName{}, chipError("nv read public", err)
	}
	return pub.NVName, nil
}

func (d *Driver) incrementCounter(idx uint32) error {
	name, err := d.nvName(idx)
	if err != nil {
		return err
	}
	_, err = tpm2.NVIncrement{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(idx),
			Name:   name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		NVIndex: tpm2.NamedHandle{
			Handle: tpm2.TPMHandle(idx),
			Name:   name,
		},
	}.Execute(d.tpm)
	if err != nil {
		return chipError("nv increment", err)
	}
	return nil
}

func (d *Driver) readCounter(idx uint32) (uint64, error) {
	name, err := d.nvName(idx)
	if err != nil {
		return 0, err
	}
	rsp, err := tpm2.NVRead{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(idx),
			Name:   name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		NVIndex: tpm2.NamedHandle{
			Handle: tpm2.TPMHandle(idx),
			Name:   name,
		},
		Size: counterSize,
	}.Execute(d.tpm)
	if err != nil {
		return 0, chipError("nv read", err)
	}
	if len(rsp.Data.Buffer) != counterSize {
		return 0, fmt.Errorf("%w: counter length %d", securechip.ErrChipIO, len(rsp.Data.Buffer))
	}
	return binary.BigEndian.Uint64(rsp.Data.Buffer), nil
}

// remaining returns budget minus the increments consumed since baseline.
func remaining(value, baseline uint64, budget uint32) uint32 {
	if value < baseline {
		// The index was redefined under us; treat the budget as spent.
		return 0
	}
	used := value - baseline
	if used >= uint64(budget) {
		return 0
	}
	return budget - uint32(used)
}

// U2FCounterSet is not supported: an NV counter only moves forward.
func (d *Driver) U2FCounterSet(ctx context.Context, value uint32) error {
	return fmt.Errorf("%w: tpm2 NV counters cannot be set", securechip.ErrNotSupported)
}

// U2FCounterInc increments the U2F NV counter and returns the new value.
func (d *Driver) U2FCounterInc(ctx context.Context) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
		return 0, err
	}
	value, err := d.readCounter(d.cfg.U2FCounterIndex)
	if err != nil {
		return 0, err
	}
	if value >= math.MaxUint32 {
		return 0, securechip.ErrCounterExhausted
	}
	if err := d.incrementCounter(d.cfg.U2FCounterIndex); err != nil {
		return 0, err
	}
	value, err = d.readCounter(d.cfg.U2FCounterIndex)
	if err != nil {
		return 0, err
	}
	if value > math.MaxUint32 {
		return 0, securechip.ErrCounterExhausted
	}
	return uint32(value), nil
}
