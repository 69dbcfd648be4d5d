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

package emulated

// Op names a driver operation for fault injection.
type Op string

const (
	OpSetup                Op = "setup"
	OpKDF                  Op = "kdf"
	OpResetRollKey         Op = "reset_rollkey"
	OpCounterIncrement     Op = "counter_increment"
	OpCounterRemaining     Op = "counter_remaining"
	OpGenAttestation       Op = "gen_attestation"
	OpAttestationPublicKey Op = "attestation_public_key"
	OpAttestationSign      Op = "attestation_sign"
	OpRandom               Op = "random"
	OpModel                Op = "model"
	OpU2FSet               Op = "u2f_set"
	OpU2FInc               Op = "u2f_inc"
)

// InjectFault makes the next count calls to op fail with
// securechip.ErrChipIO. A negative count fails every call until
// ClearFaults.
func (d *Driver) InjectFault(op Op, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = count
}

// ClearFaults removes every injected fault.
func (d *Driver) ClearFaults() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = make(map[Op]int)
}

// CounterValue returns the raw lifetime counter, for tests that check
// monotonicity directly.
func (d *Driver) CounterValue() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.st == nil {
		return 0
	}
	return d.st.Counter
}
