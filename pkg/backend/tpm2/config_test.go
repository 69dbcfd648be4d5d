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
	"testing"

	"github.com/jeremyhahn/go-securechip/pkg/securechip"
	"github.com/jeremyhahn/go-securechip/pkg/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := &Config{Storage: memory.New()}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultDevice, cfg.Device)
	assert.Equal(t, DefaultSimulatorHost, cfg.SimulatorHost)
	assert.Equal(t, DefaultSimulatorPort, cfg.SimulatorPort)
	assert.Equal(t, DefaultCounterIndex, cfg.CounterIndex)
	assert.Equal(t, DefaultU2FCounterIndex, cfg.U2FCounterIndex)
	assert.Equal(t, uint32(securechip.CounterLimit), cfg.CounterBudget)
	assert.Equal(t, DefaultStateKey, cfg.StateKey)
	assert.NotNil(t, cfg.Logger)
}

func TestConfig_SimulatorKeepsDeviceEmpty(t *testing.T) {
	cfg := &Config{Storage: memory.New(), UseSimulator: true}
	require.NoError(t, cfg.Validate())
	assert.Empty(t, cfg.Device)
}

func TestConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no storage", Config{}},
		{"port out of range", Config{Storage: memory.New(), SimulatorPort: 65535}},
		{"counter index outside NV range", Config{Storage: memory.New(), CounterIndex: 0x81000001}},
		{"u2f index outside NV range", Config{Storage: memory.New(), U2FCounterIndex: 0x00000001}},
		{"shared index", Config{Storage: memory.New(), CounterIndex: 0x01500200, U2FCounterIndex: 0x01500200}},
		{"budget above limit", Config{Storage: memory.New(), CounterBudget: securechip.CounterLimit + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestOpen(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := Open(nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("missing device", func(t *testing.T) {
		_, err := Open(&Config{Storage: memory.New(), Device: "/nonexistent/tpm0"})
		assert.ErrorIs(t, err, ErrTPMNotAvailable)
	})
}

func TestRemaining(t *testing.T) {
	tests := []struct {
		name     string
		value    uint64
		baseline uint64
		budget   uint32
		want     uint32
	}{
		{"fresh", 100, 100, 10, 10},
		{"partly used", 104, 100, 10, 6},
		{"last one", 109, 100, 10, 1},
		{"spent", 110, 100, 10, 0},
		{"overspent", 500, 100, 10, 0},
		{"counter behind baseline", 99, 100, 10, 0},
		{"full lifetime budget", 1 << 40, 1 << 40, securechip.CounterLimit, securechip.CounterLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, remaining(tt.value, tt.baseline, tt.budget))
		})
	}
}

func TestPutCoord(t *testing.T) {
	dst := make([]byte, coordSize)
	require.NoError(t, putCoord(dst, []byte{0x01, 0x02}))
	assert.Equal(t, byte(0x01), dst[coordSize-2])
	assert.Equal(t, byte(0x02), dst[coordSize-1])
	assert.Equal(t, make([]byte, coordSize-2), dst[:coordSize-2])

	assert.ErrorIs(t, putCoord(dst, make([]byte, coordSize+1)), securechip.ErrChipIO)
}

func TestStateValidate(t *testing.T) {
	valid := func() *tpmState {
		return &tpmState{
			KDFNonce:  make([]byte, nonceSize),
			RollNonce: make([]byte, nonceSize),
			Budget:    10,
		}
	}
	require.NoError(t, valid().validate())

	st := valid()
	st.KDFNonce = st.KDFNonce[:16]
	assert.ErrorIs(t, st.validate(), ErrCorruptState)

	st = valid()
	st.AttestationNonce = []byte{1}
	assert.ErrorIs(t, st.validate(), ErrCorruptState)

	st = valid()
	st.Budget = 0
	assert.ErrorIs(t, st.validate(), ErrCorruptState)
}
