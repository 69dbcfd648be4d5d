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

package secret

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_FromBytes(t *testing.T) {
	t.Run("ValidLength", func(t *testing.T) {
		raw := bytes.Repeat([]byte{0xAB}, Size)
		k, err := FromBytes(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, k.Bytes())
		assert.False(t, k.IsZero())
	})

	t.Run("InvalidLength", func(t *testing.T) {
		_, err := FromBytes(make([]byte, Size-1))
		assert.ErrorIs(t, err, ErrInvalidLength)
	})
}

func TestKey_Destroy(t *testing.T) {
	k, err := FromBytes(bytes.Repeat([]byte{0x01}, Size))
	require.NoError(t, err)

	k.Destroy()

	assert.True(t, k.IsZero())
	assert.Nil(t, k.Bytes(), "destroyed key releases its memory")
	assert.ErrorIs(t, k.Set(make([]byte, Size)), ErrDestroyed)
	assert.False(t, k.Equal(k))

	// Idempotent, and nil-safe.
	k.Destroy()
	var nilKey *Key
	nilKey.Destroy()
	assert.Nil(t, nilKey.Bytes())
}

func TestKey_Set(t *testing.T) {
	k := New()
	defer k.Destroy()

	assert.True(t, k.IsZero())
	require.NoError(t, k.Set(bytes.Repeat([]byte{0x07}, Size)))
	assert.Equal(t, bytes.Repeat([]byte{0x07}, Size), k.Bytes())
	assert.ErrorIs(t, k.Set([]byte{1}), ErrInvalidLength)
}

func TestKey_Equal(t *testing.T) {
	a, _ := FromBytes(bytes.Repeat([]byte{0x05}, Size))
	b, _ := FromBytes(bytes.Repeat([]byte{0x05}, Size))
	c, _ := FromBytes(bytes.Repeat([]byte{0x06}, Size))

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
}

func TestKey_NeverPrinted(t *testing.T) {
	k, _ := FromBytes(bytes.Repeat([]byte{0xEE}, Size))

	for _, verb := range []string{"%v", "%s", "%x", "%X", "%+v", "%#v"} {
		out := fmt.Sprintf(verb, k)
		assert.Equal(t, "[REDACTED]", out, verb)
	}

	err := fmt.Errorf("failed with key %v", k)
	assert.NotContains(t, err.Error(), "ee")

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("derived", "key", k)
	assert.Contains(t, buf.String(), "[REDACTED]")
	assert.NotContains(t, buf.String(), "eeee")
}

func TestBuffer_TruncateAndDestroy(t *testing.T) {
	buf := BufferFrom([]byte("sixteen byte pad"))
	buf.Truncate(7)
	assert.Equal(t, []byte("sixteen"), buf.Bytes())
	assert.Equal(t, 7, buf.Len())
	assert.False(t, buf.IsZero())

	buf.Truncate(10)
	assert.Equal(t, 7, buf.Len(), "truncate never grows")

	buf.Destroy()
	assert.True(t, buf.IsZero())
	assert.Nil(t, buf.Bytes())
	assert.Zero(t, buf.Len())
	buf.Destroy()
}

func TestBuffer_Empty(t *testing.T) {
	buf := NewBuffer(0)
	assert.Zero(t, buf.Len())
	assert.Empty(t, buf.Bytes())
	assert.True(t, buf.IsZero())
	buf.Destroy()
}

func TestTracker(t *testing.T) {
	tr := StartTracking()
	defer tr.Stop()

	a := New()
	b := NewBuffer(4)
	require.NoError(t, a.Set(bytes.Repeat([]byte{1}, Size)))
	copy(b.Bytes(), []byte{1, 2, 3, 4})

	assert.Equal(t, 2, tr.Count())
	assert.Equal(t, 2, tr.Live())
	assert.Equal(t, 1, tr.Live(a))

	a.Destroy()
	b.Destroy()
	assert.Zero(t, tr.Live())

	tr.Stop()
	_ = New()
	assert.Equal(t, 2, tr.Count(), "allocations after Stop are not recorded")
}

func TestZero(t *testing.T) {
	a := []byte{1, 2, 3}
	b := []byte{4, 5}
	ZeroAll(a, b, nil)
	assert.Equal(t, []byte{0, 0, 0}, a)
	assert.Equal(t, []byte{0, 0}, b)
}
