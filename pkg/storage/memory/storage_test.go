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

package memory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/jeremyhahn/go-securechip/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value []byte
	}{
		{"simple key-value", "test-key", []byte("test-value")},
		{"empty value", "empty", []byte{}},
		{"binary data", "binary", []byte{0x00, 0x01, 0x02, 0xFF}},
		{"key with slashes", "memory/keys/auth", []byte("value-with-path")},
	}

	store := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, store.Put(tt.key, tt.value, nil))
			got, err := store.Get(tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.value, got)
		})
	}
}

func TestPut_EmptyKey(t *testing.T) {
	assert.ErrorIs(t, New().Put("", []byte("x"), nil), storage.ErrInvalidKey)
}

func TestCopies(t *testing.T) {
	store := New()
	value := []byte("original")
	require.NoError(t, store.Put("k", value, nil))

	value[0] = 'X'
	got, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got, "stored value must not alias the input")

	got[0] = 'Y'
	again, _ := store.Get("k")
	assert.Equal(t, []byte("original"), again, "returned value must not alias storage")
}

func TestOverwriteZeroizesOldValue(t *testing.T) {
	s := New().(*Storage)
	require.NoError(t, s.Put("k", []byte{1, 2, 3}, nil))
	old := s.data["k"]

	require.NoError(t, s.Put("k", []byte{4}, nil))
	assert.Equal(t, []byte{0, 0, 0}, old)
}

func TestDelete(t *testing.T) {
	s := New().(*Storage)
	require.NoError(t, s.Put("k", []byte{9, 9}, nil))
	old := s.data["k"]

	require.NoError(t, s.Delete("k"))
	assert.Equal(t, []byte{0, 0}, old)

	_, err := s.Get("k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.Delete("k"), storage.ErrNotFound)
}

func TestListAndDeletePrefix(t *testing.T) {
	store := New()
	for _, k := range []string{"memory/b", "memory/a", "chip/state", "seed"} {
		require.NoError(t, store.Put(k, []byte(k), nil))
	}

	keys, err := store.List("memory/")
	require.NoError(t, err)
	assert.Equal(t, []string{"memory/a", "memory/b"}, keys)

	require.NoError(t, storage.DeletePrefix(store, "memory/"))
	all, err := store.List("")
	require.NoError(t, err)
	assert.Equal(t, []string{"chip/state", "seed"}, all)
}

func TestExists(t *testing.T) {
	store := New()
	ok, err := store.Exists("k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put("k", nil, nil))
	ok, err = store.Exists("k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClose(t *testing.T) {
	store := New()
	require.NoError(t, store.Put("k", []byte("v"), nil))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "close is idempotent")

	_, err := store.Get("k")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, store.Put("k", nil, nil), storage.ErrClosed)
	assert.ErrorIs(t, store.Delete("k"), storage.ErrClosed)
	_, err = store.List("")
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = store.Exists("k")
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestConcurrentAccess(t *testing.T) {
	store := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			assert.NoError(t, store.Put(key, []byte(key), nil))
			_, err := store.Get(key)
			assert.NoError(t, err)
			_, err = store.List("")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	keys, err := store.List("")
	require.NoError(t, err)
	assert.Len(t, keys, 20)
}
