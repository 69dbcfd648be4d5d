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
	"sync"
	"sync/atomic"
)

// Tracker records every Key and Buffer allocated while it is active so tests
// can assert that all of them were zeroized once an operation returned.
// Only one tracker can be active at a time; it is meant for test code.
type Tracker struct {
	mu      sync.Mutex
	keys    []*Key
	buffers []*Buffer
}

var active atomic.Pointer[Tracker]

// StartTracking activates a new tracker, replacing any previous one.
func StartTracking() *Tracker {
	t := &Tracker{}
	active.Store(t)
	return t
}

// Stop deactivates the tracker. Allocations made afterwards are not recorded.
func (t *Tracker) Stop() {
	active.CompareAndSwap(t, nil)
}

// Reset forgets everything recorded so far.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys = nil
	t.buffers = nil
}

// Count returns the number of keys and buffers recorded.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.keys) + len(t.buffers)
}

// Live returns how many recorded keys and buffers still hold non-zero bytes.
// Values the caller intentionally keeps (an output key it has not destroyed
// yet) are counted too, so pass those as except.
func (t *Tracker) Live(except ...any) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	skip := make(map[any]struct{}, len(except))
	for _, e := range except {
		skip[e] = struct{}{}
	}

	live := 0
	for _, k := range t.keys {
		if _, ok := skip[k]; ok {
			continue
		}
		if !k.IsZero() {
			live++
		}
	}
	for _, b := range t.buffers {
		if _, ok := skip[b]; ok {
			continue
		}
		if !b.IsZero() {
			live++
		}
	}
	return live
}

func track(k *Key) {
	if t := active.Load(); t != nil {
		t.mu.Lock()
		t.keys = append(t.keys, k)
		t.mu.Unlock()
	}
}

func trackBuffer(b *Buffer) {
	if t := active.Load(); t != nil {
		t.mu.Lock()
		t.buffers = append(t.buffers, b)
		t.mu.Unlock()
	}
}
