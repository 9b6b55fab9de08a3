// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stringtable implements C1: an interned, append-only byte arena
// for filenames, backed by a caller-supplied slice (ordinarily a view onto
// the persistent region managed by internal/region).
package stringtable

import (
	"sync"
)

// Invalid is returned for offsets that could not be produced by Intern, and
// as the sentinel empty-offset in the node arena.
const Invalid uint32 = 1<<32 - 1

// Header mirrors the on-disk {capacity, used} pair from spec.md §3.2. It is
// meant to be carved out of the persistent region so Used can be read back
// on attach.
type Header struct {
	Capacity uint32
	Used     uint32
}

// Table is an interned, append-only string arena. The zero value is not
// usable; construct with New or Attach.
//
// The byte arena itself (data[0:used], NUL-separated entries) is supplied by
// the caller so it can live inside a shared-memory region; the lookup index
// is in-memory only and is rebuilt by Attach.
type Table struct {
	mu    sync.RWMutex
	data  []byte // len(data) == capacity
	used  uint32
	index map[string]uint32 // string value -> offset, rebuilt on attach
}

// New creates a Table over a freshly zeroed backing slice of the given
// capacity. Used entries start at zero.
func New(backing []byte) *Table {
	return &Table{
		data:  backing,
		used:  0,
		index: make(map[string]uint32),
	}
}

// Attach rebuilds a Table's in-memory index by a single linear scan over an
// existing backing slice with `used` valid bytes already populated (as
// spec.md §4.1 requires on attach to an existing region).
func Attach(backing []byte, used uint32) *Table {
	t := &Table{
		data:  backing,
		used:  used,
		index: make(map[string]uint32),
	}
	var off uint32
	for off < used {
		end := off
		for end < used && backing[end] != 0 {
			end++
		}
		if end >= used {
			break // trailing non-NUL-terminated garbage; stop indexing
		}
		t.index[string(backing[off:end])] = off
		off = end + 1
	}
	return t
}

// Capacity returns the total byte capacity of the backing arena.
func (t *Table) Capacity() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint32(len(t.data))
}

// Used returns the number of bytes currently occupied.
func (t *Table) Used() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.used
}

// Intern returns the offset of s within the arena, appending s+NUL if it is
// not already present. It returns Invalid if there is insufficient capacity.
func (t *Table) Intern(s string) uint32 {
	if off, ok := t.lookupFast(s); ok {
		return off
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Re-check under the write lock: another writer may have interned s
	// between our read-locked lookup and this point.
	if off, ok := t.index[s]; ok {
		return off
	}

	need := uint32(len(s)) + 1
	if t.used+need > uint32(len(t.data)) {
		return Invalid
	}

	off := t.used
	copy(t.data[off:], s)
	t.data[off+uint32(len(s))] = 0
	t.used += need
	t.index[s] = off
	return off
}

func (t *Table) lookupFast(s string) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	off, ok := t.index[s]
	return off, ok
}

// Get returns the NUL-terminated string stored at offset, or ("", false) if
// offset is out of range or the arena is corrupt at that boundary (no NUL
// found before the end of the used region).
func (t *Table) Get(offset uint32) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if offset == Invalid || offset >= t.used {
		return "", false
	}
	end := offset
	for end < t.used && t.data[end] != 0 {
		end++
	}
	if end >= t.used {
		return "", false // corruption: no terminator within live region
	}
	return string(t.data[offset:end]), true
}
