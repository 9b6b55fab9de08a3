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

// Package arena implements C3: a fixed-capacity array of fixed-size nodes
// with a free list, addressed by index rather than pointer so that the
// backing storage can live in a shared-memory region (spec.md §9, "Arena +
// indices replace pointer graphs").
//
// Node fields are encoded directly into the region's byte slice so the tree
// is position-independent across attaches; per-node synchronization is a
// parallel in-process array of reader-writer locks (the engine serves one
// mount from one process, so locks themselves never need to cross process
// boundaries, only the data they guard does).
package arena

import (
	"encoding/binary"
	"sync"
)

// Invalid is the sentinel arena index used for free nodes, the root's
// parent, and unused children slots.
const Invalid uint32 = 1<<32 - 1

// MaxChildren is the fan-out of the N-ary tree (spec.md §3.1).
const MaxChildren = 16

// NodeSize is the on-disk/in-region footprint of one node record. A cache
// line (64B) holds the metadata fields; the remainder rounds up to a power
// of two for alignment, matching the "128 acceptable" allowance in spec.md
// §3.1 now that children[16] no longer fits in 64 bytes of uint32 indices.
const NodeSize = 128

const (
	fInode       = 0
	fParentIndex = 4
	fNameOffset  = 8
	fMode        = 12
	fSize        = 16 // int64, 8 bytes
	fMtime       = 24 // int64, 8 bytes
	fNumChildren = 32
	fChildren    = 36 // MaxChildren * 4 bytes = 64
)

// Mode bits, enough to reconstruct the bridge's stat structure.
const (
	ModeTypeMask = 0xF000
	ModeDir      = 0x4000
	ModeRegular  = 0x8000
)

// Node is the decoded, in-memory view of one arena record.
type Node struct {
	Inode       uint32
	ParentIndex uint32
	NameOffset  uint32
	Mode        uint32
	Size        int64
	Mtime       int64
	NumChildren uint32
	Children    [MaxChildren]uint32
}

// IsDir reports whether the node's mode marks it as a directory.
func (n Node) IsDir() bool { return n.Mode&ModeTypeMask == ModeDir }

// IsFree reports whether the node is on the free list (invariant 5: free
// nodes have inode == 0).
func (n Node) IsFree() bool { return n.Inode == 0 }

// Arena is a fixed-capacity, index-addressed node store with a free list.
// Allocation (Alloc/Free) is serialized by a short critical section separate
// from the per-node locks, so growth never contends with lookups holding a
// node's read lock (spec.md §4.3).
type Arena struct {
	mu       sync.Mutex // guards used, freeHead and the free-list links only
	data     []byte     // len == capacity*NodeSize
	locks    []sync.RWMutex
	capacity uint32
	used     uint32 // high-water mark of ever-allocated slots
	freeHead uint32 // Invalid if the free list is empty
}

// New wraps a backing slice (ordinarily region.NodeArenaBytes) as an Arena
// of the given capacity, all slots initially free.
func New(backing []byte, capacity uint32) *Arena {
	a := &Arena{
		data:     backing,
		locks:    make([]sync.RWMutex, capacity),
		capacity: capacity,
		used:     0,
		freeHead: Invalid,
	}
	return a
}

// Attach wraps an existing backing slice that already has `used` slots
// populated (some free, some live) and a free-list head, as recorded in the
// persistent region header.
func Attach(backing []byte, capacity, used, freeHead uint32) *Arena {
	return &Arena{
		data:     backing,
		locks:    make([]sync.RWMutex, capacity),
		capacity: capacity,
		used:     used,
		freeHead: freeHead,
	}
}

// Capacity returns the total number of node slots.
func (a *Arena) Capacity() uint32 { return a.capacity }

// Used returns the high-water mark of allocated slots (not the count of
// currently-live nodes).
func (a *Arena) Used() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// FreeHead returns the current free-list head, for persisting in the region
// header.
func (a *Arena) FreeHead() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeHead
}

func (a *Arena) slot(idx uint32) []byte {
	off := uint64(idx) * NodeSize
	return a.data[off : off+NodeSize]
}

// Get decodes the node at idx. The caller is responsible for holding at
// least a read lock via RLock(idx) first, per the locking discipline in
// spec.md §4.4.
func (a *Arena) Get(idx uint32) Node {
	b := a.slot(idx)
	var n Node
	n.Inode = binary.LittleEndian.Uint32(b[fInode:])
	n.ParentIndex = binary.LittleEndian.Uint32(b[fParentIndex:])
	n.NameOffset = binary.LittleEndian.Uint32(b[fNameOffset:])
	n.Mode = binary.LittleEndian.Uint32(b[fMode:])
	n.Size = int64(binary.LittleEndian.Uint64(b[fSize:]))
	n.Mtime = int64(binary.LittleEndian.Uint64(b[fMtime:]))
	n.NumChildren = binary.LittleEndian.Uint32(b[fNumChildren:])
	for i := 0; i < MaxChildren; i++ {
		n.Children[i] = binary.LittleEndian.Uint32(b[fChildren+i*4:])
	}
	return n
}

// Put encodes n into slot idx. The caller must hold idx's write lock.
func (a *Arena) Put(idx uint32, n Node) {
	b := a.slot(idx)
	binary.LittleEndian.PutUint32(b[fInode:], n.Inode)
	binary.LittleEndian.PutUint32(b[fParentIndex:], n.ParentIndex)
	binary.LittleEndian.PutUint32(b[fNameOffset:], n.NameOffset)
	binary.LittleEndian.PutUint32(b[fMode:], n.Mode)
	binary.LittleEndian.PutUint64(b[fSize:], uint64(n.Size))
	binary.LittleEndian.PutUint64(b[fMtime:], uint64(n.Mtime))
	binary.LittleEndian.PutUint32(b[fNumChildren:], n.NumChildren)
	for i := 0; i < MaxChildren; i++ {
		binary.LittleEndian.PutUint32(b[fChildren+i*4:], n.Children[i])
	}
}

// RLock acquires idx's reader-writer lock for reading.
func (a *Arena) RLock(idx uint32) { a.locks[idx].RLock() }

// RUnlock releases idx's read lock.
func (a *Arena) RUnlock(idx uint32) { a.locks[idx].RUnlock() }

// Lock acquires idx's reader-writer lock exclusively. Go's sync.RWMutex is
// writer-preferring (a blocked Lock call prevents further RLock callers from
// jumping the queue), matching the writer-preference spec.md §4.3 requires
// to avoid starving insert/delete under read-heavy load.
func (a *Arena) Lock(idx uint32) { a.locks[idx].Lock() }

// Unlock releases idx's write lock.
func (a *Arena) Unlock(idx uint32) { a.locks[idx].Unlock() }

// Alloc pops a node index from the free list if one exists, else bumps the
// high-water mark. It returns (Invalid, false) if the arena is full. The
// returned slot is not cleared: a slot taken from the free list still holds
// the fields of its previous occupant (apart from the inode zeroed by Free),
// so callers overwrite the whole node with Put. No other goroutine can yet
// reference this index, so that first Put needs no lock.
func (a *Arena) Alloc() (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.freeHead != Invalid {
		idx := a.freeHead
		// The free list is threaded through ParentIndex of free nodes.
		next := binary.LittleEndian.Uint32(a.slot(idx)[fParentIndex:])
		a.freeHead = next
		return idx, true
	}

	if a.used >= a.capacity {
		return Invalid, false
	}
	idx := a.used
	a.used++
	return idx, true
}

// Free returns idx to the free list. The caller must already hold (and will
// release) idx's write lock per the delete locking discipline in spec.md
// §4.4; Free itself only needs the allocator lock.
func (a *Arena) Free(idx uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.slot(idx)
	binary.LittleEndian.PutUint32(b[fInode:], 0)
	binary.LittleEndian.PutUint32(b[fParentIndex:], a.freeHead)
	a.freeHead = idx
}

// ResetAfterRebalance installs newUsed as the high-water mark and discards
// the old free list, for use only by the rebalance procedure (spec.md
// §4.4 step 4, "rebuild the free list; reset mutation counter"): after a
// breadth-first permutation, every live node occupies [0, newUsed) densely,
// so the simplest correct free list is empty, with bump allocation resuming
// at newUsed. The caller must hold the tree-wide rebalance lock; no
// per-node lock is taken here because by construction nothing else can be
// referencing arena state during a rebalance.
func (a *Arena) ResetAfterRebalance(newUsed uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for idx := newUsed; idx < a.used; idx++ {
		b := a.slot(idx)
		for i := range b {
			b[i] = 0
		}
	}
	a.used = newUsed
	a.freeHead = Invalid
}
