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

// Package tree implements C4: the logical 16-way tree over the node arena.
// Locking discipline follows spec.md §4.4: ancestors are always locked
// before descendants, the arena allocator lock is acquired only from inside
// a node's write lock (never the reverse), and no caller descends holding a
// write lock unless prepared to hold it to the leaf.
package tree

import (
	"path"
	"strings"
	"sync"

	"github.com/jacobsa/timeutil"

	"github.com/razorfs/razorfs/internal/arena"
	"github.com/razorfs/razorfs/internal/raerr"
	"github.com/razorfs/razorfs/internal/stringtable"
)

// RootIndex is the fixed arena index of the root directory (spec.md §3.1,
// invariant 1).
const RootIndex uint32 = 0

// MaxPathDepth bounds path_lookup; one component deeper is InvalidArgument
// (spec.md §8.3).
const MaxPathDepth = 64

// MaxNameLength bounds a single path component.
const MaxNameLength = 255

// Tree is the 16-ary metadata tree. It owns no storage of its own; it
// coordinates an *arena.Arena and a *stringtable.Table under the locking
// discipline above.
type Tree struct {
	arena *arena.Arena
	names *stringtable.Table
	clock timeutil.Clock

	// rebalanceMu is the "global tree write lock" of spec.md §4.4: regular
	// operations hold it for reading (so many proceed concurrently);
	// Rebalance takes it exclusively so no operation observes the arena
	// mid-permutation.
	rebalanceMu sync.RWMutex

	// nextInode mints process-unique, never-reused-within-a-mount inode
	// numbers (spec.md §3.1). Guarded by inodeMu; separate from rebalanceMu
	// and the arena allocator lock since it is a pure counter.
	inodeMu   sync.Mutex
	nextInode uint32

	mutations         uint64 // guarded by mutationsMu
	mutationsMu       sync.Mutex
	rebalanceInterval uint64 // mutations between automatic rebalances; 0 disables

	// checkInvariants, when non-nil, runs after every Rebalance while still
	// holding rebalanceMu for writing. Wired up only in debug builds
	// (cfg.Debug.ExitOnInvariantViolation) via internal/fs.Mount.
	checkInvariants func(*Tree)

	// logMutex traces rebalanceMu acquisition at TRACE level when set
	// (cfg.Debug.LogMutex via internal/fs.Mount), for diagnosing rebalance
	// stalls under contention.
	logMutex bool
}

// New creates a Tree over a freshly zeroed arena/string table pair and
// initializes the root directory.
func New(a *arena.Arena, names *stringtable.Table, clock timeutil.Clock, rebalanceInterval uint64) *Tree {
	t := &Tree{arena: a, names: names, clock: clock, rebalanceInterval: rebalanceInterval, nextInode: 1}

	idx, ok := a.Alloc()
	if !ok || idx != RootIndex {
		panic("tree: arena did not hand out index 0 for a fresh root")
	}
	root := arena.Node{
		Inode:       t.mintInode(),
		ParentIndex: arena.Invalid,
		NameOffset:  stringtable.Invalid,
		Mode:        arena.ModeDir | 0o755,
		Mtime:       clock.Now().Unix(),
	}
	for i := range root.Children {
		root.Children[i] = arena.Invalid
	}
	a.Lock(RootIndex)
	a.Put(RootIndex, root)
	a.Unlock(RootIndex)

	return t
}

// Attach wraps an already-populated arena/string table pair (e.g. after
// recovery) without reinitializing the root.
func Attach(a *arena.Arena, names *stringtable.Table, clock timeutil.Clock, rebalanceInterval uint64, nextInode uint32) *Tree {
	return &Tree{arena: a, names: names, clock: clock, rebalanceInterval: rebalanceInterval, nextInode: nextInode}
}

func (t *Tree) mintInode() uint32 {
	t.inodeMu.Lock()
	defer t.inodeMu.Unlock()
	id := t.nextInode
	t.nextInode++
	return id
}

// NextInode reports the next inode number that would be minted, for
// persisting across checkpoints.
func (t *Tree) NextInode() uint32 {
	t.inodeMu.Lock()
	defer t.inodeMu.Unlock()
	return t.nextInode
}

// Root returns the fixed root index.
func (t *Tree) Root() uint32 { return RootIndex }

// Node returns a snapshot of the node at idx, read-locked.
func (t *Tree) Node(idx uint32) arena.Node {
	t.arena.RLock(idx)
	defer t.arena.RUnlock(idx)
	return t.arena.Get(idx)
}

func (t *Tree) nameOf(n arena.Node) (string, bool) {
	if n.NameOffset == stringtable.Invalid {
		return "", true // root has no name
	}
	return t.names.Get(n.NameOffset)
}

// FindChild returns the index of parent's child named name, or
// (arena.Invalid, false) if no such child exists. Read path per spec.md
// §4.4: acquire parent's read lock, scan children, release.
func (t *Tree) FindChild(parentIdx uint32, name string) (uint32, bool) {
	t.arena.RLock(parentIdx)
	defer t.arena.RUnlock(parentIdx)

	parent := t.arena.Get(parentIdx)
	for i := uint32(0); i < parent.NumChildren; i++ {
		childIdx := parent.Children[i]
		if childIdx == arena.Invalid {
			continue
		}
		childName, ok := t.childName(childIdx)
		if ok && childName == name {
			return childIdx, true
		}
	}
	return arena.Invalid, false
}

func (t *Tree) childName(idx uint32) (string, bool) {
	t.arena.RLock(idx)
	n := t.arena.Get(idx)
	t.arena.RUnlock(idx)
	return t.nameOf(n)
}

// FindByInode walks the live tree looking for the node carrying inode. It
// is used by internal/recovery, where replayed records identify their
// target by inode (stable across Rebalance) rather than by arena index, and
// by internal/fs to resolve the inode numbers the bridge hands it.
func (t *Tree) FindByInode(inode uint32) (uint32, bool) {
	var found uint32
	ok := false
	var walk func(idx uint32)
	walk = func(idx uint32) {
		if ok {
			return
		}
		n := t.Node(idx)
		if n.Inode == inode {
			found, ok = idx, true
			return
		}
		for i := uint32(0); i < n.NumChildren; i++ {
			c := n.Children[i]
			if c != arena.Invalid {
				walk(c)
			}
		}
	}
	walk(RootIndex)
	return found, ok
}

// Name returns idx's own name as seen from its parent. The root reports
// ("", true). Used by the dispatcher (readdir, path construction for
// lost+found diagnostics) which has no business reaching into the string
// table directly.
func (t *Tree) Name(idx uint32) (string, bool) {
	return t.childName(idx)
}

// Children returns the live child indices of idx under its read lock.
func (t *Tree) Children(idx uint32) []uint32 {
	t.arena.RLock(idx)
	defer t.arena.RUnlock(idx)
	n := t.arena.Get(idx)
	out := make([]uint32, 0, n.NumChildren)
	for i := uint32(0); i < n.NumChildren; i++ {
		if n.Children[i] != arena.Invalid {
			out = append(out, n.Children[i])
		}
	}
	return out
}

// AllIndices reports every currently-live arena index below capacity,
// determined by walking from the root. Used by recovery to find nodes
// unreachable from root (orphans) by comparing against Arena.Used().
func (t *Tree) AllIndices() map[uint32]bool {
	reach := make(map[uint32]bool)
	var walk func(idx uint32)
	walk = func(idx uint32) {
		if reach[idx] {
			return
		}
		reach[idx] = true
		for _, c := range t.Children(idx) {
			walk(c)
		}
	}
	walk(RootIndex)
	return reach
}

// Arena exposes the underlying arena for callers (internal/recovery) that
// need to distinguish a live, reachable node from a merely non-free one.
func (t *Tree) Arena() *arena.Arena { return t.arena }

// Strings exposes the underlying string table for callers (internal/fs's
// mount path) that need to persist its live occupancy into the region
// header alongside the arena's.
func (t *Tree) Strings() *stringtable.Table { return t.names }

// InternName interns name into the tree's shared string table, returning
// the offset a node's NameOffset field can be set to directly. Exposed for
// internal/recovery, which splices orphaned subtrees under lost+found by
// manipulating arena.Node fields directly rather than through Insert/Update
// (see reattachOrphans).
func (t *Tree) InternName(name string) (uint32, bool) {
	off := t.names.Intern(name)
	return off, off != stringtable.Invalid
}

// Insert allocates a child named name under parentIdx with the given mode.
// Locking: parent write lock, then (inside it) the arena allocator lock via
// Alloc, then the freshly-allocated child's own write lock — uncontended,
// since no other goroutine can yet reach this index (spec.md §4.4 "Insert").
func (t *Tree) Insert(parentIdx uint32, name string, mode uint32) (uint32, error) {
	const op = "tree.Insert"
	if len(name) == 0 || len(name) > MaxNameLength || strings.ContainsRune(name, 0) {
		return arena.Invalid, raerr.New(op, raerr.InvalidArgument)
	}

	t.rebalanceMu.RLock()
	defer t.rebalanceMu.RUnlock()

	t.arena.Lock(parentIdx)
	defer t.arena.Unlock(parentIdx)

	parent := t.arena.Get(parentIdx)
	if !parent.IsDir() {
		return arena.Invalid, raerr.New(op, raerr.NotDirectory)
	}
	if parent.NumChildren >= arena.MaxChildren {
		return arena.Invalid, raerr.New(op, raerr.NoSpace)
	}
	for i := uint32(0); i < parent.NumChildren; i++ {
		if existingName, ok := t.childName(parent.Children[i]); ok && existingName == name {
			return arena.Invalid, raerr.New(op, raerr.Exists)
		}
	}

	nameOff := t.names.Intern(name)
	if nameOff == stringtable.Invalid {
		return arena.Invalid, raerr.New(op, raerr.NoSpace)
	}

	childIdx, ok := t.arena.Alloc()
	if !ok {
		return arena.Invalid, raerr.New(op, raerr.NoSpace)
	}

	now := t.clock.Now().Unix()
	child := arena.Node{
		Inode:       t.mintInode(),
		ParentIndex: parentIdx,
		NameOffset:  nameOff,
		Mode:        mode,
		Mtime:       now,
	}
	for i := range child.Children {
		child.Children[i] = arena.Invalid
	}
	t.arena.Lock(childIdx)
	t.arena.Put(childIdx, child)
	t.arena.Unlock(childIdx)

	parent.Children[parent.NumChildren] = childIdx
	parent.NumChildren++
	parent.Mtime = now
	t.arena.Put(parentIdx, parent)

	t.noteMutation()
	return childIdx, nil
}

// Delete removes idx from its parent's children and returns it to the free
// list. Directories must be empty. The root cannot be deleted.
func (t *Tree) Delete(idx uint32) error {
	const op = "tree.Delete"
	if idx == RootIndex {
		return raerr.New(op, raerr.InvalidArgument)
	}

	t.rebalanceMu.RLock()
	defer t.rebalanceMu.RUnlock()

	// Locate the parent without holding any lock across the lookup; then
	// re-verify under the parent's write lock (spec.md §4.4 "Delete").
	t.arena.RLock(idx)
	parentIdx := t.arena.Get(idx).ParentIndex
	t.arena.RUnlock(idx)
	if parentIdx == arena.Invalid {
		return raerr.New(op, raerr.InvalidArgument)
	}

	t.arena.Lock(parentIdx)
	defer t.arena.Unlock(parentIdx)

	t.arena.Lock(idx)
	defer t.arena.Unlock(idx)

	target := t.arena.Get(idx)
	if target.IsFree() {
		return raerr.New(op, raerr.NotFound)
	}
	if target.IsDir() && target.NumChildren > 0 {
		return raerr.New(op, raerr.NotEmpty)
	}

	parent := t.arena.Get(parentIdx)
	pos := -1
	for i := uint32(0); i < parent.NumChildren; i++ {
		if parent.Children[i] == idx {
			pos = int(i)
			break
		}
	}
	if pos < 0 {
		return raerr.New(op, raerr.NotFound)
	}
	// Compact: shift the tail down by one, keep children[0:num) dense.
	for i := pos; i < int(parent.NumChildren)-1; i++ {
		parent.Children[i] = parent.Children[i+1]
	}
	parent.NumChildren--
	parent.Children[parent.NumChildren] = arena.Invalid
	parent.Mtime = t.clock.Now().Unix()
	t.arena.Put(parentIdx, parent)

	t.arena.Free(idx)

	t.noteMutation()
	return nil
}

// PathLookup descends from the root component by component.
func (t *Tree) PathLookup(p string) (uint32, error) {
	const op = "tree.PathLookup"
	clean := path.Clean("/" + p)
	if clean == "/" {
		return RootIndex, nil
	}
	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	if len(parts) > MaxPathDepth {
		return arena.Invalid, raerr.New(op, raerr.InvalidArgument)
	}

	cur := uint32(RootIndex)
	for _, part := range parts {
		if len(part) > MaxNameLength {
			return arena.Invalid, raerr.New(op, raerr.InvalidArgument)
		}
		child, ok := t.FindChild(cur, part)
		if !ok {
			return arena.Invalid, raerr.New(op, raerr.NotFound)
		}
		cur = child
	}
	return cur, nil
}

// UpdateFields selects which fields Update should change.
type UpdateFields struct {
	Mode    *uint32
	Size    *int64
	Mtime   *int64 // if nil, Update stamps clock.Now()
	NewName string // non-empty renames within the same parent
}

// Update mutates idx's metadata under its own write lock. A non-empty
// NewName renames idx within its current parent (same-directory rename
// only, per spec.md §4.9/§9).
func (t *Tree) Update(idx uint32, f UpdateFields) error {
	const op = "tree.Update"

	t.rebalanceMu.RLock()
	defer t.rebalanceMu.RUnlock()

	var parentIdx uint32
	if f.NewName != "" {
		t.arena.RLock(idx)
		parentIdx = t.arena.Get(idx).ParentIndex
		t.arena.RUnlock(idx)
		if parentIdx == arena.Invalid {
			return raerr.New(op, raerr.InvalidArgument)
		}
		t.arena.Lock(parentIdx)
		defer t.arena.Unlock(parentIdx)

		// Inline the sibling scan instead of calling FindChild: FindChild
		// takes parentIdx's own RLock, which would deadlock against the
		// Lock we're already holding on the same (non-reentrant) RWMutex.
		parent := t.arena.Get(parentIdx)
		for i := uint32(0); i < parent.NumChildren; i++ {
			childIdx := parent.Children[i]
			if childIdx == arena.Invalid || childIdx == idx {
				continue
			}
			if existingName, ok := t.childName(childIdx); ok && existingName == f.NewName {
				return raerr.New(op, raerr.Exists)
			}
		}
	}

	t.arena.Lock(idx)
	defer t.arena.Unlock(idx)

	n := t.arena.Get(idx)
	if n.IsFree() {
		return raerr.New(op, raerr.NotFound)
	}

	if f.Mode != nil {
		n.Mode = *f.Mode
	}
	if f.Size != nil {
		n.Size = *f.Size
	}
	if f.NewName != "" {
		off := t.names.Intern(f.NewName)
		if off == stringtable.Invalid {
			return raerr.New(op, raerr.NoSpace)
		}
		n.NameOffset = off
	}
	if f.Mtime != nil {
		n.Mtime = *f.Mtime
	} else {
		n.Mtime = t.clock.Now().Unix()
	}
	t.arena.Put(idx, n)

	t.noteMutation()
	return nil
}

func (t *Tree) noteMutation() {
	if t.rebalanceInterval == 0 {
		return
	}
	t.mutationsMu.Lock()
	t.mutations++
	due := t.mutations >= t.rebalanceInterval
	if due {
		t.mutations = 0
	}
	t.mutationsMu.Unlock()

	if due {
		t.Rebalance()
	}
}

// SetInvariantCheck installs a post-rebalance invariant checker, mirroring
// the teacher's syncutil.InvariantMutex pattern.
func (t *Tree) SetInvariantCheck(f func(*Tree)) { t.checkInvariants = f }

// SetLogMutex enables or disables TRACE logging of rebalanceMu acquisition.
func (t *Tree) SetLogMutex(v bool) { t.logMutex = v }
