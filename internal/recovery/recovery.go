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

// Package recovery implements C8: the mount-time scan-and-replay procedure
// over internal/wal that brings a freshly attached internal/tree back in
// sync with the last durable state, the way the teacher's fs.NewServer
// reconciles its inode table against a prior mount before serving any
// callback (fs/fs.go's initial lookup of the root inode), generalized here
// from a one-shot lookup into a full journal replay.
package recovery

import (
	"fmt"

	"github.com/razorfs/razorfs/internal/arena"
	"github.com/razorfs/razorfs/internal/logger"
	"github.com/razorfs/razorfs/internal/payload"
	"github.com/razorfs/razorfs/internal/raerr"
	"github.com/razorfs/razorfs/internal/region"
	"github.com/razorfs/razorfs/internal/tree"
	"github.com/razorfs/razorfs/internal/wal"
)

// LostFoundName is the directory orphaned nodes are reattached under.
const LostFoundName = "lost+found"

// OrphanName is the sibling-unique name an orphaned subtree's root is given
// once reattached under lost+found. Inode is never reused while the node is
// live, so this never collides with another orphan or an existing
// lost+found entry, unlike the orphan's original name.
func OrphanName(inode uint32) string {
	return fmt.Sprintf("inode-%d", inode)
}

// pendingTxn accumulates a transaction's staged records between BEGIN and
// its terminating COMMIT or ABORT.
type pendingTxn struct {
	records []wal.Record
}

// Run performs the full procedure of spec.md §4.8. r is the attached
// persistent region (for its clean-shutdown flag), w the opened WAL, t the
// tree already wrapping the region's arena/string table, and store the
// payload store to reconcile Free() calls against replayed deletes.
//
// Run always leaves w positioned for further appends and the region's
// clean-shutdown flag set, whether or not a replay actually happened.
func Run(r *region.Region, w *wal.WAL, t *tree.Tree, store *payload.Store) error {
	needsReplay, err := needsRecovery(r, w)
	if err != nil {
		return err
	}

	if needsReplay {
		if err := replay(w, t, store); err != nil {
			return err
		}
		logger.Infof("recovery: replay complete")
	}

	reattachOrphans(t)
	purgeDangling(t)

	lastLSN, err := tailLSN(w)
	if err != nil {
		return err
	}
	if err := w.Checkpoint(lastLSN); err != nil {
		return err
	}
	if err := w.SetClean(true); err != nil {
		return err
	}
	a := t.Arena()
	st := t.Strings()
	r.SyncCounters(uint64(a.Used()), uint64(st.Used()), a.FreeHead())
	r.SetCleanShutdown(true)
	return nil
}

func needsRecovery(r *region.Region, w *wal.WAL) (bool, error) {
	if !r.CleanShutdownSet() {
		return true, nil
	}
	return w.NeedsRecovery()
}

func tailLSN(w *wal.WAL) (uint64, error) {
	var last uint64
	err := w.Scan(func(rec wal.Record) error {
		last = rec.LSN
		return nil
	})
	return last, err
}

// replay scans every well-framed record from the start of the file (C7
// does not yet retire records physically; CHECKPOINT is a logical marker
// only, so scanning from the beginning and skipping anything at-or-before
// the last CHECKPOINT is equivalent to "scan forward from tail").
func replay(w *wal.WAL, t *tree.Tree, store *payload.Store) error {
	pending := make(map[uint32]*pendingTxn)
	var lastCheckpoint uint64

	err := w.Scan(func(rec wal.Record) error {
		switch rec.Type {
		case wal.RecBegin:
			pending[rec.TxnID] = &pendingTxn{}
		case wal.RecCommit:
			txn, ok := pending[rec.TxnID]
			if !ok {
				return nil // COMMIT without a BEGIN we retained; nothing to apply
			}
			for _, staged := range txn.records {
				if err := applyMutation(t, store, staged); err != nil {
					return err
				}
			}
			delete(pending, rec.TxnID)
		case wal.RecAbort:
			delete(pending, rec.TxnID)
		case wal.RecCheckpoint:
			if len(rec.Payload) >= 8 {
				lastCheckpoint = rec.LSN
			}
		default:
			txn, ok := pending[rec.TxnID]
			if !ok {
				return nil // mutation outside any known transaction: ignore
			}
			txn.records = append(txn.records, rec)
		}
		return nil
	})
	_ = lastCheckpoint // retained for a future partial-rescan optimization
	return err
}

// applyMutation reapplies one staged mutation record idempotently, per
// spec.md §4.8 "Idempotence".
func applyMutation(t *tree.Tree, store *payload.Store, rec wal.Record) error {
	switch rec.Type {
	case wal.RecInsert:
		p, err := wal.DecodeInsert(rec.Payload)
		if err != nil {
			return err
		}
		return applyInsert(t, store, p)

	case wal.RecDelete:
		p, err := wal.DecodeDelete(rec.Payload)
		if err != nil {
			return err
		}
		return applyDelete(t, store, p)

	case wal.RecUpdate:
		p, err := wal.DecodeUpdate(rec.Payload)
		if err != nil {
			return err
		}
		return applyUpdate(t, p)

	case wal.RecWrite:
		p, err := wal.DecodeWrite(rec.Payload)
		if err != nil {
			return err
		}
		return applyWrite(t, store, p)

	case wal.RecRename:
		p, err := wal.DecodeRename(rec.Payload)
		if err != nil {
			return err
		}
		return applyRename(t, p)
	}
	return nil
}

func applyInsert(t *tree.Tree, store *payload.Store, p wal.InsertPayload) error {
	parentIdx, ok := t.FindByInode(p.ParentInode)
	if !ok {
		// Parent itself never made it into the region (crash before its own
		// INSERT committed); nothing sound to attach this child to.
		return nil
	}
	if _, ok := t.FindChild(parentIdx, p.Name); ok {
		return nil // already applied: idempotent no-op
	}
	idx, err := t.Insert(parentIdx, p.Name, p.Mode)
	if err != nil {
		if raerr.Is(err, raerr.Exists) {
			return nil
		}
		return err
	}
	node := t.Node(idx)
	if !node.IsDir() {
		store.Create(node.Inode)
	}
	return nil
}

func applyDelete(t *tree.Tree, store *payload.Store, p wal.DeletePayload) error {
	idx, ok := t.FindByInode(p.Inode)
	if !ok {
		return nil // already absent: idempotent no-op
	}
	if err := t.Delete(idx); err != nil {
		if raerr.Is(err, raerr.NotFound) {
			return nil
		}
		return err
	}
	store.Free(p.Inode)
	return nil
}

// applyWrite restores the journaled bytes into store and reflects the
// resulting logical size onto the owning node, mirroring the in-memory
// sequence internal/fs.WriteFile performs (payload.Write then tree.Update)
// before the commit this record represents.
func applyWrite(t *tree.Tree, store *payload.Store, p wal.WritePayload) error {
	idx, ok := t.FindByInode(p.Inode)
	if !ok {
		// The file's own INSERT never made it into the region; nothing
		// sound to apply this write against.
		return nil
	}
	newSize, err := store.Write(p.Inode, p.Offset, p.Data)
	if err != nil {
		return err
	}
	err = t.Update(idx, tree.UpdateFields{Size: &newSize})
	if err != nil && raerr.Is(err, raerr.NotFound) {
		return nil
	}
	return err
}

func applyUpdate(t *tree.Tree, p wal.UpdatePayload) error {
	idx, ok := t.FindByInode(p.Inode)
	if !ok {
		return nil
	}
	fields := tree.UpdateFields{}
	if p.HasMode {
		mode := p.Mode
		fields.Mode = &mode
	}
	if p.HasSize {
		size := p.Size
		fields.Size = &size
	}
	if p.HasMtime {
		mtime := p.Mtime
		fields.Mtime = &mtime
	}
	fields.NewName = p.NewName
	err := t.Update(idx, fields)
	if err != nil && raerr.Is(err, raerr.Exists) {
		return nil // target name already taken by a later, already-applied rename
	}
	return err
}

func applyRename(t *tree.Tree, p wal.RenamePayload) error {
	idx, ok := t.FindByInode(p.Inode)
	if !ok {
		return nil
	}
	newParentIdx, ok := t.FindByInode(p.NewParentInode)
	if !ok {
		return nil
	}
	if existing, ok := t.FindChild(newParentIdx, p.NewName); ok && existing == idx {
		return nil // already renamed
	}
	err := t.Update(idx, tree.UpdateFields{NewName: p.NewName})
	if err != nil && raerr.Is(err, raerr.Exists) {
		return nil
	}
	return err
}

// reattachOrphans walks every slot the arena has ever handed out; anything
// not free and not reachable from root is moved under /lost+found, which is
// created if missing (spec.md §4.8 step 3).
//
// Only the root of each orphaned subtree is relinked: once it is spliced
// under lost+found, everything already hanging off it via its own Children
// array becomes reachable again transitively, so descendants are never
// individually re-parented or renamed.
func reattachOrphans(t *tree.Tree) {
	reachable := t.AllIndices()
	a := t.Arena()

	unreachable := make(map[uint32]bool)
	for idx := uint32(0); idx < a.Used(); idx++ {
		if reachable[idx] {
			continue
		}
		if t.Node(idx).IsFree() {
			continue
		}
		unreachable[idx] = true
	}
	if len(unreachable) == 0 {
		return
	}

	var orphans []uint32
	for idx := range unreachable {
		parent := t.Node(idx).ParentIndex
		if !unreachable[parent] {
			orphans = append(orphans, idx) // root of an orphaned subtree
		}
	}
	if len(orphans) == 0 {
		return
	}

	lostFound, ok := t.FindChild(t.Root(), LostFoundName)
	if !ok {
		var err error
		lostFound, err = t.Insert(t.Root(), LostFoundName, arena.ModeDir|0o755)
		if err != nil {
			logger.Errorf("recovery: could not create %s: %v", LostFoundName, err)
			return
		}
	}

	for _, idx := range orphans {
		n := t.Node(idx)
		// inode-<N> is unique by construction (Inode is never reused while
		// live), so this also resolves the case where the orphan's original
		// name collides with another orphan's, or with an existing
		// lost+found entry.
		name := OrphanName(n.Inode)
		nameOff, ok := t.InternName(name)
		if !ok {
			logger.Errorf("recovery: could not intern %s for orphan inode %d: string table full", name, n.Inode)
			continue
		}
		// Reuse Update's rename path is not applicable (idx has no current
		// parent pointer the tree recognizes as live); splice it directly
		// since this runs before the tree serves any callback, with no
		// concurrent readers to observe a half-updated node.
		spliceUnderLostFound(t, lostFound, idx, nameOff, n)
	}
}

func spliceUnderLostFound(t *tree.Tree, lostFound, idx uint32, nameOff uint32, n arena.Node) {
	a := t.Arena()
	a.Lock(idx)
	n.ParentIndex = lostFound
	n.NameOffset = nameOff
	a.Put(idx, n)
	a.Unlock(idx)

	a.Lock(lostFound)
	parent := a.Get(lostFound)
	if parent.NumChildren < arena.MaxChildren {
		parent.Children[parent.NumChildren] = idx
		parent.NumChildren++
		a.Put(lostFound, parent)
	} else {
		logger.Errorf("recovery: %s is full, dropping orphan inode %d", LostFoundName, n.Inode)
	}
	a.Unlock(lostFound)
}

// purgeDangling clears any child slot that points at a free (or
// out-of-range) index, which a torn mid-INSERT write could otherwise leave
// behind (spec.md §4.8 step 3, "dangling child references are purged").
func purgeDangling(t *tree.Tree) {
	a := t.Arena()
	var walk func(idx uint32)
	walk = func(idx uint32) {
		a.Lock(idx)
		n := a.Get(idx)
		write := false
		kept := make([]uint32, 0, n.NumChildren)
		for i := uint32(0); i < n.NumChildren; i++ {
			c := n.Children[i]
			if c == arena.Invalid || c >= a.Used() || a.Get(c).IsFree() {
				write = true
				continue
			}
			kept = append(kept, c)
		}
		if write {
			for i := range n.Children {
				if i < len(kept) {
					n.Children[i] = kept[i]
				} else {
					n.Children[i] = arena.Invalid
				}
			}
			n.NumChildren = uint32(len(kept))
			a.Put(idx, n)
		}
		a.Unlock(idx)

		for _, c := range kept {
			walk(c)
		}
	}
	walk(tree.RootIndex)
}
