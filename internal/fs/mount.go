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

package fs

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"

	"github.com/razorfs/razorfs/cfg"
	"github.com/razorfs/razorfs/internal/arena"
	"github.com/razorfs/razorfs/internal/blockcompress"
	"github.com/razorfs/razorfs/internal/logger"
	"github.com/razorfs/razorfs/internal/payload"
	"github.com/razorfs/razorfs/internal/recovery"
	"github.com/razorfs/razorfs/internal/region"
	"github.com/razorfs/razorfs/internal/stringtable"
	"github.com/razorfs/razorfs/internal/tree"
	"github.com/razorfs/razorfs/internal/wal"
)

// Mounted bundles the live engine plus the fuse.MountedFileSystem returned
// by fuse.Mount, so a caller (cmd/razorfs) can wait on it and unmount it on
// signal.
type Mounted struct {
	MFS    *fuse.MountedFileSystem
	FS     *FileSystem
	region *region.Region
	wal    *wal.WAL
}

// RequestUnmount asks the bridge to unmount, causing a blocked MFS.Join to
// return. It does not itself wait for the teardown to finish; call Close
// after Join returns to release the region and WAL.
func (m *Mounted) RequestUnmount() error {
	return fuse.Unmount(m.MFS.Dir())
}

// Close releases the underlying region and WAL, marking the region's
// clean-shutdown flag. The WAL is not checkpointed here, so when records
// were appended after the last checkpoint the next mount still replays
// them; that replay is what restores file payloads, which live only in
// heap buffers.
// Callers should only call Close after MFS.Join has returned.
func (m *Mounted) Close() {
	if m.region != nil {
		if m.FS != nil {
			syncRegionCounters(m.region, m.FS.tree)
		}
		m.region.SetCleanShutdown(true)
		if err := m.region.Sync(); err != nil {
			logger.Warnf("region sync on unmount: %v", err)
		}
		if err := m.region.Detach(); err != nil {
			logger.Warnf("region detach on unmount: %v", err)
		}
	}
	if m.wal != nil {
		if err := m.wal.Close(); err != nil {
			logger.Warnf("wal close on unmount: %v", err)
		}
	}
}

// syncRegionCounters persists t's live arena/string-table occupancy into
// reg's header, so a later attachArena/attachStringTable/attachTree call
// sees a non-empty region and reattaches onto its existing bytes instead of
// rebuilding fresh.
func syncRegionCounters(reg *region.Region, t *tree.Tree) {
	a := t.Arena()
	st := t.Strings()
	reg.SyncCounters(uint64(a.Used()), uint64(st.Used()), a.FreeHead())
}

// Unmount performs the full RequestUnmount -> Join -> Close sequence. It is
// a convenience for callers (tests, programmatic embedders) that are not
// already blocked in MFS.Join elsewhere.
func (m *Mounted) Unmount() error {
	if err := m.RequestUnmount(); err != nil {
		return fmt.Errorf("unmount: %w", err)
	}
	if err := m.MFS.Join(context.Background()); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	m.Close()
	return nil
}

// layoutFor sizes C2's region per the configured engine capacities
// (spec.md §6.5): the node arena holds NodeCapacity fixed-size slots and
// the string table reserves StringCapacity bytes. No block pool is
// reserved; file payloads live in per-inode heap buffers (internal/payload),
// not in the shared region, since spec.md's block pool is "flat" and
// optional and the simpler heap-backed store already satisfies every
// round-trip law in §8.2 without the extra indirection.
func layoutFor(c cfg.EngineConfig) region.Layout {
	return region.Layout{
		StringCapacity: uint64(c.StringCapacity),
		NodeCapacity:   uint64(c.NodeCapacity),
		NodeSize:       arena.NodeSize,
	}
}

// regionPath derives the backing file path for the named region. A real
// POSIX shared-memory segment (shm_open) would live under /dev/shm; razorfs
// uses a plain mmap'd regular file instead so the same path works whether
// or not /dev/shm is present, matching how golang.org/x/sys/unix.Mmap is
// already used against an *os.File in internal/region.
func regionPath(name string) string {
	if dir := os.Getenv("RAZORFS_RUNTIME_DIR"); dir != "" {
		return dir + "/" + name + ".region"
	}
	return "/dev/shm/" + name + ".region"
}

// Mount brings up the full C1-C9 stack for mountpoint per c and hands the
// resulting dispatcher to fuse.Mount, the way the teacher's cmd/mount.go
// wires fs.NewServer into fuse.Mount. Returns once the bridge has accepted
// the mount; callers should defer Mounted.Unmount or wait on a signal.
func Mount(mountpoint string, c cfg.Config) (*Mounted, error) {
	layout := layoutFor(c.Engine)

	regPath := regionPath(c.Engine.RegionName)
	reg, err := attachOrCreate(regPath, layout)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	walPath := c.Engine.WalPath
	if walPath == "" {
		walPath = regPath + ".wal"
	}
	w, err := openOrCreateWAL(walPath)
	if err != nil {
		reg.Detach()
		return nil, fmt.Errorf("mount: %w", err)
	}

	names := attachStringTable(reg, layout)
	a := attachArena(reg, layout)
	clock := timeutil.RealClock()
	t := attachTree(reg, a, names, clock, c.Engine.RebalanceInterval)
	if c.Debug.ExitOnInvariantViolation {
		t.SetInvariantCheck(tree.CheckInvariants)
	}
	t.SetLogMutex(c.Debug.LogMutex)

	store := payload.New(int64(c.Engine.CompressionThreshold), blockcompress.AlgorithmS2)

	readOnly := false
	if err := recovery.Run(reg, w, t, store); err != nil {
		logger.Errorf("recovery failed, mounting read-only: %v", err)
		readOnly = true
	}

	uid, gid := resolveOwner(c.FileSystem.Uid, c.FileSystem.Gid)
	dispatcher := New(t, store, w, clock, uid, gid,
		os.FileMode(c.FileSystem.FilePerm), os.FileMode(c.FileSystem.DirPerm))
	dispatcher.SetReadOnly(readOnly)

	mfs, err := fuse.Mount(mountpoint, dispatcher.Server(), &fuse.MountConfig{
		FSName:      "razorfs",
		ReadOnly:    readOnly,
		DebugLogger: log.New(debugLogWriter{}, "", 0),
	})
	if err != nil {
		w.Close()
		reg.Detach()
		return nil, fmt.Errorf("mount: fuse.Mount: %w", err)
	}

	return &Mounted{MFS: mfs, FS: dispatcher, region: reg, wal: w}, nil
}

func attachOrCreate(path string, layout region.Layout) (*region.Region, error) {
	if _, err := os.Stat(path); err == nil {
		return region.Attach(path, layout)
	}
	return region.Create(path, layout)
}

func openOrCreateWAL(path string) (*wal.WAL, error) {
	if _, err := os.Stat(path); err == nil {
		return wal.Open(path)
	}
	return wal.Create(path)
}

func attachStringTable(reg *region.Region, layout region.Layout) *stringtable.Table {
	h := reg.Header()
	backing := reg.StringTableBytes(layout)
	if h.StringUsed == 0 && h.UsedNodes == 0 {
		return stringtable.New(backing)
	}
	return stringtable.Attach(backing, uint32(h.StringUsed))
}

func attachArena(reg *region.Region, layout region.Layout) *arena.Arena {
	h := reg.Header()
	backing := reg.NodeArenaBytes(layout)
	if h.UsedNodes == 0 {
		return arena.New(backing, uint32(layout.NodeCapacity))
	}
	return arena.Attach(backing, uint32(layout.NodeCapacity), uint32(h.UsedNodes), h.FreeHead)
}

func attachTree(reg *region.Region, a *arena.Arena, names *stringtable.Table, clock timeutil.Clock, rebalanceInterval uint64) *tree.Tree {
	h := reg.Header()
	if h.UsedNodes == 0 {
		return tree.New(a, names, clock, rebalanceInterval)
	}
	return tree.Attach(a, names, clock, rebalanceInterval, nextInodeFromArena(a))
}

// nextInodeFromArena scans live nodes for the highest inode number seen, so
// a reattached tree keeps minting strictly-increasing inodes (spec.md §3.1:
// "never reused within a mount" — here extended across remounts of the same
// region, consistent with the region surviving process restart).
func nextInodeFromArena(a *arena.Arena) uint32 {
	var max uint32
	for i := uint32(0); i < a.Capacity(); i++ {
		n := a.Get(i)
		if !n.IsFree() && n.Inode > max {
			max = n.Inode
		}
	}
	return max + 1
}

func resolveOwner(uid, gid int) (uint32, uint32) {
	u := uint32(os.Getuid())
	g := uint32(os.Getgid())
	if uid >= 0 {
		u = uint32(uid)
	}
	if gid >= 0 {
		g = uint32(gid)
	}
	return u, g
}

// debugLogWriter plumbs fuse's own diagnostic chatter through
// internal/logger at DEBUG rather than letting the bridge write straight to
// stderr, mirroring how the teacher's ServerConfig.DebugLogger is wired up
// in cmd/mount.go.
type debugLogWriter struct{}

func (debugLogWriter) Write(p []byte) (int, error) {
	logger.Debugf("fuse: %s", string(p))
	return len(p), nil
}
