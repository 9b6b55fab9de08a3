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

// Package region implements C2: a named, persistent shared-memory region
// backing the metadata engine. The region survives process restart (it is
// a POSIX shared-memory object / regular file mmap'd MAP_SHARED) but not
// reboot; only internal/wal survives power loss. Layout and header fields
// mirror spec.md §6.2.
package region

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	// Magic identifies a razorfs region. Stored as 8 raw bytes, NUL-padded.
	Magic = "RAZORFS\x00"
	// Version is the current on-disk layout version. No implicit upgrade:
	// attach refuses a region whose version does not match exactly.
	Version uint32 = 1

	headerSize = 64

	offMagic         = 0
	offVersion       = 8
	offFlags         = 12
	offNodeCapacity  = 16
	offStringCap     = 24
	offUsedNodes     = 32
	offStringUsed    = 40
	offFreeHead      = 48
	// bytes [52:64) reserved

	// FlagCleanShutdown is bit 0 of the flags word.
	FlagCleanShutdown uint32 = 1 << 0
)

// Header is the decoded form of the persistent-region header (spec.md §6.2).
type Header struct {
	Version      uint32
	Flags        uint32
	NodeCapacity uint64
	StringCap    uint64
	UsedNodes    uint64
	StringUsed   uint64
	FreeHead     uint32
}

// Region is an attached, mmap'd persistent backing. Its single byte slice is
// sliced into header / string-table-data / node-arena views by callers
// (internal/fs hands the latter two to internal/stringtable and
// internal/arena). internal/payload does not use the region.
type Region struct {
	path string
	data []byte // full mmap'd region, len == totalSize
	file *os.File
}

// Layout describes the byte ranges a freshly created region should reserve
// for each sub-store, in addition to the fixed 64-byte header.
type Layout struct {
	StringCapacity uint64
	NodeCapacity   uint64
	NodeSize       uint64 // size in bytes of one arena node
	BlockPoolBytes uint64 // optional flat block pool for payloads; 0 to omit
}

func (l Layout) totalSize() uint64 {
	return headerSize + l.StringCapacity + l.NodeCapacity*l.NodeSize + l.BlockPoolBytes
}

// Create opens or creates the named region file at path, sized per layout,
// and returns an attached Region with a freshly zeroed header. An existing
// file is truncated and re-initialized; use Attach to re-open a region that
// must already contain valid content.
func Create(path string, layout Layout) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("region: create %s: %w", path, err)
	}

	size := int64(layout.totalSize())
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("region: truncate %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("region: mmap %s: %w", path, err)
	}

	r := &Region{path: path, data: data, file: f}
	h := Header{
		Version:      Version,
		Flags:        0, // not clean: must be set on clean detach
		NodeCapacity: layout.NodeCapacity,
		StringCap:    layout.StringCapacity,
		UsedNodes:    0,
		StringUsed:   0,
		FreeHead:     0,
	}
	r.putHeader(h)
	copy(r.data[offMagic:offMagic+8], Magic)
	return r, nil
}

// Attach opens an existing region file at path and validates its header
// (magic + version + size) before returning a usable Region. A wrong magic
// or version is reported as an error rather than silently upgraded, per
// spec.md §4.2.
func Attach(path string, layout Layout) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("region: attach %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("region: stat %s: %w", path, err)
	}
	want := int64(layout.totalSize())
	if info.Size() != want {
		f.Close()
		return nil, fmt.Errorf("region: %s: size %d does not match expected layout size %d: corrupt or foreign region", path, info.Size(), want)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(want), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("region: mmap %s: %w", path, err)
	}

	r := &Region{path: path, data: data, file: f}

	if string(r.data[offMagic:offMagic+8]) != Magic {
		r.Detach()
		return nil, fmt.Errorf("region: %s: corrupt or foreign region (bad magic)", path)
	}
	h := r.Header()
	if h.Version != Version {
		r.Detach()
		return nil, fmt.Errorf("region: %s: version %d does not match %d (no implicit upgrade)", path, h.Version, Version)
	}

	return r, nil
}

// Header decodes the current persistent header.
func (r *Region) Header() Header {
	d := r.data
	return Header{
		Version:      binary.LittleEndian.Uint32(d[offVersion:]),
		Flags:        binary.LittleEndian.Uint32(d[offFlags:]),
		NodeCapacity: binary.LittleEndian.Uint64(d[offNodeCapacity:]),
		StringCap:    binary.LittleEndian.Uint64(d[offStringCap:]),
		UsedNodes:    binary.LittleEndian.Uint64(d[offUsedNodes:]),
		StringUsed:   binary.LittleEndian.Uint64(d[offStringUsed:]),
		FreeHead:     binary.LittleEndian.Uint32(d[offFreeHead:]),
	}
}

func (r *Region) putHeader(h Header) {
	d := r.data
	binary.LittleEndian.PutUint32(d[offVersion:], h.Version)
	binary.LittleEndian.PutUint32(d[offFlags:], h.Flags)
	binary.LittleEndian.PutUint64(d[offNodeCapacity:], h.NodeCapacity)
	binary.LittleEndian.PutUint64(d[offStringCap:], h.StringCap)
	binary.LittleEndian.PutUint64(d[offUsedNodes:], h.UsedNodes)
	binary.LittleEndian.PutUint64(d[offStringUsed:], h.StringUsed)
	binary.LittleEndian.PutUint32(d[offFreeHead:], h.FreeHead)
}

// SetHeader overwrites mutable header fields (everything but magic, which
// never changes after Create).
func (r *Region) SetHeader(h Header) { r.putHeader(h) }

// SyncCounters persists the arena and string table's live occupancy into
// the header, leaving Version/Flags/NodeCapacity/StringCap untouched. A
// later Attach's decision to rebuild fresh (internal/fs's mount path) vs.
// reattach onto the existing bytes depends on these matching what the
// region's data actually holds, so this must be called whenever that
// becomes stale: at clean unmount and after recovery reconciles the tree
// against the WAL.
func (r *Region) SyncCounters(usedNodes, stringUsed uint64, freeHead uint32) {
	h := r.Header()
	h.UsedNodes = usedNodes
	h.StringUsed = stringUsed
	h.FreeHead = freeHead
	r.SetHeader(h)
}

// CleanShutdownSet reports whether the clean-shutdown flag is currently set.
func (r *Region) CleanShutdownSet() bool {
	return r.Header().Flags&FlagCleanShutdown != 0
}

// SetCleanShutdown sets or clears the clean-shutdown flag.
func (r *Region) SetCleanShutdown(clean bool) {
	h := r.Header()
	if clean {
		h.Flags |= FlagCleanShutdown
	} else {
		h.Flags &^= FlagCleanShutdown
	}
	r.putHeader(h)
}

// StringTableBytes returns the sub-slice of the region reserved for the
// string table's byte arena.
func (r *Region) StringTableBytes(layout Layout) []byte {
	start := uint64(headerSize)
	return r.data[start : start+layout.StringCapacity]
}

// NodeArenaBytes returns the sub-slice of the region reserved for the node
// arena.
func (r *Region) NodeArenaBytes(layout Layout) []byte {
	start := uint64(headerSize) + layout.StringCapacity
	return r.data[start : start+layout.NodeCapacity*layout.NodeSize]
}

// BlockPoolBytes returns the sub-slice reserved for the optional flat block
// pool, or nil if the layout did not reserve one.
func (r *Region) BlockPoolBytes(layout Layout) []byte {
	if layout.BlockPoolBytes == 0 {
		return nil
	}
	start := uint64(headerSize) + layout.StringCapacity + layout.NodeCapacity*layout.NodeSize
	return r.data[start : start+layout.BlockPoolBytes]
}

// Sync forces dirty pages of the region to be written back to persistent
// storage. Callers that need the guarantee spec.md §9 describes for WAL
// COMMIT should rely on internal/wal instead; Sync here is best-effort for
// the region's role as an optimistic cache.
func (r *Region) Sync() error {
	return unix.Msync(r.data, unix.MS_SYNC)
}

// Detach unmaps the region and closes the backing file descriptor, but
// leaves the file itself in place for a future Attach.
func (r *Region) Detach() error {
	var err error
	if r.data != nil {
		err = unix.Munmap(r.data)
		r.data = nil
	}
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
		r.file = nil
	}
	return err
}

// Destroy unmaps the region and removes the backing file entirely.
func (r *Region) Destroy() error {
	path := r.path
	if err := r.Detach(); err != nil {
		return err
	}
	return os.Remove(path)
}
