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

package wal

import (
	"encoding/binary"

	"github.com/razorfs/razorfs/internal/raerr"
)

// The structured payload layouts below are the "operation-specific fields"
// spec.md §3.4 describes as a WAL record's payload. Each is a fixed-size
// binary.LittleEndian encoding, the same style internal/region and
// internal/arena use for their own structures, rather than a self-describing
// encoding: recovery (internal/recovery) only ever decodes a payload whose
// RecordType it already knows.

// InsertPayload describes a new child created under the directory whose
// inode is ParentInode. Identity is carried by inode, not arena index: the
// arena index a name resolves to can move under Rebalance, but the inode
// number assigned at creation never is (spec.md §3.1), so it is what
// recovery re-derives a current arena index from via tree.FindByInode.
type InsertPayload struct {
	ParentInode uint32
	Inode       uint32
	Mode        uint32
	Name        string
}

func EncodeInsert(p InsertPayload) []byte {
	name := []byte(p.Name)
	buf := make([]byte, 12+len(name))
	binary.LittleEndian.PutUint32(buf[0:4], p.ParentInode)
	binary.LittleEndian.PutUint32(buf[4:8], p.Inode)
	binary.LittleEndian.PutUint32(buf[8:12], p.Mode)
	copy(buf[12:], name)
	return buf
}

func DecodeInsert(buf []byte) (InsertPayload, error) {
	if len(buf) < 12 {
		return InsertPayload{}, raerr.New("wal.DecodeInsert", raerr.IOError)
	}
	return InsertPayload{
		ParentInode: binary.LittleEndian.Uint32(buf[0:4]),
		Inode:       binary.LittleEndian.Uint32(buf[4:8]),
		Mode:        binary.LittleEndian.Uint32(buf[8:12]),
		Name:        string(buf[12:]),
	}, nil
}

// DeletePayload names the inode being unlinked.
type DeletePayload struct {
	Inode uint32
}

func EncodeDelete(p DeletePayload) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, p.Inode)
	return buf
}

func DecodeDelete(buf []byte) (DeletePayload, error) {
	if len(buf) < 4 {
		return DeletePayload{}, raerr.New("wal.DecodeDelete", raerr.IOError)
	}
	return DeletePayload{Inode: binary.LittleEndian.Uint32(buf[0:4])}, nil
}

// UpdatePayload carries the UpdateFields (tree.Update) applied to Inode.
// HasMode/HasSize/HasMtime act as the optional-field discriminators since
// the wire format has no native null.
type UpdatePayload struct {
	Inode    uint32
	HasMode  bool
	Mode     uint32
	HasSize  bool
	Size     int64
	HasMtime bool
	Mtime    int64
	NewName  string
}

func EncodeUpdate(p UpdatePayload) []byte {
	name := []byte(p.NewName)
	buf := make([]byte, 4+1+4+1+8+1+8+len(name))
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], p.Inode)
	off += 4
	buf[off] = boolByte(p.HasMode)
	off++
	binary.LittleEndian.PutUint32(buf[off:], p.Mode)
	off += 4
	buf[off] = boolByte(p.HasSize)
	off++
	binary.LittleEndian.PutUint64(buf[off:], uint64(p.Size))
	off += 8
	buf[off] = boolByte(p.HasMtime)
	off++
	binary.LittleEndian.PutUint64(buf[off:], uint64(p.Mtime))
	off += 8
	copy(buf[off:], name)
	return buf
}

func DecodeUpdate(buf []byte) (UpdatePayload, error) {
	const fixed = 4 + 1 + 4 + 1 + 8 + 1 + 8
	if len(buf) < fixed {
		return UpdatePayload{}, raerr.New("wal.DecodeUpdate", raerr.IOError)
	}
	off := 0
	p := UpdatePayload{}
	p.Inode = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	p.HasMode = buf[off] != 0
	off++
	p.Mode = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	p.HasSize = buf[off] != 0
	off++
	p.Size = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	p.HasMtime = buf[off] != 0
	off++
	p.Mtime = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	p.NewName = string(buf[off:])
	return p, nil
}

// WritePayload records a byte range written into an inode's payload. The
// written bytes themselves are journaled alongside the offset/length:
// file payloads live only in internal/payload's heap buffers, not in the
// persistent region, so without the bytes here a replay could restore a
// file's size but not its content (spec.md §4.7, §8.2 "observed tree ≡ T").
type WritePayload struct {
	Inode  uint32
	Offset int64
	Length uint32
	Data   []byte
}

func EncodeWrite(p WritePayload) []byte {
	buf := make([]byte, 16+len(p.Data))
	binary.LittleEndian.PutUint32(buf[0:4], p.Inode)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(p.Offset))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(p.Data)))
	copy(buf[16:], p.Data)
	return buf
}

func DecodeWrite(buf []byte) (WritePayload, error) {
	if len(buf) < 16 {
		return WritePayload{}, raerr.New("wal.DecodeWrite", raerr.IOError)
	}
	length := binary.LittleEndian.Uint32(buf[12:16])
	if uint32(len(buf)-16) < length {
		return WritePayload{}, raerr.New("wal.DecodeWrite", raerr.IOError)
	}
	data := make([]byte, length)
	copy(data, buf[16:16+length])
	return WritePayload{
		Inode:  binary.LittleEndian.Uint32(buf[0:4]),
		Offset: int64(binary.LittleEndian.Uint64(buf[4:12])),
		Length: length,
		Data:   data,
	}, nil
}

// RenamePayload moves Inode from OldParentInode to NewParentInode under
// NewName. Same-directory rename is the only kind the dispatcher issues
//(spec.md §4.9), so OldParentInode == NewParentInode in every record this
// version writes; both are carried anyway so a future cross-directory
// rename does not need a new record type.
type RenamePayload struct {
	Inode          uint32
	OldParentInode uint32
	NewParentInode uint32
	NewName        string
}

func EncodeRename(p RenamePayload) []byte {
	name := []byte(p.NewName)
	buf := make([]byte, 12+len(name))
	binary.LittleEndian.PutUint32(buf[0:4], p.Inode)
	binary.LittleEndian.PutUint32(buf[4:8], p.OldParentInode)
	binary.LittleEndian.PutUint32(buf[8:12], p.NewParentInode)
	copy(buf[12:], name)
	return buf
}

func DecodeRename(buf []byte) (RenamePayload, error) {
	if len(buf) < 12 {
		return RenamePayload{}, raerr.New("wal.DecodeRename", raerr.IOError)
	}
	return RenamePayload{
		Inode:          binary.LittleEndian.Uint32(buf[0:4]),
		OldParentInode: binary.LittleEndian.Uint32(buf[4:8]),
		NewParentInode: binary.LittleEndian.Uint32(buf[8:12]),
		NewName:        string(buf[12:]),
	}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
