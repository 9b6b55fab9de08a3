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
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/razorfs/razorfs/internal/arena"
	"github.com/razorfs/razorfs/internal/tree"
)

// dirHandle snapshots a directory's children at OpenDir time, the way the
// teacher's own dir_handle.go buffers entries out of the inode it wraps
// rather than re-walking on every ReadDir call. Index i's offset is i+1, a
// stable 1-based position matching fuse.DirOffset's convention that 0 marks
// the start of the stream.
type dirHandle struct {
	entries []fuseutil.Dirent
}

func newDirHandle(t *tree.Tree, idx uint32) *dirHandle {
	children := t.Children(idx)
	dh := &dirHandle{entries: make([]fuseutil.Dirent, 0, len(children)+2)}

	dh.entries = append(dh.entries,
		fuseutil.Dirent{Offset: 1, Inode: fuseops.InodeID(t.Node(idx).Inode), Name: ".", Type: fuseutil.DT_Directory},
	)
	parentInode := t.Node(idx).Inode
	if parentIdx := t.Node(idx).ParentIndex; idx != t.Root() {
		parentInode = t.Node(parentIdx).Inode
	}
	dh.entries = append(dh.entries,
		fuseutil.Dirent{Offset: 2, Inode: fuseops.InodeID(parentInode), Name: "..", Type: fuseutil.DT_Directory},
	)

	for i, childIdx := range children {
		name, ok := t.Name(childIdx)
		if !ok {
			continue
		}
		n := t.Node(childIdx)
		dh.entries = append(dh.entries, fuseutil.Dirent{
			Offset: fuse.DirOffset(i + 3),
			Inode:  fuseops.InodeID(n.Inode),
			Name:   name,
			Type:   direntType(n),
		})
	}
	return dh
}

func direntType(n arena.Node) fuseutil.DirentType {
	if n.IsDir() {
		return fuseutil.DT_Directory
	}
	return fuseutil.DT_File
}

// ReadDir fills op.Dst starting at op.Offset, matching spec.md §4.9's
// readdir: walk the buffered children, copying each name/inode pair until
// the destination buffer or the entry list runs out.
func (dh *dirHandle) ReadDir(op *fuseops.ReadDirOp) error {
	if int(op.Offset) > len(dh.entries) {
		return nil
	}

	for _, e := range dh.entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}
