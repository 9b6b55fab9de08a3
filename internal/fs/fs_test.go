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
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/require"

	"github.com/razorfs/razorfs/internal/arena"
	"github.com/razorfs/razorfs/internal/blockcompress"
	"github.com/razorfs/razorfs/internal/payload"
	"github.com/razorfs/razorfs/internal/region"
	"github.com/razorfs/razorfs/internal/stringtable"
	"github.com/razorfs/razorfs/internal/tree"
	"github.com/razorfs/razorfs/internal/wal"
)

func newTestFS(t *testing.T) *FileSystem {
	t.Helper()
	layout := region.Layout{StringCapacity: 64 * 1024, NodeCapacity: 64, NodeSize: arena.NodeSize, BlockPoolBytes: 0}
	r, err := region.Create(filepath.Join(t.TempDir(), "region.dat"), layout)
	require.NoError(t, err)

	a := arena.New(r.NodeArenaBytes(layout), uint32(layout.NodeCapacity))
	st := stringtable.New(r.StringTableBytes(layout))
	tr := tree.New(a, st, timeutil.RealClock(), 0)
	tr.SetInvariantCheck(tree.CheckInvariants)

	w, err := wal.Create(filepath.Join(t.TempDir(), "journal.wal"))
	require.NoError(t, err)

	store := payload.New(64*1024, blockcompress.AlgorithmS2)
	return New(tr, store, w, timeutil.RealClock(), 1000, 1000, 0o644, 0o755)
}

func TestMkDirThenLookUp(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)

	mk := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "sub", Mode: os.ModeDir | 0o755}
	require.NoError(t, fsys.MkDir(ctx, mk))
	require.NotZero(t, mk.Entry.Child)

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "sub"}
	require.NoError(t, fsys.LookUpInode(ctx, lookup))
	require.Equal(t, mk.Entry.Child, lookup.Entry.Child)
	require.True(t, lookup.Entry.Attributes.Mode.IsDir())
}

func TestLookUpMissingNameIsENOENT(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "nope"}
	err := fsys.LookUpInode(ctx, lookup)
	require.Equal(t, syscall.ENOENT, err)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)

	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "f.txt", Mode: 0o644}
	require.NoError(t, fsys.CreateFile(ctx, create))
	inode := create.Entry.Child

	write := &fuseops.WriteFileOp{Inode: inode, Offset: 0, Data: []byte("hello world")}
	require.NoError(t, fsys.WriteFile(ctx, write))

	read := &fuseops.ReadFileOp{Inode: inode, Offset: 0, Size: 64}
	require.NoError(t, fsys.ReadFile(ctx, read))
	require.Equal(t, []byte("hello world"), read.Data)

	attrs := &fuseops.GetInodeAttributesOp{Inode: inode}
	require.NoError(t, fsys.GetInodeAttributes(ctx, attrs))
	require.EqualValues(t, len("hello world"), attrs.Attributes.Size)
}

func TestRmDirRejectsNonEmptyDirectory(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)

	mk := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "d", Mode: os.ModeDir | 0o755}
	require.NoError(t, fsys.MkDir(ctx, mk))

	create := &fuseops.CreateFileOp{Parent: mk.Entry.Child, Name: "child", Mode: 0o644}
	require.NoError(t, fsys.CreateFile(ctx, create))

	rm := &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "d"}
	err := fsys.RmDir(ctx, rm)
	require.Equal(t, syscall.ENOTEMPTY, err)
}

func TestUnlinkRemovesFile(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)

	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "f.txt", Mode: 0o644}
	require.NoError(t, fsys.CreateFile(ctx, create))

	unlink := &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "f.txt"}
	require.NoError(t, fsys.Unlink(ctx, unlink))

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "f.txt"}
	require.Equal(t, syscall.ENOENT, fsys.LookUpInode(ctx, lookup))
}

func TestRenameWithinSameDirectory(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)

	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "old.txt", Mode: 0o644}
	require.NoError(t, fsys.CreateFile(ctx, create))

	rename := &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "old.txt",
		NewParent: fuseops.RootInodeID, NewName: "new.txt",
	}
	require.NoError(t, fsys.Rename(ctx, rename))

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "new.txt"}
	require.NoError(t, fsys.LookUpInode(ctx, lookup))
}

func TestRenameAcrossDirectoriesIsCrossDevice(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)

	mk := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "d", Mode: os.ModeDir | 0o755}
	require.NoError(t, fsys.MkDir(ctx, mk))
	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "f.txt", Mode: 0o644}
	require.NoError(t, fsys.CreateFile(ctx, create))

	rename := &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "f.txt",
		NewParent: mk.Entry.Child, NewName: "f.txt",
	}
	err := fsys.Rename(ctx, rename)
	require.Equal(t, syscall.EXDEV, err)
}

func TestReadDirListsChildren(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)

	for _, name := range []string{"a", "b", "c"} {
		create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: name, Mode: 0o644}
		require.NoError(t, fsys.CreateFile(ctx, create))
	}

	open := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	require.NoError(t, fsys.OpenDir(ctx, open))

	buf := make([]byte, 4096)
	read := &fuseops.ReadDirOp{Inode: fuseops.RootInodeID, Handle: open.Handle, Offset: 0, Dst: buf}
	require.NoError(t, fsys.ReadDir(ctx, read))
	require.Greater(t, read.BytesRead, 0)

	release := &fuseops.ReleaseDirHandleOp{Handle: open.Handle}
	require.NoError(t, fsys.ReleaseDirHandle(ctx, release))
}

func TestSetInodeAttributesTruncatesPayload(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)

	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "f.txt", Mode: 0o644}
	require.NoError(t, fsys.CreateFile(ctx, create))
	write := &fuseops.WriteFileOp{Inode: create.Entry.Child, Offset: 0, Data: []byte("0123456789")}
	require.NoError(t, fsys.WriteFile(ctx, write))

	size := uint64(4)
	set := &fuseops.SetInodeAttributesOp{Inode: create.Entry.Child, Size: &size}
	require.NoError(t, fsys.SetInodeAttributes(ctx, set))
	require.EqualValues(t, 4, set.Attributes.Size)
}

func TestReadOnlyModeRejectsMutations(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)
	fsys.SetReadOnly(true)

	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "f.txt", Mode: 0o644}
	err := fsys.CreateFile(ctx, create)
	require.Equal(t, syscall.EROFS, err)
}
