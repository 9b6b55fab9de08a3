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
	"bytes"
	"context"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// TestWriteToSameFileConcurrentlyAtDisjointOffsets mirrors the teacher's
// concurrent_write_to_same_file_test.go: several goroutines each own a
// disjoint byte range of one file and write it in parallel, then the result
// is checked for byte-exact equality with the expected content.
func TestWriteToSameFileConcurrentlyAtDisjointOffsets(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)

	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "big.bin", Mode: 0o644}
	require.NoError(t, fsys.CreateFile(ctx, create))
	inode := create.Entry.Child

	const writerCount = 5
	const chunkSize = 4096
	want := make([]byte, writerCount*chunkSize)
	for i := range want {
		want[i] = byte(i % 251)
	}

	var eG errgroup.Group
	for w := 0; w < writerCount; w++ {
		offset := w * chunkSize
		chunk := want[offset : offset+chunkSize]
		eG.Go(func() error {
			write := &fuseops.WriteFileOp{Inode: inode, Offset: int64(offset), Data: chunk}
			return fsys.WriteFile(ctx, write)
		})
	}
	require.NoError(t, eG.Wait())

	read := &fuseops.ReadFileOp{Inode: inode, Offset: 0, Size: int64(len(want))}
	require.NoError(t, fsys.ReadFile(ctx, read))
	require.True(t, bytes.Equal(want, read.Data))
}
