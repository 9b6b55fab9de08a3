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

package arena_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/razorfs/razorfs/internal/arena"
)

func newTestArena(capacity uint32) *arena.Arena {
	return arena.New(make([]byte, uint64(capacity)*arena.NodeSize), capacity)
}

func TestAllocBumpsUsedThenFails(t *testing.T) {
	a := newTestArena(2)

	idx0, ok := a.Alloc()
	require.True(t, ok)
	assert.Equal(t, uint32(0), idx0)

	idx1, ok := a.Alloc()
	require.True(t, ok)
	assert.Equal(t, uint32(1), idx1)

	_, ok = a.Alloc()
	assert.False(t, ok, "arena should be exhausted")
}

func TestFreeThenReallocReusesSlot(t *testing.T) {
	a := newTestArena(2)

	idx, _ := a.Alloc()
	a.Lock(idx)
	a.Put(idx, arena.Node{Inode: 7, ParentIndex: arena.Invalid})
	a.Unlock(idx)

	a.Lock(idx)
	a.Free(idx)
	a.Unlock(idx)

	reused, ok := a.Alloc()
	require.True(t, ok)
	assert.Equal(t, idx, reused)

	got := a.Get(reused)
	assert.Zero(t, got.Inode, "freed slot must report inode 0 until reinitialized")
}

func TestGetPutRoundTrips(t *testing.T) {
	a := newTestArena(4)
	idx, _ := a.Alloc()

	n := arena.Node{
		Inode:       42,
		ParentIndex: 3,
		NameOffset:  17,
		Mode:        arena.ModeRegular | 0o644,
		Size:        1024,
		Mtime:       1700000000,
		NumChildren: 0,
	}
	a.Lock(idx)
	a.Put(idx, n)
	got := a.Get(idx)
	a.Unlock(idx)

	assert.Equal(t, n, got)
	assert.False(t, got.IsDir())
	assert.False(t, got.IsFree())
}

func TestAttachPreservesFreeHeadAndUsed(t *testing.T) {
	backing := make([]byte, 4*arena.NodeSize)
	a := arena.New(backing, 4)
	i0, _ := a.Alloc()
	i1, _ := a.Alloc()
	a.Lock(i0)
	a.Free(i0)
	a.Unlock(i0)

	attached := arena.Attach(backing, 4, a.Used(), a.FreeHead())
	assert.Equal(t, a.Used(), attached.Used())
	assert.Equal(t, a.FreeHead(), attached.FreeHead())
	_ = i1
}

func TestConcurrentAllocNeverDoubleIssues(t *testing.T) {
	a := newTestArena(200)
	var wg sync.WaitGroup
	results := make(chan uint32, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, ok := a.Alloc()
			if ok {
				results <- idx
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint32]bool)
	for idx := range results {
		assert.Falsef(t, seen[idx], "index %d issued twice", idx)
		seen[idx] = true
	}
	assert.Len(t, seen, 200)
}
