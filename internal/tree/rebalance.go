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

package tree

import (
	"github.com/razorfs/razorfs/internal/arena"
	"github.com/razorfs/razorfs/internal/logger"
)

// Rebalance permutes the arena into breadth-first order so that siblings
// occupy adjacent positions, restoring linear cache locality for directory
// scans (spec.md §4.4 "Rebalancing"). It never fails.
//
// Procedure (spec.md §4.4):
//  1. Under the global tree write lock, BFS from root to produce a
//     new-index -> old-index permutation.
//  2. Decode every live node at its old index.
//  3. Rewrite each node's ParentIndex and Children using the inverse
//     permutation.
//  4. Write every node back at its new index, then rebuild the free list
//     (trivially empty: live nodes are now dense) and reset the mutation
//     counter.
func (t *Tree) Rebalance() {
	if t.logMutex {
		logger.Tracef("tree: acquiring rebalanceMu for write")
	}
	t.rebalanceMu.Lock()
	defer func() {
		t.rebalanceMu.Unlock()
		if t.logMutex {
			logger.Tracef("tree: released rebalanceMu")
		}
	}()

	newToOld := t.bfsOrder()
	oldToNew := make(map[uint32]uint32, len(newToOld))
	for newIdx, oldIdx := range newToOld {
		oldToNew[oldIdx] = uint32(newIdx)
	}

	permuted := make([]arena.Node, len(newToOld))
	for newIdx, oldIdx := range newToOld {
		n := t.arena.Get(oldIdx)
		if n.ParentIndex != arena.Invalid {
			n.ParentIndex = oldToNew[n.ParentIndex]
		}
		for i := uint32(0); i < n.NumChildren; i++ {
			n.Children[i] = oldToNew[n.Children[i]]
		}
		permuted[newIdx] = n
	}

	for newIdx, n := range permuted {
		t.arena.Put(uint32(newIdx), n)
	}
	t.arena.ResetAfterRebalance(uint32(len(permuted)))

	t.mutationsMu.Lock()
	t.mutations = 0
	t.mutationsMu.Unlock()

	if t.checkInvariants != nil {
		t.checkInvariants(t)
	}
}

// bfsOrder returns old-indices in breadth-first order starting from root;
// newToOld[i] is the old index that should occupy new position i.
func (t *Tree) bfsOrder() []uint32 {
	order := make([]uint32, 0, t.arena.Used())
	queue := []uint32{RootIndex}
	for len(queue) > 0 {
		old := queue[0]
		queue = queue[1:]
		order = append(order, old)
		n := t.arena.Get(old)
		for i := uint32(0); i < n.NumChildren; i++ {
			queue = append(queue, n.Children[i])
		}
	}
	return order
}
