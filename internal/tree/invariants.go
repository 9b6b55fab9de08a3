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
	"fmt"

	"github.com/razorfs/razorfs/internal/arena"
)

// CheckInvariants walks the live tree from the root and panics if any of
// the invariants in spec.md §8.1 are violated. It is meant to run with
// rebalanceMu already held (see Rebalance, and cfg.Debug.ExitOnInvariantViolation
// in internal/fs), mirroring the teacher's checkInvariants/InvariantMutex
// pattern (fs/fs.go, fs/inode/file.go).
func CheckInvariants(t *Tree) {
	seen := make(map[uint32]bool)
	var walk func(idx uint32, depth int)
	walk = func(idx uint32, depth int) {
		if seen[idx] {
			panic(fmt.Sprintf("tree: cycle detected at index %d", idx))
		}
		seen[idx] = true

		n := t.arena.Get(idx)
		if n.NumChildren > arena.MaxChildren {
			panic(fmt.Sprintf("tree: node %d has %d children > %d", idx, n.NumChildren, arena.MaxChildren))
		}

		names := make(map[string]bool, n.NumChildren)
		for i := uint32(0); i < n.NumChildren; i++ {
			childIdx := n.Children[i]
			if childIdx == arena.Invalid {
				panic(fmt.Sprintf("tree: node %d has an INVALID child slot within NumChildren", idx))
			}
			child := t.arena.Get(childIdx)
			if child.ParentIndex != idx {
				panic(fmt.Sprintf("tree: child %d of %d does not point back (has parent %d)", childIdx, idx, child.ParentIndex))
			}
			name, ok := t.nameOf(child)
			if !ok {
				panic(fmt.Sprintf("tree: child %d has unreadable name", childIdx))
			}
			if names[name] {
				panic(fmt.Sprintf("tree: duplicate sibling name %q under parent %d", name, idx))
			}
			names[name] = true

			walk(childIdx, depth+1)
		}
	}
	walk(RootIndex, 0)
}
