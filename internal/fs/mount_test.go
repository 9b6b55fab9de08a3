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
	"path/filepath"
	"testing"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/razorfs/razorfs/internal/arena"
	"github.com/razorfs/razorfs/internal/region"
	"github.com/razorfs/razorfs/internal/tree"
)

// TestSyncRegionCountersMakesAttachBranchesReachable exercises the
// persist-on-unmount / reattach-on-remount round trip directly, without a
// real fuse.Mount: a clean unmount must leave the header's UsedNodes /
// StringUsed / FreeHead matching the live arena and string table, so that a
// later attachArena/attachStringTable/attachTree call reattaches onto the
// existing bytes instead of silently rebuilding empty.
func TestSyncRegionCountersMakesAttachBranchesReachable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.dat")
	layout := region.Layout{StringCapacity: 64 * 1024, NodeCapacity: 64, NodeSize: arena.NodeSize}

	reg, err := region.Create(path, layout)
	require.NoError(t, err)

	a := attachArena(reg, layout)
	names := attachStringTable(reg, layout)
	clock := timeutil.RealClock()
	tr := attachTree(reg, a, names, clock, 0)

	_, err = tr.Insert(tree.RootIndex, "a", arena.ModeRegular|0o644)
	require.NoError(t, err)
	_, err = tr.Insert(tree.RootIndex, "b", arena.ModeDir|0o755)
	require.NoError(t, err)

	wantUsed := a.Used()
	wantStrings := names.Used()
	require.Greater(t, wantUsed, uint32(0))

	syncRegionCounters(reg, tr)
	reg.SetCleanShutdown(true)
	require.NoError(t, reg.Detach())

	reg2, err := region.Attach(path, layout)
	require.NoError(t, err)
	defer reg2.Destroy()

	h := reg2.Header()
	assert.Equal(t, uint64(wantUsed), h.UsedNodes)
	assert.Equal(t, uint64(wantStrings), h.StringUsed)

	a2 := attachArena(reg2, layout)
	names2 := attachStringTable(reg2, layout)
	tr2 := attachTree(reg2, a2, names2, clock, 0)

	assert.Equal(t, wantUsed, a2.Used())
	idx, ok := tr2.FindChild(tree.RootIndex, "a")
	assert.True(t, ok)
	assert.NotEqual(t, arena.Invalid, idx)
	_, ok = tr2.FindChild(tree.RootIndex, "b")
	assert.True(t, ok)
}
