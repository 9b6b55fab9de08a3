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

package raerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/razorfs/razorfs/internal/raerr"
)

func TestNewAndError(t *testing.T) {
	err := raerr.New("tree.Insert", raerr.Exists)
	assert.Equal(t, "tree.Insert: already exists", err.Error())
	assert.True(t, raerr.Is(err, raerr.Exists))
	assert.False(t, raerr.Is(err, raerr.NotFound))
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := raerr.Wrap("wal.Append", raerr.IOError, cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestIsRejectsOtherErrorTypes(t *testing.T) {
	assert.False(t, raerr.Is(errors.New("plain"), raerr.NotFound))
}

func TestKindStrings(t *testing.T) {
	cases := []struct {
		kind raerr.Kind
		want string
	}{
		{raerr.NotFound, "not found"},
		{raerr.NotDirectory, "not a directory"},
		{raerr.IsDirectory, "is a directory"},
		{raerr.Exists, "already exists"},
		{raerr.NotEmpty, "directory not empty"},
		{raerr.NoSpace, "no space left"},
		{raerr.InvalidArgument, "invalid argument"},
		{raerr.IOError, "I/O error"},
		{raerr.ReadOnly, "read-only (recovery in progress)"},
		{raerr.CrossDevice, "cross-device link"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.kind.String())
	}
}
