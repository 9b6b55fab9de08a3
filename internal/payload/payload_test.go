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

package payload_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/razorfs/razorfs/internal/blockcompress"
	"github.com/razorfs/razorfs/internal/payload"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	s := payload.New(64*1024, blockcompress.AlgorithmS2)
	s.Create(1)

	n, err := s.Write(1, 0, []byte("hi\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got, err := s.Read(1, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi\n"), got)
}

func TestWriteAtOffsetExtendsFile(t *testing.T) {
	s := payload.New(64*1024, blockcompress.AlgorithmS2)
	s.Create(1)

	_, err := s.Write(1, 10, []byte("end"))
	require.NoError(t, err)

	got, err := s.Read(1, 0, 13)
	require.NoError(t, err)
	assert.Equal(t, "end", string(got[10:13]))
	assert.Equal(t, make([]byte, 10), got[0:10])
}

func TestCompressionBelowThresholdStaysUncompressed(t *testing.T) {
	s := payload.New(64*1024, blockcompress.AlgorithmS2)
	s.Create(1)

	buf := bytes.Repeat([]byte{0x41}, 64*1024-1)
	_, err := s.Write(1, 0, buf)
	require.NoError(t, err)

	logical, storage, compressed, ok := s.Stat(1)
	require.True(t, ok)
	assert.Equal(t, int64(len(buf)), logical)
	assert.False(t, compressed)
	assert.GreaterOrEqual(t, storage, logical)
}

func TestCompressionAtThresholdAttempted(t *testing.T) {
	s := payload.New(64*1024, blockcompress.AlgorithmS2)
	s.Create(1)

	buf := bytes.Repeat([]byte{0x41}, 64*1024)
	_, err := s.Write(1, 0, buf)
	require.NoError(t, err)

	logical, storage, compressed, ok := s.Stat(1)
	require.True(t, ok)
	assert.Equal(t, int64(len(buf)), logical)
	assert.True(t, compressed, "a 64KiB run of one byte should compress beneficially")
	assert.Less(t, storage, logical)

	got, err := s.Read(1, 0, len(buf))
	require.NoError(t, err)
	assert.Equal(t, buf, got)
}

func TestLargeFileCompressionRoundTrip(t *testing.T) {
	s := payload.New(64*1024, blockcompress.AlgorithmS2)
	s.Create(1)

	buf := bytes.Repeat([]byte{0x41}, 1<<20) // 1 MiB
	_, err := s.Write(1, 0, buf)
	require.NoError(t, err)

	logical, storage, compressed, ok := s.Stat(1)
	require.True(t, ok)
	assert.Equal(t, int64(1<<20), logical)
	assert.True(t, compressed)
	assert.Less(t, storage, logical)

	first, err := s.Read(1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0x41), first[0])

	last, err := s.Read(1, int64(len(buf)-1), 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0x41), last[0])
}

func TestTruncateShrinksAndExtends(t *testing.T) {
	s := payload.New(64*1024, blockcompress.AlgorithmS2)
	s.Create(1)
	_, err := s.Write(1, 0, []byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, s.Truncate(1, 4))
	got, err := s.Read(1, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), got)

	require.NoError(t, s.Truncate(1, 6))
	got, err = s.Read(1, 0, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123\x00\x00"), got)
}

func TestFreeRemovesRecord(t *testing.T) {
	s := payload.New(64*1024, blockcompress.AlgorithmS2)
	s.Create(1)
	_, err := s.Write(1, 0, []byte("data"))
	require.NoError(t, err)

	s.Free(1)
	_, _, _, ok := s.Stat(1)
	assert.False(t, ok)

	_, err = s.Read(1, 0, 4)
	assert.Error(t, err)
}

func TestWriteDecompressesDirtyRecordBeforeWriting(t *testing.T) {
	s := payload.New(64*1024, blockcompress.AlgorithmS2)
	s.Create(1)
	buf := bytes.Repeat([]byte{0x41}, 1<<20)
	_, err := s.Write(1, 0, buf)
	require.NoError(t, err)
	_, _, compressed, _ := s.Stat(1)
	require.True(t, compressed)

	_, err = s.Write(1, 0, []byte{0x42})
	require.NoError(t, err)

	got, err := s.Read(1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), got[0])
}
