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

package wal_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/razorfs/razorfs/internal/wal"
)

func tempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "journal.wal")
}

func TestBeginAppendCommitScanRoundTrip(t *testing.T) {
	path := tempPath(t)
	w, err := wal.Create(path)
	require.NoError(t, err)
	defer w.Close()

	txn, err := w.Begin()
	require.NoError(t, err)
	require.NoError(t, w.Append(txn, wal.RecInsert, []byte("payload-1")))
	require.NoError(t, w.Commit(txn))

	var types []wal.RecordType
	var payloads []string
	require.NoError(t, w.Scan(func(r wal.Record) error {
		types = append(types, r.Type)
		payloads = append(payloads, string(r.Payload))
		return nil
	}))

	require.Len(t, types, 3)
	assert.Equal(t, wal.RecBegin, types[0])
	assert.Equal(t, wal.RecInsert, types[1])
	assert.Equal(t, wal.RecCommit, types[2])
	assert.Equal(t, "payload-1", payloads[1])
}

func TestAbortedTransactionIsRecordedButNotCommitted(t *testing.T) {
	path := tempPath(t)
	w, err := wal.Create(path)
	require.NoError(t, err)
	defer w.Close()

	txn, err := w.Begin()
	require.NoError(t, err)
	require.NoError(t, w.Append(txn, wal.RecWrite, []byte("dirty")))
	require.NoError(t, w.Abort(txn))

	var types []wal.RecordType
	require.NoError(t, w.Scan(func(r wal.Record) error {
		types = append(types, r.Type)
		return nil
	}))
	require.Len(t, types, 3)
	assert.Equal(t, wal.RecAbort, types[2])
}

func TestTornRecordAtEOFStopsScanWithoutError(t *testing.T) {
	path := tempPath(t)
	w, err := wal.Create(path)
	require.NoError(t, err)

	txn, err := w.Begin()
	require.NoError(t, err)
	require.NoError(t, w.Append(txn, wal.RecInsert, []byte("whole-record")))
	require.NoError(t, w.Commit(txn))
	require.NoError(t, w.Close())

	// Simulate a crash mid-append: a well-framed record header followed by
	// a payload shorter than its declared length.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	truncated := append([]byte{}, make([]byte, 24)...) // one full record header; the length set below declares a huge record
	truncated[0], truncated[1], truncated[2], truncated[3] = 0xFF, 0xFF, 0xFF, 0x7F
	_, err = f.WriteAt(truncated, info.Size())
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := wal.Open(path)
	require.NoError(t, err)
	defer w2.Close()

	count := 0
	require.NoError(t, w2.Scan(func(r wal.Record) error {
		count++
		return nil
	}))
	assert.Equal(t, 3, count) // BEGIN, INSERT, COMMIT only; torn tail record ignored
}

func TestTornRecordChecksumMismatchStopsScan(t *testing.T) {
	path := tempPath(t)
	w, err := wal.Create(path)
	require.NoError(t, err)

	txn, err := w.Begin()
	require.NoError(t, err)
	require.NoError(t, w.Append(txn, wal.RecInsert, []byte("alpha")))
	require.NoError(t, w.Commit(txn))
	require.NoError(t, w.Close())

	// Corrupt a payload byte of the INSERT record in place; its CRC32 no
	// longer matches, so Scan must treat everything from there as absent.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	// file header (64) + BEGIN record header (24, no payload) lands us at
	// the start of the INSERT record's header; its payload starts 24 bytes
	// further in.
	insertPayloadOffset := int64(64 + 24 + 24)
	_, err = f.WriteAt([]byte{'X'}, insertPayloadOffset)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := wal.Open(path)
	require.NoError(t, err)
	defer w2.Close()

	count := 0
	require.NoError(t, w2.Scan(func(r wal.Record) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count) // only BEGIN survives; INSERT's CRC is now wrong
}

func TestNeedsRecoveryTrueWhenNotCleanlyShutDown(t *testing.T) {
	path := tempPath(t)
	w, err := wal.Create(path)
	require.NoError(t, err)

	needs, err := w.NeedsRecovery()
	require.NoError(t, err)
	assert.True(t, needs, "a freshly created WAL has never been marked clean")

	require.NoError(t, w.SetClean(true))
	needs, err = w.NeedsRecovery()
	require.NoError(t, err)
	assert.False(t, needs)
	require.NoError(t, w.Close())
}

func TestCheckpointAdvancesTailAndIsDurable(t *testing.T) {
	path := tempPath(t)
	w, err := wal.Create(path)
	require.NoError(t, err)

	txn, err := w.Begin()
	require.NoError(t, err)
	require.NoError(t, w.Append(txn, wal.RecInsert, []byte("x")))
	require.NoError(t, w.Commit(txn))

	var lastLSN uint64
	require.NoError(t, w.Scan(func(r wal.Record) error {
		lastLSN = r.LSN
		return nil
	}))

	require.NoError(t, w.Checkpoint(lastLSN))
	require.NoError(t, w.SetClean(true))
	require.NoError(t, w.Close())

	w2, err := wal.Open(path)
	require.NoError(t, err)
	defer w2.Close()

	needs, err := w2.NeedsRecovery()
	require.NoError(t, err)
	assert.False(t, needs, "nothing follows the checkpoint, so recovery is unnecessary")
}

func TestOpenRejectsForeignMagic(t *testing.T) {
	path := tempPath(t)
	require.NoError(t, os.WriteFile(path, make([]byte, 128), 0o644))
	_, err := wal.Open(path)
	assert.Error(t, err)
}
