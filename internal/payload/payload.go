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

// Package payload implements C6: per-inode byte buffers with a per-file
// reader-writer lock, optionally compressed at rest via
// internal/blockcompress. Modeled on gcsproxy.MutableContent's
// ReadAt/WriteAt/Truncate split (this teacher's gcsproxy/mutable_content.go)
// with GCS's initial-content/read-write-lease duality replaced by a single
// in-memory buffer, since spec.md has no remote backing store to lazily
// materialize from.
package payload

import (
	"sync"

	"github.com/razorfs/razorfs/internal/blockcompress"
	"github.com/razorfs/razorfs/internal/raerr"
)

// allocGranularity rounds capacity growth up to 4 KiB, per spec.md §4.6.
const allocGranularity = 4096

// record is one inode's payload: data holds either the raw logical bytes
// (compressed == false) or a blockcompress-framed buffer (compressed ==
// true). The storage size is len(data); logicalSize is always the
// uncompressed length, used for stat and offset arithmetic (spec.md §3.3).
type record struct {
	mu sync.RWMutex

	data        []byte
	logicalSize int64
	compressed  bool
}

// Store owns every regular file's payload, keyed by inode number. The map
// itself is guarded by a short lock (spec.md §5); each record's own lock
// protects its bytes.
type Store struct {
	mapMu     sync.Mutex
	records   map[uint32]*record
	threshold int64
	algo      blockcompress.Algorithm
}

// New creates an empty Store. threshold is the minimum logical size (bytes)
// eligible for compression (spec.md §4.5, default 64 KiB).
func New(threshold int64, algo blockcompress.Algorithm) *Store {
	return &Store{records: make(map[uint32]*record), threshold: threshold, algo: algo}
}

func (s *Store) getOrCreate(inode uint32) *record {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	r, ok := s.records[inode]
	if !ok {
		r = &record{}
		s.records[inode] = r
	}
	return r
}

func (s *Store) get(inode uint32) (*record, bool) {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	r, ok := s.records[inode]
	return r, ok
}

// Create registers an empty payload for a newly created regular file.
func (s *Store) Create(inode uint32) {
	s.getOrCreate(inode)
}

// Read returns up to length bytes starting at offset. Under the payload
// read lock: if compressed, decompress into a temporary buffer first, then
// copy the requested slice (spec.md §4.6 "Read path").
func (s *Store) Read(inode uint32, offset int64, length int) ([]byte, error) {
	const op = "payload.Read"
	r, ok := s.get(inode)
	if !ok {
		return nil, raerr.New(op, raerr.NotFound)
	}
	if offset < 0 || length < 0 {
		return nil, raerr.New(op, raerr.InvalidArgument)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	plain := r.data
	var err error
	if r.compressed {
		plain, err = blockcompress.Decompress(r.data)
		if err != nil {
			return nil, raerr.Wrap(op, raerr.IOError, err)
		}
	}

	if offset >= r.logicalSize {
		return []byte{}, nil
	}
	end := offset + int64(length)
	if end > r.logicalSize {
		end = r.logicalSize
	}
	if end > int64(len(plain)) {
		end = int64(len(plain))
	}
	out := make([]byte, end-offset)
	copy(out, plain[offset:end])
	return out, nil
}

// Write copies buf into the payload at offset, growing storage as needed
// (rounded up to 4 KiB) and attempting compression once the logical size
// crosses the configured threshold. It returns the new logical size; the
// caller (internal/fs) is responsible for reflecting that size and an
// updated mtime onto the owning node under the node's own write lock, not
// this one (spec.md §4.6).
func (s *Store) Write(inode uint32, offset int64, buf []byte) (newSize int64, err error) {
	const op = "payload.Write"
	if offset < 0 {
		return 0, raerr.New(op, raerr.InvalidArgument)
	}
	r := s.getOrCreate(inode)

	r.mu.Lock()
	defer r.mu.Unlock()

	plain := r.data
	if r.compressed {
		plain, err = blockcompress.Decompress(r.data)
		if err != nil {
			return 0, raerr.Wrap(op, raerr.IOError, err)
		}
		r.compressed = false
	}

	needed := offset + int64(len(buf))
	if needed > int64(len(plain)) {
		bigger := make([]byte, growTo(len(plain), needed))
		copy(bigger, plain)
		plain = bigger
	}
	copy(plain[offset:], buf)

	r.data = plain
	r.logicalSize = maxInt64(r.logicalSize, needed)

	s.maybeCompress(r)

	return r.logicalSize, nil
}

// Truncate sets the logical size to size, zero-extending or discarding
// bytes as needed.
func (s *Store) Truncate(inode uint32, size int64) error {
	const op = "payload.Truncate"
	if size < 0 {
		return raerr.New(op, raerr.InvalidArgument)
	}
	r := s.getOrCreate(inode)

	r.mu.Lock()
	defer r.mu.Unlock()

	plain := r.data
	var err error
	if r.compressed {
		plain, err = blockcompress.Decompress(r.data)
		if err != nil {
			return raerr.Wrap(op, raerr.IOError, err)
		}
		r.compressed = false
	}

	if size > int64(len(plain)) {
		bigger := make([]byte, growTo(len(plain), size))
		copy(bigger, plain)
		plain = bigger
	} else {
		plain = plain[:size]
	}
	r.data = plain
	r.logicalSize = size

	s.maybeCompress(r)
	return nil
}

// Free discards inode's payload entirely (on unlink).
func (s *Store) Free(inode uint32) {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	delete(s.records, inode)
}

// Stat returns the logical and on-disk storage sizes for inode.
func (s *Store) Stat(inode uint32) (logicalSize, storageSize int64, compressed bool, ok bool) {
	r, found := s.get(inode)
	if !found {
		return 0, 0, false, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.logicalSize, int64(len(r.data)), r.compressed, true
}

// maybeCompress attempts compression once the record's logical size has
// crossed the configured threshold and it is not already compressed;
// storage is replaced only if the compressed form is strictly shorter
// (spec.md §4.5, §4.6).
func (s *Store) maybeCompress(r *record) {
	if r.compressed || r.logicalSize < s.threshold {
		return
	}
	logical := r.data[:r.logicalSize]
	if buf, ok := blockcompress.Compress(logical, s.algo); ok {
		r.data = buf
		r.compressed = true
	}
}

func growTo(have int, need int64) int64 {
	if int64(have) >= need {
		return int64(have)
	}
	rounded := ((need + allocGranularity - 1) / allocGranularity) * allocGranularity
	return rounded
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
