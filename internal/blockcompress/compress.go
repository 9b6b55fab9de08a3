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

// Package blockcompress implements C5: transparent compress/decompress of
// file payload blocks with a self-describing 16-byte header (spec.md §6.4),
// mandatory because without it recovery cannot tell compressed bytes from
// raw bytes (spec.md §9).
//
// The algorithm is pluggable; the default is klauspost/compress's s2 (a
// fast Snappy-compatible codec, already in the example corpus's dependency
// graph via both this teacher and distr1-distri), with zstd available as a
// second, slower-but-denser option selected by Algorithm id.
package blockcompress

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Algorithm identifies the codec used for a compressed block.
type Algorithm uint8

const (
	// AlgorithmS2 is the default: fast, low compression-ratio, cheap to
	// decompress on every read.
	AlgorithmS2 Algorithm = 0
	// AlgorithmZstd trades CPU for a denser result.
	AlgorithmZstd Algorithm = 1
)

// HeaderSize is the fixed on-disk header preceding every compressed buffer
// (spec.md §6.4: magic(4) | algorithm(1) | reserved(3) | uncompressed(4) |
// compressed(4)).
const HeaderSize = 16

// Magic is the 4-byte self-describing prefix of a compressed buffer.
const Magic = "RZCP"

// Threshold is the minimum logical file size eligible for compression
// (spec.md §4.5, §6.5 compression_threshold default).
const Threshold = 64 * 1024

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

// Compress produces a header-prefixed buffer using algo when the result is
// strictly smaller than src; otherwise it reports ok=false ("not
// beneficial") and the caller should store src uncompressed.
func Compress(src []byte, algo Algorithm) (buf []byte, ok bool) {
	var body []byte
	switch algo {
	case AlgorithmS2:
		body = s2.Encode(nil, src)
	case AlgorithmZstd:
		body = zstdEncoder.EncodeAll(src, nil)
	default:
		return nil, false
	}

	total := HeaderSize + len(body)
	if total >= len(src) {
		return nil, false
	}

	out := make([]byte, total)
	copy(out[0:4], Magic)
	out[4] = byte(algo)
	// out[5:8] reserved, left zero
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(src)))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(body)))
	copy(out[HeaderSize:], body)
	return out, true
}

// Decompress validates the header magic and algorithm and returns the
// original uncompressed bytes.
func Decompress(buf []byte) ([]byte, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("blockcompress: buffer shorter than header (%d bytes)", len(buf))
	}
	if string(buf[0:4]) != Magic {
		return nil, fmt.Errorf("blockcompress: bad magic %q", buf[0:4])
	}
	algo := Algorithm(buf[4])
	uncompressedSize := binary.LittleEndian.Uint32(buf[8:12])
	compressedSize := binary.LittleEndian.Uint32(buf[12:16])
	if HeaderSize+int(compressedSize) > len(buf) {
		return nil, fmt.Errorf("blockcompress: truncated body: want %d have %d", compressedSize, len(buf)-HeaderSize)
	}
	body := buf[HeaderSize : HeaderSize+int(compressedSize)]

	var out []byte
	var err error
	switch algo {
	case AlgorithmS2:
		out, err = s2.Decode(nil, body)
	case AlgorithmZstd:
		out, err = zstdDecoder.DecodeAll(body, make([]byte, 0, uncompressedSize))
	default:
		return nil, fmt.Errorf("blockcompress: unknown algorithm id %d", algo)
	}
	if err != nil {
		return nil, fmt.Errorf("blockcompress: decode: %w", err)
	}
	if uint32(len(out)) != uncompressedSize {
		return nil, fmt.Errorf("blockcompress: decoded length %d does not match header %d", len(out), uncompressedSize)
	}
	return out, nil
}

// IsCompressed reports whether buf begins with the blockcompress magic. The
// rest of the header is not checked.
func IsCompressed(buf []byte) bool {
	return len(buf) >= 4 && string(buf[0:4]) == Magic
}
