// Copyright 2015 Google Inc. All Rights Reserved.
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

// Package extent translates byte-granular file reads and writes into
// block-granular I/O against an ordered list of block extents, going
// through a shared block cache.
package extent

import (
	"fmt"

	"github.com/NickCao/cyanfs/internal/block"
	"github.com/NickCao/cyanfs/internal/inode"
)

// BlockCache is the subset of *block.Cache extent I/O depends on.
type BlockCache interface {
	ReadBlock(id block.ID, out []byte) error
	WriteBlock(id block.ID, in []byte) error
	FlushBlock(id block.ID) error
}

// logicalBlock returns the k-th block id in the concatenation of extents,
// or (0, false) if k is out of range.
func logicalBlock(extents []inode.Extent, k uint64) (block.ID, bool) {
	for _, e := range extents {
		n := e.Len()
		if k < n {
			return block.ID(e.Begin + k), true
		}
		k -= n
	}
	return 0, false
}

// ReadAt fetches logical blocks covering [offset, offset+len(out)) into out
// via cache, honoring the inode's logical size. It returns the number of
// bytes actually delivered, which is 0 if offset is at or past size.
func ReadAt(cache BlockCache, extents []inode.Extent, size uint64, offset uint64, out []byte) (int, error) {
	if offset >= size || len(out) == 0 {
		return 0, nil
	}

	effectiveLen := uint64(len(out))
	if remaining := size - offset; effectiveLen > remaining {
		effectiveLen = remaining
	}

	first := offset / block.Size
	last := (offset + effectiveLen + block.Size - 1) / block.Size

	staging := make([]byte, (last-first)*block.Size)
	buf := make([]byte, block.Size)
	for k := first; k < last; k++ {
		id, ok := logicalBlock(extents, k)
		if !ok {
			return 0, fmt.Errorf("extent: read_at: offset %d exceeds extent list", offset)
		}
		if err := cache.ReadBlock(id, buf); err != nil {
			return 0, fmt.Errorf("extent: read_at: block %d: %w", id, err)
		}
		copy(staging[(k-first)*block.Size:], buf)
	}

	start := offset % block.Size
	n := copy(out[:effectiveLen], staging[start:start+effectiveLen])
	return n, nil
}

// WriteAt writes data at offset through the block cache. Every block whose
// written sub-range does not cover the whole block (an unaligned head, an
// unaligned tail, or both within a single block) is read-modify-written;
// blocks covered completely are overwritten wholesale without a prior
// read. Callers must have already extended extents to cover the full
// range [offset, offset+len(data)) before calling. Returns len(data).
func WriteAt(cache BlockCache, extents []inode.Extent, offset uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	first := offset / block.Size
	last := (offset + uint64(len(data)) + block.Size - 1) / block.Size

	buf := make([]byte, block.Size)
	for k := first; k < last; k++ {
		id, ok := logicalBlock(extents, k)
		if !ok {
			return 0, fmt.Errorf("extent: write_at: offset %d exceeds extent list", offset)
		}

		blockStart := k * block.Size
		blockEnd := blockStart + block.Size

		// The portion of this block covered by data, in block-local coords.
		loStart := uint64(0)
		if offset > blockStart {
			loStart = offset - blockStart
		}
		hiEnd := uint64(block.Size)
		dataEnd := offset + uint64(len(data))
		if dataEnd < blockEnd {
			hiEnd = dataEnd - blockStart
		}

		needsRMW := loStart != 0 || hiEnd != block.Size
		if needsRMW {
			if err := cache.ReadBlock(id, buf); err != nil {
				return 0, fmt.Errorf("extent: write_at: read block %d: %w", id, err)
			}
		}

		srcStart := blockStart + loStart - offset
		copy(buf[loStart:hiEnd], data[srcStart:srcStart+(hiEnd-loStart)])

		if err := cache.WriteBlock(id, buf); err != nil {
			return 0, fmt.Errorf("extent: write_at: write block %d: %w", id, err)
		}
	}

	return len(data), nil
}

// Fsync flushes every block backing extents through the cache.
func Fsync(cache BlockCache, extents []inode.Extent) error {
	for _, e := range extents {
		for id := e.Begin; id < e.End; id++ {
			if err := cache.FlushBlock(block.ID(id)); err != nil {
				return fmt.Errorf("extent: fsync: block %d: %w", id, err)
			}
		}
	}
	return nil
}
