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

// Package block implements aligned fixed-size block I/O against a raw
// backing file, and a write-back LRU cache on top of it.
package block

import (
	"fmt"
	"os"
)

// Size is the fixed block size used across the whole stack. It is a build
// time constant rather than a per-mount parameter so that on-disk block
// offsets never need to be reinterpreted.
const Size = 4096

// ID identifies a single fixed-size block on the backing file.
type ID uint64

// Device is a backing file opened for uncached, positioned block I/O. It
// does not buffer anything itself; callers needing absorption of repeated
// reads/writes should go through Cache.
type Device struct {
	f *os.File
}

// Open opens (and creates, if necessary) the backing file at path for block
// I/O. The file is opened with O_DIRECT and O_NOATIME where the platform
// supports them; both are best-effort hints and Open does not fail if the
// kernel rejects them for this filesystem.
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("block: open %s: %w", path, err)
	}

	if err := setUncachedHints(f); err != nil {
		// Best-effort: not every backing filesystem honors O_DIRECT (tmpfs,
		// for example), and that is not fatal to correctness, only to the
		// "uncached" promise in spec.
		_ = err
	}

	return &Device{f: f}, nil
}

// ReadBlock performs a positioned read of the block with the given id into
// out, which must be exactly Size bytes long.
func (d *Device) ReadBlock(id ID, out []byte) error {
	if len(out) != Size {
		return fmt.Errorf("block: read buffer has length %d, want %d", len(out), Size)
	}

	n, err := d.f.ReadAt(out, int64(id)*Size)
	if err != nil {
		return fmt.Errorf("block: read_block %d: %w", id, err)
	}
	if n != Size {
		return fmt.Errorf("block: short read of block %d: got %d bytes", id, n)
	}

	return nil
}

// WriteBlock performs a positioned, full-block write at the given id. in
// must be exactly Size bytes long.
func (d *Device) WriteBlock(id ID, in []byte) error {
	if len(in) != Size {
		return fmt.Errorf("block: write buffer has length %d, want %d", len(in), Size)
	}

	n, err := d.f.WriteAt(in, int64(id)*Size)
	if err != nil {
		return fmt.Errorf("block: write_block %d: %w", id, err)
	}
	if n != Size {
		return fmt.Errorf("block: short write of block %d: wrote %d bytes", id, n)
	}

	return nil
}

// Close releases the backing file descriptor.
func (d *Device) Close() error {
	return d.f.Close()
}

func setUncachedHints(f *os.File) error {
	// O_NOATIME and O_DIRECT cannot be applied at creation time portably
	// through os.OpenFile's flag set on every platform, so they are set via
	// fcntl once we have a descriptor. Both are Linux-only; this is a no-op
	// elsewhere.
	return setDirectAndNoAtime(int(f.Fd()))
}
