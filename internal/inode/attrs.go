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

// Package inode holds the persisted inode record (Attrs) and the bounded
// LRU cache fronting the inode store.
package inode

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"time"
)

// FileType mirrors the three kinds of inode this filesystem knows about.
type FileType int

const (
	RegularFile FileType = iota
	Directory
	Symlink
)

// RootIno is the fixed, reserved inode number of the filesystem root.
const RootIno uint64 = 1

// Extent is a half-open range of block ids, [Begin, End), owned by one
// inode.
type Extent struct {
	Begin uint64
	End   uint64
}

// Len returns the number of blocks in the extent.
func (e Extent) Len() uint64 {
	if e.End <= e.Begin {
		return 0
	}
	return e.End - e.Begin
}

// DirEntry is one (name -> (ino, kind)) mapping within a directory's
// Entries. Kind duplicates the child's kind so readdir can report file
// types without a second lookup.
type DirEntry struct {
	Ino  uint64
	Kind FileType
}

// Attrs is the full persisted inode record, keyed by Ino in the KV store.
type Attrs struct {
	Ino     uint64
	Size    uint64
	Extents []Extent

	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Crtime time.Time

	Kind  FileType
	Perm  uint16
	Nlink uint32
	Uid   uint32
	Gid   uint32
	Rdev  uint32
	Flags uint32

	// Entries holds directory contents for Kind == Directory; it is empty
	// for everything else. Directory bytes live here, not in blocks.
	Entries map[string]DirEntry

	// Link holds the symlink target for Kind == Symlink; empty otherwise.
	Link string
}

// Blocks returns the total number of blocks across all extents.
func (a *Attrs) Blocks() uint64 {
	var n uint64
	for _, e := range a.Extents {
		n += e.Len()
	}
	return n
}

// SortedEntryNames returns the directory's entry names in lexicographic
// order. Ordering must be stable across calls for an unchanged directory so
// that readdir can resume by numeric offset; a sorted traversal of the map
// gives that for free, the same way the original implementation's
// BTreeMap<String, DirEntry> did.
func (a *Attrs) SortedEntryNames() []string {
	names := make([]string, 0, len(a.Entries))
	for name := range a.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode serializes attrs for storage in the KV store.
func Encode(a *Attrs) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a); err != nil {
		return nil, fmt.Errorf("inode: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a record previously produced by Encode. Any error is
// treated by callers as a corrupt record (surfaced as EIO).
func Decode(data []byte) (*Attrs, error) {
	var a Attrs
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&a); err != nil {
		return nil, fmt.Errorf("inode: decode: %w", err)
	}
	return &a, nil
}
