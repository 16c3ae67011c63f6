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

package inode_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/NickCao/cyanfs/internal/inode"
	"github.com/NickCao/cyanfs/internal/kv"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *kv.Store {
	t.Helper()
	s, err := kv.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newAttrs(ino uint64, kind inode.FileType) *inode.Attrs {
	now := time.Unix(1700000000, 0)
	return &inode.Attrs{
		Ino:    ino,
		Kind:   kind,
		Perm:   0o644,
		Nlink:  1,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Crtime: now,
	}
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	c := inode.NewCache(openTestStore(t), 4)
	_, err := inode.Read(c, 99, func(a *inode.Attrs) uint64 { return a.Size })
	require.ErrorIs(t, err, inode.ErrNotFound)
}

func TestInsertThenReadHitsCache(t *testing.T) {
	c := inode.NewCache(openTestStore(t), 4)
	c.Insert(newAttrs(5, inode.RegularFile))

	size, err := inode.Read(c, 5, func(a *inode.Attrs) uint64 { return a.Size })
	require.NoError(t, err)
	require.Equal(t, uint64(0), size)
}

func TestModifyMarksDirtyAndPersistsOnEviction(t *testing.T) {
	store := openTestStore(t)
	c := inode.NewCache(store, 1)
	c.Insert(newAttrs(1, inode.RegularFile))

	_, err := inode.Modify(c, 1, func(a *inode.Attrs) struct{} {
		a.Size = 4096
		return struct{}{}
	})
	require.NoError(t, err)

	// Capacity 1: inserting inode 2 evicts inode 1, forcing write-back.
	c.Insert(newAttrs(2, inode.RegularFile))

	_, present, err := store.Get(1)
	require.NoError(t, err)
	require.True(t, present)

	// A fresh cache backed by the same store sees the persisted size.
	c2 := inode.NewCache(store, 4)
	size, err := inode.Read(c2, 1, func(a *inode.Attrs) uint64 { return a.Size })
	require.NoError(t, err)
	require.Equal(t, uint64(4096), size)
}

func TestDirectoryMutationIsWrittenThroughImmediately(t *testing.T) {
	store := openTestStore(t)
	c := inode.NewCache(store, 4)
	c.Insert(newAttrs(inode.RootIno, inode.Directory))

	_, err := inode.Modify(c, inode.RootIno, func(a *inode.Attrs) struct{} {
		if a.Entries == nil {
			a.Entries = map[string]inode.DirEntry{}
		}
		a.Entries["foo"] = inode.DirEntry{Ino: 2, Kind: inode.RegularFile}
		return struct{}{}
	})
	require.NoError(t, err)

	// Read directly from the store, bypassing the cache entirely.
	data, present, err := store.Get(inode.RootIno)
	require.NoError(t, err)
	require.True(t, present)

	attrs, err := inode.Decode(data)
	require.NoError(t, err)
	require.Contains(t, attrs.Entries, "foo")
}

func TestEvictionOfUnreferencedInodeDeletesFromStore(t *testing.T) {
	store := openTestStore(t)
	c := inode.NewCache(store, 1)

	unlinked := newAttrs(3, inode.RegularFile)
	unlinked.Nlink = 0
	c.Insert(unlinked)

	// Force eviction by inserting a second inode under capacity 1.
	c.Insert(newAttrs(4, inode.RegularFile))

	_, present, err := store.Get(3)
	require.NoError(t, err)
	require.False(t, present)
}

func TestFlushPersistsAllDirtyEntriesAndClearsCache(t *testing.T) {
	store := openTestStore(t)
	c := inode.NewCache(store, 4)
	c.Insert(newAttrs(10, inode.RegularFile))
	c.Insert(newAttrs(11, inode.RegularFile))

	require.NoError(t, c.Flush())

	for _, ino := range []uint64{10, 11} {
		_, present, err := store.Get(ino)
		require.NoError(t, err)
		require.True(t, present)
	}
}
