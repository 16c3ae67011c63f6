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

package fs

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/NickCao/cyanfs/internal/alloc"
	"github.com/NickCao/cyanfs/internal/block"
	"github.com/NickCao/cyanfs/internal/inode"
	"github.com/NickCao/cyanfs/internal/kv"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"
	"github.com/stretchr/testify/require"
)

// fakeClock is a minimal timeutil.Clock that advances by one second on
// every call, so timestamp-ordering assertions don't depend on wall time.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

// testMount bundles the on-disk paths a Server is built from, so a test can
// tear one Server down and build a fresh one against the same persisted
// state to exercise remount recovery.
type testMount struct {
	metaPath string
	dataPath string
}

func newTestMount(t *testing.T) testMount {
	t.Helper()
	dir := t.TempDir()
	return testMount{
		metaPath: filepath.Join(dir, "meta.db"),
		dataPath: filepath.Join(dir, "data"),
	}
}

// open builds a fresh Server against m's paths, running mount recovery.
// The caller is responsible for calling Destroy and closing the returned
// store/device before reopening the same mount elsewhere.
func (m testMount) open(t *testing.T) (*Server, *kv.Store, *block.Device) {
	t.Helper()

	store, err := kv.Open(m.metaPath)
	require.NoError(t, err)

	dev, err := block.Open(m.dataPath)
	require.NoError(t, err)

	s := &Server{
		clock:      &fakeClock{now: time.Unix(1700000000, 0)},
		store:      store,
		blocks:     block.NewCache(dev, 64),
		inodes:     inode.NewCache(store, 64),
		blockAlloc: alloc.New(0, allocatorCapacity),
		inodeAlloc: alloc.New(inode.RootIno+1, allocatorCapacity),
		uid:        1000,
		gid:        1000,
		filePerm:   0o644,
		dirPerm:    0o755,
	}
	s.mu = syncutil.NewInvariantMutex(func() {})

	require.NoError(t, s.recover())
	return s, store, dev
}

// newTestServer is the common case: a fresh mount with nothing remounted
// afterward.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, store, dev := newTestMount(t).open(t)
	t.Cleanup(func() {
		store.Close()
		dev.Close()
	})
	return s
}

func mkDir(t *testing.T, s *Server, parent uint64, name string) uint64 {
	t.Helper()
	op := &fuseops.MkDirOp{Parent: fuseops.InodeID(parent), Name: name, Mode: os.ModeDir | 0o755}
	require.NoError(t, s.MkDir(context.Background(), op))
	return uint64(op.Entry.Child)
}

func createFile(t *testing.T, s *Server, parent uint64, name string) uint64 {
	t.Helper()
	op := &fuseops.CreateFileOp{Parent: fuseops.InodeID(parent), Name: name, Mode: 0o644}
	require.NoError(t, s.CreateFile(context.Background(), op))
	return uint64(op.Entry.Child)
}

func writeFile(t *testing.T, s *Server, ino uint64, offset int64, data []byte) {
	t.Helper()
	op := &fuseops.WriteFileOp{Inode: fuseops.InodeID(ino), Offset: offset, Data: data}
	require.NoError(t, s.WriteFile(context.Background(), op))
}

func readFile(t *testing.T, s *Server, ino uint64, offset int64, size int) []byte {
	t.Helper()
	op := &fuseops.ReadFileOp{Inode: fuseops.InodeID(ino), Offset: offset, Size: size}
	require.NoError(t, s.ReadFile(context.Background(), op))
	return op.Data
}

func getAttrs(t *testing.T, s *Server, ino uint64) fuseops.InodeAttributes {
	t.Helper()
	op := &fuseops.GetInodeAttributesOp{Inode: fuseops.InodeID(ino)}
	require.NoError(t, s.GetInodeAttributes(context.Background(), op))
	return op.Attributes
}

func lookup(t *testing.T, s *Server, parent uint64, name string) (uint64, error) {
	t.Helper()
	op := &fuseops.LookUpInodeOp{Parent: fuseops.InodeID(parent), Name: name}
	err := s.LookUpInode(context.Background(), op)
	if err != nil {
		return 0, err
	}
	return uint64(op.Entry.Child), nil
}

// Scenario 1 from spec §8: create, write, read.
func TestCreateWriteRead(t *testing.T) {
	s := newTestServer(t)

	d := mkDir(t, s, inode.RootIno, "d")
	f := createFile(t, s, d, "f")

	writeFile(t, s, f, 0, []byte("hello"))

	got := readFile(t, s, f, 0, 16)
	require.Equal(t, []byte("hello"), got)

	attrs := getAttrs(t, s, f)
	require.EqualValues(t, 5, attrs.Size)
}

// Scenario 2: a write straddling a block boundary round-trips exactly and
// spans exactly two blocks.
func TestCrossBlockWrite(t *testing.T) {
	s := newTestServer(t)

	f := createFile(t, s, inode.RootIno, "f")

	offset := int64(block.Size - 12)
	payload := make([]byte, 24)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	writeFile(t, s, f, offset, payload)

	got := readFile(t, s, f, offset, len(payload))
	require.Equal(t, payload, got)

	attrs := getAttrs(t, s, f)
	require.EqualValues(t, block.Size-12+24, attrs.Size)

	extents, err := inode.Read(s.inodes, f, func(a *inode.Attrs) []inode.Extent { return a.Extents })
	require.NoError(t, err)
	var blocks uint64
	for _, e := range extents {
		blocks += e.Len()
	}
	require.EqualValues(t, 2, blocks)
}

// read_at at or past EOF returns zero bytes (§8 invariant 6).
func TestReadPastEOFReturnsZero(t *testing.T) {
	s := newTestServer(t)

	f := createFile(t, s, inode.RootIno, "f")
	writeFile(t, s, f, 0, []byte("hi"))

	got := readFile(t, s, f, 2, 16)
	require.Empty(t, got)

	got = readFile(t, s, f, 100, 16)
	require.Empty(t, got)
}

// Repeating an identical write leaves the same on-disk state as a single
// write (idempotence, §8).
func TestRepeatedIdenticalWriteIsIdempotent(t *testing.T) {
	s := newTestServer(t)

	f := createFile(t, s, inode.RootIno, "f")
	payload := []byte("idempotent payload")

	writeFile(t, s, f, 0, payload)
	writeFile(t, s, f, 0, payload)

	got := readFile(t, s, f, 0, len(payload))
	require.Equal(t, payload, got)

	attrs := getAttrs(t, s, f)
	require.EqualValues(t, len(payload), attrs.Size)
}

// Scenario 3: unlinking a file whose link count hits zero frees its blocks
// back to the allocator, and they become reusable.
func TestUnlinkFreesBlocks(t *testing.T) {
	s := newTestServer(t)

	f := createFile(t, s, inode.RootIno, "a")
	payload := make([]byte, 4096)
	writeFile(t, s, f, 0, payload)

	extentsBefore, err := inode.Read(s.inodes, f, func(a *inode.Attrs) []inode.Extent { return a.Extents })
	require.NoError(t, err)
	require.NotEmpty(t, extentsBefore)

	op := &fuseops.UnlinkOp{Parent: fuseops.InodeID(inode.RootIno), Name: "a"}
	require.NoError(t, s.Unlink(context.Background(), op))

	// The freed block(s) are reusable by a subsequent allocation of the same
	// size.
	n := extentsBefore[0].Len()
	first, err := s.blockAlloc.AllocContiguous(n, 1)
	require.NoError(t, err)
	require.Equal(t, extentsBefore[0].Begin, first)

	_, err = lookup(t, s, inode.RootIno, "a")
	require.ErrorIs(t, err, syscall.ENOENT)
}

// Scenario 4: hard links share an inode and its link count, and removing
// one name leaves the other intact.
func TestHardLink(t *testing.T) {
	s := newTestServer(t)

	x := createFile(t, s, inode.RootIno, "x")

	linkOp := &fuseops.CreateLinkOp{Parent: fuseops.InodeID(inode.RootIno), Name: "y", Target: fuseops.InodeID(x)}
	require.NoError(t, s.CreateLink(context.Background(), linkOp))
	require.EqualValues(t, 2, linkOp.Entry.Attributes.Nlink)

	attrs := getAttrs(t, s, x)
	require.EqualValues(t, 2, attrs.Nlink)

	require.NoError(t, s.Unlink(context.Background(), &fuseops.UnlinkOp{Parent: fuseops.InodeID(inode.RootIno), Name: "x"}))

	yIno, err := lookup(t, s, inode.RootIno, "y")
	require.NoError(t, err)
	require.Equal(t, x, yIno)

	attrs = getAttrs(t, s, yIno)
	require.EqualValues(t, 1, attrs.Nlink)
}

// Scenario 5: rename moves a name across directories, removing it from the
// source and making it resolvable at the destination.
func TestRenameAcrossDirectories(t *testing.T) {
	s := newTestServer(t)

	a := mkDir(t, s, inode.RootIno, "a")
	b := mkDir(t, s, inode.RootIno, "b")
	f := createFile(t, s, a, "f")

	renameOp := &fuseops.RenameOp{
		OldParent: fuseops.InodeID(a),
		OldName:   "f",
		NewParent: fuseops.InodeID(b),
		NewName:   "g",
	}
	require.NoError(t, s.Rename(context.Background(), renameOp))

	_, err := lookup(t, s, a, "f")
	require.ErrorIs(t, err, syscall.ENOENT)

	gIno, err := lookup(t, s, b, "g")
	require.NoError(t, err)
	require.Equal(t, f, gIno)
}

// Renaming onto an existing destination name drops that entry's link,
// freeing its inode once its count reaches zero.
func TestRenameOverwritesDestination(t *testing.T) {
	s := newTestServer(t)

	f := createFile(t, s, inode.RootIno, "f")
	g := createFile(t, s, inode.RootIno, "g")

	renameOp := &fuseops.RenameOp{
		OldParent: fuseops.InodeID(inode.RootIno),
		OldName:   "f",
		NewParent: fuseops.InodeID(inode.RootIno),
		NewName:   "g",
	}
	require.NoError(t, s.Rename(context.Background(), renameOp))

	gIno, err := lookup(t, s, inode.RootIno, "g")
	require.NoError(t, err)
	require.Equal(t, f, gIno)

	// dropLink only marks the overwritten destination dirty with Nlink == 0;
	// persistence of that deletion happens on eviction/flush (§4.4).
	require.NoError(t, s.inodes.EvictOne(g))
	_, present, err := s.store.Get(g)
	require.NoError(t, err)
	require.False(t, present, "overwritten destination inode should have been deleted once its link count hit zero")
}

func TestSymlink(t *testing.T) {
	s := newTestServer(t)

	op := &fuseops.CreateSymlinkOp{Parent: fuseops.InodeID(inode.RootIno), Name: "link", Target: "/etc/hosts"}
	require.NoError(t, s.CreateSymlink(context.Background(), op))

	readOp := &fuseops.ReadSymlinkOp{Inode: op.Entry.Child}
	require.NoError(t, s.ReadSymlink(context.Background(), readOp))
	require.Equal(t, "/etc/hosts", readOp.Target)
}

func TestMkNodeRejectsSpecialFiles(t *testing.T) {
	s := newTestServer(t)

	op := &fuseops.MkNodeOp{Parent: fuseops.InodeID(inode.RootIno), Name: "dev", Mode: os.ModeCharDevice | 0o644}
	err := s.MkNode(context.Background(), op)
	require.ErrorIs(t, err, syscall.ENOSYS)
}

func TestCreateExistingNameFails(t *testing.T) {
	s := newTestServer(t)

	createFile(t, s, inode.RootIno, "dup")
	op := &fuseops.CreateFileOp{Parent: fuseops.InodeID(inode.RootIno), Name: "dup", Mode: 0o644}
	err := s.CreateFile(context.Background(), op)
	require.ErrorIs(t, err, syscall.EEXIST)
}

func TestFallocateExtendsSizeWithoutTouchingContent(t *testing.T) {
	s := newTestServer(t)

	f := createFile(t, s, inode.RootIno, "f")
	op := &fuseops.FallocateOp{Inode: fuseops.InodeID(f), Offset: 0, Length: uint64(block.Size * 2)}
	require.NoError(t, s.Fallocate(context.Background(), op))

	attrs := getAttrs(t, s, f)
	require.EqualValues(t, block.Size*2, attrs.Size)

	extents, err := inode.Read(s.inodes, f, func(a *inode.Attrs) []inode.Extent { return a.Extents })
	require.NoError(t, err)
	var blocks uint64
	for _, e := range extents {
		blocks += e.Len()
	}
	require.EqualValues(t, 2, blocks)
}

func TestStatFSReportsFixedTotals(t *testing.T) {
	s := newTestServer(t)

	op := &fuseops.StatFSOp{}
	require.NoError(t, s.StatFS(context.Background(), op))
	require.EqualValues(t, block.Size, op.BlockSize)
	require.Positive(t, op.Blocks)
}

func TestAccessSucceedsIffInodeExists(t *testing.T) {
	s := newTestServer(t)

	f := createFile(t, s, inode.RootIno, "f")
	require.NoError(t, s.Access(f))
	require.ErrorIs(t, s.Access(999999), syscall.ENOENT)
}

// Scenario 6: remounting replays allocator state from a full KV scan and
// all prior inodes/blocks remain visible.
func TestRemountRecovery(t *testing.T) {
	m := newTestMount(t)

	s1, store1, dev1 := m.open(t)
	d := mkDir(t, s1, inode.RootIno, "d")
	f := createFile(t, s1, d, "f")
	writeFile(t, s1, f, 0, []byte("hello"))

	require.NoError(t, s1.inodes.Flush())
	require.NoError(t, s1.blocks.Flush())
	require.NoError(t, store1.Close())
	require.NoError(t, dev1.Close())

	s2, store2, dev2 := m.open(t)
	defer store2.Close()
	defer dev2.Close()

	dIno, err := lookup(t, s2, inode.RootIno, "d")
	require.NoError(t, err)
	require.Equal(t, d, dIno)

	fIno, err := lookup(t, s2, dIno, "f")
	require.NoError(t, err)
	require.Equal(t, f, fIno)

	got := readFile(t, s2, fIno, 0, 16)
	require.Equal(t, []byte("hello"), got)

	// The block allocated to f on s1 must come back marked used after
	// recovery, not reusable by a fresh allocation.
	extents, err := inode.Read(s2.inodes, fIno, func(a *inode.Attrs) []inode.Extent { return a.Extents })
	require.NoError(t, err)
	require.NotEmpty(t, extents)

	first, err := s2.blockAlloc.AllocContiguous(1, 1)
	require.NoError(t, err)
	require.NotEqual(t, extents[0].Begin, first)
}
