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
	"syscall"

	"github.com/NickCao/cyanfs/internal/block"
	"github.com/NickCao/cyanfs/internal/extent"
	"github.com/NickCao/cyanfs/internal/inode"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

// This implementation keeps no per-handle state: every op that follows an
// open carries the inode number directly, so OpenDir/OpenFile need only
// confirm the inode exists and has the expected kind. Handle values are
// left at their zero value.

func (s *Server) OpenDir(_ context.Context, op *fuseops.OpenDirOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind, err := inode.Read(s.inodes, uint64(op.Inode), func(a *inode.Attrs) inode.FileType { return a.Kind })
	if err != nil {
		return errnoFromInode(err)
	}
	if kind != inode.Directory {
		return syscall.ENOTDIR
	}
	return nil
}

func (s *Server) ReadDir(_ context.Context, op *fuseops.ReadDirOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	type listing struct {
		names []string
		de    map[string]inode.DirEntry
		isDir bool
	}
	l, err := inode.Read(s.inodes, uint64(op.Inode), func(a *inode.Attrs) listing {
		return listing{names: a.SortedEntryNames(), de: a.Entries, isDir: a.Kind == inode.Directory}
	})
	if err != nil {
		return errnoFromInode(err)
	}
	if !l.isDir {
		return syscall.ENOTDIR
	}

	buf := make([]byte, op.Size)
	n := 0
	for i := int(op.Offset); i < len(l.names); i++ {
		name := l.names[i]
		de := l.de[name]
		written := fuseutil.WriteDirent(buf[n:], fuseops.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fuseops.InodeID(de.Ino),
			Name:   name,
			Type:   direntType(de.Kind),
		})
		if written == 0 {
			break
		}
		n += written
	}
	op.Data = buf[:n]
	return nil
}

func (s *Server) ReleaseDirHandle(_ context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

func (s *Server) OpenFile(_ context.Context, op *fuseops.OpenFileOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind, err := inode.Read(s.inodes, uint64(op.Inode), func(a *inode.Attrs) inode.FileType { return a.Kind })
	if err != nil {
		return errnoFromInode(err)
	}
	if kind != inode.RegularFile {
		return syscall.EINVAL
	}
	return nil
}

func (s *Server) ReleaseFileHandle(_ context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return nil
}

func (s *Server) ReadFile(_ context.Context, op *fuseops.ReadFileOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	type snapshot struct {
		extents []inode.Extent
		size    uint64
	}
	snap, err := inode.Read(s.inodes, uint64(op.Inode), func(a *inode.Attrs) snapshot {
		return snapshot{extents: a.Extents, size: a.Size}
	})
	if err != nil {
		return errnoFromInode(err)
	}

	out := make([]byte, op.Size)
	n, err := extent.ReadAt(s.blocks, snap.extents, snap.size, uint64(op.Offset), out)
	if err != nil {
		return syscall.EIO
	}
	op.Data = out[:n]
	return nil
}

// WriteFile extends the inode's extent list when the write grows the file,
// allocating one contiguous run of new blocks from the block allocator
// (§4.7's write contract), then performs the extent-level write.
func (s *Server) WriteFile(_ context.Context, op *fuseops.WriteFileOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	type snapshot struct {
		extents []inode.Extent
		size    uint64
	}
	snap, err := inode.Read(s.inodes, uint64(op.Inode), func(a *inode.Attrs) snapshot {
		return snapshot{extents: a.Extents, size: a.Size}
	})
	if err != nil {
		return errnoFromInode(err)
	}

	newSize := snap.size
	if end := uint64(op.Offset) + uint64(len(op.Data)); end > newSize {
		newSize = end
	}

	existingBlocks := uint64(0)
	for _, e := range snap.extents {
		existingBlocks += e.Len()
	}
	requiredBlocks := (newSize + block.Size - 1) / block.Size

	var newExtent *inode.Extent
	if requiredBlocks > existingBlocks {
		n := requiredBlocks - existingBlocks
		first, aerr := s.blockAlloc.AllocContiguous(n, 1)
		if aerr != nil {
			return errnoFromAlloc(aerr)
		}
		newExtent = &inode.Extent{Begin: first, End: first + n}
	}

	outcome, err := inode.Modify(s.inodes, uint64(op.Inode), func(a *inode.Attrs) error {
		if newExtent != nil {
			a.Extents = append(a.Extents, *newExtent)
		}
		a.Size = newSize
		a.Mtime = s.clock.Now()

		_, werr := extent.WriteAt(s.blocks, a.Extents, uint64(op.Offset), op.Data)
		return werr
	})
	if err != nil {
		return errnoFromInode(err)
	}
	if outcome != nil {
		return syscall.EIO
	}
	return nil
}

func (s *Server) ReadSymlink(_ context.Context, op *fuseops.ReadSymlinkOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := inode.Read(s.inodes, uint64(op.Inode), func(a *inode.Attrs) string { return a.Link })
	if err != nil {
		return errnoFromInode(err)
	}
	op.Target = target
	return nil
}

// flushInode evicts ino from the cache (forcing write-back or delete) and
// flushes its extent blocks through the block cache, per the flush/fsync
// contract in §4.7.
func (s *Server) flushInode(ino uint64) error {
	var extents []inode.Extent
	if _, err := inode.Read(s.inodes, ino, func(a *inode.Attrs) struct{} {
		extents = a.Extents
		return struct{}{}
	}); err != nil {
		return errnoFromInode(err)
	}

	if err := s.inodes.EvictOne(ino); err != nil {
		return syscall.EIO
	}
	if err := extent.Fsync(s.blocks, extents); err != nil {
		return syscall.EIO
	}
	return nil
}

func (s *Server) SyncFile(_ context.Context, op *fuseops.SyncFileOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushInode(uint64(op.Inode))
}

func (s *Server) FlushFile(_ context.Context, op *fuseops.FlushFileOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushInode(uint64(op.Inode))
}
