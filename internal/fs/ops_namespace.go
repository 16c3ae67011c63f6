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
	"syscall"

	"github.com/NickCao/cyanfs/internal/inode"
	"github.com/jacobsa/fuse/fuseops"
)

// addChild inserts (name -> de) into parent's entry map. It fails with
// EEXIST if name is already present, or ENOTDIR if parent isn't a
// directory.
func (s *Server) addChild(parentIno uint64, name string, de inode.DirEntry) error {
	outcome, err := inode.Modify(s.inodes, parentIno, func(a *inode.Attrs) error {
		if a.Kind != inode.Directory {
			return syscall.ENOTDIR
		}
		if _, exists := a.Entries[name]; exists {
			return syscall.EEXIST
		}
		if a.Entries == nil {
			a.Entries = map[string]inode.DirEntry{}
		}
		a.Entries[name] = de
		a.Mtime = s.clock.Now()
		return nil
	})
	if err != nil {
		return errnoFromInode(err)
	}
	return outcome
}

// removeChild deletes name from parent's entry map, returning the DirEntry
// that was removed.
func (s *Server) removeChild(parentIno uint64, name string) (inode.DirEntry, error) {
	type result struct {
		de  inode.DirEntry
		err error
	}
	res, err := inode.Modify(s.inodes, parentIno, func(a *inode.Attrs) result {
		if a.Kind != inode.Directory {
			return result{err: syscall.ENOTDIR}
		}
		de, ok := a.Entries[name]
		if !ok {
			return result{err: syscall.ENOENT}
		}
		delete(a.Entries, name)
		a.Mtime = s.clock.Now()
		return result{de: de}
	})
	if err != nil {
		return inode.DirEntry{}, errnoFromInode(err)
	}
	if res.err != nil {
		return inode.DirEntry{}, res.err
	}
	return res.de, nil
}

// dropLink decrements an inode's link count, destroying it (freeing its
// blocks and inode number) if it reaches zero. §4.7 unlink/rmdir contract.
func (s *Server) dropLink(ino uint64) error {
	type outcome struct {
		nlink   uint32
		extents []inode.Extent
	}
	o, err := inode.Modify(s.inodes, ino, func(a *inode.Attrs) outcome {
		if a.Nlink > 0 {
			a.Nlink--
		}
		a.Ctime = s.clock.Now()
		return outcome{nlink: a.Nlink, extents: a.Extents}
	})
	if err != nil {
		return errnoFromInode(err)
	}

	if o.nlink == 0 {
		for _, e := range o.extents {
			if err := s.blockAlloc.FreeRange(e.Begin, e.End); err != nil {
				return syscall.EIO
			}
		}
		if err := s.inodeAlloc.Free(ino); err != nil {
			return syscall.EIO
		}
		// The inode cache's own eviction/flush path deletes the KV row once
		// Nlink == 0 (§4.4); nothing further to persist here.
	}
	return nil
}

func (s *Server) createChild(_ context.Context, op interface{ Header() fuseops.OpHeader }, parent uint64, name string, mode uint32, kind inode.FileType) (uint64, *inode.Attrs, error) {
	ino, err := s.allocateIno()
	if err != nil {
		return 0, nil, err
	}

	now := s.clock.Now()
	attrs := &inode.Attrs{
		Ino:    ino,
		Kind:   kind,
		Perm:   uint16(mode &^ 0o7000 & 0o777),
		Nlink:  1,
		Uid:    op.Header().Uid,
		Gid:    op.Header().Gid,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Crtime: now,
	}
	if kind == inode.Directory {
		attrs.Entries = map[string]inode.DirEntry{}
	}

	if err := s.addChild(parent, name, inode.DirEntry{Ino: ino, Kind: kind}); err != nil {
		_ = s.inodeAlloc.Free(ino)
		return 0, nil, err
	}

	s.inodes.Insert(attrs)
	return ino, attrs, nil
}

// MkNode only supports minting regular files; character/block devices,
// FIFOs, and sockets are refused with ENOSYS (§4.7) since this filesystem
// has no special-file content model.
func (s *Server) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if op.Mode&(os.ModeDevice|os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0 {
		return syscall.ENOSYS
	}

	ino, attrs, err := s.createChild(ctx, op, uint64(op.Parent), op.Name, uint32(op.Mode.Perm()), inode.RegularFile)
	if err != nil {
		return err
	}

	op.Entry.Child = fuseops.InodeID(ino)
	op.Entry.Attributes = toFuseAttrs(attrs)
	op.Entry.AttributesExpiration = s.clock.Now().Add(attrValidity)
	op.Entry.EntryExpiration = s.clock.Now().Add(attrValidity)
	return nil
}

func (s *Server) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ino, attrs, err := s.createChild(ctx, op, uint64(op.Parent), op.Name, uint32(op.Mode.Perm()), inode.Directory)
	if err != nil {
		return err
	}

	op.Entry.Child = fuseops.InodeID(ino)
	op.Entry.Attributes = toFuseAttrs(attrs)
	op.Entry.AttributesExpiration = s.clock.Now().Add(attrValidity)
	op.Entry.EntryExpiration = s.clock.Now().Add(attrValidity)
	return nil
}

func (s *Server) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ino, attrs, err := s.createChild(ctx, op, uint64(op.Parent), op.Name, uint32(op.Mode.Perm()), inode.RegularFile)
	if err != nil {
		return err
	}

	op.Entry.Child = fuseops.InodeID(ino)
	op.Entry.Attributes = toFuseAttrs(attrs)
	op.Entry.AttributesExpiration = s.clock.Now().Add(attrValidity)
	op.Entry.EntryExpiration = s.clock.Now().Add(attrValidity)
	return nil
}

func (s *Server) CreateSymlink(_ context.Context, op *fuseops.CreateSymlinkOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ino, err := s.allocateIno()
	if err != nil {
		return err
	}

	now := s.clock.Now()
	attrs := &inode.Attrs{
		Ino:    ino,
		Kind:   inode.Symlink,
		Perm:   0o777,
		Nlink:  1,
		Uid:    op.Header().Uid,
		Gid:    op.Header().Gid,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Crtime: now,
		Link:   op.Target,
	}

	if err := s.addChild(uint64(op.Parent), op.Name, inode.DirEntry{Ino: ino, Kind: inode.Symlink}); err != nil {
		_ = s.inodeAlloc.Free(ino)
		return err
	}
	s.inodes.Insert(attrs)

	op.Entry.Child = fuseops.InodeID(ino)
	op.Entry.Attributes = toFuseAttrs(attrs)
	op.Entry.AttributesExpiration = s.clock.Now().Add(attrValidity)
	op.Entry.EntryExpiration = s.clock.Now().Add(attrValidity)
	return nil
}

func (s *Server) RmDir(_ context.Context, op *fuseops.RmDirOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Policy: does not verify directory emptiness before unlinking, mirroring
	// observed upstream behavior (§9 open question).
	de, err := s.removeChild(uint64(op.Parent), op.Name)
	if err != nil {
		return err
	}
	return s.dropLink(de.Ino)
}

func (s *Server) Unlink(_ context.Context, op *fuseops.UnlinkOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	de, err := s.removeChild(uint64(op.Parent), op.Name)
	if err != nil {
		return err
	}
	return s.dropLink(de.Ino)
}

// Rename rekeys the entry in place within a single parent, or removes it
// from the old parent and inserts it in the new one across parents,
// overwriting any existing entry at the destination name. Per §4.7, no
// cross-parent atomicity is guaranteed beyond single-threaded dispatch.
func (s *Server) Rename(_ context.Context, op *fuseops.RenameOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if op.OldParent == op.NewParent && op.OldName == op.NewName {
		_, err := s.lookupChild(uint64(op.OldParent), op.OldName)
		return err
	}

	de, err := s.lookupChild(uint64(op.OldParent), op.OldName)
	if err != nil {
		return err
	}

	type result struct {
		err      error
		replaced inode.DirEntry
		hadPrior bool
	}
	res, err := inode.Modify(s.inodes, uint64(op.NewParent), func(a *inode.Attrs) result {
		if a.Kind != inode.Directory {
			return result{err: syscall.ENOTDIR}
		}
		if a.Entries == nil {
			a.Entries = map[string]inode.DirEntry{}
		}
		if op.OldParent == op.NewParent {
			delete(a.Entries, op.OldName)
		}
		prior, hadPrior := a.Entries[op.NewName]
		a.Entries[op.NewName] = de
		a.Mtime = s.clock.Now()
		return result{replaced: prior, hadPrior: hadPrior}
	})
	if err != nil {
		return errnoFromInode(err)
	}
	if res.err != nil {
		return res.err
	}

	if op.OldParent != op.NewParent {
		if _, err := s.removeChild(uint64(op.OldParent), op.OldName); err != nil {
			return err
		}
	}

	// An overwritten destination entry loses its last reference to this
	// directory slot; drop its link the same way unlink/rmdir would,
	// freeing its blocks and inode number once its link count hits zero.
	if res.hadPrior && res.replaced.Ino != de.Ino {
		if err := s.dropLink(res.replaced.Ino); err != nil {
			return err
		}
	}
	return nil
}
