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
	"time"

	"github.com/NickCao/cyanfs/internal/inode"
	"github.com/jacobsa/fuse/fuseops"
)

const attrValidity = 365 * 24 * time.Hour

type lookupResult struct {
	notDir bool
	entry  inode.DirEntry
	found  bool
}

// lookupChild reads parent and returns the DirEntry named name within it.
// It fails with ENOTDIR if parent isn't a directory and ENOENT if the name
// is absent.
func (s *Server) lookupChild(parentIno uint64, name string) (inode.DirEntry, error) {
	res, err := inode.Read(s.inodes, parentIno, func(a *inode.Attrs) lookupResult {
		if a.Kind != inode.Directory {
			return lookupResult{notDir: true}
		}
		child, ok := a.Entries[name]
		return lookupResult{entry: child, found: ok}
	})
	if err != nil {
		return inode.DirEntry{}, errnoFromInode(err)
	}
	if res.notDir {
		return inode.DirEntry{}, syscall.ENOTDIR
	}
	if !res.found {
		return inode.DirEntry{}, syscall.ENOENT
	}

	return res.entry, nil
}

func (s *Server) LookUpInode(_ context.Context, op *fuseops.LookUpInodeOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	de, err := s.lookupChild(uint64(op.Parent), op.Name)
	if err != nil {
		return err
	}

	attrs, err := inode.Read(s.inodes, de.Ino, func(a *inode.Attrs) fuseops.InodeAttributes { return toFuseAttrs(a) })
	if err != nil {
		return errnoFromInode(err)
	}

	op.Entry.Child = fuseops.InodeID(de.Ino)
	op.Entry.Attributes = attrs
	op.Entry.AttributesExpiration = s.clock.Now().Add(attrValidity)
	op.Entry.EntryExpiration = s.clock.Now().Add(attrValidity)
	return nil
}

func (s *Server) GetInodeAttributes(_ context.Context, op *fuseops.GetInodeAttributesOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs, err := inode.Read(s.inodes, uint64(op.Inode), func(a *inode.Attrs) fuseops.InodeAttributes { return toFuseAttrs(a) })
	if err != nil {
		return errnoFromInode(err)
	}

	op.Attributes = attrs
	op.AttributesExpiration = s.clock.Now().Add(attrValidity)
	return nil
}

func (s *Server) SetInodeAttributes(_ context.Context, op *fuseops.SetInodeAttributesOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs, err := inode.Modify(s.inodes, uint64(op.Inode), func(a *inode.Attrs) fuseops.InodeAttributes {
		now := s.clock.Now()
		if op.Size != nil {
			// Retained: blocks past the new EOF are not freed (§9 open question,
			// resolved toward the safer default).
			a.Size = *op.Size
		}
		if op.Mode != nil {
			a.Perm = uint16(op.Mode.Perm())
		}
		if op.Atime != nil {
			a.Atime = *op.Atime
		}
		if op.Mtime != nil {
			a.Mtime = *op.Mtime
		}
		a.Ctime = now
		return toFuseAttrs(a)
	})
	if err != nil {
		return errnoFromInode(err)
	}

	op.Attributes = attrs
	op.AttributesExpiration = s.clock.Now().Add(attrValidity)
	return nil
}

// ForgetInode satisfies fuseutil.FileSystem. Link-count-driven deletion is
// already handled at unlink/rmdir time via InodeCache write-back (§4.4), so
// there is nothing left to do when the kernel drops its reference.
func (s *Server) ForgetInode(_ context.Context, op *fuseops.ForgetInodeOp) error {
	return nil
}
