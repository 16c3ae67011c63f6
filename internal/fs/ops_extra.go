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

	"github.com/NickCao/cyanfs/internal/block"
	"github.com/NickCao/cyanfs/internal/inode"
	"github.com/jacobsa/fuse/fuseops"
)

// CreateLink hard-links an existing inode (op.Target) into a new directory
// entry (op.Parent/op.Name), incrementing its link count. Fails with EEXIST
// if the name is already taken in the parent.
func (s *Server) CreateLink(_ context.Context, op *fuseops.CreateLinkOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind, err := inode.Read(s.inodes, uint64(op.Target), func(a *inode.Attrs) inode.FileType { return a.Kind })
	if err != nil {
		return errnoFromInode(err)
	}

	if err := s.addChild(uint64(op.Parent), op.Name, inode.DirEntry{Ino: uint64(op.Target), Kind: kind}); err != nil {
		return err
	}

	attrs, err := inode.Modify(s.inodes, uint64(op.Target), func(a *inode.Attrs) fuseops.InodeAttributes {
		a.Nlink++
		a.Ctime = s.clock.Now()
		return toFuseAttrs(a)
	})
	if err != nil {
		return errnoFromInode(err)
	}

	op.Entry.Child = op.Target
	op.Entry.Attributes = attrs
	op.Entry.AttributesExpiration = s.clock.Now().Add(attrValidity)
	op.Entry.EntryExpiration = s.clock.Now().Add(attrValidity)
	return nil
}

// Access succeeds iff the inode exists; permission bits are otherwise left
// to the transport's default_permissions handling (§4.7). No confirmed
// fuseops type backs this operation in the retrieved jacobsa/fuse snapshot,
// so it is exposed as a plain method for a transport adapter to call.
func (s *Server) Access(ino uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := inode.Read(s.inodes, ino, func(a *inode.Attrs) struct{} { return struct{}{} })
	if err != nil {
		return errnoFromInode(err)
	}
	return nil
}

// Fallocate extends size and the extent list identically to a write of
// op.Length at op.Offset, without touching block contents.
func (s *Server) Fallocate(_ context.Context, op *fuseops.FallocateOp) error {
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
	if end := op.Offset + op.Length; end > newSize {
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

	_, err = inode.Modify(s.inodes, uint64(op.Inode), func(a *inode.Attrs) struct{} {
		if newExtent != nil {
			a.Extents = append(a.Extents, *newExtent)
		}
		a.Size = newSize
		a.Mtime = s.clock.Now()
		return struct{}{}
	})
	if err != nil {
		return errnoFromInode(err)
	}
	return nil
}

// StatFS replies with fixed large totals and the block size, per §4.7: this
// filesystem doesn't track real capacity against the sparse backing file.
func (s *Server) StatFS(_ context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = block.Size
	op.Blocks = statfsBlockCount
	op.BlocksFree = statfsBlockCount
	op.BlocksAvailable = statfsBlockCount
	op.IoSize = block.Size
	op.Inodes = allocatorCapacity
	op.InodesFree = allocatorCapacity
	return nil
}
