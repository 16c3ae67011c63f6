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
	"errors"
	"syscall"

	"github.com/NickCao/cyanfs/internal/alloc"
	"github.com/NickCao/cyanfs/internal/inode"
)

// errnoFromInode maps the error space of the inode cache / KV layer onto
// POSIX errno values understood by the kernel. Any error not recognized
// here is surfaced as EIO, matching the KV contract in §4.3.
func errnoFromInode(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, inode.ErrNotFound):
		return syscall.ENOENT
	default:
		return syscall.EIO
	}
}

// errnoFromAlloc maps allocator exhaustion onto ENOSPC.
func errnoFromAlloc(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, alloc.ErrFull):
		return syscall.ENOSPC
	default:
		return syscall.EIO
	}
}
