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

//go:build linux

package block

import "golang.org/x/sys/unix"

// setDirectAndNoAtime asks the kernel to bypass the page cache and skip
// atime updates for reads/writes against fd. Both are best-effort: some
// backing filesystems (tmpfs, overlayfs) reject O_DIRECT outright.
func setDirectAndNoAtime(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return err
	}

	flags |= unix.O_DIRECT | unix.O_NOATIME
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags)
	return err
}
