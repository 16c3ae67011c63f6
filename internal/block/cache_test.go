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

package block_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/NickCao/cyanfs/internal/block"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, capacity int) (*block.Cache, *block.Device) {
	t.Helper()
	dev, err := block.Open(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return block.NewCache(dev, capacity), dev
}

func TestCacheWriteThenReadHit(t *testing.T) {
	c, _ := newTestCache(t, 4)

	in := bytes.Repeat([]byte{0x42}, block.Size)
	require.NoError(t, c.WriteBlock(1, in))

	out := make([]byte, block.Size)
	require.NoError(t, c.ReadBlock(1, out))
	require.Equal(t, in, out)
}

func TestCacheEvictionWritesBackDirtyBlock(t *testing.T) {
	c, dev := newTestCache(t, 1)

	in := bytes.Repeat([]byte{0x7}, block.Size)
	require.NoError(t, c.WriteBlock(1, in))

	// Inserting a second block with a cache of capacity 1 evicts block 1,
	// which must write back because it is dirty.
	require.NoError(t, c.WriteBlock(2, bytes.Repeat([]byte{0x9}, block.Size)))

	out := make([]byte, block.Size)
	require.NoError(t, dev.ReadBlock(1, out))
	require.Equal(t, in, out)
}

func TestCacheFlushWritesBackAndClears(t *testing.T) {
	c, dev := newTestCache(t, 4)

	in := bytes.Repeat([]byte{0x55}, block.Size)
	require.NoError(t, c.WriteBlock(7, in))

	require.NoError(t, c.Flush())

	out := make([]byte, block.Size)
	require.NoError(t, dev.ReadBlock(7, out))
	require.Equal(t, in, out)
}

func TestFlushBlockIsNoopWhenNotCached(t *testing.T) {
	c, _ := newTestCache(t, 4)
	require.NoError(t, c.FlushBlock(123))
}
