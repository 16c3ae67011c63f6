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

func TestReadWriteBlockRoundTrip(t *testing.T) {
	dev, err := block.Open(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	defer dev.Close()

	buf := bytes.Repeat([]byte{0xAB}, block.Size)
	require.NoError(t, dev.WriteBlock(3, buf))

	out := make([]byte, block.Size)
	require.NoError(t, dev.ReadBlock(3, out))
	require.Equal(t, buf, out)
}

func TestReadUnwrittenBlockIsZero(t *testing.T) {
	dev, err := block.Open(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	defer dev.Close()

	// Force the backing file to grow past block 5 first.
	require.NoError(t, dev.WriteBlock(5, bytes.Repeat([]byte{1}, block.Size)))

	out := make([]byte, block.Size)
	require.NoError(t, dev.ReadBlock(2, out))
	require.Equal(t, make([]byte, block.Size), out)
}

func TestWriteBlockRejectsWrongSize(t *testing.T) {
	dev, err := block.Open(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	defer dev.Close()

	require.Error(t, dev.WriteBlock(0, []byte{1, 2, 3}))
}
