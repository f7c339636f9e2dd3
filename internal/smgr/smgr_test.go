// Copyright 2024 Google LLC
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

package smgr

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/googlecloudplatform/rdbmscore/v2/internal/rdbmserr"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/vfd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 64

func newTestManager(t *testing.T, segSizeBlocks uint32) *Manager {
	t.Helper()
	_, m := newTestManagerDir(t, segSizeBlocks)
	return m
}

func newTestManagerDir(t *testing.T, segSizeBlocks uint32) (string, *Manager) {
	t.Helper()
	dir := t.TempDir()
	vfds := vfd.NewTable(0, false)
	return dir, NewManager(vfds, dir, segSizeBlocks, testBlockSize)
}

func block(fill byte) []byte {
	b := make([]byte, testBlockSize)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestManager_CreateExtendReadBlock(t *testing.T) {
	m := newTestManager(t, 131072)
	node := RelFileNode{TablespaceOID: 1, RelOID: 100}

	r, err := m.Create(node)
	require.NoError(t, err)

	blk, err := m.Extend(r, InvalidBlockNumber, block('a'))
	require.NoError(t, err)
	assert.Equal(t, BlockNumber(0), blk)

	buf := make([]byte, testBlockSize)
	require.NoError(t, m.ReadBlock(r, blk, buf))
	assert.Equal(t, block('a'), buf)
}

func TestManager_ReadBlockPastEndIsZeroFilled(t *testing.T) {
	m := newTestManager(t, 131072)
	node := RelFileNode{TablespaceOID: 1, RelOID: 101}

	r, err := m.Create(node)
	require.NoError(t, err)

	buf := make([]byte, testBlockSize)
	require.NoError(t, m.ReadBlock(r, 5, buf))
	assert.True(t, bytes.Equal(buf, make([]byte, testBlockSize)))
}

func TestManager_SpansMultipleSegments(t *testing.T) {
	m := newTestManager(t, 2) // tiny segments to force rollover
	node := RelFileNode{TablespaceOID: 1, RelOID: 102}

	r, err := m.Create(node)
	require.NoError(t, err)

	for i := byte(0); i < 5; i++ {
		_, err := m.Extend(r, InvalidBlockNumber, block('a'+i))
		require.NoError(t, err)
	}

	count, err := m.CountBlocks(r)
	require.NoError(t, err)
	assert.Equal(t, BlockNumber(5), count)

	buf := make([]byte, testBlockSize)
	require.NoError(t, m.ReadBlock(r, 4, buf))
	assert.Equal(t, block('a'+4), buf)
}

func TestManager_WriteBlockOverwritesInPlace(t *testing.T) {
	m := newTestManager(t, 131072)
	node := RelFileNode{TablespaceOID: 1, RelOID: 103}

	r, err := m.Create(node)
	require.NoError(t, err)
	_, err = m.Extend(r, InvalidBlockNumber, block('a'))
	require.NoError(t, err)

	require.NoError(t, m.WriteBlock(r, 0, block('z')))

	buf := make([]byte, testBlockSize)
	require.NoError(t, m.ReadBlock(r, 0, buf))
	assert.Equal(t, block('z'), buf)
}

func TestManager_TruncateToShrinksRelation(t *testing.T) {
	m := newTestManager(t, 2)
	node := RelFileNode{TablespaceOID: 1, RelOID: 104}

	r, err := m.Create(node)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := m.Extend(r, InvalidBlockNumber, block('a'))
		require.NoError(t, err)
	}

	require.NoError(t, m.TruncateTo(r, 1))

	count, err := m.CountBlocks(r)
	require.NoError(t, err)
	assert.Equal(t, BlockNumber(1), count)
}

func TestManager_UnlinkInvalidatesRelation(t *testing.T) {
	m := newTestManager(t, 131072)
	node := RelFileNode{TablespaceOID: 1, RelOID: 105}

	r, err := m.Create(node)
	require.NoError(t, err)
	require.NoError(t, m.Unlink(r))

	_, err = m.Extend(r, InvalidBlockNumber, block('a'))
	assert.True(t, errors.Is(err, rdbmserr.ErrStructural))
}

func TestManager_BlindWriteWithNoLiveHandle(t *testing.T) {
	m := newTestManager(t, 131072)
	node := RelFileNode{TablespaceOID: 1, RelOID: 106}

	r, err := m.Create(node)
	require.NoError(t, err)
	_, err = m.Extend(r, InvalidBlockNumber, block('a'))
	require.NoError(t, err)
	require.NoError(t, m.Abort(r))

	require.NoError(t, m.BlindWrite(node, 0, block('b')))

	r2, err := m.Open(node)
	require.NoError(t, err)
	buf := make([]byte, testBlockSize)
	require.NoError(t, m.ReadBlock(r2, 0, buf))
	assert.Equal(t, block('b'), buf)
}

func TestManager_SegmentNamedByRelfilenodeAlone(t *testing.T) {
	dir, m := newTestManagerDir(t, 131072)
	node := RelFileNode{TablespaceOID: 1, RelOID: 16385}

	r, err := m.Create(node)
	require.NoError(t, err)
	_, err = m.Extend(r, InvalidBlockNumber, block('a'))
	require.NoError(t, err)

	path := filepath.Join(dir, "1", "16385")
	info, err := os.Stat(path)
	require.NoError(t, err, "segment file must be named exactly <relfilenode>, not <tablespace>.<relfilenode>")
	assert.Equal(t, int64(testBlockSize), info.Size())
}

func TestManager_TruncateToZeroLeavesSegmentZeroPresentAndEmpty(t *testing.T) {
	m := newTestManager(t, 2)
	node := RelFileNode{TablespaceOID: 1, RelOID: 108}

	r, err := m.Create(node)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := m.Extend(r, InvalidBlockNumber, block('a'))
		require.NoError(t, err)
	}

	require.NoError(t, m.TruncateTo(r, 0))

	count, err := m.CountBlocks(r)
	require.NoError(t, err)
	assert.Equal(t, BlockNumber(0), count)
}

func TestManager_ExtendTruncatesBackOnTornLastBlock(t *testing.T) {
	dir, m := newTestManagerDir(t, 131072)
	node := RelFileNode{TablespaceOID: 1, RelOID: 109}

	r, err := m.Create(node)
	require.NoError(t, err)
	_, err = m.Extend(r, InvalidBlockNumber, block('a'))
	require.NoError(t, err)

	// Simulate a crash that left block 0 torn: the segment file is
	// shorter than a full block.
	path := filepath.Join(dir, "1", "109")
	require.NoError(t, os.Truncate(path, testBlockSize/2))

	blk, err := m.Extend(r, InvalidBlockNumber, block('b'))
	require.NoError(t, err)
	assert.Equal(t, BlockNumber(0), blk, "the torn partial block must be discarded, not counted as block 0")

	buf := make([]byte, testBlockSize)
	require.NoError(t, m.ReadBlock(r, 0, buf))
	assert.Equal(t, block('b'), buf)

	count, err := m.CountBlocks(r)
	require.NoError(t, err)
	assert.Equal(t, BlockNumber(1), count)
}

func TestManager_WrongBlockSizeIsStructural(t *testing.T) {
	m := newTestManager(t, 131072)
	node := RelFileNode{TablespaceOID: 1, RelOID: 107}

	r, err := m.Create(node)
	require.NoError(t, err)

	_, err = m.Extend(r, InvalidBlockNumber, make([]byte, 3))
	assert.True(t, errors.Is(err, rdbmserr.ErrStructural))
}
