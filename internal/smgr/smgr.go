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

// Package smgr is the magnetic-disk storage manager: it maps a
// relation's logical block numbers onto a chain of fixed-size segment
// files on disk, opening later segments lazily as a relation grows past
// the first segment's capacity.
package smgr

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/googlecloudplatform/rdbmscore/v2/internal/metrics"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/rdbmserr"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/vfd"
)

// RelFileNode identifies a relation's on-disk storage, independent of
// its catalog OID (so the storage manager works across a
// setNewRelfilenode-style rewrite).
type RelFileNode struct {
	TablespaceOID uint32
	RelOID        uint32
}

// BlockNumber addresses a single page within a relation.
type BlockNumber uint32

// InvalidBlockNumber means "append a new block" when passed to Extend,
// and never names a real block.
const InvalidBlockNumber BlockNumber = 0xFFFFFFFF

// segment is one physical file backing a contiguous range of a
// relation's blocks.
type segment struct {
	vfdDesc vfd.Descriptor
	opened  bool
}

// Relation is a per-backend handle on one relation's on-disk storage:
// an array of segment entries, segment 0 opened eagerly and the rest
// opened lazily on first access, exactly mirroring PostgreSQL's
// mdopen/mdnblocks lazy-segment-chain walk.
type Relation struct {
	mu          sync.Mutex
	node        RelFileNode
	dataDir     string
	segSize     BlockNumber
	blockSize   int
	segments    []segment
	invalidated bool
}

// Manager owns the VFD table every Relation's segments are opened
// through, and the config knobs (segment size, block size) all
// relations share.
type Manager struct {
	vfds      *vfd.Table
	dataDir   string
	segSize   BlockNumber
	blockSize int
}

// NewManager returns a storage manager rooted at dataDir, using vfds for
// every segment file it opens.
func NewManager(vfds *vfd.Table, dataDir string, segSizeBlocks uint32, blockSizeBytes int) *Manager {
	return &Manager{
		vfds:      vfds,
		dataDir:   dataDir,
		segSize:   BlockNumber(segSizeBlocks),
		blockSize: blockSizeBytes,
	}
}

// segmentDir returns the directory holding node's segment files: one
// subdirectory per tablespace, mirroring PostgreSQL's per-tablespace
// directory layout (pg_tblspc/<tsoid>/...), since RelFileNode carries no
// database OID to fold into the path the way a real cluster would.
func (m *Manager) segmentDir(node RelFileNode) string {
	return filepath.Join(m.dataDir, strconv.FormatUint(uint64(node.TablespaceOID), 10))
}

// segmentPath names a segment file exactly <relfilenode>[.N], matching
// PostgreSQL's on-disk layout literally (e.g. relation (1, 16385)'s
// first segment is named "16385", not "1.16385").
func (m *Manager) segmentPath(node RelFileNode, segNo int) string {
	base := strconv.FormatUint(uint64(node.RelOID), 10)
	if segNo == 0 {
		return filepath.Join(m.segmentDir(node), base)
	}
	return filepath.Join(m.segmentDir(node), fmt.Sprintf("%s.%d", base, segNo))
}

// Create makes segment 0 of a brand-new relation, failing if it already
// exists.
func (m *Manager) Create(node RelFileNode) (*Relation, error) {
	if err := os.MkdirAll(m.segmentDir(node), 0755); err != nil {
		return nil, fmt.Errorf("smgr: creating relation %+v: %w", node, err)
	}
	path := m.segmentPath(node, 0)
	d, err := m.vfds.Open(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("smgr: creating relation %+v: %w", node, err)
	}

	r := &Relation{
		node:      node,
		dataDir:   m.dataDir,
		segSize:   m.segSize,
		blockSize: m.blockSize,
		segments:  []segment{{vfdDesc: d, opened: true}},
	}
	metrics.OpenRelations.Inc()
	return r, nil
}

// Open opens an existing relation's segment 0, lazily discovering
// further segments as blocks beyond the first segment's capacity are
// touched.
func (m *Manager) Open(node RelFileNode) (*Relation, error) {
	path := m.segmentPath(node, 0)
	d, err := m.vfds.Open(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("smgr: opening relation %+v: %w", node, err)
	}

	r := &Relation{
		node:      node,
		dataDir:   m.dataDir,
		segSize:   m.segSize,
		blockSize: m.blockSize,
		segments:  []segment{{vfdDesc: d, opened: true}},
	}
	metrics.OpenRelations.Inc()
	return r, nil
}

// segmentFor returns the segment covering blk, opening (or creating,
// if mayCreate) it on first access. Must be called with r.mu held.
func (r *Relation) segmentFor(m *Manager, blk BlockNumber, mayCreate bool) (*segment, error) {
	segNo := int(blk / r.segSize)
	for len(r.segments) <= segNo {
		r.segments = append(r.segments, segment{})
	}
	seg := &r.segments[segNo]
	if seg.opened {
		return seg, nil
	}

	path := m.segmentPath(r.node, segNo)
	flags := os.O_RDWR
	if mayCreate {
		flags |= os.O_CREATE
	}
	d, err := m.vfds.Open(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("smgr: opening segment %d of %+v: %w", segNo, r.node, err)
	}
	seg.vfdDesc = d
	seg.opened = true
	return seg, nil
}

// Node returns the RelFileNode identifying r's on-disk storage.
func (r *Relation) Node() RelFileNode {
	return r.node
}

func (r *Relation) checkLive() error {
	if r.invalidated {
		return fmt.Errorf("smgr: relation %+v used after invalidation: %w", r.node, rdbmserr.ErrStructural)
	}
	return nil
}

// Extend appends a new block (if blk == InvalidBlockNumber) or writes at
// an exact block number one past the relation's current end, returning
// the block number written. Writing into the middle of an existing
// relation is ReadBlock/WriteBlock's job, not Extend's.
func (m *Manager) Extend(r *Relation, blk BlockNumber, data []byte) (BlockNumber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLive(); err != nil {
		return 0, err
	}
	if len(data) != r.blockSize {
		return 0, fmt.Errorf("smgr: extend with %d bytes, want block size %d: %w", len(data), r.blockSize, rdbmserr.ErrStructural)
	}

	if blk == InvalidBlockNumber {
		n, err := m.countBlocksLocked(r)
		if err != nil {
			return 0, err
		}
		blk = n
	}

	seg, err := r.segmentFor(m, blk, true)
	if err != nil {
		return 0, err
	}

	// A prior crash may have left this segment's last block torn (a
	// short write that never completed). Truncate back to the last
	// clean block boundary before writing past it, matching
	// PostgreSQL's mdextend guard against extending onto a torn page.
	size, err := m.vfds.Seek(seg.vfdDesc, 0, 2)
	if err != nil {
		return 0, err
	}
	if rem := size % int64(r.blockSize); rem != 0 {
		if err := m.vfds.Truncate(seg.vfdDesc, size-rem); err != nil {
			return 0, err
		}
	}

	off := int64(blk%r.segSize) * int64(r.blockSize)
	if _, err := m.vfds.Seek(seg.vfdDesc, off, 0); err != nil {
		return 0, err
	}
	n, err := m.vfds.Write(seg.vfdDesc, data)
	if err != nil || n != len(data) {
		// Truncate off a short write rather than leaving a torn page at
		// the new end of the segment.
		m.vfds.Truncate(seg.vfdDesc, off+int64(n))
		if err != nil {
			return 0, fmt.Errorf("smgr: extending %+v to block %d: %w", r.node, blk, err)
		}
		return 0, fmt.Errorf("smgr: extending %+v to block %d: short write (%d of %d bytes): %w", r.node, blk, n, len(data), rdbmserr.ErrStructural)
	}
	return blk, nil
}

// ReadBlock reads block blk into buf, which must be exactly blockSize
// long. A short read (the block has never been written, e.g. a segment
// truncated by a crash) is zero-filled rather than treated as an error,
// matching PostgreSQL's "read past EOF returns zeroes" behavior for
// blocks known to exist per the relation's block count.
func (m *Manager) ReadBlock(r *Relation, blk BlockNumber, buf []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLive(); err != nil {
		return err
	}
	if len(buf) != r.blockSize {
		return fmt.Errorf("smgr: read buffer is %d bytes, want block size %d: %w", len(buf), r.blockSize, rdbmserr.ErrStructural)
	}

	seg, err := r.segmentFor(m, blk, false)
	if err != nil {
		return err
	}

	off := int64(blk%r.segSize) * int64(r.blockSize)
	if _, err := m.vfds.Seek(seg.vfdDesc, off, 0); err != nil {
		return err
	}
	n, err := m.vfds.Read(seg.vfdDesc, buf)
	if err != nil && n == 0 {
		// Treat a wholly-absent block as a hole: zero-fill instead of
		// propagating EOF, matching PostgreSQL's short-read handling.
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// WriteBlock overwrites block blk with buf in place (no append
// semantics), used by the buffer manager's flush path.
func (m *Manager) WriteBlock(r *Relation, blk BlockNumber, buf []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLive(); err != nil {
		return err
	}
	if len(buf) != r.blockSize {
		return fmt.Errorf("smgr: write buffer is %d bytes, want block size %d: %w", len(buf), r.blockSize, rdbmserr.ErrStructural)
	}

	seg, err := r.segmentFor(m, blk, true)
	if err != nil {
		return err
	}

	off := int64(blk%r.segSize) * int64(r.blockSize)
	if _, err := m.vfds.Seek(seg.vfdDesc, off, 0); err != nil {
		return err
	}
	if _, err := m.vfds.Write(seg.vfdDesc, buf); err != nil {
		return fmt.Errorf("smgr: writing %+v block %d: %w", r.node, blk, err)
	}
	return nil
}

// FlushBlock fsyncs the segment containing blk, used after a dirty
// buffer's WriteBlock to make the write durable.
func (m *Manager) FlushBlock(r *Relation, blk BlockNumber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLive(); err != nil {
		return err
	}
	seg, err := r.segmentFor(m, blk, false)
	if err != nil {
		return err
	}
	return m.vfds.Sync(seg.vfdDesc)
}

// MarkDirty records that blk's segment has unflushed writes without
// writing through this handle, used when another backend already wrote
// the block and this one only needs FlushBlock to take effect later.
func (m *Manager) MarkDirty(r *Relation, blk BlockNumber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seg, err := r.segmentFor(m, blk, false)
	if err != nil {
		return err
	}
	return m.vfds.MarkDirty(seg.vfdDesc)
}

// CountBlocks returns the relation's current size in blocks, walking the
// segment chain (the last segment may be partial).
func (m *Manager) CountBlocks(r *Relation) (BlockNumber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLive(); err != nil {
		return 0, err
	}
	return m.countBlocksLocked(r)
}

func (m *Manager) countBlocksLocked(r *Relation) (BlockNumber, error) {
	segNo := 0
	var total BlockNumber
	for {
		// A full segment is followed by the next one, created empty if it
		// does not exist yet, so extending at a segment boundary starts
		// a new segment file.
		seg, err := r.segmentFor(m, BlockNumber(segNo)*r.segSize, segNo > 0)
		if err != nil {
			return total, err
		}
		size, err := m.vfds.Seek(seg.vfdDesc, 0, 2)
		if err != nil {
			return total, err
		}
		blocksInSeg := BlockNumber(size / int64(r.blockSize))
		total += blocksInSeg
		if blocksInSeg < r.segSize {
			return total, nil
		}
		segNo++
	}
}

// TruncateTo shrinks the relation to exactly nBlocks, truncating or
// removing segments past that point.
func (m *Manager) TruncateTo(r *Relation, nBlocks BlockNumber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLive(); err != nil {
		return err
	}

	keepSegs := 1
	if nBlocks > 0 {
		keepSegs = int((nBlocks + r.segSize - 1) / r.segSize)
	}

	for segNo := len(r.segments) - 1; segNo >= keepSegs; segNo-- {
		if r.segments[segNo].opened {
			if err := m.vfds.Unlink(r.segments[segNo].vfdDesc); err != nil {
				return err
			}
		} else {
			os.Remove(m.segmentPath(r.node, segNo))
		}
	}
	if keepSegs < len(r.segments) {
		r.segments = r.segments[:keepSegs]
	}

	if keepSegs > 0 {
		// Use keepSegs-1's segment start rather than nBlocks-1: nBlocks
		// can be 0 (truncate to empty), and BlockNumber is unsigned, so
		// nBlocks-1 would underflow and address a segment far past the
		// end of the relation.
		lastSegNo := keepSegs - 1
		lastSeg, err := r.segmentFor(m, BlockNumber(lastSegNo)*r.segSize, false)
		if err != nil {
			return err
		}
		blocksInLast := nBlocks - BlockNumber(lastSegNo)*r.segSize
		if err := m.vfds.Truncate(lastSeg.vfdDesc, int64(blocksInLast)*int64(r.blockSize)); err != nil {
			return err
		}
	}
	return nil
}

// Unlink removes every segment file belonging to the relation and
// invalidates the handle; further operations on r return
// rdbmserr.ErrStructural.
func (m *Manager) Unlink(r *Relation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for segNo := range r.segments {
		if r.segments[segNo].opened {
			if err := m.vfds.Unlink(r.segments[segNo].vfdDesc); err != nil {
				return err
			}
		} else {
			os.Remove(m.segmentPath(r.node, segNo))
		}
	}
	r.invalidated = true
	metrics.OpenRelations.Dec()
	return nil
}

// BlindWrite writes buf to block blk of node, reopening a segment by
// RelFileNode alone with no live Relation handle — used when flushing a
// dirty buffer whose owning backend has already exited. Keyed purely by
// node, the way PostgreSQL's BufferBlindId carries db/rel name instead
// of a live handle.
func (m *Manager) BlindWrite(node RelFileNode, blk BlockNumber, buf []byte) error {
	if len(buf) != m.blockSize {
		return fmt.Errorf("smgr: blind write buffer is %d bytes, want block size %d: %w", len(buf), m.blockSize, rdbmserr.ErrStructural)
	}

	segNo := int(blk / m.segSize)
	path := m.segmentPath(node, segNo)
	d, err := m.vfds.Open(path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("smgr: blind write opening segment %d of %+v: %w", segNo, node, err)
	}
	defer m.vfds.Close(d)

	off := int64(blk%m.segSize) * int64(m.blockSize)
	if _, err := m.vfds.Seek(d, off, 0); err != nil {
		return err
	}
	if _, err := m.vfds.Write(d, buf); err != nil {
		return fmt.Errorf("smgr: blind write to %+v block %d: %w", node, blk, err)
	}
	return m.vfds.Sync(d)
}

// Commit fsyncs every open segment of r, the per-relation analogue of a
// backend's end-of-transaction flush.
func (m *Manager) Commit(r *Relation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.segments {
		if r.segments[i].opened {
			if err := m.vfds.Sync(r.segments[i].vfdDesc); err != nil {
				return err
			}
		}
	}
	return nil
}

// Abort closes every open segment of r without flushing, discarding any
// dirty OS buffers is not attempted (that's the OS page cache's problem,
// matching PostgreSQL's behavior of relying on the kernel to not have
// flushed yet).
func (m *Manager) Abort(r *Relation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.segments {
		if r.segments[i].opened {
			if err := m.vfds.Close(r.segments[i].vfdDesc); err != nil {
				return err
			}
			r.segments[i].opened = false
		}
	}
	return nil
}
