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

package bufmgr

import (
	"fmt"

	"github.com/googlecloudplatform/rdbmscore/v2/internal/rdbmserr"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/smgr"
)

// LocalPool is a backend-private buffer pool for temporary relations: it
// is never shared, so it needs no locking and uses a simple round-robin
// victim selection (LRU within the small pool isn't worth the
// bookkeeping, matching PostgreSQL's localbuf.c choice). Unlike the
// shared Pool it has no pin tracking across backends, only a single
// "is the current caller done with it" refCount, but it still refuses
// to silently drop a dirty frame: the frame is flushed via smgr before
// its slot is reused, exactly as the shared Pool does.
type LocalPool struct {
	descs     []Descriptor
	table     map[Tag]int
	nextSlot  int
	blockSize int
	smgr      *smgr.Manager
}

// NewLocalPool allocates a private pool of nBuffers frames.
func NewLocalPool(nBuffers int, blockSize int, mgr *smgr.Manager) *LocalPool {
	descs := make([]Descriptor, nBuffers)
	for i := range descs {
		descs[i].data = make([]byte, blockSize)
	}
	return &LocalPool{
		descs:     descs,
		table:     make(map[Tag]int, nBuffers),
		blockSize: blockSize,
		smgr:      mgr,
	}
}

// ReadBuffer returns a pinned BufferID from the local pool, reading
// through r on a miss.
func (p *LocalPool) ReadBuffer(r *smgr.Relation, tag Tag) (BufferID, error) {
	if idx, ok := p.table[tag]; ok {
		p.descs[idx].refCount++
		return localID(idx), nil
	}

	idx, err := p.victim(r, tag)
	if err != nil {
		return 0, err
	}
	d := &p.descs[idx]
	if err := p.smgr.ReadBlock(r, tag.Blk, d.data); err != nil {
		delete(p.table, tag)
		return 0, fmt.Errorf("bufmgr: local read %+v: %w", tag, err)
	}
	d.flags = flagValid
	d.refCount = 1
	return localID(idx), nil
}

// victim picks a slot for tag via round-robin over unpinned frames,
// flushing it first if it's dirty so no write is ever silently
// discarded on eviction.
func (p *LocalPool) victim(r *smgr.Relation, tag Tag) (int, error) {
	for i := 0; i < len(p.descs); i++ {
		idx := (p.nextSlot + i) % len(p.descs)
		d := &p.descs[idx]
		if d.refCount > 0 {
			continue
		}
		p.nextSlot = (idx + 1) % len(p.descs)

		if !d.tag.isZero() && d.flags&flagDirty != 0 {
			if err := p.smgr.WriteBlock(r, d.tag.Blk, d.data); err != nil {
				return 0, fmt.Errorf("bufmgr: local flush of %+v before eviction: %w", d.tag, err)
			}
			if err := p.smgr.FlushBlock(r, d.tag.Blk); err != nil {
				return 0, err
			}
		}
		if !d.tag.isZero() {
			delete(p.table, d.tag)
		}
		d.tag = tag
		d.flags = 0
		p.table[tag] = idx
		return idx, nil
	}
	return 0, fmt.Errorf("bufmgr: local pool exhausted, every frame pinned: %w", rdbmserr.ErrResourceExhausted)
}

// WriteBuffer marks a local frame dirty.
func (p *LocalPool) WriteBuffer(id BufferID, data []byte) error {
	idx := localIndex(id)
	if idx < 0 || idx >= len(p.descs) {
		return fmt.Errorf("bufmgr: invalid local buffer id %d: %w", id, rdbmserr.ErrStructural)
	}
	d := &p.descs[idx]
	copy(d.data, data)
	d.flags |= flagDirty
	return nil
}

// Data returns a frame's contents.
func (p *LocalPool) Data(id BufferID) []byte {
	return p.descs[localIndex(id)].data
}

// ReleaseBuffer unpins a local frame without forcing a flush; a dirty
// unpinned frame is only written back when its slot is chosen as a
// victim (or on FlushAll), per the ReadBuffer/WriteBuffer/ReleaseBuffer
// contract shared with the shared Pool.
func (p *LocalPool) ReleaseBuffer(id BufferID) error {
	idx := localIndex(id)
	if idx < 0 || idx >= len(p.descs) {
		return fmt.Errorf("bufmgr: invalid local buffer id %d: %w", id, rdbmserr.ErrStructural)
	}
	d := &p.descs[idx]
	if d.refCount <= 0 {
		return fmt.Errorf("bufmgr: releasing unpinned local buffer %d: %w", id, rdbmserr.ErrStructural)
	}
	d.refCount--
	return nil
}

// FlushAll forces every dirty local frame to disk via r, used at
// transaction commit so a backend's temporary-relation writes survive
// even though LocalPool never evicts proactively.
func (p *LocalPool) FlushAll(r *smgr.Relation) error {
	for i := range p.descs {
		d := &p.descs[i]
		if d.tag.isZero() || d.flags&flagDirty == 0 {
			continue
		}
		if err := p.smgr.WriteBlock(r, d.tag.Blk, d.data); err != nil {
			return err
		}
		if err := p.smgr.FlushBlock(r, d.tag.Blk); err != nil {
			return err
		}
		d.flags &^= flagDirty
	}
	return nil
}

// NBuffers reports the local pool's fixed frame count.
func (p *LocalPool) NBuffers() int {
	return len(p.descs)
}

// Local buffer ids are encoded as negative numbers so a caller holding a
// bare BufferID can't confuse a local frame with a shared one: id ==
// -(idx+1).
func localID(idx int) BufferID {
	return BufferID(-(idx + 1))
}

func localIndex(id BufferID) int {
	return int(-id) - 1
}
