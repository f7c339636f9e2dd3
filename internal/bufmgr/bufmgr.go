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

// Package bufmgr is the shared buffer pool: a fixed set of in-memory
// frames, each holding one relation block, shared read-locked/
// write-locked and pinned/unpinned by every backend, with a
// clock-sweep-style victim selection algorithm when a requested block
// isn't already resident.
package bufmgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/googlecloudplatform/rdbmscore/v2/internal/metrics"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/rdbmserr"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/smgr"
	"golang.org/x/sync/errgroup"
)

// BufferID identifies a frame. Positive values index the shared Pool;
// negative values (via LocalPool) index a backend-private pool used for
// temporary relations. Zero is never valid.
type BufferID int32

// Tag identifies the page a frame holds.
type Tag struct {
	Node smgr.RelFileNode
	Blk  smgr.BlockNumber
}

// Buffer flag bits, named after PostgreSQL's BM_* bits.
type flags uint8

const (
	flagDirty flags = 1 << iota
	flagValid
	flagIOInProgress
)

// Descriptor is one shared frame's metadata: identity, state flags, pin
// and lock bookkeeping, and the data itself.
type Descriptor struct {
	tag        Tag
	flags      flags
	refCount   int32
	readers    int32
	writer     bool
	holders    map[int64]LockMode // backend ID -> content lock mode held, for unwind on error
	data       []byte
	freeNext   int32
	freePrev   int32
	onFreeList bool
}

func (d *Descriptor) holderMode(backendID int64) LockMode {
	if d.holders == nil {
		return LockUnlock
	}
	return d.holders[backendID]
}

func (d *Descriptor) addHolder(backendID int64, mode LockMode) {
	if d.holders == nil {
		d.holders = make(map[int64]LockMode)
	}
	d.holders[backendID] = mode
}

func (d *Descriptor) removeHolder(backendID int64) {
	delete(d.holders, backendID)
}

// resetContentLock clears a frame's content-lock state when it is
// recycled to a new tag; a newly faulted-in page always starts unlocked.
func (d *Descriptor) resetContentLock() {
	d.readers = 0
	d.writer = false
	d.holders = nil
}

// Pool is the shared buffer pool for one ServerContext. NBuffers frames
// are allocated up front; a buffer table maps Tag -> frame index so
// repeat reads of the same page find it already resident.
type Pool struct {
	mu        sync.Mutex
	cond      *sync.Cond
	descs     []Descriptor
	table     map[Tag]int
	freeHead  int32 // -1 if empty
	blockSize int
	smgr      *smgr.Manager
	clockHand int
}

const noFrame int32 = -1

// NewPool allocates a pool of nBuffers frames of blockSize bytes each,
// all initially on the free list.
func NewPool(nBuffers int, blockSize int, mgr *smgr.Manager) *Pool {
	p := &Pool{
		descs:     make([]Descriptor, nBuffers),
		table:     make(map[Tag]int, nBuffers),
		blockSize: blockSize,
		smgr:      mgr,
		freeHead:  noFrame,
	}
	p.cond = sync.NewCond(&p.mu)
	for i := range p.descs {
		p.descs[i].data = make([]byte, blockSize)
		p.pushFree(i)
	}
	return p
}

func (p *Pool) pushFree(idx int) {
	d := &p.descs[idx]
	d.onFreeList = true
	d.freeNext = p.freeHead
	d.freePrev = noFrame
	if p.freeHead != noFrame {
		p.descs[p.freeHead].freePrev = int32(idx)
	}
	p.freeHead = int32(idx)
}

func (p *Pool) popFree() (int, bool) {
	if p.freeHead == noFrame {
		return 0, false
	}
	idx := int(p.freeHead)
	d := &p.descs[idx]
	p.freeHead = d.freeNext
	if p.freeHead != noFrame {
		p.descs[p.freeHead].freePrev = noFrame
	}
	d.onFreeList = false
	return idx, true
}

func (p *Pool) removeFromFreeList(idx int) {
	d := &p.descs[idx]
	if !d.onFreeList {
		return
	}
	if d.freePrev != noFrame {
		p.descs[d.freePrev].freeNext = d.freeNext
	} else {
		p.freeHead = d.freeNext
	}
	if d.freeNext != noFrame {
		p.descs[d.freeNext].freePrev = d.freePrev
	}
	d.onFreeList = false
}

// ReadBuffer returns a pinned BufferID holding tag's page, reading it
// from disk (via the Relation r) on a miss. Callers must ReleaseBuffer
// exactly once per ReadBuffer.
func (p *Pool) ReadBuffer(r *smgr.Relation, tag Tag) (BufferID, error) {
	p.mu.Lock()

	if idx, ok := p.table[tag]; ok {
		d := &p.descs[idx]
		if d.refCount == 0 {
			p.removeFromFreeList(idx)
		}
		d.refCount++
		p.mu.Unlock()
		metrics.BufferHits.Inc()
		return BufferID(idx + 1), nil
	}

	metrics.BufferMisses.Inc()
	idx, err := p.replace(tag)
	if err != nil {
		p.mu.Unlock()
		return 0, err
	}
	d := &p.descs[idx]
	d.flags |= flagIOInProgress
	p.mu.Unlock()

	if err := p.smgr.ReadBlock(r, tag.Blk, d.data); err != nil {
		p.mu.Lock()
		d.flags &^= flagIOInProgress
		delete(p.table, tag)
		d.refCount--
		if d.refCount == 0 {
			p.pushFree(idx)
		}
		p.mu.Unlock()
		return 0, fmt.Errorf("bufmgr: reading %+v: %w", tag, err)
	}

	p.mu.Lock()
	d.flags = flagValid
	d.flags &^= flagIOInProgress
	p.mu.Unlock()

	return BufferID(idx + 1), nil
}

// flushVictimLocked writes d's contents to disk via BlindWrite if it is
// dirty, dropping p.mu around the actual I/O and reacquiring it before
// returning. Must be called with p.mu held. Reports ok false (with a nil
// error) when another backend pinned d under its old tag while the lock
// was dropped, meaning d is no longer eviction material and the caller
// must select a different victim; a non-nil error means the write itself
// failed.
func (p *Pool) flushVictimLocked(d *Descriptor) (ok bool, err error) {
	if d.flags&flagDirty == 0 || d.tag.isZero() {
		return true, nil
	}
	victimTag := d.tag
	data := append([]byte(nil), d.data...)

	p.mu.Unlock()
	writeErr := p.smgr.BlindWrite(victimTag.Node, victimTag.Blk, data)
	p.mu.Lock()

	if writeErr != nil {
		return false, fmt.Errorf("bufmgr: flushing victim %+v before replace: %w", victimTag, writeErr)
	}
	if d.refCount != 0 || d.tag != victimTag {
		return false, nil
	}
	d.flags &^= flagDirty
	return true, nil
}

// nextClockVictim advances the clock hand to the next unpinned, quiescent
// frame. Must be called with p.mu held.
func (p *Pool) nextClockVictim() (int, bool) {
	start := p.clockHand
	for i := 0; i < len(p.descs); i++ {
		idx := (start + i) % len(p.descs)
		d := &p.descs[idx]
		if d.refCount == 0 && d.flags&flagIOInProgress == 0 {
			p.clockHand = (idx + 1) % len(p.descs)
			return idx, true
		}
	}
	return 0, false
}

// replace performs victim selection: find tag already resident (handled
// by the caller before calling this), or evict an unpinned frame,
// flushing it first if dirty, per the write-back model where a dirty
// frame's disk write is deferred until replacement time, an explicit
// flush, or transaction commit. Must be called with p.mu held; the pool
// lock is dropped around the actual disk I/O for the flush and
// reacquired before the frame's new occupancy is installed.
func (p *Pool) replace(tag Tag) (int, error) {
	for attempt := 0; attempt <= len(p.descs); attempt++ {
		if idx, ok := p.popFree(); ok {
			d := &p.descs[idx]
			flushed, err := p.flushVictimLocked(d)
			if err != nil {
				p.pushFree(idx)
				return 0, err
			}
			if !flushed {
				if d.refCount == 0 {
					p.pushFree(idx)
				}
				continue
			}
			if !d.tag.isZero() {
				delete(p.table, d.tag)
			}
			d.tag = tag
			d.refCount = 1
			d.resetContentLock()
			p.table[tag] = idx
			return idx, nil
		}

		idx, found := p.nextClockVictim()
		if !found {
			return 0, fmt.Errorf("bufmgr: no evictable frame among %d: %w", len(p.descs), rdbmserr.ErrResourceExhausted)
		}
		d := &p.descs[idx]
		flushed, err := p.flushVictimLocked(d)
		if err != nil {
			return 0, err
		}
		if !flushed {
			continue
		}
		delete(p.table, d.tag)
		d.tag = tag
		d.refCount = 1
		d.resetContentLock()
		p.table[tag] = idx
		metrics.BufferEvictions.Inc()
		return idx, nil
	}

	return 0, fmt.Errorf("bufmgr: no evictable frame after retries among %d: %w", len(p.descs), rdbmserr.ErrResourceExhausted)
}

func (t Tag) isZero() bool {
	return t == Tag{}
}

// ReleaseBuffer unpins id. A dirty frame is never flushed here: write-back
// is deferred until the frame is chosen as a replacement victim, flushed
// explicitly via FlushBuffer, or committed via CommitTransaction, so an
// unpin by itself issues no disk I/O.
func (p *Pool) ReleaseBuffer(r *smgr.Relation, id BufferID) error {
	idx := int(id) - 1
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.descs) {
		return fmt.Errorf("bufmgr: invalid buffer id %d: %w", id, rdbmserr.ErrStructural)
	}
	d := &p.descs[idx]
	if d.refCount <= 0 {
		return fmt.Errorf("bufmgr: releasing unpinned buffer %d: %w", id, rdbmserr.ErrStructural)
	}
	if d.tag.Node != r.Node() {
		return fmt.Errorf("bufmgr: releasing buffer %d with wrong relation handle: %w", id, rdbmserr.ErrStructural)
	}
	d.refCount--
	if d.refCount == 0 {
		p.pushFree(idx)
	}
	return nil
}

// WriteBuffer marks id dirty and copies data into its frame. The caller
// must hold the buffer's exclusive lock (see LockBuffer). The write only
// marks the frame; actual disk I/O happens lazily, at replacement,
// explicit flush, or commit time.
func (p *Pool) WriteBuffer(id BufferID, data []byte) error {
	idx := int(id) - 1
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.descs) {
		return fmt.Errorf("bufmgr: invalid buffer id %d: %w", id, rdbmserr.ErrStructural)
	}
	d := &p.descs[idx]
	copy(d.data, data)
	d.flags |= flagDirty
	return nil
}

// Data returns a direct view onto id's frame contents; callers must hold
// at least a shared lock while reading it.
func (p *Pool) Data(id BufferID) []byte {
	return p.descs[int(id)-1].data
}

// FlushBuffer forces id's frame to disk via r regardless of its dirty
// bit, then clears it.
func (p *Pool) FlushBuffer(r *smgr.Relation, id BufferID) error {
	idx := int(id) - 1
	p.mu.Lock()
	d := &p.descs[idx]
	tag := d.tag
	data := append([]byte(nil), d.data...)
	p.mu.Unlock()

	if err := p.smgr.WriteBlock(r, tag.Blk, data); err != nil {
		return err
	}
	if err := p.smgr.FlushBlock(r, tag.Blk); err != nil {
		return err
	}

	p.mu.Lock()
	d.flags &^= flagDirty
	p.mu.Unlock()
	return nil
}

// checkpointConcurrency bounds how many dirty frames a Checkpoint call
// writes back at once, so a checkpoint over a large pool doesn't open
// one goroutine (and one VFD) per dirty frame simultaneously.
const checkpointConcurrency = 8

// flushDirtyFrames writes every currently-dirty frame in the pool to
// disk, concurrently (bounded by checkpointConcurrency) since each
// frame's flush is independent I/O against a distinct block. It does not
// pin or lock frames, so a concurrent ReadBuffer/WriteBuffer can still
// race with it; callers needing a consistent snapshot must quiesce
// writers first. Shared by Checkpoint and CommitTransaction.
func (p *Pool) flushDirtyFrames() error {
	type dirtyFrame struct {
		idx  int
		tag  Tag
		data []byte
	}

	p.mu.Lock()
	var dirty []dirtyFrame
	for i := range p.descs {
		d := &p.descs[i]
		if d.flags&flagDirty != 0 && !d.tag.isZero() {
			dirty = append(dirty, dirtyFrame{idx: i, tag: d.tag, data: append([]byte(nil), d.data...)})
		}
	}
	p.mu.Unlock()

	if len(dirty) == 0 {
		return nil
	}

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(checkpointConcurrency)
	for _, f := range dirty {
		f := f
		g.Go(func() error {
			if err := p.smgr.BlindWrite(f.tag.Node, f.tag.Blk, f.data); err != nil {
				return fmt.Errorf("bufmgr: flushing %+v: %w", f.tag, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Clear the dirty bit only on frames that still hold the tag they
	// held when collected above; a frame recycled to a different tag in
	// the meantime was already flushed by whatever evicted it.
	p.mu.Lock()
	for _, f := range dirty {
		d := &p.descs[f.idx]
		if d.tag == f.tag {
			d.flags &^= flagDirty
		}
	}
	p.mu.Unlock()
	return nil
}

// Checkpoint forces every currently-dirty frame in the pool to disk, the
// process-wide analogue of a CHECKPOINT command.
func (p *Pool) Checkpoint() error {
	return p.flushDirtyFrames()
}

// CommitTransaction ends a backend's transaction from the pool's point of
// view. sharedBufferChanged reports whether the backend dirtied any
// shared buffer during the transaction (tracked by the caller, typically
// via a wrapper around WriteBuffer); when false this is a true no-op that
// never takes the pool lock, so committing a read-only transaction issues
// no disk write. Otherwise every dirty frame in the pool is flushed,
// sharing flushDirtyFrames with Checkpoint.
func (p *Pool) CommitTransaction(sharedBufferChanged bool) error {
	if !sharedBufferChanged {
		return nil
	}
	return p.flushDirtyFrames()
}

// LockMode is the per-buffer content lock's mode.
type LockMode int

const (
	LockUnlock LockMode = iota
	LockShare
	LockExclusive
)

// LockBuffer acquires or releases id's per-buffer content lock (distinct
// from the pin count) on behalf of backendID, matching
// BUFFER_LOCK_SHARE/EXCLUSIVE/UNLOCK. LockShare blocks while any backend
// holds the exclusive lock; LockExclusive blocks while any backend holds
// the lock in either mode. Every acquisition is recorded in a
// per-backend holder map on the Descriptor so LockUnlock (and a future
// unwind-on-error path) can tell which mode to release without the
// caller having to remember it.
func (p *Pool) LockBuffer(backendID int64, id BufferID, mode LockMode) error {
	idx := int(id) - 1
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.descs) {
		return fmt.Errorf("bufmgr: invalid buffer id %d: %w", id, rdbmserr.ErrStructural)
	}
	d := &p.descs[idx]
	switch mode {
	case LockShare:
		for d.writer {
			p.cond.Wait()
		}
		d.readers++
		d.addHolder(backendID, LockShare)
	case LockExclusive:
		for d.writer || d.readers > 0 {
			p.cond.Wait()
		}
		d.writer = true
		d.addHolder(backendID, LockExclusive)
	case LockUnlock:
		switch d.holderMode(backendID) {
		case LockExclusive:
			d.writer = false
		case LockShare:
			if d.readers > 0 {
				d.readers--
			}
		}
		d.removeHolder(backendID)
		p.cond.Broadcast()
	default:
		return fmt.Errorf("bufmgr: invalid lock mode %d: %w", mode, rdbmserr.ErrStructural)
	}
	return nil
}

// MarkDirtyByOther sets the dirty bit on a buffer another backend wrote
// through a different handle, so the frame is still written back when it
// is replaced, flushed, checkpointed or committed.
func (p *Pool) MarkDirtyByOther(id BufferID) error {
	idx := int(id) - 1
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.descs) {
		return fmt.Errorf("bufmgr: invalid buffer id %d: %w", id, rdbmserr.ErrStructural)
	}
	p.descs[idx].flags |= flagDirty
	return nil
}

// NBuffers reports the pool's fixed frame count.
func (p *Pool) NBuffers() int {
	return len(p.descs)
}
