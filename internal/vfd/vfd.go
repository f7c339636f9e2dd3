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

// Package vfd implements the virtual file descriptor cache: a fixed
// budget of real OS file descriptors shared across far more logical open
// files than the process could otherwise hold open at once. A Descriptor
// is an opaque handle into a Table; the Table transparently closes the
// least-recently-used real descriptor and reopens it on demand, so
// callers never see EMFILE as long as they stay within the cache's own
// logical-handle budget.
package vfd

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/metrics"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/rdbmserr"
)

// Descriptor is an opaque handle into a Table. Negative values are never
// valid; Open and OpenTemporary return freshly allocated ones, starting
// at 0.
type Descriptor int32

// entry is one logical open file tracked by the Table, whether or not it
// currently holds a real OS descriptor.
type entry struct {
	file  *os.File // nil when not currently backed by a real fd.
	name  string   // empty for temporary files once unlinked.
	flags int
	mode  os.FileMode
	pos   int64 // seek position hint, used to reopen+reseek transparently.
	dirty bool
	temp  bool

	// LRU ring links, by Descriptor, within the set of entries that
	// currently hold a real fd. inUse marks membership in that ring.
	lruNext, lruPrev Descriptor
	inUse            bool
}

// Table is the virtual file descriptor cache for one ServerContext: a
// slot array of entries plus an LRU ring over the subset currently
// holding real OS descriptors.
type Table struct {
	mu          sync.Mutex
	entries     []entry
	freeList    []Descriptor
	lruHead     Descriptor // sentinel; ring is circular through lruNext/lruPrev
	openCount   int
	maxOpen     int
	enableFsync bool
}

const noDescriptor Descriptor = -1

// NewTable creates a Table allowed to hold at most maxOpen real OS
// descriptors open simultaneously; maxOpen <= 0 means no limit.
// enableFsync false makes Sync a no-op,
// per the config-gated pg_fsync behavior used by tests that don't want
// to pay for real fsync calls.
func NewTable(maxOpen int, enableFsync bool) *Table {
	t := &Table{
		maxOpen:     maxOpen,
		enableFsync: enableFsync,
		lruHead:     noDescriptor,
	}
	return t
}

func (t *Table) allocEntry() Descriptor {
	if n := len(t.freeList); n > 0 {
		d := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.entries[d] = entry{}
		return d
	}
	t.entries = append(t.entries, entry{})
	return Descriptor(len(t.entries) - 1)
}

// Open opens path with the given OS flags and mode, returning a
// Descriptor good until Close. Mirrors file_name_open_file/
// path_name_open_file.
func (t *Table) Open(path string, flags int, mode os.FileMode) (Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.makeRoom(); err != nil {
		return noDescriptor, err
	}

	f, err := os.OpenFile(path, flags, mode)
	if err != nil {
		return noDescriptor, fmt.Errorf("vfd: opening %q: %w", path, err)
	}

	d := t.allocEntry()
	e := &t.entries[d]
	e.file = f
	e.name = path
	e.flags = flags
	e.mode = mode
	t.openCount++
	t.touch(d)

	return d, nil
}

// OpenTemporary creates an unnamed-once-unlinked-from-the-caller's-view
// scratch file in dir (or the OS default temp dir if empty), named with
// a uuid suffix for uniqueness the way the storage manager's blind-write
// path needs no stable name collisions across backends.
func (t *Table) OpenTemporary(dir string) (Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.makeRoom(); err != nil {
		return noDescriptor, err
	}

	name := fmt.Sprintf("pgtemp-%s", uuid.NewString())
	f, err := os.CreateTemp(dir, name)
	if err != nil {
		return noDescriptor, fmt.Errorf("vfd: creating temp file: %w", err)
	}

	d := t.allocEntry()
	e := &t.entries[d]
	e.file = f
	e.name = f.Name()
	e.flags = os.O_RDWR | os.O_CREATE
	e.temp = true
	t.openCount++
	t.touch(d)

	return d, nil
}

// access ensures d currently holds a live OS file, reopening it (at its
// last-known seek position) and evicting the table's LRU victim if the
// cache is at its descriptor budget. Internal; every public operation
// calls this first.
func (t *Table) access(d Descriptor) (*entry, error) {
	if int(d) < 0 || int(d) >= len(t.entries) {
		return nil, fmt.Errorf("vfd: invalid descriptor %d: %w", d, rdbmserr.ErrStructural)
	}
	e := &t.entries[d]
	if e.file != nil {
		t.touch(d)
		return e, nil
	}
	if e.name == "" {
		return nil, fmt.Errorf("vfd: descriptor %d has no backing file: %w", d, rdbmserr.ErrStructural)
	}

	if err := t.makeRoom(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(e.name, e.flags&^os.O_CREATE&^os.O_EXCL, e.mode)
	if err != nil {
		return nil, fmt.Errorf("vfd: reopening %q: %w", e.name, err)
	}
	if _, err := f.Seek(e.pos, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("vfd: reseeking %q: %w", e.name, err)
	}

	e.file = f
	t.openCount++
	t.touch(d)
	return e, nil
}

// makeRoom evicts the LRU-held real descriptor if the table is at
// capacity. Must be called with t.mu held.
func (t *Table) makeRoom() error {
	if t.maxOpen <= 0 || t.openCount < t.maxOpen {
		return nil
	}
	if t.lruHead == noDescriptor {
		return fmt.Errorf("vfd: descriptor budget exhausted with no evictable entry: %w", rdbmserr.ErrResourceExhausted)
	}
	victim := t.entries[t.lruHead].lruPrev
	t.closeReal(victim)
	metrics.VFDEvictions.Inc()
	return nil
}

// touch moves d to the most-recently-used end of the LRU ring, inserting
// it if it isn't already a member.
func (t *Table) touch(d Descriptor) {
	e := &t.entries[d]
	if e.inUse {
		t.unlink(d)
	}
	e.inUse = true

	if t.lruHead == noDescriptor {
		e.lruNext, e.lruPrev = d, d
		t.lruHead = d
		return
	}

	head := &t.entries[t.lruHead]
	tail := head.lruPrev
	tailEntry := &t.entries[tail]

	e.lruPrev = tail
	e.lruNext = t.lruHead
	tailEntry.lruNext = d
	head.lruPrev = d
	t.lruHead = d
}

func (t *Table) unlink(d Descriptor) {
	e := &t.entries[d]
	if e.lruNext == d {
		t.lruHead = noDescriptor
	} else {
		t.entries[e.lruPrev].lruNext = e.lruNext
		t.entries[e.lruNext].lruPrev = e.lruPrev
		if t.lruHead == d {
			t.lruHead = e.lruNext
		}
	}
	e.inUse = false
}

// closeReal closes d's underlying OS file without discarding the
// logical entry, remembering its seek position so access can reopen it
// transparently later.
func (t *Table) closeReal(d Descriptor) {
	e := &t.entries[d]
	if e.file == nil {
		return
	}
	if pos, err := e.file.Seek(0, io.SeekCurrent); err == nil {
		e.pos = pos
	}
	e.file.Close()
	e.file = nil
	t.openCount--
	t.unlink(d)
}

// Read reads into p from d's current position, advancing it.
func (t *Table) Read(d Descriptor, p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.access(d)
	if err != nil {
		return 0, err
	}
	n, err := e.file.Read(p)
	if pos, serr := e.file.Seek(0, io.SeekCurrent); serr == nil {
		e.pos = pos
	}
	if err != nil && err != io.EOF {
		err = fmt.Errorf("vfd: reading %q: %w", e.name, err)
	}
	return n, err
}

// Write writes p to d's current position, advancing it and marking the
// entry dirty.
func (t *Table) Write(d Descriptor, p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.access(d)
	if err != nil {
		return 0, err
	}
	n, err := e.file.Write(p)
	if pos, serr := e.file.Seek(0, io.SeekCurrent); serr == nil {
		e.pos = pos
	}
	e.dirty = true
	if err != nil {
		return n, fmt.Errorf("vfd: writing %q: %w", e.name, err)
	}
	return n, nil
}

// Seek repositions d per io.Seek* whence semantics, returning the new
// absolute offset.
func (t *Table) Seek(d Descriptor, offset int64, whence int) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.access(d)
	if err != nil {
		return 0, err
	}
	pos, err := e.file.Seek(offset, whence)
	if err != nil {
		return 0, fmt.Errorf("vfd: seeking %q: %w", e.name, err)
	}
	e.pos = pos
	return pos, nil
}

// Truncate sets d's length, matching file_truncate.
func (t *Table) Truncate(d Descriptor, size int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.access(d)
	if err != nil {
		return err
	}
	if err := e.file.Truncate(size); err != nil {
		return fmt.Errorf("vfd: truncating %q: %w", e.name, err)
	}
	e.dirty = true
	return nil
}

// MarkDirty records that d has unflushed writes, for callers (like the
// buffer manager's dirty-frame flush path) that write through a
// different path and need Sync to still fire.
func (t *Table) MarkDirty(d Descriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(d) < 0 || int(d) >= len(t.entries) {
		return fmt.Errorf("vfd: invalid descriptor %d: %w", d, rdbmserr.ErrStructural)
	}
	t.entries[d].dirty = true
	return nil
}

// Sync calls fsync on d if dirty, unless EnableFsync is false (the
// no-op mode used by tests to avoid real fsync cost), clearing the
// dirty bit on success.
func (t *Table) Sync(d Descriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.access(d)
	if err != nil {
		return err
	}
	if !e.dirty {
		return nil
	}
	if !t.enableFsync {
		e.dirty = false
		return nil
	}
	if err := e.file.Sync(); err != nil {
		return fmt.Errorf("vfd: syncing %q: %w", e.name, err)
	}
	e.dirty = false
	return nil
}

// Close releases d's real descriptor (if any) and retires the logical
// entry, matching file_close: after Close, d is invalid.
func (t *Table) Close(d Descriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked(d)
}

func (t *Table) closeLocked(d Descriptor) error {
	if int(d) < 0 || int(d) >= len(t.entries) {
		return fmt.Errorf("vfd: invalid descriptor %d: %w", d, rdbmserr.ErrStructural)
	}
	e := &t.entries[d]
	if e.file != nil {
		e.file.Close()
		t.openCount--
	}
	if e.inUse {
		t.unlink(d)
	}
	t.entries[d] = entry{}
	t.freeList = append(t.freeList, d)
	return nil
}

// Unlink removes the underlying file from the filesystem and closes d,
// matching file_unlink.
func (t *Table) Unlink(d Descriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(d) < 0 || int(d) >= len(t.entries) {
		return fmt.Errorf("vfd: invalid descriptor %d: %w", d, rdbmserr.ErrStructural)
	}
	name := t.entries[d].name
	if err := t.closeLocked(d); err != nil {
		return err
	}
	if name != "" {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("vfd: unlinking %q: %w", name, err)
		}
	}
	return nil
}

// CloseAll force-closes every real OS descriptor currently held (end of
// transaction / backend shutdown), matching close_all_vfds. Logical
// entries are retired, not merely defreshed.
func (t *Table) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for d := range t.entries {
		if t.entries[d].name != "" || t.entries[d].file != nil {
			t.closeLocked(Descriptor(d))
		}
	}
}

// OpenCount reports how many real OS descriptors the table currently
// holds, for tests and metrics.
func (t *Table) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openCount
}
