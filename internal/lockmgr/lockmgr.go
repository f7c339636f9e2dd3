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

// Package lockmgr is the lock manager: a table of lockable objects, each
// with a multi-granularity conflict lattice, FIFO wait queues, and
// deadlock detection for waiters that time out.
package lockmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/googlecloudplatform/rdbmscore/v2/common"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/metrics"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/rdbmserr"
	"github.com/jacobsa/syncutil"
	"golang.org/x/sync/semaphore"
)

// MethodID distinguishes coexisting lock tables — the default table and
// the user-lock table, matching DEFAULT_LOCK_METHOD/USER_LOCK_METHOD.
type MethodID int

const (
	InvalidMethod MethodID = 0
	DefaultMethod MethodID = 1
	UserMethod    MethodID = 2

	maxLockMethods = 3
)

// MaxModes bounds a method's mode count, matching MAX_LOCK_MODES.
const MaxModes = 8

// Mode is a lock strength within one method's conflict lattice.
type Mode uint8

// The default method's eight modes, named exactly as PostgreSQL names
// them (mode 0 is reserved and never granted).
const (
	_ Mode = iota
	AccessShare
	RowShare
	RowExclusive
	Share
	ShareRowExclusive
	Exclusive
	AccessExclusive
)

// defaultConflictTable[i] is a bitmask with bit j set if mode i
// conflicts with mode j, for the standard 7-mode relation-lock lattice.
var defaultConflictTable = [MaxModes]uint8{
	0,
	bit(AccessExclusive),
	bit(Exclusive) | bit(AccessExclusive),
	bit(Share) | bit(ShareRowExclusive) | bit(Exclusive) | bit(AccessExclusive),
	bit(RowExclusive) | bit(ShareRowExclusive) | bit(Exclusive) | bit(AccessExclusive),
	bit(RowExclusive) | bit(Share) | bit(ShareRowExclusive) | bit(Exclusive) | bit(AccessExclusive),
	bit(RowShare) | bit(RowExclusive) | bit(Share) | bit(ShareRowExclusive) | bit(Exclusive) | bit(AccessExclusive),
	bit(AccessShare) | bit(RowShare) | bit(RowExclusive) | bit(Share) | bit(ShareRowExclusive) | bit(Exclusive) | bit(AccessExclusive),
}

var defaultPriority = [MaxModes]int{0, 1, 2, 3, 4, 5, 6, 7}

func bit(m Mode) uint8 { return 1 << uint(m) }

var modeNames = [MaxModes]string{
	"invalid", "access-share", "row-share", "row-exclusive", "share",
	"share-row-exclusive", "exclusive", "access-exclusive",
}

func modeName(m Mode) string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "unknown"
}

// Tag uniquely identifies a lockable object, matching LockTag.
type Tag struct {
	RelID  uint32
	DBID   uint32
	ObjID  uint32
	OffNum uint16
	Method MethodID
}

// HolderTag uniquely identifies a lock holder (or would-be holder): one
// backend's claim on one Tag.
type HolderTag struct {
	Tag      Tag
	BackendID int64
}

type waiter struct {
	holderTag HolderTag
	mode      Mode
	grantedCh chan struct{}
	// canceled marks a waiter whose Acquire call gave up (deadlock
	// victim). The queue has no O(1) arbitrary-removal operation, so a
	// canceled waiter is marked rather than spliced out; removeWaiter then
	// rebuilds the queue without it, and wakeWaiters skips any canceled
	// entry it reaches.
	canceled bool
}

// LockObject is the per-locked-object bookkeeping: grant/wait masks,
// per-mode request and grant counts, and the FIFO wait queue.
type LockObject struct {
	tag       Tag
	grantMask uint8
	waitMask  uint8
	requested [MaxModes]int
	granted   [MaxModes]int
	holders   map[int64]*Holder
	waitQueue common.Queue[*waiter]
}

// recomputeWaitMask drains lo.waitQueue to rebuild lo.waitMask and
// requeues every still-live waiter in its original order.
func recomputeWaitMask(lo *LockObject) {
	var live []*waiter
	var mask uint8
	for !lo.waitQueue.IsEmpty() {
		w := lo.waitQueue.Pop()
		if w.canceled {
			continue
		}
		live = append(live, w)
		mask |= bit(w.mode)
	}
	for _, w := range live {
		lo.waitQueue.Push(w)
	}
	lo.waitMask = mask
}

// Holder is one backend's granted-lock counts on one LockObject.
type Holder struct {
	tag     HolderTag
	holding [MaxModes]int
	nholding int
}

type methodCtrl struct {
	conflictTab [MaxModes]uint8
	prio        [MaxModes]int
	numModes    int
}

// MethodTable is one lock method's full state: its conflict matrix and
// the live table of LockObjects it governs.
type MethodTable struct {
	Mu              syncutil.InvariantMutex
	ctrl            methodCtrl
	locks           map[Tag]*LockObject
	deadlockTimeout time.Duration

	// waiterSlots bounds how many backends may be simultaneously queued
	// waiting on this method's locks, standing in for the fixed-size
	// proc array a lock method table was allocated against: a slot is
	// acquired before a backend joins a wait queue and released the
	// moment it leaves one, whether granted or cancelled.
	waiterSlots *semaphore.Weighted
}

// RegisterMethod builds a MethodTable from an explicit conflict matrix
// and priority vector, matching lock_method_table_init, with room for
// maxWaiters simultaneously blocked backends. Most callers should use
// NewDefaultMethodTable instead.
func RegisterMethod(numModes int, conflictTab [MaxModes]uint8, prio [MaxModes]int, deadlockTimeout time.Duration, maxWaiters int64) *MethodTable {
	t := &MethodTable{
		ctrl: methodCtrl{
			conflictTab: conflictTab,
			prio:        prio,
			numModes:    numModes,
		},
		locks:           make(map[Tag]*LockObject),
		deadlockTimeout: deadlockTimeout,
		waiterSlots:     semaphore.NewWeighted(maxWaiters),
	}
	t.Mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

// NewDefaultMethodTable builds the standard 7-mode relation-lock table,
// sized to let up to maxWaiters backends queue at once.
func NewDefaultMethodTable(deadlockTimeout time.Duration, maxWaiters int64) *MethodTable {
	return RegisterMethod(MaxModes, defaultConflictTable, defaultPriority, deadlockTimeout, maxWaiters)
}

func (t *MethodTable) checkInvariants() {
	for tag, lo := range t.locks {
		if lo.tag != tag {
			panic("lockmgr: lock object keyed under wrong tag")
		}
		var total int
		for _, c := range lo.granted {
			total += c
		}
		if total != lo.ngranted() {
			panic("lockmgr: granted count mismatch")
		}
	}
}

func (lo *LockObject) ngranted() int {
	var n int
	for _, c := range lo.granted {
		n += c
	}
	return n
}

func conflicts(ctrl *methodCtrl, mask uint8, mode Mode) bool {
	return ctrl.conflictTab[mode]&mask != 0
}

// Acquire grants backendID lockMode on tag, blocking (subject to
// deadlockTimeout-triggered deadlock detection) if a conflicting mode is
// already granted to a different holder.
func (t *MethodTable) Acquire(backendID int64, tag Tag, mode Mode) error {
	t.Mu.Lock()

	lo, ok := t.locks[tag]
	if !ok {
		lo = &LockObject{tag: tag, holders: make(map[int64]*Holder), waitQueue: common.NewLinkedListQueue[*waiter]()}
		t.locks[tag] = lo
	}
	htag := HolderTag{Tag: tag, BackendID: backendID}
	h, ok := lo.holders[backendID]
	if !ok {
		h = &Holder{tag: htag}
		lo.holders[backendID] = h
	}

	if !conflicts(&t.ctrl, lo.grantMask&^holderMask(h), mode) {
		t.grant(lo, h, mode)
		t.Mu.Unlock()
		return nil
	}
	t.Mu.Unlock()

	// A wait-queue slot is bounded: block here, outside the table lock,
	// until one of the fixed waiterSlots frees up.
	if err := t.waiterSlots.Acquire(context.Background(), 1); err != nil {
		return fmt.Errorf("lockmgr: acquiring wait slot for %+v: %w", tag, err)
	}

	t.Mu.Lock()
	if !conflicts(&t.ctrl, lo.grantMask&^holderMask(h), mode) {
		// Granted while we were waiting on a slot rather than a lock.
		t.grant(lo, h, mode)
		t.Mu.Unlock()
		t.waiterSlots.Release(1)
		return nil
	}

	w := &waiter{holderTag: htag, mode: mode, grantedCh: make(chan struct{}, 1)}
	lo.waitQueue.Push(w)
	lo.waitMask |= bit(mode)
	t.Mu.Unlock()
	metrics.LockWaits.WithLabelValues(modeName(mode)).Inc()

	timer := time.NewTimer(t.deadlockTimeout)
	defer timer.Stop()
	select {
	case <-w.grantedCh:
		t.waiterSlots.Release(1)
		return nil
	case <-timer.C:
		if t.checkForDeadlock(backendID) {
			t.Mu.Lock()
			t.removeWaiter(lo, w)
			t.Mu.Unlock()
			t.waiterSlots.Release(1)
			metrics.LockDeadlocks.Inc()
			return fmt.Errorf("lockmgr: acquiring %+v: %w", tag, &rdbmserr.DeadlockError{Victim: fmt.Sprintf("backend %d", backendID)})
		}
		<-w.grantedCh
		t.waiterSlots.Release(1)
		return nil
	}
}

// holderMask returns the bitmask of modes h already holds, so a
// backend re-requesting a mode it already holds doesn't conflict with
// itself.
func holderMask(h *Holder) uint8 {
	var m uint8
	for mode, n := range h.holding {
		if n > 0 {
			m |= bit(Mode(mode))
		}
	}
	return m
}

func (t *MethodTable) grant(lo *LockObject, h *Holder, mode Mode) {
	lo.grantMask |= bit(mode)
	lo.granted[mode]++
	lo.requested[mode]++
	h.holding[mode]++
	h.nholding++
}

func (t *MethodTable) removeWaiter(lo *LockObject, w *waiter) {
	w.canceled = true
	recomputeWaitMask(lo)
}

// Release drops one count of mode held by backendID on tag, waking the
// next compatible waiter(s) if the release frees up the conflict mask.
func (t *MethodTable) Release(backendID int64, tag Tag, mode Mode) error {
	t.Mu.Lock()
	defer t.Mu.Unlock()

	lo, ok := t.locks[tag]
	if !ok {
		return fmt.Errorf("lockmgr: release of unknown lock %+v: %w", tag, rdbmserr.ErrStructural)
	}
	h, ok := lo.holders[backendID]
	if !ok || h.holding[mode] == 0 {
		return fmt.Errorf("lockmgr: backend %d does not hold %v on %+v: %w", backendID, mode, tag, rdbmserr.ErrStructural)
	}

	h.holding[mode]--
	h.nholding--
	lo.granted[mode]--
	lo.requested[mode]--
	if lo.granted[mode] == 0 {
		lo.grantMask &^= bit(mode)
	}
	if h.nholding == 0 {
		delete(lo.holders, backendID)
	}

	t.wakeWaiters(lo)
	if len(lo.holders) == 0 && lo.waitQueue.Len() == 0 {
		delete(t.locks, tag)
	}
	return nil
}

// wakeWaiters grants the lock to every waiter at the front of the queue
// whose mode no longer conflicts with the current grant mask, in FIFO
// order, stopping at the first waiter that still conflicts (so a
// waiting exclusive-mode request isn't starved by later share waiters).
func (t *MethodTable) wakeWaiters(lo *LockObject) {
	for {
		if lo.waitQueue.IsEmpty() {
			return
		}
		w := lo.waitQueue.PeekStart()
		if w.canceled {
			lo.waitQueue.Pop()
			continue
		}
		h, ok := lo.holders[w.holderTag.BackendID]
		if !ok {
			h = &Holder{tag: w.holderTag}
			lo.holders[w.holderTag.BackendID] = h
		}
		if conflicts(&t.ctrl, lo.grantMask&^holderMask(h), w.mode) {
			return
		}
		lo.waitQueue.Pop()
		t.grant(lo, h, w.mode)
		w.grantedCh <- struct{}{}
		recomputeWaitMask(lo)
	}
}

// ReleaseAll drops every lock backendID holds across the table, matching
// lock_release_all's transaction-end / backend-exit path.
func (t *MethodTable) ReleaseAll(backendID int64) error {
	t.Mu.Lock()
	var toRelease []struct {
		tag  Tag
		mode Mode
		n    int
	}
	for tag, lo := range t.locks {
		if h, ok := lo.holders[backendID]; ok {
			for mode, n := range h.holding {
				if n > 0 {
					toRelease = append(toRelease, struct {
						tag  Tag
						mode Mode
						n    int
					}{tag, Mode(mode), n})
				}
			}
		}
	}
	t.Mu.Unlock()

	for _, r := range toRelease {
		for i := 0; i < r.n; i++ {
			if err := t.Release(backendID, r.tag, r.mode); err != nil {
				return err
			}
		}
	}
	return nil
}
