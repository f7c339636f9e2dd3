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

package lockmgr

import (
	"errors"
	"testing"
	"time"

	"github.com/googlecloudplatform/rdbmscore/v2/internal/rdbmserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTag() Tag {
	return Tag{RelID: 100, DBID: 1, Method: DefaultMethod}
}

func TestMethodTable_UncontendedAcquireRelease(t *testing.T) {
	tbl := NewDefaultMethodTable(100 * time.Millisecond, 16)
	tag := testTag()

	require.NoError(t, tbl.Acquire(1, tag, AccessShare))
	require.NoError(t, tbl.Release(1, tag, AccessShare))
}

func TestMethodTable_CompatibleModesBothGranted(t *testing.T) {
	tbl := NewDefaultMethodTable(100 * time.Millisecond, 16)
	tag := testTag()

	require.NoError(t, tbl.Acquire(1, tag, AccessShare))
	require.NoError(t, tbl.Acquire(2, tag, AccessShare))
	require.NoError(t, tbl.Release(1, tag, AccessShare))
	require.NoError(t, tbl.Release(2, tag, AccessShare))
}

func TestMethodTable_ConflictingModeBlocksUntilRelease(t *testing.T) {
	tbl := NewDefaultMethodTable(2 * time.Second, 16)
	tag := testTag()

	require.NoError(t, tbl.Acquire(1, tag, Exclusive))

	done := make(chan error, 1)
	go func() {
		done <- tbl.Acquire(2, tag, Exclusive)
	}()

	select {
	case <-done:
		t.Fatal("second exclusive acquire should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tbl.Release(1, tag, Exclusive))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never granted after release")
	}
	require.NoError(t, tbl.Release(2, tag, Exclusive))
}

func TestMethodTable_ReleaseUnheldIsStructural(t *testing.T) {
	tbl := NewDefaultMethodTable(100 * time.Millisecond, 16)
	tag := testTag()

	err := tbl.Release(1, tag, AccessShare)
	assert.True(t, errors.Is(err, rdbmserr.ErrStructural))
}

func TestMethodTable_ReleaseAllDropsEveryLock(t *testing.T) {
	tbl := NewDefaultMethodTable(100 * time.Millisecond, 16)
	tagA := testTag()
	tagB := Tag{RelID: 200, DBID: 1, Method: DefaultMethod}

	require.NoError(t, tbl.Acquire(1, tagA, RowShare))
	require.NoError(t, tbl.Acquire(1, tagB, RowExclusive))

	require.NoError(t, tbl.ReleaseAll(1))

	// Now another backend should be able to take a conflicting mode on
	// both without blocking.
	require.NoError(t, tbl.Acquire(2, tagA, AccessExclusive))
	require.NoError(t, tbl.Acquire(2, tagB, AccessExclusive))
}

func TestMethodTable_DeadlockDetectedOnCycle(t *testing.T) {
	tbl := NewDefaultMethodTable(80 * time.Millisecond, 16)
	tagA := testTag()
	tagB := Tag{RelID: 200, DBID: 1, Method: DefaultMethod}

	require.NoError(t, tbl.Acquire(1, tagA, Exclusive))
	require.NoError(t, tbl.Acquire(2, tagB, Exclusive))

	errCh1 := make(chan error, 1)
	errCh2 := make(chan error, 1)
	go func() { errCh1 <- tbl.Acquire(1, tagB, Exclusive) }()
	time.Sleep(10 * time.Millisecond)
	go func() { errCh2 <- tbl.Acquire(2, tagA, Exclusive) }()

	var sawDeadlock bool
	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh1:
			if err != nil && rdbmserr.IsDeadlock(err) {
				sawDeadlock = true
				require.NoError(t, tbl.Release(1, tagA, Exclusive))
			}
		case err := <-errCh2:
			if err != nil && rdbmserr.IsDeadlock(err) {
				sawDeadlock = true
				require.NoError(t, tbl.Release(2, tagB, Exclusive))
			}
		case <-time.After(3 * time.Second):
			t.Fatal("deadlock was never detected")
		}
	}
	assert.True(t, sawDeadlock, "expected at least one acquirer to observe a deadlock error")
}

func TestMethodTable_WaiterSlotsBoundConcurrentWaiters(t *testing.T) {
	tbl := NewDefaultMethodTable(2*time.Second, 1)
	tagA := testTag()
	tagB := Tag{RelID: 200, DBID: 1, Method: DefaultMethod}

	require.NoError(t, tbl.Acquire(1, tagA, Exclusive))
	require.NoError(t, tbl.Acquire(1, tagB, Exclusive))

	firstWaiting := make(chan struct{})
	done1 := make(chan error, 1)
	go func() {
		close(firstWaiting)
		done1 <- tbl.Acquire(2, tagA, Exclusive)
	}()
	<-firstWaiting
	time.Sleep(20 * time.Millisecond)

	// With only one waiter slot available, a second distinct backend
	// trying to queue on a different tag must block on the semaphore
	// itself, never even reaching that tag's wait queue.
	done2 := make(chan error, 1)
	go func() {
		done2 <- tbl.Acquire(3, tagB, Exclusive)
	}()

	select {
	case <-done2:
		t.Fatal("second waiter should have blocked on the bounded waiter-slot semaphore")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tbl.Release(1, tagA, Exclusive))
	require.NoError(t, <-done1)
	require.NoError(t, tbl.Release(2, tagA, Exclusive))

	require.NoError(t, tbl.Release(1, tagB, Exclusive))
	require.NoError(t, <-done2)
	require.NoError(t, tbl.Release(3, tagB, Exclusive))
}

func TestMethodTable_FIFOOrderingAmongWaiters(t *testing.T) {
	tbl := NewDefaultMethodTable(2 * time.Second, 16)
	tag := testTag()

	require.NoError(t, tbl.Acquire(1, tag, Exclusive))

	order := make(chan int64, 2)
	go func() {
		require.NoError(t, tbl.Acquire(2, tag, Exclusive))
		order <- 2
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		require.NoError(t, tbl.Acquire(3, tag, Exclusive))
		order <- 3
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, tbl.Release(1, tag, Exclusive))
	first := <-order
	assert.Equal(t, int64(2), first, "earlier waiter should be granted first")

	require.NoError(t, tbl.Release(2, tag, Exclusive))
	second := <-order
	assert.Equal(t, int64(3), second)
	require.NoError(t, tbl.Release(3, tag, Exclusive))
}
