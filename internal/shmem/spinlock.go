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

package shmem

import (
	"runtime"
	"sync/atomic"

	"github.com/googlecloudplatform/rdbmscore/v2/internal/cancel"
)

// SpinLock is the process-local successor to PostgreSQL's TAS-based
// spinlock (BufMgrLock, LockMgrLock): a single atomically-toggled flag
// with exponential backoff, guarding a critical section that must be
// held for only a handful of instructions. Because holding one of these
// must never be interrupted mid-section, Acquire takes a cancellation
// token and holds off delivery for the caller, releasing the holdoff
// automatically when the returned Guard is released.
type SpinLock struct {
	flag atomic.Bool
}

// Guard releases both the spinlock and the cancellation holdoff that was
// put in place for the critical section.
type Guard struct {
	lock        *SpinLock
	cancelGuard *cancel.Guard
}

// Acquire spins (with exponential backoff, yielding to the scheduler)
// until the lock is free, then takes it and holds off cancellation
// delivery on tok for the duration. Release the returned Guard to give
// up both.
func (l *SpinLock) Acquire(tok *cancel.Token) *Guard {
	cg := tok.Holdoff()

	backoff := 1
	for !l.flag.CompareAndSwap(false, true) {
		for i := 0; i < backoff; i++ {
			runtime.Gosched()
		}
		if backoff < 1024 {
			backoff *= 2
		}
	}

	return &Guard{lock: l, cancelGuard: cg}
}

// Release gives up the spinlock and the cancellation holdoff taken by
// Acquire.
func (g *Guard) Release() {
	g.lock.flag.Store(false)
	g.cancelGuard.Release()
}
