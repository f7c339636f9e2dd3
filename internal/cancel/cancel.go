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

// Package cancel provides the cooperative cancellation primitive every
// backend uses in place of signal-driven interrupt flags: a Token that
// carries a pending-cancellation bit checked at documented safe points,
// and a Holdoff/Guard pair that defers delivery for the duration of a
// critical section (holding a spinlock, running an invariant check)
// without requiring stack unwinding to restore state.
package cancel

import (
	"errors"
	"sync/atomic"
)

// ErrCancelled is returned by Check once a token has been cancelled and
// no holdoff is in effect.
var ErrCancelled = errors.New("operation cancelled")

// Token is one backend's cancellation flag. The zero value is a live,
// not-yet-cancelled token.
type Token struct {
	requested atomic.Bool
	holdoff   atomic.Int32
	deferred  atomic.Bool
}

// Cancel marks the token cancelled. Safe to call from any goroutine,
// including a watchdog timer or another backend.
func (t *Token) Cancel() {
	t.requested.Store(true)
}

// Cancelled reports whether Cancel has been called, regardless of
// holdoff state.
func (t *Token) Cancelled() bool {
	return t.requested.Load()
}

// Check returns ErrCancelled if the token has been cancelled and
// delivery is not currently held off. Call this at safe points between
// blocking operations. If cancellation arrived during a holdoff, Check marks it deferred and
// returns nil; the next Check after the holdoff ends will fire it.
func (t *Token) Check() error {
	if !t.requested.Load() {
		return nil
	}
	if t.holdoff.Load() > 0 {
		t.deferred.Store(true)
		return nil
	}
	return ErrCancelled
}

// Holdoff defers cancellation delivery until the returned Guard is
// released, mirroring InterruptHoldoffCount/CritSectionCount. Holdoffs
// nest: the token is only deliverable again once every Guard from a
// matching Holdoff call has been released.
//
//	guard := token.Holdoff()
//	defer guard.Release()
//	// critical section; Check() will not report cancellation here.
func (t *Token) Holdoff() *Guard {
	t.holdoff.Add(1)
	return &Guard{token: t}
}

// Guard releases a holdoff exactly once. Calling Release a second time
// is a no-op.
type Guard struct {
	token    *Token
	released atomic.Bool
}

// Release ends the holdoff this guard represents. If cancellation
// arrived while the holdoff was active, it becomes deliverable again
// immediately.
func (g *Guard) Release() {
	if g.released.Swap(true) {
		return
	}
	g.token.holdoff.Add(-1)
}

// Reset clears a cancelled token back to live, for reuse across
// transactions on the same backend.
func (t *Token) Reset() {
	t.requested.Store(false)
	t.deferred.Store(false)
}
