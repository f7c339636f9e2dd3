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

// Package rdbmserr defines the error kinds shared by every storage-core
// package: transient OS errors, resource exhaustion, structural invariant
// violations, lock-conflict (deadlock) errors, and expected user-visible
// errors. Callers wrap an underlying error with fmt.Errorf("...: %w", err)
// exactly as the rest of this codebase wraps failures, so errors.Is and
// errors.As keep working through the wrap chain.
package rdbmserr

import "errors"

// Sentinel errors for the kinds that don't carry extra state. Wrap these
// with fmt.Errorf("opening segment 3: %w", rdbmserr.ErrResourceExhausted).
var (
	// ErrResourceExhausted is returned when a bounded resource (the VFD
	// cache's descriptor budget, the buffer pool, the lock table) has no
	// room left and the caller has no way to wait for room to free up.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrStructural marks a structural invariant violation: corrupted
	// on-disk state, a relation used after invalidation, a hash table
	// found inconsistent. These are not supposed to be recoverable by
	// retrying; see FatalError.
	ErrStructural = errors.New("structural invariant violation")

	// ErrNotFound is an expected, user-visible condition: the requested
	// relation, block, or lock holder does not exist.
	ErrNotFound = errors.New("not found")
)

// FatalError marks an error that requires the owning Backend (or, for a
// shared-structure violation, the whole ServerContext) to be torn down
// and reset rather than merely returned to the caller. It wraps an
// underlying cause, usually ErrStructural or a transient OS error that
// has exceeded its retry budget.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Cause.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}

// NewFatal wraps cause as a FatalError.
func NewFatal(cause error) *FatalError {
	return &FatalError{Cause: cause}
}

// DeadlockError marks a lock-conflict error detected by the deadlock
// checker: recoverable at the transaction level by aborting the victim
// backend's current transaction, unlike FatalError which requires a
// wider reset.
type DeadlockError struct {
	// Victim identifies the backend chosen to abort, for logging.
	Victim string
}

func (e *DeadlockError) Error() string {
	if e.Victim == "" {
		return "deadlock detected"
	}
	return "deadlock detected: aborting " + e.Victim
}

// IsFatal reports whether err is, or wraps, a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsDeadlock reports whether err is, or wraps, a *DeadlockError.
func IsDeadlock(err error) bool {
	var de *DeadlockError
	return errors.As(err, &de)
}
