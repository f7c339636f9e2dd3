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

// Package shmem is the process-local stand-in for PostgreSQL's
// multi-process shared memory segment: a single pre-sized arena that
// every backend (goroutine) in a ServerContext reaches through, with
// typed Offset values in place of raw pointers so structures built in
// the arena remain valid regardless of where the backing slice is
// relocated.
package shmem

import (
	"fmt"
	"sync"

	"github.com/googlecloudplatform/rdbmscore/v2/internal/rdbmserr"
)

// Offset is a typed index into an Arena[T], the generics-based successor
// to PostgreSQL's shared-memory byte offsets (MAKE_OFFSET/MAKE_PTR).
// InvalidOffset (-1) never names a live element; the zero Offset is the
// first slot New hands out.
type Offset int32

// InvalidOffset is never returned by Arena.New; use it as a sentinel the
// way PostgreSQL uses a null shared-memory offset.
const InvalidOffset Offset = -1

// Arena is a fixed-capacity bump allocator over a slice of T, handing out
// Offset values instead of pointers so elements survive being copied
// between processes in spirit (and, practically, so zero values are
// always valid to dereference via At).
type Arena[T any] struct {
	mu       sync.Mutex
	slots    []T
	used     []bool
	freeList []Offset
	next     Offset
	name     string
}

// NewArena allocates an arena with room for capacity elements.
func NewArena[T any](name string, capacity int) *Arena[T] {
	return &Arena[T]{
		slots: make([]T, capacity),
		used:  make([]bool, capacity),
		name:  name,
	}
}

// New returns a fresh element's Offset, reusing a freed slot if one
// exists. It fails with rdbmserr.ErrResourceExhausted once the arena is
// full, mirroring PostgreSQL's fixed shared-memory sizing.
func (a *Arena[T]) New() (Offset, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.freeList); n > 0 {
		off := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		a.used[off] = true
		var zero T
		a.slots[off] = zero
		return off, nil
	}

	if int(a.next) >= len(a.slots) {
		return InvalidOffset, fmt.Errorf("arena %q: %w", a.name, rdbmserr.ErrResourceExhausted)
	}

	off := a.next
	a.next++
	a.used[off] = true
	return off, nil
}

// Free releases off back to the arena's free list. Double-freeing or
// freeing an out-of-range offset is a structural invariant violation.
func (a *Arena[T]) Free(off Offset) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if off < 0 || int(off) >= len(a.slots) || !a.used[off] {
		return fmt.Errorf("arena %q: freeing invalid offset %d: %w", a.name, off, rdbmserr.ErrStructural)
	}

	a.used[off] = false
	a.freeList = append(a.freeList, off)
	return nil
}

// At returns a pointer to the element named by off. The caller is
// responsible for any synchronization beyond the arena's own allocation
// bookkeeping — exactly as PostgreSQL leaves cross-backend access to
// shared structures to the caller's own spinlock discipline.
func (a *Arena[T]) At(off Offset) *T {
	return &a.slots[off]
}

// Cap returns the arena's fixed capacity.
func (a *Arena[T]) Cap() int {
	return len(a.slots)
}

// InUse reports how many slots are currently allocated.
func (a *Arena[T]) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.next) - len(a.freeList)
}
