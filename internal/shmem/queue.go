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

// Queue is the Offset-linked successor to PostgreSQL's ShmemQueue: a
// circular doubly-linked list whose links live inside the elements
// themselves (addressed by Offset, not by pointer), so a Lock's list of
// Holders or a Holder's list of Locks can be threaded through the same
// arena-backed storage used for everything else. An empty queue
// self-links (next == prev == the queue's own offset), mirroring the
// original's self-linking empty-list encoding.
type Queue struct {
	self Offset
	next Offset
	prev Offset
}

// LinkAt resolves an Offset to the Queue link embedded in whatever
// element lives there. Callers pass one of these (typically a closure
// over an *Arena[T]) to InsertAfter/Remove instead of the queue package
// knowing about arena element types.
type LinkAt func(Offset) *Queue

// Init sets q's self-offset and resets it to the empty (self-linked)
// state. Call this once, right after allocating the element q belongs
// to, with the element's own Offset in the arena.
func (q *Queue) Init(self Offset) {
	q.self = self
	q.next = self
	q.prev = self
}

// Empty reports whether the queue q anchors is empty.
func (q *Queue) Empty() bool {
	return q.next == q.self
}

// InsertAfter splices the element at offset elemOff (whose Queue link is
// elem) in immediately after q.
func InsertAfter(linkAt LinkAt, q *Queue, elemOff Offset, elem *Queue) {
	nextOff := q.next
	next := linkAt(nextOff)

	elem.prev = q.self
	elem.next = nextOff
	q.next = elemOff
	next.prev = elemOff
}

// Remove splices q's element out of whatever queue it is currently
// linked into and resets it to self-linked (empty).
func Remove(linkAt LinkAt, q *Queue) {
	prev := linkAt(q.prev)
	next := linkAt(q.next)
	prev.next = q.next
	next.prev = q.prev
	q.next = q.self
	q.prev = q.self
}
