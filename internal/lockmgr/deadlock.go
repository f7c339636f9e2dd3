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

// checkForDeadlock walks the wait-for graph starting at backendID: for
// every lock backendID is waiting on, every holder whose granted mode
// conflicts with backendID's requested mode is a node backendID waits
// for; if any such walk loops back to backendID, a cycle exists and
// backendID is reported as the victim (the caller that happened to time
// out first, matching PostgreSQL's approach of running the check from
// whichever waiter's timer fires).
func (t *MethodTable) checkForDeadlock(backendID int64) bool {
	t.Mu.Lock()
	defer t.Mu.Unlock()

	visited := make(map[int64]bool)
	return t.waitsForCycle(backendID, backendID, visited)
}

func (t *MethodTable) waitsForCycle(start, current int64, visited map[int64]bool) bool {
	if visited[current] {
		return false
	}
	visited[current] = true

	for _, lo := range t.locks {
		e := findWaiterElem(lo, current)
		if e == nil {
			continue
		}
		for holderBackend, h := range lo.holders {
			if holderBackend == current {
				continue
			}
			if !holderConflictsWithWaiter(&t.ctrl, h, e.mode) {
				continue
			}
			if holderBackend == start {
				return true
			}
			if t.waitsForCycle(start, holderBackend, visited) {
				return true
			}
		}
	}
	return false
}

func findWaiterElem(lo *LockObject, backendID int64) *waiter {
	for _, w := range waiterSnapshot(lo) {
		if !w.canceled && w.holderTag.BackendID == backendID {
			return w
		}
	}
	return nil
}

// waiterSnapshot returns lo's queued waiters in FIFO order without
// disturbing the queue: common.Queue exposes no iterator, so this
// drains it into a slice and pushes everything straight back.
func waiterSnapshot(lo *LockObject) []*waiter {
	var ws []*waiter
	for !lo.waitQueue.IsEmpty() {
		ws = append(ws, lo.waitQueue.Pop())
	}
	for _, w := range ws {
		lo.waitQueue.Push(w)
	}
	return ws
}

func holderConflictsWithWaiter(ctrl *methodCtrl, h *Holder, waitMode Mode) bool {
	return conflicts(ctrl, holderMask(h), waitMode)
}
