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

package vfd

import (
	"fmt"
	"os"
	"sync"

	"github.com/googlecloudplatform/rdbmscore/v2/internal/rdbmserr"
)

// streamPoolCapacity bounds the number of stdio-style (*os.File) handles
// AllocateFile will hand out concurrently, the Go analogue of the
// original's small fixed-size allocatedFiles[] array for AllocateFile.
const streamPoolCapacity = 32

// StreamPool hands out plain *os.File handles for short-lived config/log
// file reads that have no business going through the VFD cache's
// reopen-on-demand machinery (AllocateFile/FreeFile in PostgreSQL).
// It exists purely to bound how many of these a careless caller can leak
// open at once.
type StreamPool struct {
	mu    sync.Mutex
	count int
}

// NewStreamPool returns an empty pool.
func NewStreamPool() *StreamPool {
	return &StreamPool{}
}

// Allocate opens path with the given flags/perm as a plain *os.File,
// counted against the pool's fixed capacity. Call p.Free(f) when done,
// not f.Close() directly, so the pool's count stays accurate.
func (p *StreamPool) Allocate(path string, flags int, perm os.FileMode) (*os.File, error) {
	p.mu.Lock()
	if p.count >= streamPoolCapacity {
		p.mu.Unlock()
		return nil, fmt.Errorf("vfd: stream pool exhausted (limit %d): %w", streamPoolCapacity, rdbmserr.ErrResourceExhausted)
	}
	p.count++
	p.mu.Unlock()

	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		p.mu.Lock()
		p.count--
		p.mu.Unlock()
		return nil, fmt.Errorf("vfd: allocating stream for %q: %w", path, err)
	}
	return f, nil
}

// Free closes f and returns its slot to the pool.
func (p *StreamPool) Free(f *os.File) error {
	p.mu.Lock()
	if p.count > 0 {
		p.count--
	}
	p.mu.Unlock()
	return f.Close()
}

// EndTransaction resets the pool's count to zero, so its full capacity
// is available again. The pool does not track the handles it gave out:
// EndTransaction closes none of them, and any still open stay open until
// their holder closes them.
func (p *StreamPool) EndTransaction() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count = 0
}
