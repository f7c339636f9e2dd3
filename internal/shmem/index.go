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
	"fmt"
	"sync"

	"github.com/googlecloudplatform/rdbmscore/v2/internal/rdbmserr"
)

// namedEntry is what Index stores for each registered named structure.
type namedEntry struct {
	offset Offset
	size   int
}

// Index is the root "shmem index" hash table: a by-name registry other
// subsystems use to find or create their piece of shared state exactly
// once per ServerContext, the way PostgreSQL's ShmemInitStruct locates
// (or carves out) a named block in the single shared memory segment.
type Index struct {
	mu      sync.Mutex
	entries map[string]namedEntry
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]namedEntry)}
}

// LookupOrCreate returns the Offset previously registered under name, or
// calls create to obtain one and registers it. A second caller asking
// for the same name with a different size gets rdbmserr.ErrStructural,
// matching PostgreSQL's "shared memory ... size mismatch" failure.
func (idx *Index) LookupOrCreate(name string, size int, create func() (Offset, error)) (Offset, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.entries[name]; ok {
		if existing.size != size {
			return InvalidOffset, false, fmt.Errorf(
				"shmem index: %q registered with size %d, requested %d: %w",
				name, existing.size, size, rdbmserr.ErrStructural)
		}
		return existing.offset, true, nil
	}

	off, err := create()
	if err != nil {
		return InvalidOffset, false, err
	}

	idx.entries[name] = namedEntry{offset: off, size: size}
	return off, false, nil
}

// Lookup returns the Offset registered under name, if any.
func (idx *Index) Lookup(name string) (Offset, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[name]
	if !ok {
		return InvalidOffset, false
	}
	return e.offset, true
}
