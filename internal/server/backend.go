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

package server

import (
	"fmt"

	"github.com/googlecloudplatform/rdbmscore/v2/internal/bufmgr"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/cancel"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/lockmgr"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/smgr"
)

// Backend is the in-process analogue of one OS backend process in the
// original: it carries its own cancellation token, its own local buffer
// pool for temporary relations, and its own lock-holder identity,
// without touching any package-level global.
type Backend struct {
	id     int64
	server *ServerContext
	locals *bufmgr.LocalPool
	cancel cancel.Token

	// sharedDirty tracks whether this backend has dirtied a shared
	// buffer since its last EndTransaction, so a read-only transaction's
	// commit can skip the shared buffer pool entirely.
	sharedDirty bool
}

// ID identifies this backend as a lock holder and log correlation key.
func (b *Backend) ID() int64 {
	return b.id
}

// Cancel requests cancellation of b's current operation at the next
// documented safe point; see internal/cancel.
func (b *Backend) Cancel() {
	b.cancel.Cancel()
}

// ReadBuffer pins the shared-pool frame for tag, reading through r on a
// miss.
func (b *Backend) ReadBuffer(r *smgr.Relation, tag bufmgr.Tag) (bufmgr.BufferID, error) {
	if err := b.cancel.Check(); err != nil {
		return 0, fmt.Errorf("server: backend %d read buffer: %w", b.id, err)
	}
	return b.server.Bufs.ReadBuffer(r, tag)
}

// ReleaseBuffer unpins a shared-pool frame previously obtained via
// ReadBuffer.
func (b *Backend) ReleaseBuffer(r *smgr.Relation, id bufmgr.BufferID) error {
	return b.server.Bufs.ReleaseBuffer(r, id)
}

// WriteBuffer marks id dirty in the shared pool and records that this
// backend's transaction has touched a shared buffer, so EndTransaction
// knows to flush at commit rather than skip it as read-only.
func (b *Backend) WriteBuffer(id bufmgr.BufferID, data []byte) error {
	if err := b.server.Bufs.WriteBuffer(id, data); err != nil {
		return err
	}
	b.sharedDirty = true
	return nil
}

// LockBuffer acquires or releases id's per-buffer content lock under this
// backend's identity.
func (b *Backend) LockBuffer(id bufmgr.BufferID, mode bufmgr.LockMode) error {
	return b.server.Bufs.LockBuffer(b.id, id, mode)
}

// ReadLocalBuffer pins a frame from this backend's private pool, used
// for temporary relations that never touch the shared pool.
func (b *Backend) ReadLocalBuffer(r *smgr.Relation, tag bufmgr.Tag) (bufmgr.BufferID, error) {
	return b.locals.ReadBuffer(r, tag)
}

// AcquireLock requests mode on tag in the default lock method table,
// blocking (subject to deadlock detection) until granted.
func (b *Backend) AcquireLock(tag lockmgr.Tag, mode lockmgr.Mode) error {
	return b.server.DefaultLock.Acquire(b.id, tag, mode)
}

// ReleaseLock drops one count of mode on tag.
func (b *Backend) ReleaseLock(tag lockmgr.Tag, mode lockmgr.Mode) error {
	return b.server.DefaultLock.Release(b.id, tag, mode)
}

// EndTransaction commits a backend's transaction, matching PostgreSQL's
// transaction-end cleanup: local (temporary relation) buffers always
// flush, but the shared buffer pool is only forced to disk if this
// backend actually dirtied a shared buffer, so a read-only transaction's
// commit issues no shared-buffer write. Every lock the backend holds is
// released last.
func (b *Backend) EndTransaction(r *smgr.Relation) error {
	if err := b.locals.FlushAll(r); err != nil {
		return fmt.Errorf("server: backend %d flushing local buffers: %w", b.id, err)
	}
	if err := b.server.Bufs.CommitTransaction(b.sharedDirty); err != nil {
		return fmt.Errorf("server: backend %d committing shared buffers: %w", b.id, err)
	}
	b.sharedDirty = false
	if err := b.server.DefaultLock.ReleaseAll(b.id); err != nil {
		return fmt.Errorf("server: backend %d releasing locks: %w", b.id, err)
	}
	return nil
}
