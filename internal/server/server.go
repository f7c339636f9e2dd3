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

// Package server centralizes the process-wide state that PostgreSQL
// carried as globals (the shared buffer pool, the lock tables, the VFD
// cache, the shared-memory arena) behind one explicit, passed-by-reference
// ServerContext, and models each simulated backend connection as a
// *Backend holding its own cancellation token, local buffer pool, and
// lock-holder identity.
package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/googlecloudplatform/rdbmscore/v2/cfg"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/bufmgr"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/lockmgr"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/logger"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/shmem"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/smgr"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/vfd"
	"github.com/jacobsa/timeutil"
	"gopkg.in/yaml.v3"
)

// ServerContext owns every piece of state that would otherwise be a
// package-level global: the shared buffer pool, the VFD cache, the
// lock-method tables, the shared-memory index, and the configuration
// every subsystem is built from. Logging goes through the package-level
// logger, not a field of the context.
type ServerContext struct {
	Config *cfg.Config

	VFDs        *vfd.Table
	SMgr        *smgr.Manager
	Bufs        *bufmgr.Pool
	Arena       *shmem.Index
	DefaultLock *lockmgr.MethodTable
	UserLock    *lockmgr.MethodTable

	// Clock is the source of truth for StartedAt and any other
	// wall-clock reading a backend needs. Tests substitute a
	// timeutil.SimulatedClock to make uptime deterministic.
	Clock     timeutil.Clock
	StartedAt time.Time

	lockFile   *os.File
	nextBackID atomic.Int64
}

// New builds a ServerContext rooted at cfg.DataDir, sizing the buffer
// pool, VFD cache, and lock tables from the rest of the config.
func New(c *cfg.Config) (*ServerContext, error) {
	return newWithClock(c, timeutil.RealClock())
}

// newWithClock is New with an injectable Clock, used by tests that need
// a deterministic StartedAt/uptime.
func newWithClock(c *cfg.Config, clock timeutil.Clock) (*ServerContext, error) {
	if err := cfg.ValidateConfig(c); err != nil {
		return nil, fmt.Errorf("server: invalid config: %w", err)
	}

	maxOpen := c.Storage.MaxOpenFiles
	if maxOpen == 0 {
		lim, err := vfd.ChooseDescriptorLimit()
		if err != nil {
			return nil, fmt.Errorf("server: choosing descriptor limit: %w", err)
		}
		maxOpen = lim
	}

	vfds := vfd.NewTable(maxOpen, c.EnableFsync)
	mgr := smgr.NewManager(vfds, string(c.DataDir), c.Storage.SegmentSizeBlocks, c.Storage.BlockSizeBytes)
	pool := bufmgr.NewPool(c.NBuffers, c.Storage.BlockSizeBytes, mgr)

	sc := &ServerContext{
		Config:      c,
		VFDs:        vfds,
		SMgr:        mgr,
		Bufs:        pool,
		Arena:       shmem.NewIndex(),
		DefaultLock: lockmgr.NewDefaultMethodTable(c.DeadlockTimeout, int64(c.MaxBackends)),
		UserLock:    lockmgr.NewDefaultMethodTable(c.DeadlockTimeout, int64(c.MaxBackends)),
		Clock:       clock,
		StartedAt:   clock.Now(),
	}
	return sc, nil
}

// lockFileName matches PostgreSQL's postmaster.pid-style data directory
// lock: one file per data directory, held for the server's lifetime so
// two servers never point at the same storage concurrently.
const lockFileName = "rdbmscore.lock"

// lockFileRecord is the YAML body written into the data directory lock
// file, the analogue of postmaster.pid's multi-line record. It holds the
// pid, the data dir and the start time only; it records no shared-memory
// key or segment id.
type lockFileRecord struct {
	PID       int       `yaml:"pid"`
	DataDir   string    `yaml:"data-dir"`
	StartedAt time.Time `yaml:"started-at"`
}

// AcquireDataDirLock takes an exclusive, non-blocking flock on the data
// directory's lock file, recording this process's pid and start time. It
// fails fast (rather than waiting) if another live server already holds
// it.
func (sc *ServerContext) AcquireDataDirLock() error {
	path := filepath.Join(string(sc.Config.DataDir), lockFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("server: opening lock file: %w", err)
	}
	if err := flockExclusiveNonBlocking(f); err != nil {
		f.Close()
		return fmt.Errorf("server: data directory %s already locked by another server: %w", sc.Config.DataDir, err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return err
	}
	rec := lockFileRecord{PID: os.Getpid(), DataDir: string(sc.Config.DataDir), StartedAt: sc.StartedAt}
	body, err := yaml.Marshal(rec)
	if err != nil {
		f.Close()
		return fmt.Errorf("server: encoding lock file record: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return err
	}
	sc.lockFile = f
	return nil
}

// readLockFileRecord parses an existing data directory lock file. Used by
// diagnostics to report which process and start time last held the lock.
func readLockFileRecord(path string) (lockFileRecord, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return lockFileRecord{}, err
	}
	var rec lockFileRecord
	if err := yaml.Unmarshal(body, &rec); err != nil {
		return lockFileRecord{}, fmt.Errorf("server: decoding lock file record: %w", err)
	}
	return rec, nil
}

// ReleaseDataDirLock releases and removes the data directory lock file.
func (sc *ServerContext) ReleaseDataDirLock() error {
	if sc.lockFile == nil {
		return nil
	}
	path := sc.lockFile.Name()
	if err := sc.lockFile.Close(); err != nil {
		return err
	}
	sc.lockFile = nil
	return os.Remove(path)
}

// Shutdown closes every open VFD descriptor and releases the data
// directory lock. It does not flush dirty buffers: callers should commit
// every live transaction first.
func (sc *ServerContext) Shutdown() error {
	sc.VFDs.CloseAll()
	if err := sc.ReleaseDataDirLock(); err != nil {
		logger.Warnf("server: releasing data directory lock: %v", err)
		return err
	}
	logger.Infof("server: shut down after %s uptime", sc.Clock.Now().Sub(sc.StartedAt))
	return nil
}

// Checkpoint forces every dirty shared-buffer frame to disk, the
// process-wide analogue of a CHECKPOINT command.
func (sc *ServerContext) Checkpoint() error {
	return sc.Bufs.Checkpoint()
}

// NewBackend allocates a fresh BackendID and the per-backend state
// (a 16-frame local buffer pool for temporary relations) that goes with
// it.
func (sc *ServerContext) NewBackend() *Backend {
	id := sc.nextBackID.Add(1)
	return &Backend{
		id:     id,
		server: sc,
		locals: bufmgr.NewLocalPool(16, sc.Config.Storage.BlockSizeBytes, sc.SMgr),
	}
}
