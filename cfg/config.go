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

// Package cfg holds the configuration surface of the storage core: the
// environment/config knobs named in the spec (DataDir, NBuffers,
// MaxBackends, EnableFsync, DeadlockTimeout) plus the VFD/segment tuning
// and logging knobs every backend needs.
package cfg

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved, validated configuration for one
// ServerContext. It is populated by binding pflags through viper (see
// BindFlags) and decoding the merged result with DecodeHook.
type Config struct {
	// DataDir is the root directory containing per-relation segment files,
	// the lock file, and temporary files.
	DataDir ResolvedPath `yaml:"data-dir"`

	// NBuffers is the number of frames in the shared buffer pool.
	NBuffers int `yaml:"n-buffers"`

	// MaxBackends bounds the number of concurrent backends, and therefore
	// the size of the semaphore set and lock table.
	MaxBackends int `yaml:"max-backends"`

	// EnableFsync, when false, makes pg_fsync a no-op. Unsafe; for tests.
	EnableFsync bool `yaml:"enable-fsync"`

	// DeadlockTimeout is how long a backend waits for a lock grant before
	// the deadlock detector walks its wait-for graph.
	DeadlockTimeout time.Duration `yaml:"deadlock-timeout"`

	Storage StorageConfig `yaml:"storage"`
	Debug   DebugConfig   `yaml:"debug"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig tunes the VFD cache and the storage manager's segmenting.
type StorageConfig struct {
	// MaxOpenFiles bounds how many OS descriptors the VFD cache may hold
	// open simultaneously, reserving a small headroom for the rest of the
	// process (see vfd.ChooseDescriptorLimit).
	MaxOpenFiles int `yaml:"max-open-files"`

	// SegmentSizeBlocks is the number of blocks per relation segment file
	// before the storage manager rolls over to "<relfilenode>.N".
	SegmentSizeBlocks uint32 `yaml:"segment-size-blocks"`

	// BlockSizeBytes is the fixed page size used throughout the core.
	BlockSizeBytes int `yaml:"block-size-bytes"`
}

// DebugConfig controls invariant-checking strictness.
type DebugConfig struct {
	// ExitOnInvariantViolation makes a violated structural invariant
	// panic instead of merely logging, so tests catch corruption
	// immediately.
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`

	// LogMutex logs a warning whenever a mutex/spinlock is held longer
	// than a short threshold.
	LogMutex bool `yaml:"log-mutex"`
}

// LoggingConfig configures internal/logger.
type LoggingConfig struct {
	Severity  LogSeverity            `yaml:"severity"`
	Format    string                 `yaml:"format"`
	FilePath  ResolvedPath           `yaml:"file-path"`
	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`
}

// LogRotateLoggingConfig configures lumberjack.Logger.
type LogRotateLoggingConfig struct {
	MaxFileSizeMb   int  `yaml:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count"`
	Compress        bool `yaml:"compress"`
}

// BindFlags registers the command-line flags for every Config field and
// binds each to its viper key, one bind call per field.
func BindFlags(flagSet *pflag.FlagSet) error {
	bind := func(key string, bindErr *error) {
		if *bindErr != nil {
			return
		}
		*bindErr = viper.BindPFlag(key, flagSet.Lookup(key))
	}

	var err error

	flagSet.String("data-dir", "", "Root directory holding relation segment files.")
	bind("data-dir", &err)

	flagSet.Int("n-buffers", 4096, "Number of frames in the shared buffer pool.")
	bind("n-buffers", &err)

	flagSet.Int("max-backends", 100, "Maximum number of concurrent backends.")
	bind("max-backends", &err)

	flagSet.Bool("enable-fsync", true, "If false, fsync calls are no-ops. Unsafe; for tests only.")
	bind("enable-fsync", &err)

	flagSet.Duration("deadlock-timeout", time.Second, "How long a backend waits before checking for deadlock.")
	bind("deadlock-timeout", &err)

	flagSet.Int("max-open-files", 0, "Ceiling on simultaneously open OS file descriptors (0 = auto-detect).")
	bind("max-open-files", &err)

	flagSet.Uint32("segment-size-blocks", 131072, "Blocks per relation segment file before rollover.")
	bind("segment-size-blocks", &err)

	flagSet.Int("block-size-bytes", 8192, "Fixed page size in bytes.")
	bind("block-size-bytes", &err)

	flagSet.Bool("debug-invariants", false, "Panic when internal invariants are violated.")
	if err == nil {
		err = viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug-invariants"))
	}

	flagSet.Bool("debug-mutex", false, "Log a warning when a mutex is held too long.")
	if err == nil {
		err = viper.BindPFlag("debug.log-mutex", flagSet.Lookup("debug-mutex"))
	}

	flagSet.String("log-severity", string(InfoLogSeverity), "Minimum severity logged: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	if err == nil {
		err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity"))
	}

	flagSet.String("log-format", "json", "Log line format: text or json.")
	if err == nil {
		err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format"))
	}

	flagSet.String("log-file", "", "Path to the log file, or empty for stderr.")
	if err == nil {
		err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file"))
	}

	return err
}
