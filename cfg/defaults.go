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

package cfg

import "time"

// DefaultConfig returns a Config with the same defaults BindFlags
// registers, for callers (mainly tests) that construct a Config without
// going through a pflag.FlagSet.
func DefaultConfig() Config {
	return Config{
		NBuffers:        4096,
		MaxBackends:     100,
		EnableFsync:     true,
		DeadlockTimeout: time.Second,
		Storage: StorageConfig{
			MaxOpenFiles:      0,
			SegmentSizeBlocks: 131072,
			BlockSizeBytes:    8192,
		},
		Logging: LoggingConfig{
			Severity: InfoLogSeverity,
			Format:   "json",
		},
	}
}
