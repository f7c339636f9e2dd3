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

import "golang.org/x/sys/unix"

// reservedForRestOfProcess is headroom left for listening sockets,
// stdio, the log file, and anything else outside the VFD cache's own
// bookkeeping.
const reservedForRestOfProcess = 32

// ChooseDescriptorLimit queries the process's open-file soft limit and
// returns a budget for the VFD cache that leaves reservedForRestOfProcess
// descriptors headroom under RLIMIT_NOFILE for everything else.
func ChooseDescriptorLimit() (int, error) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return 0, err
	}

	budget := int(rlimit.Cur) - reservedForRestOfProcess
	if budget < 1 {
		budget = 1
	}
	return budget, nil
}
