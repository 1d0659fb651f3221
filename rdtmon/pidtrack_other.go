//go:build !linux

//
// Copyright 2024 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package rdtmon

// anyPidLost and tidsOf are unreachable outside linux: StartPids already
// refuses to run unless the os interface (linux-only) was selected.

func anyPidLost(pids []uint32) (bool, error) { return false, nil }

func tidsOf(pid uint32) ([]uint32, error) { return []uint32{pid}, nil }
