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

package rdtalloc

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/nestybox/rdtctl/rdtutil"
)

// OCICpusetCores extracts the core list a container's OCI LinuxResources
// pins itself to, if any. It is a best-effort cross-reference only: the
// core association APIs above never require an OCI spec, and a caller that
// doesn't have one (or whose runtime doesn't set Cpuset) just skips binding
// by cpuset and falls back to binding whatever cores/pids it already knows
// about directly.
//
// Returns ok=false when res is nil or its CPU.Cpus field is empty, not an
// error -- an absent cpuset is a normal, common case, not a fault.
func OCICpusetCores(res *specs.LinuxResources) (cores []uint32, ok bool) {
	if res == nil || res.CPU == nil || res.CPU.Cpus == "" {
		return nil, false
	}

	list, err := rdtutil.ParseList(res.CPU.Cpus, 1)
	if err != nil {
		return nil, false
	}

	cores = make([]uint32, len(list))
	for i, c := range list {
		cores[i] = uint32(c)
	}
	return cores, true
}

// BindOCITask binds every core in the container's OCI cpuset to classID.
// It is best-effort: a core that fails to bind is recorded in the returned
// error list but does not stop the remaining cores from being attempted,
// since a partial bind is still strictly better than none for the cores
// that did succeed. Callers that need strict all-or-nothing semantics
// should bind cores individually with AssocSetCore instead.
//
// If the container spec carries no cpuset (OCICpusetCores returns
// ok=false), BindOCITask is a no-op and returns zero bound, zero errors --
// this is the expected shape for a container that never pinned itself to
// specific cores, not a failure of the association layer.
func BindOCITask(res *specs.LinuxResources, classID uint32) (bound []uint32, errs []error) {
	cores, ok := OCICpusetCores(res)
	if !ok {
		return nil, nil
	}

	for _, core := range cores {
		if err := AssocSetCore(core, classID); err != nil {
			errs = append(errs, rdtutil.Wrapf(rdtutil.Err, err, "core %d", core))
			continue
		}
		bound = append(bound, core)
	}
	return bound, errs
}
