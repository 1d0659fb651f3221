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
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/require"
)

func TestOCICpusetCoresNilOrEmptyIsNotOk(t *testing.T) {
	_, ok := OCICpusetCores(nil)
	require.False(t, ok)

	_, ok = OCICpusetCores(&specs.LinuxResources{})
	require.False(t, ok)

	_, ok = OCICpusetCores(&specs.LinuxResources{CPU: &specs.LinuxCPU{Cpus: ""}})
	require.False(t, ok)
}

func TestOCICpusetCoresParsesRangeList(t *testing.T) {
	cores, ok := OCICpusetCores(&specs.LinuxResources{CPU: &specs.LinuxCPU{Cpus: "0,2-3"}})
	require.True(t, ok)
	require.Equal(t, []uint32{0, 2, 3}, cores)
}

func TestBindOCITaskNoCpusetIsANoop(t *testing.T) {
	ops := newFakeOps()
	withSnapshot(t, ops, fullCap())

	bound, errs := BindOCITask(&specs.LinuxResources{}, 2)
	require.Nil(t, bound)
	require.Nil(t, errs)
}

func TestBindOCITaskBindsEveryCpusetCore(t *testing.T) {
	ops := newFakeOps()
	withSnapshot(t, ops, fullCap())

	bound, errs := BindOCITask(&specs.LinuxResources{CPU: &specs.LinuxCPU{Cpus: "0-1"}}, 2)
	require.Empty(t, errs)
	require.Equal(t, []uint32{0, 1}, bound)

	got, _ := ops.AssocGetCore(0)
	require.Equal(t, uint32(2), got)
	got, _ = ops.AssocGetCore(1)
	require.Equal(t, uint32(2), got)
}
