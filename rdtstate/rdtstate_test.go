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

package rdtstate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestybox/rdtctl/backend"
	"github.com/nestybox/rdtctl/rdtcap"
	"github.com/nestybox/rdtctl/topology"
)

type fakeOps struct{ closed bool }

func (f *fakeOps) L3Read(uint32, uint32) (backend.ClassMask, error)  { return backend.ClassMask{}, nil }
func (f *fakeOps) L3Write(uint32, uint32, backend.ClassMask) error   { return nil }
func (f *fakeOps) L2Read(uint32, uint32) (backend.ClassMask, error)  { return backend.ClassMask{}, nil }
func (f *fakeOps) L2Write(uint32, uint32, backend.ClassMask) error   { return nil }
func (f *fakeOps) MBARead(uint32, uint32) (uint32, error)            { return 100, nil }
func (f *fakeOps) MBAWrite(uint32, uint32, uint32) error             { return nil }
func (f *fakeOps) AssocSetCore(uint32, uint32) error                 { return nil }
func (f *fakeOps) AssocGetCore(uint32) (uint32, error)               { return 0, nil }
func (f *fakeOps) AssocSetTask(int, uint32) error                    { return nil }
func (f *fakeOps) AssocGetTask(int) (uint32, error)                  { return 0, nil }
func (f *fakeOps) AssocSetChannel(uint64, uint32) error              { return nil }
func (f *fakeOps) AssocGetChannel(uint64) (uint32, error)            { return 0, nil }
func (f *fakeOps) SetCDP(rdtcap.CacheLevel, bool) error              { return nil }
func (f *fakeOps) SetMBACtrl(bool) error                             { return nil }
func (f *fakeOps) SetIORDT(bool) error                               { return nil }
func (f *fakeOps) ResetAlloc(uint64, uint64) error                   { return nil }
func (f *fakeOps) MonStart(backend.GroupKind, []uint32, rdtcap.MonEvent) (backend.GroupHandle, error) {
	return nil, nil
}
func (f *fakeOps) MonPoll(backend.GroupHandle) (map[rdtcap.MonEvent]uint64, error) { return nil, nil }
func (f *fakeOps) MonStop(backend.GroupHandle) error                              { return nil }
func (f *fakeOps) MonResetConfig() error                                          { return nil }
func (f *fakeOps) Close() error                                                   { f.closed = true; return nil }

func withFakes(t *testing.T) *fakeOps {
	t.Helper()
	fake := &fakeOps{}

	oldTopo, oldIface, oldCap, oldBackend := discoverTopology, discoverInterface, discoverCapabilities, newBackend
	discoverTopology = func() (*topology.CpuInfo, error) {
		return topology.New([]topology.Core{{ID: 0}}, topology.CacheInfo{}, topology.CacheInfo{}), nil
	}
	discoverInterface = func(rdtcap.Interface) (rdtcap.Interface, error) { return rdtcap.OS, nil }
	discoverCapabilities = func(rdtcap.Interface, *topology.CpuInfo) (*rdtcap.Capability, error) {
		return &rdtcap.Capability{L3CA: &rdtcap.CaCapability{}}, nil
	}
	newBackend = func(rdtcap.Interface, *topology.CpuInfo, *rdtcap.Capability) (backend.Ops, error) {
		return fake, nil
	}

	t.Cleanup(func() {
		discoverTopology, discoverInterface, discoverCapabilities, newBackend = oldTopo, oldIface, oldCap, oldBackend
	})
	return fake
}

func TestInitFiniLifecycle(t *testing.T) {
	withFakes(t)

	cfg := Config{LockPath: filepath.Join(t.TempDir(), "rdtctl.lock")}
	require.NoError(t, Init(cfg))
	defer func() {
		if err := CheckInit(true); err == nil {
			Fini()
		}
	}()

	require.NoError(t, CheckInit(true))

	snap, err := Get()
	require.NoError(t, err)
	require.Equal(t, rdtcap.OS, snap.Interface)

	require.NoError(t, Fini())
	require.NoError(t, CheckInit(false))
}

func TestDoubleInitFails(t *testing.T) {
	withFakes(t)

	cfg := Config{LockPath: filepath.Join(t.TempDir(), "rdtctl.lock")}
	require.NoError(t, Init(cfg))
	defer Fini()

	err := Init(cfg)
	require.Error(t, err)
}

func TestFiniWithoutInitFails(t *testing.T) {
	withFakes(t)
	err := Fini()
	require.Error(t, err)
}

func TestAccessorsFailBeforeInit(t *testing.T) {
	withFakes(t)

	_, err := GetCpu()
	require.Error(t, err)
	_, err = GetCap()
	require.Error(t, err)
	_, err = GetInter()
	require.Error(t, err)
}
