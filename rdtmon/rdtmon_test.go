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

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestybox/rdtctl/backend"
	"github.com/nestybox/rdtctl/rdtcap"
	"github.com/nestybox/rdtctl/rdtstate"
	"github.com/nestybox/rdtctl/rdtutil"
	"github.com/nestybox/rdtctl/topology"
)

// fakeGroupHandle is the GroupHandle a fakeMonOps hands back; it carries
// enough state for the fake to serve MonPoll/MonStop calls against it.
type fakeGroupHandle struct {
	kind backend.GroupKind
	id   int
}

func (h *fakeGroupHandle) Kind() backend.GroupKind { return h.kind }

// fakeMonOps implements backend.Ops with scripted MonPoll responses so
// rdtmon's delta/overflow/derived-remote-MBW arithmetic can be tested
// without real hardware or a resctrl mount.
type fakeMonOps struct {
	nextID int
	polls  map[int][]map[rdtcap.MonEvent]uint64 // per-group, one entry consumed per MonPoll call
	calls  map[int]int
	stopped map[int]bool
}

func newFakeMonOps() *fakeMonOps {
	return &fakeMonOps{polls: map[int][]map[rdtcap.MonEvent]uint64{}, calls: map[int]int{}, stopped: map[int]bool{}}
}

func (f *fakeMonOps) L3Read(uint32, uint32) (backend.ClassMask, error) { return backend.ClassMask{}, nil }
func (f *fakeMonOps) L3Write(uint32, uint32, backend.ClassMask) error  { return nil }
func (f *fakeMonOps) L2Read(uint32, uint32) (backend.ClassMask, error) { return backend.ClassMask{}, nil }
func (f *fakeMonOps) L2Write(uint32, uint32, backend.ClassMask) error  { return nil }
func (f *fakeMonOps) MBARead(uint32, uint32) (uint32, error)           { return 100, nil }
func (f *fakeMonOps) MBAWrite(uint32, uint32, uint32) error            { return nil }
func (f *fakeMonOps) AssocSetCore(uint32, uint32) error                { return nil }
func (f *fakeMonOps) AssocGetCore(uint32) (uint32, error)              { return 0, nil }
func (f *fakeMonOps) AssocSetTask(int, uint32) error                   { return nil }
func (f *fakeMonOps) AssocGetTask(int) (uint32, error)                 { return 0, nil }
func (f *fakeMonOps) AssocSetChannel(uint64, uint32) error             { return nil }
func (f *fakeMonOps) AssocGetChannel(uint64) (uint32, error)           { return 0, nil }
func (f *fakeMonOps) SetCDP(rdtcap.CacheLevel, bool) error             { return nil }
func (f *fakeMonOps) SetMBACtrl(bool) error                            { return nil }
func (f *fakeMonOps) SetIORDT(bool) error                              { return nil }
func (f *fakeMonOps) ResetAlloc(uint64, uint64) error                  { return nil }

func (f *fakeMonOps) MonStart(kind backend.GroupKind, resources []uint32, events rdtcap.MonEvent) (backend.GroupHandle, error) {
	id := f.nextID
	f.nextID++
	return &fakeGroupHandle{kind: kind, id: id}, nil
}

func (f *fakeMonOps) MonPoll(h backend.GroupHandle) (map[rdtcap.MonEvent]uint64, error) {
	fh := h.(*fakeGroupHandle)
	seq := f.polls[fh.id]
	n := f.calls[fh.id]
	f.calls[fh.id] = n + 1
	if n >= len(seq) {
		return seq[len(seq)-1], nil
	}
	return seq[n], nil
}

func (f *fakeMonOps) MonStop(h backend.GroupHandle) error {
	fh := h.(*fakeGroupHandle)
	f.stopped[fh.id] = true
	return nil
}

func (f *fakeMonOps) MonResetConfig() error { return nil }
func (f *fakeMonOps) Close() error          { return nil }

func withFakeSnapshot(t *testing.T, ops *fakeMonOps, iface rdtcap.Interface, mon *rdtcap.MonCapability) {
	t.Helper()
	cpu := topology.New(
		[]topology.Core{{ID: 0, Socket: 0}, {ID: 1, Socket: 0}},
		topology.CacheInfo{}, topology.CacheInfo{},
	)
	restore := rdtstate.SetForTest(&rdtstate.Snapshot{
		Interface: iface,
		Cpu:       cpu,
		Cap:       &rdtcap.Capability{Mon: mon},
		Log:       rdtutil.Discard,
		Ops:       ops,
	})
	t.Cleanup(restore)
}

func TestStartCoresPollComputesDelta(t *testing.T) {
	ops := newFakeMonOps()
	withFakeSnapshot(t, ops, rdtcap.MSR, &rdtcap.MonCapability{Items: []rdtcap.MonCapabilityItem{
		{Event: rdtcap.EventLocalMBW, CounterWidth: 48},
	}})

	g, err := StartCores([]uint32{0, 1}, rdtcap.EventLocalMBW, "ctx")
	require.NoError(t, err)
	defer Stop(g)

	ops.polls[0] = []map[rdtcap.MonEvent]uint64{
		{rdtcap.EventLocalMBW: 1000},
		{rdtcap.EventLocalMBW: 1500},
	}

	errs := Poll([]*Group{g})
	require.Len(t, errs, 1)
	require.NoError(t, errs[0])
	raw, delta, ok := GetValue(g, rdtcap.EventLocalMBW)
	require.True(t, ok)
	require.Equal(t, uint64(1000), raw)
	require.Equal(t, uint64(0), delta) // first poll has no prior sample

	errs = Poll([]*Group{g})
	require.NoError(t, errs[0])
	raw, delta, ok = GetValue(g, rdtcap.EventLocalMBW)
	require.True(t, ok)
	require.Equal(t, uint64(1500), raw)
	require.Equal(t, uint64(500), delta)
	require.Equal(t, "ctx", g.Context())
}

func TestPollDerivesRemoteMBW(t *testing.T) {
	ops := newFakeMonOps()
	withFakeSnapshot(t, ops, rdtcap.MSR, &rdtcap.MonCapability{})

	events := rdtcap.EventLocalMBW | rdtcap.EventTotalMBW | rdtcap.EventRemoteMBW
	g, err := StartCores([]uint32{0}, events, nil)
	require.NoError(t, err)
	defer Stop(g)

	ops.polls[0] = []map[rdtcap.MonEvent]uint64{
		{rdtcap.EventLocalMBW: 100, rdtcap.EventTotalMBW: 300},
		{rdtcap.EventLocalMBW: 250, rdtcap.EventTotalMBW: 500},
	}

	require.NoError(t, Poll([]*Group{g})[0])
	require.NoError(t, Poll([]*Group{g})[0])

	raw, delta, ok := GetValue(g, rdtcap.EventRemoteMBW)
	require.True(t, ok)
	require.Equal(t, uint64(250), raw)   // 500-250
	require.Equal(t, uint64(50), delta) // totalDelta(200) - localDelta(150)
	require.True(t, g.values.RemoteDerived)
}

func TestPollReportsOverflowThenRecovers(t *testing.T) {
	ops := newFakeMonOps()
	withFakeSnapshot(t, ops, rdtcap.MSR, &rdtcap.MonCapability{Items: []rdtcap.MonCapabilityItem{
		{Event: rdtcap.EventTotalMBW, CounterWidth: 8}, // modulus 256, easy to overflow in a test
	}})

	g, err := StartCores([]uint32{0}, rdtcap.EventTotalMBW, nil)
	require.NoError(t, err)
	defer Stop(g)

	ops.polls[0] = []map[rdtcap.MonEvent]uint64{
		{rdtcap.EventTotalMBW: 250},
		{rdtcap.EventTotalMBW: 20}, // wrapped past 256
		{rdtcap.EventTotalMBW: 40},
	}

	require.NoError(t, Poll([]*Group{g})[0])

	err = Poll([]*Group{g})[0]
	require.Error(t, err)
	require.ErrorIs(t, err, rdtutil.ErrOverflow)

	// previous still advanced, so the next poll reports a normal delta.
	require.NoError(t, Poll([]*Group{g})[0])
	_, delta, ok := GetValue(g, rdtcap.EventTotalMBW)
	require.True(t, ok)
	require.Equal(t, uint64(20), delta)
}

func TestStartPidsRequiresOSInterface(t *testing.T) {
	ops := newFakeMonOps()
	withFakeSnapshot(t, ops, rdtcap.MSR, &rdtcap.MonCapability{})

	_, err := StartPids([]uint32{1}, rdtcap.EventLLCOccupancy, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, rdtutil.ErrResource)
}

func TestStopInvalidatesGroupAndActiveCount(t *testing.T) {
	ops := newFakeMonOps()
	withFakeSnapshot(t, ops, rdtcap.MSR, &rdtcap.MonCapability{})

	g, err := StartCores([]uint32{0}, rdtcap.EventLLCOccupancy, nil)
	require.NoError(t, err)
	require.Equal(t, 1, ActiveGroupCount())

	require.NoError(t, Stop(g))
	require.Equal(t, 0, ActiveGroupCount())

	err = Poll([]*Group{g})[0]
	require.Error(t, err)
}

func TestMonResetConfigClearsGroups(t *testing.T) {
	ops := newFakeMonOps()
	withFakeSnapshot(t, ops, rdtcap.MSR, &rdtcap.MonCapability{})

	_, err := StartCores([]uint32{0}, rdtcap.EventLLCOccupancy, nil)
	require.NoError(t, err)
	require.Equal(t, 1, ActiveGroupCount())

	require.NoError(t, MonResetConfig())
	require.Equal(t, 0, ActiveGroupCount())
}
