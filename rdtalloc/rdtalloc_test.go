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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestybox/rdtctl/backend"
	"github.com/nestybox/rdtctl/rdtcap"
	"github.com/nestybox/rdtctl/rdtmon"
	"github.com/nestybox/rdtctl/rdtstate"
	"github.com/nestybox/rdtctl/rdtutil"
	"github.com/nestybox/rdtctl/topology"
)

type fakeHandle struct{}

func (h *fakeHandle) Kind() backend.GroupKind { return backend.GroupCores }

// fakeOps is a minimal backend.Ops fake: every CAT/MBA class is just a map
// entry, association is a map from core/pid/channel to class id, and the
// state-flip methods record what was last requested so tests can assert on
// them. It never touches real hardware or a filesystem.
type fakeOps struct {
	mu sync.Mutex

	l3, l2   map[[2]uint32]backend.ClassMask
	mba      map[[2]uint32]uint32
	coreAsoc map[uint32]uint32

	l3Writes, l2Writes []uint32 // classIDs written, in order
	failL3WriteClass   int      // -1 disables; else the classID whose write fails
	resetCalls         int
	resetL2Mask        uint64
	resetL3Mask        uint64
}

func newFakeOps() *fakeOps {
	return &fakeOps{
		l3:               map[[2]uint32]backend.ClassMask{},
		l2:               map[[2]uint32]backend.ClassMask{},
		mba:              map[[2]uint32]uint32{},
		coreAsoc:         map[uint32]uint32{},
		failL3WriteClass: -1,
	}
}

func (f *fakeOps) L3Read(clusterID, classID uint32) (backend.ClassMask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.l3[[2]uint32{clusterID, classID}], nil
}

func (f *fakeOps) L3Write(clusterID, classID uint32, mask backend.ClassMask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(classID) == f.failL3WriteClass {
		return rdtutil.Wrap(rdtutil.Err, "injected write failure")
	}
	f.l3[[2]uint32{clusterID, classID}] = mask
	f.l3Writes = append(f.l3Writes, classID)
	return nil
}

func (f *fakeOps) L2Read(clusterID, classID uint32) (backend.ClassMask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.l2[[2]uint32{clusterID, classID}], nil
}

func (f *fakeOps) L2Write(clusterID, classID uint32, mask backend.ClassMask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.l2[[2]uint32{clusterID, classID}] = mask
	f.l2Writes = append(f.l2Writes, classID)
	return nil
}

func (f *fakeOps) MBARead(clusterID, classID uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mba[[2]uint32{clusterID, classID}], nil
}

func (f *fakeOps) MBAWrite(clusterID, classID uint32, pct uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mba[[2]uint32{clusterID, classID}] = pct
	return nil
}

func (f *fakeOps) AssocSetCore(core, classID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coreAsoc[core] = classID
	return nil
}

func (f *fakeOps) AssocGetCore(core uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.coreAsoc[core], nil
}

func (f *fakeOps) AssocSetTask(int, uint32) error         { return nil }
func (f *fakeOps) AssocGetTask(int) (uint32, error)       { return 0, nil }
func (f *fakeOps) AssocSetChannel(uint64, uint32) error   { return nil }
func (f *fakeOps) AssocGetChannel(uint64) (uint32, error) { return 0, nil }

func (f *fakeOps) SetCDP(rdtcap.CacheLevel, bool) error { return nil }
func (f *fakeOps) SetMBACtrl(bool) error                { return nil }
func (f *fakeOps) SetIORDT(bool) error                  { return nil }

func (f *fakeOps) ResetAlloc(l2Mask, l3Mask uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
	f.resetL2Mask = l2Mask
	f.resetL3Mask = l3Mask
	return nil
}

func (f *fakeOps) MonStart(kind backend.GroupKind, resources []uint32, events rdtcap.MonEvent) (backend.GroupHandle, error) {
	return &fakeHandle{}, nil
}
func (f *fakeOps) MonPoll(backend.GroupHandle) (map[rdtcap.MonEvent]uint64, error) {
	return map[rdtcap.MonEvent]uint64{}, nil
}
func (f *fakeOps) MonStop(backend.GroupHandle) error { return nil }
func (f *fakeOps) MonResetConfig() error             { return nil }
func (f *fakeOps) Close() error                      { return nil }

func testCpu() *topology.CpuInfo {
	return topology.New(
		[]topology.Core{
			{ID: 0, Socket: 0, L2ClusterID: 0, L3ClusterID: 0, MBAClusterID: 0},
			{ID: 1, Socket: 0, L2ClusterID: 0, L3ClusterID: 0, MBAClusterID: 0},
			{ID: 2, Socket: 1, L2ClusterID: 1, L3ClusterID: 1, MBAClusterID: 1},
		},
		topology.CacheInfo{}, topology.CacheInfo{},
	)
}

func withSnapshot(t *testing.T, ops *fakeOps, cap *rdtcap.Capability) *rdtstate.Snapshot {
	t.Helper()
	snap := &rdtstate.Snapshot{
		Interface: rdtcap.MSR,
		Cpu:       testCpu(),
		Cap:       cap,
		Log:       rdtutil.Discard,
		Ops:       ops,
	}
	restore := rdtstate.SetForTest(snap)
	t.Cleanup(restore)
	t.Cleanup(func() {
		allocMu.Lock()
		allocated = map[allocKey]map[uint32]bool{}
		allocMu.Unlock()
	})
	return snap
}

func l3cap(numClasses, numWays uint32) *rdtcap.Capability {
	return &rdtcap.Capability{
		L3CA: &rdtcap.CaCapability{Level: rdtcap.L3, NumClasses: numClasses, NumWays: numWays},
	}
}

func TestL3caSetRejectsNonContiguousMask(t *testing.T) {
	ops := newFakeOps()
	withSnapshot(t, ops, l3cap(4, 8))

	err := L3caSet(0, []ClassEntry{{ClassID: 1, Mask: ClassMask{Ways: 0b1010}}})
	require.Error(t, err)
	require.ErrorIs(t, err, rdtutil.ErrParam)
}

func TestL3caSetRejectsClassIDOutOfRange(t *testing.T) {
	ops := newFakeOps()
	withSnapshot(t, ops, l3cap(4, 8))

	err := L3caSet(0, []ClassEntry{{ClassID: 9, Mask: ClassMask{Ways: 0b1111}}})
	require.Error(t, err)
	require.ErrorIs(t, err, rdtutil.ErrParam)
}

func TestL3caSetBoundaryWays(t *testing.T) {
	ops := newFakeOps()
	withSnapshot(t, ops, l3cap(4, 8))

	// bit 0 and bit num_ways-1 (7) are the lowest/highest ways that exist on
	// an 8-way platform and must both be accepted in isolation.
	require.NoError(t, L3caSet(0, []ClassEntry{{ClassID: 0, Mask: ClassMask{Ways: 1 << 0}}}))
	require.NoError(t, L3caSet(0, []ClassEntry{{ClassID: 0, Mask: ClassMask{Ways: 1 << 7}}}))

	// bit num_ways (8) does not exist on this platform and must be rejected.
	err := L3caSet(0, []ClassEntry{{ClassID: 0, Mask: ClassMask{Ways: 1 << 8}}})
	require.Error(t, err)
	require.ErrorIs(t, err, rdtutil.ErrParam)
}

func TestL3caSetRollsBackOnPartialFailure(t *testing.T) {
	ops := newFakeOps()
	withSnapshot(t, ops, l3cap(4, 8))

	// seed class 0 with a known prior mask.
	require.NoError(t, L3caSet(0, []ClassEntry{{ClassID: 0, Mask: ClassMask{Ways: 0b0001}}}))

	ops.failL3WriteClass = 1
	err := L3caSet(0, []ClassEntry{
		{ClassID: 0, Mask: ClassMask{Ways: 0b0011}},
		{ClassID: 1, Mask: ClassMask{Ways: 0b1111}},
	})
	require.Error(t, err)

	entries, err := L3caGet(0)
	require.NoError(t, err)
	require.Equal(t, uint64(0b0001), entries[0].Mask.Ways, "class 0 must be rolled back to its prior mask")
}

func TestL3caSetRejectsCDPMismatch(t *testing.T) {
	ops := newFakeOps()
	cap := l3cap(4, 8)
	cap.L3CA.CDPOn = false

	withSnapshot(t, ops, cap)
	err := L3caSet(0, []ClassEntry{{ClassID: 0, Mask: ClassMask{CDP: true, CodeMask: 0b11, DataMask: 0b11}}})
	require.Error(t, err)
	require.ErrorIs(t, err, rdtutil.ErrParam)
}

func mbaCap(numClasses, throttleMax, throttleStep uint32) *rdtcap.Capability {
	return &rdtcap.Capability{
		MBA: &rdtcap.MbaCapability{NumClasses: numClasses, IsLinear: true, ThrottleMax: throttleMax, ThrottleStep: throttleStep},
	}
}

func TestMbaSetSnapsToStepAndClampsToMin(t *testing.T) {
	ops := newFakeOps()
	withSnapshot(t, ops, mbaCap(4, 30, 10))

	// min = 100-30 = 70; requesting 50 clamps to 70; requesting 84 snaps down
	// to the nearest step-10 multiple above 70, i.e. 80.
	actual, err := MbaSet(0, []MbaClass{{ClassID: 0, Value: 50}, {ClassID: 1, Value: 84}})
	require.NoError(t, err)
	require.Equal(t, []uint64{70, 80}, actual)
}

func TestMbaSetCtrlRejectedWithoutControllerOrCtrlMode(t *testing.T) {
	ops := newFakeOps()
	withSnapshot(t, ops, mbaCap(4, 30, 10))

	controller = nil
	_, err := MbaSet(0, []MbaClass{{ClassID: 0, Ctrl: true, Value: 5_000_000}})
	require.Error(t, err)
	require.ErrorIs(t, err, rdtutil.ErrResource)
}

type fakeController struct {
	programmed []uint64
	stopped    bool
}

func (c *fakeController) Program(clusterID, classID uint32, targetBps uint64) error {
	c.programmed = append(c.programmed, targetBps)
	return nil
}
func (c *fakeController) StopAll() { c.stopped = true }

func TestMbaSetCtrlHandsOffToController(t *testing.T) {
	ops := newFakeOps()
	withSnapshot(t, ops, mbaCap(4, 30, 10))

	fc := &fakeController{}
	controller = fc
	t.Cleanup(func() { controller = nil })

	actual, err := MbaSet(0, []MbaClass{{ClassID: 0, Ctrl: true, Value: 5_000_000}})
	require.NoError(t, err)
	require.Equal(t, []uint64{5_000_000}, actual)
	require.Equal(t, []uint64{5_000_000}, fc.programmed)

	pct, _ := ops.MBARead(0, 0)
	require.Equal(t, uint32(100), pct, "hardware must be initialized to max bandwidth before handing off to the controller")
}

func fullCap() *rdtcap.Capability {
	c := l3cap(4, 8)
	c.L2CA = &rdtcap.CaCapability{Level: rdtcap.L2, NumClasses: 4, NumWays: 8}
	c.MBA = &rdtcap.MbaCapability{NumClasses: 4, IsLinear: true, ThrottleMax: 30, ThrottleStep: 10}
	return c
}

func TestAllocAssignPicksLowestFreeClassAcrossTechnologies(t *testing.T) {
	ops := newFakeOps()
	withSnapshot(t, ops, fullCap())

	class, err := AllocAssign(TechL3CA|TechMBA, []uint32{0, 1})
	require.NoError(t, err)
	require.Equal(t, uint32(0), class)

	class2, err := AllocAssign(TechL3CA|TechMBA, []uint32{0, 1})
	require.NoError(t, err)
	require.Equal(t, uint32(1), class2, "class 0 is taken on this cluster, must skip to the next free one")

	got, _ := ops.AssocGetCore(0)
	require.Equal(t, class2, got)
}

func TestAllocAssignFailsResourceWhenExhausted(t *testing.T) {
	ops := newFakeOps()
	withSnapshot(t, ops, l3cap(1, 8))

	_, err := AllocAssign(TechL3CA, []uint32{0})
	require.NoError(t, err)

	_, err = AllocAssign(TechL3CA, []uint32{1})
	require.Error(t, err)
	require.ErrorIs(t, err, rdtutil.ErrResource, "cores 0 and 1 share L3 cluster 0, which only has one class")
}

func TestAllocReleaseRebindsToClassZero(t *testing.T) {
	ops := newFakeOps()
	withSnapshot(t, ops, fullCap())

	_, err := AllocAssign(TechL3CA, []uint32{0})
	require.NoError(t, err)

	require.NoError(t, AllocRelease([]uint32{0}))
	got, _ := ops.AssocGetCore(0)
	require.Equal(t, uint32(0), got)
}

func TestAllocResetConfigBlocksCDPFlipWhileMonitoringActive(t *testing.T) {
	ops := newFakeOps()
	cap := fullCap()
	cap.L3CA.CDPSupported = true
	withSnapshot(t, ops, cap)

	g, err := rdtmon.StartCores([]uint32{0}, rdtcap.EventLocalMBW, nil)
	require.NoError(t, err)
	defer rdtmon.Stop(g)

	flip := true
	err = AllocResetConfig(ResetConfig{L3CDP: &flip})
	require.Error(t, err)
	require.ErrorIs(t, err, rdtutil.ErrResource)
}

func TestAllocResetConfigStopsControllerAndResetsBookkeeping(t *testing.T) {
	ops := newFakeOps()
	withSnapshot(t, ops, fullCap())

	fc := &fakeController{}
	controller = fc
	t.Cleanup(func() { controller = nil })

	_, err := AllocAssign(TechL3CA, []uint32{0})
	require.NoError(t, err)

	require.NoError(t, AllocResetConfig(ResetConfig{}))
	require.True(t, fc.stopped)
	require.Equal(t, 1, ops.resetCalls)
	require.Equal(t, uint64(0xFF), ops.resetL3Mask)

	// bookkeeping must be clear: the same class is immediately available
	// again on the same cluster.
	class, err := AllocAssign(TechL3CA, []uint32{0})
	require.NoError(t, err)
	require.Equal(t, uint32(0), class)
}

// TestAllocResetConfigUsesPerLevelDefaultMasks guards against regressing to
// a single mask computed from one level and reused for the other -- L2 and
// L3 almost never share a way count on real hardware.
func TestAllocResetConfigUsesPerLevelDefaultMasks(t *testing.T) {
	ops := newFakeOps()
	cap := l3cap(4, 8)
	cap.L2CA = &rdtcap.CaCapability{Level: rdtcap.L2, NumClasses: 4, NumWays: 4}
	withSnapshot(t, ops, cap)

	require.NoError(t, AllocResetConfig(ResetConfig{}))
	require.Equal(t, uint64(0x0F), ops.resetL2Mask)
	require.Equal(t, uint64(0xFF), ops.resetL3Mask)
}
