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

package mbasc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nestybox/rdtctl/backend"
	"github.com/nestybox/rdtctl/rdtcap"
	"github.com/nestybox/rdtctl/rdtmon"
	"github.com/nestybox/rdtctl/rdtstate"
	"github.com/nestybox/rdtctl/rdtutil"
	"github.com/nestybox/rdtctl/topology"
)

type fakeHandle struct{ id int }

func (h *fakeHandle) Kind() backend.GroupKind { return backend.GroupCores }

// fakeOps is a minimal backend.Ops fake: MBARead/MBAWrite record every call,
// and MonPoll serves one scripted raw value per call (clamped to the last
// entry once exhausted), mirroring the pattern rdtmon's own tests use.
type fakeOps struct {
	mu       sync.Mutex
	mbaRate  map[[2]uint32]uint32
	writes   []mbaWrite
	monSeq   []uint64
	monCalls int
}

type mbaWrite struct {
	clusterID, classID uint32
	pct                uint32
}

func newFakeOps(initialRate uint32) *fakeOps {
	return &fakeOps{mbaRate: map[[2]uint32]uint32{{0, 1}: initialRate}}
}

func (f *fakeOps) L3Read(uint32, uint32) (backend.ClassMask, error) { return backend.ClassMask{}, nil }
func (f *fakeOps) L3Write(uint32, uint32, backend.ClassMask) error  { return nil }
func (f *fakeOps) L2Read(uint32, uint32) (backend.ClassMask, error) { return backend.ClassMask{}, nil }
func (f *fakeOps) L2Write(uint32, uint32, backend.ClassMask) error  { return nil }

func (f *fakeOps) MBARead(clusterID, classID uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mbaRate[[2]uint32{clusterID, classID}], nil
}

func (f *fakeOps) MBAWrite(clusterID, classID uint32, pct uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mbaRate[[2]uint32{clusterID, classID}] = pct
	f.writes = append(f.writes, mbaWrite{clusterID, classID, pct})
	return nil
}

func (f *fakeOps) AssocSetCore(uint32, uint32) error      { return nil }
func (f *fakeOps) AssocGetCore(uint32) (uint32, error)    { return 0, nil }
func (f *fakeOps) AssocSetTask(int, uint32) error         { return nil }
func (f *fakeOps) AssocGetTask(int) (uint32, error)       { return 0, nil }
func (f *fakeOps) AssocSetChannel(uint64, uint32) error   { return nil }
func (f *fakeOps) AssocGetChannel(uint64) (uint32, error) { return 0, nil }

func (f *fakeOps) SetCDP(rdtcap.CacheLevel, bool) error { return nil }
func (f *fakeOps) SetMBACtrl(bool) error                { return nil }
func (f *fakeOps) SetIORDT(bool) error                  { return nil }
func (f *fakeOps) ResetAlloc(uint64, uint64) error      { return nil }

func (f *fakeOps) MonStart(kind backend.GroupKind, resources []uint32, events rdtcap.MonEvent) (backend.GroupHandle, error) {
	return &fakeHandle{}, nil
}

func (f *fakeOps) MonPoll(backend.GroupHandle) (map[rdtcap.MonEvent]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.monCalls
	f.monCalls++
	if n >= len(f.monSeq) {
		n = len(f.monSeq) - 1
	}
	return map[rdtcap.MonEvent]uint64{rdtcap.EventLocalMBW: f.monSeq[n]}, nil
}

func (f *fakeOps) MonStop(backend.GroupHandle) error { return nil }
func (f *fakeOps) MonResetConfig() error             { return nil }
func (f *fakeOps) Close() error                      { return nil }

func withSnapshot(t *testing.T, ops *fakeOps, iface rdtcap.Interface, mba *rdtcap.MbaCapability) *rdtstate.Snapshot {
	t.Helper()
	cpu := topology.New(
		[]topology.Core{{ID: 0, Socket: 0, MBAClusterID: 0}, {ID: 1, Socket: 0, MBAClusterID: 0}},
		topology.CacheInfo{}, topology.CacheInfo{},
	)
	snap := &rdtstate.Snapshot{
		Interface: iface,
		Cpu:       cpu,
		Cap: &rdtcap.Capability{
			MBA: mba,
			Mon: &rdtcap.MonCapability{Items: []rdtcap.MonCapabilityItem{
				{Event: rdtcap.EventLocalMBW, CounterWidth: 48},
			}},
		},
		Log: rdtutil.Discard,
		Ops: ops,
	}
	restore := rdtstate.SetForTest(snap)
	t.Cleanup(restore)
	return snap
}

func TestProgramRejectsIneligibleSnapshot(t *testing.T) {
	ops := newFakeOps(100)
	withSnapshot(t, ops, rdtcap.OS, &rdtcap.MbaCapability{IsLinear: true, ThrottleMax: 30, ThrottleStep: 10})

	require.NoError(t, Init(time.Hour))
	err := ctrl.Program(0, 1, 5000)
	require.Error(t, err)
	require.ErrorIs(t, err, rdtutil.ErrResource)
}

func TestProgramStartsRegulatorAndStopAllRestores(t *testing.T) {
	ops := newFakeOps(80)
	withSnapshot(t, ops, rdtcap.MSR, &rdtcap.MbaCapability{IsLinear: true, ThrottleMax: 30, ThrottleStep: 10})

	// the ticker period is set far longer than this test runs, so the
	// regulator's only observable transition is cancellation -> restore,
	// never an actual tick; this keeps the test free of timing races.
	require.NoError(t, Init(time.Hour))

	err := ctrl.Program(0, 1, 5_000_000)
	require.NoError(t, err)

	ctrl.mu.Lock()
	_, started := ctrl.regs[[2]uint32{0, 1}]
	ctrl.mu.Unlock()
	require.True(t, started)

	Exit()

	rate, _ := ops.MBARead(0, 1)
	require.Equal(t, uint32(80), rate, "StopAll must restore the pre-regulation hardware value")

	ctrl.mu.Lock()
	require.Empty(t, ctrl.regs)
	ctrl.mu.Unlock()
}

// TestTickDecisionLoop drives the regulator's decision function directly
// (bypassing the goroutine/ticker) so the bandwidth-threshold arithmetic and
// the post-change noise-floor hysteresis can be checked deterministically.
func TestTickDecisionLoop(t *testing.T) {
	ops := newFakeOps(100)
	snap := withSnapshot(t, ops, rdtcap.MSR, &rdtcap.MbaCapability{IsLinear: true, ThrottleMax: 30, ThrottleStep: 10})

	// Three samples: first establishes the baseline (no prior delta), the
	// second reports a huge jump in bandwidth (forces a step-down), the
	// third reports no further growth (exercises the noise-floor hysteresis
	// that should block an immediate step back up).
	ops.monSeq = []uint64{0, 2_000_000_000, 2_000_000_000}

	g, err := rdtmon.StartCores([]uint32{0, 1}, rdtcap.EventLocalMBW, nil)
	require.NoError(t, err)
	defer rdtmon.Stop(g)

	r := &regulator{
		clusterID: 0,
		classID:   1,
		cores:     []uint32{0, 1},
		group:     g,
		period:    time.Hour,
		maxBw:     500_000_000, // 500 MB/s target
		prevRate:  100,
		origRate:  100,
		prevTime:  time.Now(),
	}

	// tick 1: first sample ever, rdtmon reports a zero delta, no decision
	// should fire (prevRate is already at the ceiling).
	require.NoError(t, r.tick(snap, rdtutil.Discard))
	require.Equal(t, uint32(100), r.prevRate)
	require.Empty(t, ops.writes)

	// tick 2: a very large delta relative to elapsed time blows past the
	// target by orders of magnitude regardless of scheduling jitter, so the
	// step-down branch must fire.
	r.prevTime = time.Now().Add(-100 * time.Millisecond)
	require.NoError(t, r.tick(snap, rdtutil.Discard))
	require.Equal(t, uint32(90), r.prevRate)
	require.Len(t, ops.writes, 1)
	require.Equal(t, uint32(90), ops.writes[0].pct)
	require.True(t, r.changed)

	// tick 3: no further growth (delta back to zero), but the noise floor
	// recorded right after tick 2's change is itself far above the target,
	// so the step-up branch must stay blocked this round.
	r.prevTime = time.Now().Add(-100 * time.Millisecond)
	require.NoError(t, r.tick(snap, rdtutil.Discard))
	require.Equal(t, uint32(90), r.prevRate)
	require.Len(t, ops.writes, 1, "hysteresis must block the step-up while the noise floor is still high")
}
