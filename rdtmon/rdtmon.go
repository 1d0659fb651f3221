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

// Package rdtmon is the monitoring engine: it starts groups of cores, tasks,
// I/O channels or sockets, polls them for CMT/MBM/IPC/LLC-miss deltas, and
// tears them down. It never talks to hardware or resctrl directly -- MBM/CMT
// readings go through the backend.Ops the owning rdtstate snapshot was
// constructed with; LLC-miss/reference and IPC go through the host's perf
// subsystem, which sits outside the back-end vtable since both back-ends
// expose it identically.
package rdtmon

import (
	"sync"
	"time"

	"github.com/nestybox/rdtctl/backend"
	"github.com/nestybox/rdtctl/rdtcap"
	"github.com/nestybox/rdtctl/rdtstate"
	"github.com/nestybox/rdtctl/rdtutil"
)

// MonValues is the value record a Group accumulates across polls. Fields the
// group did not subscribe to stay zero.
type MonValues struct {
	LLCOccupancy uint64

	LocalMBW, LocalMBWDelta   uint64
	TotalMBW, TotalMBWDelta   uint64
	RemoteMBW, RemoteMBWDelta uint64
	RemoteDerived             bool // remote was computed as total-local, not read directly

	LLCMiss, LLCMissDelta           uint64
	LLCReference, LLCReferenceDelta uint64

	Instructions, InstructionsDelta uint64
	Cycles, CyclesDelta             uint64

	Timestamp time.Time
}

// IPC returns the instructions-per-cycle ratio for the most recent delta, or
// false if no cycle sample is available yet.
func (v MonValues) IPC() (float64, bool) {
	if v.CyclesDelta == 0 {
		return 0, false
	}
	return float64(v.InstructionsDelta) / float64(v.CyclesDelta), true
}

// Group is a caller-owned handle to one monitoring group. The zero value is
// not usable; obtain one from StartCores/StartPids/StartChannels/StartUncore.
type Group struct {
	mu sync.Mutex

	id      int
	kind    backend.GroupKind
	events  rdtcap.MonEvent
	context interface{}

	cores    []uint32 // resolved core set (direct for GroupCores, expanded from pids/sockets otherwise)
	pids     []uint32            // GroupTasks only
	tids     map[uint32][]uint32 // GroupTasks only: pid -> its current thread ids
	channels []uint64            // GroupChannels only

	handle backend.GroupHandle
	perf   *perfSet

	prevRaw map[rdtcap.MonEvent]uint64
	values  MonValues

	stopped bool
}

// Context returns the opaque caller value passed to the Start call.
func (g *Group) Context() interface{} { return g.context }

// Values returns the last values Poll computed for this group.
func (g *Group) Values() MonValues {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.values
}

var (
	groupsMu sync.Mutex
	groups   = map[int]*Group{}
	nextID   int
)

// ActiveGroupCount reports how many monitoring groups are currently live.
// rdtalloc consults this before allowing a CDP mode flip, since changing COS
// semantics out from under a live RMID/COS binding would silently corrupt it.
func ActiveGroupCount() int {
	groupsMu.Lock()
	defer groupsMu.Unlock()
	return len(groups)
}

func registerGroup(g *Group) {
	groupsMu.Lock()
	defer groupsMu.Unlock()
	groups[g.id] = g
}

func unregisterGroup(g *Group) {
	groupsMu.Lock()
	defer groupsMu.Unlock()
	delete(groups, g.id)
}

func snap() (*rdtstate.Snapshot, error) {
	return rdtstate.Get()
}

// StartCores subscribes to events on the given cores. context is an opaque
// value returned unchanged from Group.Context.
func StartCores(cores []uint32, events rdtcap.MonEvent, context interface{}) (*Group, error) {
	if len(cores) == 0 {
		return nil, rdtutil.Wrap(rdtutil.Param, "cores must not be empty")
	}
	return start(backend.GroupCores, cores, nil, nil, events, context)
}

// StartPids subscribes to events on the given PIDs, Linux/OS-interface only.
// Every PID contributes every TID in its maintained TID list.
func StartPids(pids []uint32, events rdtcap.MonEvent, context interface{}) (*Group, error) {
	if len(pids) == 0 {
		return nil, rdtutil.Wrap(rdtutil.Param, "pids must not be empty")
	}
	s, err := snap()
	if err != nil {
		return nil, err
	}
	if s.Interface != rdtcap.OS && s.Interface != rdtcap.OSResctrlMon {
		return nil, rdtutil.Wrap(rdtutil.Resource, "pid monitoring groups require the os interface")
	}

	tids, err := snapshotTids(pids)
	if err != nil {
		return nil, rdtutil.Wrapf(rdtutil.Resource, err, "list threads of requested pids")
	}

	g, err := start(backend.GroupTasks, nil, flattenTids(tids), nil, events, context)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.pids = append([]uint32{}, pids...)
	g.tids = tids
	g.mu.Unlock()
	return g, nil
}

func snapshotTids(pids []uint32) (map[uint32][]uint32, error) {
	out := make(map[uint32][]uint32, len(pids))
	for _, pid := range pids {
		ts, err := tidsOf(pid)
		if err != nil {
			return nil, err
		}
		if len(ts) == 0 {
			ts = []uint32{pid}
		}
		out[pid] = ts
	}
	return out, nil
}

func flattenTids(tids map[uint32][]uint32) []uint32 {
	var out []uint32
	for _, ts := range tids {
		out = append(out, ts...)
	}
	return out
}

// StartChannels subscribes to I/O-RDT events on the given channels. Channel
// identifiers are opaque 64-bit values (rdtcap.Channel); no back-end
// currently exposes channel-scoped counters (see backend.Ops.MonStart), so
// this always fails with a Resource error until one does.
func StartChannels(channels []uint64, events rdtcap.MonEvent, context interface{}) (*Group, error) {
	if len(channels) == 0 {
		return nil, rdtutil.Wrap(rdtutil.Param, "channels must not be empty")
	}
	g, err := start(backend.GroupChannels, nil, nil, channels, events, context)
	return g, err
}

// StartUncore subscribes to events aggregated over every core in the given
// sockets (used for uncore-scoped events such as I/O-RDT totals).
func StartUncore(sockets []uint32, events rdtcap.MonEvent, context interface{}) (*Group, error) {
	if len(sockets) == 0 {
		return nil, rdtutil.Wrap(rdtutil.Param, "sockets must not be empty")
	}
	s, err := snap()
	if err != nil {
		return nil, err
	}
	var cores []uint32
	for _, sock := range sockets {
		cores = append(cores, s.Cpu.CoresInSocket(sock)...)
	}
	if len(cores) == 0 {
		return nil, rdtutil.Wrap(rdtutil.Param, "sockets named no cores")
	}
	return start(backend.GroupUncore, cores, nil, nil, events, context)
}

func start(kind backend.GroupKind, cores []uint32, pids []uint32, channels []uint64, events rdtcap.MonEvent, context interface{}) (*Group, error) {
	s, err := snap()
	if err != nil {
		return nil, err
	}

	resources := cores
	if kind == backend.GroupTasks {
		resources = pids
	}

	h, err := s.Ops.MonStart(kind, resources, events)
	if err != nil {
		return nil, err
	}

	groupsMu.Lock()
	id := nextID
	nextID++
	groupsMu.Unlock()

	g := &Group{
		id:       id,
		kind:     kind,
		events:   events,
		context:  context,
		cores:    cores,
		channels: channels,
		handle:   h,
		prevRaw:  map[rdtcap.MonEvent]uint64{},
	}

	if events&(rdtcap.EventLLCMiss|rdtcap.EventLLCReference|rdtcap.EventIPC) != 0 && (kind == backend.GroupCores || kind == backend.GroupUncore) {
		ps, perr := newPerfSet(cores, events)
		if perr != nil {
			_ = s.Ops.MonStop(h)
			return nil, perr
		}
		g.perf = ps
	}

	registerGroup(g)
	return g, nil
}

// AddPids adds pids to an existing PID group's membership and refreshes its
// TID list.
func AddPids(g *Group, pids []uint32) error {
	if g.kind != backend.GroupTasks {
		return rdtutil.Wrap(rdtutil.Param, "AddPids only applies to pid groups")
	}
	newTids, err := snapshotTids(pids)
	if err != nil {
		return rdtutil.Wrapf(rdtutil.Resource, err, "list threads of requested pids")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for pid, ts := range newTids {
		g.tids[pid] = ts
	}
	g.pids = append(g.pids, pids...)
	return resubscribeTasks(g)
}

// RemovePids drops pids from an existing PID group's membership.
func RemovePids(g *Group, pids []uint32) error {
	if g.kind != backend.GroupTasks {
		return rdtutil.Wrap(rdtutil.Param, "RemovePids only applies to pid groups")
	}
	rm := make(map[uint32]bool, len(pids))
	for _, p := range pids {
		rm[p] = true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.pids[:0]
	for _, p := range g.pids {
		if !rm[p] {
			kept = append(kept, p)
		} else {
			delete(g.tids, p)
		}
	}
	g.pids = kept
	return resubscribeTasks(g)
}

// resubscribeTasks refreshes every remaining pid's TID list (threads can
// come and go between polls) and re-creates the back-end group over the
// flattened set. Must be called with g.mu held.
func resubscribeTasks(g *Group) error {
	s, err := snap()
	if err != nil {
		return err
	}
	fresh, err := snapshotTids(g.pids)
	if err != nil {
		return rdtutil.Wrapf(rdtutil.Resource, err, "refresh thread ids")
	}
	g.tids = fresh

	if err := s.Ops.MonStop(g.handle); err != nil {
		return err
	}
	h, err := s.Ops.MonStart(backend.GroupTasks, flattenTids(g.tids), g.events)
	if err != nil {
		return err
	}
	g.handle = h
	return nil
}

// Stop releases every source the group holds and invalidates it.
func Stop(g *Group) error {
	s, err := snap()
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return nil
	}
	g.stopped = true
	unregisterGroup(g)

	var firstErr error
	if err := s.Ops.MonStop(g.handle); err != nil {
		firstErr = err
	}
	if g.perf != nil {
		g.perf.close()
	}
	return firstErr
}

// Poll reads every group's active sources and updates each group's Values in
// place. It returns one error per group, aligned by index: nil means the
// group's values were refreshed cleanly, ErrResource means a source (most
// often a monitored pid) was lost and that group's values were not advanced,
// and ErrOverflow means a counter wrapped -- the group's previous counter was
// still advanced so the next poll produces a normal delta. A failure on one
// group never prevents the others from being read, matching the per-source
// isolation the spec requires.
func Poll(grps []*Group) []error {
	errs := make([]error, len(grps))
	for i, g := range grps {
		errs[i] = pollOne(g)
	}
	return errs
}

func pollOne(g *Group) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return rdtutil.Wrap(rdtutil.Resource, "group has been stopped")
	}

	s, err := snap()
	if err != nil {
		return err
	}

	if g.kind == backend.GroupTasks {
		if lost, lerr := anyPidLost(g.pids); lerr == nil && lost {
			return rdtutil.Wrap(rdtutil.Resource, "a monitored pid has exited")
		}
	}

	raw, err := s.Ops.MonPoll(g.handle)
	if err != nil {
		return err
	}

	var overflow bool
	now := time.Now()
	v := g.values
	v.Timestamp = now

	if g.events.Has(rdtcap.EventLLCOccupancy) {
		v.LLCOccupancy = raw[rdtcap.EventLLCOccupancy]
	}

	width := func(ev rdtcap.MonEvent) uint32 {
		if s.Cap.Mon == nil {
			return 64
		}
		if it, ok := s.Cap.Mon.Item(ev); ok && it.CounterWidth > 0 {
			return it.CounterWidth
		}
		return 64
	}

	advance := func(ev rdtcap.MonEvent) (delta uint64, of bool) {
		cur := raw[ev]
		prev, seen := g.prevRaw[ev]
		g.prevRaw[ev] = cur
		if !seen {
			return 0, false
		}
		w := width(ev)
		var modulus uint64 = ^uint64(0)
		if w < 64 {
			modulus = uint64(1) << w
		}
		if cur < prev {
			of = true
		}
		if modulus == ^uint64(0) {
			delta = cur - prev
		} else {
			delta = (cur - prev + modulus) % modulus
		}
		return delta, of
	}

	if g.events.Has(rdtcap.EventLocalMBW) {
		d, of := advance(rdtcap.EventLocalMBW)
		v.LocalMBW, v.LocalMBWDelta = raw[rdtcap.EventLocalMBW], d
		overflow = overflow || of
	}
	if g.events.Has(rdtcap.EventTotalMBW) {
		d, of := advance(rdtcap.EventTotalMBW)
		v.TotalMBW, v.TotalMBWDelta = raw[rdtcap.EventTotalMBW], d
		overflow = overflow || of
	}

	if g.events.Has(rdtcap.EventRemoteMBW) {
		if rv, ok := raw[rdtcap.EventRemoteMBW]; ok {
			d, of := advance(rdtcap.EventRemoteMBW)
			v.RemoteMBW, v.RemoteMBWDelta, v.RemoteDerived = rv, d, false
			overflow = overflow || of
		} else if g.events.Has(rdtcap.EventTotalMBW) && g.events.Has(rdtcap.EventLocalMBW) {
			// derived: remote = total - local, saturated at zero.
			if v.TotalMBW > v.LocalMBW {
				v.RemoteMBW = v.TotalMBW - v.LocalMBW
			} else {
				v.RemoteMBW = 0
			}
			if v.TotalMBWDelta > v.LocalMBWDelta {
				v.RemoteMBWDelta = v.TotalMBWDelta - v.LocalMBWDelta
			} else {
				v.RemoteMBWDelta = 0
			}
			v.RemoteDerived = true
		}
	}

	if g.perf != nil {
		pv, perr := g.perf.read()
		if perr != nil {
			return perr
		}
		if g.events.Has(rdtcap.EventLLCMiss) {
			d := deltaU64(pv.llcMiss, g.values.LLCMiss)
			v.LLCMiss, v.LLCMissDelta = pv.llcMiss, d
		}
		if g.events.Has(rdtcap.EventLLCReference) {
			d := deltaU64(pv.llcRef, g.values.LLCReference)
			v.LLCReference, v.LLCReferenceDelta = pv.llcRef, d
		}
		if g.events.Has(rdtcap.EventIPC) {
			v.Instructions, v.InstructionsDelta = pv.instructions, deltaU64(pv.instructions, g.values.Instructions)
			v.Cycles, v.CyclesDelta = pv.cycles, deltaU64(pv.cycles, g.values.Cycles)
		}
	}

	g.values = v

	if overflow {
		return rdtutil.Wrap(rdtutil.Overflow, "a monitoring counter wrapped")
	}
	return nil
}

func deltaU64(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

// GetValue returns the raw and delta values for one event on the group's
// last poll.
func GetValue(g *Group, event rdtcap.MonEvent) (raw, delta uint64, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.events.Has(event) {
		return 0, 0, false
	}
	v := g.values
	switch event {
	case rdtcap.EventLLCOccupancy:
		return v.LLCOccupancy, 0, true
	case rdtcap.EventLocalMBW:
		return v.LocalMBW, v.LocalMBWDelta, true
	case rdtcap.EventTotalMBW:
		return v.TotalMBW, v.TotalMBWDelta, true
	case rdtcap.EventRemoteMBW:
		return v.RemoteMBW, v.RemoteMBWDelta, true
	case rdtcap.EventLLCMiss:
		return v.LLCMiss, v.LLCMissDelta, true
	case rdtcap.EventLLCReference:
		return v.LLCReference, v.LLCReferenceDelta, true
	}
	return 0, 0, false
}

// GetIpc returns the instructions-per-cycle ratio for the group's last poll.
func GetIpc(g *Group) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.values.IPC()
}

// MonResetConfig clears all group state: on MSR it rebinds every core to
// RMID 0, on OS resctrl it removes every monitoring group directory. Any
// group handle the caller still holds becomes invalid.
func MonResetConfig() error {
	s, err := snap()
	if err != nil {
		return err
	}
	if err := s.Ops.MonResetConfig(); err != nil {
		return err
	}

	groupsMu.Lock()
	toClose := make([]*Group, 0, len(groups))
	for _, g := range groups {
		toClose = append(toClose, g)
	}
	groups = map[int]*Group{}
	groupsMu.Unlock()

	for _, g := range toClose {
		g.mu.Lock()
		g.stopped = true
		if g.perf != nil {
			g.perf.close()
		}
		g.mu.Unlock()
	}
	return nil
}

// AssocGet returns the monitoring-group identifier core is currently bound
// to (the engine's stand-in for a hardware RMID), or false if core belongs
// to no active group this process started.
func AssocGet(core uint32) (uint32, bool) {
	groupsMu.Lock()
	defer groupsMu.Unlock()
	for _, g := range groups {
		if g.kind != backend.GroupCores && g.kind != backend.GroupUncore {
			continue
		}
		for _, c := range g.cores {
			if c == core {
				return uint32(g.id), true
			}
		}
	}
	return 0, false
}
