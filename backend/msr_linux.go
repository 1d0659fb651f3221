//go:build linux && amd64

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

// msrBackend drives RDT directly through per-core MSRs (the msr(4) device
// nodes), bypassing resctrl entirely. It is the path used when no resctrl
// mount is available, or when the caller explicitly asked for it.
package backend

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nestybox/rdtctl/rdtcap"
	"github.com/nestybox/rdtctl/rdtutil"
	"github.com/nestybox/rdtctl/topology"
)

// MSR addresses, per Intel SDM volume 4, chapter "Model-Specific Registers"
// (the RDT-allocation and RDT-monitoring register groups).
const (
	msrL3MaskBase  = 0xc90
	msrL2MaskBase  = 0xd10
	msrL3QoSCfg    = 0xc81
	msrL2QoSCfg    = 0xc82
	msrMBAThrtlBase = 0xd50
	msrPQRAssoc    = 0xc8f
	msrQMEvtsel    = 0xc8d
	msrQMCtr       = 0xc8e

	qmCtrUnavailable = 1 << 62
	qmCtrErrorBit    = 1 << 63
)

// CMT/MBM event ids for IA32_QM_EVTSEL, per SDM "Intel RDT Monitoring".
const (
	qmEventL3Occupancy uint64 = 1
	qmEventTotalMBW    uint64 = 2
	qmEventLocalMBW    uint64 = 3
)

type msrBackend struct {
	mu   sync.Mutex
	cpu  *topology.CpuInfo
	cap  *rdtcap.Capability
	fds  map[uint32]*os.File

	nextRMID uint32
	maxRMID  uint32
	groups   map[int]*msrGroup
	nextID   int
}

type msrGroup struct {
	id       int
	kind     GroupKind
	rmid     uint32
	cores    []uint32
	priorRMID map[uint32]uint32
	events   rdtcap.MonEvent
}

func (g *msrGroup) Kind() GroupKind { return g.kind }

func newMSRBackend(cpu *topology.CpuInfo, cap *rdtcap.Capability) (Ops, error) {
	b := &msrBackend{
		cpu:      cpu,
		cap:      cap,
		fds:      make(map[uint32]*os.File),
		groups:   make(map[int]*msrGroup),
		nextRMID: 1, // RMID 0 means "unmonitored"
	}
	if cap.Mon != nil {
		for _, it := range cap.Mon.Items {
			if it.MaxRMID > b.maxRMID {
				b.maxRMID = it.MaxRMID
			}
		}
	}
	return b, nil
}

func (b *msrBackend) fd(core uint32) (*os.File, error) {
	if f, ok := b.fds[core]; ok {
		return f, nil
	}
	f, err := os.OpenFile(fmt.Sprintf("/dev/cpu/%d/msr", core), os.O_RDWR, 0)
	if err != nil {
		return nil, rdtutil.Wrapf(rdtutil.Resource, err, "open msr device for core %d", core)
	}
	b.fds[core] = f
	return f, nil
}

func (b *msrBackend) readMSR(core uint32, addr int64) (uint64, error) {
	f, err := b.fd(core)
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	n, err := unix.Pread(int(f.Fd()), buf[:], addr)
	if err != nil {
		return 0, rdtutil.Wrapf(rdtutil.Resource, err, "pread msr %#x on core %d", addr, core)
	}
	if n != 8 {
		return 0, rdtutil.Wrap(rdtutil.Err, "short msr read")
	}
	return le64(buf[:]), nil
}

func (b *msrBackend) writeMSR(core uint32, addr int64, value uint64) error {
	f, err := b.fd(core)
	if err != nil {
		return err
	}
	var buf [8]byte
	putLE64(buf[:], value)
	n, err := unix.Pwrite(int(f.Fd()), buf[:], addr)
	if err != nil {
		return rdtutil.Wrapf(rdtutil.Resource, err, "pwrite msr %#x on core %d", addr, core)
	}
	if n != 8 {
		return rdtutil.Wrap(rdtutil.Err, "short msr write")
	}
	return nil
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

func (b *msrBackend) caWrite(base uint32, clusterID, classID uint32, mask ClassMask) error {
	cores := b.cpu.CoresInL3Cluster(clusterID)
	if base == msrL2MaskBase {
		cores = b.cpu.CoresInL2Cluster(clusterID)
	}
	if len(cores) == 0 {
		return rdtutil.Wrap(rdtutil.Param, "cluster has no cores")
	}

	write := func(addr int64, value uint64) error {
		for _, c := range cores {
			if err := b.writeMSR(c, addr, value); err != nil {
				return err
			}
		}
		return nil
	}

	if mask.CDP {
		if err := write(int64(base)+int64(2*classID), mask.DataMask); err != nil {
			return err
		}
		return write(int64(base)+int64(2*classID)+1, mask.CodeMask)
	}
	return write(int64(base)+int64(classID), mask.Ways)
}

func (b *msrBackend) caRead(base uint32, clusterID, classID uint32) (ClassMask, error) {
	cores := b.cpu.CoresInL3Cluster(clusterID)
	if base == msrL2MaskBase {
		cores = b.cpu.CoresInL2Cluster(clusterID)
	}
	if len(cores) == 0 {
		return ClassMask{}, rdtutil.Wrap(rdtutil.Param, "cluster has no cores")
	}
	core := cores[0]

	v, err := b.readMSR(core, int64(base)+int64(classID))
	if err != nil {
		return ClassMask{}, err
	}
	return ClassMask{Ways: v}, nil
}

func (b *msrBackend) L3Read(clusterID, classID uint32) (ClassMask, error) {
	return b.caRead(msrL3MaskBase, clusterID, classID)
}

func (b *msrBackend) L3Write(clusterID, classID uint32, mask ClassMask) error {
	return b.caWrite(msrL3MaskBase, clusterID, classID, mask)
}

func (b *msrBackend) L2Read(clusterID, classID uint32) (ClassMask, error) {
	return b.caRead(msrL2MaskBase, clusterID, classID)
}

func (b *msrBackend) L2Write(clusterID, classID uint32, mask ClassMask) error {
	return b.caWrite(msrL2MaskBase, clusterID, classID, mask)
}

func (b *msrBackend) pctToThrottle(pct uint32) uint64 {
	step := uint32(10)
	max := uint32(90)
	if b.cap.MBA != nil {
		if b.cap.MBA.ThrottleStep > 0 {
			step = b.cap.MBA.ThrottleStep
		}
		max = b.cap.MBA.ThrottleMax
	}
	reduction := uint32(100) - pct
	snapped := (reduction / step) * step
	if snapped > max {
		snapped = max
	}
	return uint64(snapped)
}

func (b *msrBackend) throttleToPct(v uint64) uint32 {
	return 100 - uint32(v)
}

func (b *msrBackend) MBARead(clusterID, classID uint32) (uint32, error) {
	cores := b.cpu.CoresInMBACluster(clusterID)
	if len(cores) == 0 {
		return 0, rdtutil.Wrap(rdtutil.Param, "cluster has no cores")
	}
	v, err := b.readMSR(cores[0], int64(msrMBAThrtlBase)+int64(classID))
	if err != nil {
		return 0, err
	}
	return b.throttleToPct(v), nil
}

func (b *msrBackend) MBAWrite(clusterID, classID uint32, pct uint32) error {
	cores := b.cpu.CoresInMBACluster(clusterID)
	if len(cores) == 0 {
		return rdtutil.Wrap(rdtutil.Param, "cluster has no cores")
	}
	value := b.pctToThrottle(pct)
	for _, c := range cores {
		if err := b.writeMSR(c, int64(msrMBAThrtlBase)+int64(classID), value); err != nil {
			return err
		}
	}
	return nil
}

func (b *msrBackend) AssocSetCore(core uint32, classID uint32) error {
	cur, err := b.readMSR(core, msrPQRAssoc)
	if err != nil {
		return err
	}
	cur = (cur &^ (uint64(0xffffffff) << 32)) | (uint64(classID) << 32)
	return b.writeMSR(core, msrPQRAssoc, cur)
}

func (b *msrBackend) AssocGetCore(core uint32) (uint32, error) {
	v, err := b.readMSR(core, msrPQRAssoc)
	if err != nil {
		return 0, err
	}
	return uint32(v >> 32), nil
}

func (b *msrBackend) AssocSetTask(int, uint32) error {
	return rdtutil.Wrap(rdtutil.Resource, "the msr interface associates classes with cores, not pids; bind the task's affinity first")
}

func (b *msrBackend) AssocGetTask(int) (uint32, error) {
	return 0, rdtutil.Wrap(rdtutil.Resource, "the msr interface associates classes with cores, not pids")
}

func (b *msrBackend) AssocSetChannel(uint64, uint32) error {
	return rdtutil.Wrap(rdtutil.Resource, "I/O RDT channel association requires platform PCIe configuration access not exposed via MSR")
}

func (b *msrBackend) AssocGetChannel(uint64) (uint32, error) {
	return 0, rdtutil.Wrap(rdtutil.Resource, "I/O RDT channel association requires platform PCIe configuration access not exposed via MSR")
}

func (b *msrBackend) SetCDP(level rdtcap.CacheLevel, enabled bool) error {
	addr := int64(msrL3QoSCfg)
	if level == rdtcap.L2 {
		addr = msrL2QoSCfg
	}
	var value uint64
	if enabled {
		value = 1
	}
	for _, s := range b.cpu.Sockets() {
		cores := b.cpu.CoresInSocket(s)
		if len(cores) == 0 {
			continue
		}
		if err := b.writeMSR(cores[0], addr, value); err != nil {
			return err
		}
	}
	return nil
}

func (b *msrBackend) SetMBACtrl(bool) error {
	return rdtutil.Wrap(rdtutil.Resource, "MBA CTRL mode is a resctrl mount option; the msr interface always uses the percentage/linear delay model")
}

func (b *msrBackend) SetIORDT(bool) error {
	return rdtutil.Wrap(rdtutil.Resource, "I/O RDT enablement is platform firmware/PCIe topology dependent and not controllable via MSR writes")
}

func (b *msrBackend) ResetAlloc(l2Mask, l3Mask uint64) error {
	numL3 := uint32(0)
	if b.cap.L3CA != nil {
		numL3 = b.cap.L3CA.NumClasses
	}
	numL2 := uint32(0)
	if b.cap.L2CA != nil {
		numL2 = b.cap.L2CA.NumClasses
	}

	for _, clusterID := range b.cpu.L3ClusterIDs() {
		for class := uint32(0); class < numL3; class++ {
			if err := b.caWrite(msrL3MaskBase, clusterID, class, ClassMask{Ways: l3Mask}); err != nil {
				return err
			}
		}
	}
	for _, clusterID := range b.cpu.L2ClusterIDs() {
		for class := uint32(0); class < numL2; class++ {
			if err := b.caWrite(msrL2MaskBase, clusterID, class, ClassMask{Ways: l2Mask}); err != nil {
				return err
			}
		}
	}
	numMBA := uint32(0)
	if b.cap.MBA != nil {
		numMBA = b.cap.MBA.NumClasses
	}
	for _, clusterID := range b.cpu.MBAClusterIDs() {
		for class := uint32(0); class < numMBA; class++ {
			if err := b.MBAWrite(clusterID, class, 100); err != nil {
				return err
			}
		}
	}
	for _, c := range b.cpu.Cores {
		if err := b.AssocSetCore(c.ID, 0); err != nil {
			return err
		}
	}
	return nil
}

func (b *msrBackend) MonStart(kind GroupKind, resources []uint32, events rdtcap.MonEvent) (GroupHandle, error) {
	switch kind {
	case GroupCores, GroupUncore:
		// GroupUncore arrives here as the concrete set of cores the caller's
		// sockets resolved to (rdtmon.StartUncore); a socket-scoped RMID
		// association is just a core-scoped one applied to every core in the
		// socket, so it reuses the same per-core PQR_ASSOC write below.
	case GroupTasks:
		return nil, rdtutil.Wrap(rdtutil.Resource, "the msr interface monitors by core; pid groups need the os interface")
	case GroupChannels:
		return nil, rdtutil.Wrap(rdtutil.Resource, "I/O-RDT channel monitoring needs per-channel hardware counters this platform does not expose a verified register scheme for")
	default:
		return nil, rdtutil.Wrap(rdtutil.Param, "unknown group kind")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxRMID > 0 && b.nextRMID > b.maxRMID {
		return nil, rdtutil.Wrap(rdtutil.Overflow, "no RMIDs remain")
	}
	rmid := b.nextRMID
	b.nextRMID++

	prior := make(map[uint32]uint32, len(resources))
	for _, core := range resources {
		old, err := b.readMSR(core, msrPQRAssoc)
		if err != nil {
			return nil, err
		}
		prior[core] = uint32(old)
		if err := b.writeMSR(core, msrPQRAssoc, (old &^ 0x3ff) | uint64(rmid)); err != nil {
			return nil, err
		}
	}

	id := b.nextID
	b.nextID++
	g := &msrGroup{id: id, kind: kind, rmid: rmid, cores: resources, priorRMID: prior, events: events}
	b.groups[id] = g
	return g, nil
}

func (b *msrBackend) MonPoll(h GroupHandle) (map[rdtcap.MonEvent]uint64, error) {
	g, ok := h.(*msrGroup)
	if !ok {
		return nil, rdtutil.Wrap(rdtutil.Param, "handle was not produced by this back-end")
	}
	if len(g.cores) == 0 {
		return nil, rdtutil.Wrap(rdtutil.Param, "group has no cores")
	}
	core := g.cores[0]

	readEvent := func(eventID uint64, ev rdtcap.MonEvent) (uint64, bool, error) {
		if !g.events.Has(ev) {
			return 0, false, nil
		}
		evtsel := eventID | (uint64(g.rmid) << 32)
		if err := b.writeMSR(core, msrQMEvtsel, evtsel); err != nil {
			return 0, false, err
		}
		raw, err := b.readMSR(core, msrQMCtr)
		if err != nil {
			return 0, false, err
		}
		if raw&qmCtrErrorBit != 0 || raw&qmCtrUnavailable != 0 {
			return 0, false, rdtutil.Wrap(rdtutil.Resource, "monitoring counter unavailable")
		}
		scale := uint64(1)
		if b.cap.Mon != nil {
			if it, ok := b.cap.Mon.Item(ev); ok && it.ScaleFactor > 0 {
				scale = it.ScaleFactor
			}
		}
		return raw * scale, true, nil
	}

	out := make(map[rdtcap.MonEvent]uint64)
	for _, pair := range []struct {
		id uint64
		ev rdtcap.MonEvent
	}{
		{qmEventL3Occupancy, rdtcap.EventLLCOccupancy},
		{qmEventTotalMBW, rdtcap.EventTotalMBW},
		{qmEventLocalMBW, rdtcap.EventLocalMBW},
	} {
		v, ok, err := readEvent(pair.id, pair.ev)
		if err != nil {
			return nil, err
		}
		if ok {
			out[pair.ev] = v
		}
	}
	return out, nil
}

func (b *msrBackend) MonStop(h GroupHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := h.(*msrGroup)
	if !ok {
		return rdtutil.Wrap(rdtutil.Param, "handle was not produced by this back-end")
	}
	for _, core := range g.cores {
		old := g.priorRMID[core]
		cur, err := b.readMSR(core, msrPQRAssoc)
		if err != nil {
			return err
		}
		if err := b.writeMSR(core, msrPQRAssoc, (cur &^ 0x3ff) | uint64(old)); err != nil {
			return err
		}
	}
	delete(b.groups, g.id)
	return nil
}

func (b *msrBackend) MonResetConfig() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.cpu.Cores {
		cur, err := b.readMSR(c.ID, msrPQRAssoc)
		if err != nil {
			return err
		}
		if err := b.writeMSR(c.ID, msrPQRAssoc, cur&^0x3ff); err != nil {
			return err
		}
	}
	b.nextRMID = 1
	b.groups = make(map[int]*msrGroup)
	return nil
}

func (b *msrBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, f := range b.fds {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.fds = make(map[uint32]*os.File)
	return firstErr
}
