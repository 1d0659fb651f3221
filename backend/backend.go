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

// Package backend is the small indirection layer the spec calls "back-end
// dispatch": one Ops vtable, two implementations (msr, os), selected once at
// rdtstate.Init and frozen for the process lifetime. Allocation and
// monitoring packages never branch on the interface themselves -- they call
// through the Ops they were handed.
package backend

import (
	"github.com/nestybox/rdtctl/rdtcap"
	"github.com/nestybox/rdtctl/topology"
)

// GroupKind identifies the homogeneous resource set a monitoring group
// spans. A group never mixes kinds.
type GroupKind int

const (
	GroupCores GroupKind = iota
	GroupTasks
	GroupChannels
	GroupUncore
)

// GroupHandle is an opaque back-end-owned monitoring group reference.
type GroupHandle interface {
	// Kind returns the resource kind the group was started with.
	Kind() GroupKind
}

// ClassMask is the wire representation of an L2/L3 CAT class: either a
// single ways mask, or a CDP code/data pair.
type ClassMask struct {
	CDP      bool
	Ways     uint64 // valid when !CDP
	CodeMask uint64 // valid when CDP
	DataMask uint64 // valid when CDP
}

// Ops is the back-end vtable. Every method is safe to call only after the
// owning rdtstate snapshot has finished initialising, and every method
// operates on already-validated arguments -- parameter validation is the
// allocation/monitoring engines' job, not the back-end's.
type Ops interface {
	// Capability probing (the result is cached by rdtcap.DiscoverCapabilities
	// at Init time; Ops does not re-probe on every call).

	// Allocation: cache allocation (CAT), L2 or L3 selected via level.
	L3Read(clusterID, classID uint32) (ClassMask, error)
	L3Write(clusterID, classID uint32, mask ClassMask) error
	L2Read(clusterID, classID uint32) (ClassMask, error)
	L2Write(clusterID, classID uint32, mask ClassMask) error

	// Allocation: memory bandwidth (MBA/SMBA selected by the caller via a
	// distinct clusterID namespace, see rdtalloc).
	MBARead(clusterID, classID uint32) (pct uint32, err error)
	MBAWrite(clusterID, classID uint32, pct uint32) error

	// Association.
	AssocSetCore(core uint32, classID uint32) error
	AssocGetCore(core uint32) (classID uint32, err error)
	AssocSetTask(pid int, classID uint32) error
	AssocGetTask(pid int) (classID uint32, err error)
	AssocSetChannel(channel uint64, classID uint32) error
	AssocGetChannel(channel uint64) (classID uint32, err error)

	// State flips: CDP, MBA CTRL mode, I/O RDT enable. On success the caller
	// (rdtalloc) updates its in-memory capability record; the back-end only
	// performs the write.
	SetCDP(level rdtcap.CacheLevel, enabled bool) error
	SetMBACtrl(enabled bool) error
	SetIORDT(enabled bool) error

	// ResetAlloc restores every class to the hardware default ("all ways"
	// CBM, 100% MBA), one mask per cache level since L2 and L3 almost never
	// share a way count.
	ResetAlloc(l2Mask, l3Mask uint64) error

	// Monitoring.
	MonStart(kind GroupKind, resources []uint32, events rdtcap.MonEvent) (GroupHandle, error)
	MonPoll(h GroupHandle) (map[rdtcap.MonEvent]uint64, error)
	MonStop(h GroupHandle) error
	MonResetConfig() error

	// Close releases every resource the back-end holds open (MSR device
	// nodes, cached resctrl directory handles). Called once from
	// rdtstate.Fini.
	Close() error
}

// New selects and constructs the Ops implementation for iface.
func New(iface rdtcap.Interface, cpu *topology.CpuInfo, cap *rdtcap.Capability) (Ops, error) {
	return newPlatform(iface, cpu, cap)
}
