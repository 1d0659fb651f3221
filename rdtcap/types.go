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

// Package rdtcap discovers which RDT features a host supports and returns an
// immutable capability record. It probes CMT/MBM, L2/L3 CAT (+CDP), MBA
// (+SMBA), and I/O RDT independently, via either CPUID/MSR introspection or
// the resctrl "info" tree, and never mutates host state.
package rdtcap

import "fmt"

// Interface selects which back-end the library talks to.
type Interface int

const (
	Auto Interface = iota
	MSR
	OS
	OSResctrlMon
)

func (i Interface) String() string {
	switch i {
	case Auto:
		return "auto"
	case MSR:
		return "msr"
	case OS:
		return "os"
	case OSResctrlMon:
		return "os_resctrl_mon"
	default:
		return "unknown"
	}
}

// MonEvent is a bitset flag identifying a monitorable event.
type MonEvent uint32

const (
	EventLLCOccupancy MonEvent = 1 << iota
	EventLocalMBW
	EventRemoteMBW
	EventTotalMBW
	EventLLCMiss
	EventLLCReference
	EventIPC
	EventIOOccupancy
	EventIOTotalMBW
	EventIOMissMBW
	EventIOReadMBW
	EventIOWriteMBW
)

func (e MonEvent) String() string {
	names := []struct {
		bit  MonEvent
		name string
	}{
		{EventLLCOccupancy, "llc_occupancy"},
		{EventLocalMBW, "local_mbw"},
		{EventRemoteMBW, "remote_mbw"},
		{EventTotalMBW, "total_mbw"},
		{EventLLCMiss, "llc_miss"},
		{EventLLCReference, "llc_reference"},
		{EventIPC, "ipc"},
		{EventIOOccupancy, "io_occupancy"},
		{EventIOTotalMBW, "io_total_mbw"},
		{EventIOMissMBW, "io_miss_mbw"},
		{EventIOReadMBW, "io_read_mbw"},
		{EventIOWriteMBW, "io_write_mbw"},
	}

	out := ""
	for _, n := range names {
		if e&n.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "none"
	}
	return out
}

// Has reports whether e includes every bit set in sub.
func (e MonEvent) Has(sub MonEvent) bool { return e&sub == sub }

// MonCapabilityItem describes one monitorable event's hardware limits.
type MonCapabilityItem struct {
	Event        MonEvent
	MaxRMID      uint32
	CounterWidth uint32 // bits
	ScaleFactor  uint64 // bytes per counter tick
	IORDTCapable bool
}

// MonCapability is the monitoring feature descriptor.
type MonCapability struct {
	Items []MonCapabilityItem

	SNCCount int
	SNCLocal bool // true = SNC-local aggregation, false = SNC-total

	IORDTEnabled bool
}

// Item returns the descriptor for a single event, if present.
func (m *MonCapability) Item(e MonEvent) (MonCapabilityItem, bool) {
	for _, it := range m.Items {
		if it.Event == e {
			return it, true
		}
	}
	return MonCapabilityItem{}, false
}

// Events returns the bitwise-OR of every supported event.
func (m *MonCapability) Events() MonEvent {
	var all MonEvent
	for _, it := range m.Items {
		all |= it.Event
	}
	return all
}

// CacheLevel distinguishes L2 from L3 cache allocation technology.
type CacheLevel int

const (
	L2 CacheLevel = iota
	L3
)

// CaCapability describes L2 or L3 cache allocation technology.
type CaCapability struct {
	Level              CacheLevel
	NumClasses         uint32
	NumWays            uint32
	WaySizeKB          uint32
	WayContentionMask  uint64
	CDPSupported       bool
	CDPOn              bool
	NonContiguousCBM   bool
	IORDTSupported     bool // L3 only
	IORDTOn            bool // L3 only
}

// MbaCapability describes memory bandwidth allocation technology (MBA or
// SMBA; they are modeled as independent instances, see DESIGN.md).
type MbaCapability struct {
	NumClasses     uint32
	IsLinear       bool
	ThrottleStep   uint32 // percentage points
	ThrottleMax    uint32 // percentage points of throttling available
	CtrlSupported  bool
	CtrlOn         bool
	MBA40Supported bool
	MBA40On        bool
}

// Capability is the full, immutable probe result for one interface.
type Capability struct {
	Mon  *MonCapability
	L2CA *CaCapability
	L3CA *CaCapability
	MBA  *MbaCapability
	SMBA *MbaCapability

	MBACtrlEnabled bool // OS only, post-query

	// IORDT holds the discovered channel/device topology when the platform
	// reports IORDTCapable/IORDTSupported. Enumerating it needs PCIe
	// configuration-space access neither back-end implements yet (see
	// DESIGN.md); it stays nil until that lands.
	IORDT *IORDTTopology
}

// HasAny reports whether at least one feature was discovered, which is
// required for a probe to be considered successful.
func (c *Capability) HasAny() bool {
	return c.Mon != nil || c.L2CA != nil || c.L3CA != nil || c.MBA != nil || c.SMBA != nil
}

// ErrNoFeatures is returned by DiscoverCapabilities when the probe came back
// completely empty.
var ErrNoFeatures = fmt.Errorf("no RDT features discovered")
