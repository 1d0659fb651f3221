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

package rdtcap

// CPUID leaves/subleaves used to discover RDT capability, per the Intel SDM
// volume 2A, "CPUID" (leaf 07H sub-leaf 0, leaf 0FH, leaf 10H).
const (
	leafExtFeatures = 0x07
	leafMon         = 0x0f
	leafAlloc       = 0x10

	subleafMonL3   = 1
	subleafAllocL3 = 1
	subleafAllocL2 = 2
	subleafAllocMB = 3

	ebxRDTM = 1 << 12 // extended features: RDT monitoring supported
	ebxRDTA = 1 << 15 // extended features: RDT allocation supported

	edxMonL3 = 1 << 1 // leaf 0fH.0: L3 monitoring supported

	edxMonL3Occupancy = 1 << 0 // leaf 0fH.1: L3 occupancy monitoring
	edxMonL3TotalBW   = 1 << 1 // leaf 0fH.1: L3 total bandwidth monitoring
	edxMonL3LocalBW   = 1 << 2 // leaf 0fH.1: L3 local bandwidth monitoring

	ebxAllocL3 = 1 << 1 // leaf 10H.0: L3 CAT supported
	ebxAllocL2 = 1 << 2 // leaf 10H.0: L2 CAT supported
	ebxAllocMB = 1 << 3 // leaf 10H.0: MBA supported

	ecxAllocCDP      = 1 << 2 // leaf 10H.{1,2}: CDP supported
	ecxAllocNonContig = 1 << 0 // leaf 10H.{1,2}: non-contiguous CBM supported
	ecxAllocMBALinear = 1 << 2 // leaf 10H.3: response of delay values is linear
)

// cpuidFn is indirected so tests can substitute a fake CPU.
var cpuidFn = cpuid

// probeMSR discovers RDT capability directly via CPUID, the path used when
// the MSR interface is selected (no resctrl filesystem involved). Register
// MSRs themselves (IA32_QM_EVTSEL, IA32_L3_QOS_MASK_n, ...) are read lazily
// by the backend/msr implementation once a class or monitoring group is
// actually used; the probe only needs to learn *whether* a feature exists
// and its static limits.
func probeMSR() (*Capability, error) {
	cap := &Capability{}

	ext := cpuidEntry(leafExtFeatures, 0)
	mon0 := cpuidEntry(leafMon, 0)

	if ext.ebx&ebxRDTM != 0 && mon0.edx&edxMonL3 != 0 {
		mon1 := cpuidEntry(leafMon, subleafMonL3)

		items := []MonCapabilityItem{}
		if mon1.edx&edxMonL3Occupancy != 0 {
			items = append(items, MonCapabilityItem{
				Event: EventLLCOccupancy, MaxRMID: mon0.ebx, CounterWidth: 24, ScaleFactor: uint64(mon1.ebx),
			})
		}
		if mon1.edx&edxMonL3TotalBW != 0 {
			items = append(items, MonCapabilityItem{
				Event: EventTotalMBW, MaxRMID: mon0.ebx, CounterWidth: 24, ScaleFactor: uint64(mon1.ebx),
			})
		}
		if mon1.edx&edxMonL3LocalBW != 0 {
			items = append(items, MonCapabilityItem{
				Event: EventLocalMBW, MaxRMID: mon0.ebx, CounterWidth: 24, ScaleFactor: uint64(mon1.ebx),
			})
		}

		if len(items) > 0 {
			cap.Mon = &MonCapability{Items: items, SNCCount: 1, SNCLocal: false}
		}
	}

	if ext.ebx&ebxRDTA != 0 {
		alloc0 := cpuidEntry(leafAlloc, 0)
		if alloc0.ebx&ebxAllocL3 != 0 {
			a := cpuidEntry(leafAlloc, subleafAllocL3)
			cap.L3CA = &CaCapability{
				Level:            L3,
				NumClasses:       uint32(a.edx&0xffff) + 1,
				NumWays:          (a.eax & 0x1f) + 1,
				WayContentionMask: uint64(a.ebx),
				CDPSupported:     a.ecx&ecxAllocCDP != 0,
				NonContiguousCBM: a.ecx&ecxAllocNonContig != 0,
			}
		}

		if alloc0.ebx&ebxAllocL2 != 0 {
			a := cpuidEntry(leafAlloc, subleafAllocL2)
			cap.L2CA = &CaCapability{
				Level:            L2,
				NumClasses:       uint32(a.edx&0xffff) + 1,
				NumWays:          (a.eax & 0x1f) + 1,
				WayContentionMask: uint64(a.ebx),
				CDPSupported:     a.ecx&ecxAllocCDP != 0,
				NonContiguousCBM: a.ecx&ecxAllocNonContig != 0,
			}
		}

		if alloc0.ebx&ebxAllocMB != 0 {
			a := cpuidEntry(leafAlloc, subleafAllocMB)
			cap.MBA = &MbaCapability{
				NumClasses:   uint32(a.edx&0xffff) + 1,
				ThrottleMax:  (a.eax & 0xfff) + 1,
				IsLinear:     a.ecx&ecxAllocMBALinear != 0,
				ThrottleStep: 10,
			}
		}
	}

	if !cap.HasAny() {
		return nil, ErrNoFeatures
	}

	return cap, nil
}

type cpuidResult struct{ eax, ebx, ecx, edx uint32 }

func cpuidEntry(eax, ecx uint32) cpuidResult {
	a, b, c, d := cpuidFn(eax, ecx)
	return cpuidResult{a, b, c, d}
}
