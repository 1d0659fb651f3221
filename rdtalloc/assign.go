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
	"github.com/nestybox/rdtctl/rdtcap"
	"github.com/nestybox/rdtctl/rdtmon"
	"github.com/nestybox/rdtctl/rdtutil"
	"github.com/nestybox/rdtctl/topology"
)

// AllocAssign finds the lowest-indexed class free across every technology
// named in techBits on the clusters the given cores belong to, binds every
// core to it, and returns the class id. It returns RESOURCE when no class is
// free.
func AllocAssign(techBits Technology, cores []uint32) (uint32, error) {
	s, err := snap()
	if err != nil {
		return 0, err
	}
	if len(cores) == 0 {
		return 0, rdtutil.Wrap(rdtutil.Param, "cores must not be empty")
	}

	limit, err := numClassesFor(techBits, s.Cap)
	if err != nil {
		return 0, err
	}

	allocMu.Lock()
	defer allocMu.Unlock()

	clusterIDs := clustersFor(techBits, s.Cpu, cores)

	var class uint32
	for class = 0; class < limit; class++ {
		free := true
		for tech := TechL3CA; tech <= TechMBA; tech <<= 1 {
			if techBits&tech == 0 {
				continue
			}
			for _, cl := range clusterIDs[tech] {
				key := allocKey{tech: tech, clusterID: cl}
				if allocated[key][class] {
					free = false
				}
			}
		}
		if free {
			break
		}
	}
	if class >= limit {
		return 0, rdtutil.Wrap(rdtutil.Resource, "no free class available across the requested technologies")
	}

	for tech := TechL3CA; tech <= TechMBA; tech <<= 1 {
		if techBits&tech == 0 {
			continue
		}
		for _, cl := range clusterIDs[tech] {
			key := allocKey{tech: tech, clusterID: cl}
			if allocated[key] == nil {
				allocated[key] = map[uint32]bool{}
			}
			allocated[key][class] = true
		}
	}

	for _, core := range cores {
		if err := s.Ops.AssocSetCore(core, class); err != nil {
			return 0, rdtutil.Wrapf(rdtutil.Err, err, "bind core %d to class %d", core, class)
		}
	}

	return class, nil
}

// AllocRelease rebinds every given core to class 0. It does not free the
// class ids AllocAssign recorded as taken; that record is cleared only by
// AllocResetConfig.
func AllocRelease(cores []uint32) error {
	s, err := snap()
	if err != nil {
		return err
	}

	for _, core := range cores {
		if err := s.Ops.AssocSetCore(core, 0); err != nil {
			return rdtutil.Wrapf(rdtutil.Err, err, "release core %d", core)
		}
	}
	return nil
}

func numClassesFor(techBits Technology, cap *rdtcap.Capability) (uint32, error) {
	min := ^uint32(0)
	seen := false

	check := func(n uint32, ok bool) error {
		if !ok {
			return rdtutil.Wrap(rdtutil.Resource, "requested technology not supported")
		}
		if n < min {
			min = n
		}
		seen = true
		return nil
	}

	if techBits&TechL3CA != 0 {
		if err := check(capNumClasses(cap.L3CA), cap.L3CA != nil); err != nil {
			return 0, err
		}
	}
	if techBits&TechL2CA != 0 {
		if err := check(capNumClasses(cap.L2CA), cap.L2CA != nil); err != nil {
			return 0, err
		}
	}
	if techBits&TechMBA != 0 {
		n := uint32(0)
		if cap.MBA != nil {
			n = cap.MBA.NumClasses
		}
		if err := check(n, cap.MBA != nil); err != nil {
			return 0, err
		}
	}
	if !seen {
		return 0, rdtutil.Wrap(rdtutil.Param, "techBits must name at least one technology")
	}
	return min, nil
}

func capNumClasses(c *rdtcap.CaCapability) uint32 {
	if c == nil {
		return 0
	}
	return c.NumClasses
}

func clustersFor(techBits Technology, cpu *topology.CpuInfo, cores []uint32) map[Technology][]uint32 {
	out := map[Technology][]uint32{}
	seen := map[Technology]map[uint32]bool{}

	add := func(tech Technology, clusterID uint32) {
		if seen[tech] == nil {
			seen[tech] = map[uint32]bool{}
		}
		if seen[tech][clusterID] {
			return
		}
		seen[tech][clusterID] = true
		out[tech] = append(out[tech], clusterID)
	}

	for _, coreID := range cores {
		core, ok := cpu.CoreByID(coreID)
		if !ok {
			continue
		}
		if techBits&TechL3CA != 0 {
			add(TechL3CA, core.L3ClusterID)
		}
		if techBits&TechL2CA != 0 {
			add(TechL2CA, core.L2ClusterID)
		}
		if techBits&TechMBA != 0 {
			add(TechMBA, core.MBAClusterID)
		}
	}
	return out
}

// AllocResetConfig restores every mask to the platform default (all ways
// set) and every association to class 0, optionally flipping CDP/MBA
// mode/I/O-RDT state first. The MBA40 field is not acted on: no back-end
// operation switches MBA 4.0 mode. A CDP flip is refused with RESOURCE while
// any rdtmon group is still active, since flipping COS semantics under a
// live RMID/COS binding would silently corrupt it.
func AllocResetConfig(cfg ResetConfig) error {
	s, err := snap()
	if err != nil {
		return err
	}

	if cfg.L3CDP != nil && s.Cap.L3CA != nil && *cfg.L3CDP != s.Cap.L3CA.CDPOn {
		if !s.Cap.L3CA.CDPSupported {
			return rdtutil.Wrap(rdtutil.Resource, "L3 CDP is not supported on this platform")
		}
		if rdtmon.ActiveGroupCount() > 0 {
			return rdtutil.Wrap(rdtutil.Resource, "cannot flip L3 CDP mode while monitoring groups are active")
		}
		if err := s.Ops.SetCDP(rdtcap.L3, *cfg.L3CDP); err != nil {
			return rdtutil.Wrapf(rdtutil.Err, err, "flip L3 CDP mode")
		}
		s.Cap.L3CA.CDPOn = *cfg.L3CDP
	}

	if cfg.L2CDP != nil && s.Cap.L2CA != nil && *cfg.L2CDP != s.Cap.L2CA.CDPOn {
		if !s.Cap.L2CA.CDPSupported {
			return rdtutil.Wrap(rdtutil.Resource, "L2 CDP is not supported on this platform")
		}
		if rdtmon.ActiveGroupCount() > 0 {
			return rdtutil.Wrap(rdtutil.Resource, "cannot flip L2 CDP mode while monitoring groups are active")
		}
		if err := s.Ops.SetCDP(rdtcap.L2, *cfg.L2CDP); err != nil {
			return rdtutil.Wrapf(rdtutil.Err, err, "flip L2 CDP mode")
		}
		s.Cap.L2CA.CDPOn = *cfg.L2CDP
	}

	if cfg.MBACtrl != nil && s.Cap.MBA != nil && *cfg.MBACtrl != s.Cap.MBA.CtrlOn {
		if *cfg.MBACtrl && !s.Cap.MBA.CtrlSupported {
			return rdtutil.Wrap(rdtutil.Resource, "MBA-CTRL mode is not supported on this platform")
		}
		if err := s.Ops.SetMBACtrl(*cfg.MBACtrl); err != nil {
			return rdtutil.Wrapf(rdtutil.Err, err, "flip MBA mode")
		}
		s.Cap.MBA.CtrlOn = *cfg.MBACtrl
	}

	if cfg.L3IORDT != nil && s.Cap.L3CA != nil && *cfg.L3IORDT != s.Cap.L3CA.IORDTOn {
		if err := s.Ops.SetIORDT(*cfg.L3IORDT); err != nil {
			return rdtutil.Wrapf(rdtutil.Err, err, "flip I/O RDT mode")
		}
		s.Cap.L3CA.IORDTOn = *cfg.L3IORDT
	}

	// allocation reset tears down any software-controller regulation too --
	// the hardware classes it was steering are about to be overwritten below.
	if controller != nil {
		controller.StopAll()
	}

	l2Mask := uint64(0)
	if s.Cap.L2CA != nil {
		l2Mask = (uint64(1) << s.Cap.L2CA.NumWays) - 1
	}
	l3Mask := uint64(0)
	if s.Cap.L3CA != nil {
		l3Mask = (uint64(1) << s.Cap.L3CA.NumWays) - 1
	}

	if err := s.Ops.ResetAlloc(l2Mask, l3Mask); err != nil {
		return rdtutil.Wrapf(rdtutil.Err, err, "reset allocation state")
	}

	allocMu.Lock()
	allocated = map[allocKey]map[uint32]bool{}
	allocMu.Unlock()

	return nil
}
