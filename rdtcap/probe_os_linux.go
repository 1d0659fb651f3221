//go:build linux

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

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// probeFs is swapped for an in-memory filesystem in tests, same pattern as
// topology.SetFS.
var probeFs = afero.NewOsFs()

// SetProbeFS overrides the filesystem used by the resctrl-based probe.
func SetProbeFS(fs afero.Fs) { probeFs = fs }

const resctrlInfoDir = "/sys/fs/resctrl/info"

func readTrim(path string) (string, error) {
	data, err := afero.ReadFile(probeFs, path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readUint(path string) (uint64, error) {
	s, err := readTrim(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, 64)
}

func readHexMask(path string) (uint64, error) {
	s, err := readTrim(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 16, 64)
}

func countBits(mask uint64) uint32 {
	n := uint32(0)
	for mask != 0 {
		n += uint32(mask & 1)
		mask >>= 1
	}
	return n
}

// probeOS discovers RDT capability by parsing the resctrl "info" pseudo-
// filesystem tree, as documented in the kernel's Documentation/x86/resctrl.rst.
func probeOS() (*Capability, error) {
	cap := &Capability{}

	if dir, err := afero.DirExists(probeFs, resctrlInfoDir+"/L3"); err == nil && dir {
		numWays := countBits(mustMask(resctrlInfoDir + "/L3/cbm_mask"))
		numClasses, _ := readUint(resctrlInfoDir + "/L3/num_closids")

		cdpSupported, _ := afero.DirExists(probeFs, resctrlInfoDir+"/L3CODE")
		iordtSupported, _ := afero.Exists(probeFs, resctrlInfoDir+"/L3/io_alloc")

		cap.L3CA = &CaCapability{
			Level:          L3,
			NumClasses:     uint32(numClasses),
			NumWays:        numWays,
			CDPSupported:   cdpSupported,
			IORDTSupported: iordtSupported,
		}
	}

	if dir, err := afero.DirExists(probeFs, resctrlInfoDir+"/L2"); err == nil && dir {
		numWays := countBits(mustMask(resctrlInfoDir + "/L2/cbm_mask"))
		numClasses, _ := readUint(resctrlInfoDir + "/L2/num_closids")
		cdpSupported, _ := afero.DirExists(probeFs, resctrlInfoDir+"/L2CODE")

		cap.L2CA = &CaCapability{
			Level:        L2,
			NumClasses:   uint32(numClasses),
			NumWays:      numWays,
			CDPSupported: cdpSupported,
		}
	}

	if dir, err := afero.DirExists(probeFs, resctrlInfoDir+"/MB"); err == nil && dir {
		numClasses, _ := readUint(resctrlInfoDir + "/MB/num_closids")
		gran, _ := readUint(resctrlInfoDir + "/MB/bandwidth_gran")
		linearStr, _ := readTrim(resctrlInfoDir + "/MB/delay_linear")

		cap.MBA = &MbaCapability{
			NumClasses:   uint32(numClasses),
			ThrottleStep: uint32(gran),
			ThrottleMax:  100,
			IsLinear:     linearStr == "1",
		}

		if ok, _ := afero.Exists(probeFs, resctrlInfoDir+"/MB/bandwidth_gran_mbps"); ok {
			cap.MBA.CtrlSupported = true
		}
	}

	if dir, err := afero.DirExists(probeFs, resctrlInfoDir+"/L3_MON"); err == nil && dir {
		items, err := parseMonFeatures(resctrlInfoDir + "/L3_MON/mon_features")
		if err == nil && len(items) > 0 {
			maxRmid, _ := readUint(resctrlInfoDir + "/L3_MON/num_rmids")
			for i := range items {
				items[i].MaxRMID = uint32(maxRmid)
				items[i].CounterWidth = 24
			}
			cap.Mon = &MonCapability{Items: items, SNCCount: 1}
		}
	}

	if !cap.HasAny() {
		return nil, ErrNoFeatures
	}

	return cap, nil
}

func mustMask(path string) uint64 {
	m, err := readHexMask(path)
	if err != nil {
		return 0
	}
	return m
}

// parseMonFeatures parses the newline-delimited mon_features file (e.g.
// "llc_occupancy\nmbm_total_bytes\nmbm_local_bytes\n") into event items.
func parseMonFeatures(path string) ([]MonCapabilityItem, error) {
	data, err := afero.ReadFile(probeFs, path)
	if err != nil {
		return nil, err
	}

	var items []MonCapabilityItem
	for _, line := range bytes.Split(data, []byte("\n")) {
		switch strings.TrimSpace(string(line)) {
		case "llc_occupancy":
			items = append(items, MonCapabilityItem{Event: EventLLCOccupancy})
		case "mbm_total_bytes":
			items = append(items, MonCapabilityItem{Event: EventTotalMBW})
		case "mbm_local_bytes":
			items = append(items, MonCapabilityItem{Event: EventLocalMBW})
		}
	}
	return items, nil
}

// probeMBACtrlEnabled reports whether the MBA CTRL (MBps) mode is currently
// active on the mounted resctrl filesystem, queried post-probe as the spec
// requires.
func probeMBACtrlEnabled() bool {
	ok, _ := afero.Exists(probeFs, resctrlInfoDir+"/MB/bandwidth_gran_mbps")
	return ok
}
