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

package topology

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// appFs is swapped for an in-memory filesystem in tests, the same pattern
// the teacher's utils/linux.go and linuxUtils/linux.go use for os-release
// parsing.
var appFs = afero.NewOsFs()

var cpuDirRe = regexp.MustCompile(`^cpu(\d+)$`)

const sysCpuDir = "/sys/devices/system/cpu"

// Discover enumerates the host's logical cores from sysfs and groups them
// into socket/L2/L3/MBA clusters. MBA clusters are approximated by the L3
// (last-level-cache) cluster id, since Linux does not expose a dedicated MBA
// topology file and the platforms this controls share one memory controller
// per LLC domain.
func Discover() (*CpuInfo, error) {
	entries, err := afero.ReadDir(appFs, sysCpuDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", sysCpuDir, err)
	}

	var cores []Core
	for _, e := range entries {
		m := cpuDirRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}

		topoDir := filepath.Join(sysCpuDir, e.Name(), "topology")
		if ok, _ := afero.DirExists(appFs, topoDir); !ok {
			continue
		}

		socket, err := readUintFile(filepath.Join(topoDir, "physical_package_id"))
		if err != nil {
			socket = 0
		}

		l3, err := readCacheID(e.Name(), 3)
		if err != nil {
			l3 = socket
		}

		l2, err := readCacheID(e.Name(), 2)
		if err != nil {
			l2 = l3
		}

		cores = append(cores, Core{
			ID:           uint32(id),
			Socket:       uint32(socket),
			L2ClusterID:  uint32(l2),
			L3ClusterID:  uint32(l3),
			MBAClusterID: uint32(l3),
		})
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("no logical cores found under %s", sysCpuDir)
	}

	l2cache, _ := readCacheGeometry(cores[0].ID, 2)
	l3cache, _ := readCacheGeometry(cores[0].ID, 3)

	return New(cores, l2cache, l3cache), nil
}

func readUintFile(path string) (uint64, error) {
	data, err := afero.ReadFile(appFs, path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

// readCacheID returns the id of the shared_cpu_list representative cache
// cluster for the given level (2 or 3), using the lowest-indexed CPU in the
// share group as the cluster's identity.
func readCacheID(cpuName string, level int) (uint64, error) {
	cacheRoot := filepath.Join(sysCpuDir, cpuName, "cache")
	entries, err := afero.ReadDir(appFs, cacheRoot)
	if err != nil {
		return 0, err
	}

	for _, e := range entries {
		lvl, err := readUintFile(filepath.Join(cacheRoot, e.Name(), "level"))
		if err != nil || int(lvl) != level {
			continue
		}

		data, err := afero.ReadFile(appFs, filepath.Join(cacheRoot, e.Name(), "shared_cpu_list"))
		if err != nil {
			return 0, err
		}

		first, err := firstOfList(string(data))
		if err != nil {
			return 0, err
		}
		return first, nil
	}

	return 0, fmt.Errorf("no level-%d cache found for %s", level, cpuName)
}

// readCacheGeometry reads ways/line size/sets for the given cache level on
// the representative core; used for reporting total cache capacity.
func readCacheGeometry(coreID uint32, level int) (CacheInfo, error) {
	cacheRoot := filepath.Join(sysCpuDir, fmt.Sprintf("cpu%d", coreID), "cache")
	entries, err := afero.ReadDir(appFs, cacheRoot)
	if err != nil {
		return CacheInfo{}, err
	}

	for _, e := range entries {
		lvl, err := readUintFile(filepath.Join(cacheRoot, e.Name(), "level"))
		if err != nil || int(lvl) != level {
			continue
		}

		ways, _ := readUintFile(filepath.Join(cacheRoot, e.Name(), "ways_of_associativity"))
		line, _ := readUintFile(filepath.Join(cacheRoot, e.Name(), "coherency_line_size"))
		sets, _ := readUintFile(filepath.Join(cacheRoot, e.Name(), "number_of_sets"))

		total := ways * line * sets

		return CacheInfo{
			NumWays:     uint32(ways),
			LineSize:    uint32(line),
			NumSets:     uint32(sets),
			TotalSizeKB: uint32(total / 1024),
		}, nil
	}

	return CacheInfo{}, fmt.Errorf("no level-%d cache geometry found", level)
}

func firstOfList(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.SplitN(s, ",", 2)[0]
	s = strings.SplitN(s, "-", 2)[0]
	return strconv.ParseUint(s, 10, 64)
}

// SetFS overrides the filesystem used for topology discovery; exported only
// for tests in this package and its dependents that need to drive discovery
// against an in-memory sysfs tree.
func SetFS(fs afero.Fs) { appFs = fs }
