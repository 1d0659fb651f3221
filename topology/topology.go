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

// Package topology enumerates the logical cores of the host and the
// clusters (socket, L2, L3, MBA) each belongs to. It is the lowest layer of
// the stack: every other package treats a *CpuInfo as an immutable,
// read-only borrow obtained from the process-wide snapshot.
package topology

import (
	"sort"

	mapset "github.com/deckarep/golang-set"
)

// Core describes one logical CPU.
type Core struct {
	ID         uint32 // logical core id
	Socket     uint32
	L2ClusterID uint32
	L3ClusterID uint32
	MBAClusterID uint32
}

// CacheInfo describes one cache level shared by a cluster of cores.
type CacheInfo struct {
	NumWays    uint32
	WaySizeKB  uint32
	LineSize   uint32
	NumSets    uint32
	TotalSizeKB uint32
}

// CpuInfo is the immutable, process-lifetime topology snapshot.
type CpuInfo struct {
	Cores []Core

	L2Cache CacheInfo
	L3Cache CacheInfo

	// derived, deduplicated cluster id lists, in ascending order.
	sockets []uint32
	l2ids   []uint32
	l3ids   []uint32
	mbaids  []uint32
}

// New builds a CpuInfo from a flat list of cores, computing the derived id
// lists once so repeated accessor calls are O(1).
func New(cores []Core, l2 CacheInfo, l3 CacheInfo) *CpuInfo {
	ci := &CpuInfo{Cores: cores, L2Cache: l2, L3Cache: l3}
	ci.sockets = uniqueSorted(cores, func(c Core) uint32 { return c.Socket })
	ci.l2ids = uniqueSorted(cores, func(c Core) uint32 { return c.L2ClusterID })
	ci.l3ids = uniqueSorted(cores, func(c Core) uint32 { return c.L3ClusterID })
	ci.mbaids = uniqueSorted(cores, func(c Core) uint32 { return c.MBAClusterID })
	return ci
}

func uniqueSorted(cores []Core, key func(Core) uint32) []uint32 {
	set := mapset.NewSet()
	for _, c := range cores {
		set.Add(key(c))
	}

	out := make([]uint32, 0, set.Cardinality())
	for _, v := range set.ToSlice() {
		out = append(out, v.(uint32))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sockets returns the deduplicated, ascending list of socket ids.
func (ci *CpuInfo) Sockets() []uint32 { return ci.sockets }

// L2ClusterIDs returns the deduplicated, ascending list of L2 cluster ids.
func (ci *CpuInfo) L2ClusterIDs() []uint32 { return ci.l2ids }

// L3ClusterIDs returns the deduplicated, ascending list of L3 (CAT) cluster ids.
func (ci *CpuInfo) L3ClusterIDs() []uint32 { return ci.l3ids }

// MBAClusterIDs returns the deduplicated, ascending list of MBA cluster ids.
func (ci *CpuInfo) MBAClusterIDs() []uint32 { return ci.mbaids }

// CoreByID returns the Core with the given id, or false if it doesn't exist.
func (ci *CpuInfo) CoreByID(id uint32) (Core, bool) {
	for _, c := range ci.Cores {
		if c.ID == id {
			return c, true
		}
	}
	return Core{}, false
}

// CoresInL3Cluster returns the ids of every core in the given L3 cluster.
func (ci *CpuInfo) CoresInL3Cluster(clusterID uint32) []uint32 {
	return ci.coresInCluster(clusterID, func(c Core) uint32 { return c.L3ClusterID })
}

// CoresInL2Cluster returns the ids of every core in the given L2 cluster.
func (ci *CpuInfo) CoresInL2Cluster(clusterID uint32) []uint32 {
	return ci.coresInCluster(clusterID, func(c Core) uint32 { return c.L2ClusterID })
}

// CoresInMBACluster returns the ids of every core in the given MBA cluster.
func (ci *CpuInfo) CoresInMBACluster(clusterID uint32) []uint32 {
	return ci.coresInCluster(clusterID, func(c Core) uint32 { return c.MBAClusterID })
}

// CoresInSocket returns the ids of every core on the given socket.
func (ci *CpuInfo) CoresInSocket(socket uint32) []uint32 {
	return ci.coresInCluster(socket, func(c Core) uint32 { return c.Socket })
}

func (ci *CpuInfo) coresInCluster(clusterID uint32, key func(Core) uint32) []uint32 {
	var out []uint32
	for _, c := range ci.Cores {
		if key(c) == clusterID {
			out = append(out, c.ID)
		}
	}
	return out
}

// NumCores returns the total logical core count.
func (ci *CpuInfo) NumCores() int { return len(ci.Cores) }
