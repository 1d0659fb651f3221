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

// osBackend drives RDT purely through the resctrl pseudo-filesystem: one
// directory per class of service (COS), schemata/cpus/tasks files inside
// each, and mon_groups/<name>/mon_data/<domain>/<event> for monitoring.
package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/karrick/godirwalk"

	"github.com/nestybox/rdtctl/rdtcap"
	"github.com/nestybox/rdtctl/rdtutil"
	"github.com/nestybox/rdtctl/topology"
)

// listCOSDirs enumerates the COS class directories directly under root,
// one level deep -- godirwalk.ReadDirents is reused here instead of
// os.ReadDir purely for the corpus's own directory-listing idiom
// (idShiftUtils walks resctrl-adjacent trees the same way), not because
// this listing is ever recursive.
func listCOSDirs(root string) (godirwalk.Dirents, error) {
	return godirwalk.ReadDirents(root, nil)
}

const defaultResctrlRoot = "/sys/fs/resctrl"

type osBackend struct {
	mu      sync.Mutex
	root    string
	cpu     *topology.CpuInfo
	cap     *rdtcap.Capability
	monOnly bool

	groups map[int]*osGroup
	nextID int
}

type osGroup struct {
	id        int
	kind      GroupKind
	dir       string // mon_groups/<name>, or "" for the root/ctrl group's own mon_data
	resources []uint32
	events    rdtcap.MonEvent
}

func (g *osGroup) Kind() GroupKind { return g.kind }

func newOSBackend(cpu *topology.CpuInfo, cap *rdtcap.Capability, monOnly bool) (Ops, error) {
	b := &osBackend{
		root:    defaultResctrlRoot,
		cpu:     cpu,
		cap:     cap,
		monOnly: monOnly,
		groups:  make(map[int]*osGroup),
	}
	return b, nil
}

func (b *osBackend) classDir(classID uint32) string {
	if classID == 0 {
		return b.root
	}
	return filepath.Join(b.root, fmt.Sprintf("COS%d", classID))
}

func (b *osBackend) ensureClassDir(classID uint32) error {
	dir := b.classDir(classID)
	if dir == b.root {
		return nil
	}
	if err := rdtutil.MkdirAllNoSymlink(dir, 0755); err != nil {
		return err
	}

	// a freshly created COS directory has no schemata file until the kernel
	// populates one; seed it from the default group so every resource/cluster
	// key the caller might target already exists (the kernel does the same,
	// starting a new class with the default group's full-access values).
	schemataPath := filepath.Join(dir, "schemata")
	if _, err := os.Stat(schemataPath); os.IsNotExist(err) {
		root, err := rdtutil.ReadFileNoSymlink(filepath.Join(b.root, "schemata"))
		if err != nil {
			return rdtutil.Wrapf(rdtutil.Resource, err, "read default schemata to seed class %d", classID)
		}
		if err := rdtutil.WriteFileNoSymlink(schemataPath, root, 0644); err != nil {
			return rdtutil.Wrapf(rdtutil.Resource, err, "seed schemata for class %d", classID)
		}
	}
	return nil
}

func (b *osBackend) readSchemata(classID uint32) (*schemataDoc, error) {
	path := filepath.Join(b.classDir(classID), "schemata")
	content, err := rdtutil.ReadFileNoSymlink(path)
	if err != nil {
		return nil, rdtutil.Wrapf(rdtutil.Resource, err, "read schemata for class %d", classID)
	}
	return parseSchemata(string(content)), nil
}

func (b *osBackend) writeSchemata(classID uint32, doc *schemataDoc) error {
	path := filepath.Join(b.classDir(classID), "schemata")
	if err := rdtutil.WriteFileNoSymlink(path, []byte(doc.String()), 0644); err != nil {
		return rdtutil.Wrapf(rdtutil.Resource, err, "write schemata for class %d", classID)
	}
	return nil
}

func maskToHex(m uint64) string { return fmt.Sprintf("%x", m) }

func parseHexMask(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 16, 64)
}

func (b *osBackend) L3Read(clusterID, classID uint32) (ClassMask, error) {
	return b.caRead("L3", clusterID, classID)
}

func (b *osBackend) L3Write(clusterID, classID uint32, mask ClassMask) error {
	return b.caWrite("L3", clusterID, classID, mask)
}

func (b *osBackend) L2Read(clusterID, classID uint32) (ClassMask, error) {
	return b.caRead("L2", clusterID, classID)
}

func (b *osBackend) L2Write(clusterID, classID uint32, mask ClassMask) error {
	return b.caWrite("L2", clusterID, classID, mask)
}

func (b *osBackend) caRead(resource string, clusterID, classID uint32) (ClassMask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := b.readSchemata(classID)
	if err != nil {
		return ClassMask{}, err
	}

	if codeStr, ok := doc.get(resource+"CODE", clusterID); ok {
		dataStr, _ := doc.get(resource+"DATA", clusterID)
		code, err := parseHexMask(codeStr)
		if err != nil {
			return ClassMask{}, rdtutil.Wrapf(rdtutil.Err, err, "parse %sCODE mask", resource)
		}
		data, err := parseHexMask(dataStr)
		if err != nil {
			return ClassMask{}, rdtutil.Wrapf(rdtutil.Err, err, "parse %sDATA mask", resource)
		}
		return ClassMask{CDP: true, CodeMask: code, DataMask: data}, nil
	}

	str, ok := doc.get(resource, clusterID)
	if !ok {
		return ClassMask{}, rdtutil.Wrap(rdtutil.Resource, resource+" schemata missing cluster entry")
	}
	ways, err := parseHexMask(str)
	if err != nil {
		return ClassMask{}, rdtutil.Wrapf(rdtutil.Err, err, "parse %s mask", resource)
	}
	return ClassMask{Ways: ways}, nil
}

func (b *osBackend) caWrite(resource string, clusterID, classID uint32, mask ClassMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureClassDir(classID); err != nil {
		return err
	}
	doc, err := b.readSchemata(classID)
	if err != nil {
		return err
	}

	if mask.CDP {
		if err := doc.set(resource+"CODE", clusterID, maskToHex(mask.CodeMask)); err != nil {
			return err
		}
		if err := doc.set(resource+"DATA", clusterID, maskToHex(mask.DataMask)); err != nil {
			return err
		}
	} else {
		if err := doc.set(resource, clusterID, maskToHex(mask.Ways)); err != nil {
			return err
		}
	}

	return b.writeSchemata(classID, doc)
}

func (b *osBackend) MBARead(clusterID, classID uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := b.readSchemata(classID)
	if err != nil {
		return 0, err
	}
	str, ok := doc.get("MB", clusterID)
	if !ok {
		return 0, rdtutil.Wrap(rdtutil.Resource, "MB schemata missing cluster entry")
	}
	v, err := strconv.ParseUint(strings.TrimSuffix(str, "%"), 10, 32)
	if err != nil {
		return 0, rdtutil.Wrapf(rdtutil.Err, err, "parse MB value")
	}
	return uint32(v), nil
}

func (b *osBackend) MBAWrite(clusterID, classID uint32, pct uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureClassDir(classID); err != nil {
		return err
	}
	doc, err := b.readSchemata(classID)
	if err != nil {
		return err
	}
	if err := doc.set("MB", clusterID, fmt.Sprintf("%d", pct)); err != nil {
		return err
	}
	return b.writeSchemata(classID, doc)
}

func (b *osBackend) AssocSetCore(core uint32, classID uint32) error {
	if err := b.ensureClassDir(classID); err != nil {
		return err
	}
	path := filepath.Join(b.classDir(classID), "cpus")
	mask := uint64(1) << core
	if cur, err := rdtutil.ReadFileNoSymlink(path); err == nil {
		if m, err := parseHexMask(string(cur)); err == nil {
			mask |= m
		}
	}
	if err := rdtutil.WriteFileNoSymlink(path, []byte(fmt.Sprintf("%x\n", mask)), 0644); err != nil {
		return rdtutil.Wrapf(rdtutil.Resource, err, "associate core %d with class %d", core, classID)
	}
	return nil
}

func (b *osBackend) AssocGetCore(core uint32) (uint32, error) {
	entries, err := listCOSDirs(b.root)
	if err != nil {
		return 0, rdtutil.Wrapf(rdtutil.Resource, err, "list resctrl classes")
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "COS") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(e.Name(), "COS"), 10, 32)
		if err != nil {
			continue
		}
		if b.coreInCpusFile(filepath.Join(b.root, e.Name(), "cpus"), core) {
			return uint32(id), nil
		}
	}
	return 0, nil
}

func (b *osBackend) coreInCpusFile(path string, core uint32) bool {
	content, err := rdtutil.ReadFileNoSymlink(path)
	if err != nil {
		return false
	}
	mask, err := parseHexMask(string(content))
	if err != nil {
		return false
	}
	return mask&(1<<core) != 0
}

func (b *osBackend) AssocSetTask(pid int, classID uint32) error {
	if err := b.ensureClassDir(classID); err != nil {
		return err
	}
	path := filepath.Join(b.classDir(classID), "tasks")
	if err := rdtutil.WriteFileNoSymlink(path, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		return rdtutil.Wrapf(rdtutil.Resource, err, "associate pid %d with class %d", pid, classID)
	}
	return nil
}

func (b *osBackend) AssocGetTask(pid int) (uint32, error) {
	entries, err := listCOSDirs(b.root)
	if err != nil {
		return 0, rdtutil.Wrapf(rdtutil.Resource, err, "list resctrl classes")
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "COS") {
			continue
		}
		content, err := rdtutil.ReadFileNoSymlink(filepath.Join(b.root, e.Name(), "tasks"))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(content), "\n") {
			if line == strconv.Itoa(pid) {
				id, _ := strconv.ParseUint(strings.TrimPrefix(e.Name(), "COS"), 10, 32)
				return uint32(id), nil
			}
		}
	}
	return 0, nil
}

// Channel association (I/O RDT) needs the platform's PCIe virtual-channel
// configuration access, which the resctrl filesystem does not expose as a
// file interface on any shipping kernel (see msr_linux.go for the same gap
// on the MSR side -- it's PCI-config-space-only on both interfaces).
func (b *osBackend) AssocSetChannel(uint64, uint32) error {
	return rdtutil.Wrap(rdtutil.Resource, "I/O RDT channel association requires PCIe configuration access not exposed through resctrl")
}

func (b *osBackend) AssocGetChannel(uint64) (uint32, error) {
	return 0, rdtutil.Wrap(rdtutil.Resource, "I/O RDT channel association requires PCIe configuration access not exposed through resctrl")
}

func (b *osBackend) SetCDP(level rdtcap.CacheLevel, enabled bool) error {
	return rdtutil.Wrap(rdtutil.Resource, "CDP mode is set at resctrl mount time (mount option), not post-mount")
}

func (b *osBackend) SetMBACtrl(enabled bool) error {
	return rdtutil.Wrap(rdtutil.Resource, "MBA CTRL mode is set at resctrl mount time (mount option), not post-mount")
}

func (b *osBackend) SetIORDT(enabled bool) error {
	return rdtutil.Wrap(rdtutil.Resource, "I/O RDT enablement is set at resctrl mount time (mount option), not post-mount")
}

func (b *osBackend) ResetAlloc(l2Mask, l3Mask uint64) error {
	entries, err := listCOSDirs(b.root)
	if err != nil {
		return rdtutil.Wrapf(rdtutil.Resource, err, "list resctrl classes")
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "COS") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(b.root, e.Name())); err != nil {
			return rdtutil.Wrapf(rdtutil.Resource, err, "remove class directory %s", e.Name())
		}
	}
	return nil
}

func (b *osBackend) MonStart(kind GroupKind, resources []uint32, events rdtcap.MonEvent) (GroupHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	if kind == GroupChannels {
		return nil, rdtutil.Wrap(rdtutil.Resource, "I/O-RDT channel monitoring needs per-channel hardware counters this platform does not expose a verified register scheme for")
	}

	var dir string
	if kind == GroupTasks || kind == GroupCores || kind == GroupUncore {
		dir = filepath.Join(b.root, "mon_groups", fmt.Sprintf("mon%d", id))
		if err := rdtutil.MkdirAllNoSymlink(dir, 0755); err != nil {
			return nil, rdtutil.Wrapf(rdtutil.Resource, err, "create monitoring group")
		}
		switch kind {
		case GroupCores, GroupUncore:
			// GroupUncore arrives here as the concrete set of cores its
			// sockets resolved to (rdtmon.StartUncore); resctrl has no
			// separate socket-scoped grouping, so a uncore group is just a
			// cpus_list group spanning every core of the requested sockets.
			var b2 strings.Builder
			for i, c := range resources {
				if i > 0 {
					b2.WriteByte(',')
				}
				fmt.Fprintf(&b2, "%d", c)
			}
			if err := rdtutil.WriteFileNoSymlink(filepath.Join(dir, "cpus_list"), []byte(b2.String()+"\n"), 0644); err != nil {
				return nil, rdtutil.Wrapf(rdtutil.Resource, err, "assign cores to monitoring group")
			}
		case GroupTasks:
			for _, pid := range resources {
				if err := rdtutil.WriteFileNoSymlink(filepath.Join(dir, "tasks"), []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
					return nil, rdtutil.Wrapf(rdtutil.Resource, err, "assign pid %d to monitoring group", pid)
				}
			}
		}
	}

	g := &osGroup{id: id, kind: kind, dir: dir, resources: resources, events: events}
	b.groups[id] = g
	return g, nil
}

func (b *osBackend) MonPoll(h GroupHandle) (map[rdtcap.MonEvent]uint64, error) {
	g, ok := h.(*osGroup)
	if !ok {
		return nil, rdtutil.Wrap(rdtutil.Param, "handle was not produced by this back-end")
	}
	if g.dir == "" {
		return nil, rdtutil.Wrap(rdtutil.Resource, "group has no mon_data directory")
	}

	out := make(map[rdtcap.MonEvent]uint64)
	eventFiles := []struct {
		ev   rdtcap.MonEvent
		file string
	}{
		{rdtcap.EventLLCOccupancy, "llc_occupancy"},
		{rdtcap.EventTotalMBW, "mbm_total_bytes"},
		{rdtcap.EventLocalMBW, "mbm_local_bytes"},
	}

	domains, err := godirwalk.ReadDirents(filepath.Join(g.dir, "mon_data"), nil)
	if err != nil {
		return nil, rdtutil.Wrapf(rdtutil.Resource, err, "list mon_data domains")
	}

	for _, ef := range eventFiles {
		if !g.events.Has(ef.ev) {
			continue
		}
		var sum uint64
		for _, d := range domains {
			content, err := rdtutil.ReadFileNoSymlink(filepath.Join(g.dir, "mon_data", d.Name(), ef.file))
			if err != nil {
				continue
			}
			v, err := strconv.ParseUint(strings.TrimSpace(string(content)), 10, 64)
			if err != nil {
				continue
			}
			sum += v
		}
		out[ef.ev] = sum
	}

	return out, nil
}

func (b *osBackend) MonStop(h GroupHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := h.(*osGroup)
	if !ok {
		return rdtutil.Wrap(rdtutil.Param, "handle was not produced by this back-end")
	}
	delete(b.groups, g.id)
	if g.dir == "" {
		return nil
	}
	if err := os.RemoveAll(g.dir); err != nil {
		return rdtutil.Wrapf(rdtutil.Resource, err, "remove monitoring group directory")
	}
	return nil
}

func (b *osBackend) MonResetConfig() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dir := filepath.Join(b.root, "mon_groups")
	entries, err := godirwalk.ReadDirents(dir, nil)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return rdtutil.Wrapf(rdtutil.Resource, err, "list monitoring groups")
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return rdtutil.Wrapf(rdtutil.Resource, err, "remove monitoring group %s", e.Name())
		}
	}
	b.groups = make(map[int]*osGroup)
	return nil
}

func (b *osBackend) Close() error { return nil }
