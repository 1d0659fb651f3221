//
// Copyright 2019 - 2024 Nestybox, Inc.
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

// Package mount provides mount-table inspection used to detect whether the
// resctrl pseudo-filesystem is present and how it was mounted (e.g. whether
// the "mba_MBps" / "cdp" / "cdpl2" options are active).
package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Info describes one entry of a process' mount table.
type Info struct {
	Mountpoint string
	Fstype     string
	Source     string
	Options    []string
}

// IsMountPoint quickly checks if the given path is a mountpoint. It's fast
// because it avoids the expensive reading and parsing of /proc/self/mountinfo
// for the current process and instead relies on comparing the device IDs for
// the given path versus that of its parent. This works well, except for
// bind-mounts since the device ID does not differ in that case (use
// FindMount() instead).
func IsMountPoint(path string) (bool, error) {

	if path == "/" {
		return true, nil
	}

	fileInfo, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("failed to stat path: %w", err)
	}

	parentPath := filepath.Join(path, "..")
	parentInfo, err := os.Stat(parentPath)
	if err != nil {
		return false, fmt.Errorf("failed to stat parent path: %w", err)
	}

	fileStat, ok1 := fileInfo.Sys().(*syscall.Stat_t)
	parentStat, ok2 := parentInfo.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return false, fmt.Errorf("failed to retrieve Stat_t from file info")
	}

	return fileStat.Dev != parentStat.Dev, nil
}

// GetMounts retrieves the mount table for the current process.
func GetMounts() ([]*Info, error) {
	return parseMountTable("/proc/self/mountinfo")
}

// GetMountsPid retrieves the mount table for the 'pid' process.
func GetMountsPid(pid uint32) ([]*Info, error) {
	return parseMountTable(fmt.Sprintf("/proc/%d/mountinfo", pid))
}

// FindMount returns true if mountpoint appears (exactly) in mounts.
func FindMount(mountpoint string, mounts []*Info) bool {
	for _, m := range mounts {
		if m.Mountpoint == mountpoint {
			return true
		}
	}
	return false
}

// MountedWithFs determines if the specified mountpoint has been mounted
// with the given filesystem type.
func MountedWithFs(mountpoint string, fs string, mounts []*Info) (bool, error) {
	for _, m := range mounts {
		if m.Mountpoint == mountpoint && m.Fstype == fs {
			return true, nil
		}
	}
	return false, nil
}

// GetMountAt returns information about the given mountpoint.
func GetMountAt(mountpoint string, mounts []*Info) (*Info, error) {
	for _, m := range mounts {
		if m.Mountpoint == mountpoint {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%s is not a mountpoint", mountpoint)
}

// HasOption returns true if the mount carries the given option (e.g. "cdp",
// "cdpl2", "mba_MBps").
func (i *Info) HasOption(opt string) bool {
	for _, o := range i.Options {
		if o == opt {
			return true
		}
	}
	return false
}

// OptionsToFlags converts mount options (e.g., "rw", "nodev") to their
// corresponding mount(2) flags representation.
func OptionsToFlags(opt []string) int {
	return optToFlag(opt)
}
