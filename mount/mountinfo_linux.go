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

package mount

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// parseMountTable parses a /proc/[pid]/mountinfo file, as documented in
// proc(5). Each line has the form:
//
//	36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw,errors=continue
func parseMountTable(path string) ([]*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var infos []*Info

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()

		sepIdx := strings.Index(line, " - ")
		if sepIdx < 0 {
			continue
		}

		pre := strings.Fields(line[:sepIdx])
		post := strings.Fields(line[sepIdx+3:])

		if len(pre) < 6 || len(post) < 3 {
			continue
		}

		mountpoint := pre[4]
		mountOpts := strings.Split(pre[5], ",")
		fstype := post[0]
		source := post[1]
		superOpts := strings.Split(post[2], ",")

		infos = append(infos, &Info{
			Mountpoint: mountpoint,
			Fstype:     fstype,
			Source:     source,
			Options:    append(mountOpts, superOpts...),
		})
	}

	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return infos, nil
}

// optToFlag maps the common mount(8) textual options to their mount(2)
// syscall flag bits. Only the subset relevant to inspecting an existing
// mount (never used to perform a mount ourselves) is implemented.
func optToFlag(opts []string) int {
	table := map[string]int{
		"ro":        syscall.MS_RDONLY,
		"nosuid":    syscall.MS_NOSUID,
		"nodev":     syscall.MS_NODEV,
		"noexec":    syscall.MS_NOEXEC,
		"sync":      syscall.MS_SYNCHRONOUS,
		"remount":   syscall.MS_REMOUNT,
		"mand":      syscall.MS_MANDLOCK,
		"noatime":   syscall.MS_NOATIME,
		"nodiratime": syscall.MS_NODIRATIME,
		"relatime":  syscall.MS_RELATIME,
	}

	var flags int
	for _, o := range opts {
		if f, ok := table[o]; ok {
			flags |= f
		}
	}
	return flags
}
