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

package rdtutil

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// GetKernelRelease returns the running kernel release string (e.g. "6.8.0").
func GetKernelRelease() (string, error) {
	var utsname unix.Utsname
	if err := unix.Uname(&utsname); err != nil {
		return "", Wrapf(Err, err, "uname")
	}

	n := bytes.IndexByte(utsname.Release[:], 0)
	return string(utsname.Release[:n]), nil
}

// KernelAtLeast returns true if the running kernel version is >= major.minor.
// Used by the capability probe to gate OS-interface features (e.g. resctrl
// I/O RDT and MBA 4.0 support) that only appear from a given kernel release
// onward, when the resctrl info tree itself doesn't expose the feature.
func KernelAtLeast(major, minor int) (bool, error) {
	rel, err := GetKernelRelease()
	if err != nil {
		return false, err
	}

	curMajor, curMinor, err := ParseKernelRelease(rel)
	if err != nil {
		return false, err
	}

	if curMajor != major {
		return curMajor > major, nil
	}
	return curMinor >= minor, nil
}

// ParseKernelRelease parses the major/minor numbers out of a kernel release
// string as returned by GetKernelRelease.
func ParseKernelRelease(rel string) (int, int, error) {
	parts := strings.SplitN(rel, ".", 3)
	if len(parts) < 2 {
		return 0, 0, Wrap(Err, fmt.Sprintf("failed to parse kernel release %q", rel))
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, Wrapf(Err, err, fmt.Sprintf("failed to parse kernel release %q", rel))
	}

	// the minor component may carry a trailing suffix (e.g. "8-generic"); take
	// the leading digits only.
	minorStr := parts[1]
	end := 0
	for end < len(minorStr) && minorStr[end] >= '0' && minorStr[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, 0, Wrap(Err, fmt.Sprintf("failed to parse kernel release %q", rel))
	}

	minor, err := strconv.Atoi(minorStr[:end])
	if err != nil {
		return 0, 0, Wrapf(Err, err, fmt.Sprintf("failed to parse kernel release %q", rel))
	}

	return major, minor, nil
}
