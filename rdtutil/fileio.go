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
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// every resctrl/MSR path the library touches goes through these helpers;
// callers never call os.Open directly on such paths. Each path component is
// walked and checked with Lstat so that a symlink planted anywhere along the
// way (e.g. a compromised resctrl mount, or a container escape attempt via
// /proc/<pid>/root) is rejected rather than silently followed.

// refuseSymlinkPath walks path component by component and returns an error
// if any component (other than the final one, which O_NOFOLLOW already
// covers) is a symlink.
func refuseSymlinkPath(path string) error {
	if !filepath.IsAbs(path) {
		return Wrap(Param, "refuseSymlinkPath requires an absolute path")
	}

	clean := filepath.Clean(path)
	parts := strings.Split(clean, string(os.PathSeparator))

	cur := string(os.PathSeparator)
	for i, p := range parts {
		if p == "" {
			continue
		}
		cur = filepath.Join(cur, p)

		final := i == len(parts)-1
		fi, err := os.Lstat(cur)
		if err != nil {
			if os.IsNotExist(err) && final {
				// the final component may not exist yet (e.g. O_CREATE); that's fine.
				return nil
			}
			return err
		}

		if fi.Mode()&os.ModeSymlink != 0 && !final {
			return Wrap(Perm, "refusing to follow symlink at "+cur)
		}
	}

	return nil
}

// OpenNoSymlink opens path for the given flags/perm, refusing to follow any
// symlink in the path (including the final component, via O_NOFOLLOW).
func OpenNoSymlink(path string, flags int, perm os.FileMode) (*os.File, error) {
	if err := refuseSymlinkPath(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, flags|unix.O_NOFOLLOW, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ReadFileNoSymlink reads the full contents of path after verifying no
// symlink lies along the way.
func ReadFileNoSymlink(path string) ([]byte, error) {
	f, err := OpenNoSymlink(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return os.ReadFile(f.Name())
}

// WriteFileNoSymlink writes data to path, creating it if necessary, after
// verifying no symlink lies along the way. It is used for every resctrl
// schemata/tasks/cpus write the allocation and monitoring engines perform.
func WriteFileNoSymlink(path string, data []byte, perm os.FileMode) error {
	f, err := OpenNoSymlink(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, perm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// MkdirAllNoSymlink creates path (and parents) after verifying the existing
// prefix contains no symlinks. Used to create per-class and per-group
// directories under resctrl.
func MkdirAllNoSymlink(path string, perm os.FileMode) error {
	if err := refuseSymlinkPath(filepath.Dir(path)); err != nil {
		return err
	}
	return os.MkdirAll(path, perm)
}
