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
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultLockPath is the well-known advisory lock used to enforce that at
// most one process configures RDT on a host at a time. Linux only; non-Linux
// builds reject OS-backed interfaces before ever reaching this point, but
// the lock itself is plain POSIX flock and works on any unix.
const DefaultLockPath = "/var/run/rdtctl.lock"

// ProcessLock is a cross-process exclusive advisory lock held for the full
// init/fini window, the same role utils.CreatePidFile plays in the teacher
// code, but using flock(2) so that acquisition is atomic and contention is
// detected immediately rather than by re-reading a pid and checking
// liveness.
type ProcessLock struct {
	path string
	file *os.File
}

// Acquire opens (creating if necessary) the lock file at path and attempts a
// non-blocking exclusive lock, retrying up to retries times with a short
// sleep between attempts. It returns rdtutil.ErrBusy if the lock is still
// held after the retry budget is exhausted.
func Acquire(path string, retries int, retryDelay time.Duration) (*ProcessLock, error) {
	if path == "" {
		path = DefaultLockPath
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, Wrapf(Err, err, fmt.Sprintf("failed to open lock file %s", path))
	}

	attempts := retries + 1
	for i := 0; i < attempts; i++ {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &ProcessLock{path: path, file: f}, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, Wrapf(Err, err, "flock failed")
		}
		if i < attempts-1 {
			time.Sleep(retryDelay)
		}
	}

	f.Close()
	return nil, Wrap(Busy, fmt.Sprintf("lock %s is held by another process", path))
}

// Release unlocks and closes the lock file.
func (l *ProcessLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return Wrapf(Err, err, "failed to unlock")
	}
	return l.file.Close()
}
