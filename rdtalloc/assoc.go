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
	"github.com/nestybox/rdtctl/pathres"
	"github.com/nestybox/rdtctl/rdtutil"
)

// AssocSetCore binds core to classID. The class need not have been defined
// yet -- reads against an unbound class observe the hardware default mask,
// per spec.
func AssocSetCore(core uint32, classID uint32) error {
	s, err := snap()
	if err != nil {
		return err
	}
	return s.Ops.AssocSetCore(core, classID)
}

// AssocGetCore returns the class core is currently bound to.
func AssocGetCore(core uint32) (uint32, error) {
	s, err := snap()
	if err != nil {
		return 0, err
	}
	return s.Ops.AssocGetCore(core)
}

// AssocSetTask binds pid to classID. The target process is validated with
// pathres.PathAccess against its /proc/<pid> directory first, the same
// symlink/permission discipline the teacher's pathres package enforces for
// container-boundary-crossing path resolution -- here it guards against
// racing a pid recycle between validation and the write.
func AssocSetTask(pid int, classID uint32) error {
	s, err := snap()
	if err != nil {
		return err
	}
	if err := validatePid(pid); err != nil {
		return err
	}
	return s.Ops.AssocSetTask(pid, classID)
}

// AssocGetTask returns the class pid is currently bound to.
func AssocGetTask(pid int) (uint32, error) {
	s, err := snap()
	if err != nil {
		return 0, err
	}
	return s.Ops.AssocGetTask(pid)
}

// AssocSetChannel binds an I/O-RDT channel (PCIe RMID/COS scope) to classID.
func AssocSetChannel(channel uint64, classID uint32) error {
	s, err := snap()
	if err != nil {
		return err
	}
	return s.Ops.AssocSetChannel(channel, classID)
}

// AssocGetChannel returns the class channel is currently bound to.
func AssocGetChannel(channel uint64) (uint32, error) {
	s, err := snap()
	if err != nil {
		return 0, err
	}
	return s.Ops.AssocGetChannel(channel)
}

// validatePid confirms pid still resolves to a real, accessible process
// immediately before the association write, closing the gap between a
// caller obtaining a pid and this call reaching the kernel.
func validatePid(pid int) error {
	if pid <= 0 {
		return rdtutil.Wrap(rdtutil.Param, "pid must be positive")
	}
	if err := pathres.PathAccess(pid, "/", 0); err != nil {
		return rdtutil.Wrapf(rdtutil.Param, err, "pid %d is not accessible", pid)
	}
	return nil
}
