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

package rdtmon

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nestybox/rdtctl/rdtcap"
	"github.com/nestybox/rdtctl/rdtutil"
)

// perfSet holds one perf_event_open file descriptor per (core, counter) the
// group subscribed to. LLC-miss, LLC-reference and IPC all ride the Linux
// perf subsystem rather than the back-end vtable, since both the msr and os
// back-ends expose it identically -- it is orthogonal to the CAT/MBA/MBM
// dispatch the vtable exists for.
type perfSet struct {
	missFds []int
	refFds  []int
	cycFds  []int
	insFds  []int
}

func newPerfSet(cores []uint32, events rdtcap.MonEvent) (*perfSet, error) {
	ps := &perfSet{}

	open := func(typ, config uint32) ([]int, error) {
		fds := make([]int, 0, len(cores))
		for _, core := range cores {
			fd, err := openPerfCounter(int(core), typ, config)
			if err != nil {
				closeAll(fds)
				return nil, err
			}
			fds = append(fds, fd)
		}
		return fds, nil
	}

	var err error
	if events.Has(rdtcap.EventLLCMiss) {
		if ps.missFds, err = open(unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_MISSES); err != nil {
			ps.close()
			return nil, rdtutil.Wrapf(rdtutil.Resource, err, "open LLC-miss perf counters")
		}
	}
	if events.Has(rdtcap.EventLLCReference) {
		if ps.refFds, err = open(unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_REFERENCES); err != nil {
			ps.close()
			return nil, rdtutil.Wrapf(rdtutil.Resource, err, "open LLC-reference perf counters")
		}
	}
	if events.Has(rdtcap.EventIPC) {
		if ps.cycFds, err = open(unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES); err != nil {
			ps.close()
			return nil, rdtutil.Wrapf(rdtutil.Resource, err, "open cycle perf counters")
		}
		if ps.insFds, err = open(unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS); err != nil {
			ps.close()
			return nil, rdtutil.Wrapf(rdtutil.Resource, err, "open instruction perf counters")
		}
	}

	return ps, nil
}

func openPerfCounter(core int, typ, config uint32) (int, error) {
	attr := &unix.PerfEventAttr{
		Type:   typ,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: uint64(config),
	}
	fd, err := unix.PerfEventOpen(attr, -1, core, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if fd < 0 {
		return 0, err
	}
	return fd, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

type perfValues struct {
	llcMiss, llcRef, cycles, instructions uint64
}

func (ps *perfSet) read() (perfValues, error) {
	var v perfValues
	var err error
	if v.llcMiss, err = sumCounters(ps.missFds); err != nil {
		return v, rdtutil.Wrapf(rdtutil.Err, err, "read LLC-miss perf counters")
	}
	if v.llcRef, err = sumCounters(ps.refFds); err != nil {
		return v, rdtutil.Wrapf(rdtutil.Err, err, "read LLC-reference perf counters")
	}
	if v.cycles, err = sumCounters(ps.cycFds); err != nil {
		return v, rdtutil.Wrapf(rdtutil.Err, err, "read cycle perf counters")
	}
	if v.instructions, err = sumCounters(ps.insFds); err != nil {
		return v, rdtutil.Wrapf(rdtutil.Err, err, "read instruction perf counters")
	}
	return v, nil
}

func sumCounters(fds []int) (uint64, error) {
	var sum uint64
	var buf [8]byte
	for _, fd := range fds {
		n, err := unix.Read(fd, buf[:])
		if err != nil {
			return 0, err
		}
		if n != 8 {
			continue
		}
		sum += binary.LittleEndian.Uint64(buf[:])
	}
	return sum, nil
}

func (ps *perfSet) close() {
	if ps == nil {
		return
	}
	closeAll(ps.missFds)
	closeAll(ps.refFds)
	closeAll(ps.cycFds)
	closeAll(ps.insFds)
}
