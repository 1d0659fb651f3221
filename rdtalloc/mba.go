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
	"github.com/nestybox/rdtctl/rdtcap"
	"github.com/nestybox/rdtctl/rdtutil"
)

// mbaController is the narrow interface mbasc implements; rdtalloc only
// needs to hand a ctrl=1 class off to it, never the reverse, so the
// dependency stays one-directional (mbasc imports rdtalloc, not vice versa)
// and this is satisfied via a package-level hook set by mbasc.Init.
type mbaController interface {
	Program(clusterID, classID uint32, targetBps uint64) error
	StopAll()
}

var controller mbaController

// RegisterController is called once by mbasc.Init to give rdtalloc a way to
// hand off ctrl=1 (bytes/second) MBA classes; nil disables SW-controller
// hand-off (ctrl=1 requests then fail RESOURCE unless MBA-CTRL hardware
// mode is enabled).
func RegisterController(c mbaController) { controller = c }

// MbaSet applies MBA classes to clusterID. For ctrl=0 entries the percentage
// is snapped to a throttle_step multiple and clamped into
// [100-throttle_max, 100]; for ctrl=1 entries the bytes/second setpoint is
// handed to the software controller (MSR back-end) or rejected unless
// MBA-CTRL hardware mode is active (OS back-end). actual[i] reports what was
// actually written for entry i.
func MbaSet(clusterID uint32, classes []MbaClass) ([]uint64, error) {
	s, err := snap()
	if err != nil {
		return nil, err
	}
	if s.Cap.MBA == nil {
		return nil, rdtutil.Wrap(rdtutil.Resource, "MBA not supported on this platform")
	}
	mba := s.Cap.MBA

	actual := make([]uint64, len(classes))
	for i, c := range classes {
		if c.ClassID >= mba.NumClasses {
			return nil, rdtutil.Wrap(rdtutil.Param, "class id out of range")
		}

		if c.Ctrl {
			if !mba.CtrlOn && controller == nil {
				return nil, rdtutil.Wrap(rdtutil.Resource, "ctrl=1 requires MBA-CTRL mode or an active software controller")
			}
			if mba.CtrlOn {
				if err := s.Ops.MBAWrite(clusterID, c.ClassID, uint32(c.Value)); err != nil {
					return nil, rdtutil.Wrapf(rdtutil.Err, err, "write MBA-CTRL class %d", c.ClassID)
				}
				actual[i] = c.Value
				continue
			}
			if err := s.Ops.MBAWrite(clusterID, c.ClassID, 100); err != nil {
				return nil, rdtutil.Wrapf(rdtutil.Err, err, "initialize class %d to max bandwidth", c.ClassID)
			}
			if err := controller.Program(clusterID, c.ClassID, c.Value); err != nil {
				return nil, rdtutil.Wrapf(rdtutil.Err, err, "hand class %d to the software controller", c.ClassID)
			}
			actual[i] = c.Value
			continue
		}

		pct := snapMBAPercent(mba, uint32(c.Value))
		if err := s.Ops.MBAWrite(clusterID, c.ClassID, pct); err != nil {
			return nil, rdtutil.Wrapf(rdtutil.Err, err, "write MBA class %d", c.ClassID)
		}
		actual[i] = uint64(pct)
	}

	return actual, nil
}

// MbaGet returns every defined MBA class for clusterID as ctrl=0 (hardware
// percentage) entries -- the controller, not rdtalloc, tracks ctrl=1
// setpoints for classes it owns.
func MbaGet(clusterID uint32) ([]MbaClass, error) {
	s, err := snap()
	if err != nil {
		return nil, err
	}
	if s.Cap.MBA == nil {
		return nil, rdtutil.Wrap(rdtutil.Resource, "MBA not supported on this platform")
	}

	out := make([]MbaClass, 0, s.Cap.MBA.NumClasses)
	for class := uint32(0); class < s.Cap.MBA.NumClasses; class++ {
		pct, err := s.Ops.MBARead(clusterID, class)
		if err != nil {
			return nil, err
		}
		out = append(out, MbaClass{ClassID: class, Ctrl: false, Value: uint64(pct)})
	}
	return out, nil
}

func snapMBAPercent(mba *rdtcap.MbaCapability, pct uint32) uint32 {
	min := uint32(100) - mba.ThrottleMax
	if pct < min {
		pct = min
	}
	if pct > 100 {
		pct = 100
	}
	step := mba.ThrottleStep
	if step == 0 {
		return pct
	}
	// snap to the nearest lower multiple of step above min, matching the
	// hardware's own quantization of the delay value.
	rem := (pct - min) % step
	return pct - rem
}
