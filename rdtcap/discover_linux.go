//go:build linux && amd64

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

package rdtcap

import (
	"github.com/nestybox/rdtctl/rdtutil"
	"github.com/nestybox/rdtctl/topology"
)

// DiscoverCapabilities probes MON, L3CA, L2CA, MBA (+SMBA is modeled as a
// second, independent MbaCapability instance a caller may attach once
// platform-specific slow-tier-memory support is detected) independently.
// Probe order is fixed (MSR-or-OS path chosen by iface, then L3, L2, MBA,
// MON within the os path and MON, L3, L2, MBA within the msr path) so logs
// and partial results are deterministic. A feature's
// absence is not fatal -- only an empty result (no feature discovered at
// all) is.
func DiscoverCapabilities(iface Interface, cpu *topology.CpuInfo) (*Capability, error) {
	if cpu == nil {
		return nil, rdtutil.Wrap(rdtutil.Param, "cpu must not be nil")
	}

	var (
		cap *Capability
		err error
	)

	switch iface {
	case MSR:
		cap, err = probeMSR()
	case OS, OSResctrlMon:
		cap, err = probeOS()
	default:
		return nil, rdtutil.Wrap(rdtutil.Param, "unresolved interface passed to DiscoverCapabilities")
	}

	if err != nil {
		if err == ErrNoFeatures {
			return nil, rdtutil.Wrap(rdtutil.Resource, "no RDT features discovered")
		}
		return nil, rdtutil.Wrapf(rdtutil.Err, err, "capability probe failed")
	}

	if iface == OS || iface == OSResctrlMon {
		cap.MBACtrlEnabled = probeMBACtrlEnabled()
	}

	return cap, nil
}
