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

package backend

import (
	"github.com/nestybox/rdtctl/rdtcap"
	"github.com/nestybox/rdtctl/rdtutil"
	"github.com/nestybox/rdtctl/topology"
)

func newPlatform(iface rdtcap.Interface, cpu *topology.CpuInfo, cap *rdtcap.Capability) (Ops, error) {
	switch iface {
	case rdtcap.OS, rdtcap.OSResctrlMon:
		return newOSBackend(cpu, cap, iface == rdtcap.OSResctrlMon)
	case rdtcap.MSR:
		return newMSRBackend(cpu, cap)
	default:
		return nil, rdtutil.Wrap(rdtutil.Param, "unresolved interface passed to backend.New")
	}
}
