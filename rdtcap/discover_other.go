//go:build !(linux && amd64)

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

// DiscoverCapabilities is unsupported outside linux/amd64: RDT is an Intel
// (and select AMD) x86 feature surfaced only through MSRs or the Linux
// resctrl filesystem.
func DiscoverCapabilities(iface Interface, cpu *topology.CpuInfo) (*Capability, error) {
	return nil, rdtutil.Wrap(rdtutil.Resource, "RDT capability probing requires linux/amd64")
}
