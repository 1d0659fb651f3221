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

package rdtcap

import (
	"strings"

	"github.com/nestybox/rdtctl/mount"
	"github.com/nestybox/rdtctl/rdtutil"
)

const resctrlMountPoint = "/sys/fs/resctrl"

// resctrlPresent is swappable for tests.
var resctrlPresent = func() bool {
	return mount.ResctrlMounted(resctrlMountPoint)
}

func parseEnvIface(v string) (Interface, bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "MSR":
		return MSR, true
	case "OS":
		return OS, true
	case "OS_RESCTRL_MON":
		return OSResctrlMon, true
	default:
		return Auto, false
	}
}

// DiscoverInterface resolves Auto and validates an explicit request.
//
// Precedence: the RDT_IFACE environment variable wins over the caller's
// requested interface; a caller request that conflicts with an explicit
// RDT_IFACE is an error. With no environment override, Auto prefers the OS
// (resctrl) interface when resctrl is mounted, falling back to MSR
// otherwise.
func DiscoverInterface(requested Interface) (Interface, error) {
	envVal, envSet := rdtutil.LookupEnv("RDT_IFACE")

	var envIface Interface
	if envSet {
		var ok bool
		envIface, ok = parseEnvIface(envVal)
		if !ok {
			return Auto, rdtutil.Wrap(rdtutil.Param, "invalid RDT_IFACE value "+envVal)
		}
	}

	if envSet {
		if requested != Auto && requested != envIface {
			return Auto, rdtutil.Wrap(rdtutil.Err, "caller requested interface conflicts with RDT_IFACE")
		}
		if (envIface == OS || envIface == OSResctrlMon) && !resctrlPresent() {
			return Auto, rdtutil.Wrap(rdtutil.Err, "RDT_IFACE requests the os interface but resctrl is not mounted")
		}
		return envIface, nil
	}

	if requested == Auto {
		if resctrlPresent() {
			return OS, nil
		}
		return MSR, nil
	}

	return requested, nil
}
