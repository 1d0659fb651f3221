//go:build !linux

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

import "github.com/nestybox/rdtctl/rdtutil"

// DiscoverInterface on non-Linux platforms only ever accepts MSR; OS
// (resctrl) selections are rejected since resctrl is Linux-only.
func DiscoverInterface(requested Interface) (Interface, error) {
	switch requested {
	case OS, OSResctrlMon:
		return Auto, rdtutil.Wrap(rdtutil.Err, "OS/resctrl interface is not available on this platform")
	case Auto:
		return MSR, nil
	default:
		return requested, nil
	}
}
