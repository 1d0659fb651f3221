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

package mount

// ResctrlMounted reports whether the resctrl pseudo-filesystem is mounted at
// mountpoint. Used by rdtcap.DiscoverInterface to decide what "auto" means.
func ResctrlMounted(mountpoint string) bool {
	mounts, err := GetMounts()
	if err != nil {
		return false
	}

	ok, err := MountedWithFs(mountpoint, "resctrl", mounts)
	return err == nil && ok
}
