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

import "os"

// LookupEnv returns the value of the named environment variable and whether
// it was set. Thin wrapper kept so callers (notably rdtcap.DiscoverInterface)
// go through one seam that tests can stub.
func LookupEnv(name string) (string, bool) {
	return os.LookupEnv(name)
}
