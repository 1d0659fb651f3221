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

package topology

import "fmt"

// Discover is unsupported on non-Linux platforms: RDT is a Linux/x86
// feature surfaced either via MSR device nodes or the resctrl pseudo
// filesystem, neither of which exists elsewhere.
func Discover() (*CpuInfo, error) {
	return nil, fmt.Errorf("topology discovery is only supported on linux")
}
