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

package rdtmon

import (
	"github.com/nestybox/rdtctl/rdtcap"
	"github.com/nestybox/rdtctl/rdtutil"
)

type perfSet struct{}

func newPerfSet(cores []uint32, events rdtcap.MonEvent) (*perfSet, error) {
	return nil, rdtutil.Wrap(rdtutil.Resource, "perf-based monitoring events require linux")
}

type perfValues struct {
	llcMiss, llcRef, cycles, instructions uint64
}

func (ps *perfSet) read() (perfValues, error) { return perfValues{}, nil }

func (ps *perfSet) close() {}
