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

// Package rdtalloc is the allocation engine: it defines class-of-service
// masks/values and binds cores, tasks, or I/O channels to a class. It never
// talks to hardware or resctrl directly -- every write goes through the
// backend.Ops the owning rdtstate snapshot was constructed with.
package rdtalloc

import "github.com/nestybox/rdtctl/backend"

// ClassMask is the L2/L3 CAT class representation callers see: either a
// plain ways mask, or a CDP code/data pair. It mirrors backend.ClassMask
// one-for-one; the two are kept distinct so rdtalloc can evolve validation
// independently of the back-end wire format.
type ClassMask struct {
	CDP      bool
	Ways     uint64
	CodeMask uint64
	DataMask uint64
}

func (m ClassMask) toBackend() backend.ClassMask {
	return backend.ClassMask{CDP: m.CDP, Ways: m.Ways, CodeMask: m.CodeMask, DataMask: m.DataMask}
}

func fromBackend(m backend.ClassMask) ClassMask {
	return ClassMask{CDP: m.CDP, Ways: m.Ways, CodeMask: m.CodeMask, DataMask: m.DataMask}
}

// ClassEntry pairs a class id with the mask requested or read for it.
type ClassEntry struct {
	ClassID uint32
	Mask    ClassMask
}

// MbaClass is one memory-bandwidth allocation class: Ctrl selects whether
// Value is a percentage ([100-throttle_max, 100], ctrl=false) or a
// bytes-per-second setpoint handed to the software controller (ctrl=true).
type MbaClass struct {
	ClassID uint32
	Ctrl    bool
	Value   uint64
}

// Technology is a bitset naming one or more allocation technologies, used by
// AllocAssign to pick a class free across every requested technology.
type Technology uint32

const (
	TechL3CA Technology = 1 << iota
	TechL2CA
	TechMBA
)

// ResetConfig is the argument to AllocResetConfig: every field is an
// optional request; zero value leaves the corresponding mode unchanged
// except where noted on the field.
type ResetConfig struct {
	L3CDP    *bool // nil = leave as-is
	L2CDP    *bool
	MBACtrl  *bool
	L3IORDT  *bool
	MBA40    *bool
}
