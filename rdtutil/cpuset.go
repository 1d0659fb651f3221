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

// this file generalizes the teacher's StringSlice* helper family (see
// utils.StringSliceContains et al.) to the uint32 core-id lists threaded
// throughout topology/rdtalloc/rdtmon.

// U32SliceContains returns true if x is in a.
func U32SliceContains(a []uint32, x uint32) bool {
	for _, n := range a {
		if x == n {
			return true
		}
	}
	return false
}

// U32SliceUniquify removes duplicate elements, preserving first-seen order.
func U32SliceUniquify(s []uint32) []uint32 {
	keys := make(map[uint32]bool, len(s))
	result := make([]uint32, 0, len(s))
	for _, v := range s {
		if !keys[v] {
			keys[v] = true
			result = append(result, v)
		}
	}
	return result
}

// U32SliceRemove removes from s any elements which occur in db.
func U32SliceRemove(s, db []uint32) []uint32 {
	var r []uint32
	for _, v := range s {
		if !U32SliceContains(db, v) {
			r = append(r, v)
		}
	}
	return r
}

// U32SliceEqual compares two slices for equality, order-sensitive.
func U32SliceEqual(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if v != b[i] {
			return false
		}
	}
	return true
}
