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

package profiles

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNamesListsEmbeddedPresets(t *testing.T) {
	names := Names()
	require.Contains(t, names, "isolate-half")
	require.Contains(t, names, "full-share")
	require.True(t, sortedStrings(names))
}

func TestLookupUnknownNameFails(t *testing.T) {
	_, ok := Lookup("does-not-exist", 20)
	require.False(t, ok)
}

func TestLookupIsolateHalfAnchorsAtTop(t *testing.T) {
	m, ok := Lookup("isolate-half", 20)
	require.True(t, ok)
	// 10 contiguous ways anchored at the top of a 20-way mask.
	require.Equal(t, uint64(0b1111111111<<10), m.Ways)
}

func TestLookupSharedHalfAnchorsAtBottom(t *testing.T) {
	m, ok := Lookup("shared-half", 20)
	require.True(t, ok)
	require.Equal(t, uint64(0b1111111111), m.Ways)
}

func TestLookupFullShareCoversEveryWay(t *testing.T) {
	m, ok := Lookup("full-share", 16)
	require.True(t, ok)
	require.Equal(t, uint64(0xFFFF), m.Ways)
}

func TestLookupFractionRoundsToAtLeastOneWay(t *testing.T) {
	m, ok := Lookup("isolate-quarter", 2)
	require.True(t, ok)
	require.NotZero(t, m.Ways)
}

func sortedStrings(s []string) bool {
	for i := 1; i < len(s); i++ {
		if s[i-1] > s[i] {
			return false
		}
	}
	return true
}
