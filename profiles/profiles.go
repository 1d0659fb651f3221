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

// Package profiles is a read-only table of named L3 CAT mask presets, the
// equivalent of the -o/profile-list behavior legacy allocation tools offer.
// It is data plus a thin accessor, not a config-file parser: callers still
// own parsing their own configuration, profiles just saves them from
// hand-rolling a ways mask for common isolation shapes.
package profiles

import (
	_ "embed"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nestybox/rdtctl/rdtalloc"
)

//go:embed profiles.yaml
var presetYAML []byte

type preset struct {
	Name         string  `yaml:"name"`
	Description  string  `yaml:"description"`
	WaysFraction float64 `yaml:"ways_fraction"`
	Position     string  `yaml:"position"` // "top" or "bottom"
}

type presetFile struct {
	Presets []preset `yaml:"presets"`
}

var (
	once    sync.Once
	byName  map[string]preset
	loadErr error
)

func load() {
	var pf presetFile
	if loadErr = yaml.Unmarshal(presetYAML, &pf); loadErr != nil {
		return
	}
	byName = make(map[string]preset, len(pf.Presets))
	for _, p := range pf.Presets {
		byName[p.Name] = p
	}
}

// Names returns every preset name, alphabetically sorted.
func Names() []string {
	once.Do(load)
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a named preset against numWays (the platform's L3 CAT
// capability NumWays) and returns the resulting contiguous ways mask. It
// returns false if name is not a known preset.
func Lookup(name string, numWays uint32) (rdtalloc.ClassMask, bool) {
	once.Do(load)
	if loadErr != nil {
		return rdtalloc.ClassMask{}, false
	}
	p, ok := byName[name]
	if !ok {
		return rdtalloc.ClassMask{}, false
	}
	return rdtalloc.ClassMask{Ways: maskFor(p, numWays)}, true
}

// maskFor computes a contiguous run of at least one way covering the
// preset's fraction of numWays, anchored per its position.
func maskFor(p preset, numWays uint32) uint64 {
	if numWays == 0 {
		return 0
	}
	n := uint32(p.WaysFraction * float64(numWays))
	if n == 0 {
		n = 1
	}
	if n > numWays {
		n = numWays
	}

	run := (uint64(1) << n) - 1
	if p.Position == "top" {
		return run << (numWays - n)
	}
	return run
}
