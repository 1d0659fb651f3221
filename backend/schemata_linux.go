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

package backend

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nestybox/rdtctl/rdtutil"
)

// schemataDoc is an in-memory, order-preserving model of a resctrl
// "schemata" file: one line per resource ("L3", "L3CODE", "L3DATA", "L2",
// "MB", ...), each a semicolon-separated clusterID=value list. Editing a
// single cluster's value and re-serializing must leave every other line
// byte-for-byte as read, since the kernel rejects partial-line writes that
// omit a cluster it expects.
type schemataDoc struct {
	order []string
	lines map[string]map[uint32]string
}

func parseSchemata(content string) *schemataDoc {
	doc := &schemataDoc{lines: make(map[string]map[uint32]string)}
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		tag, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		vals := make(map[uint32]string)
		for _, part := range strings.Split(rest, ";") {
			id, v, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			n, err := strconv.ParseUint(strings.TrimSpace(id), 10, 32)
			if err != nil {
				continue
			}
			vals[uint32(n)] = strings.TrimSpace(v)
		}
		doc.order = append(doc.order, tag)
		doc.lines[tag] = vals
	}
	return doc
}

func (d *schemataDoc) get(tag string, clusterID uint32) (string, bool) {
	vals, ok := d.lines[tag]
	if !ok {
		return "", false
	}
	v, ok := vals[clusterID]
	return v, ok
}

func (d *schemataDoc) set(tag string, clusterID uint32, value string) error {
	vals, ok := d.lines[tag]
	if !ok {
		return rdtutil.Wrap(rdtutil.Resource, fmt.Sprintf("schemata has no %q resource line", tag))
	}
	if _, ok := vals[clusterID]; !ok {
		return rdtutil.Wrap(rdtutil.Param, fmt.Sprintf("schemata resource %q has no cluster %d", tag, clusterID))
	}
	vals[clusterID] = value
	return nil
}

func (d *schemataDoc) String() string {
	var b strings.Builder
	for _, tag := range d.order {
		ids := make([]uint32, 0, len(d.lines[tag]))
		for id := range d.lines[tag] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		b.WriteString(tag)
		b.WriteByte(':')
		for i, id := range ids {
			if i > 0 {
				b.WriteByte(';')
			}
			fmt.Fprintf(&b, "%d=%s", id, d.lines[tag][id])
		}
		b.WriteByte('\n')
	}
	return b.String()
}
