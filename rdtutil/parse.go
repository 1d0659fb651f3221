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

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseUint parses a decimal or 0x-prefixed hex unsigned integer. Anything
// else is rejected with a line reference so config-file front-ends can point
// the user at the offending token.
func ParseUint(tok string, line int) (uint64, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return 0, Wrap(Param, fmt.Sprintf("line %d: empty value", line))
	}

	base := 10
	s := tok
	if strings.HasPrefix(tok, "0x") || strings.HasPrefix(tok, "0X") {
		base = 16
		s = tok[2:]
	}

	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, Wrap(Param, fmt.Sprintf("line %d: invalid unsigned value %q", line, tok))
	}
	return v, nil
}

// ParseRange parses an inclusive range "a-b", swapping a and b if a > b, or
// a single value "a" (returned as [a,a]).
func ParseRange(tok string, line int) (lo, hi uint64, err error) {
	tok = strings.TrimSpace(tok)
	parts := strings.SplitN(tok, "-", 2)

	lo, err = ParseUint(parts[0], line)
	if err != nil {
		return 0, 0, err
	}

	if len(parts) == 1 {
		return lo, lo, nil
	}

	hi, err = ParseUint(parts[1], line)
	if err != nil {
		return 0, 0, err
	}

	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi, nil
}

// ParseList parses a comma-separated list of values and/or ranges (e.g.
// "0,2-4,7") into a flat, duplicate-free, ascending slice.
func ParseList(s string, line int) ([]uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, Wrap(Param, fmt.Sprintf("line %d: empty list", line))
	}

	seen := make(map[uint64]bool)
	var out []uint64

	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		lo, hi, err := ParseRange(tok, line)
		if err != nil {
			return nil, err
		}
		for v := lo; v <= hi; v++ {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}

	if len(out) == 0 {
		return nil, Wrap(Param, fmt.Sprintf("line %d: list %q contains no values", line, s))
	}

	return sortedUint64(out), nil
}

func sortedUint64(vs []uint64) []uint64 {
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && vs[j-1] > vs[j]; j-- {
			vs[j-1], vs[j] = vs[j], vs[j-1]
		}
	}
	return vs
}

// ParseBracketedGroups parses a monitoring-ordering expression of the form
// "[0,1][2,3]" into groups of ids, one slice per bracketed group.
func ParseBracketedGroups(s string, line int) ([][]uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s[0] != '[' {
		return nil, Wrap(Param, fmt.Sprintf("line %d: expected bracketed group list, got %q", line, s))
	}

	var groups [][]uint64
	for len(s) > 0 {
		if s[0] != '[' {
			return nil, Wrap(Param, fmt.Sprintf("line %d: malformed group list near %q", line, s))
		}
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, Wrap(Param, fmt.Sprintf("line %d: unterminated group in %q", line, s))
		}

		body := s[1:end]
		ids, err := ParseList(body, line)
		if err != nil {
			return nil, err
		}
		groups = append(groups, ids)

		s = s[end+1:]
	}

	return groups, nil
}
