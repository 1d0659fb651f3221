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

package rdtalloc

import (
	"sync"

	"github.com/nestybox/rdtctl/rdtcap"
	"github.com/nestybox/rdtctl/rdtstate"
	"github.com/nestybox/rdtctl/rdtutil"
)

// allocKey names one (technology, cluster) allocation domain for the
// class-id bitmap AllocAssign fills and AllocResetConfig clears. Classes handed out
// through assoc_set directly are invisible to this bookkeeping -- matching
// spec.md's "a core may be associated even if the class has not yet been
// defined" escape hatch.
type allocKey struct {
	tech      Technology
	clusterID uint32
}

var (
	allocMu   sync.Mutex
	allocated = map[allocKey]map[uint32]bool{}
)

func isContiguous(mask uint64) bool {
	if mask == 0 {
		return false
	}
	// a contiguous run of 1s, once its lowest set bit is shifted out, becomes
	// all zero when ANDed with itself plus one: mask & (mask+lowbit) == 0.
	low := mask & (^mask + 1)
	return mask&(mask+low) == 0
}

func validateCAMask(level rdtcap.CacheLevel, cap *rdtcap.CaCapability, classID uint32, mask ClassMask) error {
	if cap == nil {
		return rdtutil.Wrap(rdtutil.Resource, "cache allocation technology not supported on this platform")
	}
	if classID >= cap.NumClasses {
		return rdtutil.Wrap(rdtutil.Param, "class id out of range")
	}

	if mask.CDP != cap.CDPOn {
		return rdtutil.Wrap(rdtutil.Param, "mask CDP-ness does not match the current CDP mode")
	}

	check := func(m uint64) error {
		if m == 0 {
			return rdtutil.Wrap(rdtutil.Param, "mask must not be zero")
		}
		if m >= uint64(1)<<cap.NumWays {
			return rdtutil.Wrap(rdtutil.Param, "mask has a bit set beyond the highest cache way")
		}
		if !cap.NonContiguousCBM && !isContiguous(m) {
			return rdtutil.Wrap(rdtutil.Param, "mask must be contiguous on this platform")
		}
		return nil
	}

	if mask.CDP {
		if err := check(mask.CodeMask); err != nil {
			return err
		}
		if err := check(mask.DataMask); err != nil {
			return err
		}
	} else {
		if err := check(mask.Ways); err != nil {
			return err
		}
	}

	return nil
}

// snap returns the current process-wide snapshot, failing PARAM->INIT if
// rdtstate hasn't been initialized.
func snap() (*rdtstate.Snapshot, error) {
	return rdtstate.Get()
}
