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
	"github.com/nestybox/rdtctl/backend"
	"github.com/nestybox/rdtctl/rdtcap"
	"github.com/nestybox/rdtctl/rdtstate"
	"github.com/nestybox/rdtctl/rdtutil"
)

// L3caSet applies classes to the L3 CAT class registers shared by every
// core in clusterID. Entries are applied in order; if a write after the
// first fails, every already-applied entry in this call is restored to its
// prior mask on a best-effort basis before the error is returned.
func L3caSet(clusterID uint32, classes []ClassEntry) error {
	return caSet(rdtcap.L3, clusterID, classes)
}

// L3caGet returns every defined L3 CAT class for clusterID, including
// classes the caller has never written (the hardware default).
func L3caGet(clusterID uint32) ([]ClassEntry, error) {
	return caGet(rdtcap.L3, clusterID)
}

// L2caSet is the L2 CAT analog of L3caSet.
func L2caSet(clusterID uint32, classes []ClassEntry) error {
	return caSet(rdtcap.L2, clusterID, classes)
}

// L2caGet is the L2 CAT analog of L3caGet.
func L2caGet(clusterID uint32) ([]ClassEntry, error) {
	return caGet(rdtcap.L2, clusterID)
}

func capFor(cap *rdtcap.Capability, level rdtcap.CacheLevel) *rdtcap.CaCapability {
	if level == rdtcap.L3 {
		return cap.L3CA
	}
	return cap.L2CA
}

func caSet(level rdtcap.CacheLevel, clusterID uint32, classes []ClassEntry) error {
	s, err := snap()
	if err != nil {
		return err
	}
	caCap := capFor(s.Cap, level)
	if caCap == nil {
		return rdtutil.Wrap(rdtutil.Resource, "cache allocation technology not supported")
	}

	type applied struct {
		classID uint32
		prior   ClassMask
	}
	var done []applied

	rollback := func() {
		for i := len(done) - 1; i >= 0; i-- {
			a := done[i]
			_ = caWrite(level, clusterID, a.classID, a.prior, s)
		}
	}

	for _, entry := range classes {
		if err := validateCAMask(level, caCap, entry.ClassID, entry.Mask); err != nil {
			rollback()
			return err
		}

		if caCap.WayContentionMask != 0 {
			overlap := entry.Mask.Ways & caCap.WayContentionMask
			if entry.Mask.CDP {
				overlap = (entry.Mask.CodeMask | entry.Mask.DataMask) & caCap.WayContentionMask
			}
			if overlap != 0 {
				s.Log.Warnf("cluster %d class %d mask overlaps the way-contention mask (%#x)", clusterID, entry.ClassID, overlap)
			}
		}

		prior, err := caRead(level, clusterID, entry.ClassID, s)
		if err != nil {
			rollback()
			return err
		}

		if err := caWrite(level, clusterID, entry.ClassID, entry.Mask, s); err != nil {
			rollback()
			return rdtutil.Wrapf(rdtutil.Err, err, "write class %d mask", entry.ClassID)
		}

		done = append(done, applied{classID: entry.ClassID, prior: prior})
	}

	return nil
}

func caGet(level rdtcap.CacheLevel, clusterID uint32) ([]ClassEntry, error) {
	s, err := snap()
	if err != nil {
		return nil, err
	}
	caCap := capFor(s.Cap, level)
	if caCap == nil {
		return nil, rdtutil.Wrap(rdtutil.Resource, "cache allocation technology not supported")
	}

	out := make([]ClassEntry, 0, caCap.NumClasses)
	for class := uint32(0); class < caCap.NumClasses; class++ {
		mask, err := caRead(level, clusterID, class, s)
		if err != nil {
			return nil, err
		}
		out = append(out, ClassEntry{ClassID: class, Mask: mask})
	}
	return out, nil
}

func caRead(level rdtcap.CacheLevel, clusterID, classID uint32, s *rdtstate.Snapshot) (ClassMask, error) {
	var (
		m   backend.ClassMask
		err error
	)
	if level == rdtcap.L3 {
		m, err = s.Ops.L3Read(clusterID, classID)
	} else {
		m, err = s.Ops.L2Read(clusterID, classID)
	}
	if err != nil {
		return ClassMask{}, rdtutil.Wrapf(rdtutil.Err, err, "read class %d", classID)
	}
	return fromBackend(m), nil
}

func caWrite(level rdtcap.CacheLevel, clusterID, classID uint32, mask ClassMask, s *rdtstate.Snapshot) error {
	if level == rdtcap.L3 {
		return s.Ops.L3Write(clusterID, classID, mask.toBackend())
	}
	return s.Ops.L2Write(clusterID, classID, mask.toBackend())
}
