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

// Package mbasc is the MBA software controller: a per-cluster closed loop
// that converts a bytes-per-second bandwidth setpoint into the closest
// hardware throttle percentage, using a hidden rdtmon monitoring group as
// its feedback signal. rdtalloc hands it ctrl=1 MBA classes through the
// mbaController hook rather than importing it directly, so the dependency
// stays one-directional.
package mbasc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nestybox/rdtctl/rdtalloc"
	"github.com/nestybox/rdtctl/rdtcap"
	"github.com/nestybox/rdtctl/rdtmon"
	"github.com/nestybox/rdtctl/rdtstate"
	"github.com/nestybox/rdtctl/rdtutil"
)

// DefaultPeriod is the fixed sampling period used when Init is given one
// <= 0.
const DefaultPeriod = 100 * time.Millisecond

// regulator is one regulated (cluster, class): a hidden monitoring group
// plus the state spec.md 4.5 requires to run the decision loop.
type regulator struct {
	mu sync.Mutex

	clusterID, classID uint32
	cores              []uint32
	group              *rdtmon.Group

	period time.Duration

	maxBw     uint64 // bytes/second setpoint, mutated under mu by reprogramming
	prevRate  uint32 // current hardware percentage, starts at 100
	origRate  uint32 // value the class held before regulation started
	prevTime  time.Time
	prevBw    uint64
	deltaBw   uint64 // regulator's noise floor, recorded right after a hardware change
	changed   bool   // true for the tick right after a hardware write

	cancel context.CancelFunc
	done   chan struct{}
}

func (r *regulator) target() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxBw
}

func (r *regulator) reprogram(targetBps uint64) {
	r.mu.Lock()
	r.maxBw = targetBps
	r.mu.Unlock()
}

// controller is the mbaController rdtalloc hands ctrl=1 classes to.
type controller struct {
	mu     sync.Mutex
	regs   map[[2]uint32]*regulator // (clusterID, classID) -> regulator
	period time.Duration
	log    *rdtutil.Logger
}

var (
	ctrlMu sync.Mutex
	ctrl   *controller
)

// Init wires the software controller into rdtalloc for the lifetime of the
// current rdtstate session, recording the sampling period every regulator
// started from here on will use. Init does not itself check eligibility --
// that's evaluated per cluster in Program, since it depends on the
// capability snapshot which can differ from one rdtstate session to the
// next in tests.
func Init(period time.Duration) error {
	if period <= 0 {
		period = DefaultPeriod
	}
	s, err := rdtstate.Get()
	if err != nil {
		return err
	}

	c := &controller{regs: map[[2]uint32]*regulator{}, period: period, log: s.Log}

	ctrlMu.Lock()
	ctrl = c
	ctrlMu.Unlock()

	rdtalloc.RegisterController(c)
	return nil
}

// eligible is spec.md 4.5's activation condition: msr interface, linear
// MBA, and local MBW monitoring support.
func eligible(s *rdtstate.Snapshot) bool {
	if s.Interface != rdtcap.MSR {
		return false
	}
	if s.Cap.MBA == nil || !s.Cap.MBA.IsLinear {
		return false
	}
	if s.Cap.Mon == nil {
		return false
	}
	_, ok := s.Cap.Mon.Item(rdtcap.EventLocalMBW)
	return ok
}

// Program starts (or retargets) the regulator for (clusterID, classID),
// satisfying rdtalloc's mbaController interface.
func (c *controller) Program(clusterID, classID uint32, targetBps uint64) error {
	s, err := rdtstate.Get()
	if err != nil {
		return err
	}
	if !eligible(s) {
		return rdtutil.Wrap(rdtutil.Resource, "software MBA regulation requires the msr interface, linear MBA, and local MBW monitoring support")
	}

	key := [2]uint32{clusterID, classID}

	c.mu.Lock()
	if r, ok := c.regs[key]; ok {
		c.mu.Unlock()
		r.reprogram(targetBps)
		return nil
	}
	c.mu.Unlock()

	cores := s.Cpu.CoresInMBACluster(clusterID)
	if len(cores) == 0 {
		return rdtutil.Wrap(rdtutil.Param, "cluster named no cores")
	}

	g, err := rdtmon.StartCores(cores, rdtcap.EventLocalMBW, nil)
	if err != nil {
		return rdtutil.Wrapf(rdtutil.Err, err, "start hidden monitoring group for cluster %d", clusterID)
	}

	origRate, err := s.Ops.MBARead(clusterID, classID)
	if err != nil {
		_ = rdtmon.Stop(g)
		return rdtutil.Wrapf(rdtutil.Err, err, "read starting MBA percentage for class %d", classID)
	}

	rctx, cancel := context.WithCancel(context.Background())
	r := &regulator{
		clusterID: clusterID,
		classID:   classID,
		cores:     cores,
		group:     g,
		period:    c.period,
		maxBw:     targetBps,
		prevRate:  100,
		origRate:  origRate,
		prevTime:  time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	c.regs[key] = r
	c.mu.Unlock()

	go r.run(rctx, s, c.log)
	return nil
}

// StopAll cancels every live regulator, waits for each to restore its
// class's pre-regulation value, and drops them all. Called from
// rdtalloc.AllocResetConfig and from Exit.
func (c *controller) StopAll() {
	c.mu.Lock()
	regs := make([]*regulator, 0, len(c.regs))
	for _, r := range c.regs {
		regs = append(regs, r)
	}
	c.regs = map[[2]uint32]*regulator{}
	c.mu.Unlock()

	for _, r := range regs {
		r.cancel()
		<-r.done
	}
}

// Exit is the package-level mba_sc_exit(): stop every regulator this
// process started, restoring their classes' pre-regulation hardware values.
// Safe to call even if Init was never called.
func Exit() {
	ctrlMu.Lock()
	c := ctrl
	ctrlMu.Unlock()
	if c == nil {
		return
	}
	c.StopAll()
}

func (r *regulator) run(ctx context.Context, s *rdtstate.Snapshot, log *rdtutil.Logger) {
	defer close(r.done)
	defer r.restore(s, log)

	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.tick(s, log); err != nil {
				log.Warnf("mbasc: cluster %d class %d: %v", r.clusterID, r.classID, err)
				return
			}
		}
	}
}

// tick implements spec.md 4.5's five-step decision loop for one sampling
// period.
func (r *regulator) tick(s *rdtstate.Snapshot, log *rdtutil.Logger) error {
	errs := rdtmon.Poll([]*rdtmon.Group{r.group})
	if err := errs[0]; err != nil && !errors.Is(err, rdtutil.ErrOverflow) {
		return err
	}

	_, delta, ok := rdtmon.GetValue(r.group, rdtcap.EventLocalMBW)
	if !ok {
		return rdtutil.Wrap(rdtutil.Err, "hidden monitoring group lost its local MBW subscription")
	}

	now := time.Now()
	elapsedUs := now.Sub(r.prevTime).Microseconds()
	r.prevTime = now
	if elapsedUs <= 0 {
		return nil
	}
	curBw := delta * 1_000_000 / uint64(elapsedUs)

	if r.changed {
		r.deltaBw = absDiff(curBw, r.prevBw)
		r.changed = false
	}
	r.prevBw = curBw

	mba := s.Cap.MBA
	minRate := uint32(100) - mba.ThrottleMax
	step := mba.ThrottleStep
	if step == 0 {
		step = 1
	}
	target := r.target()

	newRate := r.prevRate
	switch {
	case r.prevRate > minRate && curBw > target:
		newRate = r.prevRate - step
		if newRate < minRate {
			newRate = minRate
		}
	case r.prevRate < 100 && curBw+r.deltaBw < target:
		newRate = r.prevRate + step
		if newRate > 100 {
			newRate = 100
		}
	}

	if newRate == r.prevRate {
		return nil
	}

	if err := s.Ops.MBAWrite(r.clusterID, r.classID, newRate); err != nil {
		return rdtutil.Wrapf(rdtutil.Err, err, "write regulated MBA percentage")
	}
	log.Tracef("mbasc: cluster %d class %d: bw=%d target=%d rate %d->%d", r.clusterID, r.classID, curBw, target, r.prevRate, newRate)
	r.prevRate = newRate
	r.changed = true
	return nil
}

// restore writes back the class's pre-regulation hardware value and tears
// down the hidden monitoring group. Runs once, as run's deferred cleanup,
// regardless of why the loop exited.
func (r *regulator) restore(s *rdtstate.Snapshot, log *rdtutil.Logger) {
	if err := s.Ops.MBAWrite(r.clusterID, r.classID, r.origRate); err != nil {
		log.Warnf("mbasc: cluster %d class %d: failed to restore pre-regulation rate %d: %v", r.clusterID, r.classID, r.origRate, err)
	}
	_ = rdtmon.Stop(r.group)
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
