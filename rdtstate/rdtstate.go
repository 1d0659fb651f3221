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

// Package rdtstate owns the process-wide RDT handle: one Init call probes
// topology and capability, picks (or validates) an interface, takes the
// cross-process advisory lock, and constructs the back-end. Every other
// package in the module (rdtalloc, rdtmon, mbasc) is handed the resulting
// Snapshot instead of repeating any of that work.
package rdtstate

import (
	"io"
	"sync"
	"time"

	"github.com/nestybox/rdtctl/backend"
	"github.com/nestybox/rdtctl/rdtcap"
	"github.com/nestybox/rdtctl/rdtutil"
	"github.com/nestybox/rdtctl/topology"
)

// Config controls one Init call. Zero value is a usable default: auto
// interface selection, silent logging, the default lock path, three lock
// retries spaced 200ms apart.
type Config struct {
	Interface rdtcap.Interface

	Verbosity   rdtutil.Verbosity
	LogWriter   io.Writer
	LogCallback rdtutil.Callback

	LockPath       string
	LockRetries    int
	LockRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockRetries == 0 {
		c.LockRetries = 3
	}
	if c.LockRetryDelay == 0 {
		c.LockRetryDelay = 200 * time.Millisecond
	}
	if c.LockPath == "" {
		c.LockPath = rdtutil.DefaultLockPath
	}
	return c
}

// Snapshot is the immutable, process-lifetime record produced by Init. Every
// field is safe for concurrent read-only use; nothing here is mutated after
// Init returns (allocation/monitoring state lives in rdtalloc/rdtmon, not
// here).
type Snapshot struct {
	Interface rdtcap.Interface
	Cpu       *topology.CpuInfo
	Cap       *rdtcap.Capability
	Log       *rdtutil.Logger
	Ops       backend.Ops
}

var (
	mu    sync.RWMutex
	state *Snapshot
	lock  *rdtutil.ProcessLock
)

// the four discovery/construction steps are indirected through package
// vars so tests can substitute fakes without touching real hardware or the
// host filesystem; production code never reassigns these.
var (
	discoverTopology     = topology.Discover
	discoverInterface    = rdtcap.DiscoverInterface
	discoverCapabilities = rdtcap.DiscoverCapabilities
	newBackend           = backend.New
)

// Init performs one-time process-wide setup: topology discovery, interface
// resolution, capability probing, back-end construction, and acquisition of
// the cross-process lock. A second Init before Fini returns rdtutil.Busy --
// the library allows exactly one live configuration session per process, the
// same restriction the teacher's pid-file-guarded daemons enforce, but
// latched in-process first so a same-process double-Init never even reaches
// the file lock.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	if state != nil {
		return rdtutil.Wrap(rdtutil.Busy, "rdtstate already initialized")
	}

	cfg = cfg.withDefaults()
	logger := rdtutil.NewLogger(cfg.Verbosity, cfg.LogWriter, cfg.LogCallback)

	l, err := rdtutil.Acquire(cfg.LockPath, cfg.LockRetries, cfg.LockRetryDelay)
	if err != nil {
		return err
	}

	cpu, err := discoverTopology()
	if err != nil {
		l.Release()
		return rdtutil.Wrapf(rdtutil.Init, err, "topology discovery failed")
	}

	iface, err := discoverInterface(cfg.Interface)
	if err != nil {
		l.Release()
		return rdtutil.Wrapf(rdtutil.Init, err, "interface resolution failed")
	}

	capb, err := discoverCapabilities(iface, cpu)
	if err != nil {
		l.Release()
		return rdtutil.Wrapf(rdtutil.Init, err, "capability discovery failed")
	}

	ops, err := newBackend(iface, cpu, capb)
	if err != nil {
		l.Release()
		return rdtutil.Wrapf(rdtutil.Init, err, "back-end construction failed")
	}

	lock = l
	state = &Snapshot{
		Interface: iface,
		Cpu:       cpu,
		Cap:       capb,
		Log:       logger,
		Ops:       ops,
	}

	logger.Infof("rdtstate initialized: interface=%s cores=%d", iface, cpu.NumCores())
	return nil
}

// Fini tears down whatever Init built, in reverse order, and releases the
// process-wide latch regardless of where teardown fails -- a half-closed
// state is worse than a process that must be restarted to recover, so Fini
// always clears the in-process latch even when Ops.Close returns an error.
func Fini() error {
	mu.Lock()
	defer mu.Unlock()

	if state == nil {
		return rdtutil.Wrap(rdtutil.Init, "rdtstate not initialized")
	}

	var closeErr error
	if state.Ops != nil {
		closeErr = state.Ops.Close()
	}

	lockErr := lock.Release()

	state = nil
	lock = nil

	if closeErr != nil {
		return rdtutil.Wrapf(rdtutil.Err, closeErr, "back-end close failed")
	}
	if lockErr != nil {
		return rdtutil.Wrapf(rdtutil.Err, lockErr, "lock release failed")
	}
	return nil
}

// CheckInit returns rdtutil.Init if the current initialized state doesn't
// match expect -- used by every public entry point in rdtalloc/rdtmon/mbasc
// to reject calls made before Init or after Fini.
func CheckInit(expect bool) error {
	mu.RLock()
	defer mu.RUnlock()

	if expect && state == nil {
		return rdtutil.Wrap(rdtutil.Init, "rdtstate not initialized")
	}
	if !expect && state != nil {
		return rdtutil.Wrap(rdtutil.Init, "rdtstate already initialized")
	}
	return nil
}

// Get returns the current snapshot, or an error if Init hasn't run.
func Get() (*Snapshot, error) {
	mu.RLock()
	defer mu.RUnlock()

	if state == nil {
		return nil, rdtutil.Wrap(rdtutil.Init, "rdtstate not initialized")
	}
	return state, nil
}

// GetCpu is a convenience accessor equivalent to Get().Cpu.
func GetCpu() (*topology.CpuInfo, error) {
	s, err := Get()
	if err != nil {
		return nil, err
	}
	return s.Cpu, nil
}

// GetCap is a convenience accessor equivalent to Get().Cap.
func GetCap() (*rdtcap.Capability, error) {
	s, err := Get()
	if err != nil {
		return nil, err
	}
	return s.Cap, nil
}

// GetInter is a convenience accessor equivalent to Get().Interface.
func GetInter() (rdtcap.Interface, error) {
	s, err := Get()
	if err != nil {
		return rdtcap.Auto, err
	}
	return s.Interface, nil
}

// GetOps is a convenience accessor equivalent to Get().Ops, used by
// rdtalloc/rdtmon/mbasc rather than threading Ops through every call.
func GetOps() (backend.Ops, error) {
	s, err := Get()
	if err != nil {
		return nil, err
	}
	return s.Ops, nil
}

// SetForTest installs snap directly, bypassing Init's discovery/lock
// sequence, and returns a func that restores whatever was installed before
// it. Exported only for package-external tests in rdtalloc/rdtmon/mbasc,
// mirroring topology.SetFS/rdtcap.SetProbeFS -- production code never calls
// this.
func SetForTest(snap *Snapshot) func() {
	mu.Lock()
	defer mu.Unlock()

	prev := state
	state = snap

	return func() {
		mu.Lock()
		defer mu.Unlock()
		state = prev
	}
}
