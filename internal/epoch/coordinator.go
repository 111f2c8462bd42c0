// Package epoch implements the process-wide epoch coordinator: four
// atomic watermarks that together make the datastore's
// externally-advertised durable epoch lag-bounded behind the slowest
// in-flight writer, without ever overtaking it.
//
// The coordinator is the one place in this engine where a CAS loop
// replaces a mutex on the hot path — every other shared-resource
// boundary (manifest, catalog, epoch file itself) is a plain
// sync.Mutex.
package epoch

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/beaver-ledger/ledgerstore/pkg/ledger"
)

// ErrEpochNotIncreasing is returned by SwitchEpoch when the requested
// epoch is not strictly greater than the previously switched epoch.
var ErrEpochNotIncreasing = errors.New("epoch: switch_epoch target must be strictly greater than the current epoch")

// DurableWriter persists a marker_durable(epoch) record to the epoch
// file and fsyncs it. Implementations live in internal/logchannel; this
// package only depends on the interface so coordinator tests can use a
// trivial in-memory stand-in.
type DurableWriter interface {
	WriteDurableMarker(epoch ledger.EpochID) error
}

// Hooks exposes rendezvous points inside UpdateMinEpochID so tests can
// interleave operations deterministically. Both are optional.
type Hooks struct {
	// BeforeCAS runs once per UpdateMinEpochID call, before the
	// epoch_id_to_be_recorded CAS.
	BeforeCAS func()
	// AfterFsync runs after the durable marker has been written and
	// fsynced (only when a write actually happened).
	AfterFsync func()
}

// Coordinator tracks the four durability watermarks and the set of
// currently open sessions needed to compute the minimum begin-epoch
// across open sessions.
type Coordinator struct {
	switched       atomic.Uint64
	toBeRecorded   atomic.Uint64
	recordFinished atomic.Uint64
	informed       atomic.Uint64

	mu            sync.Mutex
	sessions      map[uint64]ledger.EpochID
	nextSessionID uint64

	epochFileMu sync.Mutex
	writer      DurableWriter

	informedMu sync.Mutex
	informedCv *sync.Cond
	callback   func(ledger.EpochID)

	hooks Hooks
}

// New creates a Coordinator writing durable markers through writer. All
// four watermarks start at zero.
func New(writer DurableWriter, hooks Hooks) *Coordinator {
	c := &Coordinator{
		sessions: make(map[uint64]ledger.EpochID),
		writer:   writer,
		hooks:    hooks,
	}
	c.informedCv = sync.NewCond(&c.informedMu)
	return c
}

// Switched returns epoch_id_switched.
func (c *Coordinator) Switched() ledger.EpochID { return ledger.EpochID(c.switched.Load()) }

// ToBeRecorded returns epoch_id_to_be_recorded.
func (c *Coordinator) ToBeRecorded() ledger.EpochID { return ledger.EpochID(c.toBeRecorded.Load()) }

// RecordFinished returns epoch_id_record_finished.
func (c *Coordinator) RecordFinished() ledger.EpochID {
	return ledger.EpochID(c.recordFinished.Load())
}

// Informed returns epoch_id_informed.
func (c *Coordinator) Informed() ledger.EpochID { return ledger.EpochID(c.informed.Load()) }

// AddPersistentCallback registers the callback invoked, in strictly
// increasing epoch order, whenever epoch_id_informed advances. Must be
// called before the datastore transitions to ready.
func (c *Coordinator) AddPersistentCallback(cb func(ledger.EpochID)) {
	c.informedMu.Lock()
	defer c.informedMu.Unlock()
	c.callback = cb
}

// BeginSession registers a new open session at the currently switched
// epoch and returns a handle to pass to EndSession, plus the epoch it
// captured (the epoch a log channel's marker_begin should carry).
func (c *Coordinator) BeginSession() (sessionID uint64, epoch ledger.EpochID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSessionID++
	sessionID = c.nextSessionID
	epoch = ledger.EpochID(c.switched.Load())
	c.sessions[sessionID] = epoch
	return sessionID, epoch
}

// EndSession closes a previously begun session. It does not itself
// trigger UpdateMinEpochID — callers (typically the datastore's periodic
// updater, or SwitchEpoch) drive that explicitly.
func (c *Coordinator) EndSession(sessionID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// SwitchEpoch advances epoch_id_switched to e, which must be strictly
// greater than the previous value, then triggers
// UpdateMinEpochID(true).
func (c *Coordinator) SwitchEpoch(e ledger.EpochID) error {
	for {
		prev := c.switched.Load()
		if uint64(e) <= prev {
			return ErrEpochNotIncreasing
		}
		if c.switched.CompareAndSwap(prev, uint64(e)) {
			break
		}
	}
	return c.UpdateMinEpochID(true)
}

// computeTarget returns min(C-1, epoch_id_switched), where C is the
// minimum begin-epoch across all open sessions (or "no open sessions"
// sentinel).
//
// If an open session began at epoch 0, C-1 would underflow: no epoch can
// be considered durable while a session that started at the very first
// epoch is still open, so advancement is withheld (ok=false) rather than
// wrapping around to the maximum uint64.
func (c *Coordinator) computeTarget() (target ledger.EpochID, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switched := ledger.EpochID(c.switched.Load())
	if len(c.sessions) == 0 {
		return switched, true
	}

	first := true
	var minC ledger.EpochID
	for _, e := range c.sessions {
		if first || e < minC {
			minC = e
			first = false
		}
	}
	if minC == 0 {
		return 0, false
	}
	target = minC - 1
	if switched < target {
		target = switched
	}
	return target, true
}

// UpdateMinEpochID is the heart of durability advertisement. It raises
// epoch_id_to_be_recorded toward min(C-1, epoch_id_switched), writes and
// fsyncs a marker_durable record if that raises epoch_id_to_be_recorded
// past epoch_id_record_finished, and finally raises epoch_id_informed to
// match, invoking the persistent callback under the informed mutex if it
// was raised.
func (c *Coordinator) UpdateMinEpochID(fromSwitch bool) error {
	if c.hooks.BeforeCAS != nil {
		c.hooks.BeforeCAS()
	}

	target, ok := c.computeTarget()
	if ok {
		for {
			cur := c.toBeRecorded.Load()
			if ledger.EpochID(cur) >= target {
				break
			}
			if c.toBeRecorded.CompareAndSwap(cur, uint64(target)) {
				break
			}
		}
	}

	toBeRecorded := ledger.EpochID(c.toBeRecorded.Load())
	if ledger.EpochID(c.recordFinished.Load()) < toBeRecorded {
		c.epochFileMu.Lock()
		err := c.writer.WriteDurableMarker(toBeRecorded)
		if err != nil {
			c.epochFileMu.Unlock()
			return err
		}
		c.recordFinished.Store(uint64(toBeRecorded))
		c.epochFileMu.Unlock()
		if c.hooks.AfterFsync != nil {
			c.hooks.AfterFsync()
		}
	}

	// The informed-CAS and the callback happen under informedMu as one
	// unit: the caller that raises epoch_id_informed delivers its callback
	// before any later raise can proceed, keeping the delivered epoch
	// sequence strictly increasing across concurrent updaters.
	recordFinished := ledger.EpochID(c.recordFinished.Load())
	c.informedMu.Lock()
	raised := false
	for {
		cur := c.informed.Load()
		if ledger.EpochID(cur) >= recordFinished {
			break
		}
		if c.informed.CompareAndSwap(cur, uint64(recordFinished)) {
			raised = true
			break
		}
	}
	if raised {
		if c.callback != nil {
			c.callback(recordFinished)
		}
		c.informedCv.Broadcast()
	}
	c.informedMu.Unlock()

	return nil
}

// WaitInformedAtLeast blocks until epoch_id_informed >= epoch. Intended
// for tests that need to observe the durable-epoch callback fire.
func (c *Coordinator) WaitInformedAtLeast(target ledger.EpochID) {
	c.informedMu.Lock()
	defer c.informedMu.Unlock()
	for ledger.EpochID(c.informed.Load()) < target {
		c.informedCv.Wait()
	}
}
