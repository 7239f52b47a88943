// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid

import (
	"sync"
	"sync/atomic"

	"github.com/westerndigitalcorporation/striped/internal/core"
)

// fillState is the biofill sub-machine: satisfying queued reads once the
// cached blocks they need are current.
type fillState int

const (
	fillIdle fillState = iota
	fillRunning
)

// reconState is the reconstruct sub-machine: collecting pending writes into
// buffers and regenerating parity.
type reconState int

const (
	reconIdle reconState = iota
	// reconPrexorDrain is the read-modify-write path: old data is
	// subtracted from old parity before new data is drained in.
	reconPrexorDrain
	// reconDrain is the reconstruct-write path: parity is recomputed from
	// scratch once every data block is resident.
	reconDrain
	// reconResult means parity is computed and device writes are in flight.
	reconResult
)

// checkState is the scrub/repair sub-machine.
type checkState int

const (
	checkIdle checkState = iota
	// checkRun gathers every block and then renders the parity verdict.
	checkRun
	// checkComputeRun means a mismatch is being repaired: fresh parity has
	// been computed and is being written out.
	checkComputeRun
)

// devSlot is one member device's share of a stripe: a block buffer plus the
// queued bios and flags that drive it through the state machine. Everything
// here is guarded by the stripe lock. Buffers persist across stripe reuse.
type devSlot struct {
	buf []byte

	// logical is the array logical sector of this block, MaxSector for
	// parity slots. Set when the stripe is (re)initialized.
	logical core.Sector

	toRead  []*Bio // reads waiting for the block to become current
	toWrite []*Bio // writes not yet drained into buf
	written []*Bio // drained writes waiting for the device write to land

	locked   bool // device I/O in flight; the buffer belongs to the dispatcher
	ios      int  // in-flight device requests touching this slot
	uptodate bool // buf holds the current on-disk (or newer drained) content

	wantRead    bool // dispatcher should issue a read
	wantWrite   bool // dispatcher should issue a write
	wantReplace bool // dispatcher should also write the slot's replacement
	wantCompute bool // block should be reconstructed from redundancy

	readError  bool // last device read failed
	writeError bool // last device write failed
	reWrite    bool // read-verify-rewrite in flight for this block
	discard    bool // pending "write" is a discard marker, no payload
}

func (d *devSlot) pendingWork() bool {
	return len(d.toRead) > 0 || len(d.toWrite) > 0 || len(d.written) > 0 ||
		d.wantRead || d.wantWrite || d.wantReplace || d.wantCompute
}

// listID says which scheduler list a stripe is on.
type listID int

const (
	listNone listID = iota
	listGroup
	listHandle
	listLoprio
	listDelayed
	listBitmap
)

const noBatch = int64(-1)

// Scheduler routing hints, stored atomically in Stripe.route.
const (
	routeNormal int32 = iota
	routeDelayed
	routeBitmap
	routeLoprio
)

// Stripe is one parity-group's blocks across all member devices at one
// device-aligned sector. It is created on a cache miss and recycled through
// the inactive lists at refcount zero.
type Stripe struct {
	// Immutable between cache (re)initializations.
	sector   core.Sector // device-local stripe sector, the cache key
	gen      uint64      // geometry generation this stripe was mapped under
	previous bool        // mapped with the previous (pre-reshape) geometry
	logical  core.Sector // array logical sector of data index 0
	shard    *cacheShard

	// refcount and inactive-list membership are guarded by the shard lock.
	refcount   int
	onInactive bool

	// running serializes the state machine body; test-and-set via atomics.
	running uint32

	// handlePending is set (atomically) when the stripe needs a state
	// machine pass. It stays set while the stripe sits on a scheduler list
	// and is cleared only when a worker pops it, so a listed stripe can
	// never be recycled.
	handlePending uint32

	// inflight counts device I/Os issued and not yet completed.
	inflight int32

	// busy counts bio pieces attached to this stripe and not yet finished.
	busy int32

	// queued is guarded by the scheduler lock.
	queued listID

	// route tells the scheduler which list this stripe belongs on. Written
	// with atomics by whoever owns the stripe state, read at enqueue time.
	route int32

	lock sync.Mutex // guards everything below

	disks   int
	pd, qd  int   // parity slots; qd is -1 for single parity
	dataIdx []int // device slot of each logical data index, codec order
	dev     []devSlot

	fill  fillState
	recon reconState
	chk   checkState

	// plan is the dirtying decision for the active reconstruct.
	planRMW bool

	syncing  bool // owned by a resync/recovery pass
	repair   bool // recompute parity on mismatch instead of only counting
	syncDone chan core.Error

	expanding   bool // reshape destination, gathering blocks
	expandSrc   bool // reshape source, read-only
	expandReady bool // every data block is resident; run the write path

	prereadActive bool // counted against the engine preread limit
	bitmapDelay   bool // waiting for the write-intent bitmap to flush
	journaled     bool // drained blocks are safe in the write-back journal
	discardOp     bool
	flushFlag     bool // pending writes carry the flush barrier

	degradedFailed bool // redundancy exhausted for this stripe's range

	batchID   int64 // batch group, noBatch if unlinked
	batchHead bool
}

func newStripe(disks int) *Stripe {
	s := &Stripe{batchID: noBatch}
	s.growSlots(disks)
	return s
}

// growSlots widens the device slot array, keeping existing buffers.
func (s *Stripe) growSlots(disks int) {
	for len(s.dev) < disks {
		s.dev = append(s.dev, devSlot{buf: make([]byte, core.BlockSize)})
	}
	s.disks = disks
}

// reinit prepares a recycled stripe for a new identity. Buffers persist;
// everything else resets. Caller guarantees no concurrent users.
func (s *Stripe) reinit(sector core.Sector, gen uint64, previous bool, g geometry) {
	s.sector = sector
	s.gen = gen
	s.previous = previous
	s.disks = g.disks
	_, s.pd, s.qd = g.parityIdx(rowOf(sector, g), 0)
	s.dataIdx = g.dataOrder(sector)
	s.logical, _ = g.blockNr(sector, s.dataIdx[0])

	s.growSlots(g.disks)
	for i := range s.dev {
		d := &s.dev[i]
		buf := d.buf
		*d = devSlot{buf: buf, logical: core.MaxSector}
		if i < g.disks && !s.isParity(i) {
			if l, ok := g.blockNr(sector, i); ok {
				d.logical = l
			}
		}
	}

	s.fill, s.recon, s.chk = fillIdle, reconIdle, checkIdle
	s.planRMW = false
	s.syncing, s.repair, s.syncDone = false, false, nil
	s.expanding, s.expandSrc, s.expandReady = false, false, false
	s.prereadActive, s.bitmapDelay, s.journaled = false, false, false
	s.discardOp, s.flushFlag, s.degradedFailed = false, false, false
	s.batchID, s.batchHead = noBatch, false
	atomic.StoreUint32(&s.handlePending, 0)
	atomic.StoreInt32(&s.inflight, 0)
	atomic.StoreInt32(&s.busy, 0)
	atomic.StoreInt32(&s.route, routeNormal)
}

func rowOf(sector core.Sector, g geometry) core.Sector {
	bpc := g.chunk / core.BlockSectors
	return (sector / core.BlockSectors) / bpc
}

// markPending notes that this stripe needs another state machine pass.
func (s *Stripe) markPending() {
	atomic.StoreUint32(&s.handlePending, 1)
}

func (s *Stripe) clearPending() {
	atomic.StoreUint32(&s.handlePending, 0)
}

func (s *Stripe) isPending() bool {
	return atomic.LoadUint32(&s.handlePending) != 0
}

// idle reports whether the stripe may be recycled: no pass wanted, no device
// I/O in flight, no bios attached. Read without the stripe lock, so it is
// only meaningful once the refcount has dropped to zero.
func (s *Stripe) idle() bool {
	return !s.isPending() &&
		atomic.LoadInt32(&s.inflight) == 0 &&
		atomic.LoadInt32(&s.busy) == 0
}

// tryRun claims the state machine body; at most one claimant succeeds until
// endRun. Different stripes run concurrently on different workers.
func (s *Stripe) tryRun() bool {
	return atomic.CompareAndSwapUint32(&s.running, 0, 1)
}

func (s *Stripe) endRun() {
	atomic.StoreUint32(&s.running, 0)
}

func (s *Stripe) setRoute(r int32) {
	atomic.StoreInt32(&s.route, r)
}

func (s *Stripe) getRoute() int32 {
	return atomic.LoadInt32(&s.route)
}

// anyPendingWork reports (under the stripe lock) whether any slot or
// sub-machine still has work. Used for the no-silent-stall invariant and for
// release routing.
func (s *Stripe) anyPendingWork() bool {
	if s.fill != fillIdle || s.recon != reconIdle || s.chk != checkIdle {
		return true
	}
	if s.syncing || s.expandReady || s.discardOp {
		return true
	}
	for i := range s.dev {
		if s.dev[i].pendingWork() {
			return true
		}
	}
	return false
}

// isParity reports whether slot i holds parity for this stripe.
func (s *Stripe) isParity(i int) bool {
	return i == s.pd || i == s.qd
}

// fullOverwrite reports whether every data slot is fully covered by queued
// writes, making the stripe a candidate for batching and pure RCW.
func (s *Stripe) fullOverwrite() bool {
	for i := 0; i < s.disks; i++ {
		if s.isParity(i) {
			continue
		}
		if !s.slotFullyCovered(i) {
			return false
		}
	}
	return true
}

// slotFullyCovered reports whether slot i's queued writes overwrite the whole
// block, so its old contents are never needed.
func (s *Stripe) slotFullyCovered(i int) bool {
	d := &s.dev[i]
	if d.discard {
		return true
	}
	for _, b := range d.toWrite {
		if b.coversBlock(d.logical) {
			return true
		}
	}
	return false
}
