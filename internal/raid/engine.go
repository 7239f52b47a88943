// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Package raid implements the stripe-cache core of a RAID4/5/6 array: a
// fault-tolerant block engine that stripes data and parity across member
// devices, tolerates device failure up to the parity budget, and migrates
// between layouts online. Block I/O submission, the write-intent bitmap, the
// journal and metadata persistence are collaborators passed in by the caller.

package raid

import (
	"fmt"
	"sync"
	"sync/atomic"

	sigar "github.com/cloudfoundry/gosigar"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/striped/internal/core"
	"github.com/westerndigitalcorporation/striped/internal/parity"
	"github.com/westerndigitalcorporation/striped/pkg/tokenbucket"
)

// Sync pass modes, in the style of an administrator's sync_action.
const (
	syncNone int32 = iota
	// syncCheck validates parity and counts mismatches without repairing.
	syncCheck
	// syncRepair validates parity and rewrites it on mismatch.
	syncRepair
	// syncRecover rebuilds missing or replacement devices.
	syncRecover
)

// Engine drives one array. All shared state hangs off this context; there
// are no process-wide singletons, so multiple arrays coexist in one process.
type Engine struct {
	cfg Config

	lock  sync.Mutex // structural: disk slots, reshape control, degraded
	disks []*diskInfo

	geom atomic.Value // *geomSnapshot, published on every layout change

	cache *stripeCache
	sched *scheduler

	bitmap  Bitmap
	journal Journal
	meta    MetadataStore

	par parityCodecs

	pending *pendingQueue // deferred device writes, nil unless configured

	retryLock sync.Mutex
	retryBios []*Bio // bios deferred on cache exhaustion or conflicts

	batches batchTable

	preread    int32 // stripes currently doing pre-reads
	fastReads  int32 // cache-bypass reads in flight
	degraded   int32
	failed     int32 // nonzero once redundancy is exhausted somewhere
	mismatches int64

	// syncPos is the resync checkpoint: sectors below it have verified
	// parity. MaxSector when no resync has ever been needed.
	syncPos  uint64
	syncMode int32

	syncTB *tokenbucket.Bucket

	pressure int32 // cache exhaustion seen since last management pass

	kick    chan struct{}
	quit    chan struct{}
	wg      sync.WaitGroup
	stopped int32
}

// parityCodecs caches one parity engine per data-disk count; reshape needs
// two live at once.
type parityCodecs struct {
	lock sync.Mutex
	m    map[[2]int]*parity.Engine
}

func (p *parityCodecs) get(data, npar int) *parity.Engine {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.m == nil {
		p.m = make(map[[2]int]*parity.Engine)
	}
	key := [2]int{data, npar}
	if e, ok := p.m[key]; ok {
		return e
	}
	e, err := parity.New(data, npar, core.BlockSize)
	if err != nil {
		log.Fatalf("parity codec %d+%d: %s", data, npar, err)
	}
	p.m[key] = e
	return e
}

// NewEngine assembles an engine over the given member devices. disks may
// contain nil entries for absent slots (the array starts degraded). bitmap,
// journal and meta may be nil; null collaborators are substituted.
func NewEngine(cfg *Config, disks []Disk, bitmap Bitmap, journal Journal, meta MetadataStore) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(disks) != cfg.Disks {
		return nil, fmt.Errorf("config wants %d disks, got %d", cfg.Disks, len(disks))
	}
	if bitmap == nil {
		bitmap = nullBitmap{}
	}
	if meta == nil {
		meta = &memMeta{}
	}

	e := &Engine{
		cfg:     *cfg,
		bitmap:  bitmap,
		journal: journal,
		meta:    meta,
		syncPos: uint64(core.MaxSector),
		syncTB:  tokenbucket.New(cfg.SyncSectorsPerSec, 0),
		kick:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	e.batches.init()

	for i, d := range disks {
		e.disks = append(e.disks, newDiskInfo(i, d, cfg.ReadErrorWindow))
	}

	g := geometry{disks: cfg.Disks, chunk: cfg.ChunkSectors, level: cfg.Level, layout: cfg.Layout}
	e.geom.Store(&geomSnapshot{gen: 1, cur: g, progress: core.MaxSector})

	e.cache = newStripeCache(e, cfg.CacheStripes, cfg.Disks)
	e.cache.gen = 1
	e.sched = newScheduler(e)
	if cfg.DeferWrites {
		e.pending = newPendingQueue(e, cfg.PendingWriteBatch)
	}

	e.updateDegraded()
	if int(atomic.LoadInt32(&e.degraded)) > g.maxDegraded() {
		return nil, fmt.Errorf("cannot start: %d missing devices exceeds parity tolerance %d",
			e.degraded, g.maxDegraded())
	}

	e.sched.start()
	e.wg.Add(1)
	go e.managementLoop()

	log.Infof("raid%d engine up: %d disks, chunk %d sectors, layout %s, %d stripes cached",
		cfg.Level, cfg.Disks, cfg.ChunkSectors, cfg.Layout, cfg.CacheStripes)
	return e, nil
}

// Stop drains the engine and stops all worker threads. In-flight requests
// complete; new ones are rejected.
func (e *Engine) Stop() {
	if !atomic.CompareAndSwapInt32(&e.stopped, 0, 1) {
		return
	}
	e.cache.startQuiesce()
	close(e.quit)
	e.sched.stop()
	if e.pending != nil {
		e.pending.stop()
	}
	e.wg.Wait()
	e.cache.endQuiesce()
	e.failDeferred()
}

func (e *Engine) isStopped() bool {
	return atomic.LoadInt32(&e.stopped) != 0
}

// snapshot returns the current geometry view. Lock-free; callers re-check
// the generation after acquiring stripes.
func (e *Engine) snapshot() *geomSnapshot {
	return e.geom.Load().(*geomSnapshot)
}

// publish installs a new geometry snapshot. Callers hold e.lock.
func (e *Engine) publish(s *geomSnapshot) {
	e.geom.Store(s)
}

// Capacity is the usable logical size of the array in sectors. While a
// reshape runs, capacity reflects the smaller of the two geometries so
// callers never touch sectors that may vanish.
func (e *Engine) Capacity() core.Sector {
	s := e.snapshot()
	c := s.cur.capacity(e.cfg.DevSectors)
	if s.reshaping {
		if p := s.prev.capacity(e.cfg.DevSectors); p < c {
			c = p
		}
	}
	return c
}

// maxDegraded is the parity tolerance of the current geometry.
func (e *Engine) maxDegraded() int {
	return e.snapshot().cur.maxDegraded()
}

// updateDegraded recomputes the missing-device count. Called whenever a slot
// changes state.
func (e *Engine) updateDegraded() {
	// Slots beyond the live geometry (added ahead of a reshape) don't count.
	members := e.slotCount()
	n := 0
	for _, di := range e.disks {
		if di.idx >= members {
			break
		}
		if !di.operational() {
			n++
		}
	}
	atomic.StoreInt32(&e.degraded, int32(n))
	metricDegraded.Set(float64(n))
}

// Degraded reports how many member devices are currently missing or faulty.
func (e *Engine) Degraded() int {
	return int(atomic.LoadInt32(&e.degraded))
}

// Mismatches reports how many sectors of parity inconsistency scrubs found.
func (e *Engine) Mismatches() int64 {
	return atomic.LoadInt64(&e.mismatches)
}

// Failed reports whether redundancy has been exhausted somewhere; ranges
// covered by lost stripes return I/O errors.
func (e *Engine) Failed() bool {
	return atomic.LoadInt32(&e.failed) != 0
}

// markFaulty permanently excludes a device from the array and recomputes the
// degraded count. Safe to call from completion contexts.
func (e *Engine) markFaulty(idx int, why string) {
	di := e.disks[idx]
	di.lock.Lock()
	was := di.faulty
	di.faulty = true
	di.inSync = false
	di.lock.Unlock()
	if was {
		return
	}
	log.Errorf("disk %d marked faulty: %s", idx, why)
	metricDiskFailures.Inc()

	e.updateDegraded()
	if e.Degraded() > e.maxDegraded() {
		if atomic.CompareAndSwapInt32(&e.failed, 0, 1) {
			log.Errorf("array redundancy exhausted: %d failed devices, parity tolerates %d",
				e.Degraded(), e.maxDegraded())
		}
	}
	e.kickManagement()
}

// FailDisk administratively fails a device.
func (e *Engine) FailDisk(idx int) core.Error {
	if idx < 0 || idx >= len(e.disks) {
		return core.ErrNoSuchDevice
	}
	e.markFaulty(idx, "administrative request")
	return core.NoError
}

// ReplaceDisk installs a replacement for a slot. Recovery onto it is driven
// by SyncRequest in recover mode; when it reaches the end of the device the
// replacement takes over the slot.
func (e *Engine) ReplaceDisk(idx int, d Disk) core.Error {
	if idx < 0 || idx >= len(e.disks) || d == nil {
		return core.ErrNoSuchDevice
	}
	di := e.disks[idx]
	di.lock.Lock()
	defer di.lock.Unlock()
	if di.replacement != nil {
		return core.ErrBusy
	}
	if di.disk == nil || di.faulty {
		// Empty or dead slot: the new device goes straight in as an
		// out-of-sync member and recovery rebuilds it in place.
		di.disk = d
		di.faulty = false
		di.inSync = false
		di.recoveryOffset = 0
		di.errCount = 0
		di.lock.Unlock()
		e.updateDegraded()
		atomic.StoreInt32(&e.failed, 0)
		e.setSyncMode(syncRecover)
		di.lock.Lock()
		log.Infof("disk %d: fresh device installed, recovery pending", idx)
		return core.NoError
	}
	// Healthy slot: populate a hot replacement alongside it.
	di.replacement = d
	di.recoveryOffset = 0
	log.Infof("disk %d: replacement attached, populate pending", idx)
	e.setSyncMode(syncRecover)
	return core.NoError
}

// promoteReplacement swaps a fully populated replacement into the slot.
func (e *Engine) promoteReplacement(idx int) {
	di := e.disks[idx]
	di.lock.Lock()
	old := di.disk
	if di.replacement == nil {
		di.lock.Unlock()
		return
	}
	di.disk = di.replacement
	di.replacement = nil
	di.faulty = false
	di.inSync = true
	di.recoveryOffset = core.MaxSector
	di.lock.Unlock()
	if old != nil {
		old.Stop()
	}
	e.updateDegraded()
	log.Infof("disk %d: replacement promoted", idx)
}

// setSyncMode selects what SyncRequest passes do.
func (e *Engine) setSyncMode(mode int32) {
	atomic.StoreInt32(&e.syncMode, mode)
	if mode == syncCheck || mode == syncRepair {
		atomic.StoreUint64(&e.syncPos, 0)
	}
}

// SetSyncAction selects the background sync behavior by name, mirroring the
// usual administrative interface: "check", "repair", "recover" or "idle".
func (e *Engine) SetSyncAction(action string) core.Error {
	switch action {
	case "check":
		e.setSyncMode(syncCheck)
	case "repair":
		e.setSyncMode(syncRepair)
	case "recover":
		e.setSyncMode(syncRecover)
	case "idle":
		e.setSyncMode(syncNone)
	default:
		return core.ErrInvalidArgument
	}
	return core.NoError
}

// notePressure records that someone found the cache exhausted; the
// management thread considers growing the pool.
func (e *Engine) notePressure() {
	atomic.StoreInt32(&e.pressure, 1)
	e.kickManagement()
}

func (e *Engine) kickManagement() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// maybeGrowCache grows the stripe pool when acquisitions are failing, free
// memory permitting, and never past the configured maximum.
func (e *Engine) maybeGrowCache() {
	if atomic.SwapInt32(&e.pressure, 0) == 0 {
		return
	}
	size, _ := e.cache.stats()
	if size >= e.cfg.MaxCacheStripes {
		return
	}
	mem := sigar.Mem{}
	if err := mem.Get(); err == nil && mem.ActualFree < e.cfg.GrowMemHeadroom {
		log.V(1).Infof("cache under pressure but only %d bytes free, not growing", mem.ActualFree)
		return
	}
	step := size / 4
	if step < 16 {
		step = 16
	}
	if size+step > e.cfg.MaxCacheStripes {
		step = e.cfg.MaxCacheStripes - size
	}
	e.cache.grow(step, e.slotCount())
	metricCacheSize.Set(float64(size + step))
	log.V(1).Infof("stripe cache grown to %d", size+step)
}

// maybeShrinkCache trims an idle cache back toward the configured minimum.
func (e *Engine) maybeShrinkCache() {
	size, active := e.cache.stats()
	if active > 0 || size <= e.cfg.MinCacheStripes {
		return
	}
	step := (size - e.cfg.MinCacheStripes) / 8
	if step == 0 {
		return
	}
	freed := e.cache.shrink(step)
	if freed > 0 {
		metricCacheSize.Set(float64(size - freed))
	}
}

// slotCount is the widest slot array stripes currently need (reshape may
// make the previous geometry wider than the current one).
func (e *Engine) slotCount() int {
	s := e.snapshot()
	n := s.cur.disks
	if s.reshaping && s.prev.disks > n {
		n = s.prev.disks
	}
	return n
}

// checkpoint persists current progress through the metadata collaborator.
func (e *Engine) checkpoint(progress core.Sector) core.Error {
	cp := core.Checkpoint{
		ReshapeProgress: progress,
		Degraded:        e.Degraded(),
	}
	for _, di := range e.disks {
		di.lock.Lock()
		if di.recoveryOffset != core.MaxSector {
			if cp.RecoveryOffsets == nil {
				cp.RecoveryOffsets = make(map[int]core.Sector)
			}
			cp.RecoveryOffsets[di.idx] = di.recoveryOffset
		}
		di.lock.Unlock()
	}
	return e.meta.Checkpoint(cp)
}

// Resize changes the number of member slots without migrating data: grow
// adds empty slots (to be filled by recovery or used by a reshape), shrink
// is only legal once a shrinking reshape has completed. The stripe cache is
// quiesced and every stripe's slot array is migrated; buffered pages
// survive.
func (e *Engine) Resize(newDisks int, added []Disk) core.Error {
	e.lock.Lock()
	defer e.lock.Unlock()

	s := e.snapshot()
	if s.reshaping {
		return core.ErrBusy
	}
	if newDisks < len(e.disks) {
		return core.ErrInvalidArgument
	}
	if len(added) != newDisks-len(e.disks) {
		return core.ErrInvalidArgument
	}

	e.cache.startQuiesce()
	defer e.cache.endQuiesce()

	for _, d := range added {
		e.disks = append(e.disks, newDiskInfo(len(e.disks), d, e.cfg.ReadErrorWindow))
	}
	e.cache.resizeSlots(newDisks)
	e.updateDegraded()
	log.Infof("array resized to %d slots", newDisks)
	return core.NoError
}
