// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid

import (
	"sync"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/striped/internal/core"
)

// cacheShards is the number of hash shards; each has its own lock and
// inactive list so unrelated stripes never contend.
const cacheShards = 8

type acquireFlags int

const (
	// acqNoBlock returns nil instead of waiting when no stripe is free.
	acqNoBlock acquireFlags = 1 << iota
	// acqNoQuiesce lets reshape bookkeeping acquire stripes while the cache
	// is quiesced, avoiding self-deadlock.
	acqNoQuiesce
)

type stripeKey struct {
	sector core.Sector
	gen    uint64
}

type cacheShard struct {
	lock     sync.Mutex
	free     sync.Cond // waiters for this shard's inactive list
	stripes  map[stripeKey]*Stripe
	inactive []*Stripe
}

// stripeCache is a fixed-capacity, hash-sharded pool of stripes keyed by
// (sector, generation). Exactly one stripe exists per key. Exhaustion is
// never fatal: callers wait, and the management thread may grow the pool.
//
// Lock order is always shard lock before the global structural lock.
type stripeCache struct {
	eng *Engine

	shards [cacheShards]*cacheShard

	// The global structural lock guards the counters and quiesce flag.
	lock    sync.Mutex
	drained sync.Cond // signalled when active drops or quiesce clears
	size    int       // allocated stripes
	active  int       // stripes checked out or holding pending work
	quiesce bool
	gen     uint64
}

func newStripeCache(eng *Engine, stripes, disks int) *stripeCache {
	c := &stripeCache{eng: eng}
	c.drained.L = &c.lock
	for i := range c.shards {
		sh := &cacheShard{stripes: make(map[stripeKey]*Stripe)}
		sh.free.L = &sh.lock
		c.shards[i] = sh
	}
	c.grow(stripes, disks)
	return c
}

func (c *stripeCache) shardFor(sector core.Sector) *cacheShard {
	return c.shards[(sector/core.BlockSectors)%cacheShards]
}

// grow adds n stripes, spread across shards.
func (c *stripeCache) grow(n, disks int) {
	for i := 0; i < n; i++ {
		sh := c.shards[i%cacheShards]
		s := newStripe(disks)
		s.shard = sh
		sh.lock.Lock()
		s.onInactive = true
		sh.inactive = append(sh.inactive, s)
		sh.free.Signal()
		sh.lock.Unlock()
	}
	c.lock.Lock()
	c.size += n
	c.lock.Unlock()
}

// shrink releases up to n idle stripes and reports how many it found.
func (c *stripeCache) shrink(n int) int {
	freed := 0
	for _, sh := range c.shards {
		sh.lock.Lock()
		for freed < n && len(sh.inactive) > 0 {
			s := sh.inactive[len(sh.inactive)-1]
			sh.inactive = sh.inactive[:len(sh.inactive)-1]
			delete(sh.stripes, stripeKey{s.sector, s.gen})
			freed++
		}
		sh.lock.Unlock()
		if freed >= n {
			break
		}
	}
	c.lock.Lock()
	c.size -= freed
	c.lock.Unlock()
	return freed
}

// acquire returns the stripe for (sector, gen), creating it on a miss. It
// blocks while the cache is quiesced (unless acqNoQuiesce) and while no
// stripe is free (unless acqNoBlock, which returns nil). The returned stripe
// holds one reference.
func (c *stripeCache) acquire(sector core.Sector, gen uint64, previous bool, g geometry, flags acquireFlags) *Stripe {
	key := stripeKey{sector, gen}
	sh := c.shardFor(sector)

	sh.lock.Lock()
	defer sh.lock.Unlock()

	for {
		if flags&acqNoQuiesce == 0 && c.quiesced() {
			if flags&acqNoBlock != 0 {
				// Callers that cannot block park the request and retry
				// once the quiesce lifts.
				return nil
			}
			// Wait out the quiesce without holding the shard lock so the
			// quiescer can touch this shard.
			sh.lock.Unlock()
			c.waitQuiesce()
			sh.lock.Lock()
			continue
		}

		if s, ok := sh.stripes[key]; ok {
			if s.refcount == 0 && s.onInactive {
				c.stealFromInactive(sh, s)
			}
			s.refcount++
			return s
		}

		if n := len(sh.inactive); n > 0 {
			s := sh.inactive[n-1]
			sh.inactive = sh.inactive[:n-1]
			s.onInactive = false
			delete(sh.stripes, stripeKey{s.sector, s.gen})
			s.reinit(sector, gen, previous, g)
			sh.stripes[key] = s
			s.refcount = 1
			c.noteActive(1)
			return s
		}

		if flags&acqNoBlock != 0 {
			c.eng.notePressure()
			return nil
		}
		c.eng.notePressure()
		sh.free.Wait()
	}
}

// stealFromInactive removes a still-mapped stripe from the inactive list
// because someone wants it again. Caller holds the shard lock.
func (c *stripeCache) stealFromInactive(sh *cacheShard, s *Stripe) {
	for i, t := range sh.inactive {
		if t == s {
			sh.inactive = append(sh.inactive[:i], sh.inactive[i+1:]...)
			break
		}
	}
	s.onInactive = false
	c.noteActive(1)
}

// reacquire takes an extra reference on a stripe the scheduler already
// holds implicitly (it was routed to a work list at refcount zero).
func (c *stripeCache) reacquire(s *Stripe) {
	sh := s.shard
	sh.lock.Lock()
	if s.refcount == 0 && s.onInactive {
		// Raced with a release that saw no pending work.
		c.stealFromInactive(sh, s)
	}
	s.refcount++
	sh.lock.Unlock()
}

// release drops one reference. At zero, the stripe goes to the scheduler if
// a pass left work pending, otherwise to the shard's inactive list. A stripe
// whose generation went stale is unmapped so it can never be found again.
func (c *stripeCache) release(s *Stripe) {
	sh := s.shard
	schedule := false

	sh.lock.Lock()
	s.refcount--
	if s.refcount < 0 {
		log.Fatalf("stripe %d refcount went negative", s.sector)
	}
	if s.refcount == 0 {
		if s.isPending() {
			// Work remains; the stripe stays active and rides the
			// scheduler lists. The scheduler re-references it before
			// handling.
			schedule = true
		} else if s.idle() {
			if s.gen != c.generation() {
				delete(sh.stripes, stripeKey{s.sector, s.gen})
			}
			s.onInactive = true
			sh.inactive = append(sh.inactive, s)
			c.noteActive(-1)
			sh.free.Signal()
		}
		// Otherwise device I/O is still in flight; its completion will
		// re-enqueue the stripe and the next release gets another look.
	}
	sh.lock.Unlock()

	if schedule {
		c.eng.sched.enqueue(s)
	}
}

func (c *stripeCache) noteActive(delta int) {
	c.lock.Lock()
	c.active += delta
	if c.active == 0 {
		c.drained.Broadcast()
	}
	c.lock.Unlock()
}

func (c *stripeCache) quiesced() bool {
	c.lock.Lock()
	q := c.quiesce
	c.lock.Unlock()
	return q
}

func (c *stripeCache) generation() uint64 {
	c.lock.Lock()
	g := c.gen
	c.lock.Unlock()
	return g
}

func (c *stripeCache) bumpGeneration() uint64 {
	c.lock.Lock()
	c.gen++
	g := c.gen
	c.lock.Unlock()
	return g
}

func (c *stripeCache) waitQuiesce() {
	c.lock.Lock()
	for c.quiesce {
		c.drained.Wait()
	}
	c.lock.Unlock()
}

// startQuiesce blocks new acquisitions and waits for every active stripe to
// drain. Quiesce completes only by draining, never by cancelling work.
func (c *stripeCache) startQuiesce() {
	c.lock.Lock()
	c.quiesce = true
	for c.active > 0 {
		c.drained.Wait()
	}
	c.lock.Unlock()
}

// endQuiesce reopens the cache and wakes all waiters.
func (c *stripeCache) endQuiesce() {
	c.lock.Lock()
	c.quiesce = false
	c.drained.Broadcast()
	c.lock.Unlock()
	for _, sh := range c.shards {
		sh.lock.Lock()
		sh.free.Broadcast()
		sh.lock.Unlock()
	}
}

// resizeSlots migrates every stripe to newDisks device slots under quiesce.
// Buffers are preserved; no data pages are discarded.
func (c *stripeCache) resizeSlots(newDisks int) {
	for _, sh := range c.shards {
		sh.lock.Lock()
		for _, s := range sh.stripes {
			s.growSlots(newDisks)
		}
		for _, s := range sh.inactive {
			if s.disks < newDisks {
				s.growSlots(newDisks)
			}
		}
		sh.lock.Unlock()
	}
}

// peek returns the stripe for (sector, gen) only if it is already resident,
// taking a reference. Used by the batch coalescer, which must never create
// stripes.
func (c *stripeCache) peek(sector core.Sector, gen uint64) *Stripe {
	sh := c.shardFor(sector)
	sh.lock.Lock()
	defer sh.lock.Unlock()
	s, ok := sh.stripes[stripeKey{sector, gen}]
	if !ok {
		return nil
	}
	if s.refcount == 0 && s.onInactive {
		c.stealFromInactive(sh, s)
	}
	s.refcount++
	return s
}

// stats returns (allocated, active) for metrics.
func (c *stripeCache) stats() (size, active int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.size, c.active
}
