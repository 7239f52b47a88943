// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Batch coalescing: adjacent full-overwrite stripes in the same chunk are
// grouped under one head stripe, so one worker pass drives the whole group
// and their device writes leave together.

package raid

import (
	"sync"
	"sync/atomic"

	"github.com/westerndigitalcorporation/striped/internal/core"
)

// batchGroup is one coalesced run of stripes. The group holds a cache
// reference on every member (never the head) until it dissolves.
type batchGroup struct {
	id      int64
	head    *Stripe
	members []*Stripe
}

// batchTable tracks live batch groups. Stripe membership is stored in the
// stripe's atomic batchID so the scheduler can redirect without locks.
type batchTable struct {
	lock   sync.Mutex
	nextID int64
	groups map[int64]*batchGroup
}

func (t *batchTable) init() {
	t.groups = make(map[int64]*batchGroup)
}

// headOf returns the head driving st's batch, or nil if st is unbatched or
// is itself the head.
func (t *batchTable) headOf(st *Stripe) *Stripe {
	id := atomic.LoadInt64(&st.batchID)
	if id == noBatch {
		return nil
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	g := t.groups[id]
	if g == nil || g.head == st {
		return nil
	}
	return g.head
}

// members returns the member stripes if st heads a group, else nil.
func (t *batchTable) members(st *Stripe) []*Stripe {
	id := atomic.LoadInt64(&st.batchID)
	if id == noBatch {
		return nil
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	g := t.groups[id]
	if g == nil || g.head != st {
		return nil
	}
	out := make([]*Stripe, len(g.members))
	copy(out, g.members)
	return out
}

// batchable reports (under the stripe lock) whether a stripe is eligible to
// join a batch right now.
func (st *Stripe) batchable() bool {
	return st.fullOverwrite() && st.recon == reconIdle && st.chk == checkIdle &&
		!st.discardOp && !st.syncing && !st.expanding && !st.expandSrc &&
		!st.flushFlag && !st.bitmapDelay && !st.degradedFailed
}

// tryBatch links st to its in-chunk predecessor when both are full
// overwrites. A journal disables batching outright, since the journal commit
// order must match the stripe order.
func (e *Engine) tryBatch(st *Stripe, chunk core.Sector) {
	if e.journal != nil {
		return
	}
	if atomic.LoadInt64(&st.batchID) != noBatch {
		return
	}
	st.lock.Lock()
	ok := st.batchable()
	st.lock.Unlock()
	if !ok {
		return
	}
	if st.sector%chunk == 0 {
		return // first block of the chunk, nothing before it
	}

	nb := e.cache.peek(st.sector-core.BlockSectors, st.gen)
	if nb == nil {
		return
	}
	nb.lock.Lock()
	nbOK := nb.batchable() && nb.flushFlag == st.flushFlag
	nb.lock.Unlock()
	if nbOK {
		e.batches.join(e, nb, st)
	}
	e.cache.release(nb)
}

// join adds st to nb's group, creating one with nb as head if needed.
func (t *batchTable) join(e *Engine, nb, st *Stripe) {
	t.lock.Lock()
	defer t.lock.Unlock()

	// If nb already belongs to a group, st chains onto it; the head drives
	// every transitive member. Otherwise nb becomes a head.
	g := t.groups[atomic.LoadInt64(&nb.batchID)]
	if g == nil {
		t.nextID++
		g = &batchGroup{id: t.nextID, head: nb}
		t.groups[g.id] = g
		atomic.StoreInt64(&nb.batchID, g.id)
		nb.batchHead = true
	}
	if atomic.LoadInt64(&st.batchID) != noBatch {
		return // raced with another path
	}
	atomic.StoreInt64(&st.batchID, g.id)
	e.cache.reacquire(st)
	g.members = append(g.members, st)
	metricBatched.Inc()
}

// breakBatch dissolves the group st belongs to, from either end. Members go
// back to the scheduler to finish on their own.
func (e *Engine) breakBatch(st *Stripe) {
	id := atomic.LoadInt64(&st.batchID)
	if id == noBatch {
		return
	}
	t := &e.batches
	t.lock.Lock()
	g := t.groups[id]
	if g == nil {
		t.lock.Unlock()
		return
	}
	delete(t.groups, id)
	t.lock.Unlock()

	atomic.StoreInt64(&g.head.batchID, noBatch)
	g.head.batchHead = false
	for _, m := range g.members {
		atomic.StoreInt64(&m.batchID, noBatch)
		m.markPending()
		e.cache.release(m) // drop the group's reference
	}
}

// dissolveIfDone tears the group down once the head and every member have
// gone quiet.
func (e *Engine) dissolveIfDone(head *Stripe, members []*Stripe) {
	if !head.quietNow() {
		return
	}
	for _, m := range members {
		if !m.quietNow() {
			return
		}
	}
	e.breakBatch(head)
}

// quietNow reports whether the stripe has no work and no I/O in flight.
func (st *Stripe) quietNow() bool {
	if atomic.LoadInt32(&st.inflight) != 0 {
		return false
	}
	st.lock.Lock()
	defer st.lock.Unlock()
	return !st.anyPendingWork()
}
