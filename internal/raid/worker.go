// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Worker dispatch: stripes that need a state machine pass ride priority
// lists feeding per-group thread pools, plus one management thread for
// retries, delayed activation and cache maintenance.

package raid

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/striped/internal/core"
)

// workerGroup is one pool of workers with its own ready list. Stripes are
// spread across groups by sector so one hot group cannot starve the rest.
type workerGroup struct {
	id   int
	list []*Stripe
}

type scheduler struct {
	eng *Engine

	lock sync.Mutex
	work sync.Cond

	groups  []*workerGroup
	handle  []*Stripe // global hold list, fallback for all groups
	loprio  []*Stripe // already-journaled write-back stripes
	delayed []*Stripe // preread-throttled, activated under low pressure
	bitmap  []*Stripe // waiting for the write-intent bitmap to flush

	// bypassCount counts stripes taken ahead of the low-priority list; at
	// the threshold the low-priority list must be serviced.
	bypassCount int

	stopping bool
	wg       sync.WaitGroup
}

func newScheduler(e *Engine) *scheduler {
	s := &scheduler{eng: e}
	s.work.L = &s.lock
	for i := 0; i < e.cfg.WorkerGroups; i++ {
		s.groups = append(s.groups, &workerGroup{id: i})
	}
	return s
}

func (s *scheduler) start() {
	for _, g := range s.groups {
		for w := 0; w < s.eng.cfg.WorkersPerGroup; w++ {
			s.wg.Add(1)
			go s.workerLoop(g)
		}
	}
}

func (s *scheduler) stop() {
	s.lock.Lock()
	s.stopping = true
	s.work.Broadcast()
	s.lock.Unlock()
	s.wg.Wait()
}

func (s *scheduler) groupFor(sector core.Sector) *workerGroup {
	return s.groups[(sector/core.BlockSectors)%core.Sector(len(s.groups))]
}

// enqueue routes a stripe onto the list its flags call for. Batched member
// stripes are redirected to their batch head; double queuing is a no-op.
func (s *scheduler) enqueue(st *Stripe) {
	if h := s.eng.batches.headOf(st); h != nil {
		st = h
	}
	st.markPending()

	s.lock.Lock()
	if st.queued != listNone || s.stopping {
		s.lock.Unlock()
		return
	}
	switch st.getRoute() {
	case routeBitmap:
		st.queued = listBitmap
		s.bitmap = append(s.bitmap, st)
	case routeDelayed:
		st.queued = listDelayed
		s.delayed = append(s.delayed, st)
	case routeLoprio:
		// Journaled stripes whose data is already safe in the log yield to
		// fresh work.
		st.queued = listLoprio
		s.loprio = append(s.loprio, st)
	default:
		g := s.groupFor(st.sector)
		st.queued = listGroup
		g.list = append(g.list, st)
	}
	s.work.Broadcast()
	s.lock.Unlock()
}

// next pops the best stripe for group g, or nil if nothing is runnable.
// Caller holds the scheduler lock.
//
// Policy: the group's own list first, then the global hold list. The
// low-priority list is bypassed at most bypassCount times while other work
// exists, so flushed write-back stripes cannot starve behind a steady
// stream of fresh full-stripe writes.
func (s *scheduler) next(g *workerGroup) *Stripe {
	if len(s.loprio) > 0 && s.bypassCount >= s.eng.cfg.PrereadBypassThreshold {
		s.bypassCount = 0
		return popFront(&s.loprio)
	}
	if len(g.list) > 0 {
		if len(s.loprio) > 0 {
			s.bypassCount++
		}
		return popFront(&g.list)
	}
	if len(s.handle) > 0 {
		if len(s.loprio) > 0 {
			s.bypassCount++
		}
		return popFront(&s.handle)
	}
	if len(s.loprio) > 0 {
		s.bypassCount = 0
		return popFront(&s.loprio)
	}
	// Help an idle group: steal from the busiest other group.
	var busiest *workerGroup
	for _, other := range s.groups {
		if other != g && (busiest == nil || len(other.list) > len(busiest.list)) {
			busiest = other
		}
	}
	if busiest != nil && len(busiest.list) > 0 {
		return popFront(&busiest.list)
	}
	return nil
}

func popFront(l *[]*Stripe) *Stripe {
	st := (*l)[0]
	*l = (*l)[1:]
	st.queued = listNone
	return st
}

// workerLoop pulls bounded batches of ready stripes, runs the state machine
// on each, releases them and yields.
func (s *scheduler) workerLoop(g *workerGroup) {
	defer s.wg.Done()
	batch := make([]*Stripe, 0, s.eng.cfg.HandleBatch)
	for {
		batch = batch[:0]

		s.lock.Lock()
		for {
			if s.stopping {
				s.lock.Unlock()
				return
			}
			for len(batch) < cap(batch) {
				st := s.next(g)
				if st == nil {
					break
				}
				batch = append(batch, st)
			}
			if len(batch) > 0 {
				break
			}
			s.work.Wait()
		}
		s.lock.Unlock()

		for _, st := range batch {
			st.clearPending()
			s.eng.cache.reacquire(st)
			s.eng.handleStripe(st)
			s.eng.cache.release(st)
		}
	}
}

// activateDelayed moves preread-throttled stripes to the ready lists while
// in-flight preread pressure is below the limit.
func (s *scheduler) activateDelayed() {
	s.lock.Lock()
	moved := 0
	for len(s.delayed) > 0 &&
		int(atomic.LoadInt32(&s.eng.preread)) < s.eng.cfg.MaxPrereadActive {
		st := popFront(&s.delayed)
		st.setRoute(routeNormal)
		g := s.groupFor(st.sector)
		st.queued = listGroup
		g.list = append(g.list, st)
		moved++
	}
	if moved > 0 {
		s.work.Broadcast()
	}
	s.lock.Unlock()
}

// activateBitmap flushes the write-intent bitmap and releases every stripe
// that was waiting on it.
func (s *scheduler) activateBitmap() {
	s.lock.Lock()
	waiting := s.bitmap
	s.bitmap = nil
	s.lock.Unlock()
	if len(waiting) == 0 {
		return
	}

	s.eng.bitmap.Flush()

	s.lock.Lock()
	for _, st := range waiting {
		st.setRoute(routeNormal)
		st.lock.Lock()
		st.bitmapDelay = false
		st.lock.Unlock()
		g := s.groupFor(st.sector)
		st.queued = listGroup
		g.list = append(g.list, st)
	}
	s.work.Broadcast()
	s.lock.Unlock()
}

// managementLoop is the engine's housekeeping thread: it retries requests
// deferred by cache exhaustion, activates delayed and bitmap-blocked
// stripes, and grows or shrinks the stripe cache.
func (e *Engine) managementLoop() {
	defer e.wg.Done()
	idleTicks := 0
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-e.quit:
			return
		case <-e.kick:
		case <-ticker.C:
		}

		e.sched.activateDelayed()
		e.sched.activateBitmap()
		e.maybeGrowCache()

		if n := e.retryDeferred(); n > 0 {
			log.V(2).Infof("management: retried %d deferred requests", n)
			idleTicks = 0
		} else {
			idleTicks++
		}
		// Shrink only after a long quiet spell.
		if idleTicks > 200 {
			e.maybeShrinkCache()
			idleTicks = 0
		}
	}
}

// retryDeferred re-runs requests that failed to get stripes earlier. Once
// the engine stops, parked requests are completed instead of retried.
func (e *Engine) retryDeferred() int {
	if e.isStopped() {
		e.failDeferred()
		return 0
	}
	e.retryLock.Lock()
	bios := e.retryBios
	e.retryBios = nil
	e.retryLock.Unlock()

	for _, b := range bios {
		e.runBio(b)
	}
	return len(bios)
}

// failDeferred completes every parked request with ErrShutdown.
func (e *Engine) failDeferred() {
	e.retryLock.Lock()
	bios := e.retryBios
	e.retryBios = nil
	e.retryLock.Unlock()
	for _, b := range bios {
		b.endPiece(core.ErrShutdown)
	}
}

// deferBio parks a request for the management thread to retry.
func (e *Engine) deferBio(b *Bio) {
	if e.isStopped() {
		b.endPiece(core.ErrShutdown)
		return
	}
	e.retryLock.Lock()
	e.retryBios = append(e.retryBios, b)
	e.retryLock.Unlock()
	e.kickManagement()
}
