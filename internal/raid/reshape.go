// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Online reshape: migrates the array to a new geometry (more devices, a new
// chunk size, a different layout or level) while it serves I/O. Two
// geometries are live during the migration; the frontier decides which one
// owns a logical sector, and requests landing inside the window being copied
// are deferred until it has moved on.

package raid

import (
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/striped/internal/core"
)

// reshapeWindow is how many logical sectors migrate per step: the smallest
// range that both geometries cut into whole stripe rows, so no stripe ever
// straddles the frontier mid-step.
func reshapeWindow(s *geomSnapshot) core.Sector {
	a := s.cur.chunk * core.Sector(s.cur.dataDisks())
	b := s.prev.chunk * core.Sector(s.prev.dataDisks())
	return a / gcdSector(a, b) * b
}

func gcdSector(a, b core.Sector) core.Sector {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// StartReshape begins migrating the array to the target geometry. Slots for
// additional devices must already exist (grow with Resize first). The stripe
// cache is quiesced once, the generation is bumped so stale stripes can
// never be confused with remapped ones, and then I/O resumes immediately;
// the actual data movement is driven by SyncRequest / RunSync.
func (e *Engine) StartReshape(disks int, chunk core.Sector, level core.Level, layout core.Layout) core.Error {
	e.lock.Lock()
	defer e.lock.Unlock()

	s := e.snapshot()
	if s.reshaping {
		return core.ErrBusy
	}
	if e.Degraded() > 0 {
		// Migrating while degraded would turn every window copy into a
		// reconstruction; require full redundancy first.
		return core.ErrReshapeConflict
	}
	newG := geometry{disks: disks, chunk: chunk, level: level, layout: layout}
	if err := newG.validate(); err != nil {
		log.Errorf("reshape rejected: %s", err)
		return core.ErrInvalidArgument
	}
	if disks > len(e.disks) {
		return core.ErrInvalidArgument
	}
	newCap := newG.capacity(e.cfg.DevSectors)
	if newCap < s.cur.capacity(e.cfg.DevSectors) {
		// Shrinking migrations walk backwards from the end of the surviving
		// data. The start is rounded up to a whole window so every step
		// moves whole stripe rows; reshapeStep clamps the rounded-over tail
		// so it never maps under the new geometry.
		window := reshapeWindow(&geomSnapshot{cur: newG, prev: s.cur, reshaping: true})
		progress := (newCap + window - 1) / window * window
		return e.beginReshape(s, newG, true, progress)
	}
	return e.beginReshape(s, newG, false, 0)
}

// beginReshape publishes the dual-geometry state. Caller holds e.lock.
func (e *Engine) beginReshape(s *geomSnapshot, newG geometry, backwards bool, progress core.Sector) core.Error {
	e.cache.startQuiesce()
	for atomic.LoadInt32(&e.fastReads) != 0 {
		// Let cache-bypass reads mapped under the old geometry drain.
		time.Sleep(time.Millisecond)
	}
	gen := e.cache.bumpGeneration()
	e.publish(&geomSnapshot{
		gen:       gen,
		cur:       newG,
		reshaping: true,
		backwards: backwards,
		prev:      s.cur,
		progress:  progress,
	})
	e.cache.endQuiesce()

	if err := e.checkpoint(progress); err != core.NoError {
		log.Errorf("reshape start checkpoint failed: %s", err)
	}
	log.Infof("reshape started: raid%d %d disks chunk %d %s -> raid%d %d disks chunk %d %s",
		s.cur.level, s.cur.disks, s.cur.chunk, s.cur.layout,
		newG.level, newG.disks, newG.chunk, newG.layout)
	return core.NoError
}

// reshapeStep migrates one window of logical sectors across the frontier:
// every source stripe under the old geometry is read in, the blocks are
// copied into destination stripes under the new geometry, fresh parity is
// computed and the full destination stripes are written out. The frontier
// then moves past the window.
func (e *Engine) reshapeStep() (core.Sector, core.Error) {
	s := e.snapshot()
	if !s.reshaping {
		return 0, core.NoError
	}
	op := opm.Start("reshape")
	defer op.End()

	oldCap := s.prev.capacity(e.cfg.DevSectors)
	window := reshapeWindow(s)

	var lo, hi core.Sector
	if s.backwards {
		if s.progress == 0 {
			return 0, e.finishReshape(s)
		}
		hi = s.progress
		lo = (hi - 1) / window * window
	} else {
		if s.progress >= oldCap {
			return 0, e.finishReshape(s)
		}
		lo = s.progress
		hi = lo + window
		if hi > oldCap {
			hi = oldCap
		}
	}

	e.syncTB.Take(float64(hi - lo))

	// A shrinking migration starts from a window boundary at or above the
	// new capacity; logical sectors in the overhang have no home under the
	// new geometry and must never become device writes.
	writeHi := hi
	if newCap := s.cur.capacity(e.cfg.DevSectors); writeHi > newCap {
		writeHi = newCap
	}
	readHi := writeHi
	if readHi > oldCap {
		readHi = oldCap
	}
	blocks, err := e.readWindow(s, lo, readHi)
	if err != core.NoError {
		op.Failed()
		return 0, err
	}
	if werr := e.writeWindow(s, lo, writeHi, oldCap, blocks); werr != core.NoError {
		op.Failed()
		return 0, werr
	}

	// Move the frontier and republish; readers pick the new snapshot up
	// lock-free.
	e.lock.Lock()
	next := *s
	if s.backwards {
		next.progress = lo
	} else {
		next.progress = hi
	}
	e.publish(&next)
	e.lock.Unlock()

	if next.progress%e.cfg.ReshapeSafeInterval < window {
		if cerr := e.checkpoint(next.progress); cerr != core.NoError {
			log.Errorf("reshape checkpoint at %d failed: %s", next.progress, cerr)
			return 0, core.ErrCheckpointFailed
		}
	}
	return hi - lo, core.NoError
}

// readWindow gathers the logical blocks [lo, hi) from stripes under the old
// geometry. The returned map is keyed by logical block start.
func (e *Engine) readWindow(s *geomSnapshot, lo, hi core.Sector) (map[core.Sector][]byte, core.Error) {
	blocks := make(map[core.Sector][]byte)
	seen := make(map[core.Sector]bool)

	for pos := lo; pos < hi; pos += core.BlockSectors {
		stripeSec, _, _, _ := s.prev.mapSector(pos)
		if seen[stripeSec] {
			continue
		}
		seen[stripeSec] = true

		st := e.cache.acquire(stripeSec, s.gen-1, true, s.prev, acqNoQuiesce)
		e.breakBatch(st)
		ch := make(chan core.Error, 1)
		st.lock.Lock()
		st.expandSrc = true
		st.syncDone = ch
		st.lock.Unlock()
		st.markPending()
		e.sched.enqueue(st)

		if err := <-ch; err != core.NoError {
			e.cache.release(st)
			return nil, err
		}
		st.lock.Lock()
		for i := 0; i < st.disks; i++ {
			d := &st.dev[i]
			if st.isParity(i) || d.logical == core.MaxSector {
				continue
			}
			if d.logical >= lo && d.logical < hi {
				buf := make([]byte, core.BlockSize)
				copy(buf, d.buf)
				blocks[d.logical] = buf
			}
		}
		st.lock.Unlock()
		e.cache.release(st)
	}
	return blocks, core.NoError
}

// writeWindow lays the gathered blocks out under the new geometry and writes
// the destination stripes in full, parity included. Logical blocks past the
// old capacity have no source and are zero filled.
func (e *Engine) writeWindow(s *geomSnapshot, lo, hi, oldCap core.Sector, blocks map[core.Sector][]byte) core.Error {
	seen := make(map[core.Sector]bool)
	var pending []*Stripe
	var chans []chan core.Error

	for pos := lo; pos < hi; pos += core.BlockSectors {
		stripeSec, _, _, _ := s.cur.mapSector(pos)
		if seen[stripeSec] {
			continue
		}
		seen[stripeSec] = true

		st := e.cache.acquire(stripeSec, s.gen, false, s.cur, acqNoQuiesce)
		ch := make(chan core.Error, 1)
		st.lock.Lock()
		for i := 0; i < st.disks; i++ {
			d := &st.dev[i]
			if st.isParity(i) || d.logical == core.MaxSector {
				continue
			}
			if src, ok := blocks[d.logical]; ok {
				copy(d.buf, src)
			} else if d.logical >= oldCap {
				// Fresh capacity, no source; starts zeroed.
				for k := range d.buf {
					d.buf[k] = 0
				}
			} else {
				st.lock.Unlock()
				e.cache.release(st)
				log.Errorf("reshape: source block %d missing from window [%d,%d)",
					d.logical, lo, hi)
				return e.abandonWindow(pending, chans)
			}
			d.uptodate = true
		}
		st.expanding = true
		st.expandReady = true
		st.syncDone = ch
		st.lock.Unlock()
		st.markPending()
		e.sched.enqueue(st)

		pending = append(pending, st)
		chans = append(chans, ch)
	}

	var failed core.Error = core.NoError
	for i, ch := range chans {
		if err := <-ch; err != core.NoError && failed == core.NoError {
			failed = err
		}
		e.cache.release(pending[i])
	}
	return failed
}

// abandonWindow waits out destination stripes already kicked off before a
// window is given up on.
func (e *Engine) abandonWindow(pending []*Stripe, chans []chan core.Error) core.Error {
	for i, ch := range chans {
		<-ch
		e.cache.release(pending[i])
	}
	return core.ErrIO
}

// finishReshape retires the previous geometry once every sector has been
// migrated. New capacity gained by the migration has unverified parity, so
// a repair pass is queued over it.
func (e *Engine) finishReshape(s *geomSnapshot) core.Error {
	e.lock.Lock()
	cur := e.snapshot()
	if !cur.reshaping {
		e.lock.Unlock()
		return core.NoError
	}
	e.cache.startQuiesce()
	e.publish(&geomSnapshot{gen: cur.gen, cur: cur.cur, progress: core.MaxSector})
	e.cache.endQuiesce()
	e.updateDegraded()
	e.lock.Unlock()

	if err := e.checkpoint(core.MaxSector); err != core.NoError {
		log.Errorf("reshape completion checkpoint failed: %s", err)
		return core.ErrCheckpointFailed
	}

	oldCap := s.prev.capacity(e.cfg.DevSectors)
	newCap := s.cur.capacity(e.cfg.DevSectors)
	if newCap > oldCap {
		// Rows past the old data end were never written under either
		// geometry; bring their parity up before anyone trusts it.
		devPos, _, _, _ := s.cur.mapSector(oldCap)
		atomic.StoreUint64(&e.syncPos, uint64(devPos))
		e.setSyncModeKeepPos(syncRepair)
	}
	log.Infof("reshape complete: raid%d, %d disks, chunk %d, layout %s",
		s.cur.level, s.cur.disks, s.cur.chunk, s.cur.layout)
	return core.NoError
}

// CheckReshape reports whether a reshape is still running and, if the
// frontier has already covered everything, finalizes it. Useful after a
// restart from a checkpoint.
func (e *Engine) CheckReshape() (bool, core.Error) {
	s := e.snapshot()
	if !s.reshaping {
		return false, core.NoError
	}
	done := false
	if s.backwards {
		done = s.progress == 0
	} else {
		done = s.progress >= s.prev.capacity(e.cfg.DevSectors)
	}
	if !done {
		return true, core.NoError
	}
	return false, e.finishReshape(s)
}

// setSyncModeKeepPos selects a mode without rewinding the verified-parity
// frontier.
func (e *Engine) setSyncModeKeepPos(mode int32) {
	atomic.StoreInt32(&e.syncMode, mode)
}
