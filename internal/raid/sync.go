// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Background passes: check walks the array verifying parity, repair rewrites
// what check finds inconsistent, recover rebuilds fresh devices and
// populates replacements. All of them move one stripe row at a time through
// the same state machine the foreground path uses.

package raid

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/striped/internal/core"
	"github.com/westerndigitalcorporation/striped/pkg/retry"
)

// SyncRequest advances the configured background pass by one stripe row at
// the given device-local sector. It returns how many device sectors were
// covered; zero means the pass is finished or idle. While a reshape is
// running, all background bandwidth goes to the migration instead.
func (e *Engine) SyncRequest(sector core.Sector) (core.Sector, core.Error) {
	if e.isStopped() {
		return 0, core.ErrShutdown
	}
	s := e.snapshot()
	if s.reshaping {
		return e.reshapeStep()
	}
	mode := atomic.LoadInt32(&e.syncMode)
	if mode == syncNone {
		return 0, core.NoError
	}
	g := s.cur
	if sector >= e.devEnd(g) {
		e.finishSyncPass(mode, g)
		return 0, core.NoError
	}

	op := opm.Start("sync")
	defer op.End()

	e.syncTB.Take(float64(core.BlockSectors))

	logical, _ := g.blockNr(sector, g.dataOrder(sector)[0])
	if mode != syncRecover && !e.bitmap.StartSync(logical, core.BlockSectors) {
		// Bitmap says the row was never dirtied; nothing to verify.
		atomic.StoreUint64(&e.syncPos, uint64(sector+core.BlockSectors))
		return core.BlockSectors, core.NoError
	}

	st := e.cache.acquire(sector, e.cache.generation(), false, g, 0)
	e.breakBatch(st)
	ch := make(chan core.Error, 1)
	st.lock.Lock()
	st.syncing = true
	st.repair = mode == syncRepair
	st.syncDone = ch
	st.lock.Unlock()
	st.markPending()
	e.sched.enqueue(st)

	err := <-ch
	e.cache.release(st)
	if mode != syncRecover {
		e.bitmap.EndSync(logical, core.BlockSectors)
	}
	if err != core.NoError {
		op.Failed()
		return 0, err
	}

	next := sector + core.BlockSectors
	switch mode {
	case syncCheck, syncRepair:
		atomic.StoreUint64(&e.syncPos, uint64(next))
	case syncRecover:
		e.advanceRecovery(next)
	}
	if next%e.cfg.ReshapeSafeInterval == 0 {
		if cerr := e.checkpoint(s.progress); cerr != core.NoError {
			log.Errorf("sync checkpoint at %d failed: %s", next, cerr)
		}
	}
	return core.BlockSectors, core.NoError
}

// devEnd is the last usable device sector, chunk aligned.
func (e *Engine) devEnd(g geometry) core.Sector {
	return e.cfg.DevSectors - e.cfg.DevSectors%g.chunk
}

// advanceRecovery moves every rebuilding slot's frontier forward.
func (e *Engine) advanceRecovery(next core.Sector) {
	for _, di := range e.disks {
		di.lock.Lock()
		rebuilding := di.recoveryOffset != core.MaxSector &&
			(di.replacement != nil || (!di.inSync && di.disk != nil && !di.faulty))
		if rebuilding && di.recoveryOffset < next {
			di.recoveryOffset = next
		}
		di.lock.Unlock()
	}
}

// finishSyncPass closes out a completed pass: replacements take over their
// slots, rebuilt devices become full members, and the checkpoint records the
// clean state.
func (e *Engine) finishSyncPass(mode int32, g geometry) {
	if mode == syncRecover {
		for idx, di := range e.disks {
			di.lock.Lock()
			hasRepl := di.replacement != nil
			rebuilt := !di.inSync && di.disk != nil && !di.faulty
			if rebuilt {
				di.inSync = true
				di.recoveryOffset = core.MaxSector
			}
			di.lock.Unlock()
			if hasRepl {
				e.promoteReplacement(idx)
			}
			if rebuilt {
				log.Infof("disk %d: rebuild complete", idx)
			}
		}
		e.updateDegraded()
	} else {
		atomic.StoreUint64(&e.syncPos, uint64(core.MaxSector))
		log.Infof("parity %s pass complete: %d mismatched sectors",
			map[int32]string{syncCheck: "check", syncRepair: "repair"}[mode],
			e.Mismatches())
	}
	e.setSyncMode(syncNone)
	if err := e.checkpoint(e.snapshot().progress); err != core.NoError {
		log.Errorf("checkpoint after sync pass failed: %s", err)
	}
}

// syncResumePos is where RunSync should start, honoring any checkpointed
// recovery offsets.
func (e *Engine) syncResumePos() core.Sector {
	if atomic.LoadInt32(&e.syncMode) == syncRecover {
		pos := e.devEnd(e.snapshot().cur)
		for _, di := range e.disks {
			di.lock.Lock()
			if di.recoveryOffset != core.MaxSector && di.recoveryOffset < pos {
				pos = di.recoveryOffset
			}
			di.lock.Unlock()
		}
		return pos
	}
	if pos := core.Sector(atomic.LoadUint64(&e.syncPos)); pos != core.MaxSector {
		return pos
	}
	return 0
}

// RunSync drives the configured background pass to completion. It retries
// transient trouble with backoff and gives up on hard errors. Intended to
// run on its own goroutine; pacing comes from SyncSectorsPerSec.
func (e *Engine) RunSync(ctx context.Context) core.Error {
	pos := e.syncResumePos()
	r := retry.Retrier{
		MinSleep:    10 * time.Millisecond,
		MaxSleep:    time.Second,
		MaxAttempts: 5,
	}
	for {
		select {
		case <-ctx.Done():
			return core.ErrShutdown
		default:
		}

		var n core.Sector
		var serr core.Error
		ok, cancelled := r.Do(ctx, func(seq int) bool {
			n, serr = e.SyncRequest(pos)
			// Hard outcomes end the retry loop immediately.
			return serr == core.NoError || serr == core.ErrIO || serr == core.ErrShutdown
		})
		if cancelled {
			return core.ErrShutdown
		}
		if !ok || serr != core.NoError {
			log.Errorf("sync pass aborted at sector %d: %s", pos, serr)
			return serr
		}
		if n == 0 {
			return core.NoError
		}
		pos += n
	}
}
