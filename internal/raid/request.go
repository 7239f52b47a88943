// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// The request splitter: the external face of the engine. Bios are validated,
// cut at block boundaries, and attached to the stripes that own each block.
// Nothing here blocks on the cache; when stripes run out, the remainder of a
// bio is parked for the management thread to retry.

package raid

import (
	"sync/atomic"

	"github.com/westerndigitalcorporation/striped/internal/core"
	"github.com/westerndigitalcorporation/striped/internal/stats"
)

// MakeRequest submits one bio to the array. It validates synchronously and
// returns; the bio's Done callback fires exactly once when every piece has
// completed, on an engine goroutine. Acceptance does not imply the data is
// durable yet.
func (e *Engine) MakeRequest(b *Bio) core.Error {
	if e.isStopped() {
		return core.ErrShutdown
	}
	if b.Op == core.OpFlush || (b.Data == nil && b.Count == 0 && b.Flush) {
		op := opm.Start("flush")
		e.wrapDone(b, op)
		atomic.StoreInt32(&b.remaining, 1)
		e.flushAll(b)
		return core.NoError
	}

	switch b.Op {
	case core.OpRead, core.OpWrite:
		if len(b.Data) == 0 || len(b.Data)%core.SectorSize != 0 {
			return core.ErrInvalidArgument
		}
	case core.OpDiscard:
		if b.Data != nil || b.Count == 0 {
			return core.ErrInvalidArgument
		}
	default:
		return core.ErrInvalidArgument
	}
	if b.End() > e.Capacity() || b.End() < b.Sector {
		return core.ErrInvalidArgument
	}

	op := opm.Start(b.Op.String())
	e.wrapDone(b, op)
	atomic.StoreInt32(&b.remaining, 1) // the splitter's own reference

	if b.Op == core.OpDiscard {
		e.runDiscard(b)
		return core.NoError
	}
	e.runBio(b)
	return core.NoError
}

// wrapDone layers operation metrics over the caller's completion callback.
func (e *Engine) wrapDone(b *Bio, op *stats.Op) {
	done := b.Done
	b.Done = func(err core.Error) {
		if err != core.NoError {
			op.Failed()
		}
		op.End()
		if done != nil {
			done(err)
		}
	}
}

// flushAll broadcasts a flush barrier to every live member device.
func (e *Engine) flushAll(b *Bio) {
	for i := range e.disks {
		disk := e.primaryDisk(i)
		if disk == nil {
			continue
		}
		b.addRef()
		disk.Submit(&DiskRequest{
			Op: core.OpFlush,
			Done: func(err core.Error) {
				b.endPiece(err)
			},
		})
	}
	b.endPiece(core.NoError)
}

// runBio walks a read or write bio block by block, attaching each piece to
// the stripe that owns it. It holds one reference on b throughout and drops
// it at the end; deferral hands that reference to a continuation.
func (e *Engine) runBio(b *Bio) {
	if b.Op == core.OpRead && e.tryFastRead(b) {
		return
	}

	pos := b.Sector
	for pos < b.End() {
		s := e.snapshot()
		blockLog := blockStart(pos)
		g, prev := s.geomFor(blockLog)
		gen := s.gen
		if prev {
			gen--
		}
		stripeSec, dev, _, _ := g.mapSector(blockLog)

		if s.reshaping && e.frontierConflict(s, blockLog) {
			// The migration window owns this block right now.
			e.deferRest(b, pos)
			return
		}

		st := e.cache.acquire(stripeSec, gen, prev, g, acqNoBlock)
		if st == nil {
			e.deferRest(b, pos)
			return
		}
		if e.snapshot().gen != s.gen {
			// Geometry moved under us; remap this block.
			e.cache.release(st)
			continue
		}

		if !e.addBio(st, b, dev, blockLog) {
			// Overlapping write already queued on this block.
			e.cache.release(st)
			e.deferRest(b, pos)
			return
		}
		if b.Op == core.OpWrite {
			e.tryBatch(st, g.chunk)
		}
		e.cache.release(st)
		pos = blockLog + core.BlockSectors
	}
	b.endPiece(core.NoError)
}

// deferRest parks the unprocessed tail of b for the management thread. The
// continuation borrows b's splitter reference and forwards its result.
func (e *Engine) deferRest(b *Bio, pos core.Sector) {
	if pos == b.Sector {
		e.deferBio(b)
		return
	}
	rest := &Bio{
		Sector: pos,
		Op:     b.Op,
		Flush:  b.Flush,
		noFast: true,
		Done: func(err core.Error) {
			b.endPiece(err)
		},
	}
	if b.Data != nil {
		rest.Data = b.Data[(pos-b.Sector)*core.SectorSize:]
	} else {
		rest.Count = b.End() - pos
	}
	atomic.StoreInt32(&rest.remaining, 1)
	e.deferBio(rest)
}

// addBio attaches one block-sized piece of b to slot dev of st. It fails on
// a conflicting overlapped write, which the caller defers rather than
// reordering.
func (e *Engine) addBio(st *Stripe, b *Bio, dev int, blockLog core.Sector) bool {
	durable := true
	if b.Op == core.OpWrite {
		durable = e.bitmap.MarkDirty(blockLog, core.BlockSectors)
	}

	st.lock.Lock()
	defer st.lock.Unlock()
	d := &st.dev[dev]

	if b.Op == core.OpWrite {
		for _, q := range d.toWrite {
			if biosOverlap(q, b, blockLog) {
				return false
			}
		}
		d.toWrite = append(d.toWrite, b)
		if b.Flush {
			st.flushFlag = true
		}
		if !durable {
			st.bitmapDelay = true
			st.setRoute(routeBitmap)
		}
	} else {
		d.toRead = append(d.toRead, b)
	}
	b.addRef()
	atomic.AddInt32(&st.busy, 1)
	st.markPending()
	return true
}

// biosOverlap reports whether two bios touch a common sector inside the
// block at blockLog.
func biosOverlap(a, b *Bio, blockLog core.Sector) bool {
	lo, hi := blockLog, blockLog+core.BlockSectors
	as, ae := clampRange(a, lo, hi)
	bs, be := clampRange(b, lo, hi)
	return as < be && bs < ae
}

func clampRange(b *Bio, lo, hi core.Sector) (core.Sector, core.Sector) {
	s, e := b.Sector, b.End()
	if s < lo {
		s = lo
	}
	if e > hi {
		e = hi
	}
	return s, e
}

// frontierConflict reports whether a block is inside the chunk row the
// reshape is migrating right now. Requests there wait out the window.
func (e *Engine) frontierConflict(s *geomSnapshot, blockLog core.Sector) bool {
	if !s.reshaping {
		return false
	}
	span := reshapeWindow(s)
	lo := s.progress
	if s.backwards {
		if lo < span {
			lo = span
		}
		return blockLog < lo && blockLog >= lo-span
	}
	return blockLog >= lo && blockLog < lo+span
}

// runDiscard handles a discard bio at chunk-row granularity: only rows the
// bio covers completely are discarded, partial edges are dropped silently.
// Each covered stripe discards every member block, parity included, since
// the whole row's contents become undefined together.
func (e *Engine) runDiscard(b *Bio) {
	s := e.snapshot()
	if s.reshaping {
		// Discards are advisory; skipping during migration is always safe.
		b.endPiece(core.NoError)
		return
	}
	g := s.cur
	rowSpan := g.chunk * core.Sector(g.dataDisks()) // logical sectors per chunk row

	first := (b.Sector + rowSpan - 1) / rowSpan // first fully covered row
	last := b.End() / rowSpan                   // one past the last
	bpc := g.chunk / core.BlockSectors

	for row := first; row < last; row++ {
		for k := core.Sector(0); k < bpc; k++ {
			stripeSec := row*g.chunk + k*core.BlockSectors
			st := e.cache.acquire(stripeSec, s.gen, false, g, acqNoBlock)
			if st == nil {
				// Out of stripes; drop the rest of the range. Discard
				// makes no durability promise.
				b.endPiece(core.NoError)
				return
			}
			e.breakBatch(st)
			st.lock.Lock()
			st.discardOp = true
			d := &st.dev[st.dataIdx[0]]
			d.toWrite = append(d.toWrite, b)
			b.addRef()
			atomic.AddInt32(&st.busy, 1)
			st.markPending()
			st.lock.Unlock()
			e.cache.release(st)
		}
	}
	b.endPiece(core.NoError)
}

// tryFastRead serves a single-block, non-degraded read straight from the
// member device, skipping the stripe cache. Returns false when the read must
// take the slow path instead; a device error falls back by re-submitting
// with noFast set.
func (e *Engine) tryFastRead(b *Bio) bool {
	if !e.cfg.FastReads || b.noFast {
		return false
	}
	blockLog := blockStart(b.Sector)
	if b.End() > blockLog+core.BlockSectors {
		return false
	}
	s := e.snapshot()
	if s.reshaping || e.Degraded() > 0 {
		return false
	}
	g := s.cur
	stripeSec, dev, _, _ := g.mapSector(blockLog)

	// A resident stripe may hold dirtier data than the device.
	if st := e.cache.peek(stripeSec, s.gen); st != nil {
		e.cache.release(st)
		return false
	}
	if dev >= len(e.disks) || !e.disks[dev].readable() {
		return false
	}
	disk := e.primaryDisk(dev)
	if disk == nil || disk.HasBadBlock(stripeSec, int(core.BlockSectors)) {
		return false
	}

	atomic.AddInt32(&e.fastReads, 1)
	buf := make([]byte, core.BlockSize)
	off := (b.Sector - blockLog) * core.SectorSize
	disk.Submit(&DiskRequest{
		Op:     core.OpRead,
		Sector: stripeSec,
		Data:   buf,
		Done: func(err core.Error) {
			defer atomic.AddInt32(&e.fastReads, -1)
			if err == core.NoError {
				copy(b.Data, buf[off:int(off)+len(b.Data)])
				b.endPiece(core.NoError)
				return
			}
			// Retry through the cache, where reconstruction and rewrite
			// can kick in.
			b.noFast = true
			e.deferBio(b)
		},
	})
	return true
}
