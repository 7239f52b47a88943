// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// The stripe state machine. A pass over a stripe inspects its slots, decides
// what device I/O or parity math the stripe needs next, and hands the I/O to
// the dispatcher. Passes run on worker goroutines only; device completions
// never run this code, they just record flags and re-enqueue the stripe.

package raid

import (
	"sync/atomic"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/striped/internal/core"
	"github.com/westerndigitalcorporation/striped/internal/parity"
)

// stripeState is the per-pass summary of a stripe's slots, recomputed at the
// start of every pass while the stripe lock is held.
type stripeState struct {
	locked   int
	uptodate int
	compute  int
	toRead   int
	toWrite  int
	readErrs int

	// failed counts slots whose device cannot supply current data, whether
	// missing, faulty, or not yet rebuilt this far.
	failed    int
	failSlots []int
}

// handleStripe runs one state machine pass. At most one pass runs per stripe
// at a time; a lost race just leaves the stripe pending for the winner.
func (e *Engine) handleStripe(st *Stripe) {
	if !st.tryRun() {
		st.markPending()
		return
	}
	members := e.batches.members(st)
	e.handleOne(st)
	for _, m := range members {
		m.clearPending()
		e.handleOne(m)
	}
	if len(members) > 0 {
		e.dissolveIfDone(st, members)
	}
	st.endRun()
}

func (e *Engine) handleOne(st *Stripe) {
	st.lock.Lock()
	s := e.analyse(st)

	if s.failed > st.tolerance() {
		e.handleFailed(st, &s)
	}

	if st.discardOp {
		e.handleDiscard(st, &s)
	} else {
		e.handleReadErrors(st, &s)
		e.handleWriteback(st, &s)
		e.runCompute(st)
		e.handleFill(st, &s)
		e.handleDirtying(st, &s)
		e.runReconstruct(st, &s)
	}

	if st.syncing {
		e.handleSync(st, &s)
	}
	if st.expandSrc || st.expanding || st.expandReady {
		e.handleExpand(st, &s)
	}

	ops := e.collectOps(st)
	st.lock.Unlock()
	e.submit(st, ops)
}

func (e *Engine) analyse(st *Stripe) stripeState {
	var s stripeState
	for i := 0; i < st.disks; i++ {
		d := &st.dev[i]
		if d.locked {
			s.locked++
		}
		if d.uptodate {
			s.uptodate++
		}
		if d.wantCompute {
			s.compute++
		}
		if len(d.toRead) > 0 {
			s.toRead++
		}
		if len(d.toWrite) > 0 {
			s.toWrite++
		}
		if d.readError {
			s.readErrs++
		}
		if !e.slotReadable(st, i) {
			s.failed++
			s.failSlots = append(s.failSlots, i)
		}
	}
	return s
}

// tolerance is how many slots this stripe can lose and still reconstruct.
func (st *Stripe) tolerance() int {
	if st.qd >= 0 {
		return 2
	}
	return 1
}

// slotReadable reports whether slot i's device can supply current data for
// this stripe's row. A device under rebuild is readable only below its
// recovery offset.
func (e *Engine) slotReadable(st *Stripe, i int) bool {
	if i >= len(e.disks) {
		return false
	}
	di := e.disks[i]
	di.lock.Lock()
	defer di.lock.Unlock()
	if di.disk == nil || di.faulty {
		return false
	}
	if di.inSync {
		return true
	}
	return di.recoveryOffset != core.MaxSector &&
		st.sector+core.BlockSectors <= di.recoveryOffset
}

// slotWritable reports whether writes should be issued to slot i.
func (e *Engine) slotWritable(st *Stripe, i int) bool {
	if i >= len(e.disks) {
		return false
	}
	return e.disks[i].writable()
}

// finishBio completes one queued piece attached to this stripe.
func (st *Stripe) finishBio(b *Bio, err core.Error) {
	atomic.AddInt32(&st.busy, -1)
	b.endPiece(err)
}

// handleFailed aborts a stripe whose range has lost redundancy: every queued
// bio fails, and any sync pass is told the range is gone. The stripe itself
// stays usable; later writes can still land on surviving devices.
func (e *Engine) handleFailed(st *Stripe, s *stripeState) {
	if !st.degradedFailed {
		st.degradedFailed = true
		atomic.StoreInt32(&e.failed, 1)
		log.Errorf("stripe %d: %d failed slots exceeds redundancy, failing range",
			st.sector, s.failed)
	}
	for i := 0; i < st.disks; i++ {
		d := &st.dev[i]
		for _, b := range d.toRead {
			st.finishBio(b, core.ErrIO)
		}
		for _, b := range d.toWrite {
			st.finishBio(b, core.ErrIO)
		}
		d.toRead, d.toWrite = nil, nil
		d.wantRead, d.wantWrite, d.wantCompute, d.wantReplace = false, false, false, false
		d.discard = false
	}
	s.toRead, s.toWrite, s.compute = 0, 0, 0
	st.recon, st.fill = reconIdle, fillIdle
	st.discardOp = false
	e.clearPreread(st)
	if st.syncing || st.expandSrc || st.expanding || st.expandReady {
		st.expandSrc, st.expanding, st.expandReady = false, false, false
		e.finishSync(st, core.ErrIO)
	}
}

// handleReadErrors recovers from a device read failure: the block is
// reconstructed from the surviving slots and rewritten in place. A rewrite
// that also fails marks the block bad; a full bad-block table fails the
// device.
func (e *Engine) handleReadErrors(st *Stripe, s *stripeState) {
	for i := 0; i < st.disks; i++ {
		d := &st.dev[i]
		if d.locked {
			continue
		}
		if d.reWrite && d.writeError {
			// The corrective rewrite failed too; the block stays bad and
			// future reads reconstruct again.
			d.reWrite, d.writeError = false, false
			d.uptodate = false
			continue
		}
		if !d.readError || d.reWrite || d.wantCompute || d.uptodate {
			continue
		}
		e.markCompute(st, i)
		s.compute++
	}
}

// markCompute schedules reconstruction of slot i: every other slot that can
// be read must become current first. Slots that cannot supply data at all
// join as reconstruction targets, since the codec rebuilds every missing
// block of a stripe in one pass.
func (e *Engine) markCompute(st *Stripe, i int) {
	st.dev[i].wantCompute = true
	for j := 0; j < st.disks; j++ {
		if j == i {
			continue
		}
		d := &st.dev[j]
		if d.uptodate || d.locked || d.wantCompute || d.wantRead || d.readError {
			continue
		}
		if e.slotReadable(st, j) {
			d.wantRead = true
		} else {
			d.wantCompute = true
		}
	}
}

// runCompute reconstructs the slots marked wantCompute once every other slot
// is current. Reconstructed blocks that replaced a read error are rewritten
// to the device.
func (e *Engine) runCompute(st *Stripe) {
	targets := 0
	for i := 0; i < st.disks; i++ {
		d := &st.dev[i]
		if d.wantCompute {
			targets++
			continue
		}
		if d.uptodate {
			continue
		}
		if !d.locked && !d.wantRead && !d.readError && !e.slotReadable(st, i) {
			// Never a source; rebuild it alongside the other targets.
			d.wantCompute = true
			targets++
			continue
		}
		return // sources still missing, reads in flight
	}
	if targets == 0 {
		return
	}
	if targets > st.tolerance() {
		log.Errorf("stripe %d: %d compute targets exceeds redundancy", st.sector, targets)
		return
	}

	blocks := st.codecBlocks()
	order := st.codecOrder()
	for k, slot := range order {
		if st.dev[slot].wantCompute {
			blocks[k] = nil
		}
	}
	if err := e.codecFor(st).Reconstruct(blocks); err != nil {
		log.Errorf("stripe %d: reconstruction failed: %s", st.sector, err)
		return
	}
	for k, slot := range order {
		d := &st.dev[slot]
		if !d.wantCompute {
			continue
		}
		copy(d.buf, blocks[k])
		d.wantCompute = false
		d.uptodate = true
		if d.readError {
			// Corrected; write the good data back over the bad sector.
			d.reWrite = true
			d.wantWrite = true
			d.readError = false
		}
	}
}

// handleFill serves queued reads: current blocks are copied out immediately,
// the rest get device reads or reconstruction.
func (e *Engine) handleFill(st *Stripe, s *stripeState) {
	if s.toRead == 0 {
		st.fill = fillIdle
		return
	}
	waiting := 0
	for i := 0; i < st.disks; i++ {
		d := &st.dev[i]
		if len(d.toRead) == 0 {
			continue
		}
		if d.uptodate {
			for _, b := range d.toRead {
				data, off := b.sliceFor(d.logical)
				copy(data, d.buf[off:off+len(data)])
				st.finishBio(b, core.NoError)
			}
			d.toRead = nil
			continue
		}
		waiting++
		if d.locked || d.wantRead || d.wantCompute {
			continue
		}
		if !d.readError && e.slotReadable(st, i) {
			d.wantRead = true
		} else {
			e.markCompute(st, i)
		}
	}
	if waiting > 0 {
		st.fill = fillRunning
	} else {
		st.fill = fillIdle
	}
}

// handleWriteback finishes a reconstruct round once every device write has
// landed: queued writers are completed, the bitmap is cleaned, and the
// stripe returns to idle.
func (e *Engine) handleWriteback(st *Stripe, s *stripeState) {
	if st.recon != reconResult || s.locked > 0 {
		return
	}
	for i := 0; i < st.disks; i++ {
		if st.dev[i].wantWrite || st.dev[i].wantReplace {
			return // not yet dispatched
		}
	}
	for i := 0; i < st.disks; i++ {
		d := &st.dev[i]
		d.writeError = false
		if len(d.written) == 0 {
			continue
		}
		for _, b := range d.written {
			st.finishBio(b, core.NoError)
		}
		d.written = nil
		if d.logical != core.MaxSector {
			e.bitmap.MarkClean(d.logical, core.BlockSectors)
		}
	}
	st.recon = reconIdle
	st.planRMW = false
	st.journaled = false
	st.flushFlag = false
	st.setRoute(routeNormal)
	e.clearPreread(st)
	if st.expanding {
		st.expanding = false
		e.finishSync(st, core.NoError)
	}
}

// handleDirtying decides how a stripe with queued writes regenerates parity:
// read-modify-write touches only the written blocks and parity, while
// reconstruct-write reads whatever is untouched and recomputes parity from
// scratch. The cheaper plan in device reads wins; ties go to RMW. A plan is
// forced to RCW when parity cannot be trusted or subtracted from.
func (e *Engine) handleDirtying(st *Stripe, s *stripeState) {
	if s.toWrite == 0 || st.recon != reconIdle || st.chk != checkIdle ||
		st.syncing || st.expanding || st.expandReady {
		return
	}
	if st.bitmapDelay {
		// The write-intent record is not durable yet; the management
		// thread flushes the bitmap and reactivates us.
		st.setRoute(routeBitmap)
		st.markPending()
		return
	}

	rmw, rcw := 0, 0
	for i := 0; i < st.disks; i++ {
		d := &st.dev[i]
		if i == st.qd {
			continue
		}
		if (len(d.toWrite) > 0 || i == st.pd) && !d.uptodate {
			if e.slotReadable(st, i) {
				rmw++
			} else {
				rmw += 2 * st.disks
			}
		}
		if !st.isParity(i) && !st.slotFullyCovered(i) && !d.uptodate {
			if e.slotReadable(st, i) {
				rcw++
			} else {
				rcw += 2 * st.disks
			}
		}
	}

	forceRCW := st.qd >= 0 || e.cfg.ForceRCW || st.fullOverwrite()
	if !forceRCW {
		if pos := core.Sector(atomic.LoadUint64(&e.syncPos)); pos != core.MaxSector && st.sector >= pos {
			// Parity above the resync frontier is untrusted; subtracting
			// from it would launder garbage.
			forceRCW = true
		}
	}
	if !forceRCW && !st.dev[st.pd].uptodate && !e.slotReadable(st, st.pd) {
		forceRCW = true
	}
	st.planRMW = !forceRCW && rmw <= rcw

	reads := rcw
	if st.planRMW {
		reads = rmw
	}
	if reads > 0 && !st.prereadActive {
		if int(atomic.LoadInt32(&e.preread)) >= e.cfg.MaxPrereadActive {
			// Too many stripes pre-reading; park this one so fuller
			// writes can accumulate.
			st.setRoute(routeDelayed)
			st.markPending()
			return
		}
		st.prereadActive = true
		atomic.AddInt32(&e.preread, 1)
	}
	st.setRoute(routeNormal)

	if st.planRMW {
		metricRMW.Inc()
		st.recon = reconPrexorDrain
		for i := 0; i < st.disks; i++ {
			d := &st.dev[i]
			if (len(d.toWrite) > 0 || i == st.pd) && !d.uptodate &&
				!d.locked && !d.wantRead {
				d.wantRead = true
			}
		}
	} else {
		metricRCW.Inc()
		st.recon = reconDrain
		for i := 0; i < st.disks; i++ {
			d := &st.dev[i]
			if st.isParity(i) || st.slotFullyCovered(i) || d.uptodate ||
				d.locked || d.wantRead || d.wantCompute {
				continue
			}
			if e.slotReadable(st, i) {
				d.wantRead = true
			} else {
				e.markCompute(st, i)
			}
		}
	}
}

// runReconstruct advances an in-progress parity regeneration once the reads
// it asked for have landed.
func (e *Engine) runReconstruct(st *Stripe, s *stripeState) {
	switch st.recon {
	case reconPrexorDrain:
		// Need old parity and the old contents of every written block.
		if !st.dev[st.pd].uptodate {
			return
		}
		for i := 0; i < st.disks; i++ {
			d := &st.dev[i]
			if len(d.toWrite) > 0 && !d.uptodate {
				return
			}
		}
		p := st.dev[st.pd].buf
		for i := 0; i < st.disks; i++ {
			d := &st.dev[i]
			if len(d.toWrite) == 0 {
				continue
			}
			parity.XorInto(p, d.buf) // subtract old data
			st.drainSlot(d)
			parity.XorInto(p, d.buf) // add new data
		}
		e.commitJournal(st)
		st.dev[st.pd].uptodate = true
		st.dev[st.pd].wantWrite = true
		st.recon = reconResult

	case reconDrain:
		// Need every data block current or fully overwritten, and all
		// reconstructions finished.
		for i := 0; i < st.disks; i++ {
			d := &st.dev[i]
			if d.wantCompute {
				return
			}
			if !st.isParity(i) && !d.uptodate && !st.slotFullyCovered(i) {
				return
			}
		}
		for i := 0; i < st.disks; i++ {
			d := &st.dev[i]
			if len(d.toWrite) > 0 {
				st.drainSlot(d)
			}
		}
		e.commitJournal(st)
		blocks := st.codecBlocks()
		if err := e.codecFor(st).Encode(blocks); err != nil {
			log.Errorf("stripe %d: parity encode failed: %s", st.sector, err)
			return
		}
		st.dev[st.pd].uptodate = true
		if e.slotWritable(st, st.pd) {
			st.dev[st.pd].wantWrite = true
		}
		if st.qd >= 0 {
			st.dev[st.qd].uptodate = true
			if e.slotWritable(st, st.qd) {
				st.dev[st.qd].wantWrite = true
			}
		}
		st.recon = reconResult
	}
}

// drainSlot merges a slot's queued writes into its buffer, newest last, and
// moves them to the written list to await the device write.
func (st *Stripe) drainSlot(d *devSlot) {
	for _, b := range d.toWrite {
		data, off := b.sliceFor(d.logical)
		copy(d.buf[off:], data)
		d.written = append(d.written, b)
	}
	d.toWrite = nil
	d.uptodate = true
	d.wantWrite = true
}

// commitJournal hands the drained blocks to the write-back journal before the
// member-device writes are issued. Journaled stripes take the low-priority
// path afterwards, since their data is already safe.
func (e *Engine) commitJournal(st *Stripe) {
	if e.journal == nil || st.journaled || e.journal.DiskError() {
		return
	}
	var blocks [][]byte
	for i := 0; i < st.disks; i++ {
		if len(st.dev[i].written) > 0 {
			blocks = append(blocks, st.dev[i].buf)
		}
	}
	if len(blocks) == 0 {
		return
	}
	if err := e.journal.CommitStripe(st.sector, blocks); err != core.NoError {
		log.Errorf("stripe %d: journal commit failed: %s", st.sector, err)
		return
	}
	st.journaled = true
	st.setRoute(routeLoprio)
}

// handleDiscard runs a whole-stripe discard: every member block, parity
// included, is discarded and its cached contents invalidated.
func (e *Engine) handleDiscard(st *Stripe, s *stripeState) {
	if st.recon == reconIdle {
		for i := 0; i < st.disks; i++ {
			d := &st.dev[i]
			d.uptodate = false
			d.discard = true
			if e.slotWritable(st, i) {
				d.wantWrite = true
			}
			d.written = append(d.written, d.toWrite...)
			d.toWrite = nil
		}
		st.recon = reconResult
		return
	}
	if st.recon != reconResult || s.locked > 0 {
		return
	}
	for i := 0; i < st.disks; i++ {
		if st.dev[i].wantWrite {
			return
		}
	}
	for i := 0; i < st.disks; i++ {
		d := &st.dev[i]
		for _, b := range d.written {
			st.finishBio(b, core.NoError)
		}
		d.written = nil
		d.discard = false
		d.writeError = false
	}
	st.recon = reconIdle
	st.discardOp = false
}

// handleSync drives one stripe of a background pass: check and repair verify
// parity over a fully readable stripe, recover reconstructs the slots a
// fresh or replacement device is missing.
func (e *Engine) handleSync(st *Stripe, s *stripeState) {
	mode := atomic.LoadInt32(&e.syncMode)
	switch st.chk {
	case checkIdle:
		for i := 0; i < st.disks; i++ {
			d := &st.dev[i]
			if d.uptodate || d.locked || d.wantRead || d.wantCompute {
				continue
			}
			if !d.readError && e.slotReadable(st, i) {
				d.wantRead = true
			} else {
				e.markCompute(st, i)
			}
		}
		st.chk = checkRun

	case checkRun:
		for i := 0; i < st.disks; i++ {
			if !st.dev[i].uptodate {
				return
			}
		}
		if mode == syncRecover {
			// Rebuilt slots were reconstructed above; write them out,
			// including any replacement being populated alongside.
			writes := 0
			for _, i := range s.failSlots {
				if e.slotWritable(st, i) {
					st.dev[i].wantWrite = true
					writes++
				}
			}
			for i := 0; i < st.disks; i++ {
				if e.slotHasReplacement(st, i) {
					st.dev[i].wantReplace = true
					writes++
				}
			}
			if writes == 0 {
				e.finishSync(st, core.NoError)
				return
			}
			st.chk = checkComputeRun
			return
		}
		ok, err := e.codecFor(st).Verify(st.codecBlocks())
		if err != nil {
			log.Errorf("stripe %d: parity verify failed: %s", st.sector, err)
			e.finishSync(st, core.ErrIO)
			return
		}
		if ok {
			e.finishSync(st, core.NoError)
			return
		}
		atomic.AddInt64(&e.mismatches, int64(core.BlockSectors))
		metricMismatch.Add(float64(core.BlockSectors))
		if !st.repair {
			e.finishSync(st, core.NoError)
			return
		}
		blocks := st.codecBlocks()
		if err := e.codecFor(st).Encode(blocks); err != nil {
			log.Errorf("stripe %d: parity repair encode failed: %s", st.sector, err)
			e.finishSync(st, core.ErrIO)
			return
		}
		if e.slotWritable(st, st.pd) {
			st.dev[st.pd].wantWrite = true
		}
		if st.qd >= 0 && e.slotWritable(st, st.qd) {
			st.dev[st.qd].wantWrite = true
		}
		st.chk = checkComputeRun

	case checkComputeRun:
		if s.locked > 0 {
			return
		}
		for i := 0; i < st.disks; i++ {
			if st.dev[i].wantWrite || st.dev[i].wantReplace {
				return
			}
		}
		e.finishSync(st, core.NoError)
	}
}

// slotHasReplacement reports whether slot i has a replacement device still
// being populated at this stripe's row.
func (e *Engine) slotHasReplacement(st *Stripe, i int) bool {
	if i >= len(e.disks) {
		return false
	}
	di := e.disks[i]
	di.lock.Lock()
	defer di.lock.Unlock()
	return di.replacement != nil && di.recoveryOffset <= st.sector
}

// finishSync hands the verdict back to the waiting sync pass.
func (e *Engine) finishSync(st *Stripe, err core.Error) {
	st.syncing = false
	st.chk = checkIdle
	if ch := st.syncDone; ch != nil {
		st.syncDone = nil
		ch <- err
	}
}

// handleExpand serves the reshape engine. Source stripes only gather their
// data blocks; destination stripes wait for the copier to fill them, then
// write out the full stripe with fresh parity.
func (e *Engine) handleExpand(st *Stripe, s *stripeState) {
	if st.expandSrc {
		ready := true
		for i := 0; i < st.disks; i++ {
			d := &st.dev[i]
			if st.isParity(i) || d.uptodate {
				continue
			}
			ready = false
			if d.locked || d.wantRead || d.wantCompute {
				continue
			}
			if !d.readError && e.slotReadable(st, i) {
				d.wantRead = true
			} else {
				e.markCompute(st, i)
			}
		}
		if ready {
			st.expandSrc = false
			e.finishSync(st, core.NoError)
		}
		return
	}

	if st.expandReady && st.recon == reconIdle {
		blocks := st.codecBlocks()
		if err := e.codecFor(st).Encode(blocks); err != nil {
			log.Errorf("stripe %d: expand parity encode failed: %s", st.sector, err)
			st.expandReady = false
			st.expanding = false
			e.finishSync(st, core.ErrIO)
			return
		}
		for i := 0; i < st.disks; i++ {
			d := &st.dev[i]
			d.uptodate = true
			if e.slotWritable(st, i) {
				d.wantWrite = true
			}
		}
		st.expandReady = false
		st.recon = reconResult
		// handleWriteback completes the stripe and signals the reshape.
	}
}

// clearPreread drops the stripe's claim on the preread budget.
func (e *Engine) clearPreread(st *Stripe) {
	if st.prereadActive {
		st.prereadActive = false
		atomic.AddInt32(&e.preread, -1)
		e.kickManagement()
	}
}

// codecBlocks assembles the stripe's buffers in codec order: data blocks in
// logical order, then P, then Q.
func (st *Stripe) codecBlocks() [][]byte {
	blocks := make([][]byte, 0, len(st.dataIdx)+2)
	for _, d := range st.dataIdx {
		blocks = append(blocks, st.dev[d].buf)
	}
	blocks = append(blocks, st.dev[st.pd].buf)
	if st.qd >= 0 {
		blocks = append(blocks, st.dev[st.qd].buf)
	}
	return blocks
}

// codecOrder is the device slot behind each codec position.
func (st *Stripe) codecOrder() []int {
	order := make([]int, 0, len(st.dataIdx)+2)
	order = append(order, st.dataIdx...)
	order = append(order, st.pd)
	if st.qd >= 0 {
		order = append(order, st.qd)
	}
	return order
}

// codecFor returns the parity codec matching this stripe's shape.
func (e *Engine) codecFor(st *Stripe) *parity.Engine {
	npar := 1
	if st.qd >= 0 {
		npar = 2
	}
	return e.par.get(len(st.dataIdx), npar)
}
