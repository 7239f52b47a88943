// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// The I/O dispatcher: turns the want flags a state machine pass left behind
// into device requests, submits them outside the stripe lock, and fields the
// completions. Completions only record state and re-enqueue the stripe; the
// next pass reacts.

package raid

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/striped/internal/core"
)

// devOp is one device request ready to submit, bound to its target.
type devOp struct {
	disk   Disk
	req    *DiskRequest
	direct bool // bypass the deferred-write queue
}

// collectOps converts want flags into device requests. Caller holds the
// stripe lock; submission happens afterwards, outside it.
func (e *Engine) collectOps(st *Stripe) []devOp {
	var ops []devOp

	issue := func(slot int, disk Disk, op core.OpType, data []byte, repl, rewrite, direct bool) {
		d := &st.dev[slot]
		d.ios++
		d.locked = true
		atomic.AddInt32(&st.inflight, 1)
		req := &DiskRequest{
			Op:     op,
			Sector: st.sector,
			Data:   data,
			Done: func(err core.Error) {
				e.ioDone(st, slot, op, repl, rewrite, err)
			},
		}
		ops = append(ops, devOp{disk: disk, req: req, direct: direct})
	}

	for i := 0; i < st.disks; i++ {
		d := &st.dev[i]

		if d.wantRead {
			d.wantRead = false
			disk := e.primaryDisk(i)
			switch {
			case disk == nil:
				d.readError = true
				st.markPending()
			case disk.HasBadBlock(st.sector, int(core.BlockSectors)):
				// Known bad; skip the device round trip and go straight
				// to reconstruction.
				d.readError = true
				st.markPending()
			default:
				issue(i, disk, core.OpRead, d.buf, false, false, true)
			}
		}

		if d.wantWrite {
			d.wantWrite = false
			rewrite := d.reWrite
			op, data := core.OpWrite, d.buf
			if d.discard {
				op, data = core.OpDiscard, nil
			}
			// Flush barriers and corrective rewrites skip deferral.
			direct := st.flushFlag || rewrite || op == core.OpDiscard

			if disk := e.primaryDisk(i); disk != nil {
				issue(i, disk, op, data, false, rewrite, direct)
				if st.flushFlag && op == core.OpWrite {
					issue(i, disk, core.OpFlush, nil, false, false, true)
				}
			}
			// Keep a populating replacement coherent with the primary.
			if rd := e.replacementDisk(i); rd != nil {
				issue(i, rd, op, data, true, false, direct)
			}
			d.wantReplace = false
		} else if d.wantReplace {
			// Populate only: the primary already holds this block.
			d.wantReplace = false
			if rd := e.replacementDisk(i); rd != nil {
				issue(i, rd, core.OpWrite, d.buf, true, false, true)
			}
		}
	}
	return ops
}

// submit hands collected requests to their devices, routing eligible writes
// through the deferred queue when one is configured.
func (e *Engine) submit(st *Stripe, ops []devOp) {
	for _, op := range ops {
		if e.pending != nil && !op.direct &&
			(op.req.Op == core.OpWrite) {
			e.pending.add(op.disk, op.req)
			continue
		}
		op.disk.Submit(op.req)
	}
	if st.isPending() {
		// A pass left work it could not start (device gone, bad block);
		// make sure the stripe comes back around.
		e.sched.enqueue(st)
	}
}

func (e *Engine) primaryDisk(i int) Disk {
	if i >= len(e.disks) {
		return nil
	}
	di := e.disks[i]
	di.lock.Lock()
	defer di.lock.Unlock()
	if di.faulty {
		return nil
	}
	return di.disk
}

func (e *Engine) replacementDisk(i int) Disk {
	if i >= len(e.disks) {
		return nil
	}
	di := e.disks[i]
	di.lock.Lock()
	defer di.lock.Unlock()
	return di.replacement
}

// ioDone is the single device completion path. It runs on the device's
// completion goroutine, so it only updates slot state, escalates device
// health, and re-enqueues the stripe for a worker pass.
func (e *Engine) ioDone(st *Stripe, slot int, op core.OpType, repl, rewrite bool, err core.Error) {
	st.lock.Lock()
	d := &st.dev[slot]
	d.ios--
	if d.ios == 0 {
		d.locked = false
	}
	switch op {
	case core.OpRead:
		if err == core.NoError {
			d.uptodate = true
			d.readError = false
		} else {
			d.uptodate = false
			d.readError = true
		}
	case core.OpWrite, core.OpDiscard:
		if err != core.NoError {
			d.writeError = true
		} else if rewrite {
			d.reWrite = false
			metricReadErrors.Inc()
			log.Infof("disk %d: read error at sector %d corrected by rewrite", slot, st.sector)
		}
	case core.OpFlush:
		if err != core.NoError {
			d.writeError = true
		}
	}
	st.lock.Unlock()

	if err != core.NoError {
		e.escalate(st, slot, op, repl, rewrite, err)
		// An errored member cannot ride a coalesced write; the group
		// dissolves and everyone finishes on their own.
		e.breakBatch(st)
	}

	// Pending must be visible before inflight drops so the stripe can
	// never look idle while this completion still owns it.
	st.markPending()
	atomic.AddInt32(&st.inflight, -1)
	e.sched.enqueue(st)
}

// escalate turns an I/O error into device-level consequences.
func (e *Engine) escalate(st *Stripe, slot int, op core.OpType, repl, rewrite bool, err core.Error) {
	switch {
	case repl:
		e.dropReplacement(slot, err)
	case op == core.OpRead:
		if e.disks[slot].noteReadError(st.sector, e.cfg.MaxReadErrors) {
			e.markFaulty(slot, "read error budget exhausted")
		} else {
			log.Errorf("disk %d: read error at sector %d: %s", slot, st.sector, err)
		}
	case rewrite:
		// A failed corrective rewrite is contained to the block if the
		// device can remember it.
		if e.badBlock(slot, st.sector) != core.NoError {
			e.markFaulty(slot, "bad block table full")
		}
	case op == core.OpFlush:
		e.markFaulty(slot, "flush failed: "+err.Error())
	default:
		// The block stays reconstructible from the rest of the row; the
		// device is demoted only when it can no longer remember the range.
		log.Errorf("disk %d: write error at sector %d: %s", slot, st.sector, err)
		if e.badBlock(slot, st.sector) != core.NoError {
			e.markFaulty(slot, "bad block table full")
		}
	}
}

// dropReplacement abandons a replacement device that failed mid-populate.
func (e *Engine) dropReplacement(slot int, err core.Error) {
	di := e.disks[slot]
	di.lock.Lock()
	r := di.replacement
	di.replacement = nil
	di.lock.Unlock()
	if r != nil {
		log.Errorf("disk %d: replacement failed while populating (%s), detached", slot, err)
		r.Stop()
	}
}

// badBlock records one stripe-sized bad range on a member device.
func (e *Engine) badBlock(slot int, sector core.Sector) core.Error {
	di := e.disks[slot]
	di.lock.Lock()
	disk := di.disk
	di.lock.Unlock()
	if disk == nil {
		return core.ErrNoSuchDevice
	}
	return disk.SetBadBlock(sector, int(core.BlockSectors))
}

//
// Deferred device writes
//

// pendingWrite is one queued device write; the heap orders them by sector so
// batches reach rotational media in ascending order.
type pendingWrite struct {
	disk Disk
	req  *DiskRequest
}

type pendingHeap []pendingWrite

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i].req.Sector < h[j].req.Sector }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(pendingWrite)) }
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// pendingQueue batches member-device writes and issues each batch in
// ascending sector order. Reads and barriers never wait here.
type pendingQueue struct {
	eng   *Engine
	batch int

	lock     sync.Mutex
	cond     sync.Cond
	heap     pendingHeap
	stopping bool
	done     chan struct{}
}

func newPendingQueue(e *Engine, batch int) *pendingQueue {
	if batch < 1 {
		batch = 1
	}
	q := &pendingQueue{eng: e, batch: batch, done: make(chan struct{})}
	q.cond.L = &q.lock
	go q.flusher()
	return q
}

func (q *pendingQueue) add(disk Disk, req *DiskRequest) {
	q.lock.Lock()
	if q.stopping {
		q.lock.Unlock()
		disk.Submit(req)
		return
	}
	heap.Push(&q.heap, pendingWrite{disk: disk, req: req})
	q.cond.Signal()
	q.lock.Unlock()
}

// flusher issues full batches immediately; a partial batch gets a brief
// grace period to fill before it is swept anyway, so a trickle of writes
// never stalls.
func (q *pendingQueue) flusher() {
	defer close(q.done)
	for {
		q.lock.Lock()
		for q.heap.Len() == 0 && !q.stopping {
			q.cond.Wait()
		}
		if q.stopping && q.heap.Len() == 0 {
			q.lock.Unlock()
			return
		}
		if q.heap.Len() < q.batch && !q.stopping {
			q.lock.Unlock()
			time.Sleep(time.Millisecond)
			q.lock.Lock()
		}
		out := make([]pendingWrite, 0, q.heap.Len())
		for q.heap.Len() > 0 {
			out = append(out, heap.Pop(&q.heap).(pendingWrite))
		}
		q.lock.Unlock()

		for _, w := range out {
			w.disk.Submit(w.req)
		}
	}
}

func (q *pendingQueue) stop() {
	q.lock.Lock()
	q.stopping = true
	q.cond.Signal()
	q.lock.Unlock()
	<-q.done
}
