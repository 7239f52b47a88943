// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid

import (
	"sync"

	"github.com/golang/groupcache/lru"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/striped/internal/core"
)

// DiskRequest is one device-level I/O built by the dispatcher. Submission is
// asynchronous: the device calls Done from its own completion context, and
// Done must only record state and enqueue work, never run stripe logic
// inline.
type DiskRequest struct {
	Op     core.OpType
	Sector core.Sector // physical sector on the member device
	Data   []byte      // exactly one block for reads/writes, nil for discard/flush
	Done   func(err core.Error)
}

// Disk is the block-I/O collaborator for one member device. Implementations
// wrap real block devices; MemDisk is the in-memory one used by tests and
// tooling. All methods are thread-safe.
type Disk interface {
	// Submit queues one I/O. The request's Done callback fires exactly once.
	Submit(req *DiskRequest)

	// HasBadBlock reports whether any sector in [sector, sector+n) is
	// marked bad.
	HasBadBlock(sector core.Sector, n int) bool

	// SetBadBlock marks [sector, sector+n) bad. It fails if the device
	// cannot track more bad ranges, which escalates to device failure.
	SetBadBlock(sector core.Sector, n int) core.Error

	// Status returns lightweight health information.
	Status() core.DeviceStatus

	// Stop releases resources. Subsequent Submits complete with
	// ErrDeviceRemoved.
	Stop()
}

// diskInfo is the engine's per-slot view of one member device plus its
// optional replacement. It owns no stripe data; stripes reference slots by
// index.
type diskInfo struct {
	idx int

	lock sync.Mutex

	disk        Disk // nil if the slot is empty
	replacement Disk // being populated, nil normally

	faulty bool
	inSync bool

	// recoveryOffset is how far rebuild onto this slot (or its replacement)
	// has advanced. MaxSector means fully in sync.
	recoveryOffset core.Sector

	// readErrors remembers recent read-error sectors. Repeated errors
	// inside the window escalate the device to faulty.
	readErrors *lru.Cache
	errCount   int
}

func newDiskInfo(idx int, d Disk, window int) *diskInfo {
	return &diskInfo{
		idx:            idx,
		disk:           d,
		inSync:         d != nil,
		recoveryOffset: core.MaxSector,
		readErrors:     lru.New(window),
	}
}

// readable reports whether the primary device can serve reads right now.
func (di *diskInfo) readable() bool {
	di.lock.Lock()
	defer di.lock.Unlock()
	return di.disk != nil && !di.faulty && di.inSync
}

// writable reports whether writes should be issued to the primary device.
func (di *diskInfo) writable() bool {
	di.lock.Lock()
	defer di.lock.Unlock()
	return di.disk != nil && !di.faulty
}

// operational is readable-or-rebuildable; a slot that is not operational
// counts against redundancy.
func (di *diskInfo) operational() bool {
	di.lock.Lock()
	defer di.lock.Unlock()
	return di.disk != nil && !di.faulty
}

// noteReadError records one read error and reports whether the device has
// exhausted its error budget and must be failed.
func (di *diskInfo) noteReadError(sector core.Sector, budget int) bool {
	di.lock.Lock()
	defer di.lock.Unlock()
	if _, seen := di.readErrors.Get(sector); seen {
		// A sector that errors again after a successful rewrite is not
		// recovering; stop giving the device the benefit of the doubt.
		return true
	}
	di.readErrors.Add(sector, struct{}{})
	di.errCount++
	return di.errCount > budget
}

//
// MemDisk
//

// MemDisk is a memory-only implementation of the Disk interface, useful for
// testing and for the interactive CLI. I/O completes on a dedicated
// goroutine, mimicking a device's completion context. Failure injection
// knobs make whole-device and per-range errors reproducible.
type MemDisk struct {
	lock    sync.Mutex
	data    []byte
	bad     map[core.Sector]bool // per-sector bad marks
	stopped bool

	// Failure injection.
	failAll   bool                // every I/O fails
	failRead  map[core.Sector]int // remaining read failures per block start
	failWrite map[core.Sector]int // remaining write failures per block start
	maxBad    int

	reqs chan *DiskRequest
	done chan struct{}
}

// NewMemDisk returns a MemDisk of the given size in sectors.
func NewMemDisk(sectors core.Sector) *MemDisk {
	m := &MemDisk{
		data:   make([]byte, sectors*core.SectorSize),
		bad:    make(map[core.Sector]bool),
		maxBad: 512,
		reqs:   make(chan *DiskRequest, 128),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *MemDisk) run() {
	for req := range m.reqs {
		req.Done(m.execute(req))
	}
	close(m.done)
}

func (m *MemDisk) execute(req *DiskRequest) core.Error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.stopped {
		return core.ErrDeviceRemoved
	}
	if m.failAll {
		if req.Op == core.OpRead {
			return core.ErrReadFailed
		}
		return core.ErrWriteFailed
	}

	off := int(req.Sector) * core.SectorSize
	switch req.Op {
	case core.OpRead:
		if n, ok := m.failRead[req.Sector]; ok && n != 0 {
			if n > 0 {
				m.failRead[req.Sector] = n - 1
			}
			return core.ErrReadFailed
		}
		if off+len(req.Data) > len(m.data) {
			return core.ErrInvalidArgument
		}
		copy(req.Data, m.data[off:])
	case core.OpWrite:
		if n, ok := m.failWrite[req.Sector]; ok && n != 0 {
			if n > 0 {
				m.failWrite[req.Sector] = n - 1
			}
			return core.ErrWriteFailed
		}
		if off+len(req.Data) > len(m.data) {
			return core.ErrInvalidArgument
		}
		copy(m.data[off:], req.Data)
	case core.OpDiscard:
		// Deliberately scramble rather than zero: discarded contents are
		// undefined and nothing may depend on them.
		end := off + int(core.BlockSize)
		if end > len(m.data) {
			end = len(m.data)
		}
		for i := off; i < end; i++ {
			m.data[i] = 0xde
		}
	case core.OpFlush:
		// Memory is always durable enough.
	}
	return core.NoError
}

// Submit queues one I/O for asynchronous execution.
func (m *MemDisk) Submit(req *DiskRequest) {
	m.lock.Lock()
	stopped := m.stopped
	m.lock.Unlock()
	if stopped {
		req.Done(core.ErrDeviceRemoved)
		return
	}
	m.reqs <- req
}

// HasBadBlock reports whether the range intersects a bad mark.
func (m *MemDisk) HasBadBlock(sector core.Sector, n int) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i := core.Sector(0); i < core.Sector(n); i++ {
		if m.bad[sector+i] {
			return true
		}
	}
	return false
}

// SetBadBlock marks the range bad, failing once the table is full.
func (m *MemDisk) SetBadBlock(sector core.Sector, n int) core.Error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if len(m.bad)+n > m.maxBad {
		log.Errorf("memdisk: bad block table full (%d entries)", len(m.bad))
		return core.ErrBadBlock
	}
	for i := core.Sector(0); i < core.Sector(n); i++ {
		m.bad[sector+i] = true
	}
	return core.NoError
}

// Status returns device health.
func (m *MemDisk) Status() core.DeviceStatus {
	m.lock.Lock()
	defer m.lock.Unlock()
	return core.DeviceStatus{
		Healthy: !m.stopped && !m.failAll,
		Sectors: core.Sector(len(m.data) / core.SectorSize),
	}
}

// Stop shuts the completion goroutine down. In-flight requests drain first.
func (m *MemDisk) Stop() {
	m.lock.Lock()
	if m.stopped {
		m.lock.Unlock()
		return
	}
	m.stopped = true
	m.lock.Unlock()
	close(m.reqs)
	<-m.done
}

// FailAll makes every subsequent I/O fail, simulating a dead device.
func (m *MemDisk) FailAll(fail bool) {
	m.lock.Lock()
	m.failAll = fail
	m.lock.Unlock()
}

// FailReads makes the next n reads of the block at sector fail; n < 0 means
// fail forever.
func (m *MemDisk) FailReads(sector core.Sector, n int) {
	m.lock.Lock()
	if m.failRead == nil {
		m.failRead = make(map[core.Sector]int)
	}
	m.failRead[sector] = n
	m.lock.Unlock()
}

// FailWrites makes the next n writes of the block at sector fail; n < 0
// means fail forever.
func (m *MemDisk) FailWrites(sector core.Sector, n int) {
	m.lock.Lock()
	if m.failWrite == nil {
		m.failWrite = make(map[core.Sector]int)
	}
	m.failWrite[sector] = n
	m.lock.Unlock()
}

// Peek copies out the raw device contents for verification in tests.
func (m *MemDisk) Peek(sector core.Sector, n int) []byte {
	m.lock.Lock()
	defer m.lock.Unlock()
	off := int(sector) * core.SectorSize
	out := make([]byte, n)
	copy(out, m.data[off:])
	return out
}
