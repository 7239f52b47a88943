// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/striped/internal/core"
)

// testConfig returns a small but fully functional configuration. DevSectors
// is kept low so passes over the whole array stay fast.
func testConfig(level core.Level, disks int) Config {
	cfg := DefaultConfig
	cfg.Level = level
	cfg.Disks = disks
	cfg.ChunkSectors = 16
	cfg.DevSectors = 512
	cfg.CacheStripes = 64
	cfg.MinCacheStripes = 16
	cfg.MaxCacheStripes = 128
	if level == core.RAID4 {
		cfg.Layout = core.ParityLast
	}
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, []*MemDisk) {
	t.Helper()
	var mems []*MemDisk
	var disks []Disk
	for i := 0; i < cfg.Disks; i++ {
		m := NewMemDisk(cfg.DevSectors)
		mems = append(mems, m)
		disks = append(disks, m)
	}
	e, err := NewEngine(&cfg, disks, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %s", err)
	}
	t.Cleanup(func() {
		e.Stop()
		for _, m := range mems {
			m.Stop()
		}
	})
	return e, mems
}

// doIO submits one bio and waits for its completion.
func doIO(t *testing.T, e *Engine, b *Bio) core.Error {
	t.Helper()
	ch := make(chan core.Error, 1)
	b.Done = func(err core.Error) { ch <- err }
	if err := e.MakeRequest(b); err != core.NoError {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("bio at sector %d never completed", b.Sector)
		return core.ErrIO
	}
}

func writeAt(t *testing.T, e *Engine, sector core.Sector, data []byte) {
	t.Helper()
	if err := doIO(t, e, &Bio{Sector: sector, Data: data, Op: core.OpWrite}); err != core.NoError {
		t.Fatalf("write at %d: %s", sector, err)
	}
}

func readAt(t *testing.T, e *Engine, sector core.Sector, n int) []byte {
	t.Helper()
	data := make([]byte, n*core.SectorSize)
	if err := doIO(t, e, &Bio{Sector: sector, Data: data, Op: core.OpRead}); err != core.NoError {
		t.Fatalf("read at %d: %s", sector, err)
	}
	return data
}

// pattern generates deterministic content that differs across sectors.
func pattern(sector core.Sector, sectors int) []byte {
	out := make([]byte, sectors*core.SectorSize)
	for i := range out {
		out[i] = byte(uint64(sector)*31 + uint64(i)*7 + 1)
	}
	return out
}

func checkData(t *testing.T, e *Engine, sector core.Sector, want []byte) {
	t.Helper()
	got := readAt(t, e, sector, len(want)/core.SectorSize)
	if !bytes.Equal(got, want) {
		t.Fatalf("data mismatch at sector %d", sector)
	}
}

// waitIdle waits for every stripe to drain back to the inactive lists.
func waitIdle(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, active := e.cache.stats(); active == 0 {
			return
		}
		if time.Now().After(deadline) {
			_, active := e.cache.stats()
			t.Fatalf("cache never drained, %d stripes still active", active)
		}
		time.Sleep(time.Millisecond)
	}
}

// dropCache evicts every idle stripe so subsequent reads must hit devices.
func dropCache(t *testing.T, e *Engine) {
	t.Helper()
	waitIdle(t, e)
	n := e.cache.shrink(1 << 30)
	e.cache.grow(n, len(e.disks))
}

func TestWriteReadRoundtrip(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))

	// Unaligned start, block-spanning length.
	want := pattern(3, 21)
	writeAt(t, e, 3, want)
	checkData(t, e, 3, want)

	// Overwrite part of it.
	over := pattern(100, 8)
	writeAt(t, e, 8, over)
	checkData(t, e, 8, over)
	checkData(t, e, 3, want[:5*core.SectorSize])
}

func TestReadUnwrittenIsZero(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))
	got := readAt(t, e, 64, 16)
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d of unwritten range is %#x", i, b)
		}
	}
}

// After writeback, P must equal the XOR of the data blocks on the raw
// devices, for every block row the write touched.
func TestParityOnDevices(t *testing.T) {
	cfg := testConfig(core.RAID5, 4)
	e, mems := newTestEngine(t, cfg)
	g := e.snapshot().cur

	rowSpan := int(g.chunk) * g.dataDisks()
	writeAt(t, e, 0, pattern(0, rowSpan))
	waitIdle(t, e)

	for dev := core.Sector(0); dev < g.chunk; dev += core.BlockSectors {
		_, _, pd, _ := g.mapSector(0)
		want := make([]byte, core.BlockSize)
		for i := 0; i < g.disks; i++ {
			if i == pd {
				continue
			}
			blk := mems[i].Peek(dev, core.BlockSize)
			for k := range want {
				want[k] ^= blk[k]
			}
		}
		got := mems[pd].Peek(dev, core.BlockSize)
		if !bytes.Equal(got, want) {
			t.Fatalf("parity mismatch on device block %d", dev)
		}
	}
}

func TestDegradedRead(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))

	want := pattern(0, 48)
	writeAt(t, e, 0, want)
	dropCache(t, e)

	if err := e.FailDisk(1); err != core.NoError {
		t.Fatalf("FailDisk: %s", err)
	}
	if e.Degraded() != 1 {
		t.Fatalf("degraded = %d, want 1", e.Degraded())
	}
	checkData(t, e, 0, want)
}

func TestWriteWhileDegraded(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))

	if err := e.FailDisk(2); err != core.NoError {
		t.Fatalf("FailDisk: %s", err)
	}
	want := pattern(16, 40)
	writeAt(t, e, 16, want)
	dropCache(t, e)
	checkData(t, e, 16, want)
}

func TestRAID6SurvivesTwoFailures(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID6, 5))

	want := pattern(0, 48)
	writeAt(t, e, 0, want)
	dropCache(t, e)

	e.FailDisk(0)
	e.FailDisk(3)
	if e.Degraded() != 2 {
		t.Fatalf("degraded = %d, want 2", e.Degraded())
	}
	if e.Failed() {
		t.Fatal("dual parity should survive two failures")
	}
	checkData(t, e, 0, want)

	// And writes still land.
	over := pattern(7, 24)
	writeAt(t, e, 8, over)
	dropCache(t, e)
	checkData(t, e, 8, over)
}

func TestRAID4Roundtrip(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID4, 4))

	want := pattern(5, 30)
	writeAt(t, e, 5, want)
	dropCache(t, e)
	checkData(t, e, 5, want)

	e.FailDisk(3) // the fixed parity device
	checkData(t, e, 5, want)
}

func TestRedundancyExhausted(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))

	writeAt(t, e, 0, pattern(0, 16))
	dropCache(t, e)

	e.FailDisk(0)
	e.FailDisk(1)
	if !e.Failed() {
		t.Fatal("two failures on single parity should fail the array")
	}
	data := make([]byte, 16*core.SectorSize)
	if err := doIO(t, e, &Bio{Sector: 0, Data: data, Op: core.OpRead}); err != core.ErrIO {
		t.Fatalf("read on dead range returned %s, want %s", err, core.ErrIO)
	}
}

func TestReadErrorCorrected(t *testing.T) {
	e, mems := newTestEngine(t, testConfig(core.RAID5, 4))
	g := e.snapshot().cur

	want := pattern(0, 48)
	writeAt(t, e, 0, want)
	dropCache(t, e)

	// Make the device holding logical block 0 fail its next read there.
	_, dev, _, _ := g.mapSector(0)
	mems[dev].FailReads(0, 1)

	checkData(t, e, 0, want[:core.BlockSize])
	if e.Degraded() != 0 {
		t.Fatalf("one correctable read error degraded the array")
	}

	// The corrective rewrite repaired the device copy in place.
	dropCache(t, e)
	checkData(t, e, 0, want[:core.BlockSize])
}

func TestReadErrorBudgetFailsDisk(t *testing.T) {
	cfg := testConfig(core.RAID5, 4)
	cfg.MaxReadErrors = 0
	e, mems := newTestEngine(t, cfg)
	g := e.snapshot().cur

	want := pattern(0, 48)
	writeAt(t, e, 0, want)
	dropCache(t, e)

	_, dev, _, _ := g.mapSector(0)
	mems[dev].FailReads(0, -1)

	// The read is still served by reconstruction.
	checkData(t, e, 0, want[:core.BlockSize])

	deadline := time.Now().Add(5 * time.Second)
	for e.Degraded() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("device was never failed despite exhausted error budget")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDiscard(t *testing.T) {
	e, mems := newTestEngine(t, testConfig(core.RAID5, 4))
	g := e.snapshot().cur
	rowSpan := g.chunk * core.Sector(g.dataDisks())

	writeAt(t, e, 0, pattern(0, int(rowSpan)))
	err := doIO(t, e, &Bio{Sector: 0, Count: rowSpan, Op: core.OpDiscard})
	if err != core.NoError {
		t.Fatalf("discard: %s", err)
	}
	waitIdle(t, e)

	// Every member block of the row carries the device's discard fill now.
	for i, m := range mems {
		blk := m.Peek(0, int(g.chunk)*core.SectorSize)
		for k, b := range blk {
			if b != 0xde {
				t.Fatalf("disk %d byte %d survived the discard: %#x", i, k, b)
			}
		}
	}
}

func TestDiscardPartialRowIsDropped(t *testing.T) {
	e, mems := newTestEngine(t, testConfig(core.RAID5, 4))
	g := e.snapshot().cur
	rowSpan := g.chunk * core.Sector(g.dataDisks())

	want := pattern(0, int(rowSpan))
	writeAt(t, e, 0, want)
	waitIdle(t, e)
	before := mems[0].Peek(0, core.BlockSize)

	// Covers most of the row but not all of it: nothing may be discarded.
	err := doIO(t, e, &Bio{Sector: 8, Count: rowSpan - 8, Op: core.OpDiscard})
	if err != core.NoError {
		t.Fatalf("discard: %s", err)
	}
	waitIdle(t, e)
	if !bytes.Equal(mems[0].Peek(0, core.BlockSize), before) {
		t.Fatal("partially covered row was discarded")
	}
	checkData(t, e, 0, want)
}

func TestFlush(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))

	// A write with a barrier.
	b := &Bio{Sector: 0, Data: pattern(0, 8), Op: core.OpWrite, Flush: true}
	if err := doIO(t, e, b); err != core.NoError {
		t.Fatalf("flush write: %s", err)
	}

	// A bare flush.
	if err := doIO(t, e, &Bio{Op: core.OpFlush}); err != core.NoError {
		t.Fatalf("flush: %s", err)
	}
}

func TestInvalidRequests(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))
	capacity := e.Capacity()

	cases := []*Bio{
		{Sector: 0, Data: nil, Op: core.OpRead},
		{Sector: 0, Data: make([]byte, 100), Op: core.OpWrite},  // not sector aligned
		{Sector: capacity, Data: make([]byte, 512), Op: core.OpRead}, // past the end
		{Sector: 0, Data: make([]byte, 512), Op: core.OpDiscard},    // discard carries no data
		{Sector: 0, Count: 0, Op: core.OpDiscard},
		{Sector: 0, Data: make([]byte, 512), Op: core.OpType(99)},
	}
	for i, b := range cases {
		if err := e.MakeRequest(b); err != core.ErrInvalidArgument {
			t.Errorf("case %d: got %s, want %s", i, err, core.ErrInvalidArgument)
		}
	}
}

func TestStopRejectsRequests(t *testing.T) {
	cfg := testConfig(core.RAID5, 4)
	var mems []*MemDisk
	var disks []Disk
	for i := 0; i < cfg.Disks; i++ {
		m := NewMemDisk(cfg.DevSectors)
		mems = append(mems, m)
		disks = append(disks, m)
	}
	e, err := NewEngine(&cfg, disks, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %s", err)
	}
	e.Stop()
	e.Stop() // idempotent

	b := &Bio{Sector: 0, Data: make([]byte, 512), Op: core.OpRead}
	if got := e.MakeRequest(b); got != core.ErrShutdown {
		t.Fatalf("got %s, want %s", got, core.ErrShutdown)
	}
	for _, m := range mems {
		m.Stop()
	}
}

func TestDeferredWrites(t *testing.T) {
	cfg := testConfig(core.RAID5, 4)
	cfg.DeferWrites = true
	cfg.PendingWriteBatch = 4
	e, _ := newTestEngine(t, cfg)

	want := pattern(0, 64)
	writeAt(t, e, 0, want)
	dropCache(t, e)
	checkData(t, e, 0, want)

	// A single small write must not stall below the batch size.
	one := pattern(99, 8)
	writeAt(t, e, 128, one)
	checkData(t, e, 128, one)
}

func TestFullStripeWriteBatching(t *testing.T) {
	cfg := testConfig(core.RAID5, 4)
	cfg.ChunkSectors = 32 // several blocks per chunk so stripes can chain
	e, _ := newTestEngine(t, cfg)
	g := e.snapshot().cur
	rowSpan := int(g.chunk) * g.dataDisks()

	// Full chunk rows arrive as full-overwrite stripes that coalesce.
	want := pattern(0, 2*rowSpan)
	writeAt(t, e, 0, want)
	dropCache(t, e)
	checkData(t, e, 0, want)
}

func TestConcurrentDisjointWriters(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))

	const writers = 8
	const span = 48
	var wg sync.WaitGroup
	errs := make([]core.Error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sector := core.Sector(w * span)
			ch := make(chan core.Error, 1)
			b := &Bio{
				Sector: sector,
				Data:   pattern(sector, span),
				Op:     core.OpWrite,
				Done:   func(err core.Error) { ch <- err },
			}
			if err := e.MakeRequest(b); err != core.NoError {
				errs[w] = err
				return
			}
			errs[w] = <-ch
		}(w)
	}
	wg.Wait()
	for w, err := range errs {
		if err != core.NoError {
			t.Fatalf("writer %d: %s", w, err)
		}
	}
	dropCache(t, e)
	for w := 0; w < writers; w++ {
		sector := core.Sector(w * span)
		checkData(t, e, sector, pattern(sector, span))
	}
}

func TestOverlappingWritesSerialize(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))

	// Two writes to the same sectors; both must complete and the range must
	// hold one of them afterwards, never a blend within a sector.
	a := pattern(1, 16)
	b := pattern(2, 16)
	var wg sync.WaitGroup
	for _, data := range [][]byte{a, b} {
		wg.Add(1)
		go func(data []byte) {
			defer wg.Done()
			ch := make(chan core.Error, 1)
			bio := &Bio{Sector: 0, Data: data, Op: core.OpWrite,
				Done: func(err core.Error) { ch <- err }}
			if err := e.MakeRequest(bio); err != core.NoError {
				t.Errorf("submit: %s", err)
				return
			}
			if err := <-ch; err != core.NoError {
				t.Errorf("write: %s", err)
			}
		}(data)
	}
	wg.Wait()

	got := readAt(t, e, 0, 16)
	for s := 0; s < 16; s++ {
		sec := got[s*core.SectorSize : (s+1)*core.SectorSize]
		fromA := bytes.Equal(sec, a[s*core.SectorSize:(s+1)*core.SectorSize])
		fromB := bytes.Equal(sec, b[s*core.SectorSize:(s+1)*core.SectorSize])
		if !fromA && !fromB {
			t.Fatalf("sector %d holds neither write", s)
		}
	}
}

func TestFastReadPath(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))

	want := pattern(0, core.BlockSectors)
	writeAt(t, e, 0, want)
	dropCache(t, e)

	// Single-block aligned read of a non-resident stripe takes the bypass:
	// the data must still be right, and no stripe may end up resident.
	got := readAt(t, e, 0, core.BlockSectors)
	if !bytes.Equal(got, want) {
		t.Fatal("fast read returned wrong data")
	}
	if st := e.cache.peek(0, e.cache.generation()); st != nil {
		e.cache.release(st)
		t.Fatal("bypass read populated the stripe cache")
	}

	// Sub-block reads qualify too.
	sub := readAt(t, e, 2, 3)
	if !bytes.Equal(sub, want[2*core.SectorSize:5*core.SectorSize]) {
		t.Fatal("sub-block fast read returned wrong data")
	}
}

func TestReplaceDiskIndexChecks(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))
	if err := e.ReplaceDisk(-1, NewMemDisk(16)); err != core.ErrNoSuchDevice {
		t.Errorf("negative index: %s", err)
	}
	if err := e.ReplaceDisk(9, NewMemDisk(16)); err != core.ErrNoSuchDevice {
		t.Errorf("out of range index: %s", err)
	}
	if err := e.FailDisk(9); err != core.ErrNoSuchDevice {
		t.Errorf("fail out of range: %s", err)
	}
}

func TestCapacityForLevels(t *testing.T) {
	for _, tc := range []struct {
		level core.Level
		disks int
		data  int
	}{
		{core.RAID4, 3, 2},
		{core.RAID5, 4, 3},
		{core.RAID6, 6, 4},
	} {
		cfg := testConfig(tc.level, tc.disks)
		e, _ := newTestEngine(t, cfg)
		want := cfg.DevSectors * core.Sector(tc.data)
		if got := e.Capacity(); got != want {
			t.Errorf("raid%d/%d: capacity %d, want %d", tc.level, tc.disks, got, want)
		}
	}
}

func TestStatusSnapshot(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID6, 5))
	st := e.Status()
	if st.Level != 6 || st.Disks != 5 || st.Degraded != 0 || st.Failed {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.CacheSize == 0 {
		t.Fatal("status reports an empty cache")
	}
	if st.Reshaping {
		t.Fatal("fresh array claims to be reshaping")
	}
	_ = fmt.Sprintf("%+v", st) // printable for the CLI
}

// A single-block read landing on one dead slot must still reconstruct when a
// second dead slot holds parity: the codec needs both rebuilt together even
// though the request names only one.
func TestRAID6DegradedReadSingleBlock(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID6, 5))
	g := e.snapshot().cur

	want := pattern(0, 48)
	writeAt(t, e, 0, want)
	dropCache(t, e)

	_, _, pd, qd := g.mapSector(0)
	var dataSlot int
	var dataBlock core.Sector
	for pos := core.Sector(0); pos < 48; pos += core.BlockSectors {
		if _, dev, _, _ := g.mapSector(pos); dev != pd && dev != qd {
			dataSlot, dataBlock = dev, pos
			break
		}
	}
	e.FailDisk(dataSlot)
	e.FailDisk(qd)

	got := readAt(t, e, dataBlock, int(core.BlockSectors))
	lo := int(dataBlock) * core.SectorSize
	if !bytes.Equal(got, want[lo:lo+int(core.BlockSectors)*core.SectorSize]) {
		t.Fatalf("reconstructed block at %d is wrong", dataBlock)
	}
}

// A write error is contained to a bad block on the member device; the array
// stays clean and reads reconstruct around the mark.
func TestWriteErrorMarksBadBlock(t *testing.T) {
	cfg := testConfig(core.RAID5, 4)
	e, mems := newTestEngine(t, cfg)
	g := e.snapshot().cur

	stripeSec, dev, _, _ := g.mapSector(0)
	mems[dev].FailWrites(stripeSec, 1)

	want := pattern(0, int(core.BlockSectors))
	writeAt(t, e, 0, want)
	waitIdle(t, e)

	if e.Degraded() != 0 {
		t.Fatalf("degraded = %d after a contained write error, want 0", e.Degraded())
	}
	if !mems[dev].HasBadBlock(stripeSec, int(core.BlockSectors)) {
		t.Fatal("write error did not mark a bad block")
	}

	dropCache(t, e)
	checkData(t, e, 0, want)
}

// Requests parked for retry when the engine stops must still complete,
// exactly once, with ErrShutdown.
func TestStopAbandonsDeferredBios(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))
	e.Stop()

	done := make(chan core.Error, 1)
	b := &Bio{Sector: 0, Data: make([]byte, core.BlockSize), Op: core.OpWrite}
	b.Done = func(err core.Error) { done <- err }
	atomic.StoreInt32(&b.remaining, 1)
	e.deferBio(b)

	select {
	case err := <-done:
		if err != core.ErrShutdown {
			t.Fatalf("deferred bio finished with %s, want %s", err, core.ErrShutdown)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("deferred bio never completed after stop")
	}
}
