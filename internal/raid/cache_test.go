// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid

import (
	"testing"
	"time"

	"github.com/westerndigitalcorporation/striped/internal/core"
)

func TestCacheSameKeySameStripe(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))
	g := e.snapshot().cur
	gen := e.cache.generation()

	a := e.cache.acquire(0, gen, false, g, 0)
	b := e.cache.acquire(0, gen, false, g, 0)
	if a != b {
		t.Fatal("two acquisitions of one key returned different stripes")
	}
	if a.refcount != 2 {
		t.Fatalf("refcount = %d, want 2", a.refcount)
	}
	c := e.cache.acquire(core.BlockSectors, gen, false, g, 0)
	if c == a {
		t.Fatal("different keys share a stripe")
	}
	e.cache.release(a)
	e.cache.release(b)
	e.cache.release(c)
	waitIdle(t, e)
}

func TestCacheExhaustionNonBlocking(t *testing.T) {
	cfg := testConfig(core.RAID5, 4)
	cfg.MaxCacheStripes = cfg.CacheStripes // pin the pool so pressure cannot grow it
	e, _ := newTestEngine(t, cfg)
	g := e.snapshot().cur
	gen := e.cache.generation()

	size, _ := e.cache.stats()
	var held []*Stripe
	// Drain the pool completely. Per-shard free lists drain unevenly, so
	// keep going until a non-blocking acquire says no.
	sector := core.Sector(0)
	for len(held) <= size {
		st := e.cache.acquire(sector, gen, false, g, acqNoBlock)
		if st == nil {
			break
		}
		held = append(held, st)
		sector += core.BlockSectors
	}
	if len(held) > size {
		t.Fatalf("acquired %d stripes from a pool of %d", len(held), size)
	}
	if st := e.cache.acquire(sector, gen, false, g, acqNoBlock); st != nil {
		t.Fatal("exhausted cache still handed out a stripe")
	}

	// Releasing one frees exactly one key's worth of room in its shard.
	victim := held[len(held)-1]
	freedSector := victim.sector
	e.cache.release(victim)
	held = held[:len(held)-1]
	if st := e.cache.acquire(freedSector, gen, false, g, acqNoBlock); st == nil {
		t.Fatal("released stripe could not be reacquired")
	} else {
		e.cache.release(st)
	}

	for _, st := range held {
		e.cache.release(st)
	}
	waitIdle(t, e)
}

func TestCacheBlockingAcquireWakes(t *testing.T) {
	cfg := testConfig(core.RAID5, 4)
	cfg.MaxCacheStripes = cfg.CacheStripes
	e, _ := newTestEngine(t, cfg)
	g := e.snapshot().cur
	gen := e.cache.generation()

	// Exhaust one shard: keys that hash to shard 0 are BlockSectors apart
	// times the shard count.
	stride := core.Sector(cacheShards) * core.BlockSectors
	var held []*Stripe
	sector := core.Sector(0)
	for {
		st := e.cache.acquire(sector, gen, false, g, acqNoBlock)
		if st == nil {
			break
		}
		held = append(held, st)
		sector += stride
	}

	got := make(chan *Stripe)
	go func() {
		got <- e.cache.acquire(sector, gen, false, g, 0)
	}()
	select {
	case <-got:
		t.Fatal("blocking acquire returned from an exhausted shard")
	case <-time.After(20 * time.Millisecond):
	}

	e.cache.release(held[0])
	select {
	case st := <-got:
		e.cache.release(st)
	case <-time.After(5 * time.Second):
		t.Fatal("blocking acquire never woke after a release")
	}
	for _, st := range held[1:] {
		e.cache.release(st)
	}
	waitIdle(t, e)
}

func TestCachePeekNeverCreates(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))
	g := e.snapshot().cur
	gen := e.cache.generation()

	if st := e.cache.peek(0, gen); st != nil {
		t.Fatal("peek created a stripe")
	}
	st := e.cache.acquire(0, gen, false, g, 0)
	p := e.cache.peek(0, gen)
	if p != st {
		t.Fatal("peek missed a resident stripe")
	}
	e.cache.release(p)
	e.cache.release(st)

	// Still resident on the inactive list; peek revives it.
	p = e.cache.peek(0, gen)
	if p == nil {
		t.Fatal("peek missed an inactive resident stripe")
	}
	e.cache.release(p)
	waitIdle(t, e)
}

func TestCacheQuiesce(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))
	g := e.snapshot().cur
	gen := e.cache.generation()

	st := e.cache.acquire(0, gen, false, g, 0)

	quiesced := make(chan struct{})
	go func() {
		e.cache.startQuiesce()
		close(quiesced)
	}()
	select {
	case <-quiesced:
		t.Fatal("quiesce completed with a stripe checked out")
	case <-time.After(20 * time.Millisecond):
	}

	e.cache.release(st)
	select {
	case <-quiesced:
	case <-time.After(5 * time.Second):
		t.Fatal("quiesce never completed after the last release")
	}

	// Normal acquisitions wait out the quiesce; reshape bookkeeping
	// gets through.
	got := make(chan *Stripe)
	go func() {
		got <- e.cache.acquire(0, gen, false, g, 0)
	}()
	select {
	case <-got:
		t.Fatal("acquire got through a quiesced cache")
	case <-time.After(20 * time.Millisecond):
	}
	inner := e.cache.acquire(core.BlockSectors, gen, false, g, acqNoQuiesce)
	if inner == nil {
		t.Fatal("acqNoQuiesce was refused")
	}
	e.cache.release(inner)

	e.cache.endQuiesce()
	select {
	case st := <-got:
		e.cache.release(st)
	case <-time.After(5 * time.Second):
		t.Fatal("acquire never resumed after endQuiesce")
	}
	waitIdle(t, e)
}

func TestCacheShrinkAndGrow(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))

	size, _ := e.cache.stats()
	freed := e.cache.shrink(size / 2)
	if freed == 0 {
		t.Fatal("idle cache refused to shrink")
	}
	if got, _ := e.cache.stats(); got != size-freed {
		t.Fatalf("size %d after freeing %d of %d", got, freed, size)
	}
	e.cache.grow(freed, len(e.disks))
	if got, _ := e.cache.stats(); got != size {
		t.Fatalf("size %d after regrowing, want %d", got, size)
	}

	// The array still works at the smaller and regrown sizes.
	want := pattern(0, 48)
	writeAt(t, e, 0, want)
	checkData(t, e, 0, want)
}

func TestCacheStaleGenerationUnmapped(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))
	g := e.snapshot().cur
	gen := e.cache.generation()

	st := e.cache.acquire(0, gen, false, g, 0)
	newGen := e.cache.bumpGeneration()
	e.cache.release(st)

	// The old-generation stripe may not be found again once released.
	if p := e.cache.peek(0, gen); p != nil {
		t.Fatal("stale-generation stripe still mapped after release")
	}
	fresh := e.cache.acquire(0, newGen, false, g, 0)
	if fresh.gen != newGen {
		t.Fatalf("fresh stripe carries generation %d, want %d", fresh.gen, newGen)
	}
	e.cache.release(fresh)
	waitIdle(t, e)
}

// A non-blocking acquire must not wait out a quiesce; the caller parks the
// request and retries once the quiesce lifts.
func TestCacheNoBlockDuringQuiesce(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))
	g := e.snapshot().cur
	gen := e.cache.generation()

	e.cache.startQuiesce()
	if st := e.cache.acquire(0, gen, false, g, acqNoBlock); st != nil {
		t.Fatal("noblock acquire returned a stripe during quiesce")
	}
	e.cache.endQuiesce()

	st := e.cache.acquire(0, gen, false, g, acqNoBlock)
	if st == nil {
		t.Fatal("noblock acquire failed after the quiesce ended")
	}
	e.cache.release(st)
	waitIdle(t, e)
}
