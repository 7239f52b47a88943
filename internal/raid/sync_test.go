// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid

import (
	"bytes"
	"context"
	"testing"

	"github.com/westerndigitalcorporation/striped/internal/core"
)

// rawWrite bypasses the engine and scribbles straight onto a member device.
func rawWrite(t *testing.T, m *MemDisk, sector core.Sector, data []byte) {
	t.Helper()
	ch := make(chan core.Error, 1)
	m.Submit(&DiskRequest{
		Op:     core.OpWrite,
		Sector: sector,
		Data:   data,
		Done:   func(err core.Error) { ch <- err },
	})
	if err := <-ch; err != core.NoError {
		t.Fatalf("raw write: %s", err)
	}
}

func runSync(t *testing.T, e *Engine, action string) {
	t.Helper()
	if err := e.SetSyncAction(action); err != core.NoError {
		t.Fatalf("SetSyncAction(%s): %s", action, err)
	}
	if err := e.RunSync(context.Background()); err != core.NoError {
		t.Fatalf("%s pass: %s", action, err)
	}
}

func TestCheckCleanArray(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))
	writeAt(t, e, 0, pattern(0, 96))
	waitIdle(t, e)

	runSync(t, e, "check")
	if n := e.Mismatches(); n != 0 {
		t.Fatalf("clean array reported %d mismatched sectors", n)
	}
}

func TestCheckCountsAndRepairFixes(t *testing.T) {
	e, mems := newTestEngine(t, testConfig(core.RAID5, 4))
	g := e.snapshot().cur

	// Corrupt the parity block of row 0 behind the engine's back.
	_, _, pd, _ := g.mapSector(0)
	garbage := bytes.Repeat([]byte{0x5a}, core.BlockSize)
	rawWrite(t, mems[pd], 0, garbage)

	runSync(t, e, "check")
	if n := e.Mismatches(); n != core.BlockSectors {
		t.Fatalf("check found %d mismatched sectors, want %d", n, core.BlockSectors)
	}

	// Repair counts the row again, then rewrites parity.
	runSync(t, e, "repair")
	if n := e.Mismatches(); n != 2*core.BlockSectors {
		t.Fatalf("after repair mismatches = %d, want %d", n, 2*core.BlockSectors)
	}
	waitIdle(t, e)
	if got := mems[pd].Peek(0, core.BlockSize); !bytes.Equal(got, make([]byte, core.BlockSize)) {
		t.Fatal("repair did not rewrite the parity block")
	}

	// A further check pass finds nothing new.
	runSync(t, e, "check")
	if n := e.Mismatches(); n != 2*core.BlockSectors {
		t.Fatalf("repaired array reported new mismatches: %d", n)
	}
}

func TestCheckSurfacesDataCorruption(t *testing.T) {
	e, mems := newTestEngine(t, testConfig(core.RAID6, 5))
	g := e.snapshot().cur

	_, dev, _, _ := g.mapSector(0)
	rawWrite(t, mems[dev], 0, bytes.Repeat([]byte{0x77}, core.BlockSize))

	runSync(t, e, "check")
	if e.Mismatches() == 0 {
		t.Fatal("dual-parity check missed a corrupted data block")
	}
}

func TestSyncIdleByDefault(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(core.RAID5, 4))
	n, err := e.SyncRequest(0)
	if err != core.NoError || n != 0 {
		t.Fatalf("idle sync returned (%d, %s)", n, err)
	}
	if err := e.SetSyncAction("bogus"); err != core.ErrInvalidArgument {
		t.Fatalf("bogus action: %s", err)
	}
}

func TestRecoverRebuildsFailedDisk(t *testing.T) {
	cfg := testConfig(core.RAID5, 4)
	e, _ := newTestEngine(t, cfg)

	want := pattern(0, 96)
	writeAt(t, e, 0, want)
	tail := pattern(500, 48)
	writeAt(t, e, 500, tail)
	waitIdle(t, e)

	if err := e.FailDisk(1); err != core.NoError {
		t.Fatalf("FailDisk: %s", err)
	}
	fresh := NewMemDisk(cfg.DevSectors)
	if err := e.ReplaceDisk(1, fresh); err != core.NoError {
		t.Fatalf("ReplaceDisk: %s", err)
	}
	if err := e.RunSync(context.Background()); err != core.NoError {
		t.Fatalf("recovery: %s", err)
	}
	if e.Degraded() != 0 {
		t.Fatalf("degraded = %d after recovery", e.Degraded())
	}

	// Prove the rebuilt device really holds its share: lose another one.
	dropCache(t, e)
	if err := e.FailDisk(0); err != core.NoError {
		t.Fatalf("FailDisk: %s", err)
	}
	checkData(t, e, 0, want)
	checkData(t, e, 500, tail)
}

func TestReplacementPopulatesAndPromotes(t *testing.T) {
	cfg := testConfig(core.RAID5, 4)
	e, _ := newTestEngine(t, cfg)

	want := pattern(0, 144)
	writeAt(t, e, 0, want)
	waitIdle(t, e)

	// Hot replacement beside a healthy member.
	fresh := NewMemDisk(cfg.DevSectors)
	if err := e.ReplaceDisk(2, fresh); err != core.NoError {
		t.Fatalf("ReplaceDisk: %s", err)
	}
	// A second one for the same slot is refused while populating.
	if err := e.ReplaceDisk(2, NewMemDisk(cfg.DevSectors)); err != core.ErrBusy {
		t.Fatalf("double replace: %s", err)
	}
	if err := e.RunSync(context.Background()); err != core.NoError {
		t.Fatalf("populate: %s", err)
	}

	// The replacement owns the slot now; the array must survive without any
	// other member backing it up.
	dropCache(t, e)
	if err := e.FailDisk(0); err != core.NoError {
		t.Fatalf("FailDisk: %s", err)
	}
	checkData(t, e, 0, want)
}

func TestRecoverySurvivesWritesDuringRebuild(t *testing.T) {
	cfg := testConfig(core.RAID5, 4)
	cfg.SyncSectorsPerSec = 0 // unthrottled; interleaving comes from goroutines
	e, _ := newTestEngine(t, cfg)

	base := pattern(0, 96)
	writeAt(t, e, 0, base)
	waitIdle(t, e)

	e.FailDisk(1)
	fresh := NewMemDisk(cfg.DevSectors)
	if err := e.ReplaceDisk(1, fresh); err != core.NoError {
		t.Fatalf("ReplaceDisk: %s", err)
	}

	done := make(chan core.Error, 1)
	go func() { done <- e.RunSync(context.Background()) }()

	// Foreground writes land while the rebuild walks the array.
	mid := pattern(999, 48)
	writeAt(t, e, 192, mid)

	if err := <-done; err != core.NoError {
		t.Fatalf("recovery: %s", err)
	}
	dropCache(t, e)
	e.FailDisk(0)
	checkData(t, e, 0, base)
	checkData(t, e, 192, mid)
}
