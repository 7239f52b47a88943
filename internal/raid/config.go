// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid

import (
	"fmt"
	"runtime"

	"github.com/westerndigitalcorporation/striped/internal/core"
)

// Config encapsulates parameters for one array engine.
type Config struct {
	// --- Array shape ---
	Level        core.Level
	Disks        int         // member device slots
	ChunkSectors core.Sector // chunk size in sectors, multiple of core.BlockSectors
	Layout       core.Layout
	DevSectors   core.Sector // usable sectors per member device

	// --- Stripe cache ---
	// CacheStripes is the initial stripe count. The management thread may
	// grow the pool toward MaxCacheStripes under pressure (memory
	// permitting) and shrink it toward MinCacheStripes when idle.
	CacheStripes    int
	MinCacheStripes int
	MaxCacheStripes int
	// GrowMemHeadroom is how much free memory must remain for the cache to
	// grow opportunistically, in bytes.
	GrowMemHeadroom uint64

	// --- Workers ---
	WorkerGroups    int // thread pools; stripes are spread across them
	WorkersPerGroup int
	HandleBatch     int // max stripes one worker pulls per pass

	// --- Write policy ---
	// ForceRCW disables read-modify-write entirely; every partial write
	// regenerates parity from scratch. Dual-parity arrays always run RCW.
	ForceRCW bool
	// PrereadBypassThreshold caps how many ready stripes may bypass the
	// delayed (preread-throttled) list before it must be serviced.
	PrereadBypassThreshold int
	// MaxPrereadActive limits stripes doing pre-reads at once; beyond it,
	// partial-write stripes are delayed to let fuller writes accumulate.
	MaxPrereadActive int

	// --- Deferred device writes ---
	// DeferWrites queues device writes in ascending sector order and issues
	// them in batches of PendingWriteBatch instead of immediately.
	DeferWrites       bool
	PendingWriteBatch int

	// --- Background work ---
	// SyncSectorsPerSec throttles resync/recovery/reshape. Zero disables
	// pacing.
	SyncSectorsPerSec float64
	// MaxReadErrors is how many recent read errors one device may
	// accumulate before it is failed outright.
	MaxReadErrors int
	// ReadErrorWindow is how many distinct recent error sectors are
	// remembered per device.
	ReadErrorWindow int
	// ReshapeSafeInterval is how many sectors the reshape frontier may run
	// ahead of the last checkpoint before another checkpoint is forced.
	ReshapeSafeInterval core.Sector

	// FastReads enables the cache-bypass path for chunk-aligned reads that
	// fit in one device block.
	FastReads bool
}

// Validate validates that the configuration has reasonable (not obviously
// wrong) values.
func (c *Config) Validate() error {
	g := geometry{disks: c.Disks, chunk: c.ChunkSectors, level: c.Level, layout: c.Layout}
	if err := g.validate(); err != nil {
		return err
	}
	if c.DevSectors < c.ChunkSectors {
		return fmt.Errorf("DevSectors %d is smaller than one chunk", c.DevSectors)
	}
	if c.CacheStripes < 4 {
		return fmt.Errorf("CacheStripes must be at least 4")
	}
	if c.MinCacheStripes > c.CacheStripes || c.MaxCacheStripes < c.CacheStripes {
		return fmt.Errorf("cache bounds must bracket CacheStripes")
	}
	if c.WorkerGroups < 1 || c.WorkersPerGroup < 1 {
		return fmt.Errorf("need at least one worker group with one worker")
	}
	if c.HandleBatch < 1 {
		return fmt.Errorf("HandleBatch must be positive")
	}
	return nil
}

// DefaultConfig specifies default values tuned for a mid-size array on
// commodity disks. Shape fields (Level, Disks, ChunkSectors, DevSectors)
// must still be filled in by the caller.
var DefaultConfig = Config{
	Layout: core.LeftSymmetric,

	CacheStripes:    256,
	MinCacheStripes: 64,
	MaxCacheStripes: 4096,
	GrowMemHeadroom: 256 << 20,

	WorkerGroups:    groupCount(),
	WorkersPerGroup: 2,
	HandleBatch:     8,

	PrereadBypassThreshold: 1,
	MaxPrereadActive:       32,

	PendingWriteBatch: 16,

	SyncSectorsPerSec: 0,
	MaxReadErrors:     16,
	ReadErrorWindow:   64,

	ReshapeSafeInterval: 8192,

	FastReads: true,
}

func groupCount() int {
	n := runtime.NumCPU() / 4
	if n < 1 {
		n = 1
	}
	return n
}
