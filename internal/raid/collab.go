// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid

import (
	"sync"

	"github.com/westerndigitalcorporation/striped/internal/core"
)

// Bitmap is the write-intent bitmap collaborator. The engine marks ranges
// dirty before writing and clean once writes are fully down, and brackets
// resync passes with StartSync/EndSync. The engine never looks inside the
// bitmap; it only honors its durability answer.
type Bitmap interface {
	// MarkDirty records intent to write the range. The return value says
	// whether the record is already durable; when false the affected
	// stripes wait on a bitmap-delay list until Flush completes.
	MarkDirty(start core.Sector, n core.Sector) (durable bool)

	// MarkClean records that the range is fully written and parity-
	// consistent.
	MarkClean(start core.Sector, n core.Sector)

	// StartSync asks whether the range needs resync and records that one
	// is beginning.
	StartSync(start core.Sector, n core.Sector) (needed bool)

	// EndSync records that resync of the range finished.
	EndSync(start core.Sector, n core.Sector)

	// Flush makes all prior MarkDirty records durable.
	Flush()
}

// nullBitmap is the bitmap used when none is configured: everything is
// always durable and everything always needs sync.
type nullBitmap struct{}

func (nullBitmap) MarkDirty(core.Sector, core.Sector) bool { return true }
func (nullBitmap) MarkClean(core.Sector, core.Sector)      {}
func (nullBitmap) StartSync(core.Sector, core.Sector) bool { return true }
func (nullBitmap) EndSync(core.Sector, core.Sector)        {}
func (nullBitmap) Flush()                                  {}

// Journal is the write-back journal / partial-parity log collaborator. Its
// presence disables stripe batching; a journal disk error forces degraded
// handling of everything in flight.
type Journal interface {
	// CommitStripe hands the drained blocks of a stripe to the journal for
	// pre-commit. The engine defers the member-device writes until it
	// returns.
	CommitStripe(sector core.Sector, blocks [][]byte) core.Error

	// DiskError reports whether the journal device itself has failed.
	DiskError() bool
}

// MetadataStore persists engine checkpoints. internal/meta provides the
// bolt-backed production implementation.
type MetadataStore interface {
	Checkpoint(cp core.Checkpoint) core.Error
	Load() (core.Checkpoint, core.Error)
}

// memMeta is an in-memory MetadataStore for engines that don't need
// persistence (and for tests).
type memMeta struct {
	lock sync.Mutex
	cp   core.Checkpoint
	ok   bool
}

func (m *memMeta) Checkpoint(cp core.Checkpoint) core.Error {
	m.lock.Lock()
	m.cp = cp
	m.ok = true
	m.lock.Unlock()
	return core.NoError
}

func (m *memMeta) Load() (core.Checkpoint, core.Error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.ok {
		return core.Checkpoint{ReshapeProgress: core.MaxSector}, core.NoError
	}
	return m.cp, core.NoError
}
