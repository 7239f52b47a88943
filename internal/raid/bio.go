// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid

import (
	"sync/atomic"

	"github.com/westerndigitalcorporation/striped/internal/core"
)

// Bio is one logical I/O request against the array, the single entry point
// from the block layer. A bio may span many stripes; the engine splits it,
// tracks the outstanding pieces, and invokes Done exactly once when the last
// piece finishes. The first error wins.
type Bio struct {
	// Sector is the starting array logical sector.
	Sector core.Sector

	// Data is the payload for writes and the destination for reads. Its
	// length must be a sector multiple. Discard and flush bios carry none.
	Data []byte

	// Count is the length in sectors for bios that carry no payload
	// (discard, flush). Ignored when Data is set.
	Count core.Sector

	// Op is the request direction.
	Op core.OpType

	// Flush marks a write that must act as a write barrier on the member
	// devices. Stripes with differing flush semantics never share a batch.
	Flush bool

	// Done is called exactly once with the final status. It runs on an
	// engine goroutine and must not block.
	Done func(err core.Error)

	// remaining counts outstanding stripe pieces plus one reference held by
	// the splitter itself.
	remaining int32

	// err is the sticky first error, stored as a core.Error.
	err int32

	// noFast forces the bio through the stripe cache even if it would
	// qualify for the aligned-read fast path. Set on fast-path fallback.
	noFast bool
}

// Sectors is the length of the request in sectors.
func (b *Bio) Sectors() core.Sector {
	if b.Data == nil {
		return b.Count
	}
	return core.Sector(len(b.Data) / core.SectorSize)
}

// End is the first sector past the request.
func (b *Bio) End() core.Sector {
	return b.Sector + b.Sectors()
}

func (b *Bio) addRef() {
	atomic.AddInt32(&b.remaining, 1)
}

// endPiece drops one reference, recording err if it is the first failure.
// The Done callback fires when the last reference is dropped.
func (b *Bio) endPiece(err core.Error) {
	if err != core.NoError {
		atomic.CompareAndSwapInt32(&b.err, int32(core.NoError), int32(err))
	}
	if atomic.AddInt32(&b.remaining, -1) == 0 && b.Done != nil {
		b.Done(core.Error(atomic.LoadInt32(&b.err)))
	}
}

// sliceFor returns the byte range of b covering the block that starts at
// logical sector blockLogical, as an offset into b.Data plus the byte offset
// within the block.
func (b *Bio) sliceFor(blockLogical core.Sector) (data []byte, blockOff int) {
	start, end := b.Sector, b.End()
	bs, be := blockLogical, blockLogical+core.BlockSectors
	if start < bs {
		start = bs
	}
	if end > be {
		end = be
	}
	if start >= end {
		return nil, 0
	}
	off := (start - b.Sector) * core.SectorSize
	n := (end - start) * core.SectorSize
	return b.Data[off : off+n], int((start - bs) * core.SectorSize)
}

// coversBlock reports whether b fully overwrites the block starting at
// blockLogical. Full overwrites never need the block's old contents.
func (b *Bio) coversBlock(blockLogical core.Sector) bool {
	return b.Sector <= blockLogical && b.End() >= blockLogical+core.BlockSectors
}
