// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid

import (
	"fmt"

	"github.com/westerndigitalcorporation/striped/internal/core"
)

// geometry is one complete description of how logical array sectors map onto
// member devices: disk count, chunk size, level and parity rotation. During a
// reshape two geometries are live at once and the frontier decides which one
// a sector belongs to.
type geometry struct {
	disks  int
	chunk  core.Sector // sectors per chunk, multiple of core.BlockSectors
	level  core.Level
	layout core.Layout
}

func (g geometry) dataDisks() int {
	return g.disks - g.level.ParityDisks()
}

func (g geometry) maxDegraded() int {
	return g.level.ParityDisks()
}

// capacity is the usable logical size of the array for devices of devSectors
// usable sectors each.
func (g geometry) capacity(devSectors core.Sector) core.Sector {
	perDev := devSectors - devSectors%g.chunk
	return perDev * core.Sector(g.dataDisks())
}

func (g geometry) validate() error {
	if g.disks < g.level.ParityDisks()+1 {
		return fmt.Errorf("%d devices is too few for level %d", g.disks, g.level)
	}
	if g.chunk == 0 || g.chunk%core.BlockSectors != 0 {
		return fmt.Errorf("chunk of %d sectors is not a multiple of %d", g.chunk, core.BlockSectors)
	}
	if g.level == core.RAID4 && g.layout != core.ParityLast {
		return fmt.Errorf("level 4 requires the parity-last layout")
	}
	if g.level != core.RAID4 && g.layout == core.ParityLast {
		return fmt.Errorf("parity-last layout requires level 4")
	}
	if g.level == core.RAID6 && (g.layout != core.LeftSymmetric && g.layout != core.LeftAsymmetric) {
		return fmt.Errorf("level 6 supports only left-symmetric and left-asymmetric layouts")
	}
	return nil
}

// parityIdx returns the device slots holding P (and Q for dual parity,
// otherwise -1) for the given chunk row, plus the device slot of logical
// data disk dd for that row.
func (g geometry) parityIdx(row core.Sector, dd int) (dev, pd, qd int) {
	n := g.disks
	switch g.level {
	case core.RAID4:
		pd, qd = n-1, -1
		dev = dd
	case core.RAID5:
		qd = -1
		switch g.layout {
		case core.LeftAsymmetric:
			pd = (n - 1) - int(row%core.Sector(n))
			dev = dd
			if dev >= pd {
				dev++
			}
		case core.RightAsymmetric:
			pd = int(row % core.Sector(n))
			dev = dd
			if dev >= pd {
				dev++
			}
		case core.LeftSymmetric:
			pd = (n - 1) - int(row%core.Sector(n))
			dev = (pd + 1 + dd) % n
		case core.RightSymmetric:
			pd = int(row % core.Sector(n))
			dev = (pd + 1 + dd) % n
		}
	case core.RAID6:
		switch g.layout {
		case core.LeftAsymmetric:
			pd = (n - 1) - int(row%core.Sector(n))
			qd = (pd + 1) % n
			dev = dd
			if pd == n-1 {
				// Q wrapped to slot 0; data shifts up by one.
				dev++
			} else if dev >= pd {
				dev += 2
			}
		case core.LeftSymmetric:
			pd = (n - 1) - int(row%core.Sector(n))
			qd = (pd + 1) % n
			dev = (pd + 2 + dd) % n
		}
	}
	return dev, pd, qd
}

// mapSector maps an array logical sector to its stripe: the device-local
// stripe sector shared by every member, the device slot holding the data, and
// the parity slots for that row.
func (g geometry) mapSector(logical core.Sector) (stripe core.Sector, dev, pd, qd int) {
	bpc := g.chunk / core.BlockSectors
	block := logical / core.BlockSectors
	chunkNo := block / bpc
	blkInChunk := block % bpc

	dd := int(chunkNo % core.Sector(g.dataDisks()))
	row := chunkNo / core.Sector(g.dataDisks())

	dev, pd, qd = g.parityIdx(row, dd)
	stripe = (row*bpc + blkInChunk) * core.BlockSectors
	return stripe, dev, pd, qd
}

// blockNr is the inverse of mapSector: given a stripe sector and a device
// slot it returns the array logical sector stored there, or ok=false for
// parity slots.
func (g geometry) blockNr(stripe core.Sector, dev int) (logical core.Sector, ok bool) {
	bpc := g.chunk / core.BlockSectors
	devBlock := stripe / core.BlockSectors
	row := devBlock / bpc
	blkInChunk := devBlock % bpc

	for dd := 0; dd < g.dataDisks(); dd++ {
		d, _, _ := g.parityIdx(row, dd)
		if d == dev {
			chunkNo := row*core.Sector(g.dataDisks()) + core.Sector(dd)
			return (chunkNo*bpc + blkInChunk) * core.BlockSectors, true
		}
	}
	return 0, false
}

// dataOrder returns, for the chunk row containing the given stripe sector,
// the device slot of each logical data index in order. Parity computation
// feeds blocks to the codec in this order so that reconstruction is stable
// across layouts.
func (g geometry) dataOrder(stripe core.Sector) []int {
	bpc := g.chunk / core.BlockSectors
	row := (stripe / core.BlockSectors) / bpc
	order := make([]int, g.dataDisks())
	for dd := range order {
		d, _, _ := g.parityIdx(row, dd)
		order[dd] = d
	}
	return order
}

// blockStart rounds a sector down to the start of the block it falls in.
func blockStart(sector core.Sector) core.Sector {
	return sector - sector%core.BlockSectors
}

// geomSnapshot is the atomically-published view of array geometry that
// request mapping reads without locks. A new snapshot is published for every
// change to the fields here; gen orders them. Requests re-check the snapshot
// after acquiring a stripe to detect a concurrent layout change and retry.
type geomSnapshot struct {
	gen uint64

	cur geometry

	// Reshape state. prev is the source geometry; progress is the migration
	// frontier in array logical sectors, MaxSector when idle.
	reshaping bool
	backwards bool
	prev      geometry
	progress  core.Sector
}

// mapsPrevious reports whether a logical sector still lives in the previous
// geometry, i.e. the reshape frontier has not migrated it yet.
func (s *geomSnapshot) mapsPrevious(logical core.Sector) bool {
	if !s.reshaping {
		return false
	}
	if s.backwards {
		return logical < s.progress
	}
	return logical >= s.progress
}

// geomFor picks the live geometry for a sector.
func (s *geomSnapshot) geomFor(logical core.Sector) (geometry, bool) {
	if s.mapsPrevious(logical) {
		return s.prev, true
	}
	return s.cur, false
}
