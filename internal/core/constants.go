// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import "math"

// Sector is an absolute 512-byte sector number, either logical (within the
// array) or physical (within one member device); which one is clear from
// context.
type Sector uint64

// MaxSector is a sentinel meaning "no sector" / "past the end of everything".
// It is used for reshape progress when no reshape is running.
const MaxSector = Sector(math.MaxUint64)

const (
	// SectorSize is the unit all addressing is done in.
	SectorSize = 512

	// BlockSectors is the height of one stripe in sectors: each member
	// device contributes one BlockSize buffer per stripe.
	BlockSectors = 8

	// BlockSize is the size in bytes of one cached block.
	BlockSize = BlockSectors * SectorSize
)

// Level is the redundancy level of an array.
type Level int

const (
	// RAID4 keeps all parity on one fixed device.
	RAID4 Level = 4
	// RAID5 rotates single parity across devices.
	RAID5 Level = 5
	// RAID6 rotates P and Q syndromes across devices, tolerating two
	// simultaneous losses.
	RAID6 Level = 6
)

// ParityDisks returns the number of parity devices the level needs.
func (l Level) ParityDisks() int {
	if l == RAID6 {
		return 2
	}
	return 1
}

// Layout selects how parity rotates across devices from one chunk row to
// the next.
type Layout int

const (
	// LeftAsymmetric rotates parity right-to-left; data fills the
	// remaining slots in device order.
	LeftAsymmetric Layout = iota
	// RightAsymmetric rotates parity left-to-right; data fills the
	// remaining slots in device order.
	RightAsymmetric
	// LeftSymmetric rotates parity right-to-left; data starts just after
	// parity and wraps. This is the common default.
	LeftSymmetric
	// RightSymmetric rotates parity left-to-right; data starts just after
	// parity and wraps.
	RightSymmetric
	// ParityLast fixes parity on the final device(s). Used by RAID4.
	ParityLast
)

func (l Layout) String() string {
	switch l {
	case LeftAsymmetric:
		return "left-asymmetric"
	case RightAsymmetric:
		return "right-asymmetric"
	case LeftSymmetric:
		return "left-symmetric"
	case RightSymmetric:
		return "right-symmetric"
	case ParityLast:
		return "parity-last"
	}
	return "unknown"
}

// OpType is the kind of device-level I/O the dispatcher submits.
type OpType int

const (
	// OpRead reads one block.
	OpRead OpType = iota
	// OpWrite writes one block.
	OpWrite
	// OpDiscard tells the device the range is dead. No data travels.
	OpDiscard
	// OpFlush asks the device to persist previously completed writes.
	OpFlush
)

func (op OpType) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpDiscard:
		return "discard"
	case OpFlush:
		return "flush"
	}
	return "unknown"
}

// DeviceStatus is lightweight health information about one member device.
type DeviceStatus struct {
	// Healthy is false once the device has reported an unrecoverable
	// internal fault.
	Healthy bool

	// Sectors is the usable capacity of the device.
	Sectors Sector
}
