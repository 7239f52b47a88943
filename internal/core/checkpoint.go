// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Checkpoint is the durable progress record the engine hands to the metadata
// collaborator. It is written before a reshape or recovery frontier may be
// crossed in a crash-unsafe order.
type Checkpoint struct {
	// ReshapeProgress is the reshape frontier, MaxSector when no reshape is
	// running.
	ReshapeProgress Sector

	// Degraded is how many member devices are currently missing or faulty.
	Degraded int

	// RecoveryOffsets maps device slot index to how far recovery onto that
	// slot's replacement has advanced. Slots not being recovered are absent.
	RecoveryOffsets map[int]Sector
}
