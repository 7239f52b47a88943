// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Package parity computes and verifies the error-correcting blocks that make
// an array fault tolerant. Single parity (RAID4/5) is plain XOR; dual parity
// (RAID6) delegates the P,Q syndromes to a Reed-Solomon codec. Callers treat
// this as an opaque capability over fixed-size blocks.

package parity

import (
	"bytes"
	"errors"

	"github.com/klauspost/reedsolomon"
)

var (
	// ErrShardCount is returned when a block slice doesn't match the engine shape.
	ErrShardCount = errors.New("wrong number of blocks for this engine")

	// ErrVerifyFailed is returned when recomputed parity disagrees with the
	// stored parity blocks.
	ErrVerifyFailed = errors.New("parity verification failed")

	// ErrTooManyMissing is returned when more blocks are missing than the
	// parity can reconstruct.
	ErrTooManyMissing = errors.New("too many missing blocks to reconstruct")
)

// Engine computes parity over stripes of data+parity blocks. An Engine is
// safe for concurrent use; workers typically keep one per array geometry.
type Engine struct {
	data    int
	parity  int
	enc     reedsolomon.Encoder // nil when parity == 1 (pure XOR)
	blkSize int
}

// New returns an engine for stripes of 'data' data blocks followed by
// 'parity' parity blocks of 'blockSize' bytes each. parity must be 1 or 2.
func New(data, parity, blockSize int) (*Engine, error) {
	if data < 1 || parity < 1 || parity > 2 || blockSize < 1 {
		return nil, errors.New("bad engine shape")
	}
	e := &Engine{data: data, parity: parity, blkSize: blockSize}
	if parity == 2 {
		enc, err := reedsolomon.New(data, parity)
		if err != nil {
			return nil, err
		}
		e.enc = enc
	}
	return e, nil
}

// DataBlocks returns the number of data blocks per stripe.
func (e *Engine) DataBlocks() int { return e.data }

// ParityBlocks returns the number of parity blocks per stripe.
func (e *Engine) ParityBlocks() int { return e.parity }

// Encode fills blocks[data:] with fresh parity computed from blocks[:data].
// All blocks must be allocated and blockSize long.
func (e *Engine) Encode(blocks [][]byte) error {
	if len(blocks) != e.data+e.parity {
		return ErrShardCount
	}
	if e.enc != nil {
		return e.enc.Encode(blocks)
	}
	p := blocks[e.data]
	copy(p, blocks[0])
	for _, b := range blocks[1:e.data] {
		XorInto(p, b)
	}
	return nil
}

// Reconstruct fills in the nil entries of blocks from the remaining ones and
// verifies the result. At most ParityBlocks entries may be nil. Reconstructed
// entries are allocated by the engine.
func (e *Engine) Reconstruct(blocks [][]byte) error {
	if len(blocks) != e.data+e.parity {
		return ErrShardCount
	}
	missing := 0
	for _, b := range blocks {
		if b == nil {
			missing++
		}
	}
	if missing == 0 {
		return nil
	}
	if missing > e.parity {
		return ErrTooManyMissing
	}
	if e.enc != nil {
		// The RS codec wants missing pieces left as nil, same as we take them.
		if err := e.enc.Reconstruct(blocks); err != nil {
			return err
		}
		if ok, err := e.enc.Verify(blocks); err != nil {
			return err
		} else if !ok {
			return ErrVerifyFailed
		}
		return nil
	}
	// Single parity: the one missing block is the XOR of all the others.
	idx := -1
	out := make([]byte, e.blkSize)
	for i, b := range blocks {
		if b == nil {
			idx = i
			continue
		}
		XorInto(out, b)
	}
	blocks[idx] = out
	return nil
}

// Verify recomputes parity from blocks[:data] and compares it against
// blocks[data:]. It never mutates its input.
func (e *Engine) Verify(blocks [][]byte) (bool, error) {
	if len(blocks) != e.data+e.parity {
		return false, ErrShardCount
	}
	for _, b := range blocks {
		if b == nil {
			return false, ErrShardCount
		}
	}
	if e.enc != nil {
		return e.enc.Verify(blocks)
	}
	p := make([]byte, e.blkSize)
	for _, b := range blocks[:e.data] {
		XorInto(p, b)
	}
	return bytes.Equal(p, blocks[e.data]), nil
}

// XorInto xors src into dst in place. Used directly by the read-modify-write
// path to subtract old data from old parity before adding new data back in.
func XorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}
