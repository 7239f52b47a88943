// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package parity

import (
	"bytes"
	"math/rand"
	"testing"
)

func randBlocks(t *testing.T, n, size int) [][]byte {
	t.Helper()
	rng := rand.New(rand.NewSource(0x5747))
	blocks := make([][]byte, n)
	for i := range blocks {
		blocks[i] = make([]byte, size)
		rng.Read(blocks[i])
	}
	return blocks
}

func TestSingleParityIsXor(t *testing.T) {
	const size = 4096
	e, err := New(3, 1, size)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	blocks := randBlocks(t, 4, size)
	if err := e.Encode(blocks); err != nil {
		t.Fatalf("Encode: %s", err)
	}
	want := make([]byte, size)
	for _, b := range blocks[:3] {
		XorInto(want, b)
	}
	if !bytes.Equal(blocks[3], want) {
		t.Errorf("single parity block is not the xor of the data blocks")
	}
	if ok, err := e.Verify(blocks); err != nil || !ok {
		t.Errorf("Verify: ok=%v err=%v", ok, err)
	}
}

func TestSingleParityReconstruct(t *testing.T) {
	const size = 512
	e, _ := New(4, 1, size)
	blocks := randBlocks(t, 5, size)
	if err := e.Encode(blocks); err != nil {
		t.Fatalf("Encode: %s", err)
	}
	// Any single missing block, data or parity, comes back exactly.
	for miss := 0; miss < 5; miss++ {
		work := make([][]byte, 5)
		copy(work, blocks)
		work[miss] = nil
		if err := e.Reconstruct(work); err != nil {
			t.Fatalf("Reconstruct(miss=%d): %s", miss, err)
		}
		if !bytes.Equal(work[miss], blocks[miss]) {
			t.Errorf("block %d reconstructed wrong", miss)
		}
	}
}

func TestDualParityReconstructAllPairs(t *testing.T) {
	const size = 1024
	e, err := New(3, 2, size)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	blocks := randBlocks(t, 5, size)
	if err := e.Encode(blocks); err != nil {
		t.Fatalf("Encode: %s", err)
	}
	// Every pair of losses: 2 data, data+P, data+Q, P+Q.
	for a := 0; a < 5; a++ {
		for b := a + 1; b < 5; b++ {
			work := make([][]byte, 5)
			copy(work, blocks)
			work[a], work[b] = nil, nil
			if err := e.Reconstruct(work); err != nil {
				t.Fatalf("Reconstruct(%d,%d): %s", a, b, err)
			}
			if !bytes.Equal(work[a], blocks[a]) || !bytes.Equal(work[b], blocks[b]) {
				t.Errorf("pair (%d,%d) reconstructed wrong", a, b)
			}
		}
	}
}

func TestTooManyMissing(t *testing.T) {
	e, _ := New(3, 1, 64)
	blocks := randBlocks(t, 4, 64)
	e.Encode(blocks)
	blocks[0], blocks[1] = nil, nil
	if err := e.Reconstruct(blocks); err != ErrTooManyMissing {
		t.Errorf("expected ErrTooManyMissing, got %v", err)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	for _, npar := range []int{1, 2} {
		e, err := New(4, npar, 256)
		if err != nil {
			t.Fatalf("New: %s", err)
		}
		blocks := randBlocks(t, 4+npar, 256)
		if err := e.Encode(blocks); err != nil {
			t.Fatalf("Encode: %s", err)
		}
		blocks[2][17] ^= 0xff
		if ok, err := e.Verify(blocks); err != nil {
			t.Fatalf("Verify: %s", err)
		} else if ok {
			t.Errorf("npar=%d: Verify missed a corrupted data block", npar)
		}
	}
}

func TestVerifyDoesNotMutate(t *testing.T) {
	e, _ := New(3, 2, 128)
	blocks := randBlocks(t, 5, 128)
	e.Encode(blocks)
	snap := make([][]byte, 5)
	for i, b := range blocks {
		snap[i] = append([]byte(nil), b...)
	}
	// Run twice; an already consistent stripe must stay byte-identical.
	for pass := 0; pass < 2; pass++ {
		if ok, err := e.Verify(blocks); err != nil || !ok {
			t.Fatalf("Verify pass %d: ok=%v err=%v", pass, ok, err)
		}
	}
	for i := range blocks {
		if !bytes.Equal(blocks[i], snap[i]) {
			t.Errorf("Verify mutated block %d", i)
		}
	}
}

func TestXorIntoSelfInverse(t *testing.T) {
	a := []byte{1, 2, 3, 4}
	b := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	orig := append([]byte(nil), a...)
	XorInto(a, b)
	XorInto(a, b)
	if !bytes.Equal(a, orig) {
		t.Errorf("xor twice is not identity")
	}
}
