// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package meta

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/westerndigitalcorporation/striped/internal/core"
)

func TestCheckpointRoundTrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer s.Close()

	// Fresh store: no reshape, nothing degraded.
	cp, cerr := s.Load()
	if cerr != core.NoError {
		t.Fatalf("Load: %s", cerr)
	}
	if cp.ReshapeProgress != core.MaxSector || cp.Degraded != 0 || cp.RecoveryOffsets != nil {
		t.Errorf("unexpected fresh checkpoint: %+v", cp)
	}

	want := core.Checkpoint{
		ReshapeProgress: 4096,
		Degraded:        1,
		RecoveryOffsets: map[int]core.Sector{2: 1024, 5: 0},
	}
	if cerr = s.Checkpoint(want); cerr != core.NoError {
		t.Fatalf("Checkpoint: %s", cerr)
	}
	cp, cerr = s.Load()
	if cerr != core.NoError {
		t.Fatalf("Load: %s", cerr)
	}
	if !reflect.DeepEqual(cp, want) {
		t.Errorf("got %+v, want %+v", cp, want)
	}
}

func TestCheckpointOverwrite(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer s.Close()

	s.Checkpoint(core.Checkpoint{ReshapeProgress: 100, Degraded: 2})
	s.Checkpoint(core.Checkpoint{ReshapeProgress: 200})
	cp, _ := s.Load()
	if cp.ReshapeProgress != 200 || cp.Degraded != 0 {
		t.Errorf("stale checkpoint visible: %+v", cp)
	}
}
