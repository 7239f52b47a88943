// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package meta persists engine checkpoints (reshape progress, degraded count,
// per-device recovery offsets) in a local bolt database. The engine treats
// this as its external metadata collaborator; the on-disk superblock format
// proper lives elsewhere.
package meta

import (
	"encoding/binary"
	"time"

	"github.com/boltdb/bolt"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/striped/internal/core"
)

var (
	bucketName  = []byte("checkpoint")
	keyProgress = []byte("reshape_progress")
	keyDegraded = []byte("degraded")
	keyRecovery = []byte("recovery_offsets")
)

// BoltStore persists checkpoints in a single-file bolt database.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (creating if needed) the checkpoint database at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketName)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Checkpoint durably records cp. The write is atomic: a crash leaves either
// the previous checkpoint or this one.
func (s *BoltStore) Checkpoint(cp core.Checkpoint) core.Error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if e := b.Put(keyProgress, encodeU64(uint64(cp.ReshapeProgress))); e != nil {
			return e
		}
		if e := b.Put(keyDegraded, encodeU64(uint64(cp.Degraded))); e != nil {
			return e
		}
		return b.Put(keyRecovery, encodeOffsets(cp.RecoveryOffsets))
	})
	if err != nil {
		log.Errorf("checkpoint write failed: %s", err)
		return core.ErrCheckpointFailed
	}
	return core.NoError
}

// Load returns the last recorded checkpoint. A fresh database reports no
// reshape in progress and zero degraded devices.
func (s *BoltStore) Load() (core.Checkpoint, core.Error) {
	cp := core.Checkpoint{ReshapeProgress: core.MaxSector}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if v := b.Get(keyProgress); v != nil {
			cp.ReshapeProgress = core.Sector(decodeU64(v))
		}
		if v := b.Get(keyDegraded); v != nil {
			cp.Degraded = int(decodeU64(v))
		}
		if v := b.Get(keyRecovery); v != nil {
			cp.RecoveryOffsets = decodeOffsets(v)
		}
		return nil
	})
	if err != nil {
		log.Errorf("checkpoint read failed: %s", err)
		return cp, core.ErrCheckpointFailed
	}
	return cp, core.NoError
}

func encodeU64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeU64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// encodeOffsets packs (index, offset) pairs as fixed-width big-endian u64s.
func encodeOffsets(m map[int]core.Sector) []byte {
	out := make([]byte, 0, len(m)*16)
	for idx, off := range m {
		out = append(out, encodeU64(uint64(idx))...)
		out = append(out, encodeU64(uint64(off))...)
	}
	return out
}

func decodeOffsets(b []byte) map[int]core.Sector {
	if len(b) == 0 || len(b)%16 != 0 {
		return nil
	}
	m := make(map[int]core.Sector, len(b)/16)
	for i := 0; i+16 <= len(b); i += 16 {
		m[int(decodeU64(b[i:i+8]))] = core.Sector(decodeU64(b[i+8 : i+16]))
	}
	return m
}
