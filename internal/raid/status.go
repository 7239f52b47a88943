// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/striped/internal/stats"
)

var (
	// OpMetric records counts and latencies for the externally visible
	// operations. Does not count queue time inside the device.
	opm = stats.NewOpMetric("raid_engine", "op")

	metricDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "raid",
		Name:      "degraded_devices",
		Help:      "member devices currently missing or faulty",
	})
	metricDiskFailures = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "raid",
		Name:      "disk_failures",
		Help:      "devices permanently excluded since start",
	})
	metricCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "raid",
		Name:      "stripe_cache_size",
		Help:      "allocated stripes in the cache",
	})
	metricCacheActive = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "raid",
		Name:      "stripe_cache_active",
		Help:      "stripes checked out or carrying pending work",
	})
	metricRMW = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "raid",
		Name:      "writes_rmw",
		Help:      "partial writes served read-modify-write",
	})
	metricRCW = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "raid",
		Name:      "writes_rcw",
		Help:      "partial writes served reconstruct-write",
	})
	metricMismatch = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "raid",
		Name:      "check_mismatches",
		Help:      "parity mismatch sectors found by scrubs",
	})
	metricReadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "raid",
		Name:      "corrected_read_errors",
		Help:      "device read errors corrected via reconstruction",
	})
	metricBatched = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "raid",
		Name:      "stripes_batched",
		Help:      "full-stripe writes coalesced into batches",
	})
)

// Status is a point-in-time health summary of one engine.
type Status struct {
	Level      int
	Disks      int
	Degraded   int
	Failed     bool
	Mismatches int64
	CacheSize  int
	CacheUsed  int
	Reshaping  bool
	Reshaped   float64 // fraction migrated, 0 when idle
}

// Status summarizes the engine for administrative display.
func (e *Engine) Status() Status {
	s := e.snapshot()
	size, active := e.cache.stats()
	metricCacheActive.Set(float64(active))
	st := Status{
		Level:      int(s.cur.level),
		Disks:      s.cur.disks,
		Degraded:   e.Degraded(),
		Failed:     e.Failed(),
		Mismatches: e.Mismatches(),
		CacheSize:  size,
		CacheUsed:  active,
		Reshaping:  s.reshaping,
	}
	if s.reshaping {
		cap := s.prev.capacity(e.cfg.DevSectors)
		if cap > 0 {
			if s.backwards {
				st.Reshaped = 1 - float64(s.progress)/float64(cap)
			} else {
				st.Reshaped = float64(s.progress) / float64(cap)
			}
		}
	}
	return st
}
