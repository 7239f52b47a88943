// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package stats holds shared metric helpers for the array engine.
package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OpMetric is a wrapper around metric objects that helps with tracking counts
// and latencies for "operations": requests handled on behalf of a caller, or
// chunks of work initiated internally.
//
// OpMetric creates three metric sets:
//   - A counter with the given name, label "result", and any additional
//     labels. Start/End increments it with "result"="all"; Failed and TooBusy
//     add increments with "result"="failed" and "too_busy".
//   - A summary named name+"_latency" with the additional labels. Start/End
//     records latencies, unless Failed/TooBusy was called first.
//   - A gauge named name+"_pending" with the additional labels, reflecting
//     the number of in-flight operations.
//
// Suggested usage:
//
//	op := opm.Start("write")
//	defer op.End()
//	if err != core.NoError {
//		op.Failed()
//	}
type OpMetric struct {
	name      string
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

// NewOpMetric returns a new op metric.
func NewOpMetric(name string, labels ...string) *OpMetric {
	labelsWithResult := append([]string{"result"}, labels...)
	return &OpMetric{
		name:      name,
		counters:  promauto.NewCounterVec(prometheus.CounterOpts{Name: name}, labelsWithResult),
		latencies: promauto.NewSummaryVec(prometheus.SummaryOpts{Name: name + "_latency"}, labels),
		pending:   promauto.NewGaugeVec(prometheus.GaugeOpts{Name: name + "_pending"}, labels),
	}
}

// Start marks that a new operation has started and begins measuring latency.
func (m *OpMetric) Start(values ...string) *Op {
	op := &Op{opm: m, values: values, start: time.Now()}
	m.counters.WithLabelValues(append([]string{"all"}, values...)...).Inc()
	m.pending.WithLabelValues(values...).Inc()
	return op
}

// Op is one in-flight measured operation.
type Op struct {
	opm     *OpMetric
	values  []string
	start   time.Time
	skipLat bool
}

// Failed marks the operation as failed. Its latency won't be recorded.
func (o *Op) Failed() {
	o.opm.counters.WithLabelValues(append([]string{"failed"}, o.values...)...).Inc()
	o.skipLat = true
}

// TooBusy marks the operation as rejected for lack of resources.
func (o *Op) TooBusy() {
	o.opm.counters.WithLabelValues(append([]string{"too_busy"}, o.values...)...).Inc()
	o.skipLat = true
}

// End finishes the operation, recording its latency unless it failed.
func (o *Op) End() {
	o.opm.pending.WithLabelValues(o.values...).Dec()
	if !o.skipLat {
		o.opm.latencies.WithLabelValues(o.values...).Observe(float64(time.Since(o.start)) / float64(time.Second))
	}
}
