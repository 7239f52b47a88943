// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package retry runs a task repeatedly with jittered exponential backoff
// until it succeeds or a retry budget runs out.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Task is executed once per attempt, receiving the attempt number starting
// at zero. It returns true when it is done and false to be retried.
type Task func(attempt int) (done bool)

// Retrier holds a backoff policy. The zero value retries forever with no
// sleep, which is almost never what you want; fill in at least MinSleep.
type Retrier struct {
	// MinSleep is the initial (and shortest) sleep between attempts.
	MinSleep time.Duration

	// MaxSleep caps the backoff.
	MaxSleep time.Duration

	// MaxElapsed, if positive, bounds the total time spent retrying.
	MaxElapsed time.Duration

	// MaxAttempts, if positive, bounds the number of attempts.
	MaxAttempts int
}

// Do executes task until it reports done, the budget is exhausted, or ctx is
// cancelled. It returns (true, false) on success, (false, false) on a blown
// budget and (false, true) on cancellation.
func (r *Retrier) Do(ctx context.Context, task Task) (success, cancelled bool) {
	if r.MaxSleep < r.MinSleep {
		r.MaxSleep = r.MinSleep
	}
	backoff := r.MinSleep
	start := time.Now()
	for i := 0; ; i++ {
		if r.MaxAttempts > 0 && i >= r.MaxAttempts {
			return false, false
		}
		if r.MaxElapsed > 0 && time.Since(start)+backoff > r.MaxElapsed {
			return false, false
		}
		if task(i) {
			return true, false
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false, true
		}
		backoff = time.Duration(float64(backoff) * (1.5 + rand.Float64()))
		if backoff > r.MaxSleep {
			backoff = r.MaxSleep
		}
	}
}
