// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package tokenbucket provides a token bucket rate limiter, used to pace
// background work (resync, reshape) in units of sectors per second.
package tokenbucket

import (
	"sync"
	"time"
)

// Bucket fills at a fixed rate up to a burst capacity. Take consumes tokens,
// going negative if it must, and the caller sleeps off the debt. A zero
// capacity makes every Take wait for a full refill, which is the behavior
// background loops want. Safe for use by multiple threads.
type Bucket struct {
	lock     sync.Mutex
	rate     float64 // tokens per second
	capacity float64
	balance  float64
	last     time.Time
}

// New returns a bucket that refills at rate tokens/second and holds at most
// capacity tokens.
func New(rate, capacity float64) *Bucket {
	return &Bucket{rate: rate, capacity: capacity, balance: capacity, last: time.Now()}
}

// Take consumes n tokens, sleeping until the balance is non-negative again.
// A rate of zero disables pacing entirely.
func (b *Bucket) Take(n float64) {
	if d := b.takeAt(n, time.Now()); d > 0 {
		time.Sleep(d)
	}
}

// takeAt advances the bucket to 'now', consumes n tokens and returns how long
// the caller must sleep to cover any debt. Split out for tests.
func (b *Bucket) takeAt(n float64, now time.Time) time.Duration {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.rate <= 0 {
		return 0
	}
	b.balance += b.rate * now.Sub(b.last).Seconds()
	b.last = now
	if b.balance > b.capacity {
		b.balance = b.capacity
	}
	b.balance -= n
	if b.balance >= 0 {
		return 0
	}
	return time.Duration(-b.balance / b.rate * float64(time.Second))
}

// SetRate changes the refill rate and burst capacity of the bucket.
func (b *Bucket) SetRate(rate, capacity float64) {
	b.lock.Lock()
	b.rate = rate
	b.capacity = capacity
	b.lock.Unlock()
}
