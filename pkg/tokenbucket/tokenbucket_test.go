// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package tokenbucket

import (
	"testing"
	"time"
)

func TestTakeWithinCapacityDoesNotSleep(t *testing.T) {
	b := New(100, 50)
	now := time.Now()
	if d := b.takeAt(50, now); d != 0 {
		t.Errorf("expected no sleep, got %s", d)
	}
}

func TestDebtProducesProportionalSleep(t *testing.T) {
	b := New(100, 0)
	now := time.Now()
	// Empty bucket, rate 100/s: taking 50 should owe ~500ms.
	d := b.takeAt(50, now)
	if d < 450*time.Millisecond || d > 550*time.Millisecond {
		t.Errorf("expected ~500ms, got %s", d)
	}
	// A second of refill pays the debt, but a zero-capacity bucket cannot
	// bank the surplus, so the next take owes its full cost again.
	d = b.takeAt(50, now.Add(time.Second))
	if d < 450*time.Millisecond || d > 550*time.Millisecond {
		t.Errorf("expected ~500ms, got %s", d)
	}
	// With capacity, banked refill covers the next take outright.
	b = New(100, 50)
	now = time.Now()
	b.takeAt(50, now.Add(10*time.Millisecond)) // drain the initial balance
	if d := b.takeAt(50, now.Add(time.Second)); d != 0 {
		t.Errorf("expected no sleep after banked refill, got %s", d)
	}
}

func TestZeroRateDisablesPacing(t *testing.T) {
	b := New(0, 0)
	if d := b.takeAt(1e9, time.Now()); d != 0 {
		t.Errorf("zero rate must never sleep, got %s", d)
	}
}

func TestRefillIsCapped(t *testing.T) {
	b := New(10, 5)
	now := time.Now()
	b.takeAt(5, now)
	// A long idle period must not bank more than capacity.
	if d := b.takeAt(10, now.Add(time.Hour)); d < 400*time.Millisecond {
		t.Errorf("refill not capped at capacity, sleep=%s", d)
	}
}
