// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package tokenbucket limits the rate at which something happens.
package tokenbucket

import (
	"context"
	"sync"
	"time"
)

// TokenBucket fills at a fixed rate up to a capacity. Taking more tokens
// than it holds leaves a debt that later takers wait out. It is safe for
// concurrent use.
type TokenBucket struct {
	lock     sync.Mutex
	rate     float32
	capacity float32
	current  float32
	last     time.Time
}

// New returns a full bucket that fills at 'rate' tokens per second and holds
// at most 'capacity' tokens.
func New(rate, capacity float32) *TokenBucket {
	return &TokenBucket{
		rate:     rate,
		capacity: capacity,
		current:  capacity,
		last:     time.Now(),
	}
}

// fill brings the bucket up to 'now'. Call with lock held.
func (tb *TokenBucket) fill(now time.Time) {
	if now.After(tb.last) {
		tb.current += tb.rate * float32(now.Sub(tb.last).Seconds())
		tb.last = now
	}
	if tb.current > tb.capacity {
		tb.current = tb.capacity
	}
}

// Reserve takes 'n' tokens at time 'now', going into debt if needed, and
// returns how long the caller should wait for the debt to be paid. The
// result is zero or negative if no wait is needed.
func (tb *TokenBucket) Reserve(n float32, now time.Time) time.Duration {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	tb.fill(now)
	tb.current -= n
	return time.Duration(-tb.current / tb.rate * float32(time.Second))
}

// Allow takes 'n' tokens at time 'now' only if the bucket holds them.
func (tb *TokenBucket) Allow(n float32, now time.Time) bool {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	tb.fill(now)
	if tb.current < n {
		return false
	}
	tb.current -= n
	return true
}

// Wait takes 'n' tokens and blocks until they are paid for or 'ctx' is done.
// Tokens taken by a cancelled Wait stay taken.
func (tb *TokenBucket) Wait(ctx context.Context, n float32) error {
	d := tb.Reserve(n, time.Now())
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetRate changes the rate and capacity.
func (tb *TokenBucket) SetRate(rate, capacity float32) {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	tb.fill(time.Now())
	tb.rate = rate
	tb.capacity = capacity
}
