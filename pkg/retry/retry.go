// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package retry runs an operation until it succeeds, sleeping with
// exponential backoff between attempts.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Retrier bounds a retry loop. The zero Retrier tries forever without
// sleeping.
type Retrier struct {
	// MinSleep is the first sleep between attempts. Later sleeps grow by
	// about 2x each time.
	MinSleep time.Duration

	// MaxSleep caps the sleep between attempts.
	MaxSleep time.Duration

	// MaxAttempts, if greater than zero, limits the number of attempts.
	MaxAttempts int

	// MaxElapsed, if greater than zero, bounds the time spent in the loop.
	// No attempt is started if the sleep before it would cross the bound.
	MaxElapsed time.Duration
}

// Sleep waits for 'd' or until 'ctx' is done. Tests replace it.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do calls 'attempt' with the attempt number, starting from 0, until it
// returns nil. It returns nil on success, the last error from 'attempt' when
// the retrier gives up, or the context's error if 'ctx' is done first.
func (r Retrier) Do(ctx context.Context, attempt func(n int) error) error {
	maxSleep := r.MaxSleep
	if maxSleep < r.MinSleep {
		maxSleep = r.MinSleep
	}
	backoff := r.MinSleep
	start := time.Now()
	for n := 0; ; n++ {
		err := attempt(n)
		if err == nil {
			return nil
		}
		if r.MaxAttempts > 0 && n+1 >= r.MaxAttempts ||
			r.MaxElapsed > 0 && time.Since(start)+backoff > r.MaxElapsed {
			return err
		}
		if serr := sleep(ctx, backoff); serr != nil {
			return serr
		}
		backoff = time.Duration(float64(backoff) * (1.75 + 0.5*rand.Float64()))
		if backoff > maxSleep {
			backoff = maxSleep
		}
	}
}
