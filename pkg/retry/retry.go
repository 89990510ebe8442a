// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package retry implements component 4.C: exponential backoff with jitter
// for idempotent network operations (chunk PUTs, assemble polling, option
// probing), on top of github.com/buildkite/roko's attempt/cancellation
// plumbing.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/buildkite/roko"

	"github.com/chromium-infra/artifactsync/pkg/errkind"
)

// Policy holds the backoff parameters from spec.md section 4.C.
type Policy struct {
	InitialInterval    time.Duration
	Multiplier         float64
	RandomizationFactor float64
	MaxInterval        time.Duration
	MaxAttempts        int
}

// Default matches spec.md 4.C exactly: initial 1000ms, multiplier 1.5,
// randomization factor 0.1, cap 5000ms, 5 attempts.
var Default = Policy{
	InitialInterval:     time.Second,
	Multiplier:          1.5,
	RandomizationFactor: 0.1,
	MaxInterval:         5 * time.Second,
	MaxAttempts:         5,
}

// delay computes the backoff delay for the given zero-based attempt number
// (0 == first retry), applying the exponential growth and then the
// symmetric jitter window around it, clamped to MaxInterval.
func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxInterval) {
		d = float64(p.MaxInterval)
	}
	delta := d * p.RandomizationFactor
	d = d - delta + rand.Float64()*2*delta
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// strategy adapts Policy.delay into a roko.Strategy, which roko invokes
// with the retrier so it can read the current attempt count.
func (p Policy) strategy() roko.Strategy {
	return func(r *roko.Retrier) time.Duration {
		return p.delay(r.AttemptCount())
	}
}

// Do retries fn up to p.MaxAttempts times, sleeping per p.delay between
// attempts, but only while fn's error is retryable per errkind.Retryable.
// A non-retryable error (or success) stops the loop immediately. Only the
// final failure is surfaced to the caller, per spec.md section 7.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	r := roko.NewRetrier(
		roko.WithMaxAttempts(p.MaxAttempts),
		roko.WithStrategy(p.strategy()),
	)
	return r.DoWithContext(ctx, func(r *roko.Retrier) error {
		err := fn(ctx)
		if err != nil && !errkind.Retryable(err) {
			r.Break()
		}
		return err
	})
}

// Default retry policy entry point, for the common case.
func DoDefault(ctx context.Context, fn func(ctx context.Context) error) error {
	return Do(ctx, Default, fn)
}
