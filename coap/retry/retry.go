/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package retry implements the confirmable-message retransmission timer,
// per spec.md sections 3.7 and 4.3. The formulas and the "first send is
// attempt 1" convention are cross-checked against the original
// implementation's retry.rs (see DESIGN.md).
package retry

import (
	"math/rand"
	"time"

	"github.com/facebook/coap/clock"
)

// StrategyKind selects the backoff shape.
type StrategyKind int

// Strategy kinds, per spec.md section 3.7.
const (
	// Delay retries at a fixed, optionally-jittered interval.
	Delay StrategyKind = iota
	// Exponential doubles the delay on each attempt after an initial
	// jittered value.
	Exponential
)

// Strategy describes how long to wait between attempts.
type Strategy struct {
	Kind StrategyKind
	Min  time.Duration
	Max  time.Duration
}

// HasJitter reports whether Min != Max, meaning the initial delay is
// drawn from a range rather than fixed.
func (s Strategy) HasJitter() bool { return s.Min != s.Max }

// YouShould is the verdict WhatShouldIDo returns.
type YouShould int

// Verdicts, per spec.md section 3.7.
const (
	// WouldBlock means it isn't time to retry yet.
	WouldBlock YouShould = iota
	// Retry means the caller should resend now; the timer has already
	// advanced its attempt counter.
	Retry
	// Cry means attempts are exhausted; the caller should fail the
	// exchange.
	Cry
)

// Timer tracks retransmission attempts for a single outbound message,
// per spec.md section 3.7.
type Timer struct {
	start       clock.Instant
	lastAttempt clock.Instant
	attempts    int
	maxAttempts int
	strategy    Strategy
	initDelay   time.Duration
}

// NewTimer creates a Timer starting now. Per spec.md section 8's testable
// property, the first send counts as attempt 1 before the timer is ever
// queried — attempts therefore starts at 1, not 0, exactly mirroring the
// original retry.rs's Attempts(1) initialization.
func NewTimer(now clock.Instant, strategy Strategy, maxAttempts int) *Timer {
	t := &Timer{
		start:       now,
		lastAttempt: now,
		attempts:    1,
		maxAttempts: maxAttempts,
		strategy:    strategy,
	}
	t.initDelay = t.initialDelay()
	return t
}

// initialDelay computes the (possibly jittered) first delay, seeded
// deterministically from start so a given start produces a reproducible
// delay — spec.md section 3.7's determinism requirement. math/rand here
// plays the role the original fills with a seeded ChaCha8Rng: the
// specific PRNG doesn't matter, only that the same seed always yields the
// same jittered value.
func (t *Timer) initialDelay() time.Duration {
	if !t.strategy.HasJitter() {
		return t.strategy.Min
	}
	r := rand.New(rand.NewSource(t.start.UnixMilli()))
	span := int64(t.strategy.Max - t.strategy.Min)
	if span <= 0 {
		return t.strategy.Min
	}
	return t.strategy.Min + time.Duration(r.Int63n(span))
}

// NextAttemptAt computes when the next retry is due, per spec.md
// section 4.3: linear for Delay, init*2^(attempts-1) for Exponential.
func (t *Timer) NextAttemptAt() clock.Instant {
	switch t.strategy.Kind {
	case Delay:
		return t.start.Add(t.initDelay * time.Duration(t.attempts))
	default: // Exponential
		factor := int64(1) << uint(t.attempts-1)
		return t.start.Add(t.initDelay * time.Duration(factor))
	}
}

// WhatShouldIDo is the core retry decision, per spec.md section 4.3:
//   - attempts >= maxAttempts: Cry.
//   - now >= next_attempt_at: advance attempts, record lastAttempt, Retry.
//   - else: WouldBlock.
func (t *Timer) WhatShouldIDo(now clock.Instant) YouShould {
	if t.attempts >= t.maxAttempts {
		return Cry
	}
	if !now.Before(t.NextAttemptAt()) {
		t.attempts++
		t.lastAttempt = now
		return Retry
	}
	return WouldBlock
}

// Attempts returns the number of attempts made so far (starting at 1).
func (t *Timer) Attempts() int { return t.attempts }

// LastAttempt returns the Instant of the most recent attempt.
func (t *Timer) LastAttempt() clock.Instant { return t.lastAttempt }

// Reset restarts the timer at `now` with a new strategy and attempt
// budget, used by the post-ACK transition in spec.md section 4.4.7.
func (t *Timer) Reset(now clock.Instant, strategy Strategy, maxAttempts int) {
	t.start = now
	t.lastAttempt = now
	t.attempts = 1
	t.maxAttempts = maxAttempts
	t.strategy = strategy
	t.initDelay = t.initialDelay()
}
