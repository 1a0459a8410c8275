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

package clock

import (
	"sync"
	"time"
)

// Mock is a hand-written, steppable Clock for tests, grounded on the
// original implementation's ClockMock test helper (see DESIGN.md). It is
// deliberately not generated by a mocking framework: the contract is a
// single method, and a hand-rolled fake makes the deterministic-time
// tests easier to read than a generated mock's expectation DSL would.
type Mock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMock returns a Mock starting at the given wall-clock time.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

// Now implements Clock.
func (m *Mock) Now() Instant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return NewInstant(m.now)
}

// Advance moves the mock clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set pins the mock clock to t.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
