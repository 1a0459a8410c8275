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

// Package transport holds the small value types that cross the
// socket/pipeline boundary: the addressed envelope, the per-tick
// snapshot, and the effect list, per spec.md sections 3.3-3.5. Named
// "transport" rather than "net" so it can be imported alongside the
// standard library's net/netip without aliasing.
package transport

import (
	"net/netip"

	"github.com/facebook/coap/clock"
	"github.com/facebook/coap/config"
	"github.com/facebook/coap/stats"
)

// Addr pairs a value with the socket address it was received from or is
// destined to, per spec.md section 3.3.
type Addr[T any] struct {
	Value T
	Addr  netip.AddrPort
}

// New builds an Addr.
func New[T any](v T, addr netip.AddrPort) Addr[T] { return Addr[T]{Value: v, Addr: addr} }

// Map applies f to the value, preserving the address.
func Map[T, U any](a Addr[T], f func(T) U) Addr[U] {
	return Addr[U]{Value: f(a.Value), Addr: a.Addr}
}

// WithValue returns a copy of a with its value replaced.
func (a Addr[T]) WithValue(v T) Addr[T] { return Addr[T]{Value: v, Addr: a.Addr} }

// Snapshot is the per-tick read-only view the step pipeline consumes,
// per spec.md section 3.4. Stats is optional: a nil Stats means no
// counters are reported, which every step must tolerate.
type Snapshot struct {
	Time     clock.Instant
	Datagram *Addr[[]byte]
	Config   config.Config
	Stats    *stats.Stats
}

// EffectKind discriminates the two Effect variants.
type EffectKind int

// Effect kinds, per spec.md section 3.5.
const (
	EffectSendDgram EffectKind = iota
	EffectLog
)

// LogLevel mirrors the handful of logrus levels the pipeline cares about.
type LogLevel int

// Log levels an Effect may carry.
const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// Effect is a side effect a step wants performed without doing I/O
// itself, per spec.md section 3.5. Exactly one of Dgram (for
// EffectSendDgram) or Message (for EffectLog) is meaningful depending on
// Kind.
type Effect struct {
	Kind    EffectKind
	Dgram   Addr[[]byte]
	Level   LogLevel
	Message string
}

// SendDgram builds a send-datagram effect.
func SendDgram(d Addr[[]byte]) Effect {
	return Effect{Kind: EffectSendDgram, Dgram: d}
}

// Log builds a log effect.
func Log(level LogLevel, message string) Effect {
	return Effect{Kind: EffectLog, Level: level, Message: message}
}
