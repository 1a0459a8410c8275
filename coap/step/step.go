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

// Package step implements the CoAP runtime pipeline: a composable chain
// of layers, each intercepting inbound requests, inbound responses, and
// outbound messages, per spec.md section 4.4. It is the runtime-
// polymorphic rendering of the original implementation's type-level
// Step<P> trait chain (see SPEC_FULL.md section 9): instead of nested
// generic wrapper types, each step is a struct holding a Step interface
// value for its inner layer.
package step

import (
	"net/netip"

	"github.com/facebook/coap/message"
	"github.com/facebook/coap/transport"
)

// Addressed is an addressed message, the payload type the pipeline
// passes between layers.
type Addressed = transport.Addr[*message.Message]

// Step is the pipeline layer contract, per spec.md section 4.4. Poll
// methods return (value, error, blocked): blocked=true with a nil value
// and nil error represents spec.md's WouldBlock; a nil value with a nil
// error and blocked=false represents "nothing to do, try next tick"
// (None); a non-nil error is fatal for the current exchange.
type Step interface {
	// PollReq yields the next inbound request, if any (server flow).
	PollReq(snap *transport.Snapshot, effects *[]transport.Effect) (req *Addressed, err error, blocked bool)
	// PollResp yields the response matching (token, addr), if any
	// (client flow).
	PollResp(snap *transport.Snapshot, effects *[]transport.Effect, token message.Token, addr netip.AddrPort) (resp *Addressed, err error, blocked bool)
	// BeforeMessageSent runs when the application wants to transmit msg;
	// layers may mutate it (assign ID, assign token) or enqueue effects.
	BeforeMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error
	// OnMessageSent runs after the socket has accepted the bytes; layers
	// may record the message for retransmission or ACK matching.
	OnMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error
	// Notify informs the stack that path's resource state changed
	// (observe fan-out); steps with no interest in this pass through.
	Notify(path string, effects *[]transport.Effect) error
}

// Base is the terminal no-op layer every chain wraps, mirroring the
// original implementation's `impl Step<P> for ()`.
type Base struct{}

// PollReq implements Step.
func (Base) PollReq(*transport.Snapshot, *[]transport.Effect) (*Addressed, error, bool) {
	return nil, nil, false
}

// PollResp implements Step.
func (Base) PollResp(*transport.Snapshot, *[]transport.Effect, message.Token, netip.AddrPort) (*Addressed, error, bool) {
	return nil, nil, false
}

// BeforeMessageSent implements Step.
func (Base) BeforeMessageSent(*transport.Snapshot, *[]transport.Effect, *Addressed) error { return nil }

// OnMessageSent implements Step.
func (Base) OnMessageSent(*transport.Snapshot, *[]transport.Effect, *Addressed) error { return nil }

// Notify implements Step.
func (Base) Notify(string, *[]transport.Effect) error { return nil }
