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

package step

import (
	"net/netip"

	"github.com/facebook/coap/message"
	"github.com/facebook/coap/transport"
)

// Parse is the innermost pipeline layer: it decodes the raw datagram
// carried on the Snapshot, if any, per spec.md section 4.4.1.
//
// PollReq only ever yields a message whose code is a request code; any
// other parsed datagram (empty, response, reserved) is not a request
// and poll_req has nothing to report. PollResp has no such filter: it
// yields whatever was parsed, request code or not, so that later layers
// (Retry, HandleAcks, ResetUnknownAcks) can observe Acknowledgement- and
// Reset-typed datagrams arriving on the client flow, where they are
// matched by token rather than by being "a response". A malformed
// datagram is logged and otherwise treated as nothing to report, since
// a parse failure is not attributable to any in-flight exchange.
type Parse struct {
	Inner Step
}

// PollReq implements Step.
func (p Parse) PollReq(snap *transport.Snapshot, effects *[]transport.Effect) (*Addressed, error, bool) {
	if req, err, blocked := p.Inner.PollReq(snap, effects); req != nil || err != nil || blocked {
		return req, err, blocked
	}

	msg, ok := p.parse(snap, effects)
	if !ok {
		return nil, nil, false
	}
	if msg.Value.Code.Kind() != message.KindRequest {
		return nil, nil, false
	}
	return msg, nil, false
}

// PollResp implements Step.
func (p Parse) PollResp(snap *transport.Snapshot, effects *[]transport.Effect, token message.Token, addr netip.AddrPort) (*Addressed, error, bool) {
	if resp, err, blocked := p.Inner.PollResp(snap, effects, token, addr); resp != nil || err != nil || blocked {
		return resp, err, blocked
	}

	msg, ok := p.parse(snap, effects)
	if !ok {
		return nil, nil, false
	}
	return msg, nil, false
}

// parse decodes snap.Datagram, if present, logging and discarding on
// failure. It does not consume the datagram from the snapshot; callers
// above Parse in the same tick all see the same parsed result, since
// the pipeline re-derives it from the snapshot on every poll rather
// than mutating shared state.
func (p Parse) parse(snap *transport.Snapshot, effects *[]transport.Effect) (*Addressed, bool) {
	if snap.Datagram == nil {
		return nil, false
	}
	msg, err := message.Parse(snap.Datagram.Value)
	if err != nil {
		*effects = append(*effects, transport.Log(transport.LogWarn, "discarding unparseable datagram from "+snap.Datagram.Addr.String()+": "+err.Error()))
		if snap.Stats != nil {
			snap.Stats.ParseErrors.Inc()
		}
		return nil, false
	}
	addressed := transport.New(msg, snap.Datagram.Addr)
	return &addressed, true
}

// BeforeMessageSent implements Step.
func (p Parse) BeforeMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error {
	return p.Inner.BeforeMessageSent(snap, effects, msg)
}

// OnMessageSent implements Step.
func (p Parse) OnMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error {
	return p.Inner.OnMessageSent(snap, effects, msg)
}

// Notify implements Step.
func (p Parse) Notify(path string, effects *[]transport.Effect) error {
	return p.Inner.Notify(path, effects)
}
