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

// Ack synthesizes an acknowledgement for every Confirmable request
// it sees on the server flow, per spec.md section 4.4.4. It never
// suppresses the request itself. On the peer that receives these
// ACKs, HandleAcks keeps them from the application, while
// ResetUnknownAcks passes them through.
type Ack struct {
	Inner Step
}

// NewAck wraps inner.
func NewAck(inner Step) *Ack { return &Ack{Inner: inner} }

// PollReq implements Step.
func (a *Ack) PollReq(snap *transport.Snapshot, effects *[]transport.Effect) (*Addressed, error, bool) {
	req, err, blocked := a.Inner.PollReq(snap, effects)
	if err != nil || blocked || req == nil {
		return req, err, blocked
	}
	if req.Value.Type == message.Confirmable && req.Value.Code.Kind() == message.KindRequest {
		ack := message.New(message.Acknowledgement, message.Empty, req.Value.ID, req.Value.Token)
		*effects = append(*effects, transport.SendDgram(transport.New(mustBytes(ack), req.Addr)))
	}
	return req, nil, false
}

// PollResp implements Step.
func (a *Ack) PollResp(snap *transport.Snapshot, effects *[]transport.Effect, token message.Token, addr netip.AddrPort) (*Addressed, error, bool) {
	return a.Inner.PollResp(snap, effects, token, addr)
}

// BeforeMessageSent implements Step.
func (a *Ack) BeforeMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error {
	return a.Inner.BeforeMessageSent(snap, effects, msg)
}

// OnMessageSent implements Step.
func (a *Ack) OnMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error {
	return a.Inner.OnMessageSent(snap, effects, msg)
}

// Notify implements Step.
func (a *Ack) Notify(path string, effects *[]transport.Effect) error {
	return a.Inner.Notify(path, effects)
}

// mustBytes serializes msg, panicking on failure. An ACK built by this
// package is always small and well formed, so Bytes can only fail here
// if the message layer itself has a bug.
func mustBytes(msg *message.Message) []byte {
	b, err := msg.Bytes(64)
	if err != nil {
		panic("coap: step: failed to serialize synthesized message: " + err.Error())
	}
	return b
}
