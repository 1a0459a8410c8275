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
	"sync"

	"github.com/facebook/coap/message"
	"github.com/facebook/coap/transport"
)

// ResetUnknownAcks is the alternate to HandleAcks described in
// spec.md section 4.4.6: rather than silently dropping an ACK for a
// token it never sent a Confirmable message for, it tells the sender
// to forget the exchange with an RFC 7252 Reset datagram. Unlike
// HandleAcks it does not suppress the message; the caller still sees
// it pass through unchanged.
type ResetUnknownAcks struct {
	Inner Step

	mu   sync.Mutex
	sent map[string]struct{}
}

// NewResetUnknownAcks wraps inner.
func NewResetUnknownAcks(inner Step) *ResetUnknownAcks {
	return &ResetUnknownAcks{Inner: inner, sent: make(map[string]struct{})}
}

func (r *ResetUnknownAcks) maybeReset(effects *[]transport.Effect, msg *Addressed) {
	if msg == nil || msg.Value.Type != message.Acknowledgement {
		return
	}

	r.mu.Lock()
	_, known := r.sent[tokenKey(msg.Addr, msg.Value.Token)]
	r.mu.Unlock()
	if known {
		return
	}

	rst := message.New(message.Reset, message.Empty, 0, msg.Value.Token)
	*effects = append(*effects, transport.SendDgram(transport.New(mustBytes(rst), msg.Addr)))
}

// PollReq implements Step.
func (r *ResetUnknownAcks) PollReq(snap *transport.Snapshot, effects *[]transport.Effect) (*Addressed, error, bool) {
	req, err, blocked := r.Inner.PollReq(snap, effects)
	if err != nil || blocked || req == nil {
		return req, err, blocked
	}
	r.maybeReset(effects, req)
	return req, nil, false
}

// PollResp implements Step.
func (r *ResetUnknownAcks) PollResp(snap *transport.Snapshot, effects *[]transport.Effect, token message.Token, addr netip.AddrPort) (*Addressed, error, bool) {
	resp, err, blocked := r.Inner.PollResp(snap, effects, token, addr)
	if err != nil || blocked || resp == nil {
		return resp, err, blocked
	}
	r.maybeReset(effects, resp)
	return resp, nil, false
}

// BeforeMessageSent implements Step.
func (r *ResetUnknownAcks) BeforeMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error {
	return r.Inner.BeforeMessageSent(snap, effects, msg)
}

// OnMessageSent implements Step.
func (r *ResetUnknownAcks) OnMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error {
	if err := r.Inner.OnMessageSent(snap, effects, msg); err != nil {
		return err
	}
	if msg.Value.Type == message.Confirmable {
		r.mu.Lock()
		r.sent[tokenKey(msg.Addr, msg.Value.Token)] = struct{}{}
		r.mu.Unlock()
	}
	return nil
}

// Notify implements Step.
func (r *ResetUnknownAcks) Notify(path string, effects *[]transport.Effect) error {
	return r.Inner.Notify(path, effects)
}
