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

// HandleAcks hides Acknowledgement-typed datagrams from the
// application, per spec.md section 4.4.5. It tracks every token sent
// as a Confirmable message and, on seeing the matching ACK, consumes
// it silently; an ACK for an unknown token is logged and dropped all
// the same, since by construction it can't belong to any live
// exchange this process started.
//
// This is the default variant; ResetUnknownAcks is the alternate
// spec.md section 4.4.6 offers in its place.
type HandleAcks struct {
	Inner Step

	mu   sync.Mutex
	sent map[string]struct{}
}

// NewHandleAcks wraps inner.
func NewHandleAcks(inner Step) *HandleAcks {
	return &HandleAcks{Inner: inner, sent: make(map[string]struct{})}
}

func tokenKey(addr netip.AddrPort, token message.Token) string {
	return addr.String() + "|" + token.String()
}

// filter applies the suppress-or-passthrough rule to a (possibly nil)
// yielded message, given the address it arrived from.
func (h *HandleAcks) filter(effects *[]transport.Effect, msg *Addressed) *Addressed {
	if msg == nil || msg.Value.Type != message.Acknowledgement {
		return msg
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	key := tokenKey(msg.Addr, msg.Value.Token)
	if _, known := h.sent[key]; known {
		delete(h.sent, key)
		*effects = append(*effects, transport.Log(transport.LogDebug, "got ACK for token "+msg.Value.Token.String()))
		return nil
	}
	*effects = append(*effects, transport.Log(transport.LogWarn, "ignoring ACK for unknown token "+msg.Value.Token.String()))
	return nil
}

// PollReq implements Step.
func (h *HandleAcks) PollReq(snap *transport.Snapshot, effects *[]transport.Effect) (*Addressed, error, bool) {
	req, err, blocked := h.Inner.PollReq(snap, effects)
	if err != nil || blocked {
		return req, err, blocked
	}
	return h.filter(effects, req), nil, false
}

// PollResp implements Step.
func (h *HandleAcks) PollResp(snap *transport.Snapshot, effects *[]transport.Effect, token message.Token, addr netip.AddrPort) (*Addressed, error, bool) {
	resp, err, blocked := h.Inner.PollResp(snap, effects, token, addr)
	if err != nil || blocked {
		return resp, err, blocked
	}
	return h.filter(effects, resp), nil, false
}

// BeforeMessageSent implements Step.
func (h *HandleAcks) BeforeMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error {
	return h.Inner.BeforeMessageSent(snap, effects, msg)
}

// OnMessageSent implements Step.
func (h *HandleAcks) OnMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error {
	if err := h.Inner.OnMessageSent(snap, effects, msg); err != nil {
		return err
	}
	if msg.Value.Type == message.Confirmable {
		h.mu.Lock()
		h.sent[tokenKey(msg.Addr, msg.Value.Token)] = struct{}{}
		h.mu.Unlock()
	}
	return nil
}

// Notify implements Step.
func (h *HandleAcks) Notify(path string, effects *[]transport.Effect) error {
	return h.Inner.Notify(path, effects)
}
