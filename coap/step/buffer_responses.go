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
	"errors"
	"net/netip"
	"sync"

	"github.com/facebook/coap/message"
	"github.com/facebook/coap/transport"
)

// ErrBufferCapacityExhausted is returned when the outermost layer's
// response buffer is full and a new, non-matching response arrives,
// per spec.md section 4.4.10.
var ErrBufferCapacityExhausted = errors.New("coap: response buffer capacity exhausted")

// bufferCapacity bounds the number of responses BufferResponses will
// hold for callers that haven't polled for them yet.
const bufferCapacity = 256

// BufferResponses is the outermost layer on the client flow: it lets
// a caller poll_resp for one (token, addr) while a response for a
// different exchange arrives first, per spec.md section 4.4.10. The
// out-of-order response is held until that exchange is polled for.
type BufferResponses struct {
	Inner Step

	mu  sync.Mutex
	buf map[exchangeKey]*Addressed
}

// NewBufferResponses wraps inner.
func NewBufferResponses(inner Step) *BufferResponses {
	return &BufferResponses{Inner: inner, buf: make(map[exchangeKey]*Addressed)}
}

// PollReq implements Step.
func (b *BufferResponses) PollReq(snap *transport.Snapshot, effects *[]transport.Effect) (*Addressed, error, bool) {
	return b.Inner.PollReq(snap, effects)
}

// PollResp implements Step.
func (b *BufferResponses) PollResp(snap *transport.Snapshot, effects *[]transport.Effect, token message.Token, addr netip.AddrPort) (*Addressed, error, bool) {
	resp, err, blocked := b.Inner.PollResp(snap, effects, token, addr)
	if err != nil {
		return resp, err, blocked
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	wanted := respKey(addr, token)

	if resp != nil {
		if resp.Addr == addr && resp.Value.Token.Equal(token) {
			return resp, nil, false
		}
		if len(b.buf) >= bufferCapacity {
			return nil, ErrBufferCapacityExhausted, false
		}
		b.buf[respKey(resp.Addr, resp.Value.Token)] = resp
	}

	if buffered, ok := b.buf[wanted]; ok {
		delete(b.buf, wanted)
		return buffered, nil, false
	}
	return nil, nil, true
}

// BeforeMessageSent implements Step.
func (b *BufferResponses) BeforeMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error {
	return b.Inner.BeforeMessageSent(snap, effects, msg)
}

// OnMessageSent implements Step.
func (b *BufferResponses) OnMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error {
	return b.Inner.OnMessageSent(snap, effects, msg)
}

// Notify implements Step.
func (b *BufferResponses) Notify(path string, effects *[]transport.Effect) error {
	return b.Inner.Notify(path, effects)
}
