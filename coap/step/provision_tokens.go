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
	"encoding/binary"
	"net/netip"
	"sync/atomic"

	"github.com/facebook/coap/message"
	"github.com/facebook/coap/transport"
)

// ProvisionTokens assigns a token to outbound requests that don't
// already have one, per spec.md section 4.4.3. Stateless apart from a
// counter held by this step that disambiguates tokens minted within the same
// millisecond (see SPEC_FULL.md section 9: the token stays within the
// 8-byte wire ceiling of spec.md section 3.1 by trading the literal
// 8-byte millis field for a 4-byte truncated one plus a 2-byte
// counter, rather than growing to the 10 bytes a naive reading of
// section 4.4.3 would produce).
type ProvisionTokens struct {
	Inner   Step
	counter uint32
}

// NewProvisionTokens wraps inner.
func NewProvisionTokens(inner Step) *ProvisionTokens {
	return &ProvisionTokens{Inner: inner}
}

func (p *ProvisionTokens) next(seed uint16, nowMillis int64) message.Token {
	n := uint16(atomic.AddUint32(&p.counter, 1))
	b := make([]byte, 8)
	binary.BigEndian.PutUint16(b[0:2], seed)
	binary.BigEndian.PutUint32(b[2:6], uint32(nowMillis))
	binary.BigEndian.PutUint16(b[6:8], n)
	return message.Token(b)
}

// PollReq implements Step.
func (p *ProvisionTokens) PollReq(snap *transport.Snapshot, effects *[]transport.Effect) (*Addressed, error, bool) {
	return p.Inner.PollReq(snap, effects)
}

// PollResp implements Step.
func (p *ProvisionTokens) PollResp(snap *transport.Snapshot, effects *[]transport.Effect, token message.Token, addr netip.AddrPort) (*Addressed, error, bool) {
	return p.Inner.PollResp(snap, effects, token, addr)
}

// BeforeMessageSent implements Step.
func (p *ProvisionTokens) BeforeMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error {
	if err := p.Inner.BeforeMessageSent(snap, effects, msg); err != nil {
		return err
	}
	if msg.Value.Code.Kind() == message.KindRequest && len(msg.Value.Token) == 0 {
		msg.Value.Token = p.next(snap.Config.Msg.TokenSeed, snap.Time.UnixMilli())
	}
	return nil
}

// OnMessageSent implements Step.
func (p *ProvisionTokens) OnMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error {
	return p.Inner.OnMessageSent(snap, effects, msg)
}

// Notify implements Step.
func (p *ProvisionTokens) Notify(path string, effects *[]transport.Effect) error {
	return p.Inner.Notify(path, effects)
}
