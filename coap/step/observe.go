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
	"strings"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/facebook/coap/message"
	"github.com/facebook/coap/transport"
)

// SubscriptionHash identifies which subscriptions should receive the
// same notification, per spec.md section 4.4.9. The default hashes
// Type, Uri-Path, Uri-Query, and Accept; callers with different
// de-duplication needs (e.g. including a custom option) can supply
// their own.
type SubscriptionHash func(req *message.Message) uint64

// DefaultSubscriptionHash hashes Type, Uri-Path, Uri-Query, and Accept
// with xxhash, replacing the original implementation's Blake2 hasher
// (only equal inputs giving equal hashes matters here, not the
// specific function).
func DefaultSubscriptionHash(req *message.Message) uint64 {
	h := xxhash.New()
	h.Write([]byte{byte(req.Type)})
	h.Write([]byte(req.Path()))
	for _, q := range req.Options.GetAll(message.URIQuery) {
		h.Write(q)
	}
	for _, a := range req.Options.GetAll(message.Accept) {
		h.Write(a)
	}
	return h.Sum64()
}

type subscription struct {
	addr    netip.AddrPort
	token   message.Token
	req     *message.Message
	hash    uint64
}

// Observe implements RFC 7641 server-side fan-out, per spec.md
// section 4.4.9: registering/deregistering subscriptions, cloning a
// fresh response to every subscriber whose request hashes the same as
// the one that triggered a response, and replaying a subscription's
// original request when Notify reports its resource changed.
type Observe struct {
	Inner  Step
	Hasher SubscriptionHash

	mu      sync.Mutex
	subs    []subscription
	pending []*Addressed
}

// NewObserve wraps inner with the default subscription hasher.
func NewObserve(inner Step) *Observe {
	return &Observe{Inner: inner, Hasher: DefaultSubscriptionHash}
}

func (o *Observe) hasher() SubscriptionHash {
	if o.Hasher != nil {
		return o.Hasher
	}
	return DefaultSubscriptionHash
}

// PollReq implements Step.
func (o *Observe) PollReq(snap *transport.Snapshot, effects *[]transport.Effect) (*Addressed, error, bool) {
	req, err, blocked := o.Inner.PollReq(snap, effects)
	if err == nil && !blocked && req != nil {
		o.registerOrDeregister(req)
		return req, nil, false
	}
	if err != nil || blocked {
		return req, err, blocked
	}

	// Inner had nothing to report; drain a pending notify-triggered
	// request, per spec.md section 4.4.9.
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == 0 {
		return nil, nil, false
	}
	next := o.pending[0]
	o.pending = o.pending[1:]
	return next, nil, false
}

func (o *Observe) registerOrDeregister(req *Addressed) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch req.Value.ObserveAction() {
	case message.ObserveRegister:
		o.subs = append(o.subs, subscription{
			addr:  req.Addr,
			token: req.Value.Token,
			req:   req.Value.Clone(),
			hash:  o.hasher()(req.Value),
		})
	case message.ObserveDeregister:
		for i, s := range o.subs {
			if s.addr == req.Addr && s.token.Equal(req.Value.Token) {
				o.subs = append(o.subs[:i], o.subs[i+1:]...)
				break
			}
		}
	}
}

// PollResp implements Step.
func (o *Observe) PollResp(snap *transport.Snapshot, effects *[]transport.Effect, token message.Token, addr netip.AddrPort) (*Addressed, error, bool) {
	return o.Inner.PollResp(snap, effects, token, addr)
}

// BeforeMessageSent implements Step.
func (o *Observe) BeforeMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error {
	if err := o.Inner.BeforeMessageSent(snap, effects, msg); err != nil {
		return err
	}

	if msg.Value.Code.Kind() == message.KindResponse {
		o.fanOut(snap, effects, msg)
	}

	// Outbound sanitization: the marker never reaches the wire.
	msg.Value.Options.Remove(message.ObserveMarker)
	return nil
}

func (o *Observe) fanOut(snap *transport.Snapshot, effects *[]transport.Effect, resp *Addressed) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var triggering *subscription
	for i := range o.subs {
		if o.subs[i].addr == resp.Addr && o.subs[i].token.Equal(resp.Value.Token) {
			triggering = &o.subs[i]
			break
		}
	}
	if triggering == nil {
		return
	}

	for _, s := range o.subs {
		if s.addr == triggering.addr && s.token.Equal(triggering.token) {
			continue
		}
		if s.hash != triggering.hash {
			continue
		}
		clone := resp.Value.Clone()
		clone.Token = s.token
		clone.Options.Remove(message.ObserveMarker)
		*effects = append(*effects, transport.SendDgram(transport.New(mustBytes(clone), s.addr)))
		if snap.Stats != nil {
			snap.Stats.ObserveFanOuts.Inc()
		}
	}
}

// OnMessageSent implements Step.
func (o *Observe) OnMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error {
	return o.Inner.OnMessageSent(snap, effects, msg)
}

// Notify implements Step.
func (o *Observe) Notify(path string, effects *[]transport.Effect) error {
	if err := o.Inner.Notify(path, effects); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	seen := make(map[uint64]bool, len(o.pending))
	for _, p := range o.pending {
		seen[o.hasher()(p.Value)] = true
	}

	for _, s := range o.subs {
		if s.req.Path() != path && !strings.HasPrefix(s.req.Path(), path+"/") {
			continue
		}
		if seen[s.hash] {
			continue
		}
		seen[s.hash] = true
		clone := s.req.Clone()
		clone.Options.Set(message.ObserveMarker, []byte{1})
		addressed := transport.New(clone, s.addr)
		o.pending = append(o.pending, &addressed)
	}
	return nil
}
