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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/facebook/coap/message"
	"github.com/facebook/coap/transport"
)

var testAddrB = netip.MustParseAddrPort("203.0.113.2:5683")

func registerReq(addr netip.AddrPort, token message.Token, path string) *Addressed {
	msg := message.New(message.Confirmable, message.GET, 0, token)
	msg.SetPath(path)
	msg.SetObserve(message.ObserveRegister)
	a := transport.New(msg, addr)
	return &a
}

func TestObserveFansOutToSubscribersSharingHash(t *testing.T) {
	o := NewObserve(Base{})

	subA := registerReq(testAddr, message.Token{0xA}, "res")
	subB := registerReq(testAddrB, message.Token{0xB}, "res")
	o.registerOrDeregister(subA)
	o.registerOrDeregister(subB)
	require.Len(t, o.subs, 2)

	resp := message.New(message.Confirmable, message.Content, 1, message.Token{0xA})
	addressed := transport.New(resp, testAddr)
	var effects []transport.Effect
	require.NoError(t, o.BeforeMessageSent(snapshotWith(nil, testAddr), &effects, &addressed))

	require.Len(t, effects, 1, "the non-triggering subscriber should get a synthesized copy")
	sent := effects[0]
	require.Equal(t, testAddrB, sent.Dgram.Addr)

	fanned, err := message.Parse(sent.Dgram.Value)
	require.NoError(t, err)
	require.True(t, message.Token{0xB}.Equal(fanned.Token))
	_, hasMarker := fanned.Options.Get(message.ObserveMarker)
	require.False(t, hasMarker, "the marker must be stripped before the copy reaches the wire")
}

func TestObserveStripsMarkerFromDirectResponseToo(t *testing.T) {
	o := NewObserve(Base{})

	resp := message.New(message.Confirmable, message.Content, 1, message.Token{0x01})
	resp.Options.Set(message.ObserveMarker, []byte{1})
	addressed := transport.New(resp, testAddr)
	var effects []transport.Effect
	require.NoError(t, o.BeforeMessageSent(snapshotWith(nil, testAddr), &effects, &addressed))

	_, hasMarker := resp.Options.Get(message.ObserveMarker)
	require.False(t, hasMarker)
}

func TestObserveNotifyDedupesByHash(t *testing.T) {
	o := NewObserve(Base{})

	subA := registerReq(testAddr, message.Token{0xA}, "res")
	subB := registerReq(testAddrB, message.Token{0xB}, "res")
	o.registerOrDeregister(subA)
	o.registerOrDeregister(subB)

	require.NoError(t, o.Notify("res", &[]transport.Effect{}))
	require.Len(t, o.pending, 1, "A and B hash identically so only one notification should be queued")
}
