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
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebook/coap/clock"
	"github.com/facebook/coap/config"
	"github.com/facebook/coap/message"
	"github.com/facebook/coap/transport"
)

var testAddr = netip.MustParseAddrPort("203.0.113.1:5683")

func snapshotWith(b []byte, addr netip.AddrPort) *transport.Snapshot {
	d := transport.New(b, addr)
	return &transport.Snapshot{Time: clock.NewInstant(time.Unix(0, 0)), Datagram: &d, Config: config.Default()}
}

func mustEncode(t *testing.T, m *message.Message) []byte {
	t.Helper()
	b, err := m.Bytes(0)
	require.NoError(t, err)
	return b
}

func TestParsePollReqOnlyYieldsRequests(t *testing.T) {
	p := Parse{Inner: Base{}}

	ack := message.New(message.Acknowledgement, message.Empty, 7, nil)
	var effects []transport.Effect
	req, err, blocked := p.PollReq(snapshotWith(mustEncode(t, ack), testAddr), &effects)
	require.NoError(t, err)
	require.False(t, blocked)
	require.Nil(t, req, "poll_req must not surface an ACK-coded datagram")

	get := message.New(message.Confirmable, message.GET, 8, message.Token{1})
	effects = nil
	req, err, blocked = p.PollReq(snapshotWith(mustEncode(t, get), testAddr), &effects)
	require.NoError(t, err)
	require.False(t, blocked)
	require.NotNil(t, req)
	require.Equal(t, message.GET, req.Value.Code)
}

func TestParsePollRespYieldsAnyParsedMessage(t *testing.T) {
	p := Parse{Inner: Base{}}

	ack := message.New(message.Acknowledgement, message.Empty, 9, message.Token{0xaa})
	var effects []transport.Effect
	resp, err, blocked := p.PollResp(snapshotWith(mustEncode(t, ack), testAddr), &effects, message.Token{0xaa}, testAddr)
	require.NoError(t, err)
	require.False(t, blocked)
	require.NotNil(t, resp, "poll_resp must surface ACK-typed datagrams so HandleAcks can see them")
	require.Equal(t, message.Acknowledgement, resp.Value.Type)
}

func TestParseDiscardsMalformedDatagram(t *testing.T) {
	p := Parse{Inner: Base{}}

	var effects []transport.Effect
	req, err, blocked := p.PollReq(snapshotWith([]byte{0x01}, testAddr), &effects)
	require.NoError(t, err)
	require.False(t, blocked)
	require.Nil(t, req)
	require.NotEmpty(t, effects, "a parse failure should be logged")
}
