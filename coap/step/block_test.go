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

// queueStep yields each queued request/response in order, one per poll.
type queueStep struct {
	Base
	reqs  []*Addressed
	resps []*Addressed
}

func (q *queueStep) PollReq(snap *transport.Snapshot, effects *[]transport.Effect) (*Addressed, error, bool) {
	if len(q.reqs) == 0 {
		return nil, nil, false
	}
	req := q.reqs[0]
	q.reqs = q.reqs[1:]
	return req, nil, false
}

func (q *queueStep) PollResp(snap *transport.Snapshot, effects *[]transport.Effect, token message.Token, addr netip.AddrPort) (*Addressed, error, bool) {
	if len(q.resps) == 0 {
		return nil, nil, false
	}
	resp := q.resps[0]
	q.resps = q.resps[1:]
	return resp, nil, false
}

func blockReq(id message.ID, num uint32, more bool, payload []byte) *Addressed {
	msg := message.New(message.Confirmable, message.PUT, id, message.Token{0x11})
	msg.Options.Set(message.Block1, blockValue{num: num, more: more, szx: 2}.encode())
	msg.Payload = payload
	a := transport.New(msg, testAddr)
	return &a
}

func TestBlockReassemblesRequest(t *testing.T) {
	q := &queueStep{reqs: []*Addressed{
		blockReq(1, 0, true, []byte("hello ")),
		blockReq(2, 1, false, []byte("world")),
	}}
	b := NewBlock(q)

	var effects []transport.Effect
	req, err, blocked := b.PollReq(snapshotWith(nil, testAddr), &effects)
	require.NoError(t, err)
	require.True(t, blocked, "an incomplete block series must report WouldBlock")
	require.Nil(t, req)
	require.Len(t, effects, 1, "the first block should be acked with 2.31 Continue")

	effects = nil
	req, err, blocked = b.PollReq(snapshotWith(nil, testAddr), &effects)
	require.NoError(t, err)
	require.False(t, blocked)
	require.NotNil(t, req)
	require.Equal(t, "hello world", string(req.Value.Payload))
	_, hasBlock1 := req.Value.Options.Get(message.Block1)
	require.False(t, hasBlock1, "the assembled request must not carry the Block1 option")
}

func blockResp(token message.Token, num uint32, more bool, payload []byte) *Addressed {
	msg := message.New(message.Acknowledgement, message.Content, 1, token)
	msg.Options.Set(message.Block2, blockValue{num: num, more: more, szx: 2}.encode())
	msg.Payload = payload
	a := transport.New(msg, testAddr)
	return &a
}

func TestBlockReassemblesResponseInOrder(t *testing.T) {
	token := message.Token{0x22}
	q := &queueStep{resps: []*Addressed{
		blockResp(token, 0, true, []byte("foo")),
		blockResp(token, 1, false, []byte("bar")),
	}}
	b := NewBlock(q)

	var effects []transport.Effect
	resp, err, blocked := b.PollResp(snapshotWith(nil, testAddr), &effects, token, testAddr)
	require.NoError(t, err)
	require.True(t, blocked)
	require.Nil(t, resp)

	effects = nil
	resp, err, blocked = b.PollResp(snapshotWith(nil, testAddr), &effects, token, testAddr)
	require.NoError(t, err)
	require.False(t, blocked)
	require.NotNil(t, resp)
	require.Equal(t, "foobar", string(resp.Value.Payload))
}
