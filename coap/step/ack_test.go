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

// stubStep yields a fixed request/response once, then nothing.
type stubStep struct {
	Base
	req  *Addressed
	resp *Addressed
}

func (s *stubStep) PollReq(snap *transport.Snapshot, effects *[]transport.Effect) (*Addressed, error, bool) {
	req := s.req
	s.req = nil
	return req, nil, false
}

func (s *stubStep) PollResp(snap *transport.Snapshot, effects *[]transport.Effect, token message.Token, addr netip.AddrPort) (*Addressed, error, bool) {
	resp := s.resp
	s.resp = nil
	return resp, nil, false
}

func TestAckSynthesizesAckForConfirmableRequest(t *testing.T) {
	req := message.New(message.Confirmable, message.GET, 42, message.Token{1, 2})
	addressed := transport.New(req, testAddr)
	a := NewAck(&stubStep{req: &addressed})

	var effects []transport.Effect
	got, err, blocked := a.PollReq(snapshotWith(nil, testAddr), &effects)
	require.NoError(t, err)
	require.False(t, blocked)
	require.Same(t, req, got.Value, "Ack must pass the request through unmodified")
	require.Len(t, effects, 1)

	sent := effects[0]
	require.Equal(t, transport.EffectSendDgram, sent.Kind)
	ack, err := message.Parse(sent.Dgram.Value)
	require.NoError(t, err)
	require.Equal(t, message.Acknowledgement, ack.Type)
	require.Equal(t, req.ID, ack.ID)
	require.True(t, req.Token.Equal(ack.Token))
}

func TestAckDoesNotAckNonConfirmable(t *testing.T) {
	req := message.New(message.NonConfirmable, message.GET, 42, message.Token{1})
	addressed := transport.New(req, testAddr)
	a := NewAck(&stubStep{req: &addressed})

	var effects []transport.Effect
	_, err, _ := a.PollReq(snapshotWith(nil, testAddr), &effects)
	require.NoError(t, err)
	require.Empty(t, effects)
}
