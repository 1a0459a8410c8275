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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/facebook/coap/message"
	"github.com/facebook/coap/transport"
)

func TestResetUnknownAcksSendsResetButDoesNotSuppress(t *testing.T) {
	r := NewResetUnknownAcks(&stubStep{})

	ack := message.New(message.Acknowledgement, message.Empty, 5, message.Token{0x09})
	addressed := transport.New(ack, testAddr)
	r.resetAndReturn(t, addressed)
}

// resetAndReturn exercises maybeReset through PollResp directly, since
// PollResp is the exported surface that wraps it.
func (r *ResetUnknownAcks) resetAndReturn(t *testing.T, addressed Addressed) {
	t.Helper()
	r.Inner = &stubStep{resp: &addressed}

	var effects []transport.Effect
	resp, err, blocked := r.PollResp(snapshotWith(nil, testAddr), &effects, addressed.Value.Token, testAddr)
	require.NoError(t, err)
	require.False(t, blocked)
	require.NotNil(t, resp, "ResetUnknownAcks must not suppress the message")

	require.Len(t, effects, 1)
	sent := effects[0]
	require.Equal(t, transport.EffectSendDgram, sent.Kind)
	rst, err := message.Parse(sent.Dgram.Value)
	require.NoError(t, err)
	require.Equal(t, message.Reset, rst.Type)
	require.True(t, addressed.Value.Token.Equal(rst.Token))
}

func TestResetUnknownAcksSkipsKnownToken(t *testing.T) {
	r := NewResetUnknownAcks(&stubStep{})

	sent := message.New(message.Confirmable, message.GET, 1, message.Token{0x0a})
	addressedSent := transport.New(sent, testAddr)
	require.NoError(t, r.OnMessageSent(snapshotWith(nil, testAddr), &[]transport.Effect{}, &addressedSent))

	ack := message.New(message.Acknowledgement, message.Empty, 1, message.Token{0x0a})
	addressedAck := transport.New(ack, testAddr)
	r.Inner = &stubStep{resp: &addressedAck}

	var effects []transport.Effect
	resp, err, blocked := r.PollResp(snapshotWith(nil, testAddr), &effects, addressedAck.Value.Token, testAddr)
	require.NoError(t, err)
	require.False(t, blocked)
	require.NotNil(t, resp)
	require.Empty(t, effects, "a known token must not trigger a Reset")
}
