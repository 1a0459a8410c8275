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

func TestBufferResponsesPassesThroughAMatchingResponse(t *testing.T) {
	token := message.Token{0x01}
	resp := message.New(message.Acknowledgement, message.Content, 1, token)
	addressed := transport.New(resp, testAddr)
	b := NewBufferResponses(&stubStep{resp: &addressed})

	var effects []transport.Effect
	got, err, blocked := b.PollResp(snapshotWith(nil, testAddr), &effects, token, testAddr)
	require.NoError(t, err)
	require.False(t, blocked)
	require.NotNil(t, got)
	require.True(t, got.Value.Token.Equal(token))
}

func TestBufferResponsesHoldsAnOutOfOrderResponseUntilPolledFor(t *testing.T) {
	wanted := message.Token{0x10}
	other := message.Token{0x20}

	otherResp := message.New(message.Acknowledgement, message.Content, 1, other)
	otherAddressed := transport.New(otherResp, testAddr)
	q := &queueStep{resps: []*Addressed{&otherAddressed}}
	b := NewBufferResponses(q)

	// polling for `wanted` while only `other`'s response has arrived
	// must buffer it and report WouldBlock rather than hand back a
	// mismatched response.
	var effects []transport.Effect
	got, err, blocked := b.PollResp(snapshotWith(nil, testAddr), &effects, wanted, testAddr)
	require.NoError(t, err)
	require.True(t, blocked)
	require.Nil(t, got)

	// now that the inner step has nothing left to yield, polling for
	// `other` must return the buffered response.
	effects = nil
	got, err, blocked = b.PollResp(snapshotWith(nil, testAddr), &effects, other, testAddr)
	require.NoError(t, err)
	require.False(t, blocked)
	require.NotNil(t, got)
	require.True(t, got.Value.Token.Equal(other))
}

func TestBufferResponsesReportsWouldBlockWhenInnerHasNothing(t *testing.T) {
	b := NewBufferResponses(&stubStep{})

	var effects []transport.Effect
	got, err, blocked := b.PollResp(snapshotWith(nil, testAddr), &effects, message.Token{0x01}, testAddr)
	require.NoError(t, err)
	require.True(t, blocked, "with nothing buffered and nothing new from the inner step, the caller should keep polling")
	require.Nil(t, got)
}
