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
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebook/coap/clock"
	"github.com/facebook/coap/config"
	"github.com/facebook/coap/message"
	"github.com/facebook/coap/retry"
	"github.com/facebook/coap/transport"
)

func fastRetryConfig() config.Config {
	cfg := config.Default()
	cfg.Msg.ConRequests.UnackedRetryStrategy = retry.Strategy{Kind: retry.Delay, Min: 10 * time.Millisecond, Max: 10 * time.Millisecond}
	cfg.Msg.ConRequests.AckedRetryStrategy = retry.Strategy{Kind: retry.Delay, Min: 10 * time.Millisecond, Max: 10 * time.Millisecond}
	cfg.Msg.ConRequests.MaxAttempts = 3
	cfg.Msg.NonRequests.Strategy = retry.Strategy{Kind: retry.Delay, Min: 10 * time.Millisecond, Max: 10 * time.Millisecond}
	cfg.Msg.NonRequests.MaxAttempts = 2
	return cfg
}

func TestRetryDoesNotResendBeforeItsDue(t *testing.T) {
	r := NewRetry(&stubStep{})
	cfg := fastRetryConfig()
	start := clock.NewInstant(time.Unix(0, 0))

	msg := message.New(message.Confirmable, message.GET, 1, message.Token{0x01})
	sent := transport.New(msg, testAddr)
	require.NoError(t, r.OnMessageSent(&transport.Snapshot{Time: start, Config: cfg}, &[]transport.Effect{}, &sent))

	var effects []transport.Effect
	req, err, blocked := r.PollReq(&transport.Snapshot{Time: start, Config: cfg}, &effects)
	require.NoError(t, err)
	require.False(t, blocked)
	require.Nil(t, req)
	require.Empty(t, effects, "a retry that isn't due yet must not resend")
}

func TestRetryResendsOnceTheIntervalElapses(t *testing.T) {
	r := NewRetry(&stubStep{})
	cfg := fastRetryConfig()
	start := clock.NewInstant(time.Unix(0, 0))

	msg := message.New(message.Confirmable, message.GET, 1, message.Token{0x01})
	sent := transport.New(msg, testAddr)
	require.NoError(t, r.OnMessageSent(&transport.Snapshot{Time: start, Config: cfg}, &[]transport.Effect{}, &sent))

	later := start.Add(11 * time.Millisecond)
	var effects []transport.Effect
	_, err, _ := r.PollReq(&transport.Snapshot{Time: later, Config: cfg}, &effects)
	require.NoError(t, err)
	require.Len(t, effects, 1, "a due retry must resend the original datagram")
	require.Equal(t, transport.EffectSendDgram, effects[0].Kind)
	require.Equal(t, testAddr, effects[0].Dgram.Addr)
}

func TestRetryGivesUpAfterMaxAttemptsAndReportsError(t *testing.T) {
	r := NewRetry(&stubStep{})
	cfg := fastRetryConfig()
	start := clock.NewInstant(time.Unix(0, 0))

	msg := message.New(message.Confirmable, message.GET, 1, message.Token{0x01})
	sent := transport.New(msg, testAddr)
	require.NoError(t, r.OnMessageSent(&transport.Snapshot{Time: start, Config: cfg}, &[]transport.Effect{}, &sent))

	at := start
	var lastErr error
	for i := 0; i < cfg.Msg.ConRequests.MaxAttempts; i++ {
		at = at.Add(11 * time.Millisecond)
		var effects []transport.Effect
		_, err, _ := r.PollReq(&transport.Snapshot{Time: at, Config: cfg}, &effects)
		if err != nil {
			lastErr = err
		}
	}
	require.ErrorIs(t, lastErr, ErrMessageNeverAcked)
}

func TestRetrySwitchesToAckedStrategyOnceAcked(t *testing.T) {
	r := NewRetry(&stubStep{})
	cfg := fastRetryConfig()
	start := clock.NewInstant(time.Unix(0, 0))
	token := message.Token{0x02}

	msg := message.New(message.Confirmable, message.GET, 1, token)
	sent := transport.New(msg, testAddr)
	require.NoError(t, r.OnMessageSent(&transport.Snapshot{Time: start, Config: cfg}, &[]transport.Effect{}, &sent))

	ack := message.New(message.Acknowledgement, message.Empty, 1, token)
	ackAddressed := transport.New(ack, testAddr)
	r.seenResponse(&transport.Snapshot{Time: start, Config: cfg}, &ackAddressed)

	// immediately after the ACK, the post-ACK timer has just been reset,
	// so a poll shortly afterwards must not resend yet.
	soon := start.Add(5 * time.Millisecond)
	var effects []transport.Effect
	_, err, _ := r.PollReq(&transport.Snapshot{Time: soon, Config: cfg}, &effects)
	require.NoError(t, err)
	require.Empty(t, effects, "the post-ACK strategy restarts the timer from the ACK's arrival")
}

func TestRetryForgetsExchangeOnFullResponse(t *testing.T) {
	r := NewRetry(&stubStep{})
	cfg := fastRetryConfig()
	start := clock.NewInstant(time.Unix(0, 0))
	token := message.Token{0x03}

	msg := message.New(message.Confirmable, message.GET, 1, token)
	sent := transport.New(msg, testAddr)
	require.NoError(t, r.OnMessageSent(&transport.Snapshot{Time: start, Config: cfg}, &[]transport.Effect{}, &sent))

	resp := message.New(message.Acknowledgement, message.Content, 1, token)
	respAddressed := transport.New(resp, testAddr)
	r.seenResponse(&transport.Snapshot{Time: start, Config: cfg}, &respAddressed)

	later := start.Add(100 * time.Millisecond)
	var effects []transport.Effect
	_, err, _ := r.PollReq(&transport.Snapshot{Time: later, Config: cfg}, &effects)
	require.NoError(t, err)
	require.Empty(t, effects, "a completed exchange must not be retried")
}
