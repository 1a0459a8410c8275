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
	"fmt"
	"net/netip"
	"sync"

	"github.com/facebook/coap/message"
	"github.com/facebook/coap/retry"
	"github.com/facebook/coap/stats"
	"github.com/facebook/coap/transport"
)

// ErrMessageNeverAcked is reported when a retry budget is exhausted
// without the exchange completing, per spec.md section 4.4.7.
var ErrMessageNeverAcked = errors.New("coap: message never acked")

// retryEntry is one outstanding message under retry management. A
// ConPreAck entry adopts postAckStrategy/postAckMaxAttempts once its
// ACK arrives; a plain entry (postAckMaxAttempts == 0) never changes
// strategy.
type retryEntry struct {
	timer               *retry.Timer
	postAckStrategy     retry.Strategy
	postAckMaxAttempts  int
	isConPreAck         bool
	msg                 *Addressed
}

// Retry retransmits outbound Confirmable requests/responses and
// Non-confirmable requests on a backoff schedule, per spec.md
// section 4.4.7. A Confirmable message retries with the unacked
// strategy until its ACK is observed, then switches to the acked
// strategy; a Non-confirmable request retries with a single fixed
// strategy; everything else (ACKs, NON responses) is fire-and-forget
// and never enters the buffer.
type Retry struct {
	Inner Step

	mu  sync.Mutex
	buf []*retryEntry
}

// NewRetry wraps inner.
func NewRetry(inner Step) *Retry { return &Retry{Inner: inner} }

// attemptAll resends every entry whose timer says it's due, and
// reports ErrMessageNeverAcked for any entry whose budget is spent,
// removing it from the buffer.
func (r *Retry) attemptAll(snap *transport.Snapshot, effects *[]transport.Effect) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := r.buf[:0]
	var firstErr error
	for _, e := range r.buf {
		switch e.timer.WhatShouldIDo(snap.Time) {
		case retry.Retry:
			b, err := e.msg.Value.Bytes(snap.Config.Msg.MaxMessageSize)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("re-serializing retry for token %s: %w", e.msg.Value.Token, err)
				}
				continue
			}
			*effects = append(*effects, transport.SendDgram(transport.New(b, e.msg.Addr)))
			remaining = append(remaining, e)
			if snap.Stats != nil {
				snap.Stats.Retries.Inc()
			}
		case retry.Cry:
			*effects = append(*effects, transport.Log(transport.LogWarn, "message never acked, token "+e.msg.Value.Token.String()))
			if firstErr == nil {
				firstErr = ErrMessageNeverAcked
			}
			if snap.Stats != nil {
				snap.Stats.MessagesNeverAcked.Inc()
				snap.Stats.OpenExchanges.Dec()
			}
		default: // WouldBlock
			remaining = append(remaining, e)
		}
	}
	r.buf = remaining
	return firstErr
}

// forget drops the entry matching token, if any, called when a full
// response arrives and the exchange is complete.
func (r *Retry) forget(st *stats.Stats, token message.Token) {
	for i, e := range r.buf {
		if e.msg.Value.Token.Equal(token) {
			r.buf = append(r.buf[:i], r.buf[i+1:]...)
			if st != nil {
				st.OpenExchanges.Dec()
			}
			return
		}
	}
}

// markAcked resets the matching ConPreAck entry's timer to its
// post-ACK strategy, per spec.md section 4.4.7.
func (r *Retry) markAcked(token message.Token, now transport.Snapshot) {
	for _, e := range r.buf {
		if e.isConPreAck && e.msg.Value.Token.Equal(token) {
			e.timer.Reset(now.Time, e.postAckStrategy, e.postAckMaxAttempts)
			e.isConPreAck = false
			return
		}
	}
}

// seenResponse updates the buffer in response to an observed message
// on the client flow: an empty-code ACK marks the entry acked, a
// response-code message completes (and forgets) it.
func (r *Retry) seenResponse(snap *transport.Snapshot, resp *Addressed) {
	if resp == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case resp.Value.Type == message.Acknowledgement && resp.Value.Code.Kind() == message.KindEmpty:
		r.markAcked(resp.Value.Token, *snap)
	case resp.Value.Code.Kind() == message.KindResponse:
		r.forget(snap.Stats, resp.Value.Token)
	}
}

// storeRetryables enrolls msg in the retry buffer per the rules of
// spec.md section 4.4.7: Confirmable messages get the two-phase
// ConPreAck treatment, Non-confirmable requests get a single fixed
// strategy, everything else is untracked.
func (r *Retry) storeRetryables(snap *transport.Snapshot, msg *Addressed) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case msg.Value.Type == message.Confirmable:
		timer := retry.NewTimer(snap.Time, snap.Config.Msg.ConRequests.UnackedRetryStrategy, snap.Config.Msg.ConRequests.MaxAttempts)
		r.buf = append(r.buf, &retryEntry{
			timer:              timer,
			postAckStrategy:    snap.Config.Msg.ConRequests.AckedRetryStrategy,
			postAckMaxAttempts: snap.Config.Msg.ConRequests.MaxAttempts,
			isConPreAck:        true,
			msg:                msg,
		})
		if snap.Stats != nil {
			snap.Stats.OpenExchanges.Inc()
		}
	case msg.Value.Type == message.NonConfirmable && msg.Value.Code.Kind() == message.KindRequest:
		timer := retry.NewTimer(snap.Time, snap.Config.Msg.NonRequests.Strategy, snap.Config.Msg.NonRequests.MaxAttempts)
		r.buf = append(r.buf, &retryEntry{timer: timer, msg: msg})
		if snap.Stats != nil {
			snap.Stats.OpenExchanges.Inc()
		}
	}
}

// PollReq implements Step.
func (r *Retry) PollReq(snap *transport.Snapshot, effects *[]transport.Effect) (*Addressed, error, bool) {
	if err := r.attemptAll(snap, effects); err != nil {
		return nil, err, false
	}
	return r.Inner.PollReq(snap, effects)
}

// PollResp implements Step.
func (r *Retry) PollResp(snap *transport.Snapshot, effects *[]transport.Effect, token message.Token, addr netip.AddrPort) (*Addressed, error, bool) {
	if err := r.attemptAll(snap, effects); err != nil {
		return nil, err, false
	}
	resp, err, blocked := r.Inner.PollResp(snap, effects, token, addr)
	if err != nil || blocked {
		return resp, err, blocked
	}
	r.seenResponse(snap, resp)
	return resp, nil, false
}

// BeforeMessageSent implements Step.
func (r *Retry) BeforeMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error {
	return r.Inner.BeforeMessageSent(snap, effects, msg)
}

// OnMessageSent implements Step.
func (r *Retry) OnMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error {
	if err := r.Inner.OnMessageSent(snap, effects, msg); err != nil {
		return err
	}
	r.storeRetryables(snap, msg)
	return nil
}

// Notify implements Step.
func (r *Retry) Notify(path string, effects *[]transport.Effect) error {
	return r.Inner.Notify(path, effects)
}
