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

package runtime

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/coap/message"
	"github.com/facebook/coap/transport"
)

// OutcomeKind discriminates what a Handler decided to do with a
// request, per spec.md section 4.5.
type OutcomeKind int

// Outcome kinds a Handler may return.
const (
	// Matched means the handler produced a response to send back.
	Matched OutcomeKind = iota
	// Unmatched means the handler had nothing to say about this
	// request; BlockingServer moves on to the next one.
	Unmatched
	// Errored means the handler failed; BlockingServer logs Err and
	// moves on.
	Errored
)

// Outcome is what a Handler reports after inspecting one request.
type Outcome struct {
	Kind     OutcomeKind
	Response *message.Message
	Err      error
}

// MatchedOutcome builds an Outcome carrying a response to send.
func MatchedOutcome(resp *message.Message) Outcome { return Outcome{Kind: Matched, Response: resp} }

// UnmatchedOutcome builds an Outcome that declines to handle a
// request.
func UnmatchedOutcome() Outcome { return Outcome{Kind: Unmatched} }

// ErroredOutcome builds an Outcome carrying a handler failure.
func ErroredOutcome(err error) Outcome { return Outcome{Kind: Errored, Err: err} }

// Handler inspects one inbound request and decides how to respond.
type Handler func(req *transport.Addr[*message.Message]) Outcome

// BlockingServer is the convenience loop spec.md section 4.5
// describes: repeatedly poll for a request, run it through handler,
// and send whatever response the handler produces.
type BlockingServer struct {
	rt *Runtime
}

// NewBlockingServer wraps rt.
func NewBlockingServer(rt *Runtime) *BlockingServer {
	return &BlockingServer{rt: rt}
}

// Run loops until PollReq fails with an error other than
// ErrWouldBlock, and returns that error. Every PollReq that would
// block is silently retried; no Outcome a handler returns stops the
// loop.
func (s *BlockingServer) Run(handler Handler) error {
	for {
		req, err := s.rt.PollReq()
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				continue
			}
			return err
		}

		outcome := handler(req)
		switch outcome.Kind {
		case Matched:
			if err := s.rt.SendMsg(outcome.Response, req.Addr); err != nil {
				log.Warningf("coap: blocking server: sending response to %s: %v", req.Addr, err)
			}
		case Errored:
			log.Warningf("coap: blocking server: handler error for request from %s: %v", req.Addr, outcome.Err)
		case Unmatched:
		}
	}
}
