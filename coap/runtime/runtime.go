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

// Package runtime exposes the application-facing surface over the
// step pipeline, per spec.md section 4.5: sending requests, polling
// for requests and responses, pinging a peer, and notifying the
// pipeline of resource changes. It is single-threaded and cooperative,
// per spec.md section 5 -- all state mutation happens on the calling
// goroutine, inside a single poll call.
package runtime

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/coap/clock"
	"github.com/facebook/coap/config"
	"github.com/facebook/coap/message"
	"github.com/facebook/coap/socket"
	"github.com/facebook/coap/stats"
	"github.com/facebook/coap/step"
	"github.com/facebook/coap/transport"
)

// ErrWouldBlock mirrors socket.ErrWouldBlock at the runtime surface:
// no datagram was ready, or no matching request/response has arrived
// yet.
var ErrWouldBlock = socket.ErrWouldBlock

// Runtime drives one step.Step stack against one socket.Socket, per
// spec.md section 4.5.
type Runtime struct {
	clock  clock.Clock
	sock   socket.Socket
	config config.Config
	stack  step.Step
	stats  *stats.Stats

	mu sync.Mutex
}

// New builds a Runtime over clk and sock using the default step
// stack, per spec.md section 4.5's new(clock, socket, config).
func New(clk clock.Clock, sock socket.Socket, cfg config.Config) *Runtime {
	return &Runtime{clock: clk, sock: sock, config: cfg, stack: step.NewDefaultStack()}
}

// NewWithStack builds a Runtime over an explicit step.Step, e.g. one
// built with step.NewResetVariantStack.
func NewWithStack(clk clock.Clock, sock socket.Socket, cfg config.Config, stack step.Step) *Runtime {
	return &Runtime{clock: clk, sock: sock, config: cfg, stack: stack}
}

// UseStats attaches st so every Snapshot built from here on reports
// through it. Passing nil (the zero value) turns reporting back off.
func (r *Runtime) UseStats(st *stats.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = st
}

// snapshot captures the next waiting datagram, if any, as a Snapshot
// for this tick. A socket with nothing waiting yields a Snapshot with
// no datagram; any other read error is returned.
func (r *Runtime) snapshot(buf []byte) (*transport.Snapshot, error) {
	snap := &transport.Snapshot{Time: r.clock.Now(), Config: r.config, Stats: r.stats}

	n, addr, err := r.sock.Peek(buf)
	switch {
	case err == nil:
		d := transport.New(append([]byte(nil), buf[:n]...), addr)
		snap.Datagram = &d
	case errors.Is(err, socket.ErrWouldBlock):
	default:
		return nil, fmt.Errorf("reading datagram: %w", err)
	}
	return snap, nil
}

// consume removes the datagram the last snapshot peeked at, once a
// step has claimed it, so the next tick doesn't see it again.
func (r *Runtime) consume(buf []byte) {
	if _, _, err := r.sock.Recv(buf); err != nil && !errors.Is(err, socket.ErrWouldBlock) {
		log.Warningf("coap: runtime: draining consumed datagram: %v", err)
	}
}

// drain performs every queued Effect against the socket, in order,
// per spec.md section 4.5.
func (r *Runtime) drain(effects []transport.Effect) {
	for _, e := range effects {
		switch e.Kind {
		case transport.EffectSendDgram:
			if err := r.sock.Send(e.Dgram.Value, e.Dgram.Addr); err != nil && !errors.Is(err, socket.ErrWouldBlock) {
				log.Warningf("coap: runtime: sending effect datagram to %s: %v", e.Dgram.Addr, err)
			}
		case transport.EffectLog:
			logAt(e.Level, e.Message)
		}
	}
}

func logAt(level transport.LogLevel, msg string) {
	switch level {
	case transport.LogDebug:
		log.Debug(msg)
	case transport.LogInfo:
		log.Info(msg)
	case transport.LogWarn:
		log.Warning(msg)
	case transport.LogError:
		log.Error(msg)
	}
}

// SendReq runs before_message_sent down the stack, serializes req,
// sends it, and runs on_message_sent, per spec.md section 4.5. It
// returns the token and address the exchange can later be polled for.
func (r *Runtime) SendReq(req *message.Message, addr netip.AddrPort) (message.Token, netip.AddrPort, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &transport.Snapshot{Time: r.clock.Now(), Config: r.config, Stats: r.stats}
	var effects []transport.Effect

	addressed := transport.New(req, addr)
	if err := r.stack.BeforeMessageSent(snap, &effects, &addressed); err != nil {
		r.drain(effects)
		return nil, netip.AddrPort{}, fmt.Errorf("before message sent: %w", err)
	}

	b, err := addressed.Value.Bytes(r.config.Msg.MaxMessageSize)
	if err != nil {
		r.drain(effects)
		return nil, netip.AddrPort{}, fmt.Errorf("serializing request: %w", err)
	}

	if err := r.sock.Send(b, addr); err != nil {
		r.drain(effects)
		return nil, netip.AddrPort{}, fmt.Errorf("sending request: %w", err)
	}

	if err := r.stack.OnMessageSent(snap, &effects, &addressed); err != nil {
		r.drain(effects)
		return nil, netip.AddrPort{}, fmt.Errorf("on message sent: %w", err)
	}

	r.drain(effects)
	return addressed.Value.Token, addressed.Addr, nil
}

// SendMsg serializes and sends resp as a direct response to addr
// (e.g. from a BlockingServer handler), running the stack's
// before/on_message_sent hooks the same as SendReq.
func (r *Runtime) SendMsg(resp *message.Message, addr netip.AddrPort) error {
	_, _, err := r.SendReq(resp, addr)
	return err
}

// PollReq performs one tick of the server flow, per spec.md
// section 4.5: capture a datagram, build a Snapshot, call the top of
// the stack, drain effects. Returns ErrWouldBlock when nothing is
// ready.
func (r *Runtime) PollReq() (*transport.Addr[*message.Message], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := make([]byte, r.config.Msg.MaxMessageSize)
	snap, err := r.snapshot(buf)
	if err != nil {
		return nil, err
	}
	var effects []transport.Effect

	req, err, blocked := r.stack.PollReq(snap, &effects)
	r.drain(effects)
	if snap.Datagram != nil {
		r.consume(buf)
	}
	if err != nil {
		return nil, err
	}
	if blocked || req == nil {
		return nil, ErrWouldBlock
	}
	return req, nil
}

// PollResp performs one tick of the client flow for the exchange
// identified by (token, addr), per spec.md section 4.5.
func (r *Runtime) PollResp(token message.Token, addr netip.AddrPort) (*transport.Addr[*message.Message], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := make([]byte, r.config.Msg.MaxMessageSize)
	snap, err := r.snapshot(buf)
	if err != nil {
		return nil, err
	}
	var effects []transport.Effect

	resp, err, blocked := r.stack.PollResp(snap, &effects, token, addr)
	r.drain(effects)
	if snap.Datagram != nil {
		r.consume(buf)
	}
	if err != nil {
		return nil, err
	}
	if blocked || resp == nil {
		return nil, ErrWouldBlock
	}
	return resp, nil
}

// Ping sends an empty Confirmable message to host:port, returning the
// (id, addr) PollPing needs to detect the matching Reset, per
// spec.md section 4.5.
func (r *Runtime) Ping(addr netip.AddrPort) (message.ID, netip.AddrPort, error) {
	msg := message.New(message.Confirmable, message.Empty, 0, nil)
	_, _, err := r.SendReq(msg, addr)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return msg.ID, addr, nil
}

// PollPing reports whether the Reset answering a prior Ping has
// arrived yet.
func (r *Runtime) PollPing(id message.ID, addr netip.AddrPort) (bool, error) {
	resp, err := r.PollResp(nil, addr)
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return false, nil
		}
		return false, err
	}
	return resp.Value.Type == message.Reset && resp.Value.ID == id, nil
}

// Notify forwards to the step stack's Notify, per spec.md section 4.5.
func (r *Runtime) Notify(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var effects []transport.Effect
	if err := r.stack.Notify(path, &effects); err != nil {
		return err
	}
	r.drain(effects)
	return nil
}
