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

package socket

import (
	"net/netip"
	"sync"
)

type datagram struct {
	b    []byte
	addr netip.AddrPort
}

// Mock is a hand-written in-memory Socket for tests: datagrams pushed
// with DeliverInbound appear on Recv/Peek, and datagrams sent via Send
// are captured in Sent for assertions. Hand-written rather than
// generated, matching this codebase's ambient test-tooling convention of
// hand-rolled fakes for small I/O contracts (see SPEC_FULL.md).
type Mock struct {
	mu    sync.Mutex
	local netip.AddrPort
	in    []datagram
	Sent  []datagram
}

// NewMock returns a Mock bound to local.
func NewMock(local netip.AddrPort) *Mock {
	return &Mock{local: local}
}

// DeliverInbound queues a datagram as if received from addr.
func (m *Mock) DeliverInbound(b []byte, addr netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.in = append(m.in, datagram{b: append([]byte(nil), b...), addr: addr})
}

// LocalAddr implements Socket.
func (m *Mock) LocalAddr() netip.AddrPort { return m.local }

// Send implements Socket.
func (m *Mock) Send(b []byte, addr netip.AddrPort) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, datagram{b: append([]byte(nil), b...), addr: addr})
	return nil
}

// Recv implements Socket.
func (m *Mock) Recv(buf []byte) (int, netip.AddrPort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.in) == 0 {
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
	d := m.in[0]
	m.in = m.in[1:]
	n := copy(buf, d.b)
	return n, d.addr, nil
}

// Peek implements Socket.
func (m *Mock) Peek(buf []byte) (int, netip.AddrPort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.in) == 0 {
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
	d := m.in[0]
	n := copy(buf, d.b)
	return n, d.addr, nil
}

// JoinMulticast implements Socket.
func (m *Mock) JoinMulticast(netip.Addr) error { return nil }

// Close implements Socket.
func (m *Mock) Close() error { return nil }

// LastSent returns the most recently sent datagram's bytes and address,
// for test assertions.
func (m *Mock) LastSent() ([]byte, netip.AddrPort, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return nil, netip.AddrPort{}, false
	}
	d := m.Sent[len(m.Sent)-1]
	return d.b, d.addr, true
}
