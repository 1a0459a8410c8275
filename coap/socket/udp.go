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
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// UDP is the reference Socket implementation, grounded on
// ptp4u/server's raw-fd, non-blocking UDP setup
// (startEventListener/startGeneralListener) and timestamp.ConnFd's
// syscall-conn fd extraction.
type UDP struct {
	conn *net.UDPConn
	fd   int
}

// Bind opens a non-blocking UDP socket on addr.
func Bind(addr netip.AddrPort) (*UDP, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	fd, err := connFd(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("extracting fd: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting non-blocking: %w", err)
	}

	return &UDP{conn: conn, fd: fd}, nil
}

// connFd extracts the raw file descriptor of a UDP connection, mirroring
// timestamp.ConnFd.
func connFd(conn *net.UDPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	err = sc.Control(func(f uintptr) { fd = int(f) })
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// LocalAddr implements Socket.
func (u *UDP) LocalAddr() netip.AddrPort {
	return u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Send implements Socket.
func (u *UDP) Send(b []byte, addr netip.AddrPort) error {
	_, err := u.conn.WriteToUDPAddrPort(b, addr)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
		return ErrWouldBlock
	}
	return err
}

// Recv implements Socket.
func (u *UDP) Recv(buf []byte) (int, netip.AddrPort, error) {
	n, addr, err := u.conn.ReadFromUDPAddrPort(buf)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
	return n, addr, err
}

// Peek implements Socket. UDP has no kernel-level peek-without-consume
// primitive portable across platforms, so this reads with MSG_PEEK.
func (u *UDP) Peek(buf []byte) (int, netip.AddrPort, error) {
	n, _, _, rsa, err := unix.Recvmsg(u.fd, buf, nil, unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	addr, aerr := sockaddrToAddrPort(rsa)
	if aerr != nil {
		return 0, netip.AddrPort{}, aerr
	}
	return n, addr, nil
}

func sockaddrToAddrPort(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(s.Addr), uint16(s.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(s.Addr), uint16(s.Port)), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("unsupported sockaddr type %T", sa)
	}
}

// JoinMulticast implements Socket.
func (u *UDP) JoinMulticast(addr netip.Addr) error {
	iface, err := defaultMulticastInterface()
	if err != nil {
		return err
	}
	if addr.Is4() {
		a4 := addr.As4()
		mreq := &unix.IPMreq{Multiaddr: a4}
		return unix.SetsockoptIPMreq(u.fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
	}
	a16 := addr.As16()
	mreq := &unix.IPv6Mreq{Multiaddr: a16, Interface: uint32(iface)}
	return unix.SetsockoptIPv6Mreq(u.fd, unix.IPPROTO_IPV6, unix.IPV6_ADD_MEMBERSHIP, mreq)
}

func defaultMulticastInterface() (int, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagMulticast != 0 && iface.Flags&net.FlagUp != 0 {
			return iface.Index, nil
		}
	}
	return 0, fmt.Errorf("no multicast-capable interface found")
}

// Close implements Socket.
func (u *UDP) Close() error { return u.conn.Close() }
