/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package netio wraps a UDP socket with the bind/poll/receive/send
// contract the transaction subsystem depends on, including recovery of
// the packet's local destination address via pktinfo-equivalent
// ancillary data.
package netio

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	netproto "github.com/nabbar/golib/network/protocol"

	"github.com/nabbar/tftpd/internal/buffer"
)

type bindState int

const (
	stateInactive bindState = iota
	stateBinding
	stateBound
	stateUnbinding
)

var ErrNotBound = errors.New("netio: endpoint is not bound")

// Endpoint is a UDP socket with pktinfo-aware receive. Bind takes the
// write side of an internal RWMutex so a rebind excludes in-flight
// Receive/Send calls; Receive and Send take the read side so they may
// run concurrently with each other.
type Endpoint struct {
	mu    sync.RWMutex
	state bindState

	conn *net.UDPConn
	pc4  *ipv4.PacketConn
	pc6  *ipv6.PacketConn
	ipv6 bool

	pendingMu sync.Mutex
	pending   *buffer.Datagram
}

// New returns an unbound Endpoint.
func New() *Endpoint {
	return &Endpoint{}
}

// Bind resolves host:port and opens the UDP socket. port == 0 asks the
// OS for an ephemeral port; read it back with GetLocalPort. Bind waits
// for the write lock, so any call already using the previous handle
// completes first.
func (e *Endpoint) Bind(host string, port int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = stateBinding

	ip := net.ParseIP(host)
	isV6 := ip != nil && ip.To4() == nil && strings.Contains(host, ":")

	network := netproto.NetworkUDP.String()
	if isV6 {
		network = netproto.NetworkUDP6.String()
	}

	addr := &net.UDPAddr{IP: ip, Port: port}
	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		e.state = stateInactive
		return fmt.Errorf("netio: bind %s:%d: %w", host, port, err)
	}

	e.conn = conn
	e.ipv6 = isV6

	if isV6 {
		e.pc6 = ipv6.NewPacketConn(conn)
		_ = e.pc6.SetControlMessage(ipv6.FlagDst, true)
		e.pc4 = nil
	} else {
		e.pc4 = ipv4.NewPacketConn(conn)
		_ = e.pc4.SetControlMessage(ipv4.FlagDst, true)
		e.pc6 = nil
	}

	e.state = stateBound
	return nil
}

// Unbind closes the socket. It is idempotent.
func (e *Endpoint) Unbind() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateBound {
		return nil
	}
	e.state = stateUnbinding
	err := e.conn.Close()
	e.conn = nil
	e.pc4 = nil
	e.pc6 = nil
	e.state = stateInactive
	return err
}

// Close is Unbind under the io.Closer name, so an Endpoint can be
// registered directly with a mapCloser.Closer registry.
func (e *Endpoint) Close() error {
	return e.Unbind()
}

func (e *Endpoint) IsBound() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == stateBound
}

func (e *Endpoint) IsIpv6() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ipv6
}

// GetLocalPort returns the OS-assigned local port, meaningful after
// Bind with port == 0.
func (e *Endpoint) GetLocalPort() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.conn == nil {
		return 0
	}
	if a, ok := e.conn.LocalAddr().(*net.UDPAddr); ok {
		return a.Port
	}
	return 0
}

// HasDatagram reports whether a prior Poll buffered a datagram still
// awaiting Receive.
func (e *Endpoint) HasDatagram() bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return e.pending != nil
}

// Poll attempts a receive with the given timeout and, on success,
// buffers the result for the next Receive call. It returns true if a
// datagram is now pending.
func (e *Endpoint) Poll(timeout time.Duration, factory *buffer.Factory) (bool, error) {
	e.pendingMu.Lock()
	if e.pending != nil {
		e.pendingMu.Unlock()
		return true, nil
	}
	e.pendingMu.Unlock()

	dg, err := e.receiveWithDeadline(timeout, factory)
	if err != nil {
		if isTimeout(err) {
			return false, nil
		}
		return false, err
	}

	e.pendingMu.Lock()
	e.pending = dg
	e.pendingMu.Unlock()
	return true, nil
}

// Receive returns the next datagram, either the one buffered by a prior
// Poll or, absent that, the result of an unbounded blocking read.
func (e *Endpoint) Receive(factory *buffer.Factory) (*buffer.Datagram, error) {
	e.pendingMu.Lock()
	if e.pending != nil {
		dg := e.pending
		e.pending = nil
		e.pendingMu.Unlock()
		return dg, nil
	}
	e.pendingMu.Unlock()

	return e.receiveWithDeadline(0, factory)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (e *Endpoint) receiveWithDeadline(timeout time.Duration, factory *buffer.Factory) (*buffer.Datagram, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.state != stateBound {
		return nil, ErrNotBound
	}

	asm := factory.NewAssembly()
	if !asm.IsValid() {
		return nil, errors.New("netio: no free datagram buffer")
	}

	if timeout > 0 {
		_ = e.conn.SetReadDeadline(timeatDeadline(timeout))
	} else {
		_ = e.conn.SetReadDeadline(time.Time{})
	}

	buf := asm.Data()

	if e.ipv6 {
		n, cm, src, err := e.pc6.ReadFrom(buf)
		if err != nil {
			return nil, err
		}
		asm.SetLength(n)
		if udpSrc, ok := src.(*net.UDPAddr); ok {
			asm.SetSource(udpSrc)
		}
		if cm != nil && cm.Dst != nil {
			asm.SetDestination(&net.UDPAddr{IP: cm.Dst})
		}
	} else {
		n, cm, src, err := e.pc4.ReadFrom(buf)
		if err != nil {
			return nil, err
		}
		asm.SetLength(n)
		if udpSrc, ok := src.(*net.UDPAddr); ok {
			asm.SetSource(udpSrc)
		}
		if cm != nil && cm.Dst != nil {
			asm.SetDestination(&net.UDPAddr{IP: cm.Dst})
		}
		asm.SetBroadcast(cm != nil && cm.Dst != nil && cm.Dst.IsMulticast())
	}

	return asm.Finalize(), nil
}

func timeatDeadline(d time.Duration) time.Time {
	return time.Now().Add(d)
}

// Send writes a Datagram's payload to the peer address passed as to. The
// Datagram's Destination() field is ignored here (it is an RX-only
// field per the data model); the caller passes the peer address
// explicitly.
func (e *Endpoint) Send(dg *buffer.Datagram, to *net.UDPAddr) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.state != stateBound {
		return ErrNotBound
	}
	_, err := e.conn.WriteToUDP(dg.Payload(), to)
	return err
}
