// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/packet"
	"github.com/absmach/mcoap/pkg/transport"
)

var _ transport.Transport = (*Transport)(nil)

// Transport records sent packets and, when paired, delivers them to the
// other end with the peer address rewritten to the sender.
type Transport struct {
	addr     netip.AddrPort
	reliable bool

	mu      sync.Mutex
	sent    []*packet.Packet
	sendErr error
	remote  *Transport

	out     chan *packet.Packet
	inbound chan *packet.Packet
}

// New creates an unpaired transport bound to addr.
func New(addr netip.AddrPort, reliable bool) *Transport {
	return &Transport{
		addr:     addr,
		reliable: reliable,
		out:      make(chan *packet.Packet, 1024),
		inbound:  make(chan *packet.Packet, 1024),
	}
}

// Pair creates two connected transports.
func Pair(a, b netip.AddrPort, reliable bool) (*Transport, *Transport) {
	ta, tb := New(a, reliable), New(b, reliable)
	ta.remote, tb.remote = tb, ta
	return ta, tb
}

// Serve delivers queued inbound packets to r until ctx is done.
func (t *Transport) Serve(ctx context.Context, r transport.Receiver) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-t.inbound:
			r.Receive(ctx, p)
		}
	}
}

// Send records p and forwards it to the paired transport.
func (t *Transport) Send(_ context.Context, p *packet.Packet) error {
	t.mu.Lock()
	err, remote := t.sendErr, t.remote
	if err == nil {
		t.sent = append(t.sent, p.Clone())
	}
	t.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case t.out <- p.Clone():
	default:
	}
	if remote != nil {
		in := p.Clone()
		in.Peer = t.addr
		remote.Deliver(in)
	}
	return nil
}

// Deliver queues p for the receiver passed to Serve.
func (t *Transport) Deliver(p *packet.Packet) {
	t.inbound <- p
}

// Reliable reports the configured transport kind.
func (t *Transport) Reliable() bool {
	return t.reliable
}

// LocalAddr returns the configured address.
func (t *Transport) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(t.addr)
}

// Addr returns the configured address.
func (t *Transport) Addr() netip.AddrPort {
	return t.addr
}

// SetSendErr makes subsequent sends fail with err.
func (t *Transport) SetSendErr(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// Sent returns a copy of every packet sent so far.
func (t *Transport) Sent() []*packet.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*packet.Packet(nil), t.sent...)
}

// Next waits up to timeout for the next sent packet.
func (t *Transport) Next(timeout time.Duration) (*packet.Packet, bool) {
	select {
	case p := <-t.out:
		return p, true
	case <-time.After(timeout):
		return nil, false
	}
}
