// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines how the engine exchanges packets with peers.
//
// Implementations own their sockets and goroutines. They decode inbound
// bytes into packets and call the Receiver directly from their read loops;
// the Receiver never blocks on I/O except when it sends through the
// Transport.
package transport

import (
	"context"
	"net"
	"net/netip"

	"github.com/absmach/mcoap/pkg/packet"
)

// Receiver consumes what a transport reads.
type Receiver interface {
	// Receive handles one decoded packet.
	Receive(ctx context.Context, p *packet.Packet)
	// OnConnected is called when a stream connection to peer is established.
	OnConnected(ctx context.Context, peer netip.AddrPort)
	// OnDisconnected is called once when a stream connection to peer closes.
	OnDisconnected(peer netip.AddrPort)
}

// Transport moves packets between the engine and its peers.
type Transport interface {
	// Serve reads until ctx is done or the transport fails.
	Serve(ctx context.Context, r Receiver) error
	// Send encodes and writes p to p.Peer.
	Send(ctx context.Context, p *packet.Packet) error
	// Reliable reports whether the transport is a stream (TCP, TLS,
	// WebSocket) using RFC 8323 framing and signaling.
	Reliable() bool
	// LocalAddr returns the bound address, or nil before Serve binds it.
	LocalAddr() net.Addr
}
