// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the CoAP datagram transport (RFC 7252).
//
// # Architecture
//
//	┌─────────┐         ┌───────────┐        ┌────────────┐
//	│  Peers  │ ←─UDP─→ │ Read loop │ ─────→ │ Worker     │
//	└─────────┘         └───────────┘  chan  │ pool       │
//	     ↑                                   └────────────┘
//	     │                                         ↓
//	     │                                   ┌────────────┐
//	     └──────────── Send ──────────────── │ Receiver   │
//	                                         └────────────┘
//
// A single socket serves every peer. The read loop copies each datagram out
// of a pooled buffer and queues it; workers decode it with the go-coap UDP
// coder and hand the packet to the Receiver. Peers are identified by their
// address and port, IPv4-mapped addresses being reported as plain IPv4.
//
// # Backpressure
//
// The queue holds twice as many datagrams as there are workers. When it is
// full the datagram is dropped and counted; confirmable senders retransmit.
//
// # Graceful Shutdown
//
// When the context is cancelled the socket is closed, the read loop exits,
// the queue is closed and Serve waits for the workers to finish.
//
// # Example
//
//	tr := udp.New(udp.Config{Address: ":5683"})
//	srv := server.New(server.Config{}, tr, routes)
//	if err := srv.Serve(ctx); err != nil {
//		log.Fatal(err)
//	}
package udp
