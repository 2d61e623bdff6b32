// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the CoAP stream transport over TCP and TLS (RFC 8323).
//
// # Architecture
//
//	┌─────────┐         ┌──────────────┐         ┌──────────┐
//	│  Peer   │ ←─TCP─→ │ Read loop    │ ──────→ │ Receiver │
//	└─────────┘         │ (per conn)   │         └──────────┘
//	                    └──────────────┘               │
//	                           ↑                       │
//	                    ┌──────────────┐               │
//	                    │ Conn registry│ ←──── Send ───┘
//	                    └──────────────┘
//
// Connections come from the accept loop or from Dial. Each is registered
// under the peer address and port; a new connection from the same peer
// replaces the old one.
//
// # Framing
//
// Bytes are accumulated until the go-coap TCP coder can decode a whole
// frame. A token longer than 8 bytes, an unparsable header or a frame
// larger than MaxFrameSize is a framing error: the connection is closed
// and the Receiver is told the peer disconnected.
//
// # Connection Flow
//
//  1. Connection accepted (TLS handshake first when configured) or dialed
//  2. Receiver.OnConnected, which sends the local CSM
//  3. Frames are decoded and passed to Receiver.Receive in order
//  4. On EOF, error or shutdown the connection is unregistered and
//     Receiver.OnDisconnected is called once
//
// # Graceful Shutdown
//
// When the context is cancelled:
//
//  1. The listener is closed
//  2. The write side of every connection is shut down
//  3. Serve waits up to ShutdownTimeout for peers to close
//  4. Remaining connections are closed and ErrShutdownTimeout is returned
//
// # Client Mode
//
// A transport without Address only dials. KeepConnected redials a peer
// whenever its connection drops, doubling the delay between failed
// attempts:
//
//	tr := tcp.New(tcp.Config{})
//	go srv.Serve(ctx)
//	<-tr.Ready()
//	go tr.KeepConnected(ctx, "rd.example.com:5683", time.Second, time.Minute)
package tcp
