// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket implements the CoAP over WebSockets transport
// (RFC 8323 section 4) on top of gorilla/websocket.
//
// # Architecture
//
//	┌─────────┐          ┌──────────────┐         ┌──────────┐
//	│  Peer   │ ←─WS(S)─→│ Read loop    │ ──────→ │ Receiver │
//	└─────────┘          │ (per conn)   │         └──────────┘
//	                     └──────────────┘               │
//	                            ↑                       │
//	                     ┌──────────────┐               │
//	                     │ Conn registry│ ←──── Send ───┘
//	                     └──────────────┘
//
// Upgrade requests must offer the "coap" subprotocol; connections without
// it are closed with a protocol error. Each binary message carries one CoAP
// message. Text messages are ignored and a malformed binary message closes
// the connection.
//
// The transport is an http.Handler, so it can be mounted on an existing
// HTTP server instead of listening on its own address:
//
//	ws := websocket.New(websocket.Config{})
//	mux.Handle(websocket.DefaultPath, ws)
//	go srv.Serve(ctx) // srv is a server.Server built on ws
package websocket
