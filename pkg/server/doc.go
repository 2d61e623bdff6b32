// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server provides a CoAP endpoint on top of a transport.
//
// The endpoint picks datagram or stream messaging from the transport kind
// and runs every inbound request through the same pipeline:
//
//	rate limit        5.03 Service Unavailable with Max-Age 1
//	critical options  4.02 Bad Option for unrecognized critical options
//	handler           router.Handler; errors and panics become 5.00,
//	                  PayloadTooLargeError becomes 4.13 with Size1 and Block1
//
// The same endpoint acts as a client: Send, Do, Ping and Observe start
// exchanges with peers reachable over the transport.
package server
