// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package capability negotiates per-peer message capabilities over reliable
// CoAP transports (RFC 8323 signaling).
//
// # States
//
//	Unknown ──CSM──→ Negotiated ──close/Abort──→ Disconnected
//
// On connect the local capability is advertised with a CSM. A received CSM
// is merged with the local one (smaller max message size, block-wise only if
// both support it) and stored per peer. Options missing from a CSM default to
// the base values: 1152 bytes, no block-wise transfer.
//
// # Signals
//
//	CSM      stored, consumed
//	Ping     answered with Pong carrying the same token, consumed
//	Pong     not consumed, correlated as a response by the caller
//	Release  logged, consumed
//	Abort    peer disconnected, consumed
//	other    logged, consumed
//	empty    keep-alive, consumed silently
package capability
