// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package packet defines the CoAP message model used by the mCoAP engine and
// the codecs that move it on and off the wire.
//
// # Overview
//
// A Packet is a transport-neutral CoAP message: code, token, options and
// payload, plus the peer address. Datagram-only fields (Type, MessageID) are
// ignored by the stream codecs.
//
// Encoding and decoding is delegated to the go-coap coders:
//
//	UDP        RFC 7252 header, udp/coder
//	TCP        RFC 8323 length-prefixed header, tcp/coder
//	WebSocket  RFC 8323 header with Len = 0, one message per frame
//
// # Classification
//
// Kind turns the code into a closed set of variants once, at the boundary:
//
//	0.00          KindEmpty (ping on UDP, keep-alive on TCP)
//	0.01 - 0.31   KindRequest
//	2.xx 4.xx 5.xx KindResponse
//	7.01 - 7.05   KindCSM, KindPing, KindPong, KindRelease, KindAbort
//	other 7.xx    KindUnknownSignal
//
// # Framing Errors
//
// A token length above 8 and any decoder failure are reported as
// errors.ErrFraming. Stream transports close the connection on such errors;
// the stream codec reports ErrIncomplete when more bytes are needed.
package packet
