// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package messaging implements the CoAP message layer on top of a transport.
//
// UDP follows RFC 7252: confirmable messages are retransmitted with
// exponential backoff until acknowledged, reset or timed out, and received
// message ids are remembered for the exchange lifetime so duplicates are
// answered with the stored reply instead of reaching the handler again.
//
// TCP follows RFC 8323: messages carry no ids or types, peers exchange
// capabilities in CSM signals and a closed connection fails every exchange
// and observation of the peer.
//
// Both match responses to requests by (token, peer) through a
// transaction.Table and hand unmatched responses to an observe.Registry.
package messaging
