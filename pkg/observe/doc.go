// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package observe delivers CoAP observation notifications (RFC 7641) to
// application code.
//
// A Pump owns a single pending pull: it asks its Source for the next
// notification, hands it to the Consumer and pulls again only if the
// consumer returned true and the notification had a 2.xx code. The loop is
// iterative, so arbitrarily long observations use constant stack.
//
// A Registry maps observation identities (token, peer) to Streams. The
// engine feeds it every response that did not match a pending exchange;
// each Stream buffers notifications, drops reordered ones by their Observe
// sequence number and serves as the Source of a Pump.
package observe
