// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registration keeps a CoAP endpoint registered with a resource
// directory style server.
//
// # Protocol
//
//  1. POST <Path>?ep=<name> with the link-format description of the endpoint
//  2. 2.01 Created: the Location-Path is stored as the registration handle,
//     the retry delay is reset and an update is scheduled from Max-Age
//     (60s when absent), see RenewDelay
//  3. Update: POST to the stored location; 2.01 or 2.04 schedules the next
//     update, anything else drops the handle and starts step 1 again
//  4. Any registration failure clears the handle and retries after a delay
//     doubled from the previous one within [MinRetryDelay, MaxRetryDelay]
//  5. Deregister sends a DELETE to the location, when one is held, and does
//     not wait for the answer
//
// Every scheduled step carries a generation number. Deregistering or
// starting over bumps it, so timers and in-flight answers from an older
// generation do nothing.
package registration
