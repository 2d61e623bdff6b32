// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cache provides a bounded concurrent cache whose entries expire
// according to a predicate carried by their key.
//
// Entries are evicted three ways:
//
//	Get          an invalid entry found on lookup is removed atomically
//	Clean        a periodic sweep (Run) drops every invalid entry
//	CleanupBulk  above MaxSize + 1% an arbitrary subset of 1% of MaxSize
//	             entries is dropped, with a rate-limited warning
//
// Lookups and inserts never take a lock. Bulk eviction is serialized by a
// single mutex acquired with TryLock, so overlapping triggers trim once.
// The engine uses the cache for duplicate detection, peer capabilities,
// per-peer rate limiters and health results.
package cache
