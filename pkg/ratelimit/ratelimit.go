// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits inbound requests per peer address using token
// buckets from golang.org/x/time/rate.
package ratelimit

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/absmach/mcoap/pkg/cache"
	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration.
type Config struct {
	// Rate is the number of requests per second allowed for a peer. Zero
	// disables limiting.
	Rate float64
	// Burst is the bucket capacity.
	Burst int
	// TTL is how long a peer's bucket is kept before it is rebuilt full.
	TTL time.Duration
	// MaxPeers bounds the number of tracked peers.
	MaxPeers      int
	CleanInterval time.Duration
	OnEvict       func(reason string, n int)
	Clock         clock.Clock
	Logger        *slog.Logger
}

type peerKey = cache.TTLKey[netip.Addr]

// Limiter manages per-peer token buckets.
type Limiter struct {
	config Config
	peers  *cache.Cache[peerKey, *rate.Limiter]
}

// New creates a new per-peer limiter.
func New(config Config) *Limiter {
	if config.Burst <= 0 {
		config.Burst = max(1, int(config.Rate))
	}
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	return &Limiter{
		config: config,
		peers: cache.New[peerKey, *rate.Limiter](cache.Config{
			Name:          "ratelimit",
			MaxSize:       config.MaxPeers,
			CleanInterval: config.CleanInterval,
			OnEvict:       config.OnEvict,
			Clock:         config.Clock,
			Logger:        config.Logger,
		}),
	}
}

// Enabled reports whether the limiter restricts anything.
func (l *Limiter) Enabled() bool {
	return l != nil && l.config.Rate > 0
}

// Allow reports whether a request from peer may proceed now. Requests are
// limited per IP address, so every port of a host shares a bucket.
func (l *Limiter) Allow(peer netip.AddrPort) bool {
	if !l.Enabled() {
		return true
	}
	key := peerKey{ID: peer.Addr().Unmap(), TTL: l.config.TTL}
	lim, ok := l.peers.Get(key)
	if !ok {
		fresh := rate.NewLimiter(rate.Limit(l.config.Rate), l.config.Burst)
		if lim, ok = l.peers.PutIfAbsent(key, fresh); !ok {
			lim = fresh
		}
	}
	return lim.AllowN(l.config.Clock.Now(), 1)
}

// Check is Allow returning ErrRateLimited for a refused request.
func (l *Limiter) Check(peer netip.AddrPort) error {
	if l.Allow(peer) {
		return nil
	}
	return mcerrors.New("request", peer.String(), mcerrors.ErrRateLimited)
}

// Remove forgets the bucket of peer.
func (l *Limiter) Remove(peer netip.AddrPort) {
	if !l.Enabled() {
		return
	}
	l.peers.Delete(peerKey{ID: peer.Addr().Unmap(), TTL: l.config.TTL})
}

// Peers returns the number of tracked peers.
func (l *Limiter) Peers() int {
	if !l.Enabled() {
		return 0
	}
	return l.peers.Size()
}

// Run sweeps expired buckets until ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	if !l.Enabled() {
		<-ctx.Done()
		return nil
	}
	return l.peers.Run(ctx)
}
