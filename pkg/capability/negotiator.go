// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/absmach/mcoap/pkg/cache"
	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/packet"
	"github.com/benbjohnson/clock"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"golang.org/x/sync/errgroup"
)

// State is the negotiation state of a peer.
type State uint8

const (
	StateUnknown State = iota
	StateNegotiated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNegotiated:
		return "negotiated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Sender delivers signaling messages to a peer.
type Sender interface {
	Send(ctx context.Context, p *packet.Packet) error
}

// Config holds negotiator configuration.
type Config struct {
	// Own is the local capability advertised on connect.
	Own Capability
	// TTL bounds how long a negotiated capability is kept without renegotiation.
	TTL time.Duration
	// DisconnectedTTL is how long a closed peer is reported as disconnected.
	DisconnectedTTL time.Duration
	// MaxPeers bounds the capability cache.
	MaxPeers      int
	CleanInterval time.Duration
	// OnAbort is called when a peer aborts the connection.
	OnAbort func(peer netip.AddrPort)
	OnEvict func(reason string, n int)
	Clock   clock.Clock
	Logger  *slog.Logger
}

type peerKey = cache.TTLKey[netip.AddrPort]

// Negotiator runs the RFC 8323 signaling state machine for every peer of a
// reliable transport.
type Negotiator struct {
	config Config
	sender Sender
	caps   *cache.Cache[peerKey, Capability]
	gone   *cache.Cache[peerKey, struct{}]
}

// New creates a new negotiator sending signaling messages through sender.
func New(config Config, sender Sender) *Negotiator {
	if config.Own.MaxMessageSize == 0 {
		config.Own.MaxMessageSize = BaseMaxMessageSize
	}
	if config.TTL == 0 {
		config.TTL = 24 * time.Hour
	}
	if config.DisconnectedTTL == 0 {
		config.DisconnectedTTL = 5 * time.Minute
	}
	if config.MaxPeers == 0 {
		config.MaxPeers = 10000
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Negotiator{
		config: config,
		sender: sender,
		caps: cache.New[peerKey, Capability](cache.Config{
			Name:          "capability",
			MaxSize:       config.MaxPeers,
			CleanInterval: config.CleanInterval,
			OnEvict:       config.OnEvict,
			Clock:         config.Clock,
			Logger:        config.Logger,
		}),
		gone: cache.New[peerKey, struct{}](cache.Config{
			Name:          "capability_disconnected",
			MaxSize:       config.MaxPeers,
			CleanInterval: config.CleanInterval,
			Clock:         config.Clock,
			Logger:        config.Logger,
		}),
	}
}

// Own returns the local capability.
func (n *Negotiator) Own() Capability {
	return n.config.Own
}

// OnConnected advertises the local capability to a new peer.
func (n *Negotiator) OnConnected(ctx context.Context, peer netip.AddrPort) error {
	n.gone.Delete(n.disconnectedKey(peer))
	csm := n.config.Own.CSM()
	csm.Peer = peer
	if err := n.sender.Send(ctx, csm); err != nil {
		return mcerrors.New("send csm", peer.String(), err)
	}
	return nil
}

// OnDisconnected forgets the capability of peer.
func (n *Negotiator) OnDisconnected(peer netip.AddrPort) {
	n.caps.Delete(n.key(peer))
	n.gone.Put(n.disconnectedKey(peer), struct{}{})
}

// Handle processes signaling and keep-alive messages. It reports whether the
// packet was consumed; Pong and non-signaling packets are left to the caller.
func (n *Negotiator) Handle(ctx context.Context, p *packet.Packet) bool {
	switch p.Kind() {
	case packet.KindEmpty:
		return true

	case packet.KindCSM:
		remote := FromCSM(p)
		eff := n.config.Own.Min(remote)
		n.caps.Put(n.key(p.Peer), eff)
		n.config.Logger.Debug("Capabilities negotiated",
			slog.String("peer", p.Peer.String()),
			slog.Uint64("max_message_size", uint64(eff.MaxMessageSize)),
			slog.Bool("block_wise_transfer", eff.BlockWiseTransfer))
		return true

	case packet.KindPing:
		pong := &packet.Packet{Code: codes.Pong, Token: p.Token, Peer: p.Peer}
		if err := n.sender.Send(ctx, pong); err != nil {
			n.config.Logger.Warn("Failed to send pong",
				slog.String("peer", p.Peer.String()),
				slog.String("error", err.Error()))
		}
		return true

	case packet.KindPong:
		return false

	case packet.KindRelease:
		n.config.Logger.Info("Release received, ignoring",
			slog.String("peer", p.Peer.String()))
		return true

	case packet.KindAbort:
		n.config.Logger.Info("Connection aborted by peer",
			slog.String("peer", p.Peer.String()),
			slog.String("diagnostic", string(p.Payload)))
		if n.config.OnAbort != nil {
			n.config.OnAbort(p.Peer)
		} else {
			n.OnDisconnected(p.Peer)
		}
		return true

	case packet.KindUnknownSignal:
		n.config.Logger.Warn("Unknown signal ignored",
			slog.String("peer", p.Peer.String()),
			slog.String("code", p.Code.String()))
		return true

	default:
		return false
	}
}

// Capability returns the negotiated capability of peer, or Base.
func (n *Negotiator) Capability(peer netip.AddrPort) Capability {
	if c, ok := n.caps.Get(n.key(peer)); ok {
		return c
	}
	return Base
}

// State returns the negotiation state of peer.
func (n *Negotiator) State(peer netip.AddrPort) State {
	if _, ok := n.caps.Get(n.key(peer)); ok {
		return StateNegotiated
	}
	if _, ok := n.gone.Get(n.disconnectedKey(peer)); ok {
		return StateDisconnected
	}
	return StateUnknown
}

// CheckPayload fails with a PayloadTooLargeError when size exceeds what peer
// accepts and the peer cannot receive blocks.
func (n *Negotiator) CheckPayload(peer netip.AddrPort, size int) error {
	c := n.Capability(peer)
	if uint64(size) <= uint64(c.MaxMessageSize) || c.BlockWiseTransfer {
		return nil
	}
	return &mcerrors.PayloadTooLargeError{
		MaxSize:   c.MaxMessageSize,
		BlockSize: packet.Block{SZX: packet.SZXFor(c.MaxMessageSize)}.Size(),
		Message:   fmt.Sprintf("%d bytes to %s without block-wise transfer", size, peer),
	}
}

// Peers returns the number of peers with a negotiated capability.
func (n *Negotiator) Peers() int {
	return n.caps.Size()
}

// Run sweeps the capability caches until ctx is done.
func (n *Negotiator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.caps.Run(ctx) })
	g.Go(func() error { return n.gone.Run(ctx) })
	return g.Wait()
}

func (n *Negotiator) key(peer netip.AddrPort) peerKey {
	return peerKey{ID: peer, TTL: n.config.TTL}
}

func (n *Negotiator) disconnectedKey(peer netip.AddrPort) peerKey {
	return peerKey{ID: peer, TTL: n.config.DisconnectedTTL}
}
