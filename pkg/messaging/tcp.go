// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/absmach/mcoap/pkg/capability"
	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/packet"
	"github.com/absmach/mcoap/pkg/transaction"
	"github.com/absmach/mcoap/pkg/transport"
	"github.com/benbjohnson/clock"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// TCPConfig holds stream messaging configuration.
type TCPConfig struct {
	// Capability is advertised to every new peer.
	Capability    capability.Capability
	MaxPeers      int
	CleanInterval time.Duration
	Metrics       *metrics.Metrics
	Clock         clock.Clock
	Logger        *slog.Logger
}

// TCP implements CoAP messaging over reliable streams (RFC 8323): no
// message ids or acknowledgements, capability negotiation and signaling.
type TCP struct {
	config TCPConfig
	hooks  Hooks
	tr     transport.Transport
	table  *transaction.Table
	neg    *capability.Negotiator
}

var _ Messaging = (*TCP)(nil)

// NewTCP creates stream messaging over tr.
func NewTCP(config TCPConfig, tr transport.Transport, hooks Hooks) *TCP {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	t := &TCP{
		config: config,
		hooks:  hooks,
		tr:     tr,
		table:  transaction.NewTable(),
	}
	t.neg = capability.New(capability.Config{
		Own:           config.Capability,
		MaxPeers:      config.MaxPeers,
		CleanInterval: config.CleanInterval,
		OnAbort:       t.OnDisconnected,
		OnEvict:       config.Metrics.Evictions("capability"),
		Clock:         config.Clock,
		Logger:        config.Logger,
	}, tr)
	return t
}

// Negotiator returns the capability negotiator of the layer.
func (t *TCP) Negotiator() *capability.Negotiator {
	return t.neg
}

// Request implements Messaging.
func (t *TCP) Request(ctx context.Context, req *packet.Packet) (*transaction.Handle, error) {
	if err := t.neg.CheckPayload(req.Peer, len(req.Payload)); err != nil {
		t.config.Metrics.TooLarge()
		return nil, err
	}
	h, err := register(t.table, req)
	if err != nil {
		return nil, err
	}
	t.config.Metrics.SetPending(t.table.Len())

	if err := t.write(ctx, req); err != nil {
		t.table.Fail(transaction.IDOf(req), err)
		t.config.Metrics.SetPending(t.table.Len())
		return nil, err
	}
	return h, nil
}

// Notify implements Messaging.
func (t *TCP) Notify(ctx context.Context, n *packet.Packet) error {
	if err := validateNotification(n); err != nil {
		return err
	}
	if err := t.neg.CheckPayload(n.Peer, len(n.Payload)); err != nil {
		t.config.Metrics.TooLarge()
		return err
	}
	return t.write(ctx, n)
}

// Ping sends a Ping signal; the handle resolves with the Pong.
func (t *TCP) Ping(ctx context.Context, peer netip.AddrPort) (*transaction.Handle, error) {
	return t.Request(ctx, &packet.Packet{Code: codes.Ping, Peer: peer})
}

// Cancel implements Messaging.
func (t *TCP) Cancel(id transaction.ID, err error) bool {
	ok := t.table.Fail(id, err)
	t.config.Metrics.SetPending(t.table.Len())
	return ok
}

// Pending implements Messaging.
func (t *TCP) Pending() int {
	return t.table.Len()
}

// Run sweeps the capability caches until ctx is done.
func (t *TCP) Run(ctx context.Context) error {
	return t.neg.Run(ctx)
}

// OnConnected advertises the local capability to peer.
func (t *TCP) OnConnected(ctx context.Context, peer netip.AddrPort) {
	if err := t.neg.OnConnected(ctx, peer); err != nil {
		t.config.Logger.Warn("Failed to send capabilities",
			slog.String("peer", peer.String()),
			slog.String("error", err.Error()))
	}
}

// OnDisconnected fails every pending exchange and observation of peer and
// forgets its capability.
func (t *TCP) OnDisconnected(peer netip.AddrPort) {
	first := t.neg.State(peer) != capability.StateDisconnected
	t.neg.OnDisconnected(peer)

	err := mcerrors.New("exchange", peer.String(), mcerrors.ErrPeerDisconnected)
	failed := t.table.FailAllForPeer(peer, err)
	if t.hooks.Observations != nil {
		t.hooks.Observations.CloseAllForPeer(peer, err)
	}
	t.config.Metrics.SetPending(t.table.Len())
	t.config.Metrics.SetNegotiatedPeers(t.neg.Peers())

	if !first {
		return
	}
	t.config.Metrics.Disconnect()
	t.config.Logger.Debug("Peer disconnected",
		slog.String("peer", peer.String()),
		slog.Int("failed_exchanges", failed))
	if t.hooks.OnDisconnect != nil {
		t.hooks.OnDisconnect(peer)
	}
}

// Receive implements transport.Receiver.
func (t *TCP) Receive(ctx context.Context, p *packet.Packet) {
	t.config.Metrics.Message("in", p.Kind().String())

	if t.neg.Handle(ctx, p) {
		if p.Kind() == packet.KindCSM {
			t.config.Metrics.SetNegotiatedPeers(t.neg.Peers())
		}
		return
	}

	switch p.Kind() {
	case packet.KindRequest:
		t.handleRequest(ctx, p)
	case packet.KindResponse, packet.KindPong:
		if t.table.Complete(transaction.IDOf(p), p) {
			t.config.Metrics.SetPending(t.table.Len())
			return
		}
		if t.hooks.Observations != nil && t.hooks.Observations.Deliver(p) {
			return
		}
		t.config.Logger.Debug("Unmatched response dropped",
			slog.String("peer", p.Peer.String()),
			slog.String("token", transaction.IDOf(p).String()))
	default:
		err := mcerrors.New("receive", p.Peer.String(), mcerrors.ErrProtocolViolation)
		t.config.Metrics.Dropped("tcp", "protocol_violation")
		t.config.Logger.Warn("Unexpected message dropped",
			slog.String("code", p.Code.String()),
			slog.String("error", err.Error()))
	}
}

func (t *TCP) handleRequest(ctx context.Context, req *packet.Packet) {
	if t.hooks.Handler == nil {
		return
	}
	resp := t.hooks.Handler(ctx, req)
	if resp == nil {
		return
	}
	resp.Token = req.Token
	resp.Peer = req.Peer

	if err := t.neg.CheckPayload(resp.Peer, len(resp.Payload)); err != nil {
		t.config.Metrics.TooLarge()
		t.config.Logger.Warn("Response too large for peer",
			slog.String("peer", req.Peer.String()),
			slog.String("error", err.Error()))
		resp = tooLargeResponse(req, err)
	}
	if err := t.write(ctx, resp); err != nil {
		t.config.Logger.Warn("Failed to send response",
			slog.String("peer", req.Peer.String()),
			slog.String("error", err.Error()))
	}
}

func (t *TCP) write(ctx context.Context, p *packet.Packet) error {
	if err := t.tr.Send(ctx, p); err != nil {
		return mcerrors.New("send", p.Peer.String(), fmt.Errorf("%w: %w", mcerrors.ErrTransport, err))
	}
	t.config.Metrics.Message("out", p.Kind().String())
	return nil
}

// An oversized response is replaced by 5.00 carrying the limit as Size2 so
// the client can retry with a Block2 request.
func tooLargeResponse(req *packet.Packet, err error) *packet.Packet {
	resp := req.Response(codes.InternalServerError)
	var tooLarge *mcerrors.PayloadTooLargeError
	if errors.As(err, &tooLarge) {
		resp.SetUint(message.Size2, tooLarge.MaxSize)
	}
	resp.Payload = []byte("response too large")
	return resp
}
