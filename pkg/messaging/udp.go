// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mcoap/pkg/cache"
	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/packet"
	"github.com/absmach/mcoap/pkg/transaction"
	"github.com/absmach/mcoap/pkg/transport"
	"github.com/benbjohnson/clock"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// UDPConfig holds datagram messaging configuration. Zero values take the
// RFC 7252 defaults.
type UDPConfig struct {
	AckTimeout      time.Duration
	AckRandomFactor float64
	MaxRetransmit   int
	// ExchangeLifetime is how long a received message id is remembered.
	ExchangeLifetime time.Duration
	// DedupMaxSize bounds the duplicate detection cache.
	DedupMaxSize  int
	CleanInterval time.Duration
	Metrics       *metrics.Metrics
	Clock         clock.Clock
	Logger        *slog.Logger
}

type midKey struct {
	mid  uint16
	peer netip.AddrPort
}

type dedupKey = cache.TTLKey[midKey]

// reply holds what was sent back for a received message; nil until the
// handler finished.
type reply struct {
	p atomic.Pointer[packet.Packet]
}

// confirmable is an outbound CON message awaiting its ACK or RST.
type confirmable struct {
	p       *packet.Packet
	id      transaction.ID
	tracked bool
	ping    bool
	attempt int
	timeout time.Duration
	timer   *clock.Timer
	start   time.Time
}

// UDP implements CoAP messaging over datagrams: confirmable retransmission,
// message id deduplication, piggybacked and separate responses.
type UDP struct {
	config UDPConfig
	hooks  Hooks
	tr     transport.Transport
	table  *transaction.Table
	dedup  *cache.Cache[dedupKey, *reply]
	mid    atomic.Uint32

	mu       sync.Mutex
	inflight map[midKey]*confirmable
	// exchanges maps tracked exchanges to their inflight request.
	exchanges map[transaction.ID]midKey
}

var _ Messaging = (*UDP)(nil)

// NewUDP creates datagram messaging over tr.
func NewUDP(config UDPConfig, tr transport.Transport, hooks Hooks) *UDP {
	if config.AckTimeout == 0 {
		config.AckTimeout = 2 * time.Second
	}
	if config.AckRandomFactor < 1 {
		config.AckRandomFactor = 1.5
	}
	if config.MaxRetransmit == 0 {
		config.MaxRetransmit = 4
	}
	if config.ExchangeLifetime == 0 {
		config.ExchangeLifetime = 247 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	u := &UDP{
		config: config,
		hooks:  hooks,
		tr:     tr,
		table:  transaction.NewTable(),
		dedup: cache.New[dedupKey, *reply](cache.Config{
			Name:          "dedup",
			MaxSize:       config.DedupMaxSize,
			CleanInterval: config.CleanInterval,
			OnEvict:       config.Metrics.Evictions("dedup"),
			Clock:         config.Clock,
			Logger:        config.Logger,
		}),
		inflight:  make(map[midKey]*confirmable),
		exchanges: make(map[transaction.ID]midKey),
	}
	u.mid.Store(rand.Uint32())
	return u
}

// Request implements Messaging.
func (u *UDP) Request(ctx context.Context, req *packet.Packet) (*transaction.Handle, error) {
	h, err := register(u.table, req)
	if err != nil {
		return nil, err
	}
	if req.Type != message.NonConfirmable {
		req.Type = message.Confirmable
	}
	req.MessageID = u.nextMID()
	u.config.Metrics.SetPending(u.table.Len())

	if err := u.send(ctx, req, transaction.IDOf(req), true, false); err != nil {
		u.table.Fail(transaction.IDOf(req), err)
		u.config.Metrics.SetPending(u.table.Len())
		return nil, err
	}
	return h, nil
}

// Notify implements Messaging. Notifications are non-confirmable unless n
// asks otherwise.
func (u *UDP) Notify(ctx context.Context, n *packet.Packet) error {
	if err := validateNotification(n); err != nil {
		return err
	}
	if n.Type != message.Confirmable {
		n.Type = message.NonConfirmable
	}
	n.MessageID = u.nextMID()
	return u.send(ctx, n, transaction.ID{}, false, false)
}

// Ping sends an empty confirmable message; the peer answers with a Reset.
func (u *UDP) Ping(ctx context.Context, peer netip.AddrPort) (*transaction.Handle, error) {
	id := transaction.NewID(NewToken(), peer)
	h, err := u.table.Register(id)
	if err != nil {
		return nil, err
	}
	p := &packet.Packet{Code: codes.Empty, Type: message.Confirmable, MessageID: u.nextMID(), Peer: peer}
	if err := u.send(ctx, p, id, true, true); err != nil {
		u.table.Fail(id, err)
		return nil, err
	}
	return h, nil
}

// Cancel implements Messaging.
func (u *UDP) Cancel(id transaction.ID, err error) bool {
	u.stop(id)
	ok := u.table.Fail(id, err)
	u.config.Metrics.SetPending(u.table.Len())
	return ok
}

// Pending implements Messaging.
func (u *UDP) Pending() int {
	return u.table.Len()
}

// Run sweeps the duplicate detection cache until ctx is done.
func (u *UDP) Run(ctx context.Context) error {
	return u.dedup.Run(ctx)
}

// OnConnected implements transport.Receiver; datagram peers have no connection.
func (u *UDP) OnConnected(context.Context, netip.AddrPort) {}

// OnDisconnected implements transport.Receiver; datagram peers have no connection.
func (u *UDP) OnDisconnected(netip.AddrPort) {}

// Receive implements transport.Receiver.
func (u *UDP) Receive(ctx context.Context, p *packet.Packet) {
	u.config.Metrics.Message("in", p.Kind().String())

	switch p.Type {
	case message.Acknowledgement:
		u.handleAck(p)
		return
	case message.Reset:
		u.handleReset(p)
		return
	}

	if p.Kind() == packet.KindEmpty {
		if p.Type == message.Confirmable {
			u.reset(ctx, p)
		}
		return
	}

	r := &reply{}
	key := dedupKey{ID: midKey{p.MessageID, p.Peer}, TTL: u.config.ExchangeLifetime}
	if prev, dup := u.dedup.PutIfAbsent(key, r); dup {
		u.duplicate(ctx, p, prev)
		return
	}

	switch p.Kind() {
	case packet.KindRequest:
		u.handleRequest(ctx, p, r)
	case packet.KindResponse:
		u.handleResponse(ctx, p, r)
	default:
		err := mcerrors.New("receive", p.Peer.String(), mcerrors.ErrProtocolViolation)
		u.config.Metrics.Dropped("udp", "protocol_violation")
		u.config.Logger.Warn("Unexpected message on datagram transport",
			slog.String("code", p.Code.String()),
			slog.String("error", err.Error()))
		if p.Type == message.Confirmable {
			r.p.Store(u.reset(ctx, p))
		}
	}
}

func (u *UDP) handleRequest(ctx context.Context, req *packet.Packet, r *reply) {
	var resp *packet.Packet
	if u.hooks.Handler != nil {
		resp = u.hooks.Handler(ctx, req)
	}

	switch {
	case resp == nil && req.Type == message.Confirmable:
		resp = &packet.Packet{Code: codes.Empty}
		resp.Type = message.Acknowledgement
		resp.MessageID = req.MessageID
	case resp == nil:
		return
	case req.Type == message.Confirmable:
		resp.Type = message.Acknowledgement
		resp.MessageID = req.MessageID
		resp.Token = req.Token
	default:
		resp.Type = message.NonConfirmable
		resp.MessageID = u.nextMID()
		resp.Token = req.Token
	}
	resp.Peer = req.Peer

	r.p.Store(resp)
	if err := u.write(ctx, resp); err != nil {
		u.config.Logger.Warn("Failed to send response",
			slog.String("peer", req.Peer.String()),
			slog.String("error", err.Error()))
	}
}

// A response outside an ACK is either a separate response or a notification.
func (u *UDP) handleResponse(ctx context.Context, p *packet.Packet, r *reply) {
	id := transaction.IDOf(p)
	matched := u.table.Complete(id, p)
	if matched {
		// The response implies the lost empty ACK.
		if c := u.stop(id); c != nil {
			u.config.Metrics.ObserveExchange("success", c.start)
		}
		u.config.Metrics.SetPending(u.table.Len())
	} else if u.hooks.Observations != nil {
		matched = u.hooks.Observations.Deliver(p)
	}

	if !matched {
		u.config.Logger.Debug("Unmatched response, resetting",
			slog.String("peer", p.Peer.String()),
			slog.String("token", transaction.IDOf(p).String()))
		r.p.Store(u.reset(ctx, p))
		return
	}
	if p.Type == message.Confirmable {
		ack := &packet.Packet{Code: codes.Empty, Type: message.Acknowledgement, MessageID: p.MessageID, Peer: p.Peer}
		r.p.Store(ack)
		if err := u.write(ctx, ack); err != nil {
			u.config.Logger.Warn("Failed to acknowledge response",
				slog.String("peer", p.Peer.String()),
				slog.String("error", err.Error()))
		}
	}
}

func (u *UDP) handleAck(p *packet.Packet) {
	c := u.acknowledged(midKey{p.MessageID, p.Peer})
	if c == nil {
		u.config.Logger.Debug("Unmatched acknowledgement",
			slog.String("peer", p.Peer.String()),
			slog.Int("mid", int(p.MessageID)))
		return
	}
	if p.Kind() == packet.KindEmpty {
		// separate response follows
		return
	}
	if !c.tracked || !u.table.Complete(c.id, p) {
		u.config.Logger.Debug("Piggybacked response without exchange",
			slog.String("peer", p.Peer.String()))
		return
	}
	u.config.Metrics.SetPending(u.table.Len())
	u.config.Metrics.ObserveExchange("success", c.start)
}

func (u *UDP) handleReset(p *packet.Packet) {
	c := u.acknowledged(midKey{p.MessageID, p.Peer})
	if c == nil || !c.tracked {
		u.config.Logger.Debug("Reset received",
			slog.String("peer", p.Peer.String()),
			slog.Int("mid", int(p.MessageID)))
		return
	}
	if c.ping {
		u.table.Complete(c.id, p)
		return
	}
	u.table.Fail(c.id, mcerrors.New("request", p.Peer.String(), mcerrors.ErrReset))
	u.config.Metrics.SetPending(u.table.Len())
	u.config.Metrics.ObserveExchange("reset", c.start)
}

func (u *UDP) duplicate(ctx context.Context, p *packet.Packet, prev *reply) {
	u.config.Metrics.Duplicate()
	if u.hooks.OnDuplicate != nil {
		u.hooks.OnDuplicate(p)
	}
	resp := prev.p.Load()
	if resp == nil {
		u.config.Logger.Debug("Duplicate of message in progress",
			slog.String("peer", p.Peer.String()),
			slog.Int("mid", int(p.MessageID)))
		return
	}
	if err := u.write(ctx, resp); err != nil {
		u.config.Logger.Warn("Failed to replay response",
			slog.String("peer", p.Peer.String()),
			slog.String("error", err.Error()))
	}
}

func (u *UDP) reset(ctx context.Context, p *packet.Packet) *packet.Packet {
	rst := &packet.Packet{Code: codes.Empty, Type: message.Reset, MessageID: p.MessageID, Peer: p.Peer}
	if err := u.write(ctx, rst); err != nil {
		u.config.Logger.Warn("Failed to send reset",
			slog.String("peer", p.Peer.String()),
			slog.String("error", err.Error()))
	}
	return rst
}

// send writes p and, for confirmable messages, schedules retransmission.
func (u *UDP) send(ctx context.Context, p *packet.Packet, id transaction.ID, tracked, ping bool) error {
	if p.Type != message.Confirmable {
		return u.write(ctx, p)
	}

	c := &confirmable{
		p:       p,
		id:      id,
		tracked: tracked,
		ping:    ping,
		timeout: u.initialTimeout(),
		start:   u.config.Clock.Now(),
	}
	key := midKey{p.MessageID, p.Peer}

	u.mu.Lock()
	u.inflight[key] = c
	if tracked {
		u.exchanges[id] = key
	}
	c.timer = u.config.Clock.AfterFunc(c.timeout, func() { u.retransmit(key, c) })
	u.mu.Unlock()

	if err := u.write(ctx, p); err != nil {
		u.acknowledged(key)
		return err
	}
	return nil
}

func (u *UDP) retransmit(key midKey, c *confirmable) {
	u.mu.Lock()
	if u.inflight[key] != c {
		u.mu.Unlock()
		return
	}
	if c.attempt >= u.config.MaxRetransmit {
		u.forget(key, c)
		u.mu.Unlock()

		u.config.Metrics.Timeout()
		u.config.Logger.Debug("Confirmable message timed out",
			slog.String("peer", key.peer.String()),
			slog.Int("mid", int(key.mid)))
		if c.tracked && u.table.Fail(c.id, mcerrors.New("request", key.peer.String(), mcerrors.ErrTimeout)) {
			u.config.Metrics.SetPending(u.table.Len())
			u.config.Metrics.ObserveExchange("timeout", c.start)
		}
		return
	}
	c.attempt++
	c.timeout *= 2
	c.timer = u.config.Clock.AfterFunc(c.timeout, func() { u.retransmit(key, c) })
	u.mu.Unlock()

	u.config.Metrics.Retransmission()
	if err := u.write(context.Background(), c.p); err != nil {
		u.config.Logger.Warn("Retransmission failed",
			slog.String("peer", key.peer.String()),
			slog.String("error", err.Error()))
	}
}

// acknowledged stops retransmission of the message and returns it.
func (u *UDP) acknowledged(key midKey) *confirmable {
	u.mu.Lock()
	defer u.mu.Unlock()

	c, ok := u.inflight[key]
	if !ok {
		return nil
	}
	u.forget(key, c)
	c.timer.Stop()
	return c
}

// stop ends retransmission of the request of exchange id and returns it.
func (u *UDP) stop(id transaction.ID) *confirmable {
	u.mu.Lock()
	defer u.mu.Unlock()

	key, ok := u.exchanges[id]
	if !ok {
		return nil
	}
	c := u.inflight[key]
	u.forget(key, c)
	c.timer.Stop()
	return c
}

// forget drops c from the inflight set. The caller holds u.mu.
func (u *UDP) forget(key midKey, c *confirmable) {
	delete(u.inflight, key)
	if c.tracked && u.exchanges[c.id] == key {
		delete(u.exchanges, c.id)
	}
}

func (u *UDP) write(ctx context.Context, p *packet.Packet) error {
	if err := u.tr.Send(ctx, p); err != nil {
		return mcerrors.New("send", p.Peer.String(), fmt.Errorf("%w: %w", mcerrors.ErrTransport, err))
	}
	u.config.Metrics.Message("out", p.Kind().String())
	return nil
}

func (u *UDP) initialTimeout() time.Duration {
	f := 1 + rand.Float64()*(u.config.AckRandomFactor-1)
	return time.Duration(float64(u.config.AckTimeout) * f)
}

func (u *UDP) nextMID() uint16 {
	return uint16(u.mid.Add(1))
}
