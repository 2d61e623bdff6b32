// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client provides a CoAP client bound to a single peer.
package client

import (
	"context"
	"errors"
	"net/netip"

	"github.com/absmach/mcoap/pkg/breaker"
	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/observe"
	"github.com/absmach/mcoap/pkg/packet"
	"github.com/benbjohnson/clock"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Endpoint starts exchanges with peers; server.Server implements it.
type Endpoint interface {
	Do(ctx context.Context, req *packet.Packet) (*packet.Packet, error)
	Ping(ctx context.Context, peer netip.AddrPort) error
	Observe(ctx context.Context, req *packet.Packet) (*observe.Stream, error)
}

// Config holds client configuration.
type Config struct {
	Peer    netip.AddrPort
	Breaker breaker.Config
	Metrics *metrics.Metrics
	Clock   clock.Clock
}

// Client sends requests to one peer. Exchanges failing at the message layer
// (timeouts, resets, transport errors, disconnects) trip a circuit breaker;
// while it is open requests fail fast with errors.ErrCircuitOpen.
type Client struct {
	peer netip.AddrPort
	ep   Endpoint
	cb   *breaker.CircuitBreaker
}

// New creates a client for config.Peer over ep.
func New(config Config, ep Endpoint) *Client {
	bc := config.Breaker
	if bc.Clock == nil {
		bc.Clock = config.Clock
	}
	peer := config.Peer.String()
	m := config.Metrics
	bc.OnStateChange = func(_, to breaker.State) {
		m.BreakerState(peer, int(to), to == breaker.StateOpen)
	}
	return &Client{
		peer: config.Peer,
		ep:   ep,
		cb:   breaker.New(bc),
	}
}

// Peer returns the address the client talks to.
func (c *Client) Peer() netip.AddrPort {
	return c.peer
}

// State returns the state of the client's circuit breaker.
func (c *Client) State() breaker.State {
	return c.cb.State()
}

// Get fetches path. Queries are added as name=value Uri-Query options.
func (c *Client) Get(ctx context.Context, path string, queries ...string) (*packet.Packet, error) {
	req := c.request(codes.GET, path, queries)
	return c.Do(ctx, req)
}

// Post sends payload to path.
func (c *Client) Post(ctx context.Context, path string, cf message.MediaType, payload []byte, queries ...string) (*packet.Packet, error) {
	req := c.request(codes.POST, path, queries)
	req.SetContentFormat(cf)
	req.Payload = payload
	return c.Do(ctx, req)
}

// Put replaces the resource at path.
func (c *Client) Put(ctx context.Context, path string, cf message.MediaType, payload []byte, queries ...string) (*packet.Packet, error) {
	req := c.request(codes.PUT, path, queries)
	req.SetContentFormat(cf)
	req.Payload = payload
	return c.Do(ctx, req)
}

// Delete removes the resource at path.
func (c *Client) Delete(ctx context.Context, path string, queries ...string) (*packet.Packet, error) {
	req := c.request(codes.DELETE, path, queries)
	return c.Do(ctx, req)
}

// Do sends a prepared request to the client's peer.
func (c *Client) Do(ctx context.Context, req *packet.Packet) (*packet.Packet, error) {
	req.Peer = c.peer
	var resp *packet.Packet
	err := c.guard(func() error {
		var err error
		resp, err = c.ep.Do(ctx, req)
		return err
	})
	return resp, err
}

// Ping checks that the peer answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.guard(func() error {
		return c.ep.Ping(ctx, c.peer)
	})
}

// Observe starts observing path.
func (c *Client) Observe(ctx context.Context, path string, queries ...string) (*observe.Stream, error) {
	req := c.request(codes.GET, path, queries)
	var s *observe.Stream
	err := c.guard(func() error {
		var err error
		s, err = c.ep.Observe(ctx, req)
		return err
	})
	return s, err
}

func (c *Client) guard(fn func() error) error {
	if err := c.cb.Allow(); err != nil {
		return mcerrors.New("request", c.peer.String(), err)
	}
	err := fn()
	if exchangeFailed(err) {
		c.cb.Record(err)
	} else {
		c.cb.Record(nil)
	}
	return err
}

func (c *Client) request(code codes.Code, path string, queries []string) *packet.Packet {
	req := &packet.Packet{Code: code, Peer: c.peer}
	req.SetPath(path)
	for _, q := range queries {
		req.AddQuery(q)
	}
	return req
}

// Caller mistakes and cancellations say nothing about the peer's health.
func exchangeFailed(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled),
		errors.Is(err, mcerrors.ErrInvalidInput),
		errors.Is(err, mcerrors.ErrPayloadTooLarge):
		return false
	}
	return true
}

// Query formats a name=value Uri-Query option.
func Query(name, value string) string {
	return name + "=" + value
}
