// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/messaging"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/observe"
	"github.com/absmach/mcoap/pkg/packet"
	"github.com/absmach/mcoap/pkg/ratelimit"
	"github.com/absmach/mcoap/pkg/router"
	"github.com/absmach/mcoap/pkg/transaction"
	"github.com/absmach/mcoap/pkg/transport"
	"github.com/benbjohnson/clock"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"golang.org/x/sync/errgroup"
)

// Config holds endpoint configuration. Only the messaging section matching
// the transport kind is used.
type Config struct {
	UDP       messaging.UDPConfig
	TCP       messaging.TCPConfig
	RateLimit ratelimit.Config
	// ObserveBuffer is the number of notifications buffered per observation.
	ObserveBuffer int
	Metrics       *metrics.Metrics
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Server is a CoAP endpoint bound to one transport. It serves inbound
// requests through its handler and sends requests of its own to peers.
type Server struct {
	config       Config
	tr           transport.Transport
	handler      router.Handler
	msg          messaging.Messaging
	limiter      *ratelimit.Limiter
	observations *observe.Registry

	mu           sync.RWMutex
	onDisconnect []func(netip.AddrPort)
	onDuplicate  []func(*packet.Packet)
}

// New creates an endpoint serving handler over tr. A nil handler answers
// every request with 4.04.
func New(config Config, tr transport.Transport, handler router.Handler) *Server {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ObserveBuffer <= 0 {
		config.ObserveBuffer = 16
	}
	if handler == nil {
		handler = router.NotFound
	}

	s := &Server{
		config:       config,
		tr:           tr,
		handler:      handler,
		observations: observe.NewRegistry(config.ObserveBuffer, config.Logger),
	}

	rl := config.RateLimit
	rl.Clock, rl.Logger = config.Clock, config.Logger
	rl.OnEvict = config.Metrics.Evictions("ratelimit")
	s.limiter = ratelimit.New(rl)

	hooks := messaging.Hooks{
		Handler:      s.serve,
		Observations: s.observations,
		OnDuplicate:  s.duplicate,
		OnDisconnect: s.disconnected,
	}
	if tr.Reliable() {
		c := config.TCP
		c.Metrics, c.Clock, c.Logger = config.Metrics, config.Clock, config.Logger
		s.msg = messaging.NewTCP(c, tr, hooks)
	} else {
		c := config.UDP
		c.Metrics, c.Clock, c.Logger = config.Metrics, config.Clock, config.Logger
		s.msg = messaging.NewUDP(c, tr, hooks)
	}
	return s
}

// Serve runs the transport and the periodic cache sweeps until ctx is done
// or one of them fails.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.tr.Serve(ctx, s.msg)
	})
	g.Go(func() error {
		return s.msg.Run(ctx)
	})
	g.Go(func() error {
		return s.limiter.Run(ctx)
	})
	return g.Wait()
}

// Messaging returns the message layer of the endpoint.
func (s *Server) Messaging() messaging.Messaging {
	return s.msg
}

// OnDisconnect registers fn to run when a stream peer disconnects.
func (s *Server) OnDisconnect(fn func(peer netip.AddrPort)) {
	s.mu.Lock()
	s.onDisconnect = append(s.onDisconnect, fn)
	s.mu.Unlock()
}

// OnDuplicate registers fn to run for every duplicate message received.
func (s *Server) OnDuplicate(fn func(p *packet.Packet)) {
	s.mu.Lock()
	s.onDuplicate = append(s.onDuplicate, fn)
	s.mu.Unlock()
}

// Send starts an exchange and returns its handle without waiting.
func (s *Server) Send(ctx context.Context, req *packet.Packet) (*transaction.Handle, error) {
	if req.Kind() != packet.KindRequest {
		return nil, mcerrors.Wrap(mcerrors.ErrInvalidInput, fmt.Sprintf("not a request: %v", req.Code))
	}
	return s.msg.Request(ctx, req)
}

// Do sends req and waits for its response. When ctx ends first the exchange
// is cancelled.
func (s *Server) Do(ctx context.Context, req *packet.Packet) (*packet.Packet, error) {
	h, err := s.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := h.Wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		s.msg.Cancel(h.ID(), ctxErr)
	}
	return resp, err
}

// Ping checks that peer answers.
func (s *Server) Ping(ctx context.Context, peer netip.AddrPort) error {
	h, err := s.msg.Ping(ctx, peer)
	if err != nil {
		return err
	}
	_, err = h.Wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		s.msg.Cancel(h.ID(), ctxErr)
	}
	return err
}

// Observe registers an observation of the resource addressed by req and
// waits for the first response, which is also the first item of the
// returned stream. The stream ends when the peer stops the observation or
// disconnects, or when the caller closes it.
func (s *Server) Observe(ctx context.Context, req *packet.Packet) (*observe.Stream, error) {
	if req.Code != codes.GET && req.Code != codes.FETCH {
		return nil, mcerrors.Wrap(mcerrors.ErrInvalidInput, "observe requires GET or FETCH")
	}
	if len(req.Token) == 0 {
		req.Token = messaging.NewToken()
	}
	req.SetObserve(0)

	id := transaction.IDOf(req)
	stream := s.observations.Open(id)
	resp, err := s.Do(ctx, req)
	if err != nil {
		s.observations.Fail(id, err)
		return nil, err
	}

	s.observations.Deliver(resp)
	if _, ok := resp.Observe(); !ok && resp.Success() {
		s.config.Logger.Debug("Resource is not observable",
			slog.String("peer", req.Peer.String()),
			slog.String("path", req.Path()))
		s.observations.Fail(id, observe.ErrClosed)
	}
	return stream, nil
}

// Notify sends a notification of an observation established by a peer.
func (s *Server) Notify(ctx context.Context, n *packet.Packet) error {
	return s.msg.Notify(ctx, n)
}

func (s *Server) serve(ctx context.Context, req *packet.Packet) *packet.Packet {
	start := s.config.Clock.Now()
	resp := s.dispatch(ctx, req)
	s.config.Metrics.ObserveRequest(req.Code.String(), resp.Code.String(), start)
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *packet.Packet) (resp *packet.Packet) {
	if err := s.limiter.Check(req.Peer); err != nil {
		s.config.Metrics.RateLimited()
		s.config.Logger.Debug("Request refused", slog.String("error", err.Error()))
		resp = errorResponse(req, codes.ServiceUnavailable, mcerrors.ErrRateLimited.Error())
		resp.SetUint(message.MaxAge, 1)
		return resp
	}
	if ids := req.UnrecognizedCritical(); len(ids) > 0 {
		s.config.Logger.Debug("Rejected request with unrecognized critical options",
			slog.String("peer", req.Peer.String()),
			slog.Any("options", ids))
		return errorResponse(req, codes.BadOption, fmt.Sprintf("unrecognized critical option %d", ids[0]))
	}

	defer func() {
		if r := recover(); r != nil {
			s.config.Logger.Error("Handler panicked",
				slog.String("peer", req.Peer.String()),
				slog.String("path", req.Path()),
				slog.Any("panic", r))
			resp = errorResponse(req, codes.InternalServerError, "internal error")
		}
	}()

	resp, err := s.handler.ServeCOAP(ctx, req)
	var tooLarge *mcerrors.PayloadTooLargeError
	switch {
	case errors.As(err, &tooLarge):
		s.config.Metrics.TooLarge()
		return tooLargeResponse(req, tooLarge)
	case err != nil:
		s.config.Logger.Warn("Handler failed",
			slog.String("peer", req.Peer.String()),
			slog.String("path", req.Path()),
			slog.String("error", err.Error()))
		return errorResponse(req, codes.InternalServerError, err.Error())
	case resp == nil:
		s.config.Logger.Warn("Handler returned no response",
			slog.String("peer", req.Peer.String()),
			slog.String("path", req.Path()))
		return errorResponse(req, codes.InternalServerError, "no response")
	}
	return resp
}

func (s *Server) duplicate(p *packet.Packet) {
	s.mu.RLock()
	hooks := s.onDuplicate
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(p)
	}
}

func (s *Server) disconnected(peer netip.AddrPort) {
	s.limiter.Remove(peer)
	s.mu.RLock()
	hooks := s.onDisconnect
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(peer)
	}
}

func errorResponse(req *packet.Packet, code codes.Code, diagnostic string) *packet.Packet {
	resp := req.Response(code)
	resp.SetContentFormat(message.TextPlain)
	resp.Payload = []byte(diagnostic)
	return resp
}

// tooLargeResponse builds 4.13 with the accepted size in Size1 and, per
// RFC 7959, a Block1 option naming the block size to retry with.
func tooLargeResponse(req *packet.Packet, err *mcerrors.PayloadTooLargeError) *packet.Packet {
	resp := errorResponse(req, codes.RequestEntityTooLarge, err.Message)
	resp.SetUint(message.Size1, err.MaxSize)
	block := err.BlockSize
	if block == 0 {
		block = err.MaxSize
	}
	resp.SetBlock1(packet.Block{SZX: packet.SZXFor(block)})
	return resp
}
