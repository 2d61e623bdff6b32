// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/mcoap/pkg/capability"
	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/observe"
	"github.com/absmach/mcoap/pkg/packet"
	"github.com/absmach/mcoap/pkg/ratelimit"
	"github.com/absmach/mcoap/pkg/router"
	"github.com/absmach/mcoap/pkg/server"
	"github.com/absmach/mcoap/pkg/transport/transporttest"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	serverAddr = netip.MustParseAddrPort("192.0.2.1:5683")
	clientAddr = netip.MustParseAddrPort("192.0.2.2:5683")
	logger     = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func routes() *router.Router {
	return router.NewBuilder().
		Get("/hello", router.HandlerFunc(func(_ context.Context, req *packet.Packet) (*packet.Packet, error) {
			resp := req.Response(codes.Content)
			resp.Payload = []byte("world")
			return resp, nil
		})).
		Get("/panic", router.HandlerFunc(func(context.Context, *packet.Packet) (*packet.Packet, error) {
			panic("boom")
		})).
		Get("/fail", router.HandlerFunc(func(context.Context, *packet.Packet) (*packet.Packet, error) {
			return nil, errors.New("storage offline")
		})).
		Get("/nil", router.HandlerFunc(func(context.Context, *packet.Packet) (*packet.Packet, error) {
			return nil, nil
		})).
		Post("/upload", router.MaxPayload(64, "upload too large", router.HandlerFunc(
			func(_ context.Context, req *packet.Packet) (*packet.Packet, error) {
				return req.Response(codes.Changed), nil
			}))).
		Build()
}

// pair starts a serving endpoint and a client endpoint connected in memory.
func pair(t *testing.T, reliable bool, cfg server.Config) (srv, cli *server.Server) {
	t.Helper()
	ts, tc := transporttest.Pair(serverAddr, clientAddr, reliable)
	cfg.Logger = logger
	srv = server.New(cfg, ts, routes())
	cli = server.New(server.Config{Logger: logger}, tc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)
	go cli.Serve(ctx)
	return srv, cli
}

func do(t *testing.T, cli *server.Server, code codes.Code, path string, payload []byte) *packet.Packet {
	t.Helper()
	req := &packet.Packet{Code: code, Peer: serverAddr, Payload: payload}
	req.SetPath(path)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := cli.Do(ctx, req)
	require.NoError(t, err)
	return resp
}

func TestRequestPipeline(t *testing.T) {
	for _, reliable := range []bool{false, true} {
		name := "udp"
		if reliable {
			name = "tcp"
		}
		t.Run(name, func(t *testing.T) {
			_, cli := pair(t, reliable, server.Config{})

			resp := do(t, cli, codes.GET, "/hello", nil)
			assert.Equal(t, codes.Content, resp.Code)
			assert.Equal(t, "world", string(resp.Payload))

			assert.Equal(t, codes.NotFound, do(t, cli, codes.GET, "/missing", nil).Code)
			assert.Equal(t, codes.InternalServerError, do(t, cli, codes.GET, "/panic", nil).Code)
			assert.Equal(t, codes.InternalServerError, do(t, cli, codes.GET, "/fail", nil).Code)
			assert.Equal(t, codes.InternalServerError, do(t, cli, codes.GET, "/nil", nil).Code)
			assert.Equal(t, codes.Changed, do(t, cli, codes.POST, "/upload", []byte("small")).Code)
		})
	}
}

func TestPayloadTooLarge(t *testing.T) {
	_, cli := pair(t, false, server.Config{})

	resp := do(t, cli, codes.POST, "/upload", []byte(strings.Repeat("a", 100)))
	assert.Equal(t, codes.RequestEntityTooLarge, resp.Code)
	size, ok := resp.Uint(message.Size1)
	require.True(t, ok)
	assert.Equal(t, uint32(64), size)
	block, ok := resp.Block1()
	require.True(t, ok)
	assert.Equal(t, uint32(64), block.Size())
}

func TestUnrecognizedCriticalOption(t *testing.T) {
	_, cli := pair(t, false, server.Config{})

	req := &packet.Packet{Code: codes.GET, Peer: serverAddr}
	req.SetPath("/hello")
	req.Add(message.OptionID(65001), []byte{1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := cli.Do(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, codes.BadOption, resp.Code)
}

func TestRateLimit(t *testing.T) {
	_, cli := pair(t, false, server.Config{RateLimit: ratelimit.Config{Rate: 0.001, Burst: 2}})

	assert.Equal(t, codes.Content, do(t, cli, codes.GET, "/hello", nil).Code)
	assert.Equal(t, codes.Content, do(t, cli, codes.GET, "/hello", nil).Code)
	resp := do(t, cli, codes.GET, "/hello", nil)
	assert.Equal(t, codes.ServiceUnavailable, resp.Code)
	assert.Equal(t, mcerrors.ErrRateLimited.Error(), string(resp.Payload))
	age, ok := resp.MaxAge()
	require.True(t, ok)
	assert.Equal(t, uint32(1), age)
}

func TestSendRejectsNonRequests(t *testing.T) {
	_, cli := pair(t, false, server.Config{})

	_, err := cli.Send(context.Background(), &packet.Packet{Code: codes.Content, Peer: serverAddr})
	assert.ErrorIs(t, err, mcerrors.ErrInvalidInput)
}

func TestDoCancelsOnContext(t *testing.T) {
	tr := transporttest.New(clientAddr, false)
	cli := server.New(server.Config{Logger: logger}, tr, nil)

	req := &packet.Packet{Code: codes.GET, Peer: serverAddr}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := cli.Do(ctx, req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, cli.Messaging().Pending())
}

func TestPing(t *testing.T) {
	for _, reliable := range []bool{false, true} {
		_, cli := pair(t, reliable, server.Config{})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		assert.NoError(t, cli.Ping(ctx, serverAddr))
		cancel()
	}
}

func TestObserve(t *testing.T) {
	_, cli := pair(t, false, server.Config{})

	req := &packet.Packet{Code: codes.GET, Peer: serverAddr}
	req.SetPath("/hello")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stream, err := cli.Observe(ctx, req)
	require.NoError(t, err)

	first, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "world", string(first.Payload))

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, observe.ErrClosed, "the route does not support observation")
}

func TestObserveNotifications(t *testing.T) {
	ts, tc := transporttest.Pair(serverAddr, clientAddr, false)
	notifications := make(chan *packet.Packet, 1)
	srv := server.New(server.Config{Logger: logger}, ts, router.HandlerFunc(
		func(_ context.Context, req *packet.Packet) (*packet.Packet, error) {
			resp := req.Response(codes.Content)
			resp.SetObserve(1)
			resp.Payload = []byte("1")
			n := req.Response(codes.Content)
			n.SetObserve(2)
			n.Payload = []byte("2")
			notifications <- n
			return resp, nil
		}))
	cli := server.New(server.Config{Logger: logger}, tc, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go srv.Serve(ctx)
	go cli.Serve(ctx)

	req := &packet.Packet{Code: codes.GET, Peer: serverAddr}
	req.SetPath("/temp")
	stream, err := cli.Observe(ctx, req)
	require.NoError(t, err)

	require.NoError(t, srv.Notify(ctx, <-notifications))

	for _, want := range []string{"1", "2"} {
		n, err := stream.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(n.Payload))
	}
	stream.Close()
}

func TestDisconnectHook(t *testing.T) {
	tr := transporttest.New(serverAddr, true)
	srv := server.New(server.Config{Logger: logger}, tr, routes())

	var disconnected atomic.Value
	srv.OnDisconnect(func(peer netip.AddrPort) { disconnected.Store(peer) })

	csm := capability.Base.CSM()
	csm.Peer = clientAddr
	srv.Messaging().Receive(context.Background(), csm)
	srv.Messaging().OnDisconnected(clientAddr)

	assert.Equal(t, clientAddr, disconnected.Load())
}

func TestDuplicateHook(t *testing.T) {
	tr := transporttest.New(serverAddr, false)
	srv := server.New(server.Config{Logger: logger}, tr, routes())

	var dups atomic.Int32
	srv.OnDuplicate(func(*packet.Packet) { dups.Add(1) })

	req := &packet.Packet{Code: codes.GET, Type: message.Confirmable, MessageID: 1, Token: []byte{1}, Peer: clientAddr}
	req.SetPath("/hello")
	srv.Messaging().Receive(context.Background(), req)
	srv.Messaging().Receive(context.Background(), req.Clone())

	assert.Equal(t, int32(1), dups.Load())
	assert.Len(t, tr.Sent(), 2)
}
