// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package capability_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mcoap/pkg/capability"
	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/packet"
	"github.com/benbjohnson/clock"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var peer = netip.MustParseAddrPort("198.51.100.4:5684")

type recorder struct {
	mu   sync.Mutex
	sent []*packet.Packet
	err  error
}

func (r *recorder) Send(_ context.Context, p *packet.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, p)
	return r.err
}

func (r *recorder) last() *packet.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return nil
	}
	return r.sent[len(r.sent)-1]
}

func newNegotiator(own capability.Capability, rec *recorder) (*capability.Negotiator, *clock.Mock) {
	mock := clock.NewMock()
	return capability.New(capability.Config{
		Own:    own,
		Clock:  mock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, rec), mock
}

func TestMin(t *testing.T) {
	local := capability.Capability{MaxMessageSize: 1024, BlockWiseTransfer: true}
	remote := capability.Capability{MaxMessageSize: 512, BlockWiseTransfer: false}
	assert.Equal(t, capability.Capability{MaxMessageSize: 512}, local.Min(remote))
	assert.Equal(t, local.Min(remote), remote.Min(local))
}

func TestOnConnectedSendsCSM(t *testing.T) {
	rec := &recorder{}
	n, _ := newNegotiator(capability.Capability{MaxMessageSize: 4096, BlockWiseTransfer: true}, rec)

	require.NoError(t, n.OnConnected(context.Background(), peer))
	csm := rec.last()
	require.NotNil(t, csm)
	assert.Equal(t, packet.KindCSM, csm.Kind())
	assert.Equal(t, peer, csm.Peer)
	assert.Equal(t, capability.Capability{MaxMessageSize: 4096, BlockWiseTransfer: true}, capability.FromCSM(csm))

	rec.err = errors.New("broken pipe")
	assert.Error(t, n.OnConnected(context.Background(), peer))
}

func TestCSMNegotiation(t *testing.T) {
	n, _ := newNegotiator(capability.Capability{MaxMessageSize: 1024, BlockWiseTransfer: true}, &recorder{})
	assert.Equal(t, capability.StateUnknown, n.State(peer))
	assert.Equal(t, capability.Base, n.Capability(peer))

	csm := capability.Capability{MaxMessageSize: 512}.CSM()
	csm.Peer = peer
	assert.True(t, n.Handle(context.Background(), csm))

	assert.Equal(t, capability.StateNegotiated, n.State(peer))
	assert.Equal(t, capability.Capability{MaxMessageSize: 512}, n.Capability(peer))
	assert.Equal(t, 1, n.Peers())
}

func TestCSMWithoutOptionsUsesBase(t *testing.T) {
	n, _ := newNegotiator(capability.Capability{MaxMessageSize: 8192, BlockWiseTransfer: true}, &recorder{})
	assert.True(t, n.Handle(context.Background(), &packet.Packet{Code: codes.CSM, Peer: peer}))
	assert.Equal(t, capability.Base, n.Capability(peer))
}

func TestPingPong(t *testing.T) {
	rec := &recorder{}
	n, _ := newNegotiator(capability.Base, rec)

	ping := &packet.Packet{Code: codes.Ping, Token: []byte{0x42}, Peer: peer}
	assert.True(t, n.Handle(context.Background(), ping))
	pong := rec.last()
	require.NotNil(t, pong)
	assert.Equal(t, codes.Pong, pong.Code)
	assert.Equal(t, []byte{0x42}, pong.Token)
	assert.Equal(t, peer, pong.Peer)

	assert.False(t, n.Handle(context.Background(), &packet.Packet{Code: codes.Pong, Token: []byte{1}, Peer: peer}))
}

func TestKeepAliveReleaseAndUnknownSignalsAreConsumed(t *testing.T) {
	rec := &recorder{}
	n, _ := newNegotiator(capability.Base, rec)

	assert.True(t, n.Handle(context.Background(), &packet.Packet{Code: codes.Empty, Peer: peer}))
	assert.True(t, n.Handle(context.Background(), &packet.Packet{Code: codes.Release, Peer: peer}))
	assert.True(t, n.Handle(context.Background(), &packet.Packet{Code: codes.Code(7<<5 | 20), Peer: peer}))
	assert.False(t, n.Handle(context.Background(), &packet.Packet{Code: codes.GET, Peer: peer}))
	assert.False(t, n.Handle(context.Background(), &packet.Packet{Code: codes.Content, Peer: peer}))
	assert.Nil(t, rec.last())
}

func TestAbortDisconnects(t *testing.T) {
	var aborted netip.AddrPort
	mock := clock.NewMock()
	n := capability.New(capability.Config{
		Clock:   mock,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnAbort: func(p netip.AddrPort) { aborted = p },
	}, &recorder{})

	assert.True(t, n.Handle(context.Background(), &packet.Packet{Code: codes.Abort, Peer: peer, Payload: []byte("bye")}))
	assert.Equal(t, peer, aborted)
}

func TestOnDisconnected(t *testing.T) {
	n, mock := newNegotiator(capability.Base, &recorder{})
	csm := capability.Base.CSM()
	csm.Peer = peer
	n.Handle(context.Background(), csm)

	n.OnDisconnected(peer)
	assert.Equal(t, capability.StateDisconnected, n.State(peer))
	assert.Equal(t, capability.Base, n.Capability(peer))

	mock.Add(10 * time.Minute)
	assert.Equal(t, capability.StateUnknown, n.State(peer))
}

func TestCheckPayload(t *testing.T) {
	n, _ := newNegotiator(capability.Capability{MaxMessageSize: 2048, BlockWiseTransfer: true}, &recorder{})

	assert.NoError(t, n.CheckPayload(peer, capability.BaseMaxMessageSize))

	err := n.CheckPayload(peer, capability.BaseMaxMessageSize+1)
	require.ErrorIs(t, err, mcerrors.ErrPayloadTooLarge)
	var tooLarge *mcerrors.PayloadTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, uint32(capability.BaseMaxMessageSize), tooLarge.MaxSize)
	assert.Equal(t, uint32(1024), tooLarge.BlockSize)

	csm := capability.Capability{MaxMessageSize: 1024, BlockWiseTransfer: true}.CSM()
	csm.Peer = peer
	n.Handle(context.Background(), csm)
	assert.NoError(t, n.CheckPayload(peer, 5000), "block-wise peers accept large payloads in blocks")
}
