// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packet_test

import (
	"net/netip"
	"testing"

	"github.com/absmach/mcoap/pkg/packet"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var peer = netip.MustParseAddrPort("10.0.0.7:5683")

func TestKind(t *testing.T) {
	cases := []struct {
		code codes.Code
		kind packet.Kind
	}{
		{codes.Empty, packet.KindEmpty},
		{codes.GET, packet.KindRequest},
		{codes.DELETE, packet.KindRequest},
		{codes.Content, packet.KindResponse},
		{codes.NotFound, packet.KindResponse},
		{codes.InternalServerError, packet.KindResponse},
		{codes.CSM, packet.KindCSM},
		{codes.Ping, packet.KindPing},
		{codes.Pong, packet.KindPong},
		{codes.Release, packet.KindRelease},
		{codes.Abort, packet.KindAbort},
		{codes.Code(7<<5 | 9), packet.KindUnknownSignal},
		{codes.Code(3 << 5), packet.KindInvalid},
	}
	for _, tc := range cases {
		p := &packet.Packet{Code: tc.code}
		assert.Equal(t, tc.kind, p.Kind(), "code %v", tc.code)
	}
}

func TestOptionsOrderAndAccessors(t *testing.T) {
	p := &packet.Packet{Code: codes.POST}
	p.AddQuery("ep=node-1")
	p.SetPath("/rd/sensors/")
	p.SetContentFormat(message.AppLinkFormat)
	p.AddQuery("lt=300")
	p.SetObserve(0)

	for i := 1; i < len(p.Options); i++ {
		require.LessOrEqual(t, p.Options[i-1].ID, p.Options[i].ID)
	}
	assert.Equal(t, "/rd/sensors", p.Path())
	assert.Equal(t, []string{"ep=node-1", "lt=300"}, p.Queries())

	ep, ok := p.Query("ep")
	assert.True(t, ok)
	assert.Equal(t, "node-1", ep)
	_, ok = p.Query("missing")
	assert.False(t, ok)

	cf, ok := p.ContentFormat()
	assert.True(t, ok)
	assert.Equal(t, message.AppLinkFormat, cf)

	obs, ok := p.Observe()
	assert.True(t, ok)
	assert.Zero(t, obs)

	p.SetPath("other")
	assert.Equal(t, "/other", p.Path())
	assert.Empty(t, p.LocationPath())
}

func TestUnrecognizedCritical(t *testing.T) {
	p := &packet.Packet{Code: codes.GET}
	p.SetPath("a")
	p.Add(message.OptionID(65001), []byte{1})
	p.Add(message.OptionID(65002), []byte{1})
	assert.Equal(t, []message.OptionID{65001}, p.UnrecognizedCritical())

	csm := &packet.Packet{Code: codes.CSM}
	csm.SetUint(packet.OptionMaxMessageSize, 4096)
	assert.Nil(t, csm.UnrecognizedCritical())
}

func TestBlock(t *testing.T) {
	b := packet.Block{Num: 3, More: true, SZX: 6}
	assert.Equal(t, uint32(1024), b.Size())
	assert.Equal(t, b, packet.DecodeBlock(b.Encode()))

	assert.Equal(t, uint8(0), packet.SZXFor(10))
	assert.Equal(t, uint8(0), packet.SZXFor(16))
	assert.Equal(t, uint8(1), packet.SZXFor(32))
	assert.Equal(t, uint8(3), packet.SZXFor(200))
	assert.Equal(t, uint8(6), packet.SZXFor(1152))
	assert.Equal(t, uint8(6), packet.SZXFor(1<<20))
}

func TestCSMAccessors(t *testing.T) {
	csm := &packet.Packet{Code: codes.CSM}
	_, ok := csm.MaxMessageSize()
	assert.False(t, ok)
	_, ok = csm.BlockWiseTransfer()
	assert.False(t, ok)

	csm.SetUint(packet.OptionMaxMessageSize, 2048)
	csm.Set(packet.OptionBlockWiseTransfer, nil)
	size, ok := csm.MaxMessageSize()
	assert.True(t, ok)
	assert.Equal(t, uint32(2048), size)
	bwt, ok := csm.BlockWiseTransfer()
	assert.True(t, ok)
	assert.True(t, bwt)

	req := &packet.Packet{Code: codes.GET}
	req.SetUint(packet.OptionMaxMessageSize, 2048)
	_, ok = req.MaxMessageSize()
	assert.False(t, ok)
}
