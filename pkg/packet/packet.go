// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packet

import (
	"fmt"
	"net/netip"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Kind classifies a packet once at the transport boundary so the engine can
// dispatch on a closed set of variants instead of re-inspecting codes.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindEmpty
	KindRequest
	KindResponse
	KindCSM
	KindPing
	KindPong
	KindRelease
	KindAbort
	KindUnknownSignal
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindCSM:
		return "csm"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindRelease:
		return "release"
	case KindAbort:
		return "abort"
	case KindUnknownSignal:
		return "unknown_signal"
	default:
		return "invalid"
	}
}

// Packet is a decoded CoAP message together with the peer it came from or
// is addressed to. Type and MessageID are meaningful on datagram transports only.
type Packet struct {
	Code      codes.Code
	Type      message.Type
	MessageID uint16
	Token     []byte
	Peer      netip.AddrPort
	Options   message.Options
	Payload   []byte
}

// Class returns the code class (the digit before the dot).
func (p *Packet) Class() uint8 {
	return uint8(p.Code >> 5)
}

// Kind returns the variant of the packet derived from its code.
func (p *Packet) Kind() Kind {
	if p.Code == codes.Empty {
		return KindEmpty
	}
	switch p.Class() {
	case 0:
		return KindRequest
	case 2, 4, 5:
		return KindResponse
	case 7:
		switch p.Code {
		case codes.CSM:
			return KindCSM
		case codes.Ping:
			return KindPing
		case codes.Pong:
			return KindPong
		case codes.Release:
			return KindRelease
		case codes.Abort:
			return KindAbort
		default:
			return KindUnknownSignal
		}
	default:
		return KindInvalid
	}
}

// Success reports whether the packet carries a 2.xx response code.
func (p *Packet) Success() bool {
	return p.Class() == 2
}

// Response builds a reply to p carrying the same token and peer.
func (p *Packet) Response(code codes.Code) *Packet {
	return &Packet{
		Code:  code,
		Token: p.Token,
		Peer:  p.Peer,
	}
}

// Clone returns a deep copy of the packet.
func (p *Packet) Clone() *Packet {
	c := *p
	c.Token = append([]byte(nil), p.Token...)
	c.Payload = append([]byte(nil), p.Payload...)
	c.Options = make(message.Options, len(p.Options))
	for i, o := range p.Options {
		c.Options[i] = message.Option{ID: o.ID, Value: append([]byte(nil), o.Value...)}
	}
	return &c
}

func (p *Packet) String() string {
	return fmt.Sprintf("%v %v mid=%d token=%x peer=%s payload=%d", p.Type, p.Code, p.MessageID, p.Token, p.Peer, len(p.Payload))
}
