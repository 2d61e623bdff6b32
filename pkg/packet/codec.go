// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"

	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	tcpcoder "github.com/plgd-dev/go-coap/v3/tcp/coder"
	udpcoder "github.com/plgd-dev/go-coap/v3/udp/coder"
)

const maxTokenLength = 8

// ErrIncomplete is returned by stream codecs when data holds only part of a frame.
var ErrIncomplete = errors.New("incomplete frame")

// Codec converts packets to and from their wire representation.
type Codec interface {
	// Encode serializes the packet.
	Encode(p *Packet) ([]byte, error)
	// Decode parses one message from the start of data and returns the number
	// of bytes it occupied.
	Decode(data []byte, peer netip.AddrPort) (*Packet, int, error)
}

var (
	// UDP is the RFC 7252 datagram codec.
	UDP Codec = datagramCodec{}
	// TCP is the RFC 8323 length-prefixed stream codec.
	TCP Codec = streamCodec{}
)

type datagramCodec struct{}

func (datagramCodec) Encode(p *Packet) ([]byte, error) {
	msg := toMessage(p)
	defer msg.Reset()
	return msg.MarshalWithEncoder(udpcoder.DefaultCoder)
}

func (datagramCodec) Decode(data []byte, peer netip.AddrPort) (*Packet, int, error) {
	if err := checkTokenLength(data); err != nil {
		return nil, 0, err
	}
	msg := pool.NewMessage(context.Background())
	defer msg.Reset()
	n, err := msg.UnmarshalWithDecoder(udpcoder.DefaultCoder, data)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", mcerrors.ErrFraming, err)
	}
	p, err := fromMessage(msg, peer)
	return p, n, err
}

type streamCodec struct{}

func (streamCodec) Encode(p *Packet) ([]byte, error) {
	msg := toMessage(p)
	defer msg.Reset()
	return msg.MarshalWithEncoder(tcpcoder.DefaultCoder)
}

func (streamCodec) Decode(data []byte, peer netip.AddrPort) (*Packet, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrIncomplete
	}
	if err := checkTokenLength(data); err != nil {
		return nil, 0, err
	}
	msg := pool.NewMessage(context.Background())
	defer msg.Reset()
	n, err := msg.UnmarshalWithDecoder(tcpcoder.DefaultCoder, data)
	switch {
	case errors.Is(err, message.ErrShortRead):
		return nil, 0, ErrIncomplete
	case err != nil:
		return nil, 0, fmt.Errorf("%w: %w", mcerrors.ErrFraming, err)
	}
	p, err := fromMessage(msg, peer)
	return p, n, err
}

// Token length lives in the low nibble of the first byte in both the
// datagram and the stream header.
func checkTokenLength(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty message", mcerrors.ErrFraming)
	}
	if tkl := data[0] & 0x0f; tkl > maxTokenLength {
		return fmt.Errorf("%w: token length %d", mcerrors.ErrFraming, tkl)
	}
	return nil
}

func toMessage(p *Packet) *pool.Message {
	msg := pool.NewMessage(context.Background())
	msg.SetCode(p.Code)
	msg.SetToken(p.Token)
	msg.SetType(p.Type)
	msg.SetMessageID(int32(p.MessageID))
	for _, o := range p.Options {
		msg.AddOptionBytes(o.ID, o.Value)
	}
	if len(p.Payload) > 0 {
		msg.SetBody(bytes.NewReader(p.Payload))
	}
	return msg
}

func fromMessage(msg *pool.Message, peer netip.AddrPort) (*Packet, error) {
	body, err := msg.ReadBody()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", mcerrors.ErrFraming, err)
	}
	opts := msg.Options()
	p := &Packet{
		Code:      msg.Code(),
		Type:      msg.Type(),
		MessageID: uint16(msg.MessageID()),
		Token:     append([]byte(nil), msg.Token()...),
		Peer:      peer,
		Options:   make(message.Options, 0, len(opts)),
		Payload:   body,
	}
	for _, o := range opts {
		p.Options = append(p.Options, message.Option{ID: o.ID, Value: append([]byte(nil), o.Value...)})
	}
	return p, nil
}
