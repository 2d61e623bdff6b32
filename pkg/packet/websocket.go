// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	mcerrors "github.com/absmach/mcoap/pkg/errors"
)

// WebSocket is the RFC 8323 section 4 codec: the stream header with the Len
// nibble zeroed and no extended length, one message per WebSocket frame.
var WebSocket Codec = frameCodec{}

type frameCodec struct{}

func (frameCodec) Encode(p *Packet) ([]byte, error) {
	data, err := TCP.Encode(p)
	if err != nil {
		return nil, err
	}
	ext := extLen(data[0] >> 4)
	out := make([]byte, 0, len(data)-ext)
	out = append(out, data[0]&0x0f)
	return append(out, data[1+ext:]...), nil
}

func (frameCodec) Decode(data []byte, peer netip.AddrPort) (*Packet, int, error) {
	if err := checkTokenLength(data); err != nil {
		return nil, 0, err
	}
	if data[0]>>4 != 0 {
		return nil, 0, fmt.Errorf("%w: non-zero length nibble", mcerrors.ErrFraming)
	}
	tkl := int(data[0] & 0x0f)
	if len(data) < 2+tkl {
		return nil, 0, fmt.Errorf("%w: truncated header", mcerrors.ErrFraming)
	}
	frame := append(lengthHeader(data[0]&0x0f, len(data)-2-tkl), data[1:]...)
	p, _, err := TCP.Decode(frame, peer)
	if err == ErrIncomplete {
		return nil, 0, fmt.Errorf("%w: truncated message", mcerrors.ErrFraming)
	}
	if err != nil {
		return nil, 0, err
	}
	return p, len(data), nil
}

func extLen(nibble byte) int {
	switch nibble {
	case 13:
		return 1
	case 14:
		return 2
	case 15:
		return 4
	default:
		return 0
	}
}

func lengthHeader(tkl byte, n int) []byte {
	switch {
	case n < 13:
		return []byte{byte(n)<<4 | tkl}
	case n < 269:
		return []byte{13<<4 | tkl, byte(n - 13)}
	case n < 65805:
		h := []byte{14<<4 | tkl, 0, 0}
		binary.BigEndian.PutUint16(h[1:], uint16(n-269))
		return h
	default:
		h := []byte{15<<4 | tkl, 0, 0, 0, 0}
		binary.BigEndian.PutUint32(h[1:], uint32(n-65805))
		return h
	}
}
