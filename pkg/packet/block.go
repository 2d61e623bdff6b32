// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packet

import "github.com/plgd-dev/go-coap/v3/message"

// Block is a decoded Block1/Block2 option value (RFC 7959).
type Block struct {
	Num  uint32
	More bool
	SZX  uint8
}

// MaxSZX is the largest size exponent for a regular block; 7 is reserved for BERT.
const MaxSZX = 6

// Size returns the block size in bytes.
func (b Block) Size() uint32 {
	return 1 << (uint32(b.SZX) + 4)
}

// Encode returns the option value of the block.
func (b Block) Encode() uint32 {
	v := b.Num<<4 | uint32(b.SZX&0x7)
	if b.More {
		v |= 0x8
	}
	return v
}

// DecodeBlock parses a Block1/Block2 option value.
func DecodeBlock(v uint32) Block {
	return Block{
		Num:  v >> 4,
		More: v&0x8 != 0,
		SZX:  uint8(v & 0x7),
	}
}

// SZXFor returns the largest size exponent whose block fits into size bytes.
// Sizes below 16 bytes map to the smallest block.
func SZXFor(size uint32) uint8 {
	var szx uint8
	for szx < MaxSZX && uint32(1)<<(szx+5) <= size {
		szx++
	}
	return szx
}

// SetBlock1 sets the Block1 option.
func (p *Packet) SetBlock1(b Block) {
	p.SetUint(message.Block1, b.Encode())
}

// SetBlock2 sets the Block2 option.
func (p *Packet) SetBlock2(b Block) {
	p.SetUint(message.Block2, b.Encode())
}
