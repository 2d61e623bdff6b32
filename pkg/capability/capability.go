// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"github.com/absmach/mcoap/pkg/packet"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// BaseMaxMessageSize is the size every peer supports before negotiation (RFC 8323 section 5.3.1).
const BaseMaxMessageSize = 1152

// Capability is what a peer can receive.
type Capability struct {
	MaxMessageSize    uint32
	BlockWiseTransfer bool
}

// Base is the capability assumed for a peer that has not sent a CSM.
var Base = Capability{MaxMessageSize: BaseMaxMessageSize}

// Min returns the capability both sides support.
func (c Capability) Min(o Capability) Capability {
	return Capability{
		MaxMessageSize:    min(c.MaxMessageSize, o.MaxMessageSize),
		BlockWiseTransfer: c.BlockWiseTransfer && o.BlockWiseTransfer,
	}
}

// FromCSM reads the capability advertised by a CSM. Absent options keep the
// base values.
func FromCSM(p *packet.Packet) Capability {
	c := Base
	if size, ok := p.MaxMessageSize(); ok {
		c.MaxMessageSize = size
	}
	if bwt, ok := p.BlockWiseTransfer(); ok {
		c.BlockWiseTransfer = bwt
	}
	return c
}

// CSM builds the signaling message advertising c.
func (c Capability) CSM() *packet.Packet {
	p := &packet.Packet{Code: codes.CSM}
	p.SetUint(packet.OptionMaxMessageSize, c.MaxMessageSize)
	if c.BlockWiseTransfer {
		p.Set(packet.OptionBlockWiseTransfer, []byte{})
	}
	return p
}
