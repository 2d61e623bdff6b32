// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packet

import (
	"sort"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
)

// Signaling option numbers carried by CSM messages (RFC 8323 section 5.3).
// They share the number space with request options but are only interpreted
// on packets of KindCSM.
const (
	OptionMaxMessageSize    message.OptionID = 2
	OptionBlockWiseTransfer message.OptionID = 4
)

var known = map[message.OptionID]struct{}{
	message.IfMatch:       {},
	message.URIHost:       {},
	message.ETag:          {},
	message.IfNoneMatch:   {},
	message.Observe:       {},
	message.URIPort:       {},
	message.LocationPath:  {},
	message.URIPath:       {},
	message.ContentFormat: {},
	message.MaxAge:        {},
	message.URIQuery:      {},
	message.Accept:        {},
	message.LocationQuery: {},
	message.Block2:        {},
	message.Block1:        {},
	message.Size2:         {},
	message.ProxyURI:      {},
	message.ProxyScheme:   {},
	message.Size1:         {},
	message.NoResponse:    {},
}

// UnrecognizedCritical returns the critical (odd numbered) options the engine
// does not understand. Signaling packets use their own option space and
// always return nil.
func (p *Packet) UnrecognizedCritical() []message.OptionID {
	if p.Class() == 7 {
		return nil
	}
	var ids []message.OptionID
	for _, o := range p.Options {
		if o.ID&1 == 0 {
			continue
		}
		if _, ok := known[o.ID]; !ok {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// Has reports whether the option is present.
func (p *Packet) Has(id message.OptionID) bool {
	for _, o := range p.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// Bytes returns the value of the first occurrence of the option.
func (p *Packet) Bytes(id message.OptionID) ([]byte, bool) {
	for _, o := range p.Options {
		if o.ID == id {
			return o.Value, true
		}
	}
	return nil, false
}

// Strings returns the values of every occurrence of a repeatable option.
func (p *Packet) Strings(id message.OptionID) []string {
	var ret []string
	for _, o := range p.Options {
		if o.ID == id {
			ret = append(ret, string(o.Value))
		}
	}
	return ret
}

// Uint returns the first occurrence of an unsigned integer option.
func (p *Packet) Uint(id message.OptionID) (uint32, bool) {
	v, ok := p.Bytes(id)
	if !ok || len(v) > 4 {
		return 0, false
	}
	return decodeUint(v), true
}

// Set replaces all occurrences of the option with a single value.
func (p *Packet) Set(id message.OptionID, value []byte) {
	p.Remove(id)
	p.Add(id, value)
}

// SetUint replaces the option with a minimal-length unsigned integer value.
func (p *Packet) SetUint(id message.OptionID, v uint32) {
	p.Set(id, encodeUint(v))
}

// Add appends an occurrence of the option after existing ones with the same
// number, keeping options ordered as the encoder expects.
func (p *Packet) Add(id message.OptionID, value []byte) {
	i := sort.Search(len(p.Options), func(i int) bool { return p.Options[i].ID > id })
	p.Options = append(p.Options, message.Option{})
	copy(p.Options[i+1:], p.Options[i:])
	p.Options[i] = message.Option{ID: id, Value: value}
}

// Remove drops every occurrence of the option.
func (p *Packet) Remove(id message.OptionID) {
	opts := p.Options[:0]
	for _, o := range p.Options {
		if o.ID != id {
			opts = append(opts, o)
		}
	}
	p.Options = opts
}

// Path returns the Uri-Path options joined into an absolute path.
func (p *Packet) Path() string {
	return "/" + strings.Join(p.Strings(message.URIPath), "/")
}

// SetPath replaces the Uri-Path options with the segments of path.
func (p *Packet) SetPath(path string) {
	setSegments(p, message.URIPath, path)
}

// LocationPath returns the Location-Path options joined into an absolute path.
// It returns an empty string when the packet carries none.
func (p *Packet) LocationPath() string {
	segs := p.Strings(message.LocationPath)
	if len(segs) == 0 {
		return ""
	}
	return "/" + strings.Join(segs, "/")
}

// SetLocationPath replaces the Location-Path options with the segments of path.
func (p *Packet) SetLocationPath(path string) {
	setSegments(p, message.LocationPath, path)
}

// Queries returns all Uri-Query values.
func (p *Packet) Queries() []string {
	return p.Strings(message.URIQuery)
}

// Query returns the value of the first name=value Uri-Query option.
func (p *Packet) Query(name string) (string, bool) {
	for _, q := range p.Queries() {
		k, v, found := strings.Cut(q, "=")
		if k == name && found {
			return v, true
		}
	}
	return "", false
}

// AddQuery appends a Uri-Query option.
func (p *Packet) AddQuery(q string) {
	p.Add(message.URIQuery, []byte(q))
}

// ContentFormat returns the Content-Format option.
func (p *Packet) ContentFormat() (message.MediaType, bool) {
	v, ok := p.Uint(message.ContentFormat)
	return message.MediaType(v), ok
}

// SetContentFormat sets the Content-Format option.
func (p *Packet) SetContentFormat(mt message.MediaType) {
	p.SetUint(message.ContentFormat, uint32(mt))
}

// Observe returns the Observe option.
func (p *Packet) Observe() (uint32, bool) {
	return p.Uint(message.Observe)
}

// SetObserve sets the Observe option.
func (p *Packet) SetObserve(v uint32) {
	p.SetUint(message.Observe, v)
}

// MaxAge returns the Max-Age option.
func (p *Packet) MaxAge() (uint32, bool) {
	return p.Uint(message.MaxAge)
}

// Block1 returns the decoded Block1 option.
func (p *Packet) Block1() (Block, bool) {
	return p.block(message.Block1)
}

// Block2 returns the decoded Block2 option.
func (p *Packet) Block2() (Block, bool) {
	return p.block(message.Block2)
}

func (p *Packet) block(id message.OptionID) (Block, bool) {
	v, ok := p.Uint(id)
	if !ok {
		return Block{}, false
	}
	return DecodeBlock(v), true
}

// MaxMessageSize returns the Max-Message-Size of a CSM packet.
func (p *Packet) MaxMessageSize() (uint32, bool) {
	if p.Kind() != KindCSM {
		return 0, false
	}
	return p.Uint(OptionMaxMessageSize)
}

// BlockWiseTransfer reports whether a CSM packet advertises block-wise transfer.
// The second result is false when the packet does not carry the option.
func (p *Packet) BlockWiseTransfer() (bool, bool) {
	if p.Kind() != KindCSM {
		return false, false
	}
	if !p.Has(OptionBlockWiseTransfer) {
		return false, false
	}
	return true, true
}

func setSegments(p *Packet, id message.OptionID, path string) {
	p.Remove(id)
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			p.Add(id, []byte(seg))
		}
	}
}

// Option uint values use the shortest big-endian form, zero being empty.
func encodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return []byte{}
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		return []byte{byte(v >> 8), byte(v)}
	case v < 1<<24:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

func decodeUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}
