// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transaction correlates outbound requests with the responses that
// resolve them. An exchange is identified by its token and peer, and is
// resolved exactly once: by a response, by a failure, or by disconnection of
// the peer.
package transaction

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/packet"
)

// ID identifies an exchange.
type ID struct {
	Token string
	Peer  netip.AddrPort
}

// NewID returns the identity of an exchange with peer using token.
func NewID(token []byte, peer netip.AddrPort) ID {
	return ID{Token: string(token), Peer: peer}
}

// IDOf returns the identity of the exchange p belongs to.
func IDOf(p *packet.Packet) ID {
	return NewID(p.Token, p.Peer)
}

func (id ID) String() string {
	return fmt.Sprintf("%x@%s", id.Token, id.Peer)
}

// Handle is the single-assignment result of an exchange.
type Handle struct {
	id   ID
	once sync.Once
	done chan struct{}
	resp *packet.Packet
	err  error
}

func newHandle(id ID) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

// ID returns the identity of the exchange.
func (h *Handle) ID() ID {
	return h.id
}

// Done is closed once the exchange is resolved.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the response or failure. It must only be called after Done
// is closed.
func (h *Handle) Result() (*packet.Packet, error) {
	return h.resp, h.err
}

// Wait blocks until the exchange is resolved or ctx is done. Cancelling ctx
// does not resolve the exchange.
func (h *Handle) Wait(ctx context.Context) (*packet.Packet, error) {
	select {
	case <-h.done:
		return h.resp, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) resolve(resp *packet.Packet, err error) {
	h.once.Do(func() {
		h.resp, h.err = resp, err
		close(h.done)
	})
}

// Table holds the pending exchanges.
type Table struct {
	mu      sync.Mutex
	pending map[ID]*Handle
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{pending: make(map[ID]*Handle)}
}

// Register adds a pending exchange. It fails with ErrDuplicateExchange if a
// live exchange with the same identity exists.
func (t *Table) Register(id ID) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[id]; ok {
		return nil, mcerrors.New("register", id.Peer.String(), mcerrors.ErrDuplicateExchange)
	}
	h := newHandle(id)
	t.pending[id] = h
	return h, nil
}

// Replace adds a pending exchange, failing any live one with the same
// identity with ErrExchangeReplaced.
func (t *Table) Replace(id ID) *Handle {
	h := newHandle(id)

	t.mu.Lock()
	old := t.pending[id]
	t.pending[id] = h
	t.mu.Unlock()

	if old != nil {
		old.resolve(nil, mcerrors.ErrExchangeReplaced)
	}
	return h
}

// Complete resolves the exchange with resp. It reports false when the
// exchange is unknown or already resolved.
func (t *Table) Complete(id ID, resp *packet.Packet) bool {
	h := t.take(id)
	if h == nil {
		return false
	}
	h.resolve(resp, nil)
	return true
}

// Fail resolves the exchange with err. It reports false when the exchange is
// unknown or already resolved.
func (t *Table) Fail(id ID, err error) bool {
	h := t.take(id)
	if h == nil {
		return false
	}
	h.resolve(nil, err)
	return true
}

// Remove drops the exchange without resolving it.
func (t *Table) Remove(id ID) {
	t.take(id)
}

// Pending reports whether a live exchange with the identity exists.
func (t *Table) Pending(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// FailAllForPeer fails every pending exchange with peer and returns how many
// were resolved.
func (t *Table) FailAllForPeer(peer netip.AddrPort, err error) int {
	var failed []*Handle

	t.mu.Lock()
	for id, h := range t.pending {
		if id.Peer == peer {
			delete(t.pending, id)
			failed = append(failed, h)
		}
	}
	t.mu.Unlock()

	for _, h := range failed {
		h.resolve(nil, err)
	}
	return len(failed)
}

// Len returns the number of pending exchanges.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// The resolver that removes the entry owns the resolution.
func (t *Table) take(id ID) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return h
}
