// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/netip"

	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/observe"
	"github.com/absmach/mcoap/pkg/packet"
	"github.com/absmach/mcoap/pkg/transaction"
	"github.com/absmach/mcoap/pkg/transport"
)

// TokenLength is the length of generated tokens.
const TokenLength = 8

// Handler serves an inbound request. A nil response sends nothing beyond
// what the transport requires (an empty ACK for confirmable requests).
type Handler func(ctx context.Context, req *packet.Packet) *packet.Packet

// Hooks connects a messaging layer to the rest of the engine.
type Hooks struct {
	// Handler serves inbound requests.
	Handler Handler
	// Observations receives responses matching no pending exchange.
	Observations *observe.Registry
	// OnDuplicate is called once per detected duplicate message.
	OnDuplicate func(p *packet.Packet)
	// OnDisconnect is called when a stream peer goes away.
	OnDisconnect func(peer netip.AddrPort)
}

// Messaging is the exchange layer on top of a transport.
type Messaging interface {
	transport.Receiver
	// Request sends req and returns the handle of its exchange. A token is
	// generated if req has none.
	Request(ctx context.Context, req *packet.Packet) (*transaction.Handle, error)
	// Notify sends an observation notification.
	Notify(ctx context.Context, n *packet.Packet) error
	// Ping checks that peer is alive; the handle resolves on its answer.
	Ping(ctx context.Context, peer netip.AddrPort) (*transaction.Handle, error)
	// Cancel drops a pending exchange, failing it with err.
	Cancel(id transaction.ID, err error) bool
	// Pending returns the number of pending exchanges.
	Pending() int
	// Run performs periodic maintenance until ctx is done.
	Run(ctx context.Context) error
}

// NewToken returns a random token.
func NewToken() []byte {
	t := make([]byte, TokenLength)
	if _, err := rand.Read(t); err != nil {
		panic(fmt.Sprintf("token generation: %v", err))
	}
	return t
}

func validateNotification(n *packet.Packet) error {
	if _, ok := n.Observe(); !ok {
		return mcerrors.Wrap(mcerrors.ErrInvalidInput, "notification without observe option")
	}
	if len(n.Token) == 0 {
		return mcerrors.Wrap(mcerrors.ErrInvalidInput, "notification without token")
	}
	return nil
}

// register adds the exchange of req, generating a token when it has none
// and retrying on the unlikely collision with a live exchange.
func register(table *transaction.Table, req *packet.Packet) (*transaction.Handle, error) {
	if len(req.Token) > 0 {
		return table.Register(transaction.IDOf(req))
	}
	var err error
	for i := 0; i < 3; i++ {
		req.Token = NewToken()
		var h *transaction.Handle
		if h, err = table.Register(transaction.IDOf(req)); err == nil {
			return h, nil
		}
	}
	return nil, err
}
