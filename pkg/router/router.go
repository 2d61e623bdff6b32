// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router dispatches inbound CoAP requests to handlers by method and
// path. Exact routes win over prefix routes; among prefix routes the first
// registered match wins. A router is immutable once built.
package router

import (
	"context"
	"fmt"
	"strings"

	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/packet"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Handler serves a request. Returning an error makes the server answer with
// an error response instead.
type Handler interface {
	ServeCOAP(ctx context.Context, req *packet.Packet) (*packet.Packet, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *packet.Packet) (*packet.Packet, error)

// ServeCOAP calls f.
func (f HandlerFunc) ServeCOAP(ctx context.Context, req *packet.Packet) (*packet.Packet, error) {
	return f(ctx, req)
}

// NotFound answers every request with 4.04.
var NotFound Handler = HandlerFunc(func(_ context.Context, req *packet.Packet) (*packet.Packet, error) {
	return req.Response(codes.NotFound), nil
})

type key struct {
	method codes.Code
	path   string
}

type prefixRoute struct {
	key
	handler Handler
}

// Builder collects routes. It is not safe for concurrent use.
type Builder struct {
	exact  map[key]Handler
	prefix []prefixRoute
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{exact: make(map[key]Handler)}
}

// Handle registers h for method and path. A path ending in "*" matches every
// request path starting with what precedes it.
func (b *Builder) Handle(method codes.Code, path string, h Handler) *Builder {
	if prefix, ok := strings.CutSuffix(path, "*"); ok {
		b.prefix = append(b.prefix, prefixRoute{key: key{method, prefix}, handler: h})
		return b
	}
	b.exact[key{method, path}] = h
	return b
}

// Get registers a GET route.
func (b *Builder) Get(path string, h Handler) *Builder {
	return b.Handle(codes.GET, path, h)
}

// Post registers a POST route.
func (b *Builder) Post(path string, h Handler) *Builder {
	return b.Handle(codes.POST, path, h)
}

// Put registers a PUT route.
func (b *Builder) Put(path string, h Handler) *Builder {
	return b.Handle(codes.PUT, path, h)
}

// Delete registers a DELETE route.
func (b *Builder) Delete(path string, h Handler) *Builder {
	return b.Handle(codes.DELETE, path, h)
}

// Build returns the immutable router.
func (b *Builder) Build() *Router {
	r := &Router{
		exact:  make(map[key]Handler, len(b.exact)),
		prefix: append([]prefixRoute(nil), b.prefix...),
	}
	for k, h := range b.exact {
		r.exact[k] = h
	}
	return r
}

// Router is a read-only routing table safe for concurrent use.
type Router struct {
	exact  map[key]Handler
	prefix []prefixRoute
}

var _ Handler = (*Router)(nil)

// Dispatch returns the handler for method and path, never nil.
func (r *Router) Dispatch(method codes.Code, path string) Handler {
	if h, ok := r.exact[key{method, path}]; ok {
		return h
	}
	for _, p := range r.prefix {
		if p.method == method && strings.HasPrefix(path, p.path) {
			return p.handler
		}
	}
	return NotFound
}

// ServeCOAP dispatches req on its method and Uri-Path.
func (r *Router) ServeCOAP(ctx context.Context, req *packet.Packet) (*packet.Packet, error) {
	return r.Dispatch(req.Code, req.Path()).ServeCOAP(ctx, req)
}

// MaxPayload rejects requests whose payload exceeds limit with a
// PayloadTooLargeError before they reach next.
func MaxPayload(limit uint32, message string, next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *packet.Packet) (*packet.Packet, error) {
		if uint64(len(req.Payload)) > uint64(limit) {
			return nil, &mcerrors.PayloadTooLargeError{
				MaxSize: limit,
				Message: fmt.Sprintf("%s (%d bytes)", message, len(req.Payload)),
			}
		}
		return next.ServeCOAP(ctx, req)
	})
}
