// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/packet"
	"github.com/absmach/mcoap/pkg/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Subprotocol is the WebSocket subprotocol of CoAP (RFC 8323 section 4.1).
	Subprotocol = "coap"

	// DefaultPath is the well-known path of the CoAP WebSocket endpoint.
	DefaultPath = "/.well-known/coap"

	name = "websocket"
)

// ErrNotServing is returned by Dial before Serve started.
var ErrNotServing = errors.New("transport not serving")

var (
	_ transport.Transport = (*Transport)(nil)
	_ http.Handler        = (*Transport)(nil)
)

// Config holds the WebSocket transport configuration.
type Config struct {
	// Address is the HTTP listen address. Empty means the transport is only
	// mounted on an existing server through ServeHTTP, or only dials.
	Address string

	// Path is the endpoint path, DefaultPath when empty.
	Path string

	// TLSConfig enables wss for the listener and for Dial.
	TLSConfig *tls.Config

	// CheckOrigin validates the Origin header of upgrade requests. Nil
	// accepts every origin.
	CheckOrigin func(r *http.Request) bool

	// ReadLimit bounds the size of an inbound message.
	ReadLimit int64

	ShutdownTimeout time.Duration
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

type conn struct {
	id   string
	ws   *websocket.Conn
	peer netip.AddrPort
	wmu  sync.Mutex
}

// write sends one CoAP message as one binary WebSocket message.
func (c *conn) write(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Transport carries CoAP over WebSockets (RFC 8323 section 4): every
// binary message holds exactly one CoAP message with the stream header
// reduced to a zero length nibble.
type Transport struct {
	config   Config
	upgrader websocket.Upgrader
	wg       sync.WaitGroup

	mu      sync.RWMutex
	conns   map[netip.AddrPort]*conn
	recv    transport.Receiver
	connCtx context.Context
	addr    net.Addr
	ready   chan struct{}
}

// New creates a new WebSocket transport.
func New(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Transport{
		config: cfg,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin:  checkOrigin,
		},
		conns: make(map[netip.AddrPort]*conn),
		ready: make(chan struct{}),
	}
}

// Ready is closed once Serve accepts connections or dials.
func (t *Transport) Ready() <-chan struct{} {
	return t.ready
}

// Reliable implements transport.Transport.
func (t *Transport) Reliable() bool {
	return true
}

// LocalAddr implements transport.Transport.
func (t *Transport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.addr
}

// Serve runs the HTTP listener, when an address is configured, and delivers
// messages of every connection to r until ctx is cancelled.
func (t *Transport) Serve(ctx context.Context, r transport.Receiver) error {
	var ln net.Listener
	if t.config.Address != "" {
		var err error
		ln, err = net.Listen("tcp", t.config.Address)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", t.config.Address, err)
		}
		if t.config.TLSConfig != nil {
			ln = tls.NewListener(ln, t.config.TLSConfig)
		}
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	t.mu.Lock()
	t.recv = r
	t.connCtx = connCtx
	if ln != nil {
		t.addr = ln.Addr()
	}
	t.mu.Unlock()
	close(t.ready)

	var hs *http.Server
	errCh := make(chan error, 1)
	if ln != nil {
		mux := http.NewServeMux()
		mux.Handle(t.config.Path, t)
		hs = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		t.config.Logger.Info("WebSocket transport started",
			slog.String("address", ln.Addr().String()),
			slog.String("path", t.config.Path))
		go func() {
			if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	if hs != nil {
		sctx, cancel := context.WithTimeout(context.Background(), t.config.ShutdownTimeout)
		if serr := hs.Shutdown(sctx); serr != nil {
			t.config.Logger.Warn("error shutting down HTTP server", slog.String("error", serr.Error()))
		}
		cancel()
	}
	for _, c := range t.snapshot() {
		c.wmu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
	}
	connCancel()
	t.wg.Wait()
	return err
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mu.RLock()
	connCtx := t.connCtx
	t.mu.RUnlock()
	if connCtx == nil {
		http.Error(w, "not serving", http.StatusServiceUnavailable)
		return
	}

	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.config.Logger.Error("failed to upgrade client connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	if ws.Subprotocol() != Subprotocol {
		t.config.Logger.Warn("rejecting connection without coap subprotocol",
			slog.String("remote", r.RemoteAddr))
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "coap subprotocol required"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}

	c, err := t.register(ws)
	if err != nil {
		ws.Close()
		return
	}
	t.wg.Add(1)
	defer t.wg.Done()
	t.serveConn(connCtx, c)
}

// Dial connects to a CoAP WebSocket endpoint (ws:// or wss:// URL) and
// returns the peer identity to address packets to.
func (t *Transport) Dial(ctx context.Context, url string) (netip.AddrPort, error) {
	t.mu.RLock()
	connCtx := t.connCtx
	t.mu.RUnlock()
	if connCtx == nil {
		return netip.AddrPort{}, ErrNotServing
	}

	d := websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		TLSClientConfig:  t.config.TLSConfig,
		HandshakeTimeout: 10 * time.Second,
	}
	ws, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	c, err := t.register(ws)
	if err != nil {
		ws.Close()
		return netip.AddrPort{}, err
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.serveConn(connCtx, c)
	}()
	return c.peer, nil
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, p *packet.Packet) error {
	t.mu.RLock()
	c, ok := t.conns[p.Peer]
	t.mu.RUnlock()
	if !ok {
		return mcerrors.New("send", p.Peer.String(), mcerrors.ErrPeerDisconnected)
	}
	data, err := packet.WebSocket.Encode(p)
	if err != nil {
		return mcerrors.Wrap(err, "encode message")
	}
	return c.write(ctx, data)
}

// Close closes the connection to peer.
func (t *Transport) Close(peer netip.AddrPort) error {
	t.mu.RLock()
	c, ok := t.conns[peer]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.ws.Close()
}

func (t *Transport) register(ws *websocket.Conn) (*conn, error) {
	peer, err := netip.ParseAddrPort(ws.RemoteAddr().String())
	if err != nil {
		return nil, fmt.Errorf("unsupported remote address %q: %w", ws.RemoteAddr(), err)
	}
	peer = netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port())
	ws.SetReadLimit(t.config.ReadLimit)
	c := &conn{id: uuid.New().String(), ws: ws, peer: peer}

	t.mu.Lock()
	old := t.conns[peer]
	t.conns[peer] = c
	t.mu.Unlock()
	if old != nil {
		old.ws.Close()
	}
	return c, nil
}

func (t *Transport) serveConn(ctx context.Context, c *conn) {
	t.mu.RLock()
	r := t.recv
	t.mu.RUnlock()

	closed := t.config.Metrics.Connection(name)
	stop := context.AfterFunc(ctx, func() { c.ws.Close() })
	defer func() {
		stop()
		c.ws.Close()
		t.mu.Lock()
		if t.conns[c.peer] == c {
			delete(t.conns, c.peer)
		}
		t.mu.Unlock()
		closed()
		r.OnDisconnected(c.peer)
		t.config.Logger.Debug("websocket connection closed",
			slog.String("conn", c.id),
			slog.String("peer", c.peer.String()))
	}()

	t.config.Logger.Debug("websocket connection established",
		slog.String("conn", c.id),
		slog.String("peer", c.peer.String()))
	r.OnConnected(ctx, c.peer)

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.config.Logger.Debug("websocket read error",
					slog.String("conn", c.id),
					slog.String("error", err.Error()))
			}
			return
		}
		if mt != websocket.BinaryMessage {
			t.config.Logger.Warn("ignoring non-binary message", slog.String("conn", c.id))
			continue
		}
		p, n, err := packet.WebSocket.Decode(data, c.peer)
		if err == nil && n != len(data) {
			err = fmt.Errorf("%w: %d trailing bytes", mcerrors.ErrFraming, len(data)-n)
		}
		if err != nil {
			t.config.Metrics.FramingError(name)
			t.config.Logger.Warn("framing error, closing connection",
				slog.String("peer", c.peer.String()),
				slog.String("error", err.Error()))
			return
		}
		r.Receive(ctx, p)
	}
}

func (t *Transport) snapshot() []*conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	return conns
}
