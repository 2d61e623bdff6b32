// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/backoff"
	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/packet"
	"github.com/absmach/mcoap/pkg/transport"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const (
	// DefaultMaxFrameSize bounds a single inbound message.
	DefaultMaxFrameSize = 1 << 20

	readChunk = 4096
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrNotServing is returned by Dial before Serve started.
	ErrNotServing = errors.New("transport not serving")
)

var _ transport.Transport = (*Transport)(nil)

// Config holds the TCP transport configuration.
type Config struct {
	// Address is the listen address (host:port). An empty address makes a
	// client-only transport that connects with Dial.
	Address string

	// TLSConfig is optional TLS configuration for accepted and dialed connections.
	TLSConfig *tls.Config

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// MaxFrameSize bounds the size of an inbound message. Larger frames are
	// a framing error and close the connection.
	MaxFrameSize int

	// DialTimeout bounds connection establishment in Dial.
	DialTimeout time.Duration

	Metrics *metrics.Metrics
	Clock   clock.Clock
	Logger  *slog.Logger
}

// conn is one established stream with a peer.
type conn struct {
	id   string
	nc   net.Conn
	peer netip.AddrPort
	wmu  sync.Mutex
	done chan struct{}
}

// Transport carries CoAP over TCP or TLS (RFC 8323). Each connection is
// read by its own goroutine, so messages of one peer are delivered in order.
type Transport struct {
	config Config
	wg     sync.WaitGroup

	mu       sync.RWMutex
	conns    map[netip.AddrPort]*conn
	listener net.Listener
	recv     transport.Receiver
	connCtx  context.Context
	ready    chan struct{}
}

// New creates a new TCP transport.
func New(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Transport{
		config: cfg,
		conns:  make(map[netip.AddrPort]*conn),
		ready:  make(chan struct{}),
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
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Peers returns the addresses of connected peers.
func (t *Transport) Peers() []netip.AddrPort {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]netip.AddrPort, 0, len(t.conns))
	for p := range t.conns {
		peers = append(peers, p)
	}
	return peers
}

// Serve accepts connections, if an address is configured, and delivers
// their messages to r until ctx is cancelled. It implements graceful
// shutdown with connection draining.
func (t *Transport) Serve(ctx context.Context, r transport.Receiver) error {
	var listener net.Listener
	if t.config.Address != "" {
		var err error
		listener, err = net.Listen("tcp", t.config.Address)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", t.config.Address, err)
		}
		if t.config.TLSConfig != nil {
			listener = tls.NewListener(listener, t.config.TLSConfig)
			t.config.Logger.Info("TLS enabled", slog.String("address", t.config.Address))
		}
	}

	// Connections outlive ctx until drained or forcefully closed.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	t.mu.Lock()
	t.listener = listener
	t.recv = r
	t.connCtx = connCtx
	t.mu.Unlock()
	close(t.ready)

	acceptDone := make(chan struct{})
	if listener != nil {
		t.config.Logger.Info("TCP transport started", slog.String("address", listener.Addr().String()))
		go func() {
			defer close(acceptDone)
			t.acceptLoop(ctx, connCtx, listener)
		}()
	} else {
		close(acceptDone)
	}

	<-ctx.Done()
	t.config.Logger.Info("shutdown signal received, closing listener")

	if listener != nil {
		if err := listener.Close(); err != nil {
			t.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
		}
	}
	<-acceptDone

	// Peers are told to go away; well behaved ones close their side.
	for _, c := range t.snapshot() {
		t.closeWrite(c)
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(t.config.ShutdownTimeout):
		t.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return ErrShutdownTimeout
	}
}

func (t *Transport) acceptLoop(ctx, connCtx context.Context, listener net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		nc, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				t.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.handleConn(connCtx, nc); err != nil && !errors.Is(err, io.EOF) {
				t.config.Logger.Debug("connection handler error",
					slog.String("remote", nc.RemoteAddr().String()),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// Dial connects to addr and serves the connection like an accepted one.
// It returns the peer identity to address packets to.
func (t *Transport) Dial(ctx context.Context, addr string) (netip.AddrPort, error) {
	t.mu.RLock()
	connCtx := t.connCtx
	t.mu.RUnlock()
	if connCtx == nil {
		return netip.AddrPort{}, ErrNotServing
	}

	d := net.Dialer{Timeout: t.config.DialTimeout}
	var (
		nc  net.Conn
		err error
	)
	if t.config.TLSConfig != nil {
		td := tls.Dialer{NetDialer: &d, Config: t.config.TLSConfig}
		nc, err = td.DialContext(ctx, "tcp", addr)
	} else {
		nc, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	c, err := t.register(nc)
	if err != nil {
		nc.Close()
		return netip.AddrPort{}, err
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.serveConn(connCtx, c); err != nil && !errors.Is(err, io.EOF) {
			t.config.Logger.Debug("connection handler error",
				slog.String("remote", addr),
				slog.String("error", err.Error()))
		}
	}()
	return c.peer, nil
}

// KeepConnected dials addr and redials whenever the connection drops, waiting
// between attempts with a doubling delay bounded by minDelay and maxDelay.
// It returns when ctx is cancelled.
func (t *Transport) KeepConnected(ctx context.Context, addr string, minDelay, maxDelay time.Duration) error {
	bo, err := backoff.New(minDelay, maxDelay)
	if err != nil {
		return err
	}
	for {
		peer, err := t.Dial(ctx, addr)
		if err == nil {
			bo = bo.Reset()
			t.config.Logger.Info("connected", slog.String("address", addr), slog.String("peer", peer.String()))
			if !t.waitClosed(ctx, peer) {
				return nil
			}
			t.config.Logger.Info("connection lost", slog.String("address", addr))
		} else {
			if errors.Is(err, ErrNotServing) {
				return err
			}
			bo = bo.Next()
			t.config.Logger.Warn("failed to connect",
				slog.String("address", addr),
				slog.Duration("retry_in", bo.Delay()),
				slog.String("error", err.Error()))
		}

		delay := bo.Delay()
		if delay == 0 {
			delay = bo.Min()
		}
		timer := t.config.Clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// waitClosed blocks until the connection to peer ends; false means ctx ended first.
func (t *Transport) waitClosed(ctx context.Context, peer netip.AddrPort) bool {
	t.mu.RLock()
	c, ok := t.conns[peer]
	t.mu.RUnlock()
	if !ok {
		return true
	}
	select {
	case <-c.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, p *packet.Packet) error {
	t.mu.RLock()
	c, ok := t.conns[p.Peer]
	t.mu.RUnlock()
	if !ok {
		return mcerrors.New("send", p.Peer.String(), mcerrors.ErrPeerDisconnected)
	}

	data, err := packet.TCP.Encode(p)
	if err != nil {
		return mcerrors.Wrap(err, "encode frame")
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err = c.nc.Write(data)
	return err
}

// Close closes the connection to peer; the receiver is told about it once
// the read loop exits.
func (t *Transport) Close(peer netip.AddrPort) error {
	t.mu.RLock()
	c, ok := t.conns[peer]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.nc.Close()
}

func (t *Transport) handleConn(ctx context.Context, nc net.Conn) error {
	if tlsConn, ok := nc.(*tls.Conn); ok {
		hctx, cancel := context.WithTimeout(ctx, t.config.DialTimeout)
		err := tlsConn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			nc.Close()
			return fmt.Errorf("TLS handshake failed: %w", err)
		}
	}

	c, err := t.register(nc)
	if err != nil {
		nc.Close()
		return err
	}
	return t.serveConn(ctx, c)
}

func (t *Transport) register(nc net.Conn) (*conn, error) {
	peer, err := addrPort(nc.RemoteAddr())
	if err != nil {
		return nil, err
	}
	c := &conn{
		id:   uuid.New().String(),
		nc:   nc,
		peer: peer,
		done: make(chan struct{}),
	}

	t.mu.Lock()
	old := t.conns[peer]
	t.conns[peer] = c
	t.mu.Unlock()

	if old != nil {
		t.config.Logger.Warn("replacing connection of peer",
			slog.String("peer", peer.String()),
			slog.String("old", old.id))
		old.nc.Close()
	}
	return c, nil
}

// serveConn runs the read loop of c and unregisters it on exit.
func (t *Transport) serveConn(ctx context.Context, c *conn) error {
	t.mu.RLock()
	r := t.recv
	t.mu.RUnlock()

	closed := t.config.Metrics.Connection("tcp")
	stop := context.AfterFunc(ctx, func() { c.nc.Close() })
	defer func() {
		stop()
		c.nc.Close()

		t.mu.Lock()
		if t.conns[c.peer] == c {
			delete(t.conns, c.peer)
		}
		t.mu.Unlock()
		close(c.done)

		closed()
		r.OnDisconnected(c.peer)
		t.config.Logger.Debug("connection closed",
			slog.String("conn", c.id),
			slog.String("peer", c.peer.String()))
	}()

	t.config.Logger.Debug("connection established",
		slog.String("conn", c.id),
		slog.String("peer", c.peer.String()))
	r.OnConnected(ctx, c.peer)

	return t.readFrames(ctx, c, r)
}

// readFrames accumulates bytes until whole frames can be decoded. A framing
// error is fatal for the connection.
func (t *Transport) readFrames(ctx context.Context, c *conn, r transport.Receiver) error {
	var buf []byte
	chunk := make([]byte, readChunk)
	for {
		for len(buf) > 0 {
			p, n, err := packet.TCP.Decode(buf, c.peer)
			if errors.Is(err, packet.ErrIncomplete) {
				break
			}
			if err != nil {
				t.config.Metrics.FramingError("tcp")
				t.config.Logger.Warn("framing error, closing connection",
					slog.String("peer", c.peer.String()),
					slog.String("error", err.Error()))
				return err
			}
			buf = buf[n:]
			r.Receive(ctx, p)
		}
		if len(buf) > t.config.MaxFrameSize {
			t.config.Metrics.FramingError("tcp")
			return fmt.Errorf("%w: frame exceeds %d bytes", mcerrors.ErrFraming, t.config.MaxFrameSize)
		}

		n, err := c.nc.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return err
		}
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

func (t *Transport) closeWrite(c *conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.nc.(closeWriter); ok {
		cw.CloseWrite()
		return
	}
	c.nc.Close()
}

func addrPort(a net.Addr) (netip.AddrPort, error) {
	if ta, ok := a.(*net.TCPAddr); ok {
		ap := ta.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("unsupported remote address %q: %w", a, err)
	}
	return ap, nil
}
