// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/packet"
	"github.com/absmach/mcoap/pkg/transport"
)

const (
	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default buffer size for UDP packets.
	DefaultBufferSize = 8192

	// DefaultWorkerPoolSize is the default number of workers for packet processing.
	DefaultWorkerPoolSize = 100

	name = "udp"
)

// ErrNotListening is returned by Send before Serve bound the socket.
var ErrNotListening = errors.New("transport not listening")

var _ transport.Transport = (*Transport)(nil)

// Config holds the UDP transport configuration.
type Config struct {
	// Address is the listen address (host:port). Use port 0 for a client
	// endpoint bound to an ephemeral port.
	Address string

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses DefaultBufferSize (8192 bytes).
	// Must not exceed MaxDatagramSize (65535).
	BufferSize int

	// WorkerPoolSize is the number of goroutines in the packet processing pool.
	// If 0, uses DefaultWorkerPoolSize (100).
	WorkerPoolSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// packetJob is a datagram waiting for a worker.
type packetJob struct {
	peer netip.AddrPort
	data []byte
}

// Transport carries CoAP messages over a single UDP socket. Datagrams are
// read by one goroutine and decoded and handled by a fixed worker pool;
// when every worker is busy and the queue is full, datagrams are dropped.
type Transport struct {
	config     Config
	bufferPool *sync.Pool
	packetCh   chan packetJob
	workerWg   sync.WaitGroup
	ready      chan struct{}

	mu   sync.RWMutex
	conn *net.UDPConn
}

// New creates a new UDP transport.
func New(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}

	return &Transport{
		config: cfg,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, cfg.BufferSize)
				return &buf
			},
		},
		packetCh: make(chan packetJob, cfg.WorkerPoolSize*2),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the socket is bound.
func (t *Transport) Ready() <-chan struct{} {
	return t.ready
}

// Reliable implements transport.Transport.
func (t *Transport) Reliable() bool {
	return false
}

// LocalAddr implements transport.Transport.
func (t *Transport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// Serve binds the socket and delivers decoded messages to r until ctx is
// cancelled.
func (t *Transport) Serve(ctx context.Context, r transport.Receiver) error {
	addr, err := net.ResolveUDPAddr("udp", t.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", t.config.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.config.Address, err)
	}
	defer conn.Close()

	if t.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(t.config.ReadBufferSize); err != nil {
			t.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if t.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(t.config.WriteBufferSize); err != nil {
			t.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	close(t.ready)

	t.config.Logger.Info("UDP transport started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("worker_pool_size", t.config.WorkerPoolSize),
		slog.Int("buffer_size", t.config.BufferSize))

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	t.startWorkerPool(workerCtx, r)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		t.readLoop(ctx, conn)
	}()

	<-ctx.Done()
	t.config.Logger.Info("shutdown signal received, closing socket")

	if err := conn.Close(); err != nil {
		t.config.Logger.Error("error closing socket", slog.String("error", err.Error()))
	}
	<-readDone

	close(t.packetCh)
	workerCancel()
	t.workerWg.Wait()
	t.config.Logger.Info("all workers stopped")
	return nil
}

func (t *Transport) readLoop(ctx context.Context, conn *net.UDPConn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		bufPtr := t.bufferPool.Get().(*[]byte)
		buffer := *bufPtr

		n, peer, err := conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			t.bufferPool.Put(bufPtr)
			select {
			case <-ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				t.config.Logger.Error("failed to read UDP packet",
					slog.String("error", err.Error()))
				continue
			}
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		t.bufferPool.Put(bufPtr)

		select {
		case t.packetCh <- packetJob{peer: unmap(peer), data: datagram}:
		case <-ctx.Done():
			return
		default:
			t.config.Metrics.Dropped(name, "queue_full")
			t.config.Logger.Warn("worker pool full, dropping packet",
				slog.String("peer", peer.String()))
		}
	}
}

func (t *Transport) startWorkerPool(ctx context.Context, r transport.Receiver) {
	for i := 0; i < t.config.WorkerPoolSize; i++ {
		t.workerWg.Add(1)
		go func(workerID int) {
			defer t.workerWg.Done()
			t.packetWorker(ctx, r, workerID)
		}(i)
	}
}

func (t *Transport) packetWorker(ctx context.Context, r transport.Receiver, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-t.packetCh:
			if !ok {
				return
			}
			p, _, err := packet.UDP.Decode(job.data, job.peer)
			if err != nil {
				t.config.Metrics.FramingError(name)
				t.config.Logger.Debug("dropping malformed datagram",
					slog.Int("worker", workerID),
					slog.String("peer", job.peer.String()),
					slog.String("error", err.Error()))
				continue
			}
			r.Receive(ctx, p)
		}
	}
}

// Send implements transport.Transport.
func (t *Transport) Send(_ context.Context, p *packet.Packet) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return ErrNotListening
	}

	data, err := packet.UDP.Encode(p)
	if err != nil {
		return mcerrors.Wrap(err, "encode datagram")
	}
	if len(data) > MaxDatagramSize {
		return &mcerrors.PayloadTooLargeError{MaxSize: MaxDatagramSize, Message: "datagram exceeds UDP limit"}
	}
	if _, err := conn.WriteToUDPAddrPort(data, p.Peer); err != nil {
		return err
	}
	return nil
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
