// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/absmach/mcoap/pkg/packet"
	"github.com/absmach/mcoap/pkg/transaction"
)

// ErrClosed is returned by Stream.Next once the observation ended.
var ErrClosed = errors.New("observation closed")

// RFC 7641 section 3.4 sequence number window.
const seqWindow = 1 << 23

// Registry routes notifications to the stream of their observation.
type Registry struct {
	mu      sync.Mutex
	streams map[transaction.ID]*Stream
	buffer  int
	logger  *slog.Logger
}

// NewRegistry creates a registry whose streams buffer up to buffer notifications.
func NewRegistry(buffer int, logger *slog.Logger) *Registry {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		streams: make(map[transaction.ID]*Stream),
		buffer:  buffer,
		logger:  logger,
	}
}

// Open starts a stream for the observation identified by id, closing any
// previous stream with the same identity.
func (r *Registry) Open(id transaction.ID) *Stream {
	s := &Stream{
		id:   id,
		reg:  r,
		ch:   make(chan *packet.Packet, r.buffer),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	old := r.streams[id]
	r.streams[id] = s
	r.mu.Unlock()

	if old != nil {
		old.close(ErrClosed)
	}
	return s
}

// Deliver hands a notification to its stream. It reports whether a stream
// for the notification exists.
func (r *Registry) Deliver(n *packet.Packet) bool {
	id := transaction.IDOf(n)

	r.mu.Lock()
	s, ok := r.streams[id]
	if ok && !n.Success() {
		delete(r.streams, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.push(n, r.logger)
	if !n.Success() {
		s.close(ErrClosed)
	}
	return true
}

// Fail ends the observation identified by id with err.
func (r *Registry) Fail(id transaction.ID, err error) bool {
	r.mu.Lock()
	s, ok := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()

	if ok {
		s.close(err)
	}
	return ok
}

// CloseAllForPeer ends every observation of peer with err.
func (r *Registry) CloseAllForPeer(peer netip.AddrPort, err error) int {
	var closed []*Stream

	r.mu.Lock()
	for id, s := range r.streams {
		if id.Peer == peer {
			delete(r.streams, id)
			closed = append(closed, s)
		}
	}
	r.mu.Unlock()

	for _, s := range closed {
		s.close(err)
	}
	return len(closed)
}

// Len returns the number of open streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func (r *Registry) remove(s *Stream) {
	r.mu.Lock()
	if r.streams[s.id] == s {
		delete(r.streams, s.id)
	}
	r.mu.Unlock()
}

// Stream is the buffered notification sequence of one observation. It
// implements Source.
type Stream struct {
	id   transaction.ID
	reg  *Registry
	ch   chan *packet.Packet
	done chan struct{}
	once sync.Once
	err  error

	mu     sync.Mutex
	seq    uint32
	hasSeq bool
}

var _ Source = (*Stream)(nil)

// ID returns the identity of the observation.
func (s *Stream) ID() transaction.ID {
	return s.id
}

// Next returns the next buffered notification, waiting for one if needed.
// Notifications received before the stream closed are still returned.
func (s *Stream) Next(ctx context.Context) (*packet.Packet, error) {
	select {
	case n := <-s.ch:
		return n, nil
	default:
	}
	select {
	case n := <-s.ch:
		return n, nil
	case <-s.done:
		select {
		case n := <-s.ch:
			return n, nil
		default:
			return nil, s.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the stream and removes it from its registry.
func (s *Stream) Close() {
	s.reg.remove(s)
	s.close(ErrClosed)
}

// Done is closed when the stream ends.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) push(n *packet.Packet, logger *slog.Logger) {
	if seq, ok := n.Observe(); ok {
		s.mu.Lock()
		stale := s.hasSeq && !fresher(s.seq, seq)
		if !stale {
			s.seq, s.hasSeq = seq, true
		}
		s.mu.Unlock()
		if stale {
			logger.Debug("Dropped reordered notification",
				slog.String("observation", s.id.String()),
				slog.Uint64("seq", uint64(seq)))
			return
		}
	}
	select {
	case <-s.done:
	case s.ch <- n:
	default:
		logger.Warn("Notification buffer full, dropping",
			slog.String("observation", s.id.String()))
	}
}

func (s *Stream) close(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func fresher(prev, next uint32) bool {
	const mask = 1<<24 - 1
	prev, next = prev&mask, next&mask
	return (prev < next && next-prev < seqWindow) || (prev > next && prev-next > seqWindow)
}
