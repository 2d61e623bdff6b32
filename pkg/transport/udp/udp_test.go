// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/absmach/mcoap/pkg/packet"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

type recvRecorder struct {
	packets chan *packet.Packet
}

func newRecorder() *recvRecorder {
	return &recvRecorder{packets: make(chan *packet.Packet, 16)}
}

func (r *recvRecorder) Receive(_ context.Context, p *packet.Packet) {
	r.packets <- p
}

func (r *recvRecorder) OnConnected(context.Context, netip.AddrPort) {}

func (r *recvRecorder) OnDisconnected(netip.AddrPort) {}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func start(t *testing.T, r *recvRecorder) (*Transport, context.CancelFunc, chan error) {
	t.Helper()
	tr := New(Config{Address: "127.0.0.1:0", WorkerPoolSize: 2, Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- tr.Serve(ctx, r)
	}()

	select {
	case <-tr.Ready():
	case err := <-serverErr:
		t.Fatalf("Transport exited prematurely: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Transport did not bind in time")
	}
	return tr, cancel, serverErr
}

func TestUDPTransport_ReceiveAndSend(t *testing.T) {
	rec := newRecorder()
	tr, cancel, serverErr := start(t, rec)
	defer cancel()

	client, err := net.DialUDP("udp", nil, tr.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("Failed to dial transport: %v", err)
	}
	defer client.Close()

	req := &packet.Packet{Code: codes.GET, Type: message.Confirmable, MessageID: 7, Token: []byte{1, 2}}
	req.SetPath("/temp")
	data, err := packet.UDP.Encode(req)
	if err != nil {
		t.Fatalf("Failed to encode request: %v", err)
	}
	if _, err := client.Write(data); err != nil {
		t.Fatalf("Failed to write request: %v", err)
	}

	var got *packet.Packet
	select {
	case got = <-rec.packets:
	case <-time.After(2 * time.Second):
		t.Fatal("Request was not delivered")
	}
	if got.Path() != "/temp" || got.MessageID != 7 {
		t.Errorf("Unexpected packet delivered: %v", got)
	}
	want := client.LocalAddr().(*net.UDPAddr).AddrPort()
	if got.Peer != want {
		t.Errorf("Expected peer %v, got %v", want, got.Peer)
	}

	resp := got.Response(codes.Content)
	resp.Type = message.Acknowledgement
	resp.MessageID = got.MessageID
	resp.Payload = []byte("22")
	if err := tr.Send(context.Background(), resp); err != nil {
		t.Fatalf("Failed to send response: %v", err)
	}

	buf := make([]byte, 1024)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	decoded, _, err := packet.UDP.Decode(buf[:n], want)
	if err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if decoded.Code != codes.Content || string(decoded.Payload) != "22" {
		t.Errorf("Unexpected response: %v", decoded)
	}

	cancel()
	select {
	case err := <-serverErr:
		if err != nil {
			t.Errorf("Transport shutdown with error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Transport shutdown timeout")
	}
}

func TestUDPTransport_DropsMalformed(t *testing.T) {
	rec := newRecorder()
	tr, cancel, _ := start(t, rec)
	defer cancel()

	client, err := net.DialUDP("udp", nil, tr.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("Failed to dial transport: %v", err)
	}
	defer client.Close()

	// version 1, token length 9
	client.Write([]byte{0x49, 0x01, 0x00, 0x01})

	select {
	case p := <-rec.packets:
		t.Fatalf("Malformed datagram was delivered: %v", p)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUDPTransport_SendBeforeServe(t *testing.T) {
	tr := New(Config{Address: "127.0.0.1:0"})
	err := tr.Send(context.Background(), &packet.Packet{Code: codes.GET})
	if err != ErrNotListening {
		t.Errorf("Expected ErrNotListening, got %v", err)
	}
	if tr.LocalAddr() != nil {
		t.Error("Expected nil local address before Serve")
	}
}

func TestUDPTransport_InvalidAddress(t *testing.T) {
	tr := New(Config{Address: "invalid:address:99999", Logger: quietLogger()})
	if err := tr.Serve(context.Background(), newRecorder()); err == nil {
		t.Error("Expected error for invalid address")
	}
}

func TestNew_DefaultConfig(t *testing.T) {
	tr := New(Config{Address: "localhost:0", BufferSize: MaxDatagramSize * 2})

	if tr.config.Logger == nil {
		t.Error("Expected default logger to be set")
	}
	if tr.config.WorkerPoolSize != DefaultWorkerPoolSize {
		t.Errorf("Expected %d workers, got %d", DefaultWorkerPoolSize, tr.config.WorkerPoolSize)
	}
	if tr.config.BufferSize != MaxDatagramSize {
		t.Errorf("Expected buffer size clamped to %d, got %d", MaxDatagramSize, tr.config.BufferSize)
	}
	if tr.Reliable() {
		t.Error("UDP transport must not be reliable")
	}
}
