// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registration_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/packet"
	"github.com/absmach/mcoap/pkg/registration"
	"github.com/benbjohnson/clock"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const links = "</3/0>,</3303/0>"

type call struct {
	code    codes.Code
	path    string
	cf      message.MediaType
	hasCF   bool
	payload string
	queries []string
}

type fakeRD struct {
	mu      sync.Mutex
	calls   []call
	respond func(c call) (*packet.Packet, error)
}

func (f *fakeRD) Post(_ context.Context, path string, cf message.MediaType, payload []byte, queries ...string) (*packet.Packet, error) {
	return f.do(call{code: codes.POST, path: path, cf: cf, hasCF: true, payload: string(payload), queries: queries})
}

func (f *fakeRD) Do(_ context.Context, req *packet.Packet) (*packet.Packet, error) {
	cf, ok := req.ContentFormat()
	return f.do(call{code: req.Code, path: req.Path(), cf: cf, hasCF: ok, payload: string(req.Payload), queries: req.Queries()})
}

func (f *fakeRD) Delete(_ context.Context, path string, queries ...string) (*packet.Packet, error) {
	return f.do(call{code: codes.DELETE, path: path, queries: queries})
}

func (f *fakeRD) do(c call) (*packet.Packet, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	respond := f.respond
	f.mu.Unlock()
	return respond(c)
}

func (f *fakeRD) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRD) call(i int) call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func created(location string, maxAge uint32) *packet.Packet {
	resp := &packet.Packet{Code: codes.Created}
	resp.SetLocationPath(location)
	resp.SetUint(message.MaxAge, maxAge)
	return resp
}

func newManager(t *testing.T, rd *fakeRD, mock *clock.Mock, m *metrics.Metrics) *registration.Manager {
	t.Helper()
	mgr, err := registration.New(registration.Config{
		Path:          "/rd",
		Queries:       []string{"ep=node-1", "lt=120"},
		Links:         links,
		MinRetryDelay: 10 * time.Second,
		MaxRetryDelay: 40 * time.Second,
		Metrics:       m,
		Clock:         mock,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, rd)
	require.NoError(t, err)
	return mgr
}

func TestRenewDelay(t *testing.T) {
	cases := []struct {
		lifetime time.Duration
		want     time.Duration
	}{
		{120 * time.Second, 90 * time.Second},
		{61 * time.Second, 31 * time.Second},
		{60 * time.Second, 55 * time.Second},
		{3 * time.Second, time.Second},
		{0, time.Second},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, registration.RenewDelay(c.lifetime), "lifetime %s", c.lifetime)
	}
}

func TestNewRequiresEndpointName(t *testing.T) {
	_, err := registration.New(registration.Config{Path: "/rd", Queries: []string{"lt=60"}}, &fakeRD{})
	assert.ErrorIs(t, err, mcerrors.ErrInvalidInput)

	_, err = registration.New(registration.Config{Queries: []string{"ep=a"}, MinRetryDelay: time.Minute, MaxRetryDelay: time.Second}, &fakeRD{})
	assert.ErrorIs(t, err, mcerrors.ErrInvalidInput)
}

func TestRegisterAndRenew(t *testing.T) {
	mock := clock.NewMock()
	rd := &fakeRD{respond: func(c call) (*packet.Packet, error) {
		if c.path == "/rd" {
			return created("/rd/4521", 120), nil
		}
		return &packet.Packet{Code: codes.Changed}, nil
	}}
	m := metrics.New("test", prometheus.NewRegistry())
	mgr := newManager(t, rd, mock, m)

	mgr.Register(context.Background())
	require.Eventually(t, mgr.Registered, time.Second, time.Millisecond)
	assert.Equal(t, "/rd/4521", mgr.Location())

	first := rd.call(0)
	assert.Equal(t, codes.POST, first.code)
	assert.Equal(t, message.AppLinkFormat, first.cf)
	assert.Equal(t, links, first.payload)
	assert.Equal(t, []string{"ep=node-1", "lt=120"}, first.queries)

	mock.Add(89 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, rd.count(), "renewed too early")

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return rd.count() == 2 }, time.Second, time.Millisecond)
	renewal := rd.call(1)
	assert.Equal(t, codes.POST, renewal.code)
	assert.Equal(t, "/rd/4521", renewal.path)
	assert.False(t, renewal.hasCF, "renewal carries no content format")
	assert.Empty(t, renewal.payload)
	assert.True(t, mgr.Registered())

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Registrations.WithLabelValues("update", "success")) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Registrations.WithLabelValues("register", "success")))
}

func TestRegisterFailureBacksOff(t *testing.T) {
	mock := clock.NewMock()
	rd := &fakeRD{respond: func(call) (*packet.Packet, error) {
		return nil, mcerrors.ErrTimeout
	}}
	mgr := newManager(t, rd, mock, nil)

	mgr.Register(context.Background())
	for i, delay := range []time.Duration{10, 20, 40, 40} {
		delay *= time.Second
		require.Eventually(t, func() bool {
			return rd.count() == i+1 && mgr.RetryDelay() == delay
		}, time.Second, time.Millisecond, "attempt %d", i+1)
		assert.False(t, mgr.Registered())
		mock.Add(delay)
	}
}

func TestRejectedRegistrationRetries(t *testing.T) {
	mock := clock.NewMock()
	var mu sync.Mutex
	rejected := false
	rd := &fakeRD{respond: func(call) (*packet.Packet, error) {
		mu.Lock()
		defer mu.Unlock()
		if !rejected {
			rejected = true
			return &packet.Packet{Code: codes.BadRequest, Payload: []byte("no ep")}, nil
		}
		return created("/rd/7", 60), nil
	}}
	mgr := newManager(t, rd, mock, nil)

	mgr.Register(context.Background())
	require.Eventually(t, func() bool { return mgr.RetryDelay() == 10*time.Second }, time.Second, time.Millisecond)
	mock.Add(10 * time.Second)
	require.Eventually(t, mgr.Registered, time.Second, time.Millisecond)
	assert.Zero(t, mgr.RetryDelay())
}

func TestRegistrationWithoutLocationRetries(t *testing.T) {
	mock := clock.NewMock()
	var mu sync.Mutex
	attempts := 0
	rd := &fakeRD{respond: func(call) (*packet.Packet, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			resp := &packet.Packet{Code: codes.Created}
			resp.SetUint(message.MaxAge, 120)
			return resp, nil
		}
		return created("/rd/8", 120), nil
	}}
	m := metrics.New("test", prometheus.NewRegistry())
	mgr := newManager(t, rd, mock, m)

	mgr.Register(context.Background())
	require.Eventually(t, func() bool { return mgr.RetryDelay() == 10*time.Second }, time.Second, time.Millisecond)
	assert.False(t, mgr.Registered())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Registrations.WithLabelValues("register", "failure")))

	mock.Add(10 * time.Second)
	require.Eventually(t, mgr.Registered, time.Second, time.Millisecond)
	assert.Equal(t, "/rd/8", mgr.Location())
	for i := range rd.count() {
		assert.Equal(t, "/rd", rd.call(i).path, "call %d", i)
	}
}

func TestUpdateFailureRegistersAgain(t *testing.T) {
	mock := clock.NewMock()
	rd := &fakeRD{respond: func(c call) (*packet.Packet, error) {
		if c.path == "/rd" {
			return created("/rd/1", 30), nil
		}
		return &packet.Packet{Code: codes.NotFound}, nil
	}}
	mgr := newManager(t, rd, mock, nil)

	mgr.Register(context.Background())
	require.Eventually(t, mgr.Registered, time.Second, time.Millisecond)

	mock.Add(25 * time.Second)
	// update rejected, then a fresh registration without waiting
	require.Eventually(t, func() bool { return rd.count() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, "/rd/1", rd.call(1).path)
	assert.Equal(t, "/rd", rd.call(2).path)
	assert.Equal(t, links, rd.call(2).payload)
	require.Eventually(t, mgr.Registered, time.Second, time.Millisecond)
}

func TestDeregister(t *testing.T) {
	mock := clock.NewMock()
	rd := &fakeRD{respond: func(c call) (*packet.Packet, error) {
		if c.code == codes.DELETE {
			return nil, mcerrors.ErrTimeout
		}
		return created("/rd/9", 120), nil
	}}
	mgr := newManager(t, rd, mock, nil)

	mgr.Register(context.Background())
	require.Eventually(t, mgr.Registered, time.Second, time.Millisecond)

	mgr.Deregister()
	assert.False(t, mgr.Registered())
	require.Eventually(t, func() bool { return rd.count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, codes.DELETE, rd.call(1).code)
	assert.Equal(t, "/rd/9", rd.call(1).path)

	// the pending renewal is cancelled
	mock.Add(5 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, rd.count())

	mgr.Deregister()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, rd.count(), "nothing to delete")
}

func TestRenewalRacingDeregisterStaysOffRoot(t *testing.T) {
	for range 50 {
		mock := clock.NewMock()
		rd := &fakeRD{respond: func(c call) (*packet.Packet, error) {
			switch {
			case c.code == codes.DELETE:
				return &packet.Packet{Code: codes.Deleted}, nil
			case c.path == "/rd":
				return created("/rd/5", 120), nil
			}
			return &packet.Packet{Code: codes.Changed}, nil
		}}
		mgr := newManager(t, rd, mock, nil)
		mgr.Register(context.Background())
		require.Eventually(t, mgr.Registered, time.Second, time.Millisecond)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			mock.Add(90 * time.Second)
		}()
		go func() {
			defer wg.Done()
			mgr.Deregister()
		}()
		wg.Wait()
		time.Sleep(5 * time.Millisecond)

		for i := range rd.count() {
			assert.NotEmpty(t, rd.call(i).path, "call %d", i)
		}
	}
}

func TestDeregisterCancelsRetry(t *testing.T) {
	mock := clock.NewMock()
	rd := &fakeRD{respond: func(call) (*packet.Packet, error) {
		return nil, mcerrors.ErrTimeout
	}}
	mgr := newManager(t, rd, mock, nil)

	mgr.Register(context.Background())
	require.Eventually(t, func() bool { return mgr.RetryDelay() == 10*time.Second }, time.Second, time.Millisecond)
	mgr.Deregister()

	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, rd.count())
}

func TestRunDeregistersOnCancel(t *testing.T) {
	mock := clock.NewMock()
	deleted := make(chan string, 1)
	rd := &fakeRD{respond: func(c call) (*packet.Packet, error) {
		if c.code == codes.DELETE {
			deleted <- c.path
			return &packet.Packet{Code: codes.Deleted}, nil
		}
		return created("/rd/3", 120), nil
	}}
	mgr := newManager(t, rd, mock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()
	require.Eventually(t, mgr.Registered, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	select {
	case path := <-deleted:
		assert.Equal(t, "/rd/3", path)
	case <-time.After(time.Second):
		t.Fatal("registration was not deleted")
	}
}
