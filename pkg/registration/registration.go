// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/backoff"
	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/packet"
	"github.com/benbjohnson/clock"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

const (
	// DefaultLifetime applies when the server omits Max-Age.
	DefaultLifetime = 60 * time.Second

	DefaultMinRetryDelay  = 10 * time.Second
	DefaultMaxRetryDelay  = 5 * time.Minute
	DefaultRequestTimeout = time.Minute

	minRenewDelay = time.Second
)

const (
	opRegister   = "register"
	opUpdate     = "update"
	opDeregister = "deregister"
)

// Client sends the registration requests; client.Client implements it.
type Client interface {
	Post(ctx context.Context, path string, cf message.MediaType, payload []byte, queries ...string) (*packet.Packet, error)
	Delete(ctx context.Context, path string, queries ...string) (*packet.Packet, error)
	Do(ctx context.Context, req *packet.Packet) (*packet.Packet, error)
}

// Config holds registration manager configuration.
type Config struct {
	// Path is the registration resource of the server, e.g. "/rd".
	Path string

	// Queries are sent with the registration request and must contain
	// the endpoint name as "ep=<name>".
	Queries []string

	// Links is the link-format description of the registered resources.
	Links string

	MinRetryDelay  time.Duration
	MaxRetryDelay  time.Duration
	RequestTimeout time.Duration

	Metrics *metrics.Metrics
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Manager keeps an endpoint registered with a server. It registers, renews
// the registration before its lifetime ends and retries failures with
// doubling delays. Failures are logged and counted, never returned.
type Manager struct {
	config Config
	client Client
	ep     string

	mu       sync.Mutex
	ctx      context.Context
	backoff  backoff.State
	location string
	gen      uint64
	timer    *clock.Timer
}

// New creates a manager. The endpoint name query is required.
func New(config Config, c Client) (*Manager, error) {
	ep := endpointName(config.Queries)
	if ep == "" {
		return nil, mcerrors.Wrap(mcerrors.ErrInvalidInput, "missing 'ep' query parameter")
	}
	if config.MinRetryDelay == 0 {
		config.MinRetryDelay = DefaultMinRetryDelay
	}
	if config.MaxRetryDelay == 0 {
		config.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	b, err := backoff.New(config.MinRetryDelay, config.MaxRetryDelay)
	if err != nil {
		return nil, err
	}

	return &Manager{
		config:  config,
		client:  c,
		ep:      ep,
		ctx:     context.Background(),
		backoff: b,
	}, nil
}

// Run registers and keeps the registration alive until ctx is done, then
// deregisters.
func (m *Manager) Run(ctx context.Context) error {
	m.Register(ctx)
	<-ctx.Done()
	m.Deregister()
	return nil
}

// Register starts a fresh registration. Requests run under ctx.
func (m *Manager) Register(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	gen := m.next()
	m.mu.Unlock()
	go m.register(gen)
}

// Deregister cancels scheduled work and, when registered, sends a DELETE to
// the registration location without waiting for the outcome.
func (m *Manager) Deregister() {
	m.mu.Lock()
	m.next()
	loc := m.location
	m.location = ""
	ctx := context.WithoutCancel(m.ctx)
	m.mu.Unlock()

	if loc == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
		defer cancel()
		resp, err := m.client.Delete(ctx, loc)
		if err == nil && !resp.Success() {
			err = unexpected(resp)
		}
		if err != nil {
			m.config.Metrics.Registration(opDeregister, "failure")
			m.config.Logger.Warn("deregistration failed",
				slog.String("ep", m.ep),
				slog.String("error", err.Error()))
			return
		}
		m.config.Metrics.Registration(opDeregister, "success")
		m.config.Logger.Info("deregistered", slog.String("ep", m.ep))
	}()
}

// Registered reports whether a registration is held.
func (m *Manager) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.location != ""
}

// Location returns the registration resource assigned by the server.
func (m *Manager) Location() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.location
}

// RetryDelay returns the delay of the last scheduled retry, zero after a
// success.
func (m *Manager) RetryDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff.Delay()
}

func (m *Manager) register(gen uint64) {
	ctx, cancel := m.requestContext()
	defer cancel()
	resp, err := m.client.Post(ctx, m.config.Path, message.AppLinkFormat, []byte(m.config.Links), m.config.Queries...)
	switch {
	case err != nil:
	case resp.Code != codes.Created:
		err = unexpected(resp)
	case resp.LocationPath() == "":
		err = fmt.Errorf("%w: no location in %s", mcerrors.ErrRegistrationFailed, resp.Code)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	if err != nil {
		m.backoff = m.backoff.Next()
		m.location = ""
		delay := m.backoff.Delay()
		m.schedule(delay, m.register)
		m.config.Metrics.Registration(opRegister, "failure")
		m.config.Logger.Warn("registration failed",
			slog.String("ep", m.ep),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()))
		return
	}

	lifetime := lifetimeOf(resp)
	m.location = resp.LocationPath()
	m.backoff = m.backoff.Reset()
	m.schedule(RenewDelay(lifetime), m.update)
	m.config.Metrics.Registration(opRegister, "success")
	m.config.Logger.Info("registered",
		slog.String("ep", m.ep),
		slog.String("location", m.location),
		slog.Duration("lifetime", lifetime))
}

func (m *Manager) update(gen uint64) {
	m.mu.Lock()
	loc := m.location
	m.mu.Unlock()
	if loc == "" {
		return
	}

	ctx, cancel := m.requestContext()
	defer cancel()
	req := &packet.Packet{Code: codes.POST}
	req.SetPath(loc)
	resp, err := m.client.Do(ctx, req)
	if err == nil && resp.Code != codes.Created && resp.Code != codes.Changed {
		err = unexpected(resp)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	if err != nil {
		m.location = ""
		next := m.next()
		go m.register(next)
		m.config.Metrics.Registration(opUpdate, "failure")
		m.config.Logger.Warn("registration update failed",
			slog.String("ep", m.ep),
			slog.String("error", err.Error()))
		return
	}

	lifetime := lifetimeOf(resp)
	m.schedule(RenewDelay(lifetime), m.update)
	m.config.Metrics.Registration(opUpdate, "success")
	m.config.Logger.Info("registration updated",
		slog.String("ep", m.ep),
		slog.Duration("lifetime", lifetime))
}

// schedule runs fn after d unless a newer generation overtakes it. The
// caller holds m.mu.
func (m *Manager) schedule(d time.Duration, fn func(gen uint64)) {
	gen := m.next()
	m.timer = m.config.Clock.AfterFunc(d, func() {
		m.mu.Lock()
		current := gen == m.gen
		m.mu.Unlock()
		if current {
			fn(gen)
		}
	})
}

// next invalidates scheduled and in-flight work. The caller holds m.mu.
func (m *Manager) next() uint64 {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
	return m.gen
}

func (m *Manager) requestContext() (context.Context, context.CancelFunc) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	return context.WithTimeout(ctx, m.config.RequestTimeout)
}

// RenewDelay returns how long before a registration of the given lifetime
// is renewed: 30s before expiry for lifetimes above a minute, 5s before
// otherwise, and never less than one second.
func RenewDelay(lifetime time.Duration) time.Duration {
	d := lifetime - 5*time.Second
	if lifetime > time.Minute {
		d = lifetime - 30*time.Second
	}
	return max(d, minRenewDelay)
}

func lifetimeOf(resp *packet.Packet) time.Duration {
	if v, ok := resp.MaxAge(); ok {
		return time.Duration(v) * time.Second
	}
	return DefaultLifetime
}

func endpointName(queries []string) string {
	for _, q := range queries {
		if name, ok := strings.CutPrefix(q, "ep="); ok && name != "" {
			return name
		}
	}
	return ""
}

func unexpected(resp *packet.Packet) error {
	return fmt.Errorf("%w: %s %q", mcerrors.ErrRegistrationFailed, resp.Code, resp.Payload)
}
