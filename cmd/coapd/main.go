// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs a CoAP endpoint serving the example resources over UDP,
// TCP and WebSockets, with metrics, health checks and optional registration
// with a resource directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/mcoap"
	"github.com/absmach/mcoap/examples/simple"
	"github.com/absmach/mcoap/pkg/breaker"
	"github.com/absmach/mcoap/pkg/client"
	"github.com/absmach/mcoap/pkg/health"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/registration"
	"github.com/absmach/mcoap/pkg/router"
	"github.com/absmach/mcoap/pkg/server"
	"github.com/absmach/mcoap/pkg/transport/tcp"
	"github.com/absmach/mcoap/pkg/transport/udp"
	"github.com/absmach/mcoap/pkg/transport/websocket"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	enginePrefix = "MCOAP_"
	udpPrefix    = "MCOAP_UDP_"
	tcpPrefix    = "MCOAP_TCP_"
	wsPrefix     = "MCOAP_WS_"
)

var errNotConfigured = errors.New("address not configured")

type app struct {
	cfg     mcoap.EngineConfig
	handler router.Handler
	metrics *metrics.Metrics
	health  *health.Checker
	logger  *slog.Logger
}

func main() {
	envErr := godotenv.Load()
	cfg, err := mcoap.NewEngineConfig(env.Options{Prefix: enginePrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	a := &app{
		cfg:     cfg,
		handler: simple.New(logger).Router(),
		metrics: metrics.New("mcoap", prometheus.DefaultRegisterer),
		health:  health.NewChecker(health.Config{}),
		logger:  logger,
	}

	udpSrv, err := a.startUDP(ctx, g)
	if err != nil {
		logger.Warn("UDP endpoint not started", slog.String("error", err.Error()))
	}
	if err := a.startTCP(ctx, g); err != nil {
		logger.Warn("TCP endpoint not started", slog.String("error", err.Error()))
	}
	if err := a.startWebSocket(ctx, g); err != nil {
		logger.Warn("WebSocket endpoint not started", slog.String("error", err.Error()))
	}
	if err := a.startRegistration(ctx, g, udpSrv); err != nil {
		logger.Warn("registration not started", slog.String("error", err.Error()))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	g.Go(func() error {
		return serveHTTP(ctx, "metrics", cfg.MetricsAddress, mux, logger)
	})

	hmux := http.NewServeMux()
	hmux.HandleFunc("/health", a.health.HTTPHandler())
	hmux.HandleFunc("/ready", a.health.ReadinessHandler())
	hmux.HandleFunc("/live", health.LivenessHandler())
	g.Go(func() error {
		return serveHTTP(ctx, "health", cfg.HealthAddress, hmux, logger)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("mCoAP service terminated with error: %s", err))
	} else {
		logger.Info("mCoAP service stopped")
	}
}

func (a *app) startUDP(ctx context.Context, g *errgroup.Group) (*server.Server, error) {
	lc, err := mcoap.NewConfig(env.Options{Prefix: udpPrefix})
	if err != nil {
		return nil, err
	}
	if lc.Address == "" {
		if a.cfg.RDAddress == "" {
			return nil, errNotConfigured
		}
		// Registration still needs a local endpoint.
		lc.Address = ":0"
	}

	tr := udp.New(udp.Config{
		Address: lc.Address,
		Metrics: a.metrics,
		Logger:  a.logger,
	})
	srv := server.New(a.cfg.Server(a.metrics, a.logger), tr, a.handler)
	a.health.Register("udp", health.ReadyCheck(tr.Ready()))
	g.Go(func() error {
		return srv.Serve(ctx)
	})
	a.logger.Info("UDP endpoint started", slog.String("address", lc.Address))
	return srv, nil
}

func (a *app) startTCP(ctx context.Context, g *errgroup.Group) error {
	lc, err := mcoap.NewConfig(env.Options{Prefix: tcpPrefix})
	if err != nil {
		return err
	}
	if lc.Address == "" {
		return errNotConfigured
	}

	tr := tcp.New(tcp.Config{
		Address:         lc.Address,
		TLSConfig:       lc.TLSConfig,
		ShutdownTimeout: lc.ShutdownTimeout,
		MaxFrameSize:    int(a.cfg.MaxMessageSize) + 64,
		Metrics:         a.metrics,
		Logger:          a.logger,
	})
	srv := server.New(a.cfg.Server(a.metrics, a.logger), tr, a.handler)
	srv.OnDisconnect(func(peer netip.AddrPort) {
		a.logger.Debug("TCP peer gone", slog.String("peer", peer.String()))
	})
	a.health.Register("tcp", health.ReadyCheck(tr.Ready()))
	g.Go(func() error {
		return srv.Serve(ctx)
	})
	a.logger.Info("TCP endpoint started",
		slog.String("address", lc.Address),
		slog.Bool("tls", lc.TLSConfig != nil))
	return nil
}

func (a *app) startWebSocket(ctx context.Context, g *errgroup.Group) error {
	lc, err := mcoap.NewConfig(env.Options{Prefix: wsPrefix})
	if err != nil {
		return err
	}
	if lc.Address == "" {
		return errNotConfigured
	}

	tr := websocket.New(websocket.Config{
		Address:         lc.Address,
		Path:            lc.Path,
		TLSConfig:       lc.TLSConfig,
		ReadLimit:       int64(a.cfg.MaxMessageSize) + 64,
		ShutdownTimeout: lc.ShutdownTimeout,
		Metrics:         a.metrics,
		Logger:          a.logger,
	})
	srv := server.New(a.cfg.Server(a.metrics, a.logger), tr, a.handler)
	a.health.Register("websocket", health.ReadyCheck(tr.Ready()))
	g.Go(func() error {
		return srv.Serve(ctx)
	})
	a.logger.Info("WebSocket endpoint started",
		slog.String("address", lc.Address),
		slog.String("path", lc.Path))
	return nil
}

func (a *app) startRegistration(ctx context.Context, g *errgroup.Group, srv *server.Server) error {
	if a.cfg.RDAddress == "" {
		return errNotConfigured
	}
	if srv == nil {
		return errors.New("no UDP endpoint to register from")
	}
	addr, err := net.ResolveUDPAddr("udp", a.cfg.RDAddress)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", a.cfg.RDAddress, err)
	}
	peer := addr.AddrPort()
	peer = netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port())

	ep := a.cfg.Endpoint
	if ep == "" {
		if ep, err = os.Hostname(); err != nil {
			return err
		}
	}
	links := a.cfg.Links
	if links == "" {
		links = simple.Links
	}

	c := client.New(client.Config{
		Peer: peer,
		Breaker: breaker.Config{
			MaxFailures:  a.cfg.BreakerMaxFailures,
			ResetTimeout: a.cfg.BreakerResetTimeout,
		},
		Metrics: a.metrics,
	}, srv)
	mgr, err := registration.New(registration.Config{
		Path:          a.cfg.RDPath,
		Queries:       []string{client.Query("ep", ep)},
		Links:         links,
		MinRetryDelay: a.cfg.RDMinRetryDelay,
		MaxRetryDelay: a.cfg.RDMaxRetryDelay,
		Metrics:       a.metrics,
		Logger:        a.logger.With(slog.String("rd", peer.String())),
	}, c)
	if err != nil {
		return err
	}

	a.health.Register("registration", func(context.Context) error {
		if !mgr.Registered() {
			return fmt.Errorf("not registered with %s (circuit %s)", peer, c.State())
		}
		return nil
	})
	g.Go(func() error {
		return mgr.Run(ctx)
	})
	return nil
}

func serveHTTP(ctx context.Context, name, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	logger.Info(fmt.Sprintf("Starting %s server", name), slog.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
