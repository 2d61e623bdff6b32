// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mcoap holds the environment configuration of the CoAP endpoint
// daemon.
package mcoap

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/absmach/mcoap/pkg/capability"
	"github.com/absmach/mcoap/pkg/messaging"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/ratelimit"
	"github.com/absmach/mcoap/pkg/server"
	"github.com/caarlos0/env/v11"
)

var errMissingKeyPair = errors.New("both cert and key files are required")

// Config is the configuration of one listener, read from variables sharing
// a prefix such as MCOAP_UDP_.
type Config struct {
	Address         string        `env:"ADDRESS"          envDefault:""`
	Path            string        `env:"PATH"             envDefault:"/.well-known/coap"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	CertFile     string `env:"CERT_FILE"      envDefault:""`
	KeyFile      string `env:"KEY_FILE"       envDefault:""`
	ServerCAFile string `env:"SERVER_CA_FILE" envDefault:""`
	ClientCAFile string `env:"CLIENT_CA_FILE" envDefault:""`

	// TLSConfig is built from the files above; nil when none is set.
	TLSConfig *tls.Config `env:"-"`
}

// NewConfig parses a listener configuration and loads its TLS material.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	tc, err := c.loadTLS()
	if err != nil {
		return Config{}, err
	}
	c.TLSConfig = tc
	return c, nil
}

func (c Config) loadTLS() (*tls.Config, error) {
	if c.CertFile == "" && c.KeyFile == "" && c.ServerCAFile == "" && c.ClientCAFile == "" {
		return nil, nil
	}
	tc := &tls.Config{MinVersion: tls.VersionTLS12}

	switch {
	case c.CertFile != "" && c.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load key pair: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	case c.CertFile != "" || c.KeyFile != "":
		return nil, errMissingKeyPair
	}

	if c.ServerCAFile != "" {
		pool, err := loadCertPool(c.ServerCAFile)
		if err != nil {
			return nil, err
		}
		tc.RootCAs = pool
	}
	if c.ClientCAFile != "" {
		pool, err := loadCertPool(c.ClientCAFile)
		if err != nil {
			return nil, err
		}
		tc.ClientCAs = pool
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tc, nil
}

func loadCertPool(file string) (*x509.CertPool, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", file)
	}
	return pool, nil
}

// EngineConfig holds the protocol and process settings shared by every
// listener, read from MCOAP_ variables.
type EngineConfig struct {
	LogLevel       string `env:"LOG_LEVEL"       envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT"      envDefault:"json"`
	MetricsAddress string `env:"METRICS_ADDRESS" envDefault:":9090"`
	HealthAddress  string `env:"HEALTH_ADDRESS"  envDefault:":8080"`

	AckTimeout       time.Duration `env:"ACK_TIMEOUT"        envDefault:"2s"`
	AckRandomFactor  float64       `env:"ACK_RANDOM_FACTOR"  envDefault:"1.5"`
	MaxRetransmit    int           `env:"MAX_RETRANSMIT"     envDefault:"4"`
	ExchangeLifetime time.Duration `env:"EXCHANGE_LIFETIME"  envDefault:"247s"`
	DedupMaxSize     int           `env:"DEDUP_MAX_SIZE"     envDefault:"100000"`

	MaxMessageSize    uint32 `env:"MAX_MESSAGE_SIZE"    envDefault:"8192"`
	BlockWiseTransfer bool   `env:"BLOCKWISE_TRANSFER"  envDefault:"false"`
	MaxPeers          int    `env:"MAX_PEERS"           envDefault:"10000"`

	RateLimit     float64 `env:"RATE_LIMIT"      envDefault:"0"`
	RateBurst     int     `env:"RATE_BURST"      envDefault:"20"`
	ObserveBuffer int     `env:"OBSERVE_BUFFER"  envDefault:"16"`

	// Registration with a resource directory; disabled without RD_ADDRESS.
	RDAddress       string        `env:"RD_ADDRESS"         envDefault:""`
	RDPath          string        `env:"RD_PATH"            envDefault:"/rd"`
	Endpoint        string        `env:"ENDPOINT"           envDefault:""`
	Links           string        `env:"LINKS"              envDefault:""`
	RDMinRetryDelay time.Duration `env:"RD_MIN_RETRY_DELAY" envDefault:"10s"`
	RDMaxRetryDelay time.Duration `env:"RD_MAX_RETRY_DELAY" envDefault:"5m"`

	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`
}

// NewEngineConfig parses the engine configuration.
func NewEngineConfig(opts env.Options) (EngineConfig, error) {
	c := EngineConfig{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return EngineConfig{}, err
	}
	if c.MaxMessageSize < capability.BaseMaxMessageSize {
		return EngineConfig{}, fmt.Errorf("max message size %d below the base value %d", c.MaxMessageSize, capability.BaseMaxMessageSize)
	}
	return c, nil
}

// Server returns the endpoint configuration derived from c.
func (c EngineConfig) Server(m *metrics.Metrics, logger *slog.Logger) server.Config {
	return server.Config{
		UDP: messaging.UDPConfig{
			AckTimeout:       c.AckTimeout,
			AckRandomFactor:  c.AckRandomFactor,
			MaxRetransmit:    c.MaxRetransmit,
			ExchangeLifetime: c.ExchangeLifetime,
			DedupMaxSize:     c.DedupMaxSize,
		},
		TCP: messaging.TCPConfig{
			Capability: capability.Capability{
				MaxMessageSize:    c.MaxMessageSize,
				BlockWiseTransfer: c.BlockWiseTransfer,
			},
			MaxPeers: c.MaxPeers,
		},
		RateLimit: ratelimit.Config{
			Rate:     c.RateLimit,
			Burst:    c.RateBurst,
			MaxPeers: c.MaxPeers,
		},
		ObserveBuffer: c.ObserveBuffer,
		Metrics:       m,
		Logger:        logger,
	}
}
