// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mcoap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	t.Setenv("MCOAP_TCP_ADDRESS", ":5683")
	t.Setenv("MCOAP_TCP_SHUTDOWN_TIMEOUT", "5s")

	cfg, err := NewConfig(env.Options{Prefix: "MCOAP_TCP_"})
	require.NoError(t, err)
	assert.Equal(t, ":5683", cfg.Address)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "/.well-known/coap", cfg.Path)
	assert.Nil(t, cfg.TLSConfig)

	cfg, err = NewConfig(env.Options{Prefix: "MCOAP_UDP_"})
	require.NoError(t, err)
	assert.Empty(t, cfg.Address, "prefixes must not leak")
}

func TestNewConfigTLS(t *testing.T) {
	t.Setenv("MCOAP_WS_CERT_FILE", "cert.pem")
	_, err := NewConfig(env.Options{Prefix: "MCOAP_WS_"})
	assert.ErrorIs(t, err, errMissingKeyPair)

	t.Setenv("MCOAP_WS_CERT_FILE", "")
	t.Setenv("MCOAP_WS_CLIENT_CA_FILE", filepath.Join(t.TempDir(), "missing.pem"))
	_, err = NewConfig(env.Options{Prefix: "MCOAP_WS_"})
	assert.Error(t, err)

	junk := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(junk, []byte("not a certificate"), 0o600))
	t.Setenv("MCOAP_WS_CLIENT_CA_FILE", junk)
	_, err = NewConfig(env.Options{Prefix: "MCOAP_WS_"})
	assert.ErrorContains(t, err, "no certificates found")
}

func TestLoadTLSNone(t *testing.T) {
	tc, err := Config{}.loadTLS()
	require.NoError(t, err)
	assert.Nil(t, tc)
}

func TestNewEngineConfig(t *testing.T) {
	t.Setenv("MCOAP_ACK_TIMEOUT", "3s")
	t.Setenv("MCOAP_MAX_MESSAGE_SIZE", "4096")
	t.Setenv("MCOAP_BLOCKWISE_TRANSFER", "true")
	t.Setenv("MCOAP_RATE_LIMIT", "50")

	cfg, err := NewEngineConfig(env.Options{Prefix: "MCOAP_"})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.AckTimeout)
	assert.Equal(t, 1.5, cfg.AckRandomFactor)
	assert.Equal(t, 4, cfg.MaxRetransmit)
	assert.Equal(t, 247*time.Second, cfg.ExchangeLifetime)

	sc := cfg.Server(nil, nil)
	assert.Equal(t, 3*time.Second, sc.UDP.AckTimeout)
	assert.Equal(t, uint32(4096), sc.TCP.Capability.MaxMessageSize)
	assert.True(t, sc.TCP.Capability.BlockWiseTransfer)
	assert.Equal(t, 50.0, sc.RateLimit.Rate)

	t.Setenv("MCOAP_MAX_MESSAGE_SIZE", "512")
	_, err = NewEngineConfig(env.Options{Prefix: "MCOAP_"})
	assert.Error(t, err)
}
