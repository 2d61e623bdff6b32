// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/mcoap/pkg/health"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthAggregation(t *testing.T) {
	c := health.NewChecker(health.Config{Clock: clock.NewMock()})
	status, checks := c.Health(context.Background())
	assert.Equal(t, health.StatusHealthy, status)
	assert.Empty(t, checks)

	c.Register("udp", func(context.Context) error { return nil })
	c.Register("tcp", func(context.Context) error { return errors.New("listener down") })

	status, checks = c.Health(context.Background())
	assert.Equal(t, health.StatusDegraded, status)
	require.Len(t, checks, 2)
	assert.Equal(t, "tcp", checks[0].Name)
	assert.Equal(t, health.StatusUnhealthy, checks[0].Status)
	assert.Equal(t, "listener down", checks[0].Message)
	assert.Equal(t, health.StatusHealthy, checks[1].Status)

	c.Register("udp", func(context.Context) error { return errors.New("closed") })
	status, _ = c.Health(context.Background())
	assert.Equal(t, health.StatusUnhealthy, status)
}

func TestResultsAreCached(t *testing.T) {
	mock := clock.NewMock()
	c := health.NewChecker(health.Config{CacheTTL: 10 * time.Second, Clock: mock})
	var runs atomic.Int32
	c.Register("store", func(context.Context) error {
		runs.Add(1)
		return nil
	})

	c.Health(context.Background())
	mock.Add(9 * time.Second)
	c.Health(context.Background())
	assert.Equal(t, int32(1), runs.Load())

	mock.Add(time.Second)
	c.Health(context.Background())
	assert.Equal(t, int32(2), runs.Load())
}

func TestReadyCheck(t *testing.T) {
	ready := make(chan struct{})
	check := health.ReadyCheck(ready)
	assert.ErrorIs(t, check(context.Background()), health.ErrNotReady)
	close(ready)
	assert.NoError(t, check(context.Background()))
}

func TestHandlers(t *testing.T) {
	c := health.NewChecker(health.Config{Clock: clock.NewMock()})
	c.Register("udp", func(context.Context) error { return nil })
	c.Register("ws", func(context.Context) error { return errors.New("not listening") })

	cases := []struct {
		name    string
		handler http.HandlerFunc
		code    int
		status  string
	}{
		{"health", c.HTTPHandler(), http.StatusOK, "degraded"},
		{"ready", c.ReadinessHandler(), http.StatusServiceUnavailable, "degraded"},
		{"live", health.LivenessHandler(), http.StatusOK, "alive"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tc.handler(rec, httptest.NewRequest(http.MethodGet, "/"+tc.name, nil))
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.status, body["status"])
		})
	}
}
