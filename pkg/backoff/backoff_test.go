// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backoff_test

import (
	"testing"
	"time"

	"github.com/absmach/mcoap/pkg/backoff"
	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDoublesAndClamps(t *testing.T) {
	s, err := backoff.New(10*time.Second, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, s.Delay())

	want := []time.Duration{
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		5 * time.Minute,
		5 * time.Minute,
	}
	for i, w := range want {
		s = s.Next()
		assert.Equal(t, w, s.Delay(), "failure %d", i+1)
	}
}

func TestResetStartsFromMin(t *testing.T) {
	s, err := backoff.New(time.Second, time.Minute)
	require.NoError(t, err)
	s = s.Next().Next().Next()
	assert.Equal(t, 4*time.Second, s.Delay())

	s = s.Reset()
	assert.Zero(t, s.Delay())
	assert.Equal(t, time.Second, s.Next().Delay())
}

func TestValueSemantics(t *testing.T) {
	s, err := backoff.New(time.Second, time.Minute)
	require.NoError(t, err)
	next := s.Next()
	assert.Zero(t, s.Delay())
	assert.Equal(t, time.Second, next.Delay())
}

func TestLargeMaxDoesNotOverflow(t *testing.T) {
	s, err := backoff.New(time.Second, time.Duration(1<<62))
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		s = s.Next()
		assert.Positive(t, s.Delay())
		assert.LessOrEqual(t, s.Delay(), s.Max())
	}
}

func TestInvalidBounds(t *testing.T) {
	_, err := backoff.New(time.Minute, time.Second)
	assert.ErrorIs(t, err, mcerrors.ErrInvalidInput)
	_, err = backoff.New(0, time.Second)
	assert.ErrorIs(t, err, mcerrors.ErrInvalidInput)
}
