// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backoff implements the doubling retry delay shared by the
// registration manager and the reconnecting stream dialer.
package backoff

import (
	"fmt"
	"time"

	mcerrors "github.com/absmach/mcoap/pkg/errors"
)

// State is an immutable backoff value. The zero delay means no failure has
// been recorded since the last reset.
type State struct {
	last time.Duration
	min  time.Duration
	max  time.Duration
}

// New returns a reset state bounded by min and max.
func New(min, max time.Duration) (State, error) {
	if min <= 0 || max < min {
		return State{}, mcerrors.Wrap(mcerrors.ErrInvalidInput, fmt.Sprintf("backoff bounds %s..%s", min, max))
	}
	return State{min: min, max: max}, nil
}

// Next records a failure and returns the following state. Its delay is twice
// the previous one clamped to [min, max]; the first failure yields min.
func (s State) Next() State {
	d := s.last * 2
	if s.last > s.max/2 {
		d = s.max
	}
	s.last = min(max(d, s.min), s.max)
	return s
}

// Reset returns the state after a success.
func (s State) Reset() State {
	s.last = 0
	return s
}

// Delay returns the delay of the last recorded failure, zero after a reset.
func (s State) Delay() time.Duration {
	return s.last
}

// Min returns the lower bound.
func (s State) Min() time.Duration {
	return s.min
}

// Max returns the upper bound.
func (s State) Max() time.Duration {
	return s.max
}
