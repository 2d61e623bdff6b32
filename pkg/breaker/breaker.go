// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides a circuit breaker guarding exchanges with a peer.
package breaker

import (
	"sync"
	"time"

	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/benbjohnson/clock"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures before opening the circuit.
	MaxFailures int
	// ResetTimeout is how long to wait in Open state before transitioning to HalfOpen.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in HalfOpen before closing.
	SuccessThreshold int
	// OnStateChange, if set, is called after every transition, outside the lock.
	OnStateChange func(from, to State)
	Clock         clock.Clock
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu              sync.Mutex
	config          Config
	state           State
	failures        int
	successes       int
	lastStateChange time.Time
}

// New creates a new circuit breaker.
func New(config Config) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: config.Clock.Now(),
	}
}

// Call executes fn if the circuit allows it and records its outcome. It
// fails with errors.ErrCircuitOpen without calling fn when the circuit is open.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

// Allow checks if a call may proceed, moving an expired Open circuit to HalfOpen.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return nil
	}
	if cb.config.Clock.Since(cb.lastStateChange) < cb.config.ResetTimeout {
		cb.mu.Unlock()
		return mcerrors.ErrCircuitOpen
	}
	notify := cb.setState(StateHalfOpen)
	cb.mu.Unlock()

	notify()
	return nil
}

// Record registers the outcome of a call admitted by Allow.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	var notify func()
	if err != nil {
		notify = cb.onFailure()
	} else {
		notify = cb.onSuccess()
	}
	cb.mu.Unlock()

	notify()
}

func (cb *CircuitBreaker) onFailure() func() {
	cb.failures++
	cb.successes = 0

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			return cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// a single failure while probing reopens
		return cb.setState(StateOpen)
	}
	return func() {}
}

func (cb *CircuitBreaker) onSuccess() func() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			return cb.setState(StateClosed)
		}
	}
	return func() {}
}

// setState changes the state under the lock and returns the notification
// to run once the lock is released.
func (cb *CircuitBreaker) setState(newState State) func() {
	if cb.state == newState {
		return func() {}
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.config.Clock.Now()

	switch newState {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
	case StateHalfOpen:
		cb.successes = 0
	}

	fn := cb.config.OnStateChange
	if fn == nil {
		return func() {}
	}
	return func() { fn(oldState, newState) }
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() (state State, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failures, cb.successes
}
