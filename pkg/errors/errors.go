// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for mCoAP.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrTransport indicates the underlying transport failed to deliver a message.
	ErrTransport = errors.New("transport failure")

	// ErrPayloadTooLarge indicates a payload exceeds the negotiated message size.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrProtocolViolation indicates a protocol-level error.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrFraming indicates a stream could not be split into messages.
	ErrFraming = errors.New("framing error")

	// ErrPeerDisconnected indicates the peer connection was closed or aborted.
	ErrPeerDisconnected = errors.New("peer disconnected")

	// ErrRegistrationFailed indicates the registration server rejected a request.
	ErrRegistrationFailed = errors.New("registration failed")

	// ErrTimeout indicates an exchange was not answered in time.
	ErrTimeout = errors.New("timeout")

	// ErrReset indicates the peer rejected a message with a Reset.
	ErrReset = errors.New("reset by peer")

	// ErrDuplicateExchange indicates a live exchange already uses the same token and peer.
	ErrDuplicateExchange = errors.New("duplicate exchange")

	// ErrExchangeReplaced indicates an exchange was superseded by a new one with the same key.
	ErrExchangeReplaced = errors.New("exchange replaced")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrCircuitOpen indicates calls to a peer are suspended after repeated failures.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrInvalidInput indicates invalid input data.
	ErrInvalidInput = errors.New("invalid input")
)

// PayloadTooLargeError reports a payload over the allowed size. BlockSize, when
// non-zero, is the largest block size the sender should switch to.
type PayloadTooLargeError struct {
	MaxSize   uint32
	BlockSize uint32
	Message   string
}

// Error implements the error interface.
func (e *PayloadTooLargeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (max %d)", ErrPayloadTooLarge, e.Message, e.MaxSize)
	}
	return fmt.Sprintf("%s (max %d)", ErrPayloadTooLarge, e.MaxSize)
}

// Is makes errors.Is(err, ErrPayloadTooLarge) hold.
func (e *PayloadTooLargeError) Is(target error) bool {
	return target == ErrPayloadTooLarge
}

// Error wraps an error with the operation and peer it relates to.
type Error struct {
	Op   string // Operation that failed
	Peer string // Remote address
	Err  error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error.
func New(op, peer string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Op:   op,
		Peer: peer,
		Err:  err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
