// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"context"
	"sync/atomic"

	"github.com/absmach/mcoap/pkg/packet"
)

// Source yields notifications one pull at a time.
type Source interface {
	Next(ctx context.Context) (*packet.Packet, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*packet.Packet, error)

// Next calls f.
func (f SourceFunc) Next(ctx context.Context) (*packet.Packet, error) {
	return f(ctx)
}

// Consumer receives a notification and reports whether to keep pulling.
type Consumer func(n *packet.Packet) bool

// Pump pulls notifications from a source and hands them to a consumer, one
// outstanding pull at a time.
type Pump struct {
	source   Source
	consumer Consumer
	stopped  atomic.Bool
}

// NewPump creates a pump. A nil source makes Run a no-op.
func NewPump(source Source, consumer Consumer) *Pump {
	return &Pump{source: source, consumer: consumer}
}

// Run pulls until the consumer declines, a notification carries a
// non-success code, Stop is called, or the source fails.
func (p *Pump) Run(ctx context.Context) error {
	if p.source == nil || p.consumer == nil {
		return nil
	}
	for !p.stopped.Load() {
		n, err := p.source.Next(ctx)
		if err != nil {
			return err
		}
		if !p.consumer(n) || !n.Success() {
			return nil
		}
	}
	return nil
}

// Stop ends the loop before its next pull.
func (p *Pump) Stop() {
	p.stopped.Store(true)
}

// Consume runs a pump over source until it ends.
func Consume(ctx context.Context, source Source, consumer Consumer) error {
	return NewPump(source, consumer).Run(ctx)
}
