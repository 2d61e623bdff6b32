// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// Eviction reasons passed to Config.OnEvict.
const (
	ReasonExpired  = "expired"
	ReasonPressure = "pressure"
)

// ExpiringKey is a cache key that decides on its own whether the entry it
// indexes is still valid.
type ExpiringKey interface {
	comparable
	Valid(insertedAt, now time.Time) bool
}

// Config holds cache configuration.
type Config struct {
	// Name identifies the cache in logs.
	Name string
	// MaxSize is the soft bound; bulk eviction starts above MaxSize plus 1%.
	MaxSize int
	// CleanInterval is the delay between two sweeps run by Run.
	CleanInterval time.Duration
	// WarnInterval bounds how often bulk eviction is logged.
	WarnInterval time.Duration
	// OnEvict, if set, is called with the number of removed entries.
	OnEvict func(reason string, n int)
	Clock   clock.Clock
	Logger  *slog.Logger
}

type entry[V any] struct {
	value      V
	insertedAt time.Time
}

// Cache is a concurrent map whose entries are evicted once their key reports
// them invalid, and trimmed in bulk when the map grows past its bound.
type Cache[K ExpiringKey, V any] struct {
	config   Config
	margin   int
	entries  sync.Map
	size     atomic.Int64
	bulk     sync.Mutex
	warn     rate.Sometimes
	interval atomic.Int64
	reset    chan struct{}
}

// New creates a new cache.
func New[K ExpiringKey, V any](config Config) *Cache[K, V] {
	if config.MaxSize <= 0 {
		config.MaxSize = 10000
	}
	if config.CleanInterval <= 0 {
		config.CleanInterval = 10 * time.Second
	}
	if config.WarnInterval <= 0 {
		config.WarnInterval = time.Minute
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Name == "" {
		config.Name = "cache"
	}

	c := &Cache[K, V]{
		config: config,
		margin: max(1, config.MaxSize/100),
		warn:   rate.Sometimes{Interval: config.WarnInterval},
		reset:  make(chan struct{}, 1),
	}
	c.interval.Store(int64(config.CleanInterval))
	return c
}

// Put stores value under key, replacing any previous entry.
func (c *Cache[K, V]) Put(key K, value V) {
	e := &entry[V]{value: value, insertedAt: c.config.Clock.Now()}
	if _, loaded := c.entries.Swap(key, e); !loaded {
		c.size.Add(1)
	}
	c.CleanupBulk()
}

// PutIfAbsent stores value unless a valid entry exists, in which case the
// existing value is returned with true. An invalid entry counts as absent.
func (c *Cache[K, V]) PutIfAbsent(key K, value V) (V, bool) {
	e := &entry[V]{value: value, insertedAt: c.config.Clock.Now()}
	for {
		actual, loaded := c.entries.LoadOrStore(key, e)
		if !loaded {
			c.size.Add(1)
			c.CleanupBulk()
			var zero V
			return zero, false
		}
		prev := actual.(*entry[V])
		if c.valid(key, prev) {
			return prev.value, true
		}
		if c.entries.CompareAndSwap(key, prev, e) {
			c.evicted(ReasonExpired, 1)
			var zero V
			return zero, false
		}
	}
}

// Get returns the value stored under key. Invalid entries are removed on
// access and reported as missing.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V
	v, ok := c.entries.Load(key)
	if !ok {
		return zero, false
	}
	e := v.(*entry[V])
	if c.valid(key, e) {
		return e.value, true
	}
	if c.entries.CompareAndDelete(key, e) {
		c.size.Add(-1)
		c.evicted(ReasonExpired, 1)
	}
	return zero, false
}

// Delete removes key and returns the value it held, valid or not.
func (c *Cache[K, V]) Delete(key K) (V, bool) {
	v, ok := c.entries.LoadAndDelete(key)
	if !ok {
		var zero V
		return zero, false
	}
	c.size.Add(-1)
	return v.(*entry[V]).value, true
}

// Range calls fn for every valid entry until fn returns false.
func (c *Cache[K, V]) Range(fn func(key K, value V) bool) {
	c.entries.Range(func(k, v any) bool {
		key, e := k.(K), v.(*entry[V])
		if !c.valid(key, e) {
			return true
		}
		return fn(key, e.value)
	})
}

// Size returns the number of stored entries, including ones not yet swept.
func (c *Cache[K, V]) Size() int {
	return int(c.size.Load())
}

// Clean removes every entry whose key reports it invalid and returns the
// number of removed entries.
func (c *Cache[K, V]) Clean() int {
	removed := 0
	c.entries.Range(func(k, v any) bool {
		e := v.(*entry[V])
		if !c.valid(k.(K), e) && c.entries.CompareAndDelete(k, e) {
			c.size.Add(-1)
			removed++
		}
		return true
	})
	if removed > 0 {
		c.evicted(ReasonExpired, removed)
		c.config.Logger.Debug("Cache swept",
			slog.String("cache", c.config.Name),
			slog.Int("removed", removed),
			slog.Int("size", c.Size()))
	}
	return removed
}

// CleanupBulk trims up to 1% of MaxSize arbitrary entries once the cache
// exceeds MaxSize by that margin. Concurrent calls collapse into one trim.
func (c *Cache[K, V]) CleanupBulk() int {
	if c.Size() <= c.config.MaxSize+c.margin {
		return 0
	}
	if !c.bulk.TryLock() {
		return 0
	}
	defer c.bulk.Unlock()

	removed := 0
	c.entries.Range(func(k, v any) bool {
		if removed >= c.margin {
			return false
		}
		if c.entries.CompareAndDelete(k, v) {
			c.size.Add(-1)
			removed++
		}
		return true
	})
	c.evicted(ReasonPressure, removed)
	c.warn.Do(func() {
		c.config.Logger.Warn("Cache is full, evicting entries",
			slog.String("cache", c.config.Name),
			slog.Int("max_size", c.config.MaxSize),
			slog.Int("removed", removed))
	})
	return removed
}

// CleanInterval returns the current sweep interval.
func (c *Cache[K, V]) CleanInterval() time.Duration {
	return time.Duration(c.interval.Load())
}

// SetCleanInterval changes the sweep interval of a running Run loop. The
// pending sweep is rescheduled with the new interval.
func (c *Cache[K, V]) SetCleanInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.interval.Store(int64(d))
	select {
	case c.reset <- struct{}{}:
	default:
	}
}

// Run sweeps the cache every CleanInterval until ctx is done.
func (c *Cache[K, V]) Run(ctx context.Context) error {
	for {
		t := c.config.Clock.Timer(c.CleanInterval())
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-c.reset:
			t.Stop()
		case <-t.C:
			c.Clean()
		}
	}
}

func (c *Cache[K, V]) valid(key K, e *entry[V]) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.config.Logger.Error("Cache validity check panicked",
				slog.String("cache", c.config.Name),
				slog.Any("panic", r))
			ok = false
		}
	}()
	return key.Valid(e.insertedAt, c.config.Clock.Now())
}

func (c *Cache[K, V]) evicted(reason string, n int) {
	if n > 0 && c.config.OnEvict != nil {
		c.config.OnEvict(reason, n)
	}
}

// TTLKey wraps an identity with a fixed lifetime. Keys of one cache should
// share the same TTL since it takes part in key equality.
type TTLKey[T comparable] struct {
	ID  T
	TTL time.Duration
}

// Valid reports whether less than TTL has passed since insertion.
func (k TTLKey[T]) Valid(insertedAt, now time.Time) bool {
	return now.Sub(insertedAt) < k.TTL
}
