// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter keeps one token bucket per key (a topic name for publishing,
// a subscription for consuming). Entries not used for two cleanup intervals
// are dropped.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter creates a keyed limiter allowing r events per second with
// the given burst per key.
func NewKeyedLimiter(r float64, burst int, cleanupInterval time.Duration) *KeyedLimiter {
	if burst < 1 {
		burst = 1
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	l := &KeyedLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *KeyedLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Allow reports whether an event for key may happen now.
func (l *KeyedLimiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Wait blocks until an event for key is permitted or ctx is done.
func (l *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return l.get(key).Wait(ctx)
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *KeyedLimiter) cleanupStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := now.Add(-l.cleanup * 2)
	for key, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *KeyedLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// DefaultCleanupInterval is used when none is configured.
const DefaultCleanupInterval = 5 * time.Minute

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	Publish LimitConfig `yaml:"publish"`
	Consume LimitConfig `yaml:"consume"`
}

// LimitConfig holds one token bucket setting. A rate of zero or less
// disables the limit.
type LimitConfig struct {
	Rate  float64 `yaml:"rate"`  // events per second per key
	Burst int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns the disabled default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		CleanupInterval: DefaultCleanupInterval,
		Publish: LimitConfig{
			Rate:  1000, // messages per second per topic
			Burst: 100,
		},
		Consume: LimitConfig{
			Rate:  0,
			Burst: 1,
		},
	}
}

// Manager applies the publish and consume limits. A nil or disabled Manager
// permits everything.
type Manager struct {
	publish *KeyedLimiter
	consume *KeyedLimiter
}

// NewManager creates a manager for cfg.
func NewManager(cfg Config) *Manager {
	m := &Manager{}
	if !cfg.Enabled {
		return m
	}
	if cfg.Publish.Rate > 0 {
		m.publish = NewKeyedLimiter(cfg.Publish.Rate, cfg.Publish.Burst, cfg.CleanupInterval)
	}
	if cfg.Consume.Rate > 0 {
		m.consume = NewKeyedLimiter(cfg.Consume.Rate, cfg.Consume.Burst, cfg.CleanupInterval)
	}
	return m
}

// WaitPublish blocks until a publish to topic is permitted.
func (m *Manager) WaitPublish(ctx context.Context, topic string) error {
	if m == nil || m.publish == nil {
		return nil
	}
	return m.publish.Wait(ctx, topic)
}

// AllowConsume reports whether another message may be delivered for the
// subscription key now. A permitted call spends a token, so callers ask only
// when a message is in hand.
func (m *Manager) AllowConsume(key string) bool {
	if m == nil || m.consume == nil {
		return true
	}
	return m.consume.Allow(key)
}

// Stop stops the limiters' cleanup goroutines.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	if m.publish != nil {
		m.publish.Stop()
	}
	if m.consume != nil {
		m.consume.Stop()
	}
}
