// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLimiter_Allow(t *testing.T) {
	// 5 events per second, burst of 2
	limiter := NewKeyedLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	assert.True(t, limiter.Allow("orders"), "first event should be allowed")
	assert.True(t, limiter.Allow("orders"), "second event (within burst) should be allowed")
	assert.False(t, limiter.Allow("orders"), "third event should be limited")

	time.Sleep(250 * time.Millisecond)
	assert.True(t, limiter.Allow("orders"), "event after refill should be allowed")
}

func TestKeyedLimiter_DifferentKeys(t *testing.T) {
	limiter := NewKeyedLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	assert.True(t, limiter.Allow("orders"))
	assert.True(t, limiter.Allow("payments"))
	assert.False(t, limiter.Allow("orders"))
	assert.False(t, limiter.Allow("payments"))
	assert.Equal(t, 2, limiter.Len())
}

func TestKeyedLimiter_Wait(t *testing.T) {
	limiter := NewKeyedLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	require.NoError(t, limiter.Wait(context.Background(), "orders"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, limiter.Wait(ctx, "orders"))
}

func TestKeyedLimiter_Cleanup(t *testing.T) {
	limiter := NewKeyedLimiter(10, 1, time.Minute)
	defer limiter.Stop()

	limiter.Allow("orders")
	limiter.Allow("payments")

	limiter.cleanupStale(time.Now())
	assert.Equal(t, 2, limiter.Len())

	limiter.cleanupStale(time.Now().Add(3 * time.Minute))
	assert.Equal(t, 0, limiter.Len())
}

func TestKeyedLimiter_StopTwice(t *testing.T) {
	limiter := NewKeyedLimiter(1, 1, time.Minute)
	limiter.Stop()
	limiter.Stop()
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Stop()

	for i := 0; i < 1000; i++ {
		require.NoError(t, m.WaitPublish(context.Background(), "orders"))
		require.True(t, m.AllowConsume("orders/billing"))
	}
}

func TestManager_NilPermitsEverything(t *testing.T) {
	var m *Manager
	assert.NoError(t, m.WaitPublish(context.Background(), "orders"))
	assert.True(t, m.AllowConsume("orders/billing"))
	m.Stop()
}

func TestManager_Enabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Publish = LimitConfig{Rate: 1, Burst: 1}
	cfg.Consume = LimitConfig{Rate: 1, Burst: 2}

	m := NewManager(cfg)
	defer m.Stop()

	require.NoError(t, m.WaitPublish(context.Background(), "orders"))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, m.WaitPublish(ctx, "orders"))
	assert.NoError(t, m.WaitPublish(context.Background(), "payments"))

	assert.True(t, m.AllowConsume("orders/billing"))
	assert.True(t, m.AllowConsume("orders/billing"))
	assert.False(t, m.AllowConsume("orders/billing"))
}
