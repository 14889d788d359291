// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := New(mp.Meter(ScopeName))
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

// sumWhere adds the int64 sum points whose attributes contain kv.
func sumWhere(t *testing.T, m metricdata.Metrics, kv ...attribute.KeyValue) int64 {
	t.Helper()

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)

	var total int64
	for _, dp := range sum.DataPoints {
		match := true
		for _, want := range kv {
			got, ok := dp.Attributes.Value(want.Key)
			if !ok || got != want.Value {
				match = false
				break
			}
		}
		if match {
			total += dp.Value
		}
	}
	return total
}

func TestRecordPublish(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordPublish("orders", 2, nil, 1.5)
	m.RecordPublish("orders", 0, errors.New("quorum"), 3)
	m.RecordPublishAttempt("n1:4150", OutcomeOK)
	m.RecordBytesPublished("orders", 42)

	got := collect(t, reader)
	assert.Equal(t, int64(1), sumWhere(t, got["nsq.publish.total"], attribute.String("outcome", OutcomeOK)))
	assert.Equal(t, int64(1), sumWhere(t, got["nsq.publish.total"], attribute.String("outcome", OutcomeError)))
	assert.Equal(t, int64(1), sumWhere(t, got["nsq.publish.attempts.total"], attribute.String("node", "n1:4150")))
	assert.Equal(t, int64(42), sumWhere(t, got["nsq.bytes.published.total"], attribute.String("topic", "orders")))

	hist, ok := got["nsq.publish.duration.ms"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestRecordConsume(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordMessageConsumed("orders", 10)
	m.RecordMessageConsumed("orders", 20)
	m.RecordAck("FIN", nil)
	m.RecordSettled()
	m.RecordHeartbeat("consumer")
	m.RecordRebuild(3)

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumWhere(t, got["nsq.messages.consumed.total"]))
	assert.Equal(t, int64(1), sumWhere(t, got["nsq.messages.in_flight"]))
	assert.Equal(t, int64(1), sumWhere(t, got["nsq.acks.total"], attribute.String("op", "FIN")))
	assert.Equal(t, int64(1), sumWhere(t, got["nsq.heartbeats.total"], attribute.String("role", "consumer")))
	assert.Equal(t, int64(1), sumWhere(t, got["nsq.consumer.rebuilds.total"]))
}

func TestRecordConnections(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordConnectionOpened("producer")
	m.RecordConnectionOpened("producer")
	m.RecordConnectionClosed("producer")
	m.RecordReconnect("producer", errors.New("refused"))
	m.RecordError("decode")

	got := collect(t, reader)
	assert.Equal(t, int64(1), sumWhere(t, got["nsq.connections.current"], attribute.String("role", "producer")))
	assert.Equal(t, int64(1), sumWhere(t, got["nsq.reconnects.total"], attribute.String("outcome", OutcomeError)))
	assert.Equal(t, int64(1), sumWhere(t, got["nsq.errors.total"], attribute.String("type", "decode")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordPublish("orders", 1, nil, 1)
	m.RecordPublishAttempt("n1", OutcomeOK)
	m.RecordBytesPublished("orders", 1)
	m.RecordMessageConsumed("orders", 1)
	m.RecordAck("FIN", nil)
	m.RecordSettled()
	m.RecordHeartbeat("consumer")
	m.RecordReconnect("consumer", nil)
	m.RecordConnectionOpened("consumer")
	m.RecordConnectionClosed("consumer")
	m.RecordRebuild(0)
	m.RecordError("x")
}

func TestNewWithGlobalMeter(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	m.RecordPublish("orders", 1, nil, 1)
}

func TestInitProviderDisabled(t *testing.T) {
	shutdown, err := InitProvider(context.Background(), DefaultConfig(), "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
