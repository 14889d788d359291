// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the OpenTelemetry instruments of the client and the
// OTLP provider bootstrap.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope of all client instruments.
const ScopeName = "github.com/absmach/nsqc"

// Outcomes recorded on publish and acknowledgement instruments.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics holds OpenTelemetry metric instruments for producers and
// consumers. All methods are no-ops on a nil *Metrics.
type Metrics struct {
	meter metric.Meter

	// Counters
	publishTotal     metric.Int64Counter
	publishAttempts  metric.Int64Counter
	bytesPublished   metric.Int64Counter
	messagesConsumed metric.Int64Counter
	acksTotal        metric.Int64Counter
	heartbeatsTotal  metric.Int64Counter
	reconnectsTotal  metric.Int64Counter
	rebuildsTotal    metric.Int64Counter
	errorsTotal      metric.Int64Counter

	// UpDownCounters
	connectionsCurrent metric.Int64UpDownCounter
	inFlight           metric.Int64UpDownCounter

	// Histograms
	messageSize     metric.Int64Histogram
	publishDuration metric.Float64Histogram
}

// New creates the instruments on meter. A nil meter uses the global
// provider.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(ScopeName)
	}
	m := &Metrics{meter: meter}

	var err error

	m.publishTotal, err = meter.Int64Counter(
		"nsq.publish.total",
		metric.WithDescription("Publish calls by topic and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishTotal counter: %w", err)
	}

	m.publishAttempts, err = meter.Int64Counter(
		"nsq.publish.attempts.total",
		metric.WithDescription("Per-node publish attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishAttempts counter: %w", err)
	}

	m.bytesPublished, err = meter.Int64Counter(
		"nsq.bytes.published.total",
		metric.WithDescription("Payload bytes acknowledged by broker nodes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesPublished counter: %w", err)
	}

	m.messagesConsumed, err = meter.Int64Counter(
		"nsq.messages.consumed.total",
		metric.WithDescription("Messages popped from broker nodes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesConsumed counter: %w", err)
	}

	m.acksTotal, err = meter.Int64Counter(
		"nsq.acks.total",
		metric.WithDescription("FIN, REQ and TOUCH commands by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acksTotal counter: %w", err)
	}

	m.heartbeatsTotal, err = meter.Int64Counter(
		"nsq.heartbeats.total",
		metric.WithDescription("Heartbeats answered with NOP"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create heartbeatsTotal counter: %w", err)
	}

	m.reconnectsTotal, err = meter.Int64Counter(
		"nsq.reconnects.total",
		metric.WithDescription("Reconnects by role and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnectsTotal counter: %w", err)
	}

	m.rebuildsTotal, err = meter.Int64Counter(
		"nsq.consumer.rebuilds.total",
		metric.WithDescription("Consumer pool rebuilds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rebuildsTotal counter: %w", err)
	}

	m.errorsTotal, err = meter.Int64Counter(
		"nsq.errors.total",
		metric.WithDescription("Errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.connectionsCurrent, err = meter.Int64UpDownCounter(
		"nsq.connections.current",
		metric.WithDescription("Open broker connections by role"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.inFlight, err = meter.Int64UpDownCounter(
		"nsq.messages.in_flight",
		metric.WithDescription("Popped messages not yet finished or requeued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inFlight gauge: %w", err)
	}

	m.messageSize, err = meter.Int64Histogram(
		"nsq.message.size.bytes",
		metric.WithDescription("Message payload size distribution"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.publishDuration, err = meter.Float64Histogram(
		"nsq.publish.duration.ms",
		metric.WithDescription("Publish call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishDuration histogram: %w", err)
	}

	return m, nil
}

// RecordPublish records a finished publish call.
func (m *Metrics) RecordPublish(topic string, achieved int, err error, durationMs float64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.publishTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("outcome", outcome),
		attribute.Int("achieved", achieved),
	))
	m.publishDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordPublishAttempt records one attempt against a node.
func (m *Metrics) RecordPublishAttempt(addr, outcome string) {
	if m == nil {
		return
	}
	m.publishAttempts.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("node", addr),
		attribute.String("outcome", outcome),
	))
}

// RecordBytesPublished records payload bytes acknowledged by one node.
func (m *Metrics) RecordBytesPublished(topic string, sizeBytes int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.bytesPublished.Add(ctx, sizeBytes, metric.WithAttributes(
		attribute.String("topic", topic),
	))
	m.messageSize.Record(ctx, sizeBytes)
}

// RecordMessageConsumed records a popped message.
func (m *Metrics) RecordMessageConsumed(topic string, sizeBytes int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.messagesConsumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
	))
	m.messageSize.Record(ctx, sizeBytes)
	m.inFlight.Add(ctx, 1)
}

// RecordAck records a FIN, REQ or TOUCH. FIN and REQ settle a message.
func (m *Metrics) RecordAck(op string, err error) {
	if m == nil {
		return
	}
	ctx := context.Background()
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.acksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// RecordSettled records an in-flight message leaving the in-flight table.
func (m *Metrics) RecordSettled() {
	if m == nil {
		return
	}
	m.inFlight.Add(context.Background(), -1)
}

// RecordHeartbeat records a heartbeat answered on a connection.
func (m *Metrics) RecordHeartbeat(role string) {
	if m == nil {
		return
	}
	m.heartbeatsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("role", role),
	))
}

// RecordReconnect records a reconnect attempt.
func (m *Metrics) RecordReconnect(role string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.reconnectsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("outcome", outcome),
	))
}

// RecordConnectionOpened records a new broker connection.
func (m *Metrics) RecordConnectionOpened(role string) {
	if m == nil {
		return
	}
	m.connectionsCurrent.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("role", role),
	))
}

// RecordConnectionClosed records a closed broker connection.
func (m *Metrics) RecordConnectionClosed(role string) {
	if m == nil {
		return
	}
	m.connectionsCurrent.Add(context.Background(), -1, metric.WithAttributes(
		attribute.String("role", role),
	))
}

// RecordRebuild records a consumer pool rebuild.
func (m *Metrics) RecordRebuild(connections int) {
	if m == nil {
		return
	}
	m.rebuildsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("connections", connections),
	))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
