// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/absmach/nsqc/conn"
	"github.com/absmach/nsqc/metrics"
	"github.com/absmach/nsqc/protocol"
	"github.com/absmach/nsqc/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Result describes a successful publish. Errors holds the failures of nodes
// tried before the level was met.
type Result struct {
	Achieved int
	Required int
	Errors   []string
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithRateLimiter limits publishes per topic.
func WithRateLimiter(m *ratelimit.Manager) Option {
	return func(p *Publisher) { p.limiter = m }
}

// WithMetrics records publish metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Publisher) { p.tracer = t }
}

// WithLogger sets the publisher logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// Publisher publishes to a Pool with a fixed consistency level.
type Publisher struct {
	pool    *Pool
	level   ConsistencyLevel
	limiter *ratelimit.Manager
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	perm func(n int) []int
}

// NewPublisher binds pool to level. It fails with a *ConfigurationError,
// without touching the network, if the pool cannot satisfy the level.
func NewPublisher(pool *Pool, level ConsistencyLevel, opts ...Option) (*Publisher, error) {
	p := &Publisher{
		pool:   pool,
		level:  level,
		logger: pool.logger,
		perm:   rand.Perm,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(metrics.ScopeName)
	}

	if _, err := p.required(pool.Len()); err != nil {
		return nil, err
	}
	return p, nil
}

// Level returns the consistency level.
func (p *Publisher) Level() ConsistencyLevel {
	return p.level
}

func (p *Publisher) required(available int) (int, error) {
	required, err := p.level.Required(available)
	if err != nil {
		return 0, err
	}
	if required > available {
		return 0, &ConfigurationError{
			Level:     p.level,
			Required:  required,
			Available: available,
			Reason:    "not enough producer nodes",
			Err:       p.pool.joinedDialErrors(),
		}
	}
	return required, nil
}

// Publish sends body to topic with PUB. Each node is tried up to tries
// times; values below 1 mean 1.
func (p *Publisher) Publish(ctx context.Context, topic string, body []byte, tries int) (Result, error) {
	if !protocol.ValidName(topic) {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return p.publish(ctx, topic, protocol.Pub(topic, body), 1, int64(len(body)), tries)
}

// MultiPublish sends bodies to topic as one MPUB.
func (p *Publisher) MultiPublish(ctx context.Context, topic string, bodies [][]byte, tries int) (Result, error) {
	if !protocol.ValidName(topic) {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if len(bodies) == 0 {
		return Result{}, ErrEmptyBatch
	}
	cmd, err := protocol.MPub(topic, bodies)
	if err != nil {
		return Result{}, err
	}
	var size int64
	for _, b := range bodies {
		size += int64(len(b))
	}
	return p.publish(ctx, topic, cmd, len(bodies), size, tries)
}

func (p *Publisher) publish(ctx context.Context, topic string, cmd *protocol.Command, count int, size int64, tries int) (res Result, err error) {
	if p.pool.closed.Load() {
		return Result{}, ErrPoolClosed
	}
	if tries < 1 {
		tries = 1
	}

	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "nsq.publish", trace.WithAttributes(
		attribute.String("nsq.topic", topic),
		attribute.String("nsq.consistency", p.level.String()),
		attribute.Int("nsq.messages", count),
	))
	defer func() {
		span.SetAttributes(attribute.Int("nsq.achieved", res.Achieved))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		p.metrics.RecordPublish(topic, res.Achieved, err, float64(time.Since(start).Microseconds())/1000)
	}()

	if err := p.limiter.WaitPublish(ctx, topic); err != nil {
		return Result{}, fmt.Errorf("rate limit: %w", err)
	}

	nodes := p.pool.snapshot()
	required, err := p.required(len(nodes))
	if err != nil {
		return Result{}, err
	}
	res.Required = required

	var errs []error
	for _, i := range p.perm(len(nodes)) {
		if res.Achieved >= required {
			break
		}
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, ctx.Err().Error())
			errs = append(errs, ctx.Err())
			break
		}

		n := nodes[i]
		if err := p.publishNode(ctx, n, cmd, tries); err != nil {
			nerr := fmt.Errorf("%s: %w", n.addr, err)
			res.Errors = append(res.Errors, nerr.Error())
			errs = append(errs, nerr)
			p.logger.Debug("publish to node failed",
				slog.String("addr", n.addr),
				slog.String("topic", topic),
				slog.String("error", err.Error()))
			continue
		}
		res.Achieved++
		p.metrics.RecordBytesPublished(topic, size)
	}

	if res.Achieved < required {
		return res, &PublishError{
			Topic:    topic,
			Achieved: res.Achieved,
			Required: required,
			Errors:   res.Errors,
			Errs:     errs,
		}
	}
	return res, nil
}

// brokerError is a non-OK reply. It is final for the node.
type brokerError struct {
	text string
}

func (e *brokerError) Error() string {
	return e.text
}

// publishNode runs up to tries attempts against n. Transport failures
// reconnect and retry; broker errors and decode errors end the node's turn.
func (p *Publisher) publishNode(ctx context.Context, n *node, cmd *protocol.Command, tries int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.resync {
		if err := p.reconnect(ctx, n); err != nil {
			return err
		}
	}

	var err error
	for attempt := 1; attempt <= tries; attempt++ {
		err = p.attempt(ctx, n, cmd)
		if err == nil {
			p.metrics.RecordPublishAttempt(n.addr, metrics.OutcomeOK)
			return nil
		}
		p.metrics.RecordPublishAttempt(n.addr, metrics.OutcomeError)

		var be *brokerError
		if errors.As(err, &be) {
			return err
		}

		var de *protocol.DecodeError
		if errors.As(err, &de) {
			// The stream position is unknown, resynchronize before reuse.
			p.metrics.RecordError("decode")
			if rerr := p.reconnect(ctx, n); rerr != nil {
				p.logger.Warn("resync after decode error failed",
					slog.String("addr", n.addr),
					slog.String("error", rerr.Error()))
			}
			return err
		}

		if ctx.Err() != nil {
			n.resync = true
			return err
		}
		if errors.Is(err, conn.ErrClosed) || attempt == tries {
			return err
		}

		p.logger.Debug("publish attempt failed, reconnecting",
			slog.String("addr", n.addr),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if rerr := p.reconnect(ctx, n); rerr != nil {
			err = rerr
		}
	}
	return err
}

func (p *Publisher) reconnect(ctx context.Context, n *node) error {
	err := n.conn.Reconnect(ctx)
	p.metrics.RecordReconnect(conn.RoleProducer.String(), err)
	if err != nil {
		n.resync = true
		return err
	}
	n.resync = false
	return nil
}

// attempt sends cmd and reads the reply, answering heartbeats on the way.
func (p *Publisher) attempt(ctx context.Context, n *node, cmd *protocol.Command) error {
	if err := n.conn.Send(cmd); err != nil {
		return err
	}
	for {
		raw, err := n.conn.ReceiveWait(ctx)
		if err != nil {
			return err
		}
		frame, err := protocol.DecodeFrame(raw)
		if err != nil {
			return err
		}
		switch {
		case frame.IsHeartbeat():
			p.metrics.RecordHeartbeat(conn.RoleProducer.String())
			if err := n.conn.Send(protocol.Nop()); err != nil {
				return err
			}
		case frame.IsOK():
			return nil
		case frame.IsError():
			return &brokerError{text: frame.ErrorText()}
		case frame.IsMessage():
			return &brokerError{text: "unexpected message frame"}
		default:
			return &brokerError{text: "unexpected response: " + string(frame.Body)}
		}
	}
}
