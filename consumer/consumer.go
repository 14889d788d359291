// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package consumer pops messages from every broker node that carries the
// subscribed topics and routes acknowledgements back to the delivering node.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/nsqc/conn"
	"github.com/absmach/nsqc/lookup"
	"github.com/absmach/nsqc/metrics"
	"github.com/absmach/nsqc/protocol"
	"github.com/absmach/nsqc/ratelimit"
)

// DefaultRefreshInterval bounds how long a pool built from one lookup is
// used before it is rebuilt.
const DefaultRefreshInterval = 5 * time.Minute

// Config configures a Consumer.
type Config struct {
	Topics          []string
	Channel         string
	RefreshInterval time.Duration
	Conn            conn.Options
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Topics) == 0 {
		return fmt.Errorf("%w: no topics", ErrInvalidConfig)
	}
	for _, t := range c.Topics {
		if !protocol.ValidName(t) {
			return fmt.Errorf("%w: invalid topic %q", ErrInvalidConfig, t)
		}
	}
	if !protocol.ValidName(c.Channel) {
		return fmt.Errorf("%w: invalid channel %q", ErrInvalidConfig, c.Channel)
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("%w: negative refresh interval", ErrInvalidConfig)
	}
	if err := c.Conn.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithMetrics records consumer metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

// WithRateLimiter limits how often each subscription is read.
func WithRateLimiter(m *ratelimit.Manager) Option {
	return func(c *Consumer) { c.limiter = m }
}

// WithClock replaces time.Now for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) { c.now = now }
}

// subscription is one consumer connection for a (topic, node) pair.
type subscription struct {
	key   string // topic/addr
	topic string
	addr  string
	conn  *conn.Conn

	// Guarded by Consumer.mu.
	inFlight int
	retired  bool

	// Messages read while the consume limit was exhausted, at most the RDY
	// count. Guarded by Consumer.scanMu.
	pending []*protocol.Message
}

// Consumer owns the consumer pool. Pop is meant for a single worker loop
// but is safe for concurrent use; acknowledgements may be sent from any
// goroutine.
type Consumer struct {
	cfg      Config
	lookuper lookup.Lookuper
	logger   *slog.Logger
	metrics  *metrics.Metrics
	limiter  *ratelimit.Manager
	now      func() time.Time

	scanMu sync.Mutex
	offset int

	mu       sync.RWMutex
	subs     []*subscription
	builtAt  time.Time
	stale    bool
	closed   bool
	inFlight map[protocol.MessageID]*subscription
}

// New resolves every topic through lookuper and subscribes to each node
// found. Nodes that cannot be dialed are logged and skipped; an empty pool
// is valid.
func New(ctx context.Context, cfg Config, lookuper lookup.Lookuper, logger *slog.Logger, opts ...Option) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if lookuper == nil {
		return nil, fmt.Errorf("%w: nil lookuper", ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Conn.Logger == nil {
		cfg.Conn.Logger = logger
	}

	c := &Consumer{
		cfg:      cfg,
		lookuper: lookuper,
		logger:   logger,
		now:      time.Now,
		inFlight: make(map[protocol.MessageID]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.rebuild(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Rebuild tears the pool down and builds a new one from a fresh lookup.
// The swap is atomic; connections with in-flight messages are retired and
// close once those messages are settled.
func (c *Consumer) Rebuild(ctx context.Context) error {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	return c.rebuild(ctx)
}

func (c *Consumer) rebuild(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	subs := c.build(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.closeSubs(subs)
		return ErrClosed
	}
	old := c.subs
	c.subs = subs
	c.builtAt = c.now()
	c.stale = false
	toClose := c.retireLocked(old)
	c.mu.Unlock()

	c.closeSubs(toClose)
	c.metrics.RecordRebuild(len(subs))
	c.logger.Info("consumer pool built",
		slog.Int("connections", len(subs)),
		slog.Int("topics", len(c.cfg.Topics)))
	return nil
}

func (c *Consumer) build(ctx context.Context) []*subscription {
	var subs []*subscription
	seen := make(map[string]bool)
	for _, topic := range c.cfg.Topics {
		for _, addr := range c.lookuper.LookupHosts(ctx, topic) {
			key := topic + "/" + addr
			if seen[key] {
				continue
			}
			seen[key] = true

			cn, err := conn.DialConsumer(ctx, addr, topic, c.cfg.Channel, c.cfg.Conn)
			if err != nil {
				c.metrics.RecordError("dial")
				c.logger.Warn("consumer node unreachable",
					slog.String("topic", topic),
					slog.String("addr", addr),
					slog.String("error", err.Error()))
				continue
			}
			c.metrics.RecordConnectionOpened(conn.RoleConsumer.String())
			subs = append(subs, &subscription{key: key, topic: topic, addr: addr, conn: cn})
		}
	}
	return subs
}

// retireLocked marks subs retired and returns those that can close now.
// Callers must hold c.mu.
func (c *Consumer) retireLocked(subs []*subscription) []*subscription {
	var out []*subscription
	for _, s := range subs {
		s.retired = true
		if s.inFlight == 0 {
			out = append(out, s)
		}
	}
	return out
}

func (c *Consumer) closeSubs(subs []*subscription) {
	for _, s := range subs {
		s.conn.Close()
		c.metrics.RecordConnectionClosed(conn.RoleConsumer.String())
	}
}

// Pop scans the pool once and returns the first message found, or nil when
// no node had one. Heartbeats are answered; other responses and broker
// errors are logged and skipped. A transport or decode failure is returned
// as a *SubscribeError and makes the next call rebuild the pool.
func (c *Consumer) Pop(ctx context.Context) (*Envelope, error) {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()

	c.mu.RLock()
	closed, stale := c.closed, c.stale
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if stale {
		if err := c.rebuild(ctx); err != nil {
			return nil, err
		}
	}

	env, err := c.scan(ctx)
	if err != nil {
		var se *SubscribeError
		if errors.As(err, &se) {
			c.markStale()
		}
		return nil, err
	}

	c.checkStaleness()
	return env, nil
}

func (c *Consumer) scan(ctx context.Context) (*Envelope, error) {
	c.mu.RLock()
	subs := c.subs
	c.mu.RUnlock()

	n := len(subs)
	if n == 0 {
		return nil, nil
	}
	start := c.offset % n
	c.offset = (start + 1) % n

	for k := 0; k < n; k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := subs[(start+k)%n]
		if len(s.pending) > 0 && c.limiter.AllowConsume(s.key) {
			m := s.pending[0]
			s.pending = s.pending[1:]
			c.offset = (start + k + 1) % n
			return c.deliver(s, m)
		}

		raw, err := s.conn.Receive()
		if err != nil {
			if c.isClosed() {
				return nil, ErrClosed
			}
			c.metrics.RecordError("receive")
			return nil, &SubscribeError{Topic: s.topic, Addr: s.addr, Err: err}
		}
		if raw == nil {
			continue
		}

		frame, err := protocol.DecodeFrame(raw)
		if err != nil {
			c.metrics.RecordError("decode")
			return nil, &SubscribeError{Topic: s.topic, Addr: s.addr, Err: err}
		}

		switch {
		case frame.IsHeartbeat():
			c.metrics.RecordHeartbeat(conn.RoleConsumer.String())
			if err := s.conn.Send(protocol.Nop()); err != nil {
				return nil, &SubscribeError{Topic: s.topic, Addr: s.addr, Err: err}
			}
		case frame.IsError():
			c.logger.Warn("broker error on consumer connection",
				slog.String("topic", s.topic),
				slog.String("addr", s.addr),
				slog.String("error", frame.ErrorText()))
		case frame.IsMessage():
			// Reading continues while held so heartbeats are still answered.
			if len(s.pending) > 0 || !c.limiter.AllowConsume(s.key) {
				s.pending = append(s.pending, frame.Message)
				continue
			}
			c.offset = (start + k + 1) % n
			return c.deliver(s, frame.Message)
		default:
			c.logger.Debug("consumer response",
				slog.String("topic", s.topic),
				slog.String("addr", s.addr),
				slog.String("body", string(frame.Body)))
		}
	}
	return nil, nil
}

// deliver records m as in flight on s. A redelivered id moves from the
// subscription that held it, which closes if it was retired and is now idle.
func (c *Consumer) deliver(s *subscription, m *protocol.Message) (*Envelope, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	var idle *subscription
	prev, redelivered := c.inFlight[m.ID]
	if redelivered {
		prev.inFlight--
		if prev != s && prev.retired && prev.inFlight == 0 {
			idle = prev
		}
	}
	s.inFlight++
	c.inFlight[m.ID] = s
	c.mu.Unlock()

	if redelivered {
		c.metrics.RecordSettled()
		c.logger.Debug("message redelivered",
			slog.String("id", m.ID.String()),
			slog.Int("attempts", int(m.Attempts)))
	}
	if idle != nil {
		c.closeSubs([]*subscription{idle})
	}

	c.metrics.RecordMessageConsumed(s.topic, int64(len(m.Body)))
	return &Envelope{
		ID:        m.ID,
		Attempts:  m.Attempts,
		Timestamp: m.Timestamp,
		Body:      m.Body,
		Topic:     s.topic,
		Addr:      s.addr,
		consumer:  c,
		sub:       s,
	}, nil
}

func (c *Consumer) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Consumer) markStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale = true
}

// checkStaleness tears the pool down once it has been in use for the
// refresh interval. The next Pop rebuilds it.
func (c *Consumer) checkStaleness() {
	c.mu.Lock()
	if c.stale || c.closed || c.now().Sub(c.builtAt) < c.cfg.RefreshInterval {
		c.mu.Unlock()
		return
	}
	old := c.subs
	c.subs = nil
	c.stale = true
	toClose := c.retireLocked(old)
	c.mu.Unlock()

	c.closeSubs(toClose)
	c.logger.Info("consumer pool stale, rebuilding on next pop",
		slog.Int("closed", len(toClose)),
		slog.Int("retired", len(old)-len(toClose)))
}

// Stale reports whether the pool was torn down and awaits a rebuild.
func (c *Consumer) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale
}

// Len returns the number of active connections.
func (c *Consumer) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// InFlight returns the number of popped messages not yet settled.
func (c *Consumer) InFlight() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.inFlight)
}

// Finish sends FIN for the in-flight message id, then RDY to reopen the
// window.
func (c *Consumer) Finish(id protocol.MessageID) error {
	s, err := c.lookupInFlight(id)
	if err != nil {
		return err
	}
	return c.finish(s, id)
}

// Requeue sends REQ for the in-flight message id with delay.
func (c *Consumer) Requeue(id protocol.MessageID, delay time.Duration) error {
	s, err := c.lookupInFlight(id)
	if err != nil {
		return err
	}
	return c.requeue(s, id, delay)
}

// Touch extends the broker timeout of the in-flight message id.
func (c *Consumer) Touch(id protocol.MessageID) error {
	s, err := c.lookupInFlight(id)
	if err != nil {
		return err
	}
	return c.touch(s, id)
}

func (c *Consumer) lookupInFlight(id protocol.MessageID) (*subscription, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.inFlight[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	return s, nil
}

func (c *Consumer) finish(s *subscription, id protocol.MessageID) error {
	if err := c.owned(s, id); err != nil {
		return err
	}
	err := s.conn.Send(protocol.Fin(id))
	if err == nil {
		err = s.conn.Send(protocol.Rdy(s.conn.Prefetch()))
	}
	c.metrics.RecordAck(protocol.CmdFin, err)
	c.settle(s, id)
	return err
}

func (c *Consumer) requeue(s *subscription, id protocol.MessageID, delay time.Duration) error {
	if err := c.owned(s, id); err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	err := s.conn.Send(protocol.Req(id, delay))
	c.metrics.RecordAck(protocol.CmdReq, err)
	c.settle(s, id)
	return err
}

func (c *Consumer) touch(s *subscription, id protocol.MessageID) error {
	if err := c.owned(s, id); err != nil {
		return err
	}
	err := s.conn.Send(protocol.Touch(id))
	c.metrics.RecordAck(protocol.CmdTouch, err)
	return err
}

// owned reports whether id is still in flight on s.
func (c *Consumer) owned(s *subscription, id protocol.MessageID) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.inFlight[id] != s {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	return nil
}

// settle drops id from the in-flight table and closes its connection when
// it was retired and this was its last message.
func (c *Consumer) settle(s *subscription, id protocol.MessageID) {
	c.mu.Lock()
	if c.inFlight[id] != s {
		c.mu.Unlock()
		return
	}
	delete(c.inFlight, id)
	s.inFlight--
	closeNow := s.retired && s.inFlight == 0
	c.mu.Unlock()

	c.metrics.RecordSettled()
	if closeNow {
		c.closeSubs([]*subscription{s})
		c.logger.Debug("retired consumer connection closed",
			slog.String("topic", s.topic),
			slog.String("addr", s.addr))
	}
}

// Close closes every connection, including retired ones with unsettled
// messages. It is safe to call more than once.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	seen := make(map[*subscription]bool, len(subs))
	for _, s := range subs {
		seen[s] = true
	}
	for id, s := range c.inFlight {
		if !seen[s] {
			seen[s] = true
			subs = append(subs, s)
		}
		delete(c.inFlight, id)
		c.metrics.RecordSettled()
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		c.metrics.RecordConnectionClosed(conn.RoleConsumer.String())
	}
	return errors.Join(errs...)
}
