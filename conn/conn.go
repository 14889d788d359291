// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package conn implements a single TCP session with a broker node.
package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/absmach/nsqc/protocol"
	"github.com/google/uuid"
)

// Role selects the handshake a connection performs.
type Role uint8

const (
	RoleProducer Role = iota
	RoleConsumer
)

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// Conn is a session with one broker node. Writes are serialized, and so are
// reads; callers that need a send and its reply to stay paired must provide
// their own exclusion.
type Conn struct {
	id      string
	addr    string
	role    Role
	topic   string
	channel string
	opts    Options
	logger  *slog.Logger
	state   *stateManager

	readMu  sync.Mutex
	writeMu sync.Mutex

	mu sync.Mutex // guards nc and r
	nc net.Conn
	r  *bufio.Reader
}

// DialProducer connects to addr and performs the producer handshake. It
// returns once the broker has answered IDENTIFY.
func DialProducer(ctx context.Context, addr string, opts Options) (*Conn, error) {
	return dial(ctx, addr, RoleProducer, "", "", opts)
}

// DialConsumer connects to addr, subscribes to topic/channel and opens the
// RDY window. It does not wait for the broker to acknowledge.
func DialConsumer(ctx context.Context, addr, topic, channel string, opts Options) (*Conn, error) {
	if !protocol.ValidName(topic) || !protocol.ValidName(channel) {
		return nil, &ConnectError{Addr: addr, Err: ErrInvalidSubscription}
	}
	return dial(ctx, addr, RoleConsumer, topic, channel, opts)
}

func dial(ctx context.Context, addr string, role Role, topic, channel string, opts Options) (*Conn, error) {
	if err := opts.Validate(); err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	id := uuid.NewString()
	c := &Conn{
		id:      id,
		addr:    addr,
		role:    role,
		topic:   topic,
		channel: channel,
		opts:    opts,
		state:   newStateManager(),
	}
	c.logger = opts.logger().With(
		slog.String("addr", addr),
		slog.String("role", role.String()),
		slog.String("conn_id", id),
	)

	c.state.set(StateConnecting)
	if err := c.connect(ctx); err != nil {
		c.state.set(StateDisconnected)
		return nil, err
	}
	c.state.set(StateConnected)

	c.logger.Debug("connected to broker", slog.String("topic", topic), slog.String("channel", channel))
	return c, nil
}

// connect dials, runs the role handshake and installs the new socket.
// Callers must hold readMu and writeMu, or own c exclusively.
func (c *Conn) connect(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: c.opts.ConnectTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return &ConnectError{Addr: c.addr, Err: err}
	}

	r := bufio.NewReader(nc)
	if err := c.handshake(ctx, nc, r); err != nil {
		nc.Close()
		return &ConnectError{Addr: c.addr, Err: err}
	}

	c.mu.Lock()
	c.nc = nc
	c.r = r
	c.mu.Unlock()
	return nil
}

func (c *Conn) handshake(ctx context.Context, nc net.Conn, r *bufio.Reader) error {
	if err := c.write(nc, protocol.MagicV2); err != nil {
		return fmt.Errorf("send magic: %w", err)
	}

	identify, err := protocol.Identify(c.identifyConfig())
	if err != nil {
		return err
	}
	if err := c.write(nc, identify.Bytes()); err != nil {
		return fmt.Errorf("send identify: %w", err)
	}

	switch c.role {
	case RoleProducer:
		if err := c.expectResponse(ctx, nc, r, protocol.CmdIdentify); err != nil {
			return err
		}
		if c.opts.AuthSecret != "" {
			if err := c.write(nc, protocol.Auth([]byte(c.opts.AuthSecret)).Bytes()); err != nil {
				return fmt.Errorf("send auth: %w", err)
			}
			if err := c.expectResponse(ctx, nc, r, protocol.CmdAuth); err != nil {
				return err
			}
		}
	case RoleConsumer:
		if c.opts.AuthSecret != "" {
			if err := c.write(nc, protocol.Auth([]byte(c.opts.AuthSecret)).Bytes()); err != nil {
				return fmt.Errorf("send auth: %w", err)
			}
		}
		if err := c.write(nc, protocol.Sub(c.topic, c.channel).Bytes()); err != nil {
			return fmt.Errorf("send subscribe: %w", err)
		}
		if err := c.write(nc, protocol.Rdy(c.opts.Prefetch).Bytes()); err != nil {
			return fmt.Errorf("send ready: %w", err)
		}
	default:
		return fmt.Errorf("unknown role %d", c.role)
	}
	return nil
}

func (c *Conn) identifyConfig() protocol.IdentifyConfig {
	cfg := c.opts.Identify
	if cfg.ClientID == "" {
		cfg.ClientID = "nsqc-" + c.id[:8]
	}
	if cfg.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Hostname = h
		}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = protocol.DefaultUserAgent
	}
	return cfg
}

// expectResponse waits for the reply to a handshake command. Heartbeats are
// answered; an error frame rejects the handshake.
func (c *Conn) expectResponse(ctx context.Context, nc net.Conn, r *bufio.Reader, cmd string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	for {
		raw, err := c.readWait(ctx, nc, r)
		if err != nil {
			return fmt.Errorf("await %s response: %w", cmd, err)
		}
		frame, err := protocol.DecodeFrame(raw)
		if err != nil {
			return fmt.Errorf("await %s response: %w", cmd, err)
		}
		switch {
		case frame.IsHeartbeat():
			if err := c.write(nc, protocol.Nop().Bytes()); err != nil {
				return err
			}
		case frame.IsError():
			return fmt.Errorf("%w: %s: %s", ErrRejected, cmd, frame.ErrorText())
		case frame.IsResponse():
			return nil
		default:
			return fmt.Errorf("await %s response: unexpected %s frame", cmd, frame.Type)
		}
	}
}

func (c *Conn) write(nc net.Conn, b []byte) error {
	if c.opts.WriteTimeout > 0 {
		if err := nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
		defer nc.SetWriteDeadline(time.Time{})
	}
	_, err := nc.Write(b)
	return err
}

// read returns one raw frame, or nil when none started arriving within the
// poll interval. Bytes of a frame that is still arriving stay buffered in r.
func (c *Conn) read(nc net.Conn, r *bufio.Reader) ([]byte, error) {
	if err := nc.SetReadDeadline(time.Now().Add(c.opts.PollInterval)); err != nil {
		return nil, err
	}
	if _, err := r.Peek(protocol.SizeLen); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}

	if err := nc.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return protocol.ReadFrame(r, c.opts.MaxFrameSize)
}

func (c *Conn) readWait(ctx context.Context, nc net.Conn, r *bufio.Reader) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := c.read(nc, r)
		if err != nil || raw != nil {
			return raw, err
		}
	}
}

func (c *Conn) current() (net.Conn, *bufio.Reader, error) {
	if c.state.isClosed() {
		return nil, nil, ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil, nil, ErrNotConnected
	}
	return c.nc, c.r, nil
}

// Send writes cmd synchronously. There is no retry.
func (c *Conn) Send(cmd *protocol.Command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	nc, _, err := c.current()
	if err != nil {
		return err
	}
	if err := c.write(nc, cmd.Bytes()); err != nil {
		c.state.set(StateDisconnected)
		return fmt.Errorf("send %s to %s: %w", cmd.Name, c.addr, err)
	}
	return nil
}

// Receive performs a single bounded read. It returns nil without error when
// no frame arrived within the poll interval.
func (c *Conn) Receive() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	nc, r, err := c.current()
	if err != nil {
		return nil, err
	}
	raw, err := c.read(nc, r)
	if err != nil {
		if c.state.isClosed() {
			return nil, ErrClosed
		}
		c.state.set(StateDisconnected)
		return nil, fmt.Errorf("receive from %s: %w", c.addr, err)
	}
	return raw, nil
}

// ReceiveWait blocks until a frame arrives, the context is done or the
// transport fails.
func (c *Conn) ReceiveWait(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := c.Receive()
		if err != nil || raw != nil {
			return raw, err
		}
	}
}

// Reconnect tears the session down and establishes it again from scratch,
// replaying the handshake.
func (c *Conn) Reconnect(ctx context.Context) error {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.state.transition(StateConnected, StateReconnecting) &&
		!c.state.transition(StateDisconnected, StateReconnecting) {
		if c.state.isClosed() {
			return ErrClosed
		}
	}

	c.mu.Lock()
	old := c.nc
	c.nc, c.r = nil, nil
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	if err := c.connect(ctx); err != nil {
		c.state.set(StateDisconnected)
		c.logger.Warn("reconnect failed", slog.String("error", err.Error()))
		return err
	}
	if c.state.isClosed() {
		c.closeSocket()
		return ErrClosed
	}
	c.state.set(StateConnected)
	c.logger.Info("reconnected to broker")
	return nil
}

// Close releases the socket. Consumers announce CLS first. Close is
// idempotent.
func (c *Conn) Close() error {
	if !c.state.close() {
		return nil
	}

	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if nc != nil && c.role == RoleConsumer {
		if c.writeMu.TryLock() {
			_ = nc.SetWriteDeadline(time.Now().Add(c.opts.PollInterval))
			_, _ = nc.Write(protocol.Cls().Bytes())
			c.writeMu.Unlock()
		}
	}

	err := c.closeSocket()
	c.logger.Debug("connection closed")
	return err
}

func (c *Conn) closeSocket() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil
	}
	err := c.nc.Close()
	c.nc, c.r = nil, nil
	return err
}

// ID returns the unique id of this connection instance.
func (c *Conn) ID() string { return c.id }

// Addr returns the broker node address.
func (c *Conn) Addr() string { return c.addr }

// Role returns the connection role.
func (c *Conn) Role() Role { return c.role }

// Topic returns the subscribed topic of a consumer connection.
func (c *Conn) Topic() string { return c.topic }

// Channel returns the subscribed channel of a consumer connection.
func (c *Conn) Channel() string { return c.channel }

// Prefetch returns the RDY count this connection advertises.
func (c *Conn) Prefetch() int { return c.opts.Prefetch }

// State returns the current connection state.
func (c *Conn) State() State { return c.state.get() }

// IsConnected reports whether the session is usable.
func (c *Conn) IsConnected() bool { return c.state.isConnected() }

func (c *Conn) String() string {
	if c.role == RoleConsumer {
		return fmt.Sprintf("%s %s/%s@%s", c.role, c.topic, c.channel, c.addr)
	}
	return fmt.Sprintf("%s@%s", c.role, c.addr)
}
