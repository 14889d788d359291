// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"log/slog"
	"time"

	"github.com/absmach/nsqc/protocol"
)

// Default values.
const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultPrefetch       = 1
	DefaultLengthSize     = 4
)

// Options configures a broker connection.
type Options struct {
	ConnectTimeout time.Duration // TCP connect and producer handshake bound
	WriteTimeout   time.Duration // 0 disables write deadlines
	PollInterval   time.Duration // how long Receive waits before reporting no data

	// Framing of inbound data. Only a 4-byte prefix at offset 0 is valid;
	// the fields exist so configuration can state them explicitly.
	MaxFrameSize      uint32
	LengthFieldSize   int
	LengthFieldOffset int

	Identify   protocol.IdentifyConfig
	Prefetch   int    // RDY count sent by consumers
	AuthSecret string // sent with AUTH when not empty

	Logger *slog.Logger
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:  DefaultConnectTimeout,
		PollInterval:    DefaultPollInterval,
		MaxFrameSize:    protocol.DefaultMaxFrameSize,
		LengthFieldSize: DefaultLengthSize,
		Identify: protocol.IdentifyConfig{
			UserAgent:          protocol.DefaultUserAgent,
			FeatureNegotiation: true,
		},
		Prefetch: DefaultPrefetch,
	}
}

// Validate checks the options for errors.
func (o Options) Validate() error {
	if o.ConnectTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if o.PollInterval <= 0 {
		return ErrInvalidPoll
	}
	if o.MaxFrameSize == 0 {
		return ErrInvalidMaxFrameSize
	}
	if o.LengthFieldSize != DefaultLengthSize || o.LengthFieldOffset != 0 {
		return ErrInvalidLengthField
	}
	if o.Prefetch < 1 {
		return ErrInvalidPrefetch
	}
	return nil
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}
