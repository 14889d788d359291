// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"errors"
	"fmt"
)

// Connection errors.
var (
	ErrClosed       = errors.New("connection closed")
	ErrNotConnected = errors.New("connection not established")
	ErrRejected     = errors.New("handshake rejected by broker")

	// Option errors.
	ErrInvalidMaxFrameSize = errors.New("max frame size must be positive")
	ErrInvalidLengthField  = errors.New("length field must be 4 bytes at offset 0")
	ErrInvalidPoll         = errors.New("poll interval must be positive")
	ErrInvalidTimeout      = errors.New("connect timeout must be positive")
	ErrInvalidPrefetch     = errors.New("prefetch count must be at least 1")
	ErrInvalidSubscription = errors.New("consumer requires valid topic and channel")
)

// ConnectError reports a failure to establish a session with a broker node,
// either at the TCP level or during the handshake.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
