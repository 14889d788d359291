// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"errors"
	"fmt"
)

// Consumer errors.
var (
	ErrClosed         = errors.New("consumer closed")
	ErrUnknownMessage = errors.New("message not in flight")
	ErrInvalidConfig  = errors.New("invalid consumer configuration")
)

// SubscribeError reports a transport or decode failure while scanning the
// consumer pool.
type SubscribeError struct {
	Topic string
	Addr  string
	Err   error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe %s@%s: %v", e.Topic, e.Addr, e.Err)
}

func (e *SubscribeError) Unwrap() error {
	return e.Err
}
