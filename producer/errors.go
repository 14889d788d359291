// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"errors"
	"fmt"
	"strings"
)

// Producer errors.
var (
	ErrNoProducers  = errors.New("no producer nodes available")
	ErrPoolClosed   = errors.New("producer pool closed")
	ErrInvalidTopic = errors.New("invalid topic name")
	ErrEmptyBatch   = errors.New("empty message batch")
)

// ConfigurationError reports a consistency level that cannot be satisfied.
// It is returned before any network I/O.
type ConfigurationError struct {
	Level     ConsistencyLevel
	Required  int
	Available int
	Reason    string
	Err       error // dial failures behind a short pool, if any
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("consistency level %s: %s (required %d, available %d)", e.Level, e.Reason, e.Required, e.Available)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// PublishError reports a publish that did not reach the required number of
// acknowledging nodes. Errors holds one entry per failed node attempt and
// Errs the same failures as typed errors, reachable with errors.As.
type PublishError struct {
	Topic    string
	Achieved int
	Required int
	Errors   []string
	Errs     []error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %d of %d required nodes acknowledged: [%s]",
		e.Topic, e.Achieved, e.Required, strings.Join(e.Errors, "; "))
}

func (e *PublishError) Unwrap() []error {
	return e.Errs
}
