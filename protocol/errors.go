// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
)

// Protocol errors.
var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrFrameTooSmall = errors.New("frame smaller than type header")
	ErrBodyTooLarge  = errors.New("command body exceeds maximum size")
	ErrMalformedCmd  = errors.New("malformed command")
	ErrUnknownCmd    = errors.New("unknown command")
	ErrEmptyBatch    = errors.New("multi-publish requires at least one message")
	ErrInvalidName   = errors.New("invalid topic or channel name")
)

// DecodeError reports a frame that could not be decoded. Data holds the
// offending bytes following the frame header.
type DecodeError struct {
	Reason string
	Data   []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %s (%d bytes)", e.Reason, len(e.Data))
}
