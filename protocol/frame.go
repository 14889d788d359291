// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// FrameType identifies the kind of a frame sent by the broker.
type FrameType uint32

const (
	FrameTypeResponse FrameType = 0
	FrameTypeError    FrameType = 1
	FrameTypeMessage  FrameType = 2
)

const (
	// SizeLen is the width of the frame length prefix.
	SizeLen = 4
	// TypeLen is the width of the frame type selector.
	TypeLen = 4
	// MsgIDLen is the fixed length of a message id.
	MsgIDLen = 16

	// Offsets are relative to the start of the frame, length prefix included.
	typeOffset      = SizeLen
	bodyOffset      = typeOffset + TypeLen
	timestampOffset = bodyOffset
	attemptsOffset  = timestampOffset + 8
	msgIDOffset     = attemptsOffset + 2
	msgBodyOffset   = msgIDOffset + MsgIDLen

	// DefaultMaxFrameSize bounds a single read from a broker connection.
	DefaultMaxFrameSize = 2048000
)

// Well-known response bodies.
var (
	Heartbeat = []byte("_heartbeat_")
	OK        = []byte("OK")
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeResponse:
		return "response"
	case FrameTypeError:
		return "error"
	case FrameTypeMessage:
		return "message"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// MessageID is the opaque 16-byte message identifier assigned by the broker.
type MessageID [MsgIDLen]byte

// String renders the id keeping only bytes that are strictly positive when
// read as signed values, so NUL padding and high-bit bytes are dropped.
func (id MessageID) String() string {
	out := make([]byte, 0, MsgIDLen)
	for _, b := range id {
		if int8(b) > 0 {
			out = append(out, b)
		}
	}
	return string(out)
}

// ParseMessageID converts a rendered id back into its wire form, padding
// with zero bytes.
func ParseMessageID(s string) (MessageID, error) {
	var id MessageID
	if len(s) > MsgIDLen {
		return id, fmt.Errorf("message id %q longer than %d bytes", s, MsgIDLen)
	}
	copy(id[:], s)
	return id, nil
}

// Message is the payload of a message frame.
type Message struct {
	ID        MessageID
	Timestamp uint64 // nanoseconds since the unix epoch
	Attempts  uint16
	Body      []byte
}

// Time returns the broker timestamp as a time.Time.
func (m *Message) Time() time.Time {
	const nsec = uint64(time.Second)
	return time.Unix(int64(m.Timestamp/nsec), int64(m.Timestamp%nsec))
}

// Frame is a decoded unit received from a broker connection.
type Frame struct {
	Size    uint32
	Type    FrameType
	Body    []byte   // response or error text
	Message *Message // set only for message frames
}

// IsResponse reports whether f is a response frame.
func (f *Frame) IsResponse() bool {
	return f != nil && f.Type == FrameTypeResponse
}

// IsError reports whether f is an error frame.
func (f *Frame) IsError() bool {
	return f != nil && f.Type == FrameTypeError
}

// IsMessage reports whether f is a message frame.
func (f *Frame) IsMessage() bool {
	return f != nil && f.Type == FrameTypeMessage && f.Message != nil
}

// IsHeartbeat reports whether f is a heartbeat response.
func (f *Frame) IsHeartbeat() bool {
	return f.IsResponse() && bytes.Equal(f.Body, Heartbeat)
}

// IsOK reports whether f is an OK response.
func (f *Frame) IsOK() bool {
	return f.IsResponse() && bytes.Equal(f.Body, OK)
}

// ErrorText returns the text of an error frame, or an empty string.
func (f *Frame) ErrorText() string {
	if !f.IsError() {
		return ""
	}
	return string(f.Body)
}

// DecodeFrame decodes one complete frame. buf must start with the 4-byte
// length prefix; exactly size+4 bytes are consumed.
func DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) < bodyOffset {
		return nil, &DecodeError{Reason: "frame shorter than header", Data: buf}
	}

	size := binary.BigEndian.Uint32(buf[0:typeOffset])
	if size < TypeLen {
		return nil, &DecodeError{Reason: fmt.Sprintf("declared size %d below type header", size), Data: buf[typeOffset:]}
	}
	end := uint64(SizeLen) + uint64(size)
	if uint64(len(buf)) < end {
		return nil, &DecodeError{
			Reason: fmt.Sprintf("truncated frame: declared %d bytes, have %d", size, len(buf)-SizeLen),
			Data:   buf[typeOffset:],
		}
	}
	buf = buf[:end]

	f := &Frame{
		Size: size,
		Type: FrameType(binary.BigEndian.Uint32(buf[typeOffset:bodyOffset])),
	}

	switch f.Type {
	case FrameTypeResponse, FrameTypeError:
		f.Body = buf[bodyOffset:]
	case FrameTypeMessage:
		if len(buf) < msgBodyOffset {
			return nil, &DecodeError{Reason: "message frame shorter than message header", Data: buf[bodyOffset:]}
		}
		m := &Message{
			Timestamp: binary.BigEndian.Uint64(buf[timestampOffset:attemptsOffset]),
			Attempts:  binary.BigEndian.Uint16(buf[attemptsOffset:msgIDOffset]),
			Body:      buf[msgBodyOffset:],
		}
		copy(m.ID[:], buf[msgIDOffset:msgBodyOffset])
		f.Message = m
	default:
		return nil, &DecodeError{Reason: "unknown frame type " + f.Type.String(), Data: buf[bodyOffset:]}
	}

	return f, nil
}

// ReadFrame reads one length-prefixed frame from r and returns it with its
// prefix, ready for DecodeFrame. maxSize of 0 means no limit.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var prefix [SizeLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size < TypeLen {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooSmall, size)
	}
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}

	buf := make([]byte, SizeLen+int(size))
	copy(buf, prefix[:])
	if _, err := io.ReadFull(r, buf[SizeLen:]); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeFrame builds a response or error frame as the broker sends it.
func EncodeFrame(t FrameType, body []byte) []byte {
	buf := make([]byte, bodyOffset+len(body))
	binary.BigEndian.PutUint32(buf[0:typeOffset], uint32(TypeLen+len(body)))
	binary.BigEndian.PutUint32(buf[typeOffset:bodyOffset], uint32(t))
	copy(buf[bodyOffset:], body)
	return buf
}

// EncodeMessage builds a message frame as the broker sends it.
func EncodeMessage(m *Message) []byte {
	buf := make([]byte, msgBodyOffset+len(m.Body))
	binary.BigEndian.PutUint32(buf[0:typeOffset], uint32(len(buf)-SizeLen))
	binary.BigEndian.PutUint32(buf[typeOffset:bodyOffset], uint32(FrameTypeMessage))
	binary.BigEndian.PutUint64(buf[timestampOffset:attemptsOffset], m.Timestamp)
	binary.BigEndian.PutUint16(buf[attemptsOffset:msgIDOffset], m.Attempts)
	copy(buf[msgIDOffset:msgBodyOffset], m.ID[:])
	copy(buf[msgBodyOffset:], m.Body)
	return buf
}
