// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"time"

	"github.com/absmach/nsqc/protocol"
)

// Envelope is a popped message together with the node that delivered it.
// Its acknowledgements always go back to that node.
type Envelope struct {
	ID        protocol.MessageID
	Attempts  uint16
	Timestamp uint64 // nanoseconds since the unix epoch
	Body      []byte
	Topic     string
	Addr      string

	consumer *Consumer
	sub      *subscription
}

// Time returns the broker timestamp.
func (e *Envelope) Time() time.Time {
	m := protocol.Message{Timestamp: e.Timestamp}
	return m.Time()
}

// Finish marks the message as processed.
func (e *Envelope) Finish() error {
	return e.consumer.finish(e.sub, e.ID)
}

// Requeue hands the message back to the broker for redelivery after delay.
func (e *Envelope) Requeue(delay time.Duration) error {
	return e.consumer.requeue(e.sub, e.ID, delay)
}

// Touch extends the broker's processing timeout for the message.
func (e *Envelope) Touch() error {
	return e.consumer.touch(e.sub, e.ID)
}
