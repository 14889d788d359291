// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/nsqc/internal/bufpool"
)

// Command names.
const (
	CmdIdentify = "IDENTIFY"
	CmdPing     = "PING"
	CmdSub      = "SUB"
	CmdPub      = "PUB"
	CmdMPub     = "MPUB"
	CmdRdy      = "RDY"
	CmdFin      = "FIN"
	CmdReq      = "REQ"
	CmdTouch    = "TOUCH"
	CmdCls      = "CLS"
	CmdNop      = "NOP"
	CmdAuth     = "AUTH"
)

// MagicV2 is sent once, before any command, to select the protocol version.
var MagicV2 = []byte("  V2")

var validName = regexp.MustCompile(`^[.a-zA-Z0-9_-]+(#ephemeral)?$`)

// ValidName reports whether name is acceptable as a topic or channel.
func ValidName(name string) bool {
	return len(name) > 0 && len(name) <= 64 && validName.MatchString(name)
}

// commandsWithBody carry a length-prefixed data section after the line.
var commandsWithBody = map[string]bool{
	CmdIdentify: true,
	CmdPub:      true,
	CmdMPub:     true,
	CmdAuth:     true,
}

var knownCommands = map[string]bool{
	CmdIdentify: true, CmdPing: true, CmdSub: true, CmdPub: true,
	CmdMPub: true, CmdRdy: true, CmdFin: true, CmdReq: true,
	CmdTouch: true, CmdCls: true, CmdNop: true, CmdAuth: true,
}

// Command is an instruction sent from the client to a broker node.
// Body is nil for commands without a data section.
type Command struct {
	Name   string
	Params []string
	Body   []byte
}

// Identify updates client metadata on the broker and negotiates features.
func Identify(cfg IdentifyConfig) (*Command, error) {
	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode identify: %w", err)
	}
	return &Command{Name: CmdIdentify, Body: body}, nil
}

// Ping is a liveness probe.
func Ping() *Command {
	return &Command{Name: CmdPing}
}

// Sub subscribes the connection to a topic/channel.
func Sub(topic, channel string) *Command {
	return &Command{Name: CmdSub, Params: []string{topic, channel}}
}

// Pub publishes a single message to topic.
func Pub(topic string, body []byte) *Command {
	if body == nil {
		body = []byte{}
	}
	return &Command{Name: CmdPub, Params: []string{topic}, Body: body}
}

// MPub publishes several messages to topic atomically.
func MPub(topic string, bodies [][]byte) (*Command, error) {
	if len(bodies) == 0 {
		return nil, ErrEmptyBatch
	}

	size := 4
	for _, b := range bodies {
		size += 4 + len(b)
	}
	data := make([]byte, 4, size)
	binary.BigEndian.PutUint32(data, uint32(len(bodies)))
	for _, b := range bodies {
		data = binary.BigEndian.AppendUint32(data, uint32(len(b)))
		data = append(data, b...)
	}
	return &Command{Name: CmdMPub, Params: []string{topic}, Body: data}, nil
}

// Rdy advertises how many messages the client is ready to receive.
func Rdy(count int) *Command {
	return &Command{Name: CmdRdy, Params: []string{strconv.Itoa(count)}}
}

// Fin finishes a message.
func Fin(id MessageID) *Command {
	return &Command{Name: CmdFin, Params: []string{id.String()}}
}

// Req requeues a message. The broker expects the delay in milliseconds.
func Req(id MessageID, delay time.Duration) *Command {
	return &Command{Name: CmdReq, Params: []string{id.String(), strconv.FormatInt(delay.Milliseconds(), 10)}}
}

// Touch resets the in-flight timeout of a message.
func Touch(id MessageID) *Command {
	return &Command{Name: CmdTouch, Params: []string{id.String()}}
}

// Cls asks the broker to close the connection cleanly.
func Cls() *Command {
	return &Command{Name: CmdCls}
}

// Nop answers a heartbeat.
func Nop() *Command {
	return &Command{Name: CmdNop}
}

// Auth authenticates the connection with a shared secret.
func Auth(secret []byte) *Command {
	if secret == nil {
		secret = []byte{}
	}
	return &Command{Name: CmdAuth, Body: secret}
}

// WriteTo writes the wire encoding of c to w.
func (c *Command) WriteTo(w io.Writer) (int64, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	c.encode(buf)
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// Bytes returns the wire encoding of c.
func (c *Command) Bytes() []byte {
	buf := bufpool.Get()
	c.encode(buf)
	return bufpool.Bytes(buf)
}

func (c *Command) encode(buf *bytes.Buffer) {
	buf.WriteString(c.Name)
	buf.WriteByte(' ')
	buf.WriteString(strings.Join(c.Params, " "))
	buf.WriteByte('\n')
	if c.Body != nil {
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(c.Body)))
		buf.Write(size[:])
		buf.Write(c.Body)
	}
}

func (c *Command) String() string {
	if len(c.Params) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Params, " ")
}

// Messages splits the data section of an MPUB command into its bodies.
func (c *Command) Messages() ([][]byte, error) {
	if c.Name != CmdMPub {
		return nil, fmt.Errorf("%w: %s has no message list", ErrMalformedCmd, c.Name)
	}
	if len(c.Body) < 4 {
		return nil, fmt.Errorf("%w: short message count", ErrMalformedCmd)
	}

	count := binary.BigEndian.Uint32(c.Body[:4])
	rest := c.Body[4:]
	msgs := make([][]byte, 0, min(int(count), len(rest)/4))
	for i := uint32(0); i < count; i++ {
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: message %d missing length", ErrMalformedCmd, i)
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint64(len(rest)) < uint64(n) {
			return nil, fmt.Errorf("%w: message %d truncated", ErrMalformedCmd, i)
		}
		msgs = append(msgs, rest[:n])
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedCmd, len(rest))
	}
	return msgs, nil
}

// ReadCommand parses one command in the client-to-broker encoding.
// maxBody of 0 means no limit on the data section.
func ReadCommand(r *bufio.Reader, maxBody uint32) (*Command, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(line, "\n")

	fields := strings.Split(line, " ")
	cmd := &Command{Name: fields[0]}
	if !knownCommands[cmd.Name] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCmd, cmd.Name)
	}
	for _, p := range fields[1:] {
		if p != "" {
			cmd.Params = append(cmd.Params, p)
		}
	}

	if !commandsWithBody[cmd.Name] {
		return cmd, nil
	}

	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, fmt.Errorf("%w: %s body length: %v", ErrMalformedCmd, cmd.Name, err)
	}
	n := binary.BigEndian.Uint32(size[:])
	if maxBody > 0 && n > maxBody {
		return nil, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, n, maxBody)
	}
	cmd.Body = make([]byte, n)
	if _, err := io.ReadFull(r, cmd.Body); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformedCmd, cmd.Name, err)
	}
	return cmd, nil
}
