// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/nsqc/protocol"
	"github.com/stretchr/testify/require"
)

// Handler reacts to one command received by a fake broker node. Returning an
// error drops the connection.
type Handler func(s *Session, cmd *protocol.Command) error

// ErrDrop makes a handler close the connection without replying.
var ErrDrop = errors.New("drop connection")

// DefaultHandler answers like a healthy broker: OK for IDENTIFY, AUTH, SUB,
// PUB and MPUB, CLOSE_WAIT for CLS and nothing for the rest.
func DefaultHandler(s *Session, cmd *protocol.Command) error {
	switch cmd.Name {
	case protocol.CmdIdentify, protocol.CmdAuth, protocol.CmdSub, protocol.CmdPub, protocol.CmdMPub:
		return s.SendOK()
	case protocol.CmdCls:
		if err := s.Send(protocol.EncodeFrame(protocol.FrameTypeResponse, []byte("CLOSE_WAIT"))); err != nil {
			return err
		}
		return ErrDrop
	}
	return nil
}

// Node is a scripted broker node listening on loopback.
type Node struct {
	t       *testing.T
	ln      net.Listener
	Addr    string
	handler Handler

	mu       sync.Mutex
	sessions []*Session
	commands []*protocol.Command
	accepted int
	closed   bool

	wg sync.WaitGroup
}

// NewNode starts a fake broker node. A nil handler means DefaultHandler.
// The node is closed when the test finishes.
func NewNode(t *testing.T, h Handler) *Node {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	if h == nil {
		h = DefaultHandler
	}
	n := &Node{
		t:       t,
		ln:      ln,
		Addr:    ln.Addr().String(),
		handler: h,
	}

	n.wg.Add(1)
	go n.acceptLoop()
	t.Cleanup(n.Close)
	return n
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()
	for {
		c, err := n.ln.Accept()
		if err != nil {
			return
		}
		s := &Session{node: n, conn: c, r: bufio.NewReader(c)}

		n.mu.Lock()
		if n.closed {
			n.mu.Unlock()
			c.Close()
			return
		}
		n.accepted++
		n.sessions = append(n.sessions, s)
		n.mu.Unlock()

		n.wg.Add(1)
		go n.serve(s)
	}
}

func (n *Node) serve(s *Session) {
	defer n.wg.Done()
	defer s.Close()

	magic := make([]byte, len(protocol.MagicV2))
	if _, err := io.ReadFull(s.r, magic); err != nil || !bytes.Equal(magic, protocol.MagicV2) {
		return
	}

	for {
		cmd, err := protocol.ReadCommand(s.r, 0)
		if err != nil {
			return
		}

		n.mu.Lock()
		n.commands = append(n.commands, cmd)
		n.mu.Unlock()

		if err := n.handler(s, cmd); err != nil {
			return
		}
	}
}

// Commands returns a snapshot of every command received, in arrival order.
func (n *Node) Commands() []*protocol.Command {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]*protocol.Command, len(n.commands))
	copy(out, n.commands)
	return out
}

// CommandsNamed returns the received commands with the given name.
func (n *Node) CommandsNamed(name string) []*protocol.Command {
	var out []*protocol.Command
	for _, c := range n.Commands() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// WaitForCommands waits until at least count commands named name arrived.
func (n *Node) WaitForCommands(name string, count int) []*protocol.Command {
	n.t.Helper()
	require.Eventually(n.t, func() bool {
		return len(n.CommandsNamed(name)) >= count
	}, 2*time.Second, 5*time.Millisecond, "expected %d %s commands", count, name)
	return n.CommandsNamed(name)
}

// Accepted returns how many connections the node has accepted.
func (n *Node) Accepted() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.accepted
}

// Session returns the i-th accepted session, waiting for it to appear.
func (n *Node) Session(i int) *Session {
	n.t.Helper()
	require.Eventually(n.t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return len(n.sessions) > i
	}, 2*time.Second, 5*time.Millisecond, "session %d never connected", i)

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[i]
}

// DropAll closes every open session, simulating a network failure.
func (n *Node) DropAll() {
	n.mu.Lock()
	sessions := append([]*Session(nil), n.sessions...)
	n.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Close stops the listener and all sessions.
func (n *Node) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	n.ln.Close()
	n.DropAll()
	n.wg.Wait()
}

// Session is one client connection accepted by a Node.
type Session struct {
	node *Node
	conn net.Conn
	r    *bufio.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Send writes a raw frame to the client.
func (s *Session) Send(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(frame)
	return err
}

// SendOK writes an OK response.
func (s *Session) SendOK() error {
	return s.Send(protocol.EncodeFrame(protocol.FrameTypeResponse, protocol.OK))
}

// SendHeartbeat writes a heartbeat response.
func (s *Session) SendHeartbeat() error {
	return s.Send(protocol.EncodeFrame(protocol.FrameTypeResponse, protocol.Heartbeat))
}

// SendError writes an error frame.
func (s *Session) SendError(text string) error {
	return s.Send(protocol.EncodeFrame(protocol.FrameTypeError, []byte(text)))
}

// SendMessage writes a message frame.
func (s *Session) SendMessage(m *protocol.Message) error {
	return s.Send(protocol.EncodeMessage(m))
}

// Close closes the session.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
	})
}
