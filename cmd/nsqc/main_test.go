// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/absmach/nsqc/config"
	"github.com/absmach/nsqc/protocol"
	"github.com/absmach/nsqc/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.Default()
	cfg.Conn.ConnectTimeout = time.Second
	cfg.Conn.PollInterval = 10 * time.Millisecond
	return &env{cfg: cfg, logger: slog.Default()}
}

func TestReadBodies(t *testing.T) {
	bodies, err := readBodies([]string{"a", "b"}, strings.NewReader("ignored\n"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, bodies)

	bodies, err = readBodies(nil, strings.NewReader("one\n\ntwo\n"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, bodies)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestPub(t *testing.T) {
	node := testutil.NewNode(t, nil)
	e := testEnv(t)
	e.cfg.Producer.Nodes = []string{node.Addr}
	e.cfg.Producer.Consistency = "one"

	err := e.pub(context.Background(), []string{"-topic", "orders"}, strings.NewReader("first\nsecond\n"))
	require.NoError(t, err)

	pubs := node.CommandsNamed(protocol.CmdPub)
	require.Len(t, pubs, 2)
	assert.Equal(t, []string{"orders"}, pubs[0].Params)
	assert.Equal(t, []byte("first"), pubs[0].Body)
	assert.Equal(t, []byte("second"), pubs[1].Body)
}

func TestPubBatch(t *testing.T) {
	node := testutil.NewNode(t, nil)
	e := testEnv(t)
	e.cfg.Producer.Nodes = []string{node.Addr}

	err := e.pub(context.Background(), []string{"-topic", "orders", "-batch", "a", "b", "c"}, strings.NewReader(""))
	require.NoError(t, err)
	assert.Len(t, node.CommandsNamed(protocol.CmdMPub), 1)
}

func TestPubRequiresTopic(t *testing.T) {
	e := testEnv(t)
	err := e.pub(context.Background(), []string{"msg"}, strings.NewReader(""))
	assert.ErrorContains(t, err, "-topic")
}

func TestTail(t *testing.T) {
	node := testutil.NewNode(t, nil)
	ld := testutil.NewLookupd(t, map[string][]string{"orders": {node.Addr}})
	e := testEnv(t)
	e.cfg.Lookup.Endpoints = []string{ld.Addr}

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- e.tail(context.Background(), []string{"-topic", "orders", "-channel", "audit", "-n", "1"}, &out)
	}()

	subs := node.WaitForCommands(protocol.CmdSub, 1)
	assert.Equal(t, []string{"orders", "audit"}, subs[0].Params)
	node.WaitForCommands(protocol.CmdRdy, 1)

	id, err := protocol.ParseMessageID("0123456789abcdef")
	require.NoError(t, err)
	require.NoError(t, node.Session(0).SendMessage(&protocol.Message{ID: id, Attempts: 1, Body: []byte("hello")}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("tail did not return")
	}
	assert.Equal(t, "hello\n", out.String())
	fins := node.WaitForCommands(protocol.CmdFin, 1)
	assert.Equal(t, []string{"0123456789abcdef"}, fins[0].Params)
}
