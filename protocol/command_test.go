// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var binaryBody = []byte{0x00, 'a', 0x00, 0xff, 0xfe, 0xc3, 0xa9, '\n', ' ', 0x00}

func readBack(t *testing.T, encoded []byte) *Command {
	t.Helper()
	r := bufio.NewReader(bytes.NewReader(encoded))
	cmd, err := ReadCommand(r, 0)
	require.NoError(t, err)
	_, err = r.ReadByte()
	assert.Error(t, err, "command must consume all encoded bytes")
	return cmd
}

func TestCommandEncoding(t *testing.T) {
	id := MessageID{'0', '9', '1', 'a', 'b', 'c', 'd', 'e', 'f', '0', '1', '2', '3', '4', '5', '6'}

	cases := []struct {
		desc string
		cmd  *Command
		want []byte
	}{
		{desc: "ping", cmd: Ping(), want: []byte("PING \n")},
		{desc: "nop", cmd: Nop(), want: []byte("NOP \n")},
		{desc: "cls", cmd: Cls(), want: []byte("CLS \n")},
		{desc: "sub", cmd: Sub("orders", "billing"), want: []byte("SUB orders billing\n")},
		{desc: "rdy", cmd: Rdy(25), want: []byte("RDY 25\n")},
		{desc: "fin", cmd: Fin(id), want: []byte("FIN 091abcdef0123456\n")},
		{desc: "req", cmd: Req(id, 1500*time.Millisecond), want: []byte("REQ 091abcdef0123456 1500\n")},
		{desc: "touch", cmd: Touch(id), want: []byte("TOUCH 091abcdef0123456\n")},
		{desc: "pub", cmd: Pub("orders", []byte("hello")), want: append([]byte("PUB orders\n\x00\x00\x00\x05"), "hello"...)},
		{desc: "pub empty", cmd: Pub("orders", nil), want: []byte("PUB orders\n\x00\x00\x00\x00")},
		{desc: "auth", cmd: Auth([]byte("s3cret")), want: append([]byte("AUTH \n\x00\x00\x00\x06"), "s3cret"...)},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cmd.Bytes())

			var buf bytes.Buffer
			n, err := tc.cmd.WriteTo(&buf)
			require.NoError(t, err)
			assert.Equal(t, int64(len(tc.want)), n)
			assert.Equal(t, tc.want, buf.Bytes())
		})
	}
}

func TestMPubEncoding(t *testing.T) {
	cmd, err := MPub("orders", [][]byte{[]byte("ab"), []byte("c")})
	require.NoError(t, err)

	want := []byte("MPUB orders\n")
	want = append(want, 0, 0, 0, 15) // count + 2 length prefixes + 3 body bytes
	want = append(want, 0, 0, 0, 2)
	want = append(want, 0, 0, 0, 2, 'a', 'b')
	want = append(want, 0, 0, 0, 1, 'c')
	assert.Equal(t, want, cmd.Bytes())

	_, err = MPub("orders", nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestCommandRoundTrip(t *testing.T) {
	id := MessageID{'0', '6', 'f', 'e', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c'}

	cases := []struct {
		desc   string
		cmd    *Command
		name   string
		params []string
		body   []byte
	}{
		{desc: "ping", cmd: Ping(), name: CmdPing},
		{desc: "nop", cmd: Nop(), name: CmdNop},
		{desc: "cls", cmd: Cls(), name: CmdCls},
		{desc: "sub", cmd: Sub("orders", "billing#ephemeral"), name: CmdSub, params: []string{"orders", "billing#ephemeral"}},
		{desc: "rdy", cmd: Rdy(1), name: CmdRdy, params: []string{"1"}},
		{desc: "fin", cmd: Fin(id), name: CmdFin, params: []string{id.String()}},
		{desc: "req", cmd: Req(id, 2*time.Second), name: CmdReq, params: []string{id.String(), "2000"}},
		{desc: "touch", cmd: Touch(id), name: CmdTouch, params: []string{id.String()}},
		{desc: "pub binary", cmd: Pub("orders", binaryBody), name: CmdPub, params: []string{"orders"}, body: binaryBody},
		{desc: "pub utf8", cmd: Pub("orders", []byte("héllo wörld")), name: CmdPub, params: []string{"orders"}, body: []byte("héllo wörld")},
		{desc: "pub empty", cmd: Pub("orders", nil), name: CmdPub, params: []string{"orders"}, body: []byte{}},
		{desc: "auth", cmd: Auth([]byte{0x00, 0x01}), name: CmdAuth, body: []byte{0x00, 0x01}},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			got := readBack(t, tc.cmd.Bytes())
			assert.Equal(t, tc.name, got.Name)
			assert.Equal(t, tc.params, got.Params)
			assert.Equal(t, tc.body, got.Body)
		})
	}
}

func TestMPubRoundTrip(t *testing.T) {
	bodies := [][]byte{binaryBody, []byte("plain"), {}, []byte("ünïcödé")}
	cmd, err := MPub("orders", bodies)
	require.NoError(t, err)

	got := readBack(t, cmd.Bytes())
	assert.Equal(t, CmdMPub, got.Name)
	assert.Equal(t, []string{"orders"}, got.Params)

	msgs, err := got.Messages()
	require.NoError(t, err)
	assert.Equal(t, bodies, msgs)
}

func TestIdentifyRoundTrip(t *testing.T) {
	cfg := IdentifyConfig{
		ClientID:           "worker-1",
		Hostname:           "host-a",
		UserAgent:          DefaultUserAgent,
		HeartbeatInterval:  -1,
		FeatureNegotiation: true,
		MsgTimeout:         60000,
	}
	cmd, err := Identify(cfg)
	require.NoError(t, err)

	got := readBack(t, cmd.Bytes())
	assert.Equal(t, CmdIdentify, got.Name)
	assert.Empty(t, got.Params)

	var decoded IdentifyConfig
	require.NoError(t, json.Unmarshal(got.Body, &decoded))
	assert.Equal(t, cfg, decoded)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(got.Body, &raw))
	assert.Equal(t, float64(-1), raw["heartbeat_interval"])
	assert.NotContains(t, raw, "sample_rate")
}

func TestReadCommandErrors(t *testing.T) {
	cases := []struct {
		desc  string
		input []byte
		err   error
	}{
		{desc: "unknown command", input: []byte("DPUB x\n"), err: ErrUnknownCmd},
		{desc: "missing body length", input: []byte("PUB orders\n\x00\x00"), err: ErrMalformedCmd},
		{desc: "truncated body", input: []byte("PUB orders\n\x00\x00\x00\x09abc"), err: ErrMalformedCmd},
		{desc: "body over limit", input: []byte("PUB orders\n\x00\x00\x01\x00"), err: ErrBodyTooLarge},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := ReadCommand(bufio.NewReader(bytes.NewReader(tc.input)), 16)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestMessagesMalformed(t *testing.T) {
	_, err := Pub("orders", []byte("x")).Messages()
	assert.ErrorIs(t, err, ErrMalformedCmd)

	bad := &Command{Name: CmdMPub, Body: []byte{0, 0, 0, 2, 0, 0, 0, 1, 'a'}}
	_, err = bad.Messages()
	assert.ErrorIs(t, err, ErrMalformedCmd)

	trailing := &Command{Name: CmdMPub, Body: []byte{0, 0, 0, 1, 0, 0, 0, 1, 'a', 'z'}}
	_, err = trailing.Messages()
	assert.ErrorIs(t, err, ErrMalformedCmd)
}

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("orders"))
	assert.True(t, ValidName("orders.v2_eu-west"))
	assert.True(t, ValidName("tmp#ephemeral"))
	assert.False(t, ValidName(""))
	assert.False(t, ValidName("has space"))
	assert.False(t, ValidName("slash/name"))
	assert.False(t, ValidName(string(bytes.Repeat([]byte("a"), 65))))
}
