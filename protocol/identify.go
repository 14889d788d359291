// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

// DefaultUserAgent identifies this client to the broker.
const DefaultUserAgent = "nsqc/0.1"

// IdentifyConfig is the metadata and feature set announced with IDENTIFY.
// Zero-valued optional fields are omitted so the broker applies its defaults.
// HeartbeatInterval, OutputBufferTimeout and MsgTimeout are in milliseconds;
// a HeartbeatInterval of -1 disables heartbeats.
type IdentifyConfig struct {
	ClientID            string `json:"client_id,omitempty" yaml:"client_id"`
	Hostname            string `json:"hostname,omitempty" yaml:"hostname"`
	UserAgent           string `json:"user_agent,omitempty" yaml:"user_agent"`
	HeartbeatInterval   int    `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval"`
	FeatureNegotiation  bool   `json:"feature_negotiation" yaml:"feature_negotiation"`
	OutputBufferSize    int    `json:"output_buffer_size,omitempty" yaml:"output_buffer_size"`
	OutputBufferTimeout int    `json:"output_buffer_timeout,omitempty" yaml:"output_buffer_timeout"`
	MsgTimeout          int    `json:"msg_timeout,omitempty" yaml:"msg_timeout"`
	SampleRate          int    `json:"sample_rate,omitempty" yaml:"sample_rate"`
}
