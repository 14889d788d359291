// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/absmach/nsqc/conn"
	"github.com/absmach/nsqc/consumer"
	"github.com/absmach/nsqc/lookup"
	"github.com/absmach/nsqc/metrics"
	"github.com/absmach/nsqc/producer"
	"github.com/absmach/nsqc/protocol"
	"github.com/absmach/nsqc/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the client.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Conn      ConnConfig       `yaml:"conn"`
	Producer  ProducerConfig   `yaml:"producer"`
	Consumer  ConsumerConfig   `yaml:"consumer"`
	Lookup    LookupConfig     `yaml:"lookup"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Metrics   metrics.Config   `yaml:"metrics"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ConnConfig holds the options shared by every broker connection.
type ConnConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`

	// Inbound framing; only a 4-byte length at offset 0 is supported.
	MaxFrameSize      uint32 `yaml:"max_frame_size"`
	LengthFieldSize   int    `yaml:"length_field_size"`
	LengthFieldOffset int    `yaml:"length_field_offset"`

	Prefetch   int                     `yaml:"prefetch"` // RDY count
	AuthSecret string                  `yaml:"auth_secret"`
	Identify   protocol.IdentifyConfig `yaml:"identify"`
}

// ProducerConfig holds publishing settings.
type ProducerConfig struct {
	Nodes       []string `yaml:"nodes"`       // broker TCP addresses
	Consistency string   `yaml:"consistency"` // one, two, quorum or a count
	Tries       int      `yaml:"tries"`       // attempts per node
}

// ConsumerConfig holds subscription settings.
type ConsumerConfig struct {
	Topics          []string      `yaml:"topics"`
	Channel         string        `yaml:"channel"` // one channel for every topic
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// LookupConfig holds nsqlookupd settings.
type LookupConfig struct {
	Endpoints      []string             `yaml:"endpoints"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Conn: ConnConfig{
			ConnectTimeout:  conn.DefaultConnectTimeout,
			PollInterval:    conn.DefaultPollInterval,
			MaxFrameSize:    protocol.DefaultMaxFrameSize,
			LengthFieldSize: conn.DefaultLengthSize,
			Prefetch:        conn.DefaultPrefetch,
			Identify: protocol.IdentifyConfig{
				UserAgent:          protocol.DefaultUserAgent,
				HeartbeatInterval:  30000,
				FeatureNegotiation: true,
			},
		},
		Producer: ProducerConfig{
			Nodes:       []string{"127.0.0.1:4150"},
			Consistency: "quorum",
			Tries:       1,
		},
		Consumer: ConsumerConfig{
			Topics:          []string{},
			Channel:         "default",
			RefreshInterval: consumer.DefaultRefreshInterval,
		},
		Lookup: LookupConfig{
			Endpoints: []string{"127.0.0.1:4161"},
			Timeout:   lookup.DefaultTimeout,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: lookup.DefaultFailureThreshold,
				ResetTimeout:     lookup.DefaultResetTimeout,
			},
		},
		RateLimit: ratelimit.DefaultConfig(),
		Metrics:   metrics.DefaultConfig(),
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
// Unknown keys are rejected.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if err := c.ConnOptions(nil).Validate(); err != nil {
		return fmt.Errorf("conn: %w", err)
	}
	if c.Conn.WriteTimeout < 0 {
		return fmt.Errorf("conn.write_timeout cannot be negative")
	}
	if c.Conn.Identify.HeartbeatInterval < -1 {
		return fmt.Errorf("conn.identify.heartbeat_interval must be -1 or positive")
	}
	if c.Conn.Identify.SampleRate < 0 || c.Conn.Identify.SampleRate > 99 {
		return fmt.Errorf("conn.identify.sample_rate must be between 0 and 99")
	}

	for _, n := range c.Producer.Nodes {
		if n == "" {
			return fmt.Errorf("producer.nodes cannot contain empty addresses")
		}
	}
	if _, err := c.Producer.Level(); err != nil {
		return fmt.Errorf("producer.consistency: %w", err)
	}
	if c.Producer.Tries < 1 {
		return fmt.Errorf("producer.tries must be at least 1")
	}

	for _, t := range c.Consumer.Topics {
		if !protocol.ValidName(t) {
			return fmt.Errorf("consumer.topics contains invalid name %q", t)
		}
	}
	if !protocol.ValidName(c.Consumer.Channel) {
		return fmt.Errorf("consumer.channel %q is not a valid name", c.Consumer.Channel)
	}
	if c.Consumer.RefreshInterval < time.Second {
		return fmt.Errorf("consumer.refresh_interval must be at least 1 second")
	}
	if len(c.Consumer.Topics) > 0 && len(c.Lookup.Endpoints) == 0 {
		return fmt.Errorf("lookup.endpoints required when consumer.topics are set")
	}

	if c.Lookup.Timeout <= 0 {
		return fmt.Errorf("lookup.timeout must be positive")
	}
	if c.Lookup.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("lookup.circuit_breaker.failure_threshold must be at least 1")
	}
	if c.Lookup.CircuitBreaker.ResetTimeout <= 0 {
		return fmt.Errorf("lookup.circuit_breaker.reset_timeout must be positive")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.CleanupInterval <= 0 {
			return fmt.Errorf("ratelimit.cleanup_interval must be positive")
		}
		if c.RateLimit.Publish.Rate > 0 && c.RateLimit.Publish.Burst < 1 {
			return fmt.Errorf("ratelimit.publish.burst must be at least 1")
		}
		if c.RateLimit.Consume.Rate > 0 && c.RateLimit.Consume.Burst < 1 {
			return fmt.Errorf("ratelimit.consume.burst must be at least 1")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Endpoint == "" {
			return fmt.Errorf("metrics.endpoint cannot be empty when metrics enabled")
		}
		if c.Metrics.ServiceName == "" {
			return fmt.Errorf("metrics.service_name cannot be empty when metrics enabled")
		}
		if c.Metrics.TraceSampleRate < 0.0 || c.Metrics.TraceSampleRate > 1.0 {
			return fmt.Errorf("metrics.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Level parses the configured consistency level.
func (p ProducerConfig) Level() (producer.ConsistencyLevel, error) {
	return producer.ParseConsistencyLevel(p.Consistency)
}

// ConnOptions builds connection options.
func (c *Config) ConnOptions(logger *slog.Logger) conn.Options {
	return conn.Options{
		ConnectTimeout:    c.Conn.ConnectTimeout,
		WriteTimeout:      c.Conn.WriteTimeout,
		PollInterval:      c.Conn.PollInterval,
		MaxFrameSize:      c.Conn.MaxFrameSize,
		LengthFieldSize:   c.Conn.LengthFieldSize,
		LengthFieldOffset: c.Conn.LengthFieldOffset,
		Identify:          c.Conn.Identify,
		Prefetch:          c.Conn.Prefetch,
		AuthSecret:        c.Conn.AuthSecret,
		Logger:            logger,
	}
}

// LookupClientConfig builds the lookup client configuration.
func (c *Config) LookupClientConfig() lookup.Config {
	return lookup.Config{
		Endpoints:        c.Lookup.Endpoints,
		Timeout:          c.Lookup.Timeout,
		FailureThreshold: c.Lookup.CircuitBreaker.FailureThreshold,
		ResetTimeout:     c.Lookup.CircuitBreaker.ResetTimeout,
	}
}

// ConsumerOptions builds the consumer configuration.
func (c *Config) ConsumerOptions(logger *slog.Logger) consumer.Config {
	return consumer.Config{
		Topics:          c.Consumer.Topics,
		Channel:         c.Consumer.Channel,
		RefreshInterval: c.Consumer.RefreshInterval,
		Conn:            c.ConnOptions(logger),
	}
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
