// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lookup resolves the broker nodes carrying a topic through one or
// more nsqlookupd HTTP endpoints.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const (
	DefaultTimeout          = 5 * time.Second
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second

	maxResponseSize = 4 << 20
)

var errTopicNotFound = errors.New("topic not found")

// Lookuper resolves topic hosts.
type Lookuper interface {
	LookupHosts(ctx context.Context, topic string) []string
}

// Config configures a Client.
type Config struct {
	Endpoints        []string
	Timeout          time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Client queries every configured endpoint and merges the answers.
type Client struct {
	endpoints []string
	timeout   time.Duration
	http      *http.Client
	breakers  map[string]*gobreaker.CircuitBreaker
	logger    *slog.Logger
}

// New creates a lookup client. Zero config values fall back to defaults.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}

	c := &Client{
		timeout:  cfg.Timeout,
		http:     &http.Client{},
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(cfg.Endpoints)),
		logger:   logger,
	}

	threshold := uint32(cfg.FailureThreshold)
	for _, ep := range cfg.Endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		if _, ok := c.breakers[ep]; ok {
			continue
		}
		c.endpoints = append(c.endpoints, ep)
		c.breakers[ep] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep,
			MaxRequests: 1,
			Timeout:     cfg.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// A missing topic is an answer, not an endpoint failure.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, errTopicNotFound)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("lookup circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	return c
}

// Endpoints returns the configured endpoints, deduplicated and in order.
func (c *Client) Endpoints() []string {
	return slices.Clone(c.endpoints)
}

// LookupHosts returns the sorted, de-duplicated "host:port" addresses of the
// nodes carrying topic. Failing endpoints are logged and skipped, so the
// result is empty rather than an error when nothing answers.
func (c *Client) LookupHosts(ctx context.Context, topic string) []string {
	seen := make(map[string]struct{})
	for _, ep := range c.endpoints {
		res, err := c.breakers[ep].Execute(func() (interface{}, error) {
			return c.query(ctx, ep, topic)
		})
		switch {
		case err == nil:
		case errors.Is(err, errTopicNotFound):
			c.logger.Debug("topic not registered",
				slog.String("endpoint", ep),
				slog.String("topic", topic))
			continue
		default:
			c.logger.Warn("lookup failed",
				slog.String("endpoint", ep),
				slog.String("topic", topic),
				slog.String("error", err.Error()))
			continue
		}
		for _, h := range res.([]string) {
			seen[h] = struct{}{}
		}
	}

	hosts := make([]string, 0, len(seen))
	for h := range seen {
		hosts = append(hosts, h)
	}
	slices.Sort(hosts)
	return hosts
}

type producer struct {
	BroadcastAddress string `json:"broadcast_address"`
	Address          string `json:"address"`
	Hostname         string `json:"hostname"`
	TCPPort          int    `json:"tcp_port"`
}

type lookupData struct {
	Producers []producer `json:"producers"`
}

type lookupResponse struct {
	lookupData
	StatusCode int         `json:"status_code"`
	StatusTxt  string      `json:"status_txt"`
	Data       *lookupData `json:"data"`
}

func (c *Client) query(ctx context.Context, endpoint, topic string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u, err := lookupURL(endpoint, topic)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.nsq; version=1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, errTopicNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("lookup returned status %d", resp.StatusCode)
	}

	return parseHosts(body)
}

func parseHosts(body []byte) ([]string, error) {
	var lr lookupResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	// Legacy responses carry the status inside the envelope.
	if lr.StatusCode != 0 && lr.StatusCode != http.StatusOK {
		if lr.StatusCode == http.StatusNotFound || lr.StatusTxt == "TOPIC_NOT_FOUND" {
			return nil, errTopicNotFound
		}
		return nil, fmt.Errorf("lookup returned status %d %s", lr.StatusCode, lr.StatusTxt)
	}
	data := lr.lookupData
	if lr.Data != nil {
		data = *lr.Data
	}

	hosts := make([]string, 0, len(data.Producers))
	for _, p := range data.Producers {
		host := p.BroadcastAddress
		if host == "" {
			host = p.Address
		}
		if host == "" {
			host = p.Hostname
		}
		if host == "" || p.TCPPort <= 0 {
			continue
		}
		hosts = append(hosts, net.JoinHostPort(host, strconv.Itoa(p.TCPPort)))
	}
	return hosts, nil
}

func lookupURL(endpoint, topic string) (string, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/lookup"
	u.RawQuery = url.Values{"topic": {topic}}.Encode()
	return u.String(), nil
}
