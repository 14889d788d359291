// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// Lookupd is a fake discovery service answering /lookup?topic=.
type Lookupd struct {
	Server *httptest.Server
	Addr   string

	mu       sync.RWMutex
	topics   map[string][]string
	legacy   bool
	requests atomic.Int64
}

// NewLookupd starts a fake discovery service mapping topics to node
// addresses ("host:port"). It is closed when the test finishes.
func NewLookupd(t *testing.T, topics map[string][]string) *Lookupd {
	t.Helper()

	l := &Lookupd{topics: make(map[string][]string)}
	for topic, addrs := range topics {
		l.topics[topic] = append([]string(nil), addrs...)
	}

	l.Server = httptest.NewServer(http.HandlerFunc(l.handle))
	l.Addr = strings.TrimPrefix(l.Server.URL, "http://")
	t.Cleanup(l.Server.Close)
	return l
}

// SetProducers replaces the nodes registered for topic.
func (l *Lookupd) SetProducers(topic string, addrs ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.topics[topic] = append([]string(nil), addrs...)
}

// UseLegacyFormat makes responses use the enveloped status_code/data shape.
func (l *Lookupd) UseLegacyFormat(legacy bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.legacy = legacy
}

// Requests returns how many lookups were served.
func (l *Lookupd) Requests() int64 {
	return l.requests.Load()
}

type producer struct {
	RemoteAddress    string `json:"remote_address"`
	Hostname         string `json:"hostname"`
	BroadcastAddress string `json:"broadcast_address"`
	TCPPort          int    `json:"tcp_port"`
	HTTPPort         int    `json:"http_port"`
	Version          string `json:"version"`
}

func (l *Lookupd) handle(w http.ResponseWriter, r *http.Request) {
	l.requests.Add(1)

	if r.URL.Path != "/lookup" {
		http.NotFound(w, r)
		return
	}

	topic := r.URL.Query().Get("topic")
	l.mu.RLock()
	addrs, ok := l.topics[topic]
	legacy := l.legacy
	l.mu.RUnlock()

	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"TOPIC_NOT_FOUND"}`))
		return
	}

	producers := make([]producer, 0, len(addrs))
	for _, a := range addrs {
		host, portStr, err := net.SplitHostPort(a)
		if err != nil {
			continue
		}
		port, _ := strconv.Atoi(portStr)
		producers = append(producers, producer{
			RemoteAddress:    a,
			Hostname:         host,
			BroadcastAddress: host,
			TCPPort:          port,
			HTTPPort:         port + 1,
			Version:          "1.3.0",
		})
	}

	body := map[string]any{"channels": []string{}, "producers": producers}
	var resp any = body
	if legacy {
		resp = map[string]any{"status_code": 200, "status_txt": "OK", "data": body}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
