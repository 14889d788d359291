// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lookup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/nsqc/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupHosts(t *testing.T) {
	ld := testutil.NewLookupd(t, map[string][]string{
		"orders": {"10.0.0.2:4150", "10.0.0.1:4150"},
	})

	c := New(Config{Endpoints: []string{ld.Addr}}, nil)
	hosts := c.LookupHosts(context.Background(), "orders")
	assert.Equal(t, []string{"10.0.0.1:4150", "10.0.0.2:4150"}, hosts)
}

func TestLookupHostsLegacyFormat(t *testing.T) {
	ld := testutil.NewLookupd(t, map[string][]string{"orders": {"10.0.0.1:4150"}})
	ld.UseLegacyFormat(true)

	c := New(Config{Endpoints: []string{"http://" + ld.Addr + "/"}}, nil)
	assert.Equal(t, []string{"10.0.0.1:4150"}, c.LookupHosts(context.Background(), "orders"))
}

func TestLookupHostsMergesEndpoints(t *testing.T) {
	a := testutil.NewLookupd(t, map[string][]string{"orders": {"10.0.0.1:4150", "10.0.0.3:4150"}})
	b := testutil.NewLookupd(t, map[string][]string{"orders": {"10.0.0.3:4150", "10.0.0.2:4150"}})

	c := New(Config{Endpoints: []string{a.Addr, b.Addr, a.Addr}}, nil)
	assert.Equal(t, []string{a.Addr, b.Addr}, c.Endpoints())

	hosts := c.LookupHosts(context.Background(), "orders")
	assert.Equal(t, []string{"10.0.0.1:4150", "10.0.0.2:4150", "10.0.0.3:4150"}, hosts)
	assert.Equal(t, int64(1), a.Requests())
}

func TestLookupHostsUnknownTopic(t *testing.T) {
	ld := testutil.NewLookupd(t, nil)

	c := New(Config{Endpoints: []string{ld.Addr}, FailureThreshold: 1}, nil)
	for i := 0; i < 3; i++ {
		assert.Empty(t, c.LookupHosts(context.Background(), "missing"))
	}
	// Not-found answers keep the breaker closed.
	assert.Equal(t, int64(3), ld.Requests())
}

func TestLookupHostsSkipsFailingEndpoint(t *testing.T) {
	good := testutil.NewLookupd(t, map[string][]string{"orders": {"10.0.0.1:4150"}})

	c := New(Config{Endpoints: []string{"127.0.0.1:1", good.Addr}, Timeout: time.Second}, nil)
	assert.Equal(t, []string{"10.0.0.1:4150"}, c.LookupHosts(context.Background(), "orders"))
}

func TestLookupHostsAllFailing(t *testing.T) {
	c := New(Config{Endpoints: []string{"127.0.0.1:1"}, Timeout: time.Second}, nil)
	hosts := c.LookupHosts(context.Background(), "orders")
	require.NotNil(t, hosts)
	assert.Empty(t, hosts)
}

func TestLookupHostsCircuitBreaker(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{
		Endpoints:        []string{srv.URL},
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
	}, nil)

	for i := 0; i < 5; i++ {
		assert.Empty(t, c.LookupHosts(context.Background(), "orders"))
	}
	assert.Equal(t, int64(2), calls.Load())
}

func TestParseHosts(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    []string
		wantErr error
	}{
		{
			name: "current",
			body: `{"channels":["c"],"producers":[{"broadcast_address":"n1","tcp_port":4150},{"broadcast_address":"n2","tcp_port":4152}]}`,
			want: []string{"n1:4150", "n2:4152"},
		},
		{
			name: "legacy",
			body: `{"status_code":200,"status_txt":"OK","data":{"producers":[{"address":"n1","tcp_port":4150}]}}`,
			want: []string{"n1:4150"},
		},
		{
			name:    "legacy not found",
			body:    `{"status_code":500,"status_txt":"TOPIC_NOT_FOUND","data":null}`,
			wantErr: errTopicNotFound,
		},
		{
			name: "hostname fallback and missing port",
			body: `{"producers":[{"hostname":"h1","tcp_port":4150},{"broadcast_address":"n2"}]}`,
			want: []string{"h1:4150"},
		},
		{
			name: "ipv6",
			body: `{"producers":[{"broadcast_address":"::1","tcp_port":4150}]}`,
			want: []string{"[::1]:4150"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseHosts([]byte(tt.body))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseHosts([]byte("not json"))
	assert.Error(t, err)
}

func TestLookupURL(t *testing.T) {
	u, err := lookupURL("127.0.0.1:4161", "a b")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:4161/lookup?topic=a+b", u)

	u, err = lookupURL("https://lookupd.example/base/", "orders")
	require.NoError(t, err)
	assert.Equal(t, "https://lookupd.example/base/lookup?topic=orders", u)
}
