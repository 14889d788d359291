// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/absmach/nsqc/conn"
)

// node is one producer connection. mu serializes request/response pairs and
// in-place reconnects.
type node struct {
	mu   sync.Mutex
	addr string
	conn *conn.Conn

	// resync is set when the stream may hold an unread reply, so the next
	// user reconnects before sending.
	resync bool
}

// Pool holds one producer connection per reachable broker node. Membership
// only changes on Refresh.
type Pool struct {
	opts   conn.Options
	logger *slog.Logger
	addrs  []string

	dialMu sync.Mutex // serializes dialMissing

	mu       sync.RWMutex
	nodes    []*node
	dialErrs map[string]error
	closed   atomic.Bool
}

// NewPool dials every address. Unreachable nodes are logged and kept in
// DialErrors; an error is returned only when no node could be reached.
func NewPool(ctx context.Context, addrs []string, opts conn.Options, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logger
	}

	uniq := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a != "" && !slices.Contains(uniq, a) {
			uniq = append(uniq, a)
		}
	}
	if len(uniq) == 0 {
		return nil, ErrNoProducers
	}

	p := &Pool{
		opts:     opts,
		logger:   logger,
		addrs:    uniq,
		dialErrs: make(map[string]error),
	}
	p.dialMissing(ctx)

	if len(p.nodes) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoProducers, p.joinedDialErrors())
	}

	logger.Info("producer pool ready",
		slog.Int("nodes", len(p.nodes)),
		slog.Int("unreachable", len(p.dialErrs)))
	return p, nil
}

// dialMissing connects, in parallel, every configured address without a
// node and appends the successes in configuration order.
func (p *Pool) dialMissing(ctx context.Context) {
	p.dialMu.Lock()
	defer p.dialMu.Unlock()

	p.mu.RLock()
	have := make(map[string]bool, len(p.nodes))
	for _, n := range p.nodes {
		have[n.addr] = true
	}
	p.mu.RUnlock()

	var missing []string
	for _, a := range p.addrs {
		if !have[a] {
			missing = append(missing, a)
		}
	}

	conns := make([]*conn.Conn, len(missing))
	errs := make([]error, len(missing))
	var wg sync.WaitGroup
	for i, addr := range missing {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conns[i], errs[i] = conn.DialProducer(ctx, addr, p.opts)
		}()
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.nodes {
		have[n.addr] = true
	}
	for i, addr := range missing {
		if errs[i] == nil && have[addr] {
			conns[i].Close()
			continue
		}
		if errs[i] != nil {
			p.dialErrs[addr] = errs[i]
			p.logger.Warn("producer node unreachable",
				slog.String("addr", addr),
				slog.String("error", errs[i].Error()))
			continue
		}
		delete(p.dialErrs, addr)
		have[addr] = true
		p.nodes = append(p.nodes, &node{addr: addr, conn: conns[i]})
	}
	slices.SortStableFunc(p.nodes, func(a, b *node) int {
		return slices.Index(p.addrs, a.addr) - slices.Index(p.addrs, b.addr)
	})
}

// Len returns the number of connected nodes.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.nodes)
}

// Addrs returns the addresses of the pool's nodes.
func (p *Pool) Addrs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.nodes))
	for i, n := range p.nodes {
		out[i] = n.addr
	}
	return out
}

// DialErrors returns the failures of addresses that are not in the pool.
func (p *Pool) DialErrors() []error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]error, 0, len(p.dialErrs))
	for _, a := range p.addrs {
		if err, ok := p.dialErrs[a]; ok {
			out = append(out, err)
		}
	}
	return out
}

func (p *Pool) joinedDialErrors() error {
	return errors.Join(p.DialErrors()...)
}

func (p *Pool) snapshot() []*node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.nodes)
}

// Refresh reconnects every node in place and retries the addresses that
// were unreachable. Errors of nodes that stay down are joined.
func (p *Pool) Refresh(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	var errs []error
	for _, n := range p.snapshot() {
		n.mu.Lock()
		err := n.conn.Reconnect(ctx)
		if err == nil {
			n.resync = false
		}
		n.mu.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}

	p.dialMissing(ctx)
	errs = append(errs, p.DialErrors()...)

	p.logger.Info("producer pool refreshed",
		slog.Int("nodes", p.Len()),
		slog.Int("failures", len(errs)))
	return errors.Join(errs...)
}

// Close closes every connection. It is safe to call more than once.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	var errs []error
	for _, n := range p.snapshot() {
		if err := n.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
