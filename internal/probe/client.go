// Package probe wraps the two network primitives presence detection is
// built on: an ICMP echo that provokes ARP resolution, and a snapshot
// lookup of the local ARP table.
package probe

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// PingFunc sends a reachability probe to a target.
type PingFunc func(ctx context.Context, target string) (bool, error)

// SnapshotFunc returns the current ARP table.
type SnapshotFunc func(ctx context.Context) ([]Entry, error)

// Client combines ping and ARP lookup behind one rate limiter shared by
// every tracker, so many short intervals cannot flood the network.
type Client struct {
	ping     PingFunc
	snapshot SnapshotFunc
	limiter  *rate.Limiter
}

// NewClient creates a client. A nil limiter disables throttling.
func NewClient(ping PingFunc, snapshot SnapshotFunc, limiter *rate.Limiter) *Client {
	return &Client{
		ping:     ping,
		snapshot: snapshot,
		limiter:  limiter,
	}
}

// NewSystemClient creates a client backed by ICMP sockets and the given
// ARP table file. ratePerSecond <= 0 disables throttling.
func NewSystemClient(pinger *Pinger, table *Table, ratePerSecond float64) *Client {
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		burst := int(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return NewClient(pinger.Ping, table.Snapshot, limiter)
}

// Probe pings target. The answer is advisory; its purpose is to get the
// target into the ARP table.
func (c *Client) Probe(ctx context.Context, target string) (bool, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return false, fmt.Errorf("probe rate limit: %w", err)
		}
	}
	return c.ping(ctx, target)
}

// Lookup returns the ARP entry for mac. ok is false when the table has
// no row for it.
func (c *Client) Lookup(ctx context.Context, mac string) (Entry, bool, error) {
	entries, err := c.snapshot(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := Match(entries, mac)
	return e, ok, nil
}
