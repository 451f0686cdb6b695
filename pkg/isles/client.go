package isles

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// clientIsle is the loop-less isle registered behind every client handle.
// With no routes and no started loop, its mailbox is a plain inbox that Recv
// drains manually. It carries the name so every handle registers a distinct
// instance; registration is keyed on instance identity.
type clientIsle struct {
	name string
}

func (*clientIsle) Routes() map[string]Handler { return nil }

// Client is a handle for code outside the system — main functions, tests —
// to exchange messages with isles. It registers like any isle and appears
// in the audit trail under its own address, but it runs no processing loop:
// inbound messages queue until Recv.
//
// Safe for concurrent use.
type Client struct {
	m    *Manager
	addr Address

	pace    *rate.Limiter
	regOpts []IsleOption

	closed atomic.Bool
}

// NewClient registers a client handle under the given name.
//
//	c, err := m.NewClient("main")
//	c, err := m.NewClient("producer", isles.WithSendPacing(rate.Limit(100), 1))
func (m *Manager) NewClient(name string, opts ...ClientOption) (*Client, error) {
	c := &Client{m: m}
	for _, o := range opts {
		o(c)
	}

	regOpts := append([]IsleOption{WithName(name)}, c.regOpts...)
	addr, err := m.r.Register(&clientIsle{name: name}, regOpts...)
	if err != nil {
		return nil, err
	}
	c.addr = addr
	return c, nil
}

// Addr returns the client's own address, for handing to isles that should
// send replies or events back.
func (c *Client) Addr() Address { return c.addr }

// Send routes one fire-and-forget message to receiver. ctx is consulted by
// the pacing limiter when WithSendPacing is set; an unpaced Send never waits
// on it.
func (c *Client) Send(ctx context.Context, receiver Address, topic string, payload any) (Receipt, error) {
	if err := c.wait(ctx); err != nil {
		return Receipt{}, err
	}
	return c.m.r.Send(c.addr, receiver, topic, payload)
}

// Call sends a request to receiver and blocks until the reply, a fault, or
// ctx ends.
func (c *Client) Call(ctx context.Context, receiver Address, topic string, payload any) (any, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.m.r.Call(ctx, c.addr, receiver, topic, payload)
}

// Recv blocks until a message addressed to the client arrives or ctx ends.
// Messages arrive in sequence order.
func (c *Client) Recv(ctx context.Context) (*Message, error) {
	return c.m.r.Receive(ctx, c.addr)
}

// Close unregisters the client. Messages still queued in its inbox are
// logged as undeliverable. Safe to call more than once; only the first call
// tears down.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.m.r.Unregister(c.addr)
}

func (c *Client) wait(ctx context.Context) error {
	if c.pace == nil {
		return nil
	}
	return c.pace.Wait(ctx)
}
