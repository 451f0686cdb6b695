// Package isle defines the isle programming contract and the runtime that
// drives one isle's processing loop.
//
// An isle is user code: a value that exposes topic handlers via Routes().
// The runtime owns everything around it — the single dequeue loop, panic
// containment, reply bookkeeping, the unhandled-topic and failure policies,
// and the lifecycle states. Handlers run strictly one at a time per isle, so
// handler code never needs its own locking for isle-local state.
package isle

import (
	"context"
	"log/slog"
	"time"

	"github.com/snehjoshi/archipelago/internal/types"
)

// ─── Contract ─────────────────────────────────────────────────────────────────

// Handler processes one delivery. The error return is the failure signal:
// for plain sends a non-nil error invokes the isle's failure policy, for
// requests it becomes a fault reply to the caller. ctx is canceled when the
// isle begins draining, so long handlers can bail out early.
type Handler func(ctx context.Context, d *Delivery) error

// Isle is the minimal thing the router can host: a dispatch table from topic
// to handler. Implement it on a pointer type; the router tracks registration
// by instance identity.
//
// Routes is consulted at start and again after each policy restart, so an
// isle that rebuilds its handlers in Setup gets a fresh table.
type Isle interface {
	Routes() map[string]Handler
}

// Starter is implemented by isles that need initialization before the first
// delivery. A Setup error at start aborts the isle; a Setup error during a
// policy restart drains it.
type Starter interface {
	Setup(ctx context.Context, env *Env) error
}

// Stopper is implemented by isles that clean up after the loop exits. It
// runs after the final delivery, before the isle reaches the stopped state.
type Stopper interface {
	Teardown(ctx context.Context)
}

// Defaulter is implemented by isles that want a catch-all handler for topics
// missing from Routes(); without one, such deliveries fall to the isle's
// unhandled-topic policy.
type Defaulter interface {
	DefaultRoute() Handler
}

// ─── Env ──────────────────────────────────────────────────────────────────────

// Transport is the sending surface the router exposes to isle code. Both
// calls go through full router validation and sequencing.
type Transport interface {
	Send(sender, receiver types.Address, topic string, payload any) (types.Receipt, error)
	Call(ctx context.Context, sender, receiver types.Address, topic string, payload any) (any, error)
}

// Env is an isle's handle on the outside world, passed to Setup and carried
// by every Delivery. All its sends are stamped with the isle's own address
// as sender.
type Env struct {
	self types.Address
	name string
	tr   Transport
	log  *slog.Logger
}

// NewEnv builds the env the router hands to one isle.
func NewEnv(self types.Address, name string, tr Transport, log *slog.Logger) *Env {
	return &Env{self: self, name: name, tr: tr, log: log}
}

// Self returns the isle's own address.
func (e *Env) Self() types.Address { return e.self }

// Name returns the isle's registered display name.
func (e *Env) Name() string { return e.name }

// Logger returns a logger scoped to this isle.
func (e *Env) Logger() *slog.Logger { return e.log }

// Send dispatches a fire-and-forget message from this isle.
func (e *Env) Send(receiver types.Address, topic string, payload any) (types.Receipt, error) {
	return e.tr.Send(e.self, receiver, topic, payload)
}

// Call sends a request from this isle and blocks for the reply. Calling
// oneself from a handler deadlocks until ctx expires: the loop that would
// answer is the one waiting.
func (e *Env) Call(ctx context.Context, receiver types.Address, topic string, payload any) (any, error) {
	return e.tr.Call(ctx, e.self, receiver, topic, payload)
}

// SendAfter schedules a message from this isle to itself after d. It is the
// idiom for periodic work: handle the topic, then re-arm. Stop the returned
// timer to cancel. A send that fails because the isle already retired is
// dropped with a debug line.
func (e *Env) SendAfter(d time.Duration, topic string, payload any) *time.Timer {
	return time.AfterFunc(d, func() {
		if _, err := e.tr.Send(e.self, e.self, topic, payload); err != nil {
			e.log.Debug("timer self-send dropped", "topic", topic, "err", err)
		}
	})
}
