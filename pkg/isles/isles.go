// Package isles is the public face of Archipelago: isolated single-threaded
// actors ("isles") that communicate only by addressed messages, routed
// through one central point that sequences, logs, and delivers everything.
//
// # Quick start
//
//	m, err := isles.New()
//
//	// Spawn an isle. Anything with a Routes table qualifies.
//	addr, err := m.Spawn(&ponger{}, isles.WithName("ponger"))
//
//	// Talk to it from outside the system through a client handle.
//	c, err := m.NewClient("main")
//	reply, err := c.Call(ctx, addr, "ping", "marco")
//
//	// Everything that happened is in the audit trail.
//	trail := m.QueryLog(isles.Filter{Topic: "ping"})
//
// # Guarantees
//
// Every message receives a global sequence number at a single serialization
// point; for any one receiver, delivery order equals sequence order no
// matter how many senders race. Each message is processed by exactly one
// handler invocation at a time, and every transit and every failure appends
// exactly one entry to an append-only audit log.
//
// # Error handling
//
// Router-boundary failures return wrapped sentinel errors
// (ErrUnknownReceiver, ErrMailboxFull, ErrCallTimeout, ...). Match them with
// errors.Is. Every error handed back to a caller is also recorded in the
// audit log.
//
// Manager and Client are safe for concurrent use.
package isles

import (
	"context"

	"github.com/snehjoshi/archipelago/internal/auditlog"
	"github.com/snehjoshi/archipelago/internal/isle"
	"github.com/snehjoshi/archipelago/internal/metrics"
	"github.com/snehjoshi/archipelago/internal/router"
	"github.com/snehjoshi/archipelago/internal/types"
)

// ─── Domain types ─────────────────────────────────────────────────────────────

// The core domain types live in internal packages to keep the layering
// acyclic. Aliases (=) re-export them so callers only ever import this
// package: isles.Message IS types.Message, no conversion needed.

type (
	// Address is the unique, stable handle of one isle. ULID string, issued
	// at registration, never reused within a process.
	Address = types.Address

	// Message is the unit of communication. Seq and TimestampMs are assigned
	// by the router at ingestion; payloads are immutable by contract.
	Message = types.Message

	// Entry is one immutable audit-log record.
	Entry = types.Entry

	// Receipt reports the sequence number a send consumed and whether a
	// Drop-policy mailbox discarded the message.
	Receipt = types.Receipt

	// Kind classifies a message: send, request, reply, or fault.
	Kind = types.Kind

	// EntryKind classifies an audit entry: delivered, dropped, undeliverable,
	// or error.
	EntryKind = types.EntryKind

	// Status is an isle's lifecycle state.
	Status = types.Status

	// OverflowPolicy selects what a full bounded mailbox does with a new
	// message: block the sender, fail the send, or drop the message.
	OverflowPolicy = types.OverflowPolicy

	// FailurePolicy selects what happens to an isle whose handler errors or
	// panics on a plain send.
	FailurePolicy = types.FailurePolicy

	// UnhandledPolicy selects what happens when a topic matches no handler.
	UnhandledPolicy = types.UnhandledPolicy
)

type (
	// Handler processes one delivered message. It runs on the isle's own
	// goroutine; no two handler invocations for the same isle ever overlap.
	Handler = isle.Handler

	// Isle is anything with a Routes table: topic → Handler.
	Isle = isle.Isle

	// Starter is an optional Isle extension: Setup runs before the first
	// delivery (and again after a Restart-policy recovery).
	Starter = isle.Starter

	// Stopper is an optional Isle extension: Teardown runs after the loop
	// drains, once, even on panic-triggered exits.
	Stopper = isle.Stopper

	// Defaulter is an optional Isle extension: Default receives deliveries
	// whose topic matched no route.
	Defaulter = isle.Defaulter

	// Env is the world as one isle sees it: its own address and name, a
	// scoped logger, and the sending surface.
	Env = isle.Env

	// Delivery is one message as presented to a handler, plus Reply for
	// answering requests.
	Delivery = isle.Delivery
)

type (
	// Filter selects audit entries; zero value matches everything.
	Filter = auditlog.Filter

	// Stats are the audit-log tallies by entry kind.
	Stats = auditlog.Stats

	// AuditLog is the append-only trail itself, exposed for exporters that
	// tail it with Since.
	AuditLog = auditlog.Log
)

// Metrics is the label-counter registry the router reports into. The zero
// value is ready: pass &Metrics{} via WithMetrics and serve Handler() to
// expose Prometheus text.
type Metrics = metrics.Registry

// IsleInfo is the per-isle snapshot returned by ListIsles.
type IsleInfo = router.IsleInfo

// Message kinds.
const (
	KindSend    = types.KindSend
	KindRequest = types.KindRequest
	KindReply   = types.KindReply
	KindFault   = types.KindFault
)

// Audit entry kinds.
const (
	EntryDelivered       = types.EntryDelivered
	EntryDroppedCapacity = types.EntryDroppedCapacity
	EntryUndeliverable   = types.EntryUndeliverable
	EntryError           = types.EntryError
)

// Isle lifecycle states, in order.
const (
	StatusCreated    = types.StatusCreated
	StatusRegistered = types.StatusRegistered
	StatusRunning    = types.StatusRunning
	StatusDraining   = types.StatusDraining
	StatusStopped    = types.StatusStopped
)

// Mailbox overflow policies.
const (
	OverflowBlock = types.OverflowBlock
	OverflowFail  = types.OverflowFail
	OverflowDrop  = types.OverflowDrop
)

// Handler failure policies.
const (
	FailFast = types.FailFast
	Restart  = types.Restart
)

// Unhandled-topic policies.
const (
	UnhandledIgnore = types.UnhandledIgnore
	UnhandledFail   = types.UnhandledFail
)

// Sentinel errors returned (wrapped) by Manager and Client operations.
var (
	ErrUnknownReceiver       = types.ErrUnknownReceiver
	ErrSenderNotActive       = types.ErrSenderNotActive
	ErrReceiverRetired       = types.ErrReceiverRetired
	ErrDuplicateRegistration = types.ErrDuplicateRegistration
	ErrMailboxFull           = types.ErrMailboxFull
	ErrUnhandledTopic        = types.ErrUnhandledTopic
	ErrUndeliverable         = types.ErrUndeliverable
	ErrRouterClosed          = types.ErrRouterClosed
	ErrCallTimeout           = types.ErrCallTimeout
	ErrRemoteFault           = types.ErrRemoteFault
)

// ─── Manager ──────────────────────────────────────────────────────────────────

// Manager owns one routing domain: the registry of isles, the sequencing
// point every message passes through, the pending-call table, and the audit
// log. Create one per process (tests create many).
type Manager struct {
	r *router.Router
}

// New creates an empty Manager.
//
//	m, err := isles.New()
//	m, err := isles.New(isles.WithLogger(logger), isles.WithMetrics(reg))
func New(opts ...Option) (*Manager, error) {
	r, err := router.New(opts...)
	if err != nil {
		return nil, err
	}
	return &Manager{r: r}, nil
}

// ID returns the manager's instance id, stamped on its log lines and used
// by export sinks to mark trail ownership.
func (m *Manager) ID() string { return m.r.ID() }

// Register admits an isle and issues its address. The isle processes nothing
// until Start; messages sent to it meanwhile queue up in order.
func (m *Manager) Register(i Isle, opts ...IsleOption) (Address, error) {
	return m.r.Register(i, opts...)
}

// Start launches a registered isle's processing loop.
func (m *Manager) Start(addr Address) error { return m.r.Start(addr) }

// Spawn is Register followed by Start. Safe to call from inside a running
// handler; topologies may grow at runtime.
func (m *Manager) Spawn(i Isle, opts ...IsleOption) (Address, error) {
	return m.r.Spawn(i, opts...)
}

// Unregister retires an isle: the in-flight delivery (if any) completes,
// the queued remainder is logged as undeliverable, and the address becomes
// a tombstone. Sends to it fail with ErrReceiverRetired from then on.
func (m *Manager) Unregister(addr Address) error { return m.r.Unregister(addr) }

// Shutdown retires every isle and refuses new traffic. It returns when all
// loops have exited or ctx ends, whichever is first.
func (m *Manager) Shutdown(ctx context.Context) error { return m.r.Shutdown(ctx) }

// Send routes one fire-and-forget message from sender to receiver. Most
// callers hold a Client and use its Send instead; this form exists for code
// that manages addresses itself.
func (m *Manager) Send(sender, receiver Address, topic string, payload any) (Receipt, error) {
	return m.r.Send(sender, receiver, topic, payload)
}

// Call sends a request from sender and blocks until the receiver replies,
// faults, or ctx ends.
func (m *Manager) Call(ctx context.Context, sender, receiver Address, topic string, payload any) (any, error) {
	return m.r.Call(ctx, sender, receiver, topic, payload)
}

// ─── Inspection ───────────────────────────────────────────────────────────────

// QueryLog returns the audit entries matching f, in sequence order.
func (m *Manager) QueryLog(f Filter) []Entry { return m.r.QueryLog(f) }

// EachLogEntry streams matching audit entries to fn without copying the
// whole log. A non-nil error from fn stops the walk and is returned.
func (m *Manager) EachLogEntry(f Filter, fn func(Entry) error) error {
	return m.r.EachLogEntry(f, fn)
}

// LogStats returns the audit-log tallies by entry kind.
func (m *Manager) LogStats() Stats { return m.r.LogStats() }

// AuditLog exposes the underlying trail for exporters.
func (m *Manager) AuditLog() *AuditLog { return m.r.Log() }

// ListIsles reports every isle ever registered, tombstones included, in
// registration order.
func (m *Manager) ListIsles() []IsleInfo { return m.r.ListIsles() }

// InspectMailbox returns an isle's queue depth and copies of up to n head
// messages without perturbing delivery.
func (m *Manager) InspectMailbox(addr Address, n int) (int, []Message, error) {
	return m.r.InspectMailbox(addr, n)
}
