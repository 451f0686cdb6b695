// Package router implements the central coordinator: the registry of live
// isles, the single sequencing point for every message, the pending-call
// table for request/reply, and the audit trail of everything that happened.
//
// Ordering is the core guarantee. A message is assigned its global sequence
// number inside the receiving mailbox's critical section, so for any one
// receiver, mailbox order and sequence order are the same thing — no matter
// how many senders race. Everything else (policies, calls, inspection,
// export) hangs off that spine.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/archipelago/internal/auditlog"
	"github.com/snehjoshi/archipelago/internal/ident"
	"github.com/snehjoshi/archipelago/internal/isle"
	"github.com/snehjoshi/archipelago/internal/mailbox"
	"github.com/snehjoshi/archipelago/internal/metrics"
	"github.com/snehjoshi/archipelago/internal/types"
)

// Router owns all mailboxes and the audit log. All methods are safe for
// concurrent use.
type Router struct {
	id      string
	logger  *slog.Logger
	metrics *metrics.Registry

	log   *auditlog.Log
	reg   *registry
	calls *callTable

	defaults IsleDefaults

	// lifeMu orders admissions against Shutdown: an isle registered or
	// started under the read lock is visible to the shutdown sweep.
	lifeMu sync.RWMutex
	closed atomic.Bool
	wg     sync.WaitGroup // one unit per running isle loop
}

// Router is the sending surface handlers see through their Env.
var _ isle.Transport = (*Router)(nil)

// New creates an empty router.
func New(opts ...Option) (*Router, error) {
	id, err := ident.NewRouterID()
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	r := &Router{
		id:     id,
		logger: slog.Default(),
		log:    auditlog.New(),
		reg:    newRegistry(),
		calls:  newCallTable(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("router", id)

	if r.metrics != nil {
		r.metrics.SetMailboxDepthFunc(r.mailboxDepths)
	}

	r.logger.Info("router ready",
		"default_capacity", r.defaults.Capacity,
		"default_overflow", r.defaults.Overflow.String())
	return r, nil
}

// ID returns the router instance id stamped on its log lines.
func (r *Router) ID() string { return r.id }

// ─── Registration and lifecycle ───────────────────────────────────────────────

// Register admits an isle and issues its address. The isle does not process
// anything until Start; messages sent to it meanwhile queue up in order.
func (r *Router) Register(i isle.Isle, opts ...IsleOption) (types.Address, error) {
	s := r.resolveSettings(i, opts)

	addr, err := ident.NewAddress()
	if err != nil {
		return "", fmt.Errorf("register %q: %w", s.name, err)
	}

	mbox := mailbox.New(mailbox.Config{Capacity: s.capacity, Overflow: s.overflow})
	env := isle.NewEnv(addr, s.name, r, r.logger.With("isle", s.name, "addr", addr))

	e := &entry{
		addr:         addr,
		name:         s.name,
		isle:         i,
		mbox:         mbox,
		registeredMs: time.Now().UnixMilli(),
	}
	e.rt = isle.NewRuntime(addr, i, mbox, env, isle.Hooks{
		Reply:    r.deliverReply,
		LogError: r.logDispatchError,
		Retire: func(cause error) {
			_ = r.unregisterEntry(e, cause.Error())
		},
		OnExit: r.wg.Done,
	}, isle.Config{Name: s.name, Failure: s.failure, Unhandled: s.unhandled})

	r.lifeMu.RLock()
	if r.closed.Load() {
		r.lifeMu.RUnlock()
		err := fmt.Errorf("register %q: %w", s.name, types.ErrRouterClosed)
		r.logBoundaryError(types.KindSend, "", "", "", nil, "", err)
		return "", err
	}
	err = r.reg.add(e)
	r.lifeMu.RUnlock()
	if err != nil {
		err = fmt.Errorf("register %q: %w", s.name, err)
		r.logBoundaryError(types.KindSend, "", "", "", nil, "", err)
		return "", err
	}

	r.logger.Info("isle registered",
		"name", s.name, "addr", addr,
		"capacity", s.capacity, "overflow", s.overflow.String(),
		"failure", s.failure.String(), "unhandled", s.unhandled.String())
	return addr, nil
}

// Start launches a registered isle's loop. Queued messages begin flowing in
// FIFO order; a Setup failure drains the isle and surfaces here.
func (r *Router) Start(addr types.Address) error {
	e, ok := r.reg.lookup(addr)
	if !ok {
		err := fmt.Errorf("start %s: %w", addr, types.ErrUnknownReceiver)
		r.logBoundaryError(types.KindSend, "", addr, "", nil, "", err)
		return err
	}

	r.lifeMu.RLock()
	if r.closed.Load() {
		r.lifeMu.RUnlock()
		err := fmt.Errorf("start %s: %w", addr, types.ErrRouterClosed)
		r.logBoundaryError(types.KindSend, "", addr, "", nil, "", err)
		return err
	}
	r.wg.Add(1)
	r.lifeMu.RUnlock()

	if err := e.rt.Start(); err != nil {
		r.wg.Done()
		r.logBoundaryError(types.KindSend, "", addr, "", nil, "", err)
		return err
	}
	r.logger.Info("isle started", "name", e.name, "addr", addr)
	return nil
}

// Spawn is Register followed by Start.
func (r *Router) Spawn(i isle.Isle, opts ...IsleOption) (types.Address, error) {
	addr, err := r.Register(i, opts...)
	if err != nil {
		return "", err
	}
	if err := r.Start(addr); err != nil {
		return "", err
	}
	return addr, nil
}

// Unregister retires an isle: no new messages are accepted, the in-flight
// delivery (if any) completes, queued messages are recorded as undeliverable,
// and the address becomes a tombstone. Queued requests fault their callers
// immediately instead of leaving them to time out.
func (r *Router) Unregister(addr types.Address) error {
	e, ok := r.reg.lookup(addr)
	if !ok {
		err := fmt.Errorf("unregister %s: %w", addr, types.ErrUnknownReceiver)
		r.logBoundaryError(types.KindSend, "", addr, "", nil, "", err)
		return err
	}
	return r.unregisterEntry(e, "unregister")
}

// unregisterEntry performs retirement exactly once per entry; racing callers
// (explicit Unregister, fail-fast, shutdown) get ErrReceiverRetired.
func (r *Router) unregisterEntry(e *entry, cause string) error {
	if !e.retired.CompareAndSwap(false, true) {
		return fmt.Errorf("unregister %s: %w", e.addr, types.ErrReceiverRetired)
	}

	// Drain before retiring the mailbox so the loop always observes the
	// draining state when its dequeue fails.
	e.rt.Drain()
	remainder := e.mbox.Retire()

	for _, m := range remainder {
		r.log.Append(types.Entry{
			Kind:     types.EntryUndeliverable,
			MsgKind:  m.Kind,
			Sender:   m.Sender,
			Receiver: m.Receiver,
			Topic:    m.Topic,
			Payload:  m.Payload,
			Corr:     m.Corr,
			Note:     fmt.Sprintf("%s (message seq %d)", types.ErrUndeliverable, m.Seq),
		})
		if r.metrics != nil {
			r.metrics.Dropped.Inc("shutdown")
		}
		if m.Kind == types.KindRequest && m.Corr != "" {
			r.calls.fail(m.Corr, fmt.Errorf("%w: receiver %s retired", types.ErrUndeliverable, m.Receiver))
		}
	}

	r.reg.release(e)
	r.logger.Info("isle unregistered",
		"name", e.name, "addr", e.addr,
		"undeliverable", len(remainder), "cause", cause)
	return nil
}

// Shutdown retires every live isle, waits for their loops to finish, and
// closes the router to new traffic. The audit log stays readable afterwards.
// An isle registered concurrently with Shutdown is either admitted and then
// retired by the sweep, or refused with ErrRouterClosed — never leaked.
// Safe to call once; later calls return nil without waiting.
func (r *Router) Shutdown(ctx context.Context) error {
	r.lifeMu.Lock()
	if !r.closed.CompareAndSwap(false, true) {
		r.lifeMu.Unlock()
		return nil
	}
	live := r.reg.active()
	r.lifeMu.Unlock()

	r.logger.Info("router shutting down")
	for _, e := range live {
		_ = r.unregisterEntry(e, "router shutdown")
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("router shutdown: %w", ctx.Err())
	}

	r.calls.failAll(types.ErrRouterClosed)

	stats := r.log.Stats()
	r.logger.Info("router stopped",
		"entries", stats.Total, "delivered", stats.Delivered,
		"dropped", stats.Dropped, "undeliverable", stats.Undeliverable,
		"errors", stats.Errors)
	return nil
}

// ─── Send ─────────────────────────────────────────────────────────────────────

// Send validates, sequences, logs, and enqueues one fire-and-forget message.
// The receipt carries the assigned sequence number; Dropped is set when a
// Drop-policy mailbox discarded the message (the drop is in the log).
//
// Every rejection — closed router, inactive sender, unknown or retired
// receiver, full Fail-policy mailbox — is written to the audit log before
// the error returns.
func (r *Router) Send(sender, receiver types.Address, topic string, payload any) (types.Receipt, error) {
	return r.send(sender, receiver, topic, payload, types.KindSend, "")
}

func (r *Router) send(sender, receiver types.Address, topic string, payload any, kind types.Kind, corr string) (types.Receipt, error) {
	if r.metrics != nil {
		r.metrics.Sent.Inc(topic)
	}

	if r.closed.Load() {
		err := fmt.Errorf("send %q: %w", topic, types.ErrRouterClosed)
		r.logBoundaryError(kind, sender, receiver, topic, payload, corr, err)
		return types.Receipt{}, err
	}

	se, ok := r.reg.lookup(sender)
	if !ok || se.retired.Load() {
		err := fmt.Errorf("send %q from %s: %w", topic, sender, types.ErrSenderNotActive)
		r.logBoundaryError(kind, sender, receiver, topic, payload, corr, err)
		return types.Receipt{}, err
	}

	re, ok := r.reg.lookup(receiver)
	if !ok {
		err := fmt.Errorf("send %q to %s: %w", topic, receiver, types.ErrUnknownReceiver)
		r.logBoundaryError(kind, sender, receiver, topic, payload, corr, err)
		return types.Receipt{}, err
	}
	if re.retired.Load() {
		err := fmt.Errorf("send %q to %s: %w", topic, receiver, types.ErrReceiverRetired)
		r.logBoundaryError(kind, sender, receiver, topic, payload, corr, err)
		return types.Receipt{}, err
	}

	msg := &types.Message{
		Sender:   sender,
		Receiver: receiver,
		Topic:    topic,
		Payload:  payload,
		Kind:     kind,
		Corr:     corr,
	}

	// Sequence assignment and enqueue are one atomic step: the log append
	// runs inside the mailbox's critical section.
	var receipt types.Receipt
	dropped, err := re.mbox.Enqueue(msg,
		func(m *types.Message) {
			e := r.log.Append(types.Entry{
				Kind: types.EntryDelivered, MsgKind: kind,
				Sender: sender, Receiver: receiver, Topic: topic,
				Payload: payload, Corr: corr,
			})
			m.Seq, m.TimestampMs = e.Seq, e.TimestampMs
			receipt.Seq = e.Seq
		},
		func(m *types.Message) {
			e := r.log.Append(types.Entry{
				Kind: types.EntryDroppedCapacity, MsgKind: kind,
				Sender: sender, Receiver: receiver, Topic: topic,
				Payload: payload, Corr: corr,
			})
			m.Seq, m.TimestampMs = e.Seq, e.TimestampMs
			receipt.Seq, receipt.Dropped = e.Seq, true
		})
	if err != nil {
		// Fail-policy overflow, or the receiver retired between validation
		// and enqueue.
		err = fmt.Errorf("send %q to %s: %w", topic, receiver, err)
		r.logBoundaryError(kind, sender, receiver, topic, payload, corr, err)
		return types.Receipt{}, err
	}

	if dropped {
		if r.metrics != nil {
			r.metrics.Dropped.Inc("capacity")
		}
		r.logger.Debug("message dropped at capacity",
			"topic", topic, "receiver", receiver, "seq", receipt.Seq)
		return receipt, nil
	}

	re.delivered.Add(1)
	if r.metrics != nil {
		r.metrics.Delivered.Inc(topic)
	}
	return receipt, nil
}

// Receive dequeues the next message for a loop-less isle — one that was
// registered but never started, the shape clients use. Isles with a running
// loop own their mailbox exclusively and cannot be received from.
func (r *Router) Receive(ctx context.Context, addr types.Address) (*types.Message, error) {
	e, ok := r.reg.lookup(addr)
	if !ok {
		return nil, fmt.Errorf("receive %s: %w", addr, types.ErrUnknownReceiver)
	}
	if st := e.rt.Status(); st != types.StatusRegistered {
		return nil, fmt.Errorf("receive %s: isle loop owns the mailbox (status %s)", addr, st)
	}
	msg, err := e.mbox.DequeueContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive %s: %w", addr, err)
	}
	return msg, nil
}

// ─── Inspection ───────────────────────────────────────────────────────────────

// QueryLog returns the audit entries matching f, in sequence order.
func (r *Router) QueryLog(f auditlog.Filter) []types.Entry {
	return r.log.Query(f)
}

// EachLogEntry streams matching audit entries to fn without copying the
// whole log; a non-nil error from fn stops the walk and is returned.
func (r *Router) EachLogEntry(f auditlog.Filter, fn func(types.Entry) error) error {
	return r.log.ForEach(f, fn)
}

// LogStats returns the audit log tallies by entry kind.
func (r *Router) LogStats() auditlog.Stats {
	return r.log.Stats()
}

// Log exposes the underlying audit log for exporters.
func (r *Router) Log() *auditlog.Log {
	return r.log
}

// ListIsles reports every isle ever registered, tombstones included, in
// registration order.
func (r *Router) ListIsles() []IsleInfo {
	entries := r.reg.all()
	infos := make([]IsleInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, IsleInfo{
			Addr:         e.addr,
			Name:         e.name,
			Status:       e.rt.Status(),
			Depth:        e.mbox.Len(),
			Delivered:    e.delivered.Load(),
			Processed:    e.rt.Processed(),
			Restarts:     e.rt.Restarts(),
			RegisteredMs: e.registeredMs,
		})
	}
	return infos
}

// InspectMailbox returns an isle's queue depth and copies of up to n head
// messages, without perturbing delivery. Repeated calls on a quiet router
// return identical views.
func (r *Router) InspectMailbox(addr types.Address, n int) (depth int, head []types.Message, err error) {
	e, ok := r.reg.lookup(addr)
	if !ok {
		return 0, nil, fmt.Errorf("inspect %s: %w", addr, types.ErrUnknownReceiver)
	}
	depth, head = e.mbox.Snapshot(n)
	return depth, head, nil
}

// mailboxDepths feeds the metrics gauge: live isle name → queued messages.
func (r *Router) mailboxDepths() map[string]int64 {
	out := make(map[string]int64)
	for _, e := range r.reg.all() {
		if !e.retired.Load() {
			out[e.name] = int64(e.mbox.Len())
		}
	}
	return out
}

// ─── Error recording ──────────────────────────────────────────────────────────

// logBoundaryError writes one EntryError for a rejected operation. Every
// error the router hands back to a caller goes through here first, which is
// what makes the log a complete failure history.
func (r *Router) logBoundaryError(kind types.Kind, sender, receiver types.Address, topic string, payload any, corr string, err error) {
	r.log.Append(types.Entry{
		Kind:     types.EntryError,
		MsgKind:  kind,
		Sender:   sender,
		Receiver: receiver,
		Topic:    topic,
		Payload:  payload,
		Corr:     corr,
		Note:     err.Error(),
	})
	if r.metrics != nil {
		r.metrics.Errors.Inc(errKind(err))
	}
}

// logDispatchError records a failure that happened after delivery, on the
// isle's own loop: handler errors, panics, unhandled topics. Wired in as the
// runtime's LogError hook.
func (r *Router) logDispatchError(msg *types.Message, err error) {
	r.log.Append(types.Entry{
		Kind:     types.EntryError,
		MsgKind:  msg.Kind,
		Sender:   msg.Sender,
		Receiver: msg.Receiver,
		Topic:    msg.Topic,
		Corr:     msg.Corr,
		Note:     fmt.Sprintf("%s (message seq %d)", err, msg.Seq),
	})
	if r.metrics != nil {
		r.metrics.Errors.Inc(errKind(err))
	}
}

// errKind maps an error chain to its metrics label.
func errKind(err error) string {
	switch {
	case errors.Is(err, types.ErrUnknownReceiver):
		return "unknown_receiver"
	case errors.Is(err, types.ErrSenderNotActive):
		return "sender_not_active"
	case errors.Is(err, types.ErrReceiverRetired):
		return "receiver_retired"
	case errors.Is(err, types.ErrMailboxFull):
		return "mailbox_full"
	case errors.Is(err, types.ErrUnhandledTopic):
		return "unhandled_topic"
	case errors.Is(err, types.ErrRouterClosed):
		return "router_closed"
	case errors.Is(err, types.ErrUndeliverable):
		return "undeliverable"
	case errors.Is(err, types.ErrDuplicateRegistration):
		return "duplicate_registration"
	case errors.Is(err, types.ErrCallTimeout):
		return "call_timeout"
	default:
		return "handler"
	}
}
