package isle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/archipelago/internal/mailbox"
	"github.com/snehjoshi/archipelago/internal/types"
)

// ─── Runtime config and hooks ─────────────────────────────────────────────────

// Config holds the per-isle policies the runtime enforces.
type Config struct {
	// Name is the display name used in logs and inspection.
	Name string

	// Failure selects fail-fast or restart when a handler fails on a plain
	// send. Handler failures on requests become fault replies instead.
	Failure types.FailurePolicy

	// Unhandled selects what happens when no handler (and no default route)
	// matches a topic.
	Unhandled types.UnhandledPolicy
}

// Hooks connect a runtime back to its router. Reply, LogError, and Retire
// must be non-nil; OnExit may be nil.
type Hooks struct {
	// Reply resolves a request: empty faultText for success, the error text
	// for a fault. The router routes it past the receiver's mailbox to the
	// waiting caller.
	Reply func(req *types.Message, payload any, faultText string)

	// LogError writes a dispatch failure to the audit trail.
	LogError func(msg *types.Message, err error)

	// Retire asks the router to drain this isle (fail-fast path). The router
	// retires the mailbox and records the remainder as undeliverable.
	Retire func(cause error)

	// OnExit runs exactly once, after the loop has fully stopped.
	OnExit func()
}

// ─── Runtime ──────────────────────────────────────────────────────────────────

// Runtime drives one isle: a single goroutine that dequeues, dispatches, and
// enforces the policies. One runtime per registered isle, one loop per
// runtime — that single consumer is what makes per-isle processing atomic.
type Runtime struct {
	addr  types.Address
	isle  Isle
	mbox  *mailbox.Mailbox
	env   *Env
	hooks Hooks
	cfg   Config
	log   *slog.Logger

	// ctx is canceled when draining begins; handlers receive it.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	status types.Status

	// routes and fallback are rebuilt on start and on each restart. Written
	// before the loop spawns or by the loop itself, so no lock is needed.
	routes   map[string]Handler
	fallback Handler

	processed atomic.Uint64
	restarts  atomic.Uint64

	done chan struct{}
}

// NewRuntime wires an isle to its mailbox. The runtime starts in the
// registered state; call Start to begin processing.
func NewRuntime(addr types.Address, i Isle, mbox *mailbox.Mailbox, env *Env, hooks Hooks, cfg Config) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		addr:   addr,
		isle:   i,
		mbox:   mbox,
		env:    env,
		hooks:  hooks,
		cfg:    cfg,
		log:    env.Logger(),
		ctx:    ctx,
		cancel: cancel,
		status: types.StatusRegistered,
		done:   make(chan struct{}),
	}
}

// Start runs Setup (when the isle implements Starter) and launches the loop.
// It fails when the isle is not in the registered state or when Setup
// returns an error; a failed Setup drains the isle, so messages queued
// before Start surface as undeliverable.
func (r *Runtime) Start() error {
	r.mu.Lock()
	if r.status != types.StatusRegistered {
		st := r.status
		r.mu.Unlock()
		return fmt.Errorf("start isle %q: status %s, want %s", r.cfg.Name, st, types.StatusRegistered)
	}
	r.status = types.StatusRunning
	r.mu.Unlock()

	if err := r.initIsle(); err != nil {
		r.hooks.Retire(err)

		r.mu.Lock()
		r.status = types.StatusStopped
		r.mu.Unlock()
		close(r.done)
		return fmt.Errorf("start isle %q: setup: %w", r.cfg.Name, err)
	}

	go r.loop()
	return nil
}

// initIsle rebuilds the dispatch table and runs Setup. Called before the
// loop spawns and again from inside the loop on each policy restart.
func (r *Runtime) initIsle() (err error) {
	r.routes = r.isle.Routes()
	r.fallback = nil
	if d, ok := r.isle.(Defaulter); ok {
		r.fallback = d.DefaultRoute()
	}

	s, ok := r.isle.(Starter)
	if !ok {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("setup panic: %v", p)
		}
	}()
	return s.Setup(r.ctx, r.env)
}

// Drain moves the isle toward stopped. The router calls it before retiring
// the mailbox, so the loop always observes the draining state when its
// dequeue fails. Draining an isle that never started stops it directly.
// Idempotent.
func (r *Runtime) Drain() {
	r.mu.Lock()
	switch r.status {
	case types.StatusRegistered:
		r.status = types.StatusStopped
		r.mu.Unlock()
		r.cancel()
		close(r.done)
	case types.StatusRunning:
		r.status = types.StatusDraining
		r.mu.Unlock()
		r.cancel()
	default:
		r.mu.Unlock()
	}
}

// Status returns the current lifecycle state.
func (r *Runtime) Status() types.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Done is closed once the isle has fully stopped.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Processed returns how many messages this isle's handlers have consumed.
func (r *Runtime) Processed() uint64 { return r.processed.Load() }

// Restarts returns how many policy restarts the isle has been through.
func (r *Runtime) Restarts() uint64 { return r.restarts.Load() }

// ─── Loop ─────────────────────────────────────────────────────────────────────

func (r *Runtime) loop() {
	defer r.finish()
	for {
		msg, err := r.mbox.Dequeue()
		if err != nil {
			return // mailbox retired; remainder already logged by the router
		}
		r.dispatch(msg)
		r.processed.Add(1)
	}
}

func (r *Runtime) finish() {
	if s, ok := r.isle.(Stopper); ok {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("teardown panic", "panic", p)
				}
			}()
			s.Teardown(context.Background())
		}()
	}

	r.mu.Lock()
	r.status = types.StatusStopped
	r.mu.Unlock()
	close(r.done)

	if r.hooks.OnExit != nil {
		r.hooks.OnExit()
	}
}

// dispatch routes one message to its handler and applies the outcome rules:
// request failures answer the caller with a fault, plain-send failures run
// the failure policy, and a missing handler falls to the unhandled policy.
func (r *Runtime) dispatch(msg *types.Message) {
	h := r.routes[msg.Topic]
	if h == nil {
		h = r.fallback
	}
	if h == nil {
		r.unhandled(msg)
		return
	}

	d := newDelivery(r.env, msg, r.hooks.Reply)
	err := r.invoke(h, d)

	if msg.Kind == types.KindRequest {
		switch {
		case err != nil && !d.replied:
			r.hooks.Reply(msg, nil, err.Error())
		case err != nil:
			// The caller already has an answer; the late error is local.
			r.log.Warn("handler failed after replying", "topic", msg.Topic, "err", err)
			r.hooks.LogError(msg, err)
		case !d.replied:
			r.hooks.Reply(msg, nil, "")
		}
		return
	}

	if err != nil {
		r.hooks.LogError(msg, err)
		r.applyFailurePolicy(msg, err)
	}
}

// invoke runs the handler with panic containment. A panic is a handler
// failure like any other; it must never take the router down.
func (r *Runtime) invoke(h Handler, d *Delivery) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic on topic %q: %v", d.msg.Topic, p)
		}
	}()
	return h(r.ctx, d)
}

func (r *Runtime) unhandled(msg *types.Message) {
	err := fmt.Errorf("%w: %q", types.ErrUnhandledTopic, msg.Topic)
	r.hooks.LogError(msg, err)

	if msg.Kind == types.KindRequest {
		// The caller must not hang on a missing handler.
		r.hooks.Reply(msg, nil, err.Error())
		return
	}

	switch r.cfg.Unhandled {
	case types.UnhandledFail:
		r.applyFailurePolicy(msg, err)
	default:
		r.log.Warn("unhandled topic ignored", "topic", msg.Topic, "sender", msg.Sender, "seq", msg.Seq)
	}
}

func (r *Runtime) applyFailurePolicy(msg *types.Message, cause error) {
	switch r.cfg.Failure {
	case types.Restart:
		r.restart(cause)
	default: // FailFast
		r.log.Error("isle draining after handler failure",
			"topic", msg.Topic, "seq", msg.Seq, "err", cause)
		r.hooks.Retire(cause)
	}
}

// restart re-initializes the isle in place: Setup is re-run and the dispatch
// table rebuilt, while the mailbox and address survive. The failed message
// was consumed, so a permanently failing handler cannot hot-spin on it.
func (r *Runtime) restart(cause error) {
	n := r.restarts.Add(1)
	r.log.Warn("isle restarting after handler failure", "err", cause, "restarts", n)

	if err := r.initIsle(); err != nil {
		r.log.Error("restart setup failed, draining", "err", err)
		r.hooks.Retire(fmt.Errorf("restart setup: %w", err))
	}
}
