package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/snehjoshi/archipelago/internal/ident"
	"github.com/snehjoshi/archipelago/internal/types"
)

// ─── Pending-call table ───────────────────────────────────────────────────────

// callResult is what a waiting caller receives: a payload, a remote fault
// text, or a local abort error. Exactly one field is meaningful.
type callResult struct {
	payload any
	fault   string
	err     error
}

// callTable tracks in-flight Calls by correlation id. Each slot is a
// buffered channel so resolving never blocks the isle loop that replied.
type callTable struct {
	mu      sync.Mutex
	pending map[string]chan callResult
}

func newCallTable() *callTable {
	return &callTable{pending: make(map[string]chan callResult)}
}

// register creates the wait slot for corr.
func (t *callTable) register(corr string) chan callResult {
	ch := make(chan callResult, 1)
	t.mu.Lock()
	t.pending[corr] = ch
	t.mu.Unlock()
	return ch
}

// take removes and returns the slot for corr, if still waiting.
func (t *callTable) take(corr string) (chan callResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.pending[corr]
	if ok {
		delete(t.pending, corr)
	}
	return ch, ok
}

// resolve hands the caller its answer. Returns false when the caller already
// abandoned the call.
func (t *callTable) resolve(corr string, payload any, fault string) bool {
	ch, ok := t.take(corr)
	if !ok {
		return false
	}
	ch <- callResult{payload: payload, fault: fault}
	return true
}

// fail aborts one pending call with a local error.
func (t *callTable) fail(corr string, err error) bool {
	ch, ok := t.take(corr)
	if !ok {
		return false
	}
	ch <- callResult{err: err}
	return true
}

// abandon drops the slot without an answer; a reply arriving later counts as
// orphaned.
func (t *callTable) abandon(corr string) {
	t.mu.Lock()
	delete(t.pending, corr)
	t.mu.Unlock()
}

// failAll aborts every pending call. Used as the final sweep at shutdown.
func (t *callTable) failAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for corr, ch := range t.pending {
		ch <- callResult{err: err}
		delete(t.pending, corr)
	}
}

// ─── Call ─────────────────────────────────────────────────────────────────────

// Call sends a request and blocks until the receiver answers, the receiver
// retires with the request still queued, or ctx expires. The reply is
// delivered straight to the waiting goroutine, never through the sender's
// mailbox, so an isle may Call from inside its own handler without wedging
// its loop (calling itself is still a deadlock until ctx expires).
//
// Outcomes: the reply payload on success; ErrRemoteFault wrapping the remote
// error text when the handler failed; ErrCallTimeout when ctx's deadline
// passed; ctx.Err() on plain cancellation; the send error when the request
// never entered the receiver's mailbox.
func (r *Router) Call(ctx context.Context, sender, receiver types.Address, topic string, payload any) (any, error) {
	corr, err := ident.NewCorrID()
	if err != nil {
		return nil, fmt.Errorf("call %q: %w", topic, err)
	}
	ch := r.calls.register(corr)

	if _, err := r.send(sender, receiver, topic, payload, types.KindRequest, corr); err != nil {
		r.calls.abandon(corr)
		r.countCall("send_error")
		return nil, err
	}

	select {
	case res := <-ch:
		switch {
		case res.err != nil:
			r.countCall("aborted")
			return nil, fmt.Errorf("call %q to %s: %w", topic, receiver, res.err)
		case res.fault != "":
			r.countCall("fault")
			return nil, fmt.Errorf("call %q to %s: %w: %s", topic, receiver, types.ErrRemoteFault, res.fault)
		default:
			r.countCall("ok")
			return res.payload, nil
		}

	case <-ctx.Done():
		r.calls.abandon(corr)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err := fmt.Errorf("call %q to %s: %w", topic, receiver, types.ErrCallTimeout)
			r.logBoundaryError(types.KindRequest, sender, receiver, topic, nil, corr, err)
			r.countCall("timeout")
			return nil, err
		}
		err := fmt.Errorf("call %q to %s: %w", topic, receiver, ctx.Err())
		r.logBoundaryError(types.KindRequest, sender, receiver, topic, nil, corr, err)
		r.countCall("canceled")
		return nil, err
	}
}

func (r *Router) countCall(outcome string) {
	if r.metrics != nil {
		r.metrics.Calls.Inc(outcome)
	}
}

// deliverReply resolves one request. It runs on the answering isle's loop
// goroutine, wired in as the runtime's Reply hook.
func (r *Router) deliverReply(req *types.Message, payload any, faultText string) {
	kind := types.KindReply
	if faultText != "" {
		kind = types.KindFault
		payload = faultText
	}

	if r.calls.resolve(req.Corr, payload, faultText) {
		r.log.Append(types.Entry{
			Kind:     types.EntryDelivered,
			MsgKind:  kind,
			Sender:   req.Receiver,
			Receiver: req.Sender,
			Topic:    req.Topic,
			Payload:  payload,
			Corr:     req.Corr,
		})
		if r.metrics != nil {
			r.metrics.Delivered.Inc(req.Topic)
		}
		return
	}

	// The caller gave up (timeout or cancel) before the answer landed.
	e := r.log.Append(types.Entry{
		Kind:     types.EntryError,
		MsgKind:  kind,
		Sender:   req.Receiver,
		Receiver: req.Sender,
		Topic:    req.Topic,
		Payload:  payload,
		Corr:     req.Corr,
		Note:     "orphaned reply: caller abandoned the call",
	})
	r.logger.Warn("orphaned reply discarded",
		"corr", req.Corr, "topic", req.Topic, "caller", req.Sender, "seq", e.Seq)
	if r.metrics != nil {
		r.metrics.Errors.Inc("orphaned_reply")
	}
}
