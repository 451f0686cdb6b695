// Package mailbox implements the per-isle FIFO queue.
//
// A mailbox is a two-party structure: many router goroutines enqueue, exactly
// one isle loop dequeues. Ordering is the whole point — the enqueue critical
// section runs the caller-supplied sequencing callback, so global sequence
// assignment and queue insertion are one atomic step and per-receiver
// delivery order equals assignment order by construction.
package mailbox

import (
	"container/list"
	"context"
	"sync"

	"github.com/snehjoshi/archipelago/internal/types"
)

// ─── Per-mailbox config ───────────────────────────────────────────────────────

// Config holds the tunables for a single mailbox.
// The zero value is an unbounded mailbox.
type Config struct {
	// Capacity is the maximum number of queued messages. 0 = unbounded.
	Capacity int

	// Overflow selects what Enqueue does when the mailbox is full.
	// Only consulted when Capacity > 0.
	Overflow types.OverflowPolicy
}

// ─── Mailbox ──────────────────────────────────────────────────────────────────

// Mailbox is a concurrency-safe FIFO of messages for exactly one isle.
//
// Architecture:
//   - "buf" is a linked list of *types.Message (FIFO order, cheap pop-front).
//   - notEmpty wakes the single dequeuing loop; notFull wakes senders blocked
//     by the Block overflow policy.
//   - Retire is the only cancellation primitive: it wakes every waiter and
//     hands the undrained remainder to its first caller exactly once.
//
// All methods are safe for concurrent use.
type Mailbox struct {
	cfg Config

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      *list.List // elements are *types.Message
	retired  bool
}

// New creates an open mailbox with the given config.
func New(cfg Config) *Mailbox {
	m := &Mailbox{
		cfg: cfg,
		buf: list.New(),
	}
	m.notEmpty = sync.NewCond(&m.mu)
	m.notFull = sync.NewCond(&m.mu)
	return m
}

// ─── Enqueue ──────────────────────────────────────────────────────────────────

// Enqueue appends msg, running exactly one of the two callbacks inside the
// critical section:
//
//   - onAccept fires when the message is queued. The router uses it to assign
//     the global sequence number and write the delivered log entry, so seq
//     order equals queue order for this receiver no matter how senders
//     interleave.
//   - onDrop fires when a full mailbox discards the message under the Drop
//     policy; the message is sequenced and logged but never queued. Enqueue
//     then returns dropped=true with a nil error.
//
// Under the Fail policy a full mailbox returns types.ErrMailboxFull and
// neither callback runs. Under the Block policy Enqueue suspends the caller
// until space frees or the mailbox retires. A retired mailbox always returns
// types.ErrReceiverRetired.
func (m *Mailbox) Enqueue(msg *types.Message, onAccept, onDrop func(*types.Message)) (dropped bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retired {
		return false, types.ErrReceiverRetired
	}

	if m.full() {
		switch m.cfg.Overflow {
		case types.OverflowFail:
			return false, types.ErrMailboxFull

		case types.OverflowDrop:
			if onDrop != nil {
				onDrop(msg)
			}
			return true, nil

		case types.OverflowBlock:
			for m.full() && !m.retired {
				m.notFull.Wait()
			}
			if m.retired {
				return false, types.ErrReceiverRetired
			}
		}
	}

	if onAccept != nil {
		onAccept(msg)
	}
	m.buf.PushBack(msg)
	m.notEmpty.Signal()
	return false, nil
}

// ─── Dequeue ──────────────────────────────────────────────────────────────────

// Dequeue pops the oldest message, blocking while the mailbox is empty.
// Once the mailbox retires, Dequeue returns types.ErrReceiverRetired even if
// messages remain queued: the remainder belongs to Retire's caller, which
// records it as undeliverable.
//
// Only the owning isle's loop may call Dequeue.
func (m *Mailbox) Dequeue() (*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.buf.Len() == 0 && !m.retired {
		m.notEmpty.Wait()
	}
	if m.retired {
		return nil, types.ErrReceiverRetired
	}

	front := m.buf.Front()
	m.buf.Remove(front)
	m.notFull.Signal()
	return front.Value.(*types.Message), nil
}

// DequeueContext is Dequeue with cancellation, for loop-less consumers such
// as clients that receive on a caller-controlled deadline. Exactly one of
// message, ctx.Err(), or types.ErrReceiverRetired is returned; a message is
// never both returned and lost.
func (m *Mailbox) DequeueContext(ctx context.Context) (*types.Message, error) {
	// The waker re-checks ctx under m.mu, so a Broadcast between Wait and
	// re-lock cannot be missed.
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.notEmpty.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	for m.buf.Len() == 0 && !m.retired && ctx.Err() == nil {
		m.notEmpty.Wait()
	}
	switch {
	case m.retired: // Retire drained the buffer; remainder belongs to its caller
		return nil, types.ErrReceiverRetired
	case m.buf.Len() == 0:
		return nil, ctx.Err()
	}

	front := m.buf.Front()
	m.buf.Remove(front)
	m.notFull.Signal()
	return front.Value.(*types.Message), nil
}

// ─── Retire ───────────────────────────────────────────────────────────────────

// Retire closes the mailbox: subsequent enqueues and dequeues fail with
// types.ErrReceiverRetired and every blocked waiter wakes. The first call
// returns the undrained remainder in queue order; later calls return nil.
func (m *Mailbox) Retire() []*types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retired {
		return nil
	}
	m.retired = true

	remainder := make([]*types.Message, 0, m.buf.Len())
	for e := m.buf.Front(); e != nil; e = e.Next() {
		remainder = append(remainder, e.Value.(*types.Message))
	}
	m.buf.Init()

	m.notEmpty.Broadcast()
	m.notFull.Broadcast()
	return remainder
}

// ─── Introspection ────────────────────────────────────────────────────────────

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Len()
}

// Cap returns the configured capacity. 0 = unbounded.
func (m *Mailbox) Cap() int { return m.cfg.Capacity }

// Retired reports whether the mailbox has been retired.
func (m *Mailbox) Retired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retired
}

// Peek returns copies of up to n messages from the head without removing
// them. Safe to call from any goroutine; never perturbs delivery.
func (m *Mailbox) Peek(n int) []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peekLocked(n)
}

// Snapshot returns the depth and up to n head messages in one critical
// section, so inspection cannot report a depth from one instant and a head
// from another.
func (m *Mailbox) Snapshot(n int) (depth int, head []types.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Len(), m.peekLocked(n)
}

func (m *Mailbox) peekLocked(n int) []types.Message {
	if n > m.buf.Len() {
		n = m.buf.Len()
	}
	if n <= 0 {
		return nil
	}
	head := make([]types.Message, 0, n)
	for e := m.buf.Front(); e != nil && len(head) < n; e = e.Next() {
		head = append(head, *e.Value.(*types.Message))
	}
	return head
}

// full reports whether a bounded mailbox is at capacity. Callers hold m.mu.
func (m *Mailbox) full() bool {
	return m.cfg.Capacity > 0 && m.buf.Len() >= m.cfg.Capacity
}
