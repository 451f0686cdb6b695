// Package types contains the core domain types shared across all Archipelago
// internal packages. It deliberately has zero imports of other Archipelago
// packages so that the mailbox, log, isle, and router layers can all import
// from it without creating import cycles.
package types

import "fmt"

// Address is the unique, stable handle of one isle. Addresses are ULID
// strings issued by the router at registration time and are never reused
// while the process is alive, even after the isle unregisters.
type Address string

// Kind classifies a message on the wire.
type Kind uint8

const (
	// KindSend is a plain fire-and-forget message.
	KindSend Kind = iota
	// KindRequest is the outbound half of a Call. The receiver is expected
	// to answer via Delivery.Reply using the message's Corr id.
	KindRequest
	// KindReply is a successful answer to a KindRequest.
	KindReply
	// KindFault is a failed answer to a KindRequest. Payload carries the
	// remote handler's error text.
	KindFault
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindSend:
		return "send"
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	case KindFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Message is the canonical, immutable unit of communication between isles.
//
// Design rules:
//   - Message format is final. Only optional fields may be added. Never
//     rename or remove a field — the wire codec and every exported log entry
//     must stay readable by a future peer across the wire transport.
//   - All timestamps are UTC milliseconds since Unix epoch.
//   - Addresses and correlation ids are ULID strings: time-sortable and
//     globally unique.
//   - Seq and TimestampMs are zero until the router ingests the message;
//     both are assigned at the router's single serialization point, never at
//     the send call site.
type Message struct {
	// Seq is the global sequence number assigned at ingestion. It is the
	// definitive order key: per-receiver delivery order equals Seq order
	// restricted to that receiver.
	Seq uint64 `json:"seq"`

	// TimestampMs is the UTC millisecond at which the router ingested the
	// message. Non-decreasing in Seq order; ties are broken by Seq.
	TimestampMs int64 `json:"timestamp_ms"`

	// Sender and Receiver are isle addresses. The router validates both on
	// every send.
	Sender   Address `json:"sender"`
	Receiver Address `json:"receiver"`

	// Topic selects the receiver's handler.
	Topic string `json:"topic"`

	// Payload is opaque to the framework and immutable by contract: once a
	// message is handed to the router, neither the sender nor the receiver
	// may mutate it. The log stores the same value, not a deep copy.
	Payload any `json:"payload,omitempty"`

	// Kind distinguishes plain sends from request/reply traffic.
	// The numbering is frozen.
	Kind Kind `json:"kind"`

	// Corr correlates a KindRequest with its KindReply or KindFault.
	// Empty for plain sends.
	Corr string `json:"corr,omitempty"`
}

// Clone returns a shallow copy of the message. Payload is shared, which is
// safe under the immutable-by-contract rule.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

// EntryKind classifies an audit-log entry.
type EntryKind uint8

const (
	// EntryDelivered records a message accepted for delivery: it was
	// sequenced, logged, and enqueued onto the receiver's mailbox.
	EntryDelivered EntryKind = iota
	// EntryDroppedCapacity records a message discarded by the Drop overflow
	// policy on a full mailbox. The sender observed a successful send with
	// the Dropped flag set.
	EntryDroppedCapacity
	// EntryUndeliverable records a message that was still queued when its
	// receiver unregistered. The receiver's handler never saw it.
	EntryUndeliverable
	// EntryError records a router-boundary failure: send validation,
	// Fail-policy overflow, dispatch failures, orphaned replies. Note holds
	// the error text.
	EntryError
)

// String returns a human-readable representation of the entry kind.
func (k EntryKind) String() string {
	switch k {
	case EntryDelivered:
		return "delivered"
	case EntryDroppedCapacity:
		return "dropped_capacity"
	case EntryUndeliverable:
		return "undeliverable"
	case EntryError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is one immutable audit-log record. Every message transit and every
// router-boundary failure produces exactly one Entry.
//
// Seq numbering starts at 1 and has no gaps: error and drop entries consume
// sequence numbers like delivered ones, so an unfiltered log read is a
// complete causal history.
type Entry struct {
	// Seq is the global order key. Timestamps alone are not sufficient for
	// tie-breaking under coarse clock resolution.
	Seq uint64 `json:"seq"`

	// TimestampMs is the UTC millisecond of the append. Non-decreasing.
	TimestampMs int64 `json:"timestamp_ms"`

	// Kind says what happened to the message.
	Kind EntryKind `json:"kind"`

	// MsgKind is the Kind of the underlying message (send, request, reply,
	// fault), so the trail distinguishes a request from the reply that
	// answered it.
	MsgKind Kind `json:"msg_kind"`

	Sender   Address `json:"sender"`
	Receiver Address `json:"receiver"`
	Topic    string  `json:"topic"`

	// Payload is the message payload at ingestion time (same value, not a
	// deep copy). Nil for entries that never carried a payload.
	Payload any `json:"payload,omitempty"`

	// Corr ties request entries to reply entries. Empty for plain sends.
	Corr string `json:"corr,omitempty"`

	// Note carries the error text for EntryError entries, empty otherwise.
	Note string `json:"note,omitempty"`
}

// Receipt is what a sender gets back from a successful Send. Seq is the
// sequence number the message (or its drop record) consumed; Dropped reports
// that a Drop-policy mailbox discarded the message instead of queueing it.
type Receipt struct {
	Seq     uint64
	Dropped bool
}

// OverflowPolicy selects what a bounded mailbox does when Enqueue finds it
// full. Unbounded mailboxes (capacity 0) never consult it.
type OverflowPolicy uint8

const (
	// OverflowBlock suspends the sender until space frees. Never loses a
	// message; a sender blocking on its own full mailbox is the caller's
	// deadlock to avoid.
	OverflowBlock OverflowPolicy = iota
	// OverflowFail rejects the enqueue; the sender gets ErrMailboxFull.
	OverflowFail
	// OverflowDrop discards the message, logs EntryDroppedCapacity, and the
	// sender observes success with the Dropped flag set.
	OverflowDrop
)

// String returns a human-readable representation of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case OverflowBlock:
		return "block"
	case OverflowFail:
		return "fail"
	case OverflowDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy maps a config string back to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "block":
		return OverflowBlock, nil
	case "fail":
		return OverflowFail, nil
	case "drop":
		return OverflowDrop, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q (want block, fail, or drop)", s)
	}
}

// FailurePolicy selects what happens to an isle whose handler returns an
// error (or panics) on a plain send. Handler errors on requests are answered
// with a fault reply instead and do not consult this policy.
type FailurePolicy uint8

const (
	// FailFast drains and stops the isle. Processing further messages in a
	// possibly-corrupted local state is the worse failure mode.
	FailFast FailurePolicy = iota
	// Restart re-enters the running state with fresh handler state (Setup is
	// re-run when the isle implements Starter). The failed message is
	// consumed, so a failing handler cannot hot-spin the loop.
	Restart
)

// String returns a human-readable representation of the policy.
func (p FailurePolicy) String() string {
	switch p {
	case FailFast:
		return "fail_fast"
	case Restart:
		return "restart"
	default:
		return "unknown"
	}
}

// ParseFailurePolicy maps a config string back to a policy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "fail_fast":
		return FailFast, nil
	case "restart":
		return Restart, nil
	default:
		return 0, fmt.Errorf("unknown failure policy %q (want fail_fast or restart)", s)
	}
}

// UnhandledPolicy selects what happens when a message's topic matches no
// handler and no default handler is configured.
type UnhandledPolicy uint8

const (
	// UnhandledIgnore logs the miss and continues. Default.
	UnhandledIgnore UnhandledPolicy = iota
	// UnhandledFail terminates the isle via its failure policy.
	UnhandledFail
)

// String returns a human-readable representation of the policy.
func (p UnhandledPolicy) String() string {
	switch p {
	case UnhandledIgnore:
		return "ignore"
	case UnhandledFail:
		return "fail"
	default:
		return "unknown"
	}
}

// ParseUnhandledPolicy maps a config string back to a policy.
func ParseUnhandledPolicy(s string) (UnhandledPolicy, error) {
	switch s {
	case "ignore":
		return UnhandledIgnore, nil
	case "fail":
		return UnhandledFail, nil
	default:
		return 0, fmt.Errorf("unknown unhandled-topic policy %q (want ignore or fail)", s)
	}
}
