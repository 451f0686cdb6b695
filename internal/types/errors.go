package types

import "errors"

// Sentinel errors for the router boundary. Callers match with errors.Is;
// producing sites wrap with fmt.Errorf("...: %w", ...) to add the failing
// addresses or topic. Every one of these that surfaces from a router
// operation is also written to the audit log as an EntryError.
var (
	// ErrUnknownReceiver means the receiver address was never registered.
	ErrUnknownReceiver = errors.New("unknown receiver address")

	// ErrSenderNotActive means the sender address has been unregistered.
	ErrSenderNotActive = errors.New("sender not active")

	// ErrReceiverRetired means the receiver address was registered once but
	// has since unregistered. Distinct from ErrUnknownReceiver so a sender
	// can tell a typo from a race with shutdown.
	ErrReceiverRetired = errors.New("receiver retired")

	// ErrDuplicateRegistration means the same isle instance was passed to
	// Register twice.
	ErrDuplicateRegistration = errors.New("isle already registered")

	// ErrMailboxFull is the Fail overflow policy rejecting an enqueue.
	ErrMailboxFull = errors.New("mailbox full")

	// ErrUnhandledTopic means a delivered message matched no handler and the
	// isle has no default handler.
	ErrUnhandledTopic = errors.New("no handler for topic")

	// ErrUndeliverable marks messages still queued when their receiver
	// unregistered.
	ErrUndeliverable = errors.New("undeliverable on shutdown")

	// ErrRouterClosed means the router's own shutdown has begun and no new
	// traffic is accepted.
	ErrRouterClosed = errors.New("router closed")

	// ErrCallTimeout means a Call's context expired before a reply arrived.
	ErrCallTimeout = errors.New("call timed out")

	// ErrRemoteFault wraps the error text a remote handler answered a
	// request with.
	ErrRemoteFault = errors.New("remote handler fault")
)
