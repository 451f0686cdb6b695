package types

// status.go — isle lifecycle states and their transition rules.
//
// State diagram:
//
//	CREATED ──► REGISTERED ──► RUNNING ──► DRAINING ──► STOPPED
//	                              │ ▲
//	                              └─┘
//	                           (Restart)
//
// RUNNING → RUNNING is the Restart failure policy re-entering the loop with
// fresh handler state. An isle unregistered before Start goes from REGISTERED
// to STOPPED directly; there is no in-flight handler to wait for. DRAINING
// always completes the in-flight message first; STOPPED is terminal and the
// address is never reused.

// Status is the lifecycle state of one isle.
type Status uint8

const (
	// StatusCreated means the isle value exists but the router does not know
	// about it yet.
	StatusCreated Status = iota
	// StatusRegistered means the isle has an address and a mailbox but its
	// processing loop has not started. Messages sent to it queue up.
	StatusRegistered
	// StatusRunning means the processing loop is dequeuing and dispatching.
	StatusRunning
	// StatusDraining means shutdown was requested: the in-flight handler
	// finishes, then the queued remainder is logged as undeliverable.
	StatusDraining
	// StatusStopped is terminal. The registry keeps a tombstone so sends to
	// the address keep failing with ErrReceiverRetired, never
	// ErrUnknownReceiver.
	StatusStopped
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusRegistered:
		return "registered"
	case StatusRunning:
		return "running"
	case StatusDraining:
		return "draining"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ValidTransition reports whether from → to is a legal lifecycle change.
// Production code drives transitions through the runtime and registry, which
// already enforce the rules.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusCreated:
		return to == StatusRegistered
	case StatusRegistered:
		// Start the loop, or be unregistered before Start and stop directly.
		return to == StatusRunning || to == StatusStopped
	case StatusRunning:
		// RUNNING → RUNNING is a Restart; RUNNING → DRAINING is shutdown or
		// a fail-fast handler error.
		return to == StatusRunning || to == StatusDraining
	case StatusDraining:
		return to == StatusStopped
	case StatusStopped:
		// Terminal.
		return false
	}
	return false
}
