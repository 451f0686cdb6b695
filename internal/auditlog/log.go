// Package auditlog implements the append-only message trail.
//
// Every message transit and every router-boundary failure becomes exactly one
// Entry here. Append is the router's single serialization point: it assigns
// the global sequence number and timestamp under one mutex, so the log IS the
// definitive order of the system. Entries are immutable once appended and are
// never compacted or truncated while the process lives; exporters persist and
// trim out of band.
package auditlog

import (
	"sync"
	"time"

	"github.com/snehjoshi/archipelago/internal/types"
)

// ─── Log ──────────────────────────────────────────────────────────────────────

// Log is the in-memory append-only entry store.
//
// Storage is a plain slice: Seq numbering starts at 1 with no gaps, so the
// entry with sequence s always lives at index s-1 and cursor reads (Since)
// are O(1) slicing instead of a scan. Readers copy entries out; they never
// alias the backing array across an unlock.
type Log struct {
	mu      sync.Mutex
	entries []types.Entry
	lastMs  int64

	// per-kind tallies, maintained on append
	delivered     uint64
	dropped       uint64
	undeliverable uint64
	errors        uint64
}

// New creates an empty log.
func New() *Log {
	return &Log{}
}

// ─── Append ───────────────────────────────────────────────────────────────────

// Append stamps e with the next sequence number and the current UTC
// millisecond, stores it, and returns the completed entry.
//
// Sequence numbers start at 1 and never skip: error and drop entries consume
// numbers like delivered ones. Timestamps are clamped non-decreasing so that
// ordering by Seq never disagrees with ordering by time; ties are broken by
// Seq.
func (l *Log) Append(e types.Entry) types.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < l.lastMs {
		now = l.lastMs
	}
	l.lastMs = now

	e.Seq = uint64(len(l.entries)) + 1
	e.TimestampMs = now
	l.entries = append(l.entries, e)

	switch e.Kind {
	case types.EntryDelivered:
		l.delivered++
	case types.EntryDroppedCapacity:
		l.dropped++
	case types.EntryUndeliverable:
		l.undeliverable++
	case types.EntryError:
		l.errors++
	}
	return e
}

// ─── Reads ────────────────────────────────────────────────────────────────────

// Snapshot returns a copy of every entry appended so far, in sequence order.
// The copy is a consistent prefix: concurrent appends land after it.
func (l *Log) Snapshot() []types.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]types.Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Query returns the entries matching f, in sequence order, against a
// consistent prefix of the log. A zero Filter matches everything.
func (l *Log) Query(f Filter) []types.Entry {
	var out []types.Entry
	l.ForEach(f, func(e types.Entry) error {
		out = append(out, e)
		return nil
	})
	return out
}

// ForEach streams the entries matching f to fn in sequence order, without
// copying the whole log. The prefix is fixed when iteration starts; entries
// appended afterwards are not visited. The lock is released between entries,
// so fn may itself append (handlers logging while the audit trail is read).
// A non-nil error from fn stops iteration and is returned.
func (l *Log) ForEach(f Filter, fn func(types.Entry) error) error {
	l.mu.Lock()
	n := len(l.entries)
	l.mu.Unlock()

	// Seq is index+1, so f.MinSeq positions the start directly.
	i := 0
	if f.MinSeq > 1 {
		i = int(f.MinSeq) - 1
	}

	matched := 0
	for ; i < n; i++ {
		l.mu.Lock()
		e := l.entries[i]
		l.mu.Unlock()

		if !f.Matches(e) {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
		matched++
		if f.Limit > 0 && matched >= f.Limit {
			return nil
		}
	}
	return nil
}

// Since returns up to limit entries with sequence numbers strictly greater
// than seq, in sequence order. It is the cursor primitive for exporters:
// resume by passing the Seq of the last entry you durably stored.
// limit <= 0 means no limit.
func (l *Log) Since(seq uint64, limit int) []types.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if seq >= uint64(len(l.entries)) {
		return nil
	}
	rest := l.entries[seq:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([]types.Entry, len(rest))
	copy(out, rest)
	return out
}

// ─── Introspection ────────────────────────────────────────────────────────────

// Len returns the number of entries appended so far.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// LastSeq returns the highest assigned sequence number, 0 when empty.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.entries))
}

// Stats is a point-in-time tally of the log by entry kind.
type Stats struct {
	Total         uint64 `json:"total"`
	Delivered     uint64 `json:"delivered"`
	Dropped       uint64 `json:"dropped"`
	Undeliverable uint64 `json:"undeliverable"`
	Errors        uint64 `json:"errors"`
}

// Stats returns the current tallies.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Total:         uint64(len(l.entries)),
		Delivered:     l.delivered,
		Dropped:       l.dropped,
		Undeliverable: l.undeliverable,
		Errors:        l.errors,
	}
}
