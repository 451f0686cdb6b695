package auditlog

import "github.com/snehjoshi/archipelago/internal/types"

// Filter selects log entries. The zero value matches every entry; each
// non-zero field narrows the match. All set fields must hold (AND semantics).
type Filter struct {
	// Sender / Receiver match that side exactly.
	Sender   types.Address
	Receiver types.Address

	// Involves matches entries where the address appears on either side.
	Involves types.Address

	// Topic matches exactly.
	Topic string

	// Kinds matches any of the listed entry kinds. Empty = all kinds.
	Kinds []types.EntryKind

	// Corr matches the correlation id, selecting one request/reply exchange.
	Corr string

	// SinceMs / UntilMs bound the entry timestamp, inclusive on both ends.
	// 0 leaves that end open.
	SinceMs int64
	UntilMs int64

	// MinSeq drops entries with a lower sequence number. 0 = from the start.
	MinSeq uint64

	// Limit caps how many entries a query returns. 0 = unlimited.
	Limit int
}

// Matches reports whether e passes the filter. Limit is a query-level cap and
// is not consulted here.
func (f Filter) Matches(e types.Entry) bool {
	if f.Sender != "" && e.Sender != f.Sender {
		return false
	}
	if f.Receiver != "" && e.Receiver != f.Receiver {
		return false
	}
	if f.Involves != "" && e.Sender != f.Involves && e.Receiver != f.Involves {
		return false
	}
	if f.Topic != "" && e.Topic != f.Topic {
		return false
	}
	if f.Corr != "" && e.Corr != f.Corr {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.SinceMs > 0 && e.TimestampMs < f.SinceMs {
		return false
	}
	if f.UntilMs > 0 && e.TimestampMs > f.UntilMs {
		return false
	}
	if f.MinSeq > 0 && e.Seq < f.MinSeq {
		return false
	}
	return true
}
