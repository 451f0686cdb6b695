package auditlog_test

import (
	"testing"

	"github.com/snehjoshi/archipelago/internal/auditlog"
	"github.com/snehjoshi/archipelago/internal/types"
)

// seedLog builds a small mixed trail:
//
//	seq 1  a→b tick   delivered
//	seq 2  b→a tock   delivered
//	seq 3  a→c tick   delivered
//	seq 4  a→b tick   dropped_capacity
//	seq 5  a→ghost x  error
//	seq 6  a→b ask    delivered (request, corr "c1")
func seedLog(t *testing.T) *auditlog.Log {
	t.Helper()
	l := auditlog.New()
	l.Append(types.Entry{Kind: types.EntryDelivered, MsgKind: types.KindSend, Sender: "a", Receiver: "b", Topic: "tick"})
	l.Append(types.Entry{Kind: types.EntryDelivered, MsgKind: types.KindSend, Sender: "b", Receiver: "a", Topic: "tock"})
	l.Append(types.Entry{Kind: types.EntryDelivered, MsgKind: types.KindSend, Sender: "a", Receiver: "c", Topic: "tick"})
	l.Append(types.Entry{Kind: types.EntryDroppedCapacity, MsgKind: types.KindSend, Sender: "a", Receiver: "b", Topic: "tick"})
	l.Append(types.Entry{Kind: types.EntryError, MsgKind: types.KindSend, Sender: "a", Receiver: "ghost", Topic: "x", Note: "unknown receiver"})
	l.Append(types.Entry{Kind: types.EntryDelivered, MsgKind: types.KindRequest, Sender: "a", Receiver: "b", Topic: "ask", Corr: "c1"})
	return l
}

func seqsOf(entries []types.Entry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.Seq
	}
	return out
}

func wantSeqs(t *testing.T, got []types.Entry, want ...uint64) {
	t.Helper()
	gotSeqs := seqsOf(got)
	if len(gotSeqs) != len(want) {
		t.Fatalf("want seqs %v, got %v", want, gotSeqs)
	}
	for i := range want {
		if gotSeqs[i] != want[i] {
			t.Fatalf("want seqs %v, got %v", want, gotSeqs)
		}
	}
}

func TestFilter_ZeroValueMatchesAll(t *testing.T) {
	l := seedLog(t)
	wantSeqs(t, l.Query(auditlog.Filter{}), 1, 2, 3, 4, 5, 6)
}

func TestFilter_BySender(t *testing.T) {
	l := seedLog(t)
	wantSeqs(t, l.Query(auditlog.Filter{Sender: "b"}), 2)
}

func TestFilter_ByReceiver(t *testing.T) {
	l := seedLog(t)
	wantSeqs(t, l.Query(auditlog.Filter{Receiver: "b"}), 1, 4, 6)
}

func TestFilter_ByInvolves(t *testing.T) {
	l := seedLog(t)
	// "a" appears on one side of every entry here.
	wantSeqs(t, l.Query(auditlog.Filter{Involves: "a"}), 1, 2, 3, 4, 5, 6)
	wantSeqs(t, l.Query(auditlog.Filter{Involves: "c"}), 3)
}

func TestFilter_ByTopic(t *testing.T) {
	l := seedLog(t)
	wantSeqs(t, l.Query(auditlog.Filter{Topic: "tick"}), 1, 3, 4)
}

func TestFilter_ByKinds(t *testing.T) {
	l := seedLog(t)
	wantSeqs(t, l.Query(auditlog.Filter{Kinds: []types.EntryKind{types.EntryError}}), 5)
	wantSeqs(t, l.Query(auditlog.Filter{
		Kinds: []types.EntryKind{types.EntryDroppedCapacity, types.EntryError},
	}), 4, 5)
}

func TestFilter_ByCorr(t *testing.T) {
	l := seedLog(t)
	wantSeqs(t, l.Query(auditlog.Filter{Corr: "c1"}), 6)
}

func TestFilter_ByMinSeqAndLimit(t *testing.T) {
	l := seedLog(t)
	wantSeqs(t, l.Query(auditlog.Filter{MinSeq: 4}), 4, 5, 6)
	wantSeqs(t, l.Query(auditlog.Filter{Limit: 2}), 1, 2)
	wantSeqs(t, l.Query(auditlog.Filter{MinSeq: 3, Limit: 2}), 3, 4)
}

func TestFilter_ByTimeRange(t *testing.T) {
	l := seedLog(t)
	snap := l.Snapshot()
	mid := snap[2].TimestampMs

	got := l.Query(auditlog.Filter{SinceMs: mid})
	for _, e := range got {
		if e.TimestampMs < mid {
			t.Fatalf("SinceMs: entry seq %d has ts %d < %d", e.Seq, e.TimestampMs, mid)
		}
	}
	// The boundary entry itself is included.
	found := false
	for _, e := range got {
		if e.Seq == 3 {
			found = true
		}
	}
	if !found {
		t.Error("SinceMs: boundary entry seq 3 missing (range is inclusive)")
	}

	got = l.Query(auditlog.Filter{UntilMs: mid})
	for _, e := range got {
		if e.TimestampMs > mid {
			t.Fatalf("UntilMs: entry seq %d has ts %d > %d", e.Seq, e.TimestampMs, mid)
		}
	}
}

func TestFilter_CombinedFields(t *testing.T) {
	l := seedLog(t)
	wantSeqs(t, l.Query(auditlog.Filter{
		Sender: "a",
		Topic:  "tick",
		Kinds:  []types.EntryKind{types.EntryDelivered},
	}), 1, 3)
}
