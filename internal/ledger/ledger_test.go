package ledger

import (
	"testing"
	"time"
)

func TestDecisionLedgerAutoPrunesOldest(t *testing.T) {
	l := NewDecisionLedger(2)
	base := time.Now()
	l.Record("first", "trim_light", base)
	l.Record("second", "trim_light", base.Add(time.Second))
	l.Record("third", "block", base.Add(2*time.Second))

	entries := l.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected ceiling of 2 entries, got %d", len(entries))
	}
	if entries[0].Reason != "second" || entries[1].Reason != "third" {
		t.Fatalf("expected oldest entry pruned, got %+v", entries)
	}
}

func TestPruningLedgerMonotonicAndOrdering(t *testing.T) {
	l := NewPruningLedger(10)
	base := time.Now()
	l.Record(PruningEntry{Strategy: "light", BeforeTokens: 100, AfterTokens: 90, Step: 1, Timestamp: base})
	l.Record(PruningEntry{Strategy: "aggressive", BeforeTokens: 90, AfterTokens: 60, Step: 2, Timestamp: base.Add(time.Second)})

	if !l.MonotonicByTimestamp() {
		t.Fatal("expected strictly increasing timestamps to be monotonic")
	}

	for _, e := range l.Entries() {
		if e.AfterTokens > e.BeforeTokens {
			t.Fatalf("invariant violated: after_tokens > before_tokens in %+v", e)
		}
	}
}

func TestPruningLedgerDetectsNonMonotonic(t *testing.T) {
	l := NewPruningLedger(10)
	base := time.Now()
	l.Record(PruningEntry{Timestamp: base})
	l.Record(PruningEntry{Timestamp: base.Add(-time.Second)})

	if l.MonotonicByTimestamp() {
		t.Fatal("expected out-of-order timestamps to be detected as non-monotonic")
	}
}
