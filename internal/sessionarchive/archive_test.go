package sessionarchive

import (
	"errors"
	"testing"
	"time"

	"github.com/vtcode/turndriver/pkg/turnmodel"
)

func testArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := New(Config{Enabled: true, Dir: t.TempDir(), MaxSnapshots: 10})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func userMessage(text string) turnmodel.Message {
	return turnmodel.Message{
		Role:    turnmodel.RoleUser,
		Content: []turnmodel.Part{{Type: turnmodel.PartText, Text: text}},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	a := testArchive(t)
	id := NewSessionID()

	saved, err := a.Save(Snapshot{
		Identifier:    id,
		Messages:      []turnmodel.Message{userMessage("hello")},
		Mode:          ModeEdit,
		ProviderID:    "anthropic",
		ModelID:       "claude-sonnet-4-20250514",
		WorkspacePath: "/work",
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.Sequence != 1 {
		t.Errorf("first snapshot should be sequence 1, got %d", saved.Sequence)
	}

	loaded, err := a.Load(id)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ProviderID != "anthropic" || loaded.ModelID != saved.ModelID || loaded.Mode != ModeEdit {
		t.Errorf("snapshot fields lost: %+v", loaded)
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].Text() != "hello" {
		t.Errorf("messages lost: %+v", loaded.Messages)
	}
}

// TestSnapshotResumeSnapshotEquivalence covers the round-trip property:
// snapshot -> resume -> snapshot yields an equivalent snapshot modulo
// timestamps and sequence.
func TestSnapshotResumeSnapshotEquivalence(t *testing.T) {
	a := testArchive(t)
	id := NewSessionID()

	original := Snapshot{
		Identifier:    id,
		Messages:      []turnmodel.Message{userMessage("one"), userMessage("two")},
		Mode:          ModePlan,
		ProviderID:    "openai",
		ModelID:       "gpt-4o",
		WorkspacePath: "/work",
	}
	if _, err := a.Save(original); err != nil {
		t.Fatal(err)
	}

	snapshot, history, err := a.Resume(id)
	if err != nil {
		t.Fatal(err)
	}

	resaved, err := a.Save(Snapshot{
		Identifier:    snapshot.Identifier,
		Messages:      history,
		Mode:          snapshot.Mode,
		ProviderID:    snapshot.ProviderID,
		ModelID:       snapshot.ModelID,
		WorkspacePath: snapshot.WorkspacePath,
	})
	if err != nil {
		t.Fatal(err)
	}

	if resaved.Mode != original.Mode || resaved.ProviderID != original.ProviderID ||
		resaved.ModelID != original.ModelID || resaved.WorkspacePath != original.WorkspacePath {
		t.Errorf("resaved snapshot differs: %+v", resaved)
	}
	if len(resaved.Messages) != len(original.Messages) {
		t.Fatalf("message count differs: %d vs %d", len(resaved.Messages), len(original.Messages))
	}
	for i := range resaved.Messages {
		if resaved.Messages[i].Text() != original.Messages[i].Text() {
			t.Errorf("message %d differs", i)
		}
	}
}

func TestResumeFallsBackToProgressMessages(t *testing.T) {
	a := testArchive(t)
	id := NewSessionID()

	if _, err := a.Save(Snapshot{
		Identifier: id,
		Mode:       ModeEdit,
		Progress: Progress{
			RecentMessages: []turnmodel.Message{userMessage("recovered")},
		},
	}); err != nil {
		t.Fatal(err)
	}

	_, history, err := a.Resume(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Text() != "recovered" {
		t.Errorf("expected progress fallback history, got %+v", history)
	}
}

func TestFork(t *testing.T) {
	a := testArchive(t)
	id := NewSessionID()

	if _, err := a.Save(Snapshot{
		Identifier: id,
		Messages:   []turnmodel.Message{userMessage("base")},
		Mode:       ModeEdit,
		ProviderID: "anthropic",
	}); err != nil {
		t.Fatal(err)
	}

	fork, err := a.Fork(id)
	if err != nil {
		t.Fatal(err)
	}
	if !fork.IsFork {
		t.Error("fork must be marked IsFork")
	}
	if fork.ForkedFrom != id {
		t.Errorf("fork lineage lost: %q", fork.ForkedFrom)
	}
	if fork.Identifier == id {
		t.Error("fork must get a fresh identifier")
	}
	if len(fork.Messages) != 1 || fork.Messages[0].Text() != "base" {
		t.Errorf("fork must inherit the parent history, got %+v", fork.Messages)
	}

	// Both sessions are listed independently.
	listings, err := a.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(listings) != 2 {
		t.Fatalf("expected 2 sessions listed, got %d", len(listings))
	}
}

func TestForkUnknownSession(t *testing.T) {
	a := testArchive(t)
	if _, err := a.Fork("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSnapshotPruning(t *testing.T) {
	a, err := New(Config{Enabled: true, Dir: t.TempDir(), MaxSnapshots: 3})
	if err != nil {
		t.Fatal(err)
	}
	id := NewSessionID()

	for i := 0; i < 6; i++ {
		if _, err := a.Save(Snapshot{Identifier: id, Mode: ModeEdit}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := a.readIndexLocked(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected index pruned to 3, got %d", len(entries))
	}
	if entries[len(entries)-1].Sequence != 6 {
		t.Errorf("latest snapshot must survive pruning, got sequence %d", entries[len(entries)-1].Sequence)
	}

	// The latest snapshot still loads after pruning.
	loaded, err := a.Load(id)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Sequence != 6 {
		t.Errorf("Load() = sequence %d, want 6", loaded.Sequence)
	}
}

func TestProgressRingBounded(t *testing.T) {
	a := testArchive(t)
	id := NewSessionID()

	var entries []ProgressEntry
	for i := 0; i < maxProgressEntries+10; i++ {
		entries = append(entries, ProgressEntry{Summary: "step", Timestamp: time.Now()})
	}
	saved, err := a.Save(Snapshot{Identifier: id, Progress: Progress{Entries: entries}})
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.Progress.Entries) != maxProgressEntries {
		t.Errorf("progress ring not bounded: %d entries", len(saved.Progress.Entries))
	}
}
