package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/vinayprograms/agentkit/llm"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndLoad(t *testing.T) {
	store := tempStore(t)

	messages := []llm.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	raw, err := MarshalMessages(messages)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Save(Checkpoint{
		SessionID:         "sess-1",
		RunID:             "run-1",
		Turn:              3,
		MessagesJSON:      raw,
		TotalInputTokens:  100,
		TotalOutputTokens: 50,
	}); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.LoadLatest("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil {
		t.Fatal("expected a checkpoint")
	}
	if loaded.Turn != 3 || loaded.TotalInputTokens != 100 || loaded.TotalOutputTokens != 50 {
		t.Errorf("loaded = %+v", loaded)
	}

	restored, err := UnmarshalMessages(loaded.MessagesJSON)
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 2 || restored[1].Content != "hi there" {
		t.Errorf("messages not restored: %+v", restored)
	}
}

func TestSaveSupersedesPreviousSnapshot(t *testing.T) {
	store := tempStore(t)

	for turn := 1; turn <= 3; turn++ {
		if err := store.Save(Checkpoint{
			SessionID:    "sess-1",
			RunID:        "run-1",
			Turn:         turn,
			MessagesJSON: "[]",
			Timestamp:    time.Now().Add(time.Duration(turn) * time.Millisecond),
		}); err != nil {
			t.Fatal(err)
		}
	}

	loaded, err := store.LoadLatest("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Turn != 3 {
		t.Errorf("turn = %d, want the latest snapshot", loaded.Turn)
	}

	// Only one row survives per run.
	var count int
	if err := store.db.QueryRow(
		"SELECT COUNT(*) FROM checkpoints WHERE session_id = ? AND run_id = ?",
		"sess-1", "run-1",
	).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1", count)
	}
}

func TestLoadLatestPicksNewestAcrossRuns(t *testing.T) {
	store := tempStore(t)

	base := time.Now()
	if err := store.Save(Checkpoint{
		SessionID: "sess-1", RunID: "run-1", Turn: 5, MessagesJSON: "[]",
		Timestamp: base,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(Checkpoint{
		SessionID: "sess-1", RunID: "run-2", Turn: 2, MessagesJSON: "[]",
		Timestamp: base.Add(time.Second),
	}); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.LoadLatest("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.RunID != "run-2" {
		t.Errorf("run = %s, want the newer run-2", loaded.RunID)
	}
}

func TestLoadMissingSessionReturnsNil(t *testing.T) {
	store := tempStore(t)
	loaded, err := store.LoadLatest("nope")
	if err != nil {
		t.Fatal(err)
	}
	if loaded != nil {
		t.Errorf("expected nil for an unknown session, got %+v", loaded)
	}
}

func TestDelete(t *testing.T) {
	store := tempStore(t)

	for _, run := range []string{"run-1", "run-2"} {
		if err := store.Save(Checkpoint{
			SessionID: "sess-1", RunID: run, Turn: 1, MessagesJSON: "[]",
		}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.DeleteRun("sess-1", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("DeleteRun removed %d rows, want 1", n)
	}

	n, err = store.Delete("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Delete removed %d rows, want the remaining 1", n)
	}

	loaded, err := store.LoadLatest("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded != nil {
		t.Error("all checkpoints should be gone")
	}
}

func TestCorruptMessagesFailLoudly(t *testing.T) {
	if _, err := UnmarshalMessages("{not json"); err == nil {
		t.Error("corrupt message JSON must surface an error")
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(Checkpoint{
		SessionID: "sess-1", RunID: "run-1", Turn: 7, MessagesJSON: "[]",
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	loaded, err := reopened.LoadLatest("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil || loaded.Turn != 7 {
		t.Errorf("checkpoint did not survive reopen: %+v", loaded)
	}
}
