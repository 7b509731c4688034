package persistence_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/ironclaw/ironclaw/internal/persistence"
)

func TestThread_AppendPreservesOrder(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	th, err := store.CreateThread(ctx, testUser, testAgent, persistence.SessionKindMain, "cli")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	for i := 0; i < 5; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if _, err := store.AppendMessage(ctx, th.ID, role, fmt.Sprintf("message %d", i), "", 10); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	msgs, err := store.ThreadMessages(ctx, th.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Content != fmt.Sprintf("message %d", i) {
			t.Fatalf("message %d out of order: %q", i, m.Content)
		}
	}
}

func TestThread_ToolCallPairing(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	th, err := store.CreateThread(ctx, testUser, testAgent, persistence.SessionKindMain, "cli")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if _, err := store.AppendMessage(ctx, th.ID, "assistant", `calling weather tool`, "call-1", 8); err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	if _, err := store.AppendMessage(ctx, th.ID, "tool", `{"temp": 21}`, "call-1", 6); err != nil {
		t.Fatalf("append tool result: %v", err)
	}

	msgs, err := store.ThreadMessages(ctx, th.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if msgs[0].ToolCallID != "call-1" || msgs[1].ToolCallID != "call-1" {
		t.Fatal("tool_call_id must pair the call with its result")
	}
}

func TestThread_InvalidSessionKindRejected(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.CreateThread(context.Background(), testUser, testAgent, "broadcast", ""); err == nil {
		t.Fatal("invalid session kind must be rejected")
	}
}

func TestReplaceThreadMessages_BumpsCompactionCount(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	th, err := store.CreateThread(ctx, testUser, testAgent, persistence.SessionKindGroup, "chat-42")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := store.AppendMessage(ctx, th.ID, "user", fmt.Sprintf("turn %d", i), "", 5); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	compacted := []persistence.StoredMessage{
		{Role: "system", Content: "## Conversation Summary\nten turns happened"},
		{Role: "user", Content: "turn 9"},
	}
	if err := store.ReplaceThreadMessages(ctx, th.ID, compacted); err != nil {
		t.Fatalf("replace: %v", err)
	}

	msgs, err := store.ThreadMessages(ctx, th.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected compacted history of 2, got %d", len(msgs))
	}
	got, err := store.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if got.CompactionCount != 1 {
		t.Fatalf("compaction count = %d", got.CompactionCount)
	}

	if err := store.MarkMemoryFlush(ctx, th.ID, got.CompactionCount); err != nil {
		t.Fatalf("mark flush: %v", err)
	}
	got, err = store.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatalf("get thread after flush: %v", err)
	}
	if got.LastMemoryFlushAtCompaction != 1 {
		t.Fatalf("flush generation = %d", got.LastMemoryFlushAtCompaction)
	}
}

func TestSaveMemoryDocument_ContentHashDedup(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	inserted, err := store.SaveMemoryDocument(ctx, testUser, testAgent, "daily/2026-08-24.md", "learned a thing")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !inserted {
		t.Fatal("first write must insert")
	}

	// Identical content from a different agent of the same user is a no-op.
	inserted, err = store.SaveMemoryDocument(ctx, testUser, "agent-other", "daily/2026-08-24.md", "learned a thing")
	if err != nil {
		t.Fatalf("duplicate save: %v", err)
	}
	if inserted {
		t.Fatal("duplicate content must dedup to a no-op")
	}

	docs, err := store.MemoryDocuments(ctx, testUser, "daily/2026-08-24.md", 10)
	if err != nil {
		t.Fatalf("list docs: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	if docs[0].AgentID != testAgent {
		t.Fatalf("attribution must stay with the first writer, got %s", docs[0].AgentID)
	}

	// A different user may hold the same content.
	inserted, err = store.SaveMemoryDocument(ctx, "user-2", testAgent, "daily/2026-08-24.md", "learned a thing")
	if err != nil {
		t.Fatalf("other user save: %v", err)
	}
	if !inserted {
		t.Fatal("dedup is per user, not global")
	}
}
