package tools_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ironclaw/ironclaw/internal/persistence"
)

func TestLearningRecordAndList(t *testing.T) {
	r, store, ctx := storeRegistry(t)

	out, err := runToolCtx(t, ctx, r, "learning_record",
		`{"rule": "the staging cluster sleeps at night", "confidence": 0.8, "tags": ["infra"]}`)
	if err != nil {
		t.Fatalf("learning_record: %v", err)
	}
	var learning persistence.Learning
	if err := json.Unmarshal([]byte(out), &learning); err != nil {
		t.Fatalf("decode learning: %v", err)
	}
	if learning.Confidence != 0.8 || learning.ObservationCount != 1 {
		t.Fatalf("learning = %+v", learning)
	}
	if learning.Status != persistence.LearningStatusCandidate {
		t.Fatalf("status = %s, want candidate", learning.Status)
	}

	// Only promoted learnings surface in the list.
	if err := store.PromoteLearning(ctx, learning.ID); err != nil {
		t.Fatalf("promote: %v", err)
	}
	out, err = runToolCtx(t, ctx, r, "learning_list", `{}`)
	if err != nil {
		t.Fatalf("learning_list: %v", err)
	}
	if !strings.Contains(out, "staging cluster") {
		t.Fatalf("listing = %q", out)
	}
}

func TestLearningRecordMergesRepeatedRule(t *testing.T) {
	r, _, ctx := storeRegistry(t)

	const args = `{"rule": "retry flaky uploads twice"}`
	if _, err := runToolCtx(t, ctx, r, "learning_record", args); err != nil {
		t.Fatalf("first record: %v", err)
	}
	out, err := runToolCtx(t, ctx, r, "learning_record", args)
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	var learning persistence.Learning
	if err := json.Unmarshal([]byte(out), &learning); err != nil {
		t.Fatalf("decode learning: %v", err)
	}
	if learning.ObservationCount != 2 {
		t.Fatalf("observation count = %d, want 2", learning.ObservationCount)
	}
}

func TestLearningRecordDefaultsConfidence(t *testing.T) {
	r, _, ctx := storeRegistry(t)

	out, err := runToolCtx(t, ctx, r, "learning_record", `{"rule": "plain rule"}`)
	if err != nil {
		t.Fatalf("learning_record: %v", err)
	}
	var learning persistence.Learning
	if err := json.Unmarshal([]byte(out), &learning); err != nil {
		t.Fatalf("decode learning: %v", err)
	}
	if learning.Confidence != 0.5 {
		t.Fatalf("confidence = %v, want default 0.5", learning.Confidence)
	}
}

func TestLearningSearch(t *testing.T) {
	r, _, ctx := storeRegistry(t)

	if _, err := runToolCtx(t, ctx, r, "learning_record",
		`{"rule": "quote paths with spaces in shell commands"}`); err != nil {
		t.Fatalf("record: %v", err)
	}
	out, err := runToolCtx(t, ctx, r, "learning_search", `{"query": "paths"}`)
	if err != nil {
		t.Fatalf("learning_search: %v", err)
	}
	if !strings.Contains(out, "quote paths") {
		t.Fatalf("search hits = %q", out)
	}

	out, err = runToolCtx(t, ctx, r, "learning_search", `{"query": "nonexistent"}`)
	if err != nil {
		t.Fatalf("learning_search: %v", err)
	}
	if strings.Contains(out, "quote paths") {
		t.Fatalf("unexpected hit: %q", out)
	}
}

func TestLearningRecordRejectsBadConfidence(t *testing.T) {
	r, _, ctx := storeRegistry(t)

	if _, err := runToolCtx(t, ctx, r, "learning_record",
		`{"rule": "x", "confidence": 1.5}`); err == nil {
		t.Fatal("confidence above 1 must be rejected")
	}
}
