package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rahul/stepwise/internal/process"
	"github.com/tmc/langchaingo/llms"
)

func newTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	h, err := NewHistoryStore(":memory:")
	if err != nil {
		t.Fatalf("NewHistoryStore failed: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistoryStore_Messages(t *testing.T) {
	h := newTestStore(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	msgs := []struct{ id, role, content string }{
		{"m1", "assistant", "What do you want to accomplish?"},
		{"m2", "user", "Onboard new hires"},
		{"m3", "assistant", "Who runs onboarding?"},
	}
	for i, m := range msgs {
		if err := h.AddMessage("s1", m.id, m.role, m.content, now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.AddMessage("s2", "x", "user", "other session", now); err != nil {
		t.Fatal(err)
	}
	if err := h.UpdateMessage("s1", "m2", "Onboard new engineers", now); err != nil {
		t.Fatal(err)
	}

	history, err := h.GetHistory("s1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}
	if history[0].Role != llms.ChatMessageTypeHuman || history[1].Role != llms.ChatMessageTypeAI {
		t.Errorf("unexpected roles %s, %s", history[0].Role, history[1].Role)
	}
	if txt, _ := history[0].Parts[0].(llms.TextContent); txt.Text != "Onboard new engineers" {
		t.Errorf("expected edited content, got %q", txt.Text)
	}
}

func TestHistoryStore_Processes(t *testing.T) {
	h, err := NewHistoryStore(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	p := process.New("p1", "Onboarding", "desc", now)
	p.Steps = []process.Step{{ID: "step-1", Title: "Send laptop", Status: process.StepPending}}
	if err := h.SaveProcess("s1", p); err != nil {
		t.Fatal(err)
	}

	p.Status = process.StatusInProgress
	p.UpdatedAt = now.Add(time.Minute)
	if err := h.SaveProcess("s1", p); err != nil {
		t.Fatal(err)
	}

	got, err := h.GetProcess("p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != process.StatusInProgress || len(got.Steps) != 1 || got.Steps[0].Title != "Send laptop" {
		t.Errorf("unexpected process %+v", got)
	}

	ids, err := h.ListProcesses("s1")
	if err != nil || len(ids) != 1 || ids[0] != "p1" {
		t.Errorf("unexpected ids %v, %v", ids, err)
	}

	if _, err := h.GetProcess("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
