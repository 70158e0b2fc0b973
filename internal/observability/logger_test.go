package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogger_WritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir)
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.LogPhase("s1", "chat", "initial", "clarify")
	l.LogLLM("s1", "clarify", "idea", "1. Q?")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	var evt Event
	if err := json.Unmarshal([]byte(lines[0]), &evt); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if evt.Type != EventTypePhase || evt.SessionID != "s1" {
		t.Errorf("unexpected event: %+v", evt)
	}

	data, err := os.ReadFile(filepath.Join(dir, "llm.jsonl"))
	if err != nil {
		t.Fatalf("expected llm log file: %v", err)
	}
	if !strings.Contains(string(data), `"call_site":"clarify"`) {
		t.Errorf("llm log missing call site: %s", data)
	}
}

func TestLogger_NilIsSafe(t *testing.T) {
	var l *Logger
	l.LogSession("s", "created")
	l.SetOutput(nil)
}

func TestLogger_Rotates(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir)
	l.SetOutput(&bytes.Buffer{})
	l.maxSize = 10

	l.LogLLM("s", "refine", "p", strings.Repeat("x", 50))
	l.LogLLM("s", "refine", "p", "second")

	if _, err := os.Stat(filepath.Join(dir, "llm.jsonl.old")); err != nil {
		t.Errorf("expected rotated file: %v", err)
	}
}

func TestStatus(t *testing.T) {
	SetSessions(3)
	SetLastAction("submit")
	Heartbeat()
	s := GetStatus()
	if s.ActiveSessions != 3 || s.LastAction != "submit" || s.Health != "healthy" {
		t.Errorf("unexpected status: %+v", s)
	}
}
