package tui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rahul/stepwise/internal/agent"
	"github.com/rahul/stepwise/internal/chat"
	"github.com/rahul/stepwise/internal/process"
	"github.com/rahul/stepwise/internal/wizard"
)

type stubRefiner struct{}

func (stubRefiner) ClarifyQuestions(ctx context.Context, idea string) ([]string, error) {
	return []string{"Who signs off?"}, nil
}

func (stubRefiner) Refine(ctx context.Context, request string) (agent.Refinement, error) {
	return agent.Refinement{Rationale: "Names a signer.", EnhancedPrompt: "The lead signs off on releases.", Recognized: true}, nil
}

func (stubRefiner) Summarize(ctx context.Context, prompt string) (string, error) {
	return "Process to ship releases", nil
}

type stubPlanner struct{}

func (stubPlanner) PlanSteps(ctx context.Context, prompt string) ([]process.Step, error) {
	return []process.Step{{ID: "tag", Title: "Tag the release"}, {ID: "notes", Title: "Write notes", HumanInteractionRequired: true}}, nil
}

func newTestModel() Model {
	w := wizard.New("local", wizard.Deps{
		Refiner:     stubRefiner{},
		Generator:   process.NewGenerator(stubPlanner{}),
		ChatOptions: []chat.Option{chat.WithPacer(func(d time.Duration, fn func()) { fn() })},
	})
	return New(context.Background(), w, nil, time.Second)
}

// press sends a key and runs the resulting command to completion.
func press(t *testing.T, m Model, key tea.KeyMsg) Model {
	t.Helper()
	next, cmd := m.Update(key)
	m = next.(Model)
	if cmd == nil {
		return m
	}
	msg := cmd()
	if done, ok := msg.(doneMsg); ok {
		next, _ = m.Update(done)
		m = next.(Model)
	}
	return m
}

func typeText(m Model, text string) Model {
	m.input.SetValue(text)
	return m
}

func TestModel_RefineAndExecute(t *testing.T) {
	m := newTestModel()
	enter := tea.KeyMsg{Type: tea.KeyEnter}

	if !strings.Contains(m.View(), "enter start") {
		t.Fatal("expected welcome screen")
	}
	m = press(t, m, enter)
	if m.wizard.Phase() != wizard.PhaseRefinement {
		t.Fatalf("expected refinement, got %s", m.wizard.Phase())
	}

	m = press(t, typeText(m, "Ship releases"), enter)
	if !strings.Contains(m.View(), "Who signs off?") {
		t.Errorf("expected question in view:\n%s", m.View())
	}
	m = press(t, typeText(m, "The lead"), enter)
	if !strings.Contains(m.View(), "The lead signs off on releases.") {
		t.Errorf("expected enhanced prompt in view:\n%s", m.View())
	}

	m = press(t, m, tea.KeyMsg{Type: tea.KeyCtrlE})
	if m.input.Value() != "The lead signs off on releases." {
		t.Errorf("expected edit prefill, got %q", m.input.Value())
	}
	m.input.SetValue("")

	m = press(t, m, tea.KeyMsg{Type: tea.KeyCtrlU})
	if m.wizard.Phase() != wizard.PhaseReview || !strings.Contains(m.View(), "Tag the release") {
		t.Fatalf("expected review screen, got %s:\n%s", m.wizard.Phase(), m.View())
	}

	m = press(t, m, tea.KeyMsg{Type: tea.KeyCtrlA})
	m = press(t, m, tea.KeyMsg{Type: tea.KeyCtrlD})
	if !strings.Contains(m.View(), "Current: Write notes") {
		t.Errorf("expected second step current:\n%s", m.View())
	}

	m = press(t, m, enter)
	if m.notice != "Please type something first." {
		t.Errorf("expected empty input notice, got %q", m.notice)
	}
	m = press(t, typeText(m, "Fixed two bugs"), enter)
	if !strings.Contains(m.View(), "Process complete.") {
		t.Errorf("expected completion:\n%s", m.View())
	}
}

func TestModel_BackAndQuit(t *testing.T) {
	m := newTestModel()
	m = press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	m = press(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.wizard.Phase() != wizard.PhaseWelcome {
		t.Errorf("esc should go back, got %s", m.wizard.Phase())
	}

	m = press(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if !strings.Contains(m.notice, "not available") {
		t.Errorf("expected wrong phase notice, got %q", m.notice)
	}

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil || !next.(Model).quitting {
		t.Error("ctrl+c should quit")
	}
}

func TestModel_IgnoresKeysWhileBusy(t *testing.T) {
	m := newTestModel()
	m.busy = true
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil {
		t.Error("expected no command while busy")
	}
}
