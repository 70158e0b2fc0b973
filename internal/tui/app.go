// Package tui is a terminal client for a single local wizard session.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rahul/stepwise/internal/chat"
	"github.com/rahul/stepwise/internal/process"
	"github.com/rahul/stepwise/internal/wizard"
)

// doneMsg reports the end of a background action.
type doneMsg struct {
	action  string
	prefill string
	err     error
}

// eventMsg wraps a wizard event so paced messages redraw the screen.
type eventMsg wizard.Event

type Model struct {
	ctx     context.Context
	wizard  *wizard.Wizard
	events  <-chan wizard.Event
	timeout time.Duration

	input    textinput.Model
	busy     bool
	notice   string
	width    int
	quitting bool
}

// New builds the model. events may be nil; when set it should carry the
// wizard's events so paced questions show up without a keypress.
func New(ctx context.Context, w *wizard.Wizard, events <-chan wizard.Event, timeout time.Duration) Model {
	ti := textinput.New()
	ti.Placeholder = "Type your reply..."
	ti.CharLimit = 4000
	ti.Focus()
	return Model{
		ctx:     ctx,
		wizard:  w,
		events:  events,
		timeout: timeout,
		input:   ti,
		width:   80,
	}
}

// Run starts the program and blocks until the user quits.
func Run(ctx context.Context, w *wizard.Wizard, events <-chan wizard.Event, timeout time.Duration) error {
	p := tea.NewProgram(New(ctx, w, events, timeout), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForEvent())
}

func (m Model) waitForEvent() tea.Cmd {
	if m.events == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-m.events
		if !ok {
			return nil
		}
		return eventMsg(e)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.input.Width = msg.Width - 4
		return m, nil
	case eventMsg:
		return m, m.waitForEvent()
	case doneMsg:
		m.busy = false
		m.notice = ""
		if msg.err != nil {
			// Banners already cover policy denials and completion failures.
			if snap := m.wizard.Snapshot(); snap.Banner == "" && snap.Chat.Error == "" {
				m.notice = describe(msg.err)
			}
		}
		if msg.prefill != "" {
			m.input.SetValue(msg.prefill)
			m.input.CursorEnd()
		}
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		m.quitting = true
		return m, tea.Quit
	}
	if m.busy {
		return m, nil
	}
	w := m.wizard

	switch msg.String() {
	case "enter":
		text := strings.TrimSpace(m.input.Value())
		m.input.SetValue("")
		switch w.Phase() {
		case wizard.PhaseWelcome:
			return m.run("start", func(context.Context) error { return w.Start() })
		case wizard.PhaseExecution:
			return m.run("input", func(context.Context) error {
				cur, err := currentStep(w)
				if err != nil {
					return err
				}
				return w.SubmitHumanInput(cur.ID, text)
			})
		default:
			return m.run("submit", func(ctx context.Context) error { return w.Submit(ctx, text) })
		}
	case "ctrl+r":
		return m.run("start over", func(context.Context) error { return w.StartOver() })
	case "ctrl+t":
		return m.run("try again", func(context.Context) error {
			_, err := w.TryAgain()
			return err
		})
	case "ctrl+e":
		m.busy = true
		return m, func() tea.Msg {
			prefill, err := w.Edit()
			return doneMsg{action: "edit", prefill: prefill, err: err}
		}
	case "ctrl+u":
		return m.run("use prompt", func(ctx context.Context) error {
			_, err := w.UsePrompt(ctx)
			return err
		})
	case "ctrl+a":
		return m.run("approve", func(context.Context) error { return w.Approve() })
	case "ctrl+d":
		return m.run("complete step", func(context.Context) error {
			cur, err := currentStep(w)
			if err != nil {
				return err
			}
			return w.CompleteStep(cur.ID)
		})
	case "esc":
		return m.run("back", func(context.Context) error { return w.Back() })
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// run executes fn as a command with the request timeout applied.
func (m Model) run(action string, fn func(ctx context.Context) error) (tea.Model, tea.Cmd) {
	m.busy = true
	m.notice = ""
	ctx, timeout := m.ctx, m.timeout
	return m, func() tea.Msg {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return doneMsg{action: action, err: fn(ctx)}
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	snap := m.wizard.Snapshot()
	var b strings.Builder
	b.WriteString(titleStyle.Render("stepwise") + " " + headerStyle.Render(string(snap.Phase)) + "\n\n")

	switch snap.Phase {
	case wizard.PhaseWelcome:
		b.WriteString("Turn a rough idea into a reviewed, step-by-step process.\n\n")
		b.WriteString(helpStyle.Render("enter start • ctrl+c quit"))
		return b.String()
	case wizard.PhaseRefinement, wizard.PhaseGenerating:
		m.viewChat(&b, snap.Chat)
	case wizard.PhaseReview, wizard.PhaseExecution:
		m.viewProcess(&b, snap)
	}

	for _, banner := range []string{snap.Banner, snap.Chat.Error, m.notice} {
		if banner != "" && snap.Phase != wizard.PhaseWelcome {
			b.WriteString(bannerStyle.Render(banner) + "\n")
		}
	}
	if m.busy || snap.Chat.Loading || snap.Phase == wizard.PhaseGenerating {
		b.WriteString(dimStyle.Render("thinking...") + "\n")
	}
	b.WriteString("\n" + m.input.View() + "\n")
	b.WriteString(helpStyle.Render(helpLine(snap.Phase)))
	return b.String()
}

func (m Model) viewChat(b *strings.Builder, c chat.Snapshot) {
	for _, msg := range c.Messages {
		if msg.Role == chat.RoleUser {
			b.WriteString(userRoleStyle.Render(" YOU ") + "\n")
			b.WriteString(" " + msg.Content + "\n\n")
			continue
		}
		b.WriteString(assistantRoleStyle.Render(" ASSISTANT ") + "\n")
		for _, line := range strings.Split(msg.Content, "\n") {
			b.WriteString(" " + assistantTextStyle.Render(line) + "\n")
		}
		b.WriteString("\n")
	}
	if c.Summary != "" {
		b.WriteString(dimStyle.Render("Summary: "+c.Summary) + "\n")
	}
}

func (m Model) viewProcess(b *strings.Builder, snap wizard.Snapshot) {
	p := snap.Process
	if p == nil {
		return
	}
	b.WriteString(p.Render() + "\n\n")
	if cur := p.Current(); cur != nil {
		b.WriteString(currentStepStyle.Render("Current: "+cur.Title) + "\n")
		if cur.Description != "" {
			b.WriteString(" " + cur.Description + "\n")
		}
		if cur.Status == process.StepWaitingForHuman {
			b.WriteString(dimStyle.Render("Type your input and press enter.") + "\n")
		}
	}
	if p.Status == process.StatusCompleted {
		b.WriteString(currentStepStyle.Render("Process complete.") + "\n")
	}
}

func helpLine(p wizard.Phase) string {
	switch p {
	case wizard.PhaseRefinement:
		return "enter send • ctrl+u use prompt • ctrl+e edit • ctrl+t try again • ctrl+r start over • esc back • ctrl+c quit"
	case wizard.PhaseReview:
		return "ctrl+a approve • esc back • ctrl+c quit"
	case wizard.PhaseExecution:
		return "ctrl+d complete step • enter submit input • esc back • ctrl+c quit"
	}
	return "ctrl+c quit"
}

func describe(err error) string {
	switch {
	case errors.Is(err, chat.ErrBusy):
		return "Still working, one moment..."
	case errors.Is(err, chat.ErrEmptyInput), errors.Is(err, process.ErrEmptyHumanInput):
		return "Please type something first."
	case errors.Is(err, wizard.ErrNoPrompt):
		return "Describe what you want to accomplish first."
	case errors.Is(err, context.DeadlineExceeded):
		return "The assistant took too long to answer."
	}
	return err.Error()
}

func currentStep(w *wizard.Wizard) (*process.Step, error) {
	snap := w.Snapshot()
	if snap.Process == nil || snap.Phase != wizard.PhaseExecution {
		return nil, wizard.ErrWrongPhase
	}
	cur := snap.Process.Current()
	if cur == nil {
		return nil, fmt.Errorf("%w: no current step", process.ErrInvalidTransition)
	}
	return cur, nil
}
