// Package wizard drives one onboarding session through its top-level
// phases: welcome, prompt refinement, step generation, review and
// execution.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rahul/stepwise/internal/chat"
	"github.com/rahul/stepwise/internal/governance"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/process"
)

type Phase string

const (
	PhaseWelcome    Phase = "welcome"
	PhaseRefinement Phase = "refinement"
	PhaseGenerating Phase = "generating"
	PhaseReview     Phase = "review"
	PhaseExecution  Phase = "execution"
)

var (
	ErrWrongPhase = errors.New("action not available in this phase")
	ErrNoPrompt   = errors.New("there is no prompt to use yet")
	ErrDenied     = errors.New("input denied by policy")
)

// backTo is where Back leads from each phase. Generation is synchronous, so
// review goes straight back to refinement.
var backTo = map[Phase]Phase{
	PhaseRefinement: PhaseWelcome,
	PhaseGenerating: PhaseRefinement,
	PhaseReview:     PhaseRefinement,
	PhaseExecution:  PhaseReview,
}

type EventType string

const (
	EventMessageAppended EventType = "message.appended"
	EventMessageEdited   EventType = "message.edited"
	EventPhaseChanged    EventType = "phase.changed"
	EventProcessUpdated  EventType = "process.updated"
	EventBanner          EventType = "banner"
)

// Event is pushed to transports as the session changes.
type Event struct {
	Type      EventType        `json:"type"`
	SessionID string           `json:"sessionId"`
	Phase     Phase            `json:"phase,omitempty"`
	Message   *chat.Message    `json:"message,omitempty"`
	Process   *process.Process `json:"process,omitempty"`
	Banner    string           `json:"banner,omitempty"`
}

// Generator drafts a process from a refined prompt.
type Generator interface {
	Generate(ctx context.Context, prompt, title string) *process.Process
}

// Archive receives transcripts and processes. Implemented by
// store.HistoryStore.
type Archive interface {
	AddMessage(sessionID, messageID, role, content string, ts time.Time) error
	UpdateMessage(sessionID, messageID, content string, ts time.Time) error
	SaveProcess(sessionID string, p *process.Process) error
}

// Deps are shared by every wizard a Manager creates.
type Deps struct {
	Refiner     chat.Refiner
	Generator   Generator
	Policy      governance.PolicyEngine
	Archive     Archive
	Logger      *observability.Logger
	Events      func(Event)
	ChatOptions []chat.Option
	Now         func() time.Time
}

type Snapshot struct {
	ID        string           `json:"id"`
	Phase     Phase            `json:"phase"`
	Chat      chat.Snapshot    `json:"chat"`
	Process   *process.Process `json:"process,omitempty"`
	Banner    string           `json:"banner,omitempty"`
	Completed int              `json:"completedSteps"`
	Total     int              `json:"totalSteps"`
}

type Wizard struct {
	mu sync.Mutex

	id   string
	deps Deps
	chat *chat.Session

	phase Phase
	proc  *process.Process
	draft *process.Process
	exec  *process.Executor
	// banner holds a policy denial. Chat failures live in the chat banner.
	banner     string
	lastActive time.Time

	seenMu sync.Mutex
	seen   map[string]bool
}

func New(id string, deps Deps) *Wizard {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	w := &Wizard{
		id:         id,
		deps:       deps,
		phase:      PhaseWelcome,
		lastActive: deps.Now(),
		seen:       make(map[string]bool),
	}
	opts := append([]chat.Option{
		chat.WithID(id),
		chat.WithLogger(deps.Logger),
		chat.WithListener(w.onMessage),
	}, deps.ChatOptions...)
	w.chat = chat.NewSession(deps.Refiner, opts...)
	return w
}

func (w *Wizard) ID() string { return w.id }

func (w *Wizard) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

func (w *Wizard) LastActive() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActive
}

// Start leaves the welcome screen.
func (w *Wizard) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.touch()
	if w.phase != PhaseWelcome {
		return fmt.Errorf("start from %s: %w", w.phase, ErrWrongPhase)
	}
	w.setPhase(PhaseRefinement)
	return nil
}

// Submit checks text against the policy and hands it to the chat session.
func (w *Wizard) Submit(ctx context.Context, text string) error {
	w.mu.Lock()
	w.touch()
	if w.phase != PhaseRefinement {
		phase := w.phase
		w.mu.Unlock()
		return fmt.Errorf("submit in %s: %w", phase, ErrWrongPhase)
	}
	w.mu.Unlock()

	if w.deps.Policy != nil {
		res, err := w.deps.Policy.Evaluate(ctx, governance.Request{SessionID: w.id, Input: text})
		if err != nil {
			return fmt.Errorf("policy check: %w", err)
		}
		if !res.Allowed() {
			w.deps.Logger.LogPolicy(w.id, string(res.Effect), res.Reason)
			log.Printf("[Wizard %s] submission denied: %s", w.id, res.Reason)
			w.mu.Lock()
			w.banner = governance.Banner
			w.mu.Unlock()
			w.emit(Event{Type: EventBanner, Banner: governance.Banner})
			return fmt.Errorf("%w: %s", ErrDenied, res.Reason)
		}
	}

	w.mu.Lock()
	w.banner = ""
	w.mu.Unlock()
	return w.chat.Submit(ctx, text)
}

func (w *Wizard) StartOver() error {
	if err := w.requireRefinement("start over"); err != nil {
		return err
	}
	w.chat.StartOver()
	return nil
}

// TryAgain reports whether anything was reset.
func (w *Wizard) TryAgain() (bool, error) {
	if err := w.requireRefinement("try again"); err != nil {
		return false, err
	}
	return w.chat.TryAgain(), nil
}

// Edit returns the prefill for editing the enhanced prompt.
func (w *Wizard) Edit() (string, error) {
	if err := w.requireRefinement("edit"); err != nil {
		return "", err
	}
	return w.chat.Edit()
}

func (w *Wizard) EditMessage(id, content string) error {
	if err := w.requireRefinement("edit message"); err != nil {
		return err
	}
	return w.chat.EditMessage(id, content)
}

func (w *Wizard) requireRefinement(action string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.touch()
	w.banner = ""
	if w.phase != PhaseRefinement {
		return fmt.Errorf("%s in %s: %w", action, w.phase, ErrWrongPhase)
	}
	return nil
}

// UsePrompt generates a draft process from the enhanced prompt, or the raw
// idea when refinement never finished, and moves to review.
func (w *Wizard) UsePrompt(ctx context.Context) (*process.Process, error) {
	w.mu.Lock()
	w.touch()
	if w.phase != PhaseRefinement {
		phase := w.phase
		w.mu.Unlock()
		return nil, fmt.Errorf("use prompt in %s: %w", phase, ErrWrongPhase)
	}
	if w.chat.Snapshot().Loading {
		w.mu.Unlock()
		return nil, chat.ErrBusy
	}
	prompt, summary := w.chat.Prompt()
	if prompt == "" {
		w.mu.Unlock()
		return nil, ErrNoPrompt
	}
	w.setPhase(PhaseGenerating)
	w.mu.Unlock()

	p := w.deps.Generator.Generate(ctx, prompt, summary)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase != PhaseGenerating {
		log.Printf("[Wizard %s] dropping generated process, phase is now %s", w.id, w.phase)
		return nil, fmt.Errorf("generation abandoned: %w", ErrWrongPhase)
	}
	w.proc = p
	w.draft = nil
	w.exec = nil
	w.setPhase(PhaseReview)
	w.saveProcess()
	return p.Clone(), nil
}

// ReplaceSteps swaps the draft's steps during review.
func (w *Wizard) ReplaceSteps(steps []process.Step) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.touch()
	if w.phase != PhaseReview || w.proc == nil {
		return fmt.Errorf("replace steps in %s: %w", w.phase, ErrWrongPhase)
	}
	if err := process.ReplaceSteps(w.proc, steps, w.deps.Now()); err != nil {
		return err
	}
	w.saveProcess()
	return nil
}

// Approve starts executing the reviewed process.
func (w *Wizard) Approve() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.touch()
	if w.phase != PhaseReview || w.proc == nil {
		return fmt.Errorf("approve in %s: %w", w.phase, ErrWrongPhase)
	}
	draft := w.proc.Clone()
	if err := process.Approve(w.proc); err != nil {
		return err
	}
	exec, err := process.NewExecutor(w.proc, w.deps.Now)
	if err != nil {
		*w.proc = *draft
		return err
	}
	if err := exec.Start(); err != nil {
		*w.proc = *draft
		return err
	}
	w.draft = draft
	w.exec = exec
	w.setPhase(PhaseExecution)
	w.stepChanged()
	return nil
}

// Back follows the back map. Leaving execution abandons the run and
// restores the reviewed draft.
func (w *Wizard) Back() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.touch()
	to, ok := backTo[w.phase]
	if !ok {
		return fmt.Errorf("back from %s: %w", w.phase, ErrWrongPhase)
	}
	if w.phase == PhaseExecution && w.draft != nil {
		w.proc = w.draft
		w.draft = nil
		w.exec = nil
		w.saveProcess()
	}
	w.setPhase(to)
	return nil
}

func (w *Wizard) CompleteStep(stepID string) error {
	return w.step("complete step", func(e *process.Executor) error { return e.Complete(stepID) })
}

func (w *Wizard) SubmitHumanInput(stepID, input string) error {
	return w.step("submit input", func(e *process.Executor) error { return e.SubmitHumanInput(stepID, input) })
}

func (w *Wizard) Choose(nextID string) error {
	return w.step("choose step", func(e *process.Executor) error { return e.Choose(nextID) })
}

func (w *Wizard) MarkComplete() error {
	return w.step("mark complete", func(e *process.Executor) error { return e.MarkComplete() })
}

func (w *Wizard) step(action string, fn func(*process.Executor) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.touch()
	if w.phase != PhaseExecution || w.exec == nil {
		return fmt.Errorf("%s in %s: %w", action, w.phase, ErrWrongPhase)
	}
	if err := fn(w.exec); err != nil {
		return err
	}
	w.stepChanged()
	return nil
}

func (w *Wizard) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap := Snapshot{
		ID:     w.id,
		Phase:  w.phase,
		Chat:   w.chat.Snapshot(),
		Banner: w.banner,
	}
	if w.proc != nil {
		snap.Process = w.proc.Clone()
		snap.Completed, snap.Total = w.proc.Progress()
	}
	return snap
}

// Called with w.mu held.
func (w *Wizard) stepChanged() {
	p := w.proc
	stepID, status := "", string(p.Status)
	if cur := p.Current(); cur != nil {
		stepID, status = cur.ID, string(cur.Status)
	}
	w.deps.Logger.LogStep(w.id, p.ID, stepID, status)
	w.saveProcess()
}

// Called with w.mu held.
func (w *Wizard) saveProcess() {
	if w.proc == nil {
		return
	}
	if w.deps.Archive != nil {
		if err := w.deps.Archive.SaveProcess(w.id, w.proc); err != nil {
			log.Printf("[Wizard %s] failed to archive process: %v", w.id, err)
		}
	}
	w.emit(Event{Type: EventProcessUpdated, Process: w.proc.Clone()})
}

// Called with w.mu held.
func (w *Wizard) setPhase(to Phase) {
	if w.phase == to {
		return
	}
	w.deps.Logger.LogPhase(w.id, "wizard", string(w.phase), string(to))
	w.phase = to
	w.emit(Event{Type: EventPhaseChanged, Phase: to})
}

func (w *Wizard) touch() {
	w.lastActive = w.deps.Now()
}

func (w *Wizard) emit(e Event) {
	if w.deps.Events == nil {
		return
	}
	e.SessionID = w.id
	w.deps.Events(e)
}

// onMessage archives chat messages and forwards them as events. It runs
// outside the chat lock but may run while w.mu is held.
func (w *Wizard) onMessage(m chat.Message) {
	w.seenMu.Lock()
	edited := w.seen[m.ID]
	w.seen[m.ID] = true
	w.seenMu.Unlock()

	typ := EventMessageAppended
	if edited {
		typ = EventMessageEdited
	}
	if w.deps.Archive != nil {
		var err error
		if edited {
			err = w.deps.Archive.UpdateMessage(w.id, m.ID, m.Content, m.Timestamp)
		} else {
			err = w.deps.Archive.AddMessage(w.id, m.ID, string(m.Role), m.Content, m.Timestamp)
		}
		if err != nil {
			log.Printf("[Wizard %s] failed to archive message: %v", w.id, err)
		}
	}
	msg := m
	w.emit(Event{Type: typ, Message: &msg})
}
