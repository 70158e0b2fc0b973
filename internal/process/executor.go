package process

import (
	"fmt"
	"strings"
	"time"
)

// Executor walks a process through its step graph one step at a time.
// It is not safe for concurrent use; callers serialise access.
type Executor struct {
	p      *Process
	now    func() time.Time
	branch map[string]string
}

// NewExecutor validates p and returns an executor for it.
func NewExecutor(p *Process, now func() time.Time) (*Executor, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Executor{p: p, now: now, branch: map[string]string{}}, nil
}

func (e *Executor) Process() *Process {
	return e.p
}

// Start moves a draft into execution and enters the entry step. A process
// without steps completes immediately.
func (e *Executor) Start() error {
	if e.p.Status != StatusDraft {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, e.p.Status)
	}
	e.p.Status = StatusInProgress
	e.touch()
	entry := e.entryStep()
	if entry == nil {
		e.finish()
		return nil
	}
	e.enter(entry)
	return nil
}

// entryStep is the first step no other step points to, falling back to the
// first step when every step is referenced.
func (e *Executor) entryStep() *Step {
	if len(e.p.Steps) == 0 {
		return nil
	}
	referenced := map[string]bool{}
	for _, s := range e.p.Steps {
		for _, id := range s.NextSteps {
			referenced[id] = true
		}
	}
	for i := range e.p.Steps {
		if !referenced[e.p.Steps[i].ID] {
			return &e.p.Steps[i]
		}
	}
	return &e.p.Steps[0]
}

func (e *Executor) enter(s *Step) {
	if s.HumanInteractionRequired {
		s.Status = StepWaitingForHuman
	} else {
		s.Status = StepInProgress
	}
	e.p.CurrentStepID = s.ID
	e.touch()
}

func (e *Executor) current(stepID string) (*Step, error) {
	s, ok := e.p.Step(stepID)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownStep, stepID)
	}
	if e.p.Status != StatusInProgress || e.p.CurrentStepID != stepID {
		return nil, fmt.Errorf("%w: %q", ErrNotCurrent, stepID)
	}
	return s, nil
}

// Complete finishes the current step and advances along its next steps.
// Steps waiting for a human must go through SubmitHumanInput instead.
func (e *Executor) Complete(stepID string) error {
	s, err := e.current(stepID)
	if err != nil {
		return err
	}
	if s.Status == StepWaitingForHuman {
		return fmt.Errorf("%w: %q", ErrNeedsHumanInput, stepID)
	}
	s.Status = StepCompleted
	e.advance(s)
	return nil
}

// SubmitHumanInput records the human's answer on a waiting step, completes it
// and advances.
func (e *Executor) SubmitHumanInput(stepID, input string) error {
	s, err := e.current(stepID)
	if err != nil {
		return err
	}
	if s.Status != StepWaitingForHuman {
		return fmt.Errorf("%w: %q", ErrNotWaiting, stepID)
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return ErrEmptyHumanInput
	}
	s.HumanInput = input
	s.Status = StepCompleted
	e.advance(s)
	return nil
}

// Choose selects which of the current step's next steps runs after it.
func (e *Executor) Choose(nextID string) error {
	cur := e.p.Current()
	if cur == nil {
		return fmt.Errorf("%w: no current step", ErrInvalidTransition)
	}
	for _, id := range cur.NextSteps {
		if id == nextID {
			e.branch[cur.ID] = nextID
			return nil
		}
	}
	return fmt.Errorf("%w %q after %q", ErrUnknownStep, nextID, cur.ID)
}

func (e *Executor) advance(from *Step) {
	var next *Step
	if pick, ok := e.branch[from.ID]; ok {
		if s, ok := e.p.Step(pick); ok && s.Status == StepPending {
			next = s
		}
	}
	if next == nil {
		for _, id := range from.NextSteps {
			if s, ok := e.p.Step(id); ok && s.Status == StepPending {
				next = s
				break
			}
		}
	}
	if next == nil {
		e.finish()
		return
	}
	e.enter(next)
}

// MarkComplete is the manual override that ends the process where it stands.
func (e *Executor) MarkComplete() error {
	if e.p.Status == StatusCompleted {
		return nil
	}
	if e.p.Status != StatusInProgress {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, e.p.Status)
	}
	if cur := e.p.Current(); cur != nil && cur.Status == StepInProgress {
		cur.Status = StepCompleted
	}
	e.finish()
	return nil
}

func (e *Executor) finish() {
	e.p.Status = StatusCompleted
	e.p.CurrentStepID = ""
	e.touch()
}

func (e *Executor) touch() {
	e.p.UpdatedAt = e.now()
}
