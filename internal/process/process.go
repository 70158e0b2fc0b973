package process

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle of a whole process.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// StepStatus is the lifecycle of a single step.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepInProgress      StepStatus = "in_progress"
	StepCompleted       StepStatus = "completed"
	StepWaitingForHuman StepStatus = "waiting_for_human"
)

var (
	ErrUnknownStep       = errors.New("unknown step")
	ErrNotCurrent        = errors.New("step is not the current step")
	ErrNotWaiting        = errors.New("step is not waiting for human input")
	ErrNeedsHumanInput   = errors.New("step requires human input")
	ErrEmptyHumanInput   = errors.New("human input is empty")
	ErrInvalidTransition = errors.New("invalid process transition")
)

// Step represents a single unit of work in a process.
type Step struct {
	ID                       string     `json:"id"`
	Title                    string     `json:"title"`
	Description              string     `json:"description"`
	Status                   StepStatus `json:"status"`
	HumanInteractionRequired bool       `json:"humanInteractionRequired"`
	HumanInput               string     `json:"humanInput,omitempty"`
	NextSteps                []string   `json:"nextSteps"`
	EstimatedTime            string     `json:"estimatedTime,omitempty"`
}

// Process is the onboarded workflow. CurrentStepID is empty when no step is
// active.
type Process struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Steps         []Step    `json:"steps"`
	CurrentStepID string    `json:"currentStepId"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// New creates an empty draft process.
func New(id, title, description string, now time.Time) *Process {
	return &Process{
		ID:          id,
		Title:       title,
		Description: description,
		Steps:       []Step{},
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Step returns the step with the given id.
func (p *Process) Step(id string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// Current returns the active step, or nil.
func (p *Process) Current() *Step {
	if p.CurrentStepID == "" {
		return nil
	}
	s, _ := p.Step(p.CurrentStepID)
	return s
}

// Validate checks step ids are unique and every reference resolves.
func (p *Process) Validate() error {
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %q has an empty id", s.Title)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	for _, s := range p.Steps {
		for _, next := range s.NextSteps {
			if !seen[next] {
				return fmt.Errorf("step %q points at %w %q", s.ID, ErrUnknownStep, next)
			}
		}
	}
	if p.CurrentStepID != "" && !seen[p.CurrentStepID] {
		return fmt.Errorf("current step: %w %q", ErrUnknownStep, p.CurrentStepID)
	}
	return nil
}

// Progress returns completed and total step counts.
func (p *Process) Progress() (completed, total int) {
	for _, s := range p.Steps {
		if s.Status == StepCompleted {
			completed++
		}
	}
	return completed, len(p.Steps)
}

// Clone returns a deep copy.
func (p *Process) Clone() *Process {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		s.NextSteps = append([]string(nil), s.NextSteps...)
		cp.Steps[i] = s
	}
	return &cp
}

// Normalize cleans a drafted step list: blank steps are dropped, missing or
// duplicate ids are replaced, statuses reset to pending, dangling and self
// references removed. A reference to an id that several steps shared is
// ambiguous and dropped. When no step links anywhere the steps are chained
// in order.
func Normalize(steps []Step) []Step {
	out := make([]Step, 0, len(steps))
	uses := make(map[string]int, len(steps))
	for _, s := range steps {
		s.Title = strings.TrimSpace(s.Title)
		s.Description = strings.TrimSpace(s.Description)
		if s.Title == "" && s.Description == "" {
			continue
		}
		if s.Title == "" {
			s.Title = truncate(s.Description, 60)
		}
		s.ID = strings.TrimSpace(s.ID)
		if s.ID != "" {
			uses[s.ID]++
		}
		s.Status = StepPending
		s.HumanInput = ""
		out = append(out, s)
	}

	// Drafted ids are reserved first so a generated id never takes one.
	seen := make(map[string]bool, len(out))
	for id := range uses {
		seen[id] = true
	}
	kept := make(map[string]bool, len(out))
	n := 0
	for i := range out {
		if id := out[i].ID; id != "" && !kept[id] {
			kept[id] = true
			continue
		}
		for {
			n++
			id := fmt.Sprintf("step-%d", n)
			if !seen[id] {
				out[i].ID = id
				seen[id] = true
				break
			}
		}
	}

	linked := false
	for i := range out {
		next := make([]string, 0, len(out[i].NextSteps))
		dup := map[string]bool{}
		for _, id := range out[i].NextSteps {
			id = strings.TrimSpace(id)
			if id == out[i].ID || uses[id] != 1 || dup[id] {
				continue
			}
			dup[id] = true
			next = append(next, id)
		}
		out[i].NextSteps = next
		if len(next) > 0 {
			linked = true
		}
	}
	if !linked {
		for i := 0; i+1 < len(out); i++ {
			out[i].NextSteps = []string{out[i+1].ID}
		}
	}
	return out
}

// Approve accepts a reviewed draft.
func Approve(p *Process) error {
	if p.Status != StatusDraft {
		return fmt.Errorf("%w: approve from %s", ErrInvalidTransition, p.Status)
	}
	return p.Validate()
}

// ReplaceSteps swaps in an edited step list during review.
func ReplaceSteps(p *Process, steps []Step, now time.Time) error {
	if p.Status != StatusDraft {
		return fmt.Errorf("%w: edit steps while %s", ErrInvalidTransition, p.Status)
	}
	p.Steps = Normalize(steps)
	p.CurrentStepID = ""
	p.UpdatedAt = now
	return p.Validate()
}

// Render formats the process as plain text for chat transports.
func (p *Process) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", p.Title)
	if len(p.Steps) == 0 {
		b.WriteString("(no steps yet)\n")
		return b.String()
	}
	for i, s := range p.Steps {
		marker := " "
		if s.ID == p.CurrentStepID {
			marker = ">"
		}
		fmt.Fprintf(&b, "%s %d. [%s] %s", marker, i+1, stepIcon(s.Status), s.Title)
		if s.EstimatedTime != "" {
			fmt.Fprintf(&b, " (%s)", s.EstimatedTime)
		}
		if s.HumanInteractionRequired {
			b.WriteString(" *needs input*")
		}
		b.WriteString("\n")
	}
	done, total := p.Progress()
	fmt.Fprintf(&b, "%d of %d steps completed\n", done, total)
	return b.String()
}

func stepIcon(s StepStatus) string {
	switch s {
	case StepCompleted:
		return "x"
	case StepInProgress:
		return ">"
	case StepWaitingForHuman:
		return "?"
	default:
		return " "
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
