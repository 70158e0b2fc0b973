package process

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

const placeholderNote = "\n\n(AI-generated steps would go here)"

// Planner drafts a step list for a prompt.
type Planner interface {
	PlanSteps(ctx context.Context, prompt string) ([]Step, error)
}

// Generator turns a refined prompt into a draft process.
type Generator struct {
	Planner Planner
	Now     func() time.Time
	NewID   func() string
}

func NewGenerator(planner Planner) *Generator {
	return &Generator{
		Planner: planner,
		Now:     time.Now,
		NewID:   uuid.NewString,
	}
}

// Generate drafts a process for prompt. When the planner is missing, fails,
// or returns nothing usable the draft has no steps and a placeholder
// description.
func (g *Generator) Generate(ctx context.Context, prompt, title string) *Process {
	prompt = strings.TrimSpace(prompt)
	title = strings.TrimSpace(title)
	if title == "" {
		title = truncate(prompt, 60)
	}
	p := New(g.NewID(), title, prompt, g.Now())

	if g.Planner == nil {
		p.Description += placeholderNote
		return p
	}

	steps, err := g.Planner.PlanSteps(ctx, prompt)
	if err != nil {
		log.Printf("[Generator] planning failed, using placeholder: %v", err)
		p.Description += placeholderNote
		return p
	}
	steps = Normalize(steps)
	if len(steps) == 0 {
		log.Printf("[Generator] planner returned no usable steps")
		p.Description += placeholderNote
		return p
	}
	p.Steps = steps
	return p
}
