package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/process"
	"github.com/tmc/langchaingo/llms"
)

var ErrEmptyResponse = errors.New("completion service returned no choices")

// ReferenceSource supplies extra context gathered from the user's text,
// such as excerpts of pages the user linked to.
type ReferenceSource interface {
	Collect(ctx context.Context, text string) []string
}

type sessionKey struct{}

// WithSession tags ctx so completion events are logged against sessionID.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

func sessionFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// Assistant is the completion-service client behind the wizard. It owns the
// system prompts for each call site and parses the free-text replies.
type Assistant struct {
	Model      llms.Model
	ModelName  string
	Prompts    *PromptManager
	Logger     *observability.Logger
	References ReferenceSource
}

func NewAssistant(model llms.Model, modelName string, prompts *PromptManager, logger *observability.Logger) *Assistant {
	return &Assistant{
		Model:     model,
		ModelName: modelName,
		Prompts:   prompts,
		Logger:    logger,
	}
}

func (a *Assistant) complete(ctx context.Context, callSite, input string, options ...llms.CallOption) (string, error) {
	systemPrompt, err := a.Prompts.Get(callSite)
	if err != nil {
		return "", err
	}

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(systemPrompt)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(input)},
		},
	}

	resp, err := a.Model.GenerateContent(ctx, messages, options...)
	if err != nil {
		return "", fmt.Errorf("%s request failed: %w", callSite, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: %w", callSite, ErrEmptyResponse)
	}

	choice := resp.Choices[0]
	sessionID := sessionFrom(ctx)
	a.Logger.LogLLM(sessionID, callSite, input, choice.Content)
	if info := choice.GenerationInfo; info != nil {
		prompt, _ := info["PromptTokens"].(int)
		completion, _ := info["CompletionTokens"].(int)
		if prompt+completion > 0 {
			a.Logger.LogCost(sessionID, prompt, completion, a.ModelName)
		}
	}
	return choice.Content, nil
}

// ClarifyQuestions asks for a numbered list of questions about idea.
func (a *Assistant) ClarifyQuestions(ctx context.Context, idea string) ([]string, error) {
	input := idea
	if a.References != nil {
		if refs := a.References.Collect(ctx, idea); len(refs) > 0 {
			input = fmt.Sprintf("%s\n\nReference material the user linked:\n%s", idea, strings.Join(refs, "\n\n"))
		}
	}

	text, err := a.complete(ctx, PromptClarify, input,
		llms.WithTemperature(0.5),
		llms.WithMaxTokens(300),
	)
	if err != nil {
		return nil, err
	}
	return ParseQuestions(text), nil
}

// Refine sends the clarified request and parses rationale and enhanced
// prompt out of the reply. A reply in neither the JSON nor the section
// format still yields best-effort fields with Recognized unset; the caller
// reports it.
func (a *Assistant) Refine(ctx context.Context, request string) (Refinement, error) {
	text, err := a.complete(ctx, PromptRefine, request,
		llms.WithTemperature(0.7),
		llms.WithMaxTokens(800),
	)
	if err != nil {
		return Refinement{}, err
	}
	return ParseRefinement(text), nil
}

// Summarize returns a short "Process to ..." phrase for prompt.
func (a *Assistant) Summarize(ctx context.Context, prompt string) (string, error) {
	text, err := a.complete(ctx, PromptSummary, prompt,
		llms.WithTemperature(0.5),
		llms.WithMaxTokens(100),
	)
	if err != nil {
		return "", err
	}
	return ParseSummary(text), nil
}

// PlanSteps drafts the step list for a refined prompt.
func (a *Assistant) PlanSteps(ctx context.Context, prompt string) ([]process.Step, error) {
	text, err := a.complete(ctx, PromptSteps, prompt,
		llms.WithTemperature(0.4),
		llms.WithMaxTokens(1500),
		llms.WithJSONMode(),
	)
	if err != nil {
		return nil, err
	}
	steps, err := ParseSteps(text)
	if err != nil {
		a.Logger.LogParseFailure(sessionFrom(ctx), PromptSteps, text)
		return nil, err
	}
	return steps, nil
}
