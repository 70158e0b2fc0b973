package agent

import (
	"context"
	"errors"

	"github.com/tmc/langchaingo/llms"
)

// fakeModel replays canned responses and records the messages it was sent.
type fakeModel struct {
	responses []string
	err       error
	calls     [][]llms.MessageContent
	info      map[string]any
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.calls = append(f.calls, messages)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return nil, errors.New("no more responses")
	}
	text := f.responses[0]
	f.responses = f.responses[1:]
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: text, GenerationInfo: f.info}},
	}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func textOf(m llms.MessageContent) string {
	for _, p := range m.Parts {
		if t, ok := p.(llms.TextContent); ok {
			return t.Text
		}
	}
	return ""
}
