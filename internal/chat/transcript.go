package chat

import (
	"fmt"
	"strings"
)

// BuildTranscript renders the idea and the answered questions as the
// refinement request body.
func BuildTranscript(idea string, qa []QAPair) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Initial idea: %s\n", idea)
	if len(qa) > 0 {
		b.WriteString("\nClarifications:\n")
	}
	for i, p := range qa {
		fmt.Fprintf(&b, "%d. Q: %s\n   A: %s\n", i+1, p.Question, p.Answer)
	}
	return strings.TrimRight(b.String(), "\n")
}

// BuildEditRequest renders a refinement request that starts from an existing
// prompt. feedback is optional.
func BuildEditRequest(idea string, qa []QAPair, base, feedback string) string {
	var b strings.Builder
	if idea != "" {
		b.WriteString(BuildTranscript(idea, qa))
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Current prompt:\n%s", base)
	if feedback != "" {
		fmt.Fprintf(&b, "\n\nRequested changes:\n%s", feedback)
	}
	return b.String()
}

// FormatResult renders a finalized prompt as the assistant's chat reply.
func FormatResult(f FinalizedPrompt) string {
	var b strings.Builder
	if f.Rationale != "" {
		fmt.Fprintf(&b, "Rationale:\n%s", f.Rationale)
	}
	if f.EnhancedPrompt != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Enhanced prompt:\n%s", f.EnhancedPrompt)
	}
	return b.String()
}
