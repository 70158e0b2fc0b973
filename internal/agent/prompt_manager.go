package agent

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Prompt names double as override file names inside the prompt directory.
const (
	PromptClarify = "clarify"
	PromptRefine  = "refine"
	PromptSummary = "summary"
	PromptSteps   = "steps"
)

var defaultPrompts = map[string]string{
	PromptClarify: `You are a friendly, expert process designer helping a user clarify their process idea. Generate 3-5 warm, approachable, easy-to-answer questions. Each question should be specific, concrete, and guide the user on exactly what information to provide (avoid vagueness). Use a friendly, conversational tone, and feel free to add a touch of playfulness or creativity to make the questions more fun to answer! Only return the questions as a numbered list. Do not include any other text.`,

	PromptRefine: `You are a world-class process prompt engineer. Your job is to help users create the most effective, actionable, and clear process prompts for step-by-step automation.

For every user input, provide ONLY ONE best-possible enhanced prompt. Alongside the prompt, provide a concise rationale: explain the key improvements you made and why this is the best approach for the user's goal.

The rationale MUST be no more than 1-2 sentences and 30 words.

Do not ask questions. Do not provide alternatives.

Respond with a single JSON object and nothing else:
{"rationale": "(1-2 sentences, max 30 words)", "enhanced_prompt": "The improved, ready-to-use process prompt (step-by-step, actionable, clear, and complete)"}

If you cannot produce JSON, use exactly this format instead:

RATIONALE
- (1-2 sentences, max 30 words)

ENHANCED PROMPT
- The improved, ready-to-use process prompt

Keep your response focused, professional, and solution-oriented. Your output should be suitable for direct use in process automation or agentic workflows.`,

	PromptSummary: `Given the following process prompt, return a short phrase in the format: 'Process to [main goal]'. Make it simple, direct, and user-friendly so the user knows what the process will do. Do not repeat the original prompt verbatim. Example: 'Process to help friends understand Perplexity'.`,

	PromptSteps: `You are a process designer. Break the user's process prompt into 3-10 concrete, ordered steps.

Respond with a single JSON object and nothing else:
{"steps": [{"id": "step-1", "title": "short imperative title", "description": "what to do and what done looks like", "humanInteractionRequired": false, "nextSteps": ["step-2"], "estimatedTime": "10 minutes"}]}

Set humanInteractionRequired to true only when a person must provide input or approval before the process can continue. nextSteps lists the ids of the steps that may follow; use more than one id only for genuine branches.`,
}

// PromptManager resolves system prompts, preferring <name>.md files in
// Directory over the built-in defaults.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

// Get returns the prompt for name.
func (pm *PromptManager) Get(name string) (string, error) {
	def, known := defaultPrompts[name]
	if !known {
		return "", fmt.Errorf("unknown prompt %q", name)
	}
	if pm == nil || pm.Directory == "" {
		return def, nil
	}

	path := filepath.Join(pm.Directory, name+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Warning: Failed to read prompt file %s: %v", path, err)
		}
		return def, nil
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return def, nil
	}
	return text, nil
}

// Names lists the known prompt names in sorted order.
func Names() []string {
	names := make([]string, 0, len(defaultPrompts))
	for name := range defaultPrompts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the built-in prompt for name.
func Default(name string) string {
	return defaultPrompts[name]
}
