package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rahul/stepwise/internal/process"
)

// Refinement is one parsed refine response.
type Refinement struct {
	Rationale      string `json:"rationale"`
	EnhancedPrompt string `json:"enhanced_prompt"`
	// Recognized is false when neither the JSON contract nor the section
	// markers were found and the fields came from the fallback heuristics.
	Recognized bool   `json:"-"`
	Raw        string `json:"-"`
}

var (
	listPrefix     = regexp.MustCompile(`^\s*(?:\d+\s*[.)]|[-*•])\s*`)
	bulletPrefix   = regexp.MustCompile(`(?m)^\s*[-*•]\s+`)
	// Section markers stand on their own line or end in a colon.
	rationaleMark  = regexp.MustCompile(`(?im)^[ \t#*]*rationale\b[ \t*]*(?::[ \t*]*|$)`)
	enhancedMark   = regexp.MustCompile(`(?im)^[ \t#*]*enhanced[ \t]+prompt\b[ \t*]*(?::[ \t*]*|$)`)
	enhancedInline = regexp.MustCompile(`(?i)enhanced[ \t]+prompt\b`)
	codeFence      = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
)

// ParseQuestions splits a numbered list into questions.
func ParseQuestions(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		q := strings.TrimSpace(listPrefix.ReplaceAllString(line, ""))
		if q != "" {
			out = append(out, q)
		}
	}
	return out
}

// ParseRefinement extracts the rationale and enhanced prompt. It tries the
// JSON contract first, then the RATIONALE / ENHANCED PROMPT sections, then
// falls back to heuristics: rationale is the text before any "enhanced
// prompt" mention (or everything), enhanced prompt is the last non-blank
// line.
func ParseRefinement(text string) Refinement {
	raw := text
	text = strings.TrimSpace(text)
	if text == "" {
		return Refinement{Raw: raw}
	}

	if r, ok := parseRefinementJSON(text); ok {
		r.Raw = raw
		return r
	}

	if r, ok := parseRefinementMarkers(text); ok {
		r.Raw = raw
		return r
	}

	r := Refinement{Raw: raw}
	if loc := enhancedInline.FindStringIndex(text); loc != nil {
		r.Rationale = cleanSection(text[:loc[0]])
	}
	if r.Rationale == "" {
		r.Rationale = cleanSection(text)
	}
	r.EnhancedPrompt = lastNonBlankLine(text)
	return r
}

func parseRefinementJSON(text string) (Refinement, bool) {
	candidate := text
	if m := codeFence.FindStringSubmatch(text); m != nil {
		candidate = strings.TrimSpace(m[1])
	}
	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start < 0 || end <= start {
		return Refinement{}, false
	}
	var payload struct {
		Rationale      string `json:"rationale"`
		EnhancedPrompt string `json:"enhanced_prompt"`
		EnhancedCamel  string `json:"enhancedPrompt"`
	}
	if err := json.Unmarshal([]byte(candidate[start:end+1]), &payload); err != nil {
		return Refinement{}, false
	}
	r := Refinement{
		Rationale:      strings.TrimSpace(payload.Rationale),
		EnhancedPrompt: strings.TrimSpace(payload.EnhancedPrompt),
	}
	if r.EnhancedPrompt == "" {
		r.EnhancedPrompt = strings.TrimSpace(payload.EnhancedCamel)
	}
	if r.Rationale == "" && r.EnhancedPrompt == "" {
		return Refinement{}, false
	}
	r.Recognized = true
	return r, true
}

func parseRefinementMarkers(text string) (Refinement, bool) {
	rLoc := rationaleMark.FindStringIndex(text)
	eLoc := enhancedMark.FindStringIndex(text)
	if rLoc == nil && eLoc == nil {
		return Refinement{}, false
	}

	r := Refinement{Recognized: true}
	switch {
	case rLoc != nil && eLoc != nil && rLoc[0] < eLoc[0]:
		r.Rationale = cleanSection(text[rLoc[1]:eLoc[0]])
		r.EnhancedPrompt = cleanSection(text[eLoc[1]:])
	case rLoc != nil && eLoc != nil:
		r.EnhancedPrompt = cleanSection(text[eLoc[1]:rLoc[0]])
		r.Rationale = cleanSection(text[rLoc[1]:])
	case eLoc != nil:
		r.Rationale = cleanSection(text[:eLoc[0]])
		r.EnhancedPrompt = cleanSection(text[eLoc[1]:])
	default:
		r.Rationale = cleanSection(text[rLoc[1]:])
		r.EnhancedPrompt = lastNonBlankLine(text[rLoc[1]:])
	}
	if r.EnhancedPrompt == "" {
		r.EnhancedPrompt = lastNonBlankLine(text)
	}
	return r, true
}

// cleanSection trims whitespace and strips leading bullet markers.
func cleanSection(s string) string {
	s = bulletPrefix.ReplaceAllString(strings.TrimSpace(s), "")
	return strings.TrimSpace(s)
}

func lastNonBlankLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := cleanSection(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// ParseSummary trims the phrase and any wrapping quotes.
func ParseSummary(text string) string {
	s := strings.TrimSpace(text)
	s = strings.Trim(s, "\"'`“”‘’")
	return strings.TrimSpace(s)
}

// ParseSteps decodes a step list from a JSON object with a "steps" array or
// a bare JSON array, optionally inside a code fence.
func ParseSteps(text string) ([]process.Step, error) {
	candidate := strings.TrimSpace(text)
	if m := codeFence.FindStringSubmatch(candidate); m != nil {
		candidate = strings.TrimSpace(m[1])
	}

	if start := strings.Index(candidate, "{"); start >= 0 && (strings.Index(candidate, "[") < 0 || start < strings.Index(candidate, "[")) {
		end := strings.LastIndex(candidate, "}")
		if end > start {
			var payload struct {
				Steps []process.Step `json:"steps"`
			}
			if err := json.Unmarshal([]byte(candidate[start:end+1]), &payload); err == nil {
				return payload.Steps, nil
			}
		}
	}

	start := strings.Index(candidate, "[")
	end := strings.LastIndex(candidate, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no step list found in response")
	}
	var steps []process.Step
	if err := json.Unmarshal([]byte(candidate[start:end+1]), &steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	return steps, nil
}
