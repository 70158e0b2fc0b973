package agent

import (
	"strings"
	"testing"
)

func TestParseQuestions(t *testing.T) {
	text := "1. What triggers the process?\n\n2) Who approves it?\n- How long should it take?\n   \n10. Anything else?"
	got := ParseQuestions(text)
	want := []string{
		"What triggers the process?",
		"Who approves it?",
		"How long should it take?",
		"Anything else?",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d questions, got %d: %q", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("question %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if len(ParseQuestions("  \n\n ")) != 0 {
		t.Error("blank text should yield no questions")
	}
}

func TestParseRefinement_Markers(t *testing.T) {
	r := ParseRefinement("RATIONALE\n- Improves clarity.\nENHANCED PROMPT\n- Do X then Y.")
	if !r.Recognized {
		t.Error("expected markers to be recognized")
	}
	if r.Rationale != "Improves clarity." {
		t.Errorf("rationale: got %q", r.Rationale)
	}
	if r.EnhancedPrompt != "Do X then Y." {
		t.Errorf("enhanced prompt: got %q", r.EnhancedPrompt)
	}
}

func TestParseRefinement_MarkerVariants(t *testing.T) {
	cases := []struct {
		name, in, rationale, enhanced string
	}{
		{
			name:      "colons and markdown",
			in:        "**Rationale:** Adds owners.\n\n## Enhanced Prompt:\n1. Collect forms\n2. File them",
			rationale: "Adds owners.",
			enhanced:  "1. Collect forms\n2. File them",
		},
		{
			name:      "enhanced only",
			in:        "Shorter and sharper.\nENHANCED PROMPT\n- Ship it weekly.",
			rationale: "Shorter and sharper.",
			enhanced:  "Ship it weekly.",
		},
		{
			name:      "reversed order",
			in:        "ENHANCED PROMPT\n- Do A.\nRATIONALE\n- Because.",
			rationale: "Because.",
			enhanced:  "Do A.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := ParseRefinement(tc.in)
			if !r.Recognized {
				t.Error("expected recognized")
			}
			if r.Rationale != tc.rationale {
				t.Errorf("rationale: expected %q, got %q", tc.rationale, r.Rationale)
			}
			if r.EnhancedPrompt != tc.enhanced {
				t.Errorf("enhanced: expected %q, got %q", tc.enhanced, r.EnhancedPrompt)
			}
		})
	}
}

func TestParseRefinement_WordsStartingWithMarkers(t *testing.T) {
	cases := []string{
		"Enhanced prompting improves results.\nDraft the agenda, then send invites.",
		"Rationales are optional here.\nDraft the agenda, then send invites.",
		"Rationale behind the change is clarity.\nDraft the agenda, then send invites.",
	}
	for _, in := range cases {
		r := ParseRefinement(in)
		if r.Recognized {
			t.Errorf("%q: prose line taken as a section marker", in)
		}
		if r.Rationale != strings.TrimSpace(in) {
			t.Errorf("%q: rationale: got %q", in, r.Rationale)
		}
		if r.EnhancedPrompt != "Draft the agenda, then send invites." {
			t.Errorf("%q: enhanced prompt: got %q", in, r.EnhancedPrompt)
		}
	}
}

func TestParseRefinement_JSON(t *testing.T) {
	in := "Sure!\n```json\n{\"rationale\": \"Clearer owner.\", \"enhanced_prompt\": \"Assign an owner, then review weekly.\"}\n```"
	r := ParseRefinement(in)
	if !r.Recognized || r.Rationale != "Clearer owner." || r.EnhancedPrompt != "Assign an owner, then review weekly." {
		t.Errorf("unexpected refinement: %+v", r)
	}

	r = ParseRefinement(`{"rationale": "R", "enhancedPrompt": "E"}`)
	if r.EnhancedPrompt != "E" {
		t.Errorf("expected camelCase key to be accepted, got %+v", r)
	}
}

func TestParseRefinement_Fallback(t *testing.T) {
	r := ParseRefinement("I tightened the wording.\nCollect receipts, then file the report by Friday.")
	if r.Recognized {
		t.Error("expected fallback to report unrecognized")
	}
	if r.Rationale == "" || r.EnhancedPrompt == "" {
		t.Fatalf("fallback must fill both fields: %+v", r)
	}
	if r.EnhancedPrompt != "Collect receipts, then file the report by Friday." {
		t.Errorf("expected last line as enhanced prompt, got %q", r.EnhancedPrompt)
	}
	if !strings.HasPrefix(r.Rationale, "I tightened the wording.") {
		t.Errorf("expected whole text as rationale, got %q", r.Rationale)
	}

	r = ParseRefinement("Made it concrete. The enhanced prompt follows: do X daily")
	if r.Rationale != "Made it concrete. The" {
		t.Errorf("expected text before the inline marker, got %q", r.Rationale)
	}
	if r.EnhancedPrompt == "" {
		t.Error("expected non-empty enhanced prompt")
	}

	r = ParseRefinement("   \n  ")
	if r.Rationale != "" || r.EnhancedPrompt != "" {
		t.Errorf("blank input should give empty fields, got %+v", r)
	}
}

func TestParseSummary(t *testing.T) {
	if got := ParseSummary("  'Process to onboard new hires'\n"); got != "Process to onboard new hires" {
		t.Errorf("got %q", got)
	}
}

func TestParseSteps(t *testing.T) {
	steps, err := ParseSteps(`{"steps": [{"id": "s1", "title": "Gather", "nextSteps": ["s2"]}, {"id": "s2", "title": "Review", "humanInteractionRequired": true, "estimatedTime": "1h"}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 || !steps[1].HumanInteractionRequired || steps[1].EstimatedTime != "1h" || steps[0].NextSteps[0] != "s2" {
		t.Errorf("unexpected steps: %+v", steps)
	}

	steps, err = ParseSteps("```json\n[{\"title\": \"Only\"}]\n```")
	if err != nil || len(steps) != 1 || steps[0].Title != "Only" {
		t.Errorf("expected bare array, got %+v, %v", steps, err)
	}

	if _, err := ParseSteps("no json here"); err == nil {
		t.Error("expected error")
	}
}
