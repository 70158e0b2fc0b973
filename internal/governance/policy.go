package governance

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// DefaultMaxRunes caps a single submission.
const DefaultMaxRunes = 4000

// Banner is shown to the user when a submission is denied.
const Banner = "That message can't be sent. Please shorten or rephrase it."

// Request is one user submission to be evaluated.
type Request struct {
	SessionID string
	Input     string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

func (r Result) Allowed() bool { return r.Effect == EffectAllow }

// PolicyEngine evaluates submissions before they reach the model.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine denies inputs that are too long or match a pattern.
type DefaultPolicyEngine struct {
	MaxRunes    int
	DeniedRegex []*regexp.Regexp
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		MaxRunes:    DefaultMaxRunes,
		DeniedRegex: make([]*regexp.Regexp, 0),
	}
}

// NewPolicyEngine builds an engine from config values. maxRunes <= 0 keeps
// the default.
func NewPolicyEngine(maxRunes int, patterns []string) (*DefaultPolicyEngine, error) {
	e := NewDefaultPolicyEngine()
	if maxRunes > 0 {
		e.MaxRunes = maxRunes
	}
	for _, p := range patterns {
		if err := e.DenyPattern(p); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *DefaultPolicyEngine) DenyPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid deny pattern %q: %w", pattern, err)
	}
	e.DeniedRegex = append(e.DeniedRegex, re)
	return nil
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if n := utf8.RuneCountInString(req.Input); e.MaxRunes > 0 && n > e.MaxRunes {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Input is %d characters, limit is %d", n, e.MaxRunes),
		}, nil
	}

	for _, re := range e.DeniedRegex {
		if re.MatchString(req.Input) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("Input matches restricted pattern: %s", re.String()),
			}, nil
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "Approved by default policy",
	}, nil
}
