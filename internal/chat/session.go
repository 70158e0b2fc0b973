// Package chat implements the prompt refinement conversation: collect an
// idea, walk through clarification questions one at a time, then ask the
// completion service for a rationale and an enhanced prompt.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rahul/stepwise/internal/agent"
	"github.com/rahul/stepwise/internal/observability"
)

type Phase string

const (
	PhaseInitial Phase = "initial"
	PhaseClarify Phase = "clarify"
	PhaseFinal   Phase = "final"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// User-visible banners. Each failure class maps to exactly one.
const (
	BannerClarify = "Sorry, I couldn't come up with clarifying questions for that. Please try again."
	BannerRequest = "Sorry, something went wrong while talking to the assistant. Please try again."
	BannerParse   = "I couldn't read the refined prompt clearly. Review it below, edit it, or try again."
)

const (
	Greeting             = "Let's work together to craft your process prompt. What do you want to accomplish?"
	DefaultQuestionDelay = 600 * time.Millisecond
)

var (
	ErrBusy           = errors.New("a request is already in progress")
	ErrEmptyInput     = errors.New("input is empty")
	ErrNoQuestions    = errors.New("no clarification questions returned")
	ErrNothingToEdit  = errors.New("there is no enhanced prompt to edit")
	ErrUnknownMessage = errors.New("unknown message")
)

// Refiner is the completion-service surface the conversation needs.
type Refiner interface {
	ClarifyQuestions(ctx context.Context, idea string) ([]string, error)
	Refine(ctx context.Context, request string) (agent.Refinement, error)
	Summarize(ctx context.Context, prompt string) (string, error)
}

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// QAPair is one answered clarification question. AnswerID links the pair to
// the user message holding the answer.
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	AnswerID string `json:"answerId"`
}

type FinalizedPrompt struct {
	Rationale      string `json:"rationale"`
	EnhancedPrompt string `json:"enhancedPrompt"`
}

// Snapshot is a copy of the session state for rendering.
type Snapshot struct {
	Phase         Phase            `json:"phase"`
	Messages      []Message        `json:"messages"`
	Questions     []string         `json:"clarifyQuestions"`
	QuestionIndex int              `json:"currentIndex"`
	QA            []QAPair         `json:"qa"`
	InitialIdea   string           `json:"initialIdea"`
	Finalized     *FinalizedPrompt `json:"finalizedPrompt,omitempty"`
	Summary       string           `json:"summary,omitempty"`
	Loading       bool             `json:"loading"`
	Error         string           `json:"error,omitempty"`
	Input         string           `json:"input"`
	EditMode      bool             `json:"editMode"`
}

// Pacer runs fn after d. It exists so tests can drop the conversational
// delay.
type Pacer func(d time.Duration, fn func())

// Option configures a Session.
type Option func(*Session)

func WithID(id string) Option { return func(s *Session) { s.id = id } }

func WithQuestionDelay(d time.Duration) Option { return func(s *Session) { s.delay = d } }

func WithPacer(p Pacer) Option { return func(s *Session) { s.pace = p } }

func WithClock(now func() time.Time) Option { return func(s *Session) { s.now = now } }

func WithLogger(l *observability.Logger) Option { return func(s *Session) { s.logger = l } }

// WithSummary toggles the follow-up summary request after refinement.
func WithSummary(enabled bool) Option { return func(s *Session) { s.summarize = enabled } }

// WithListener registers fn to receive every appended or edited message.
// fn is called without the session lock held.
func WithListener(fn func(Message)) Option { return func(s *Session) { s.listener = fn } }

// Session is one refinement conversation. All methods are safe for
// concurrent use; at most one completion request is outstanding at a time.
type Session struct {
	mu sync.Mutex

	id        string
	refiner   Refiner
	delay     time.Duration
	pace      Pacer
	now       func() time.Time
	newID     func() string
	logger    *observability.Logger
	listener  func(Message)
	summarize bool

	phase       Phase
	messages    []Message
	questions   []string
	cursor      int
	qa          []QAPair
	initialIdea string
	ideaID      string
	finalized   *FinalizedPrompt
	summary     string
	loading     bool
	pending     bool
	banner      string
	input       string
	editMode    bool

	// epoch changes on every reset so late results from an abandoned
	// request or paced question are dropped.
	epoch  int
	outbox []Message
}

func NewSession(refiner Refiner, opts ...Option) *Session {
	s := &Session{
		refiner:   refiner,
		delay:     DefaultQuestionDelay,
		pace:      func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
		now:       time.Now,
		newID:     uuid.NewString,
		summarize: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = s.newID()
	}
	s.mu.Lock()
	s.reset(true)
	s.unlockAndNotify()
	return s
}

func (s *Session) ID() string { return s.id }

// Submit handles one user submission according to the current phase.
func (s *Session) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	s.mu.Lock()
	if s.loading || s.pending {
		s.mu.Unlock()
		return ErrBusy
	}
	if text == "" {
		s.mu.Unlock()
		return ErrEmptyInput
	}

	switch {
	case s.phase == PhaseClarify:
		return s.answer(ctx, text)
	case s.phase == PhaseInitial && s.editMode:
		base := text
		s.banner = ""
		s.input = ""
		s.editMode = false
		s.append(RoleUser, text)
		return s.refine(ctx, BuildEditRequest(s.initialIdea, s.qa, base, ""))
	case s.phase == PhaseFinal:
		current := ""
		if s.finalized != nil {
			current = s.finalized.EnhancedPrompt
		}
		s.banner = ""
		s.append(RoleUser, text)
		return s.refine(ctx, BuildEditRequest(s.initialIdea, s.qa, current, text))
	default:
		return s.begin(ctx, text)
	}
}

// begin handles the initial idea. Called with s.mu held; returns with it
// released.
func (s *Session) begin(ctx context.Context, idea string) error {
	s.banner = ""
	s.input = ""
	s.initialIdea = idea
	s.ideaID = s.append(RoleUser, idea).ID
	s.loading = true
	epoch := s.epoch
	s.unlockAndNotify()

	questions, err := s.refiner.ClarifyQuestions(agent.WithSession(ctx, s.id), idea)

	s.mu.Lock()
	if epoch != s.epoch {
		s.unlockAndNotify()
		return nil
	}
	s.loading = false
	if err == nil && len(questions) == 0 {
		err = ErrNoQuestions
	}
	if err != nil {
		log.Printf("[Chat %s] clarification failed: %v", s.id, err)
		s.banner = BannerClarify
		s.unlockAndNotify()
		return fmt.Errorf("clarify: %w", err)
	}

	s.questions = append([]string(nil), questions...)
	s.cursor = 0
	s.qa = nil
	s.setPhase(PhaseClarify)
	s.append(RoleAssistant, s.questions[0])
	s.unlockAndNotify()
	return nil
}

// answer records a clarify answer. Called with s.mu held; returns with it
// released.
func (s *Session) answer(ctx context.Context, text string) error {
	question := s.questions[s.cursor]
	msg := s.append(RoleUser, text)
	s.qa = append(s.qa, QAPair{Question: question, Answer: text, AnswerID: msg.ID})
	s.cursor++

	if s.cursor < len(s.questions) {
		s.pending = true
		epoch := s.epoch
		next := s.questions[s.cursor]
		s.unlockAndNotify()
		s.pace(s.delay, func() {
			s.mu.Lock()
			if epoch != s.epoch {
				s.mu.Unlock()
				return
			}
			s.pending = false
			s.append(RoleAssistant, next)
			s.unlockAndNotify()
		})
		return nil
	}

	return s.refine(ctx, BuildTranscript(s.initialIdea, s.qa))
}

// refine issues the refinement request and, on success, the summary
// request. Called with s.mu held; returns with it released.
func (s *Session) refine(ctx context.Context, request string) error {
	s.loading = true
	s.banner = ""
	epoch := s.epoch
	summarize := s.summarize
	s.unlockAndNotify()

	ctx = agent.WithSession(ctx, s.id)
	r, err := s.refiner.Refine(ctx, request)

	var summary string
	if err == nil && summarize && r.EnhancedPrompt != "" {
		var serr error
		summary, serr = s.refiner.Summarize(ctx, r.EnhancedPrompt)
		if serr != nil {
			log.Printf("[Chat %s] summary failed: %v", s.id, serr)
			summary = ""
		}
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.unlockAndNotify()
		return nil
	}
	s.loading = false
	s.setPhase(PhaseFinal)
	if err != nil {
		log.Printf("[Chat %s] refinement failed: %v", s.id, err)
		s.banner = BannerRequest
		s.unlockAndNotify()
		return fmt.Errorf("refine: %w", err)
	}

	if !r.Recognized {
		log.Printf("Warning: [Chat %s] could not find rationale or enhanced prompt in response", s.id)
		s.logger.LogParseFailure(s.id, agent.PromptRefine, r.Raw)
		s.banner = BannerParse
	}
	if r.Rationale != "" || r.EnhancedPrompt != "" {
		s.finalized = &FinalizedPrompt{Rationale: r.Rationale, EnhancedPrompt: r.EnhancedPrompt}
		s.append(RoleAssistant, FormatResult(*s.finalized))
	}
	s.summary = summary
	s.unlockAndNotify()
	return nil
}

// StartOver discards the whole conversation.
func (s *Session) StartOver() {
	s.mu.Lock()
	s.reset(true)
	s.unlockAndNotify()
}

// TryAgain returns to the initial phase with a fresh log and cleared input,
// keeping only the last idea for reference. Calling it again is a no-op.
func (s *Session) TryAgain() bool {
	s.mu.Lock()
	if s.isPristine() {
		s.mu.Unlock()
		return false
	}
	s.reset(false)
	s.unlockAndNotify()
	return true
}

// Edit switches to edit mode with the input prefilled with the current
// enhanced prompt. The next submission goes straight to refinement.
func (s *Session) Edit() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loading || s.pending {
		return "", ErrBusy
	}
	if s.finalized == nil || s.finalized.EnhancedPrompt == "" {
		return "", ErrNothingToEdit
	}
	s.setPhase(PhaseInitial)
	s.editMode = true
	s.banner = ""
	s.input = s.finalized.EnhancedPrompt
	return s.input, nil
}

// EditMessage overwrites a user message in place. When the message is a
// clarify answer the recorded answer changes with it.
func (s *Session) EditMessage(id, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyInput
	}
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return ErrBusy
	}
	idx := -1
	for i := range s.messages {
		if s.messages[i].ID == id && s.messages[i].Role == RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w %q", ErrUnknownMessage, id)
	}
	s.messages[idx].Content = content
	s.messages[idx].Timestamp = s.now()
	for i := range s.qa {
		if s.qa[i].AnswerID == id {
			s.qa[i].Answer = content
		}
	}
	if id == s.ideaID {
		s.initialIdea = content
	}
	s.outbox = append(s.outbox, s.messages[idx])
	s.unlockAndNotify()
	return nil
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Phase:         s.phase,
		Messages:      append([]Message(nil), s.messages...),
		Questions:     append([]string(nil), s.questions...),
		QuestionIndex: s.cursor,
		QA:            append([]QAPair(nil), s.qa...),
		InitialIdea:   s.initialIdea,
		Summary:       s.summary,
		Loading:       s.loading || s.pending,
		Error:         s.banner,
		Input:         s.input,
		EditMode:      s.editMode,
	}
	if s.finalized != nil {
		f := *s.finalized
		snap.Finalized = &f
	}
	return snap
}

// Prompt returns the best prompt available: the enhanced prompt when there
// is one, otherwise the initial idea.
func (s *Session) Prompt() (prompt, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized != nil && s.finalized.EnhancedPrompt != "" {
		return s.finalized.EnhancedPrompt, s.summary
	}
	return s.initialIdea, s.summary
}

func (s *Session) isPristine() bool {
	return s.phase == PhaseInitial && !s.editMode && s.input == "" && s.banner == "" &&
		s.finalized == nil && len(s.questions) == 0 && len(s.messages) == 1
}

// reset clears derived state and restarts the log with the greeting.
// Called with s.mu held.
func (s *Session) reset(clearIdea bool) {
	s.epoch++
	s.setPhase(PhaseInitial)
	s.messages = nil
	s.questions = nil
	s.cursor = 0
	s.qa = nil
	s.finalized = nil
	s.summary = ""
	s.loading = false
	s.pending = false
	s.banner = ""
	s.input = ""
	s.editMode = false
	s.ideaID = ""
	if clearIdea {
		s.initialIdea = ""
	}
	s.append(RoleAssistant, Greeting)
}

func (s *Session) setPhase(p Phase) {
	if s.phase == p {
		return
	}
	if s.phase != "" {
		s.logger.LogPhase(s.id, "chat", string(s.phase), string(p))
	}
	s.phase = p
}

// append adds a message to the log and queues it for the listener. Called
// with s.mu held.
func (s *Session) append(role Role, content string) Message {
	m := Message{
		ID:        s.newID(),
		Role:      role,
		Content:   content,
		Timestamp: s.now(),
	}
	s.messages = append(s.messages, m)
	s.outbox = append(s.outbox, m)
	return m
}

func (s *Session) unlockAndNotify() {
	out := s.outbox
	s.outbox = nil
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return
	}
	for _, m := range out {
		listener(m)
	}
}
