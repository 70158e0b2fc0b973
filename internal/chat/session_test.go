package chat

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rahul/stepwise/internal/agent"
	"github.com/rahul/stepwise/internal/observability"
)

type fakeRefiner struct {
	mu         sync.Mutex
	questions  []string
	clarifyErr error
	refinement agent.Refinement
	refineErr  error
	summary    string
	summaryErr error

	block chan struct{}

	ideas    []string
	requests []string
}

func (f *fakeRefiner) ClarifyQuestions(ctx context.Context, idea string) ([]string, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ideas = append(f.ideas, idea)
	return f.questions, f.clarifyErr
}

func (f *fakeRefiner) Refine(ctx context.Context, request string) (agent.Refinement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, request)
	return f.refinement, f.refineErr
}

func (f *fakeRefiner) Summarize(ctx context.Context, prompt string) (string, error) {
	return f.summary, f.summaryErr
}

func syncPacer(d time.Duration, fn func()) { fn() }

// manualPacer holds paced callbacks until flushed.
type manualPacer struct {
	mu      sync.Mutex
	pending []func()
	delays  []time.Duration
}

func (m *manualPacer) pace(d time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, fn)
	m.delays = append(m.delays, d)
}

func (m *manualPacer) flush() {
	m.mu.Lock()
	fns := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func goodRefiner() *fakeRefiner {
	return &fakeRefiner{
		questions: []string{"Who is involved?", "How often?"},
		refinement: agent.Refinement{
			Rationale:      "Adds owners and cadence.",
			EnhancedPrompt: "Finance approves invoices weekly.",
			Recognized:     true,
		},
		summary: "Weekly invoice approval",
	}
}

func TestNewSession_Greeting(t *testing.T) {
	s := NewSession(goodRefiner())
	snap := s.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].Role != RoleAssistant || snap.Messages[0].Content != Greeting {
		t.Fatalf("expected a single greeting, got %+v", snap.Messages)
	}
	if snap.Phase != PhaseInitial {
		t.Errorf("expected initial phase, got %s", snap.Phase)
	}
}

func TestSubmit_EmptyInputRejected(t *testing.T) {
	s := NewSession(goodRefiner())
	if err := s.Submit(context.Background(), "   \n"); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	if n := len(s.Snapshot().Messages); n != 1 {
		t.Errorf("expected no state change, got %d messages", n)
	}
}

func TestSubmit_FullFlow(t *testing.T) {
	ref := goodRefiner()
	s := NewSession(ref, WithPacer(syncPacer))
	ctx := context.Background()

	if err := s.Submit(ctx, "Automate invoice approvals"); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if snap.Phase != PhaseClarify || snap.QuestionIndex != 0 {
		t.Fatalf("expected clarify at 0, got %s at %d", snap.Phase, snap.QuestionIndex)
	}
	if len(snap.Messages) != 3 || snap.Messages[2].Content != "Who is involved?" {
		t.Fatalf("expected exactly one question appended, got %+v", snap.Messages)
	}

	if err := s.Submit(ctx, "Finance team"); err != nil {
		t.Fatal(err)
	}
	snap = s.Snapshot()
	if snap.Messages[len(snap.Messages)-1].Content != "How often?" || snap.QuestionIndex != 1 {
		t.Fatalf("expected second question, got %+v", snap.Messages)
	}

	if err := s.Submit(ctx, "Weekly"); err != nil {
		t.Fatal(err)
	}
	snap = s.Snapshot()
	if snap.Phase != PhaseFinal {
		t.Fatalf("expected final phase, got %s", snap.Phase)
	}
	if snap.Finalized == nil || snap.Finalized.EnhancedPrompt != "Finance approves invoices weekly." {
		t.Fatalf("unexpected finalized prompt %+v", snap.Finalized)
	}
	if snap.Summary != "Weekly invoice approval" || snap.Loading || snap.Error != "" {
		t.Errorf("unexpected final state %+v", snap)
	}
	last := snap.Messages[len(snap.Messages)-1]
	if last.Role != RoleAssistant || !strings.Contains(last.Content, "Finance approves invoices weekly.") {
		t.Errorf("expected result message, got %+v", last)
	}

	req := ref.requests[0]
	for _, want := range []string{"Automate invoice approvals", "Who is involved?", "Finance team", "How often?", "Weekly"} {
		if !strings.Contains(req, want) {
			t.Errorf("refinement request missing %q:\n%s", want, req)
		}
	}
	if len(snap.QA) != 2 || snap.QA[1].Answer != "Weekly" {
		t.Errorf("unexpected QA pairs %+v", snap.QA)
	}
}

func TestSubmit_ClarifyFailure(t *testing.T) {
	for name, ref := range map[string]*fakeRefiner{
		"error": {clarifyErr: errors.New("boom")},
		"empty": {},
	} {
		t.Run(name, func(t *testing.T) {
			s := NewSession(ref)
			if err := s.Submit(context.Background(), "idea"); err == nil {
				t.Fatal("expected error")
			}
			snap := s.Snapshot()
			if snap.Phase != PhaseInitial || snap.Error != BannerClarify || snap.Loading {
				t.Errorf("unexpected state %+v", snap)
			}
		})
	}
}

func TestSubmit_RefineFailure(t *testing.T) {
	ref := goodRefiner()
	ref.questions = []string{"Only question?"}
	ref.refineErr = errors.New("timeout")
	s := NewSession(ref)
	ctx := context.Background()
	_ = s.Submit(ctx, "idea")
	if err := s.Submit(ctx, "answer"); err == nil {
		t.Fatal("expected error")
	}
	snap := s.Snapshot()
	if snap.Error != BannerRequest || snap.Loading || snap.Finalized != nil {
		t.Errorf("unexpected state %+v", snap)
	}
}

func TestSubmit_ParseFailureStillFinal(t *testing.T) {
	ref := goodRefiner()
	ref.questions = []string{"Q?"}
	ref.refinement = agent.Refinement{Rationale: "whatever", EnhancedPrompt: "last line", Raw: "whatever\nlast line"}
	var buf bytes.Buffer
	logger := observability.NewLogger("")
	logger.SetOutput(&buf)
	s := NewSession(ref, WithLogger(logger))
	ctx := context.Background()
	_ = s.Submit(ctx, "idea")
	if err := s.Submit(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if snap.Phase != PhaseFinal || snap.Error != BannerParse || snap.Loading {
		t.Errorf("unexpected state %+v", snap)
	}
	if snap.Finalized == nil || snap.Finalized.EnhancedPrompt != "last line" {
		t.Errorf("fallback values should be kept, got %+v", snap.Finalized)
	}
	if n := strings.Count(buf.String(), `"type":"parse_failure"`); n != 1 {
		t.Errorf("expected one parse failure event, got %d in %s", n, buf.String())
	}
}

func TestSubmit_SummaryFailureIsSilent(t *testing.T) {
	ref := goodRefiner()
	ref.questions = []string{"Q?"}
	ref.summaryErr = errors.New("nope")
	s := NewSession(ref)
	ctx := context.Background()
	_ = s.Submit(ctx, "idea")
	if err := s.Submit(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if snap.Error != "" || snap.Summary != "" || snap.Finalized == nil {
		t.Errorf("unexpected state %+v", snap)
	}

	s = NewSession(goodRefiner(), WithSummary(false), WithPacer(syncPacer))
	_ = s.Submit(ctx, "idea")
	_ = s.Submit(ctx, "a")
	_ = s.Submit(ctx, "b")
	if s.Snapshot().Summary != "" {
		t.Error("summary should be skipped when disabled")
	}
}

func TestSubmit_BusyWhileLoading(t *testing.T) {
	ref := goodRefiner()
	ref.block = make(chan struct{})
	s := NewSession(ref)

	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background(), "idea") }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Snapshot().Loading {
		if time.Now().After(deadline) {
			t.Fatal("session never entered loading")
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.Submit(context.Background(), "again"); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	close(ref.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if s.Snapshot().Phase != PhaseClarify {
		t.Error("expected clarify after unblocking")
	}
}

func TestSubmit_PacedQuestion(t *testing.T) {
	p := &manualPacer{}
	s := NewSession(goodRefiner(), WithPacer(p.pace), WithQuestionDelay(50*time.Millisecond))
	ctx := context.Background()
	_ = s.Submit(ctx, "idea")
	_ = s.Submit(ctx, "first answer")

	snap := s.Snapshot()
	if !snap.Loading || snap.Messages[len(snap.Messages)-1].Content != "first answer" {
		t.Fatalf("next question should wait for the pacer, got %+v", snap.Messages)
	}
	if err := s.Submit(ctx, "too fast"); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy while a question is pending, got %v", err)
	}
	if p.delays[0] != 50*time.Millisecond {
		t.Errorf("unexpected delay %v", p.delays[0])
	}

	p.flush()
	snap = s.Snapshot()
	if snap.Loading || snap.Messages[len(snap.Messages)-1].Content != "How often?" {
		t.Errorf("expected paced question, got %+v", snap.Messages)
	}
}

func TestStartOver_DropsPendingQuestion(t *testing.T) {
	p := &manualPacer{}
	s := NewSession(goodRefiner(), WithPacer(p.pace))
	ctx := context.Background()
	_ = s.Submit(ctx, "idea")
	_ = s.Submit(ctx, "answer")

	s.StartOver()
	p.flush()

	snap := s.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].Content != Greeting {
		t.Fatalf("expected only the greeting, got %+v", snap.Messages)
	}
	if snap.InitialIdea != "" || snap.Phase != PhaseInitial || len(snap.QA) != 0 || snap.Loading {
		t.Errorf("unexpected state %+v", snap)
	}
}

func TestTryAgain_Idempotent(t *testing.T) {
	ref := goodRefiner()
	ref.questions = []string{"Q?"}
	s := NewSession(ref)
	ctx := context.Background()
	_ = s.Submit(ctx, "idea")
	_ = s.Submit(ctx, "a")

	if !s.TryAgain() {
		t.Fatal("first try again should reset")
	}
	first := s.Snapshot()
	if s.TryAgain() {
		t.Error("second try again should be a no-op")
	}
	second := s.Snapshot()

	if first.Phase != PhaseInitial || first.Input != "" || first.Error != "" || first.Finalized != nil {
		t.Errorf("unexpected state after try again %+v", first)
	}
	if first.InitialIdea != "idea" {
		t.Errorf("try again keeps the last idea, got %q", first.InitialIdea)
	}
	if len(second.Messages) != 1 || second.Messages[0].ID != first.Messages[0].ID {
		t.Error("second try again changed the log")
	}
}

func TestEdit_SkipsClarify(t *testing.T) {
	ref := goodRefiner()
	ref.questions = []string{"Q?"}
	s := NewSession(ref)
	ctx := context.Background()

	if _, err := s.Edit(); !errors.Is(err, ErrNothingToEdit) {
		t.Errorf("expected ErrNothingToEdit, got %v", err)
	}

	_ = s.Submit(ctx, "idea")
	_ = s.Submit(ctx, "a")

	prefill, err := s.Edit()
	if err != nil {
		t.Fatal(err)
	}
	if prefill != "Finance approves invoices weekly." {
		t.Errorf("unexpected prefill %q", prefill)
	}
	snap := s.Snapshot()
	if !snap.EditMode || snap.Phase != PhaseInitial || snap.Input != prefill {
		t.Errorf("unexpected edit state %+v", snap)
	}

	ref.refinement.EnhancedPrompt = "Finance approves invoices every Monday."
	if err := s.Submit(ctx, "Finance approves invoices on Mondays."); err != nil {
		t.Fatal(err)
	}
	if len(ref.ideas) != 1 {
		t.Errorf("edit submission must not ask for questions again, got %d clarify calls", len(ref.ideas))
	}
	if len(ref.requests) != 2 || !strings.Contains(ref.requests[1], "Finance approves invoices on Mondays.") {
		t.Errorf("unexpected refinement requests %q", ref.requests)
	}
	snap = s.Snapshot()
	if snap.Phase != PhaseFinal || snap.EditMode || snap.Finalized.EnhancedPrompt != "Finance approves invoices every Monday." {
		t.Errorf("unexpected state after edit %+v", snap)
	}
}

func TestSubmit_FinalPhaseRefinesAgain(t *testing.T) {
	ref := goodRefiner()
	ref.questions = []string{"Q?"}
	s := NewSession(ref)
	ctx := context.Background()
	_ = s.Submit(ctx, "idea")
	_ = s.Submit(ctx, "a")

	if err := s.Submit(ctx, "Mention the CFO"); err != nil {
		t.Fatal(err)
	}
	if len(ref.requests) != 2 {
		t.Fatalf("expected a second refinement, got %d", len(ref.requests))
	}
	req := ref.requests[1]
	if !strings.Contains(req, "Finance approves invoices weekly.") || !strings.Contains(req, "Mention the CFO") {
		t.Errorf("unexpected request %q", req)
	}
}

func TestEditMessage(t *testing.T) {
	ref := goodRefiner()
	s := NewSession(ref, WithPacer(syncPacer))
	ctx := context.Background()
	_ = s.Submit(ctx, "idea")
	_ = s.Submit(ctx, "Finance")

	snap := s.Snapshot()
	answerID := snap.QA[0].AnswerID
	if err := s.EditMessage(answerID, "Finance and legal"); err != nil {
		t.Fatal(err)
	}
	if err := s.EditMessage(snap.Messages[1].ID, "better idea"); err != nil {
		t.Fatal(err)
	}
	if err := s.EditMessage(snap.Messages[0].ID, "no"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("assistant messages are not editable, got %v", err)
	}
	if err := s.EditMessage("missing", "x"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("expected ErrUnknownMessage, got %v", err)
	}

	_ = s.Submit(ctx, "Weekly")
	if !strings.Contains(ref.requests[0], "Finance and legal") || !strings.Contains(ref.requests[0], "better idea") {
		t.Errorf("edits should flow into the transcript, got %q", ref.requests[0])
	}
	snap = s.Snapshot()
	if len(snap.Messages) < 4 || snap.Messages[3].Content != "Finance and legal" {
		t.Errorf("message should be edited in place, got %+v", snap.Messages)
	}
}

func TestListener(t *testing.T) {
	var mu sync.Mutex
	var got []Message
	s := NewSession(goodRefiner(), WithPacer(syncPacer), WithListener(func(m Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	}))
	_ = s.Submit(context.Background(), "idea")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0].Content != Greeting || got[1].Content != "idea" || got[2].Content != "Who is involved?" {
		t.Errorf("unexpected listener messages %+v", got)
	}
}

func TestPrompt(t *testing.T) {
	ref := goodRefiner()
	ref.questions = []string{"Q?"}
	s := NewSession(ref)
	ctx := context.Background()
	_ = s.Submit(ctx, "idea")
	if p, _ := s.Prompt(); p != "idea" {
		t.Errorf("expected idea before refinement, got %q", p)
	}
	_ = s.Submit(ctx, "a")
	p, summary := s.Prompt()
	if p != "Finance approves invoices weekly." || summary != "Weekly invoice approval" {
		t.Errorf("unexpected prompt %q / %q", p, summary)
	}
}

func TestBuildTranscript(t *testing.T) {
	got := BuildTranscript("Ship weekly", []QAPair{{Question: "Who?", Answer: "Ops"}})
	want := "Initial idea: Ship weekly\n\nClarifications:\n1. Q: Who?\n   A: Ops"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
