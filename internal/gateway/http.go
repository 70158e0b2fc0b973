package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"html"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rahul/stepwise/internal/chat"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/process"
	"github.com/rahul/stepwise/internal/wizard"
	"github.com/tmc/langchaingo/llms"
)

const (
	sessionsPrefix = "/api/v1/sessions/"
	archiveLimit   = 200
)

// ArchiveReader reads transcripts and processes that outlive the in-memory
// session. Implemented by store.HistoryStore.
type ArchiveReader interface {
	GetHistory(sessionID string, limit int) ([]llms.MessageContent, error)
	ListProcesses(sessionID string) ([]string, error)
	GetProcess(id string) (*process.Process, error)
}

type HTTPDeps struct {
	Manager        *wizard.Manager
	Archive        ArchiveReader
	Addr           string
	RequestTimeout time.Duration
}

type archivedMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HTTPGateway serves the JSON API and the websocket event stream.
type HTTPGateway struct {
	deps     HTTPDeps
	mux      *http.ServeMux
	hub      *WSHub
	server   *http.Server
	sanitize *bluemonday.Policy
}

func NewHTTPGateway(deps HTTPDeps) *HTTPGateway {
	g := &HTTPGateway{
		deps:     deps,
		mux:      http.NewServeMux(),
		hub:      NewWSHub(),
		sanitize: bluemonday.StrictPolicy(),
	}
	g.mux.HandleFunc("/api/v1/sessions", g.handleSessions)
	g.mux.HandleFunc(sessionsPrefix, g.handleSessionActions)
	g.mux.HandleFunc("/healthz", g.handleHealth)
	g.mux.HandleFunc("/ws", g.handleWS)
	g.server = &http.Server{Addr: deps.Addr, Handler: g.mux, ReadHeaderTimeout: 10 * time.Second}
	return g
}

func (g *HTTPGateway) Handler() http.Handler {
	return g.mux
}

func (g *HTTPGateway) Start() error {
	log.Printf("HTTP gateway listening on %s", g.deps.Addr)
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Send pushes a notice to the session's websocket clients.
func (g *HTTPGateway) Send(chatID string, text string) error {
	g.hub.Publish(chatID, "notice", map[string]string{"text": g.clean(text)})
	return nil
}

func (g *HTTPGateway) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.server.Shutdown(ctx)
}

// Publish forwards a wizard event to websocket clients. Sessions owned by
// chat gateways are skipped.
func (g *HTTPGateway) Publish(e wizard.Event) {
	if strings.HasPrefix(e.SessionID, telegramPrefix) || strings.HasPrefix(e.SessionID, discordPrefix) {
		return
	}
	if e.Message != nil {
		m := g.sanitizeMessage(*e.Message)
		e.Message = &m
	}
	g.hub.Publish(e.SessionID, string(e.Type), e)
}

func (g *HTTPGateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, observability.GetStatus())
}

func (g *HTTPGateway) handleWS(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("session"))
	if _, err := g.deps.Manager.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
		return
	}
	g.hub.Serve(w, r, id)
}

func (g *HTTPGateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondOK(w, map[string]any{"sessions": g.deps.Manager.IDs()})
	case http.MethodPost:
		wz := g.deps.Manager.Create("")
		respondOK(w, g.snapshot(wz))
	default:
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (g *HTTPGateway) handleSessionActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, sessionsPrefix)
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
		return
	}
	id := parts[0]

	if len(parts) == 1 && r.Method == http.MethodDelete {
		if !g.deps.Manager.Delete(id) {
			respondError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
			return
		}
		respondOK(w, map[string]any{"id": id, "deleted": true})
		return
	}

	if len(parts) == 2 && parts[1] == "archive" {
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		g.handleArchive(w, id)
		return
	}

	wz, err := g.deps.Manager.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		respondOK(w, g.snapshot(wz))
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	observability.SetLastAction(parts[1])

	switch {
	case len(parts) == 2:
		g.handleAction(w, r, wz, parts[1])
	case len(parts) == 3 && parts[1] == "messages":
		var req struct {
			Content string `json:"content"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		g.finish(w, wz, wz.EditMessage(parts[2], req.Content))
	case len(parts) == 4 && parts[1] == "steps":
		g.handleStepAction(w, r, wz, parts[2], parts[3])
	default:
		respondError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	}
}

// handleArchive serves the stored transcript and processes of a session,
// which stay readable after the live session is reaped.
func (g *HTTPGateway) handleArchive(w http.ResponseWriter, id string) {
	if g.deps.Archive == nil {
		respondError(w, http.StatusNotFound, "ARCHIVE_DISABLED", "no archive configured")
		return
	}
	history, err := g.deps.Archive.GetHistory(id, archiveLimit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ARCHIVE_FAILED", err.Error())
		return
	}
	messages := make([]archivedMessage, 0, len(history))
	for _, m := range history {
		role := chat.RoleUser
		if m.Role == llms.ChatMessageTypeAI {
			role = chat.RoleAssistant
		}
		var text strings.Builder
		for _, part := range m.Parts {
			if t, ok := part.(llms.TextContent); ok {
				text.WriteString(t.Text)
			}
		}
		content := text.String()
		if role == chat.RoleAssistant {
			content = g.clean(content)
		}
		messages = append(messages, archivedMessage{Role: string(role), Content: content})
	}

	ids, err := g.deps.Archive.ListProcesses(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ARCHIVE_FAILED", err.Error())
		return
	}
	processes := make([]*process.Process, 0, len(ids))
	for _, pid := range ids {
		p, err := g.deps.Archive.GetProcess(pid)
		if err != nil {
			log.Printf("[HTTP] skipping archived process %s: %v", pid, err)
			continue
		}
		processes = append(processes, p)
	}
	respondOK(w, map[string]any{"id": id, "messages": messages, "processes": processes})
}

func (g *HTTPGateway) handleAction(w http.ResponseWriter, r *http.Request, wz *wizard.Wizard, action string) {
	switch action {
	case "start":
		g.finish(w, wz, wz.Start())
	case "submit":
		var req struct {
			Text string `json:"text"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		ctx, cancel := g.requestContext(r)
		defer cancel()
		g.finish(w, wz, wz.Submit(ctx, req.Text))
	case "start-over":
		g.finish(w, wz, wz.StartOver())
	case "try-again":
		_, err := wz.TryAgain()
		g.finish(w, wz, err)
	case "edit":
		prefill, err := wz.Edit()
		if err != nil {
			g.finish(w, wz, err)
			return
		}
		respondOK(w, map[string]any{"prefill": g.clean(prefill), "session": g.snapshot(wz)})
	case "use-prompt":
		ctx, cancel := g.requestContext(r)
		defer cancel()
		_, err := wz.UsePrompt(ctx)
		g.finish(w, wz, err)
	case "steps":
		var req struct {
			Steps []process.Step `json:"steps"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		g.finish(w, wz, wz.ReplaceSteps(req.Steps))
	case "approve":
		g.finish(w, wz, wz.Approve())
	case "back":
		g.finish(w, wz, wz.Back())
	case "complete":
		g.finish(w, wz, wz.MarkComplete())
	default:
		respondError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	}
}

func (g *HTTPGateway) handleStepAction(w http.ResponseWriter, r *http.Request, wz *wizard.Wizard, stepID, action string) {
	switch action {
	case "complete":
		g.finish(w, wz, wz.CompleteStep(stepID))
	case "input":
		var req struct {
			Input string `json:"input"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		g.finish(w, wz, wz.SubmitHumanInput(stepID, req.Input))
	case "choose":
		g.finish(w, wz, wz.Choose(stepID))
	default:
		respondError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	}
}

func (g *HTTPGateway) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if g.deps.RequestTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), g.deps.RequestTimeout)
}

// finish responds with the session snapshot, or maps err to an error
// envelope.
func (g *HTTPGateway) finish(w http.ResponseWriter, wz *wizard.Wizard, err error) {
	if err == nil {
		respondOK(w, g.snapshot(wz))
		return
	}
	status, code := errorStatus(err)
	msg := err.Error()
	snap := wz.Snapshot()
	switch {
	case errors.Is(err, wizard.ErrDenied):
		msg = snap.Banner
	case code == "COMPLETION_FAILED" && snap.Chat.Error != "":
		msg = snap.Chat.Error
	}
	respondError(w, status, code, msg)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrBusy):
		return http.StatusConflict, "BUSY"
	case errors.Is(err, chat.ErrEmptyInput):
		return http.StatusBadRequest, "EMPTY_INPUT"
	case errors.Is(err, wizard.ErrDenied):
		return http.StatusUnprocessableEntity, "POLICY_DENIED"
	case errors.Is(err, wizard.ErrWrongPhase):
		return http.StatusConflict, "WRONG_PHASE"
	case errors.Is(err, wizard.ErrNoPrompt):
		return http.StatusConflict, "NO_PROMPT"
	case errors.Is(err, chat.ErrNothingToEdit):
		return http.StatusConflict, "NOTHING_TO_EDIT"
	case errors.Is(err, chat.ErrUnknownMessage):
		return http.StatusNotFound, "MESSAGE_NOT_FOUND"
	case errors.Is(err, process.ErrUnknownStep):
		return http.StatusNotFound, "STEP_NOT_FOUND"
	case errors.Is(err, process.ErrEmptyHumanInput):
		return http.StatusBadRequest, "EMPTY_INPUT"
	case errors.Is(err, process.ErrNotCurrent),
		errors.Is(err, process.ErrNotWaiting),
		errors.Is(err, process.ErrNeedsHumanInput),
		errors.Is(err, process.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_STEP_ACTION"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	}
	return http.StatusBadGateway, "COMPLETION_FAILED"
}

func (g *HTTPGateway) snapshot(wz *wizard.Wizard) wizard.Snapshot {
	snap := wz.Snapshot()
	for i, m := range snap.Chat.Messages {
		snap.Chat.Messages[i] = g.sanitizeMessage(m)
	}
	if f := snap.Chat.Finalized; f != nil {
		f.Rationale = g.clean(f.Rationale)
		f.EnhancedPrompt = g.clean(f.EnhancedPrompt)
	}
	snap.Chat.Summary = g.clean(snap.Chat.Summary)
	for i, q := range snap.Chat.Questions {
		snap.Chat.Questions[i] = g.clean(q)
	}
	return snap
}

// clean strips markup from model text. Entities are decoded again because
// the API carries plain text, not HTML.
func (g *HTTPGateway) clean(s string) string {
	return html.UnescapeString(g.sanitize.Sanitize(s))
}

func (g *HTTPGateway) sanitizeMessage(m chat.Message) chat.Message {
	if m.Role == chat.RoleAssistant {
		m.Content = g.clean(m.Content)
	}
	return m
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return false
	}
	return true
}

func respondOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func respondError(w http.ResponseWriter, code int, errCode string, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": map[string]any{"code": errCode, "message": msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
