package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rahul/stepwise/internal/process"
	"github.com/tmc/langchaingo/llms"
)

// ErrNotFound is returned when an archived process does not exist.
var ErrNotFound = errors.New("not found")

// HistoryStore archives chat transcripts and processes. Nothing is read
// back into live sessions.
type HistoryStore struct {
	DB *sql.DB
}

func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Each connection to :memory: is its own database.
	if dbPath == ":memory:" || dbPath == "" {
		db.SetMaxOpenConns(1)
	}

	// Create tables if not exist
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT,
			message_id TEXT,
			role TEXT,
			content TEXT,
			timestamp TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);`,
		`CREATE TABLE IF NOT EXISTS processes (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			title TEXT,
			status TEXT,
			body TEXT,
			updated_at TEXT
		);`,
	}
	for _, q := range queries {
		if _, err = db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return &HistoryStore{DB: db}, nil
}

func (h *HistoryStore) Close() error {
	return h.DB.Close()
}

// AddMessage appends one chat message. role is "user" or "assistant".
func (h *HistoryStore) AddMessage(sessionID, messageID, role, content string, ts time.Time) error {
	query := `INSERT INTO messages (session_id, message_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?)`
	_, err := h.DB.Exec(query, sessionID, messageID, role, content, ts.UTC().Format(time.RFC3339Nano))
	return err
}

// UpdateMessage overwrites an archived message in place.
func (h *HistoryStore) UpdateMessage(sessionID, messageID, content string, ts time.Time) error {
	query := `UPDATE messages SET content = ?, timestamp = ? WHERE session_id = ? AND message_id = ?`
	_, err := h.DB.Exec(query, content, ts.UTC().Format(time.RFC3339Nano), sessionID, messageID)
	return err
}

// GetHistory returns the last limit messages of a session in chronological
// order.
func (h *HistoryStore) GetHistory(sessionID string, limit int) ([]llms.MessageContent, error) {
	query := `SELECT role, content FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := h.DB.Query(query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []llms.MessageContent
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, err
		}

		msgRole := llms.ChatMessageTypeHuman
		if role == "assistant" {
			msgRole = llms.ChatMessageTypeAI
		}

		history = append(history, llms.MessageContent{
			Role: msgRole,
			Parts: []llms.ContentPart{
				llms.TextPart(content),
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}

	return history, nil
}

// SaveProcess inserts or replaces a process snapshot.
func (h *HistoryStore) SaveProcess(sessionID string, p *process.Process) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode process: %w", err)
	}
	query := `INSERT INTO processes (id, session_id, title, status, body, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, status = excluded.status, body = excluded.body, updated_at = excluded.updated_at`
	_, err = h.DB.Exec(query, p.ID, sessionID, p.Title, string(p.Status), string(body), p.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (h *HistoryStore) GetProcess(id string) (*process.Process, error) {
	var body string
	err := h.DB.QueryRow(`SELECT body FROM processes WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("process %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var p process.Process
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("failed to decode process %s: %w", id, err)
	}
	return &p, nil
}

// ListProcesses returns the ids of a session's archived processes, newest
// first.
func (h *HistoryStore) ListProcesses(sessionID string) ([]string, error) {
	rows, err := h.DB.Query(`SELECT id FROM processes WHERE session_id = ? ORDER BY updated_at DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
