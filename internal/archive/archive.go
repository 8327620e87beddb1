// Package archive persists finished session transcripts to SQLite so
// past conversations can be reviewed after the process exits.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/llm"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/session"
)

// Store is a SQLite-backed session archive.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the archive database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing database handle and ensures the schema
// exists. Tests pass an in-memory handle.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		answer TEXT,
		turns INTEGER NOT NULL,
		started_at TIMESTAMP NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record is an archived session row.
type Record struct {
	ID        string        `json:"id"`
	State     string        `json:"state"`
	Answer    string        `json:"answer"`
	Turns     int           `json:"turns"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Save archives a session result and its full transcript in one
// transaction.
func (s *Store) Save(res *session.Result) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO sessions (id, state, answer, turns, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		res.ID, res.State.String(), res.Answer, res.Turns,
		res.StartedAt.UTC(), res.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for i, msg := range res.Transcript {
		var toolCalls sql.NullString
		if len(msg.ToolCalls) > 0 {
			data, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			toolCalls = sql.NullString{String: string(data), Valid: true}
		}
		_, err = tx.Exec(
			`INSERT INTO messages (id, session_id, seq, role, content, tool_calls, tool_call_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), res.ID, i, msg.Role, msg.Content, toolCalls, msg.ToolCallID,
		)
		if err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// Recent returns the most recently started sessions, newest first.
func (s *Store) Recent(n int) ([]Record, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.Query(
		`SELECT id, state, answer, turns, started_at, duration_ms
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var durationMs int64
		if err := rows.Scan(&r.ID, &r.State, &r.Answer, &r.Turns, &r.StartedAt, &durationMs); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// Transcript loads the archived messages of a session in order.
func (s *Store) Transcript(sessionID string) ([]llm.Message, error) {
	rows, err := s.db.Query(
		`SELECT role, content, tool_calls, tool_call_id
		 FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []llm.Message
	for rows.Next() {
		var msg llm.Message
		var toolCalls sql.NullString
		if err := rows.Scan(&msg.Role, &msg.Content, &toolCalls, &msg.ToolCallID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
