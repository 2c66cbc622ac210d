package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Note is one append-only log entry derived from a discovery update. Entries
// are never mutated after creation; the log is only truncated on a full
// state reset.
type Note struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	QuestionID string    `json:"questionId,omitempty"`
	Text       string    `json:"text"`
}

// State is the locally persisted progress record for one user.
type State struct {
	UserID             string            `json:"userId"`
	CreatedAt          time.Time         `json:"createdAt"`
	Discovery          map[string]string `json:"discovery"`
	Notes              []Note            `json:"notes"`
	CompletedQuestions int               `json:"completedQuestions"`
	TotalQuestions     int               `json:"totalQuestions"`
	IsComplete         bool              `json:"isComplete"`
	LastQuestionID     string            `json:"lastQuestionId,omitempty"`
}

// Clone returns a deep copy of the state, safe to hand to another goroutine
// while the original keeps being mutated.
func (s *State) Clone() *State {
	out := *s
	out.Discovery = make(map[string]string, len(s.Discovery))
	for k, v := range s.Discovery {
		out.Discovery[k] = v
	}
	out.Notes = append([]Note(nil), s.Notes...)
	return &out
}

// Store persists per-user onboarding progress in SQLite. A sync_pending flag
// per user drives the opportunistic backend push; it is set on every save
// and cleared only after a successful push.
type Store struct {
	db *sql.DB
	mu sync.Mutex // Serializes writes to avoid SQLITE_BUSY under WAL
}

// Open creates (or opens) the store at the given path.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS onboarding_state (
		user_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		discovery_json TEXT NOT NULL,
		completed_questions INTEGER DEFAULT 0,
		total_questions INTEGER DEFAULT 0,
		is_complete INTEGER DEFAULT 0,
		last_question_id TEXT,
		sync_pending INTEGER DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS onboarding_notes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		question_id TEXT,
		note_text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notes_user ON onboarding_notes(user_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Load retrieves a user's state, or nil if none has been saved yet.
func (s *Store) Load(ctx context.Context, userID string) (*State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT created_at, discovery_json, completed_questions,
		       total_questions, is_complete, last_question_id
		FROM onboarding_state WHERE user_id = ?`, userID)

	var (
		createdAt     int64
		discoveryJSON string
		state         State
		isComplete    int
		lastQuestion  sql.NullString
	)
	err := row.Scan(&createdAt, &discoveryJSON, &state.CompletedQuestions,
		&state.TotalQuestions, &isComplete, &lastQuestion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan state row: %w", err)
	}

	state.UserID = userID
	state.CreatedAt = time.Unix(createdAt, 0)
	state.IsComplete = isComplete != 0
	state.LastQuestionID = lastQuestion.String
	if err := json.Unmarshal([]byte(discoveryJSON), &state.Discovery); err != nil {
		return nil, fmt.Errorf("decode discovery map: %w", err)
	}

	notes, err := s.loadNotes(ctx, userID)
	if err != nil {
		return nil, err
	}
	state.Notes = notes
	return &state, nil
}

func (s *Store) loadNotes(ctx context.Context, userID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question_id, note_text, created_at
		FROM onboarding_notes WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var (
			note       Note
			questionID sql.NullString
			createdAt  int64
		)
		if err := rows.Scan(&note.ID, &questionID, &note.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan note row: %w", err)
		}
		note.QuestionID = questionID.String
		note.Timestamp = time.Unix(createdAt, 0)
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

// Save upserts a user's state and marks it sync-pending. Notes are persisted
// separately through AppendNote.
func (s *Store) Save(ctx context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	discoveryJSON, err := json.Marshal(state.Discovery)
	if err != nil {
		return fmt.Errorf("encode discovery map: %w", err)
	}

	createdAt := state.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO onboarding_state
			(user_id, created_at, discovery_json, completed_questions,
			 total_questions, is_complete, last_question_id, sync_pending, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			discovery_json = excluded.discovery_json,
			completed_questions = excluded.completed_questions,
			total_questions = excluded.total_questions,
			is_complete = excluded.is_complete,
			last_question_id = excluded.last_question_id,
			sync_pending = 1,
			updated_at = excluded.updated_at`,
		state.UserID, createdAt.Unix(), string(discoveryJSON),
		state.CompletedQuestions, state.TotalQuestions,
		boolToInt(state.IsComplete), state.LastQuestionID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// AppendNote adds one note to a user's append-only log.
func (s *Store) AppendNote(ctx context.Context, userID string, note Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO onboarding_notes (id, user_id, question_id, note_text, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		note.ID, userID, note.QuestionID, note.Text, note.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("append note: %w", err)
	}
	return nil
}

// SyncPending reports whether a user's state has local changes the backend
// has not acknowledged.
func (s *Store) SyncPending(ctx context.Context, userID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sync_pending FROM onboarding_state WHERE user_id = ?`, userID)
	var pending int
	err := row.Scan(&pending)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("scan sync_pending: %w", err)
	}
	return pending != 0, nil
}

// MarkSynced clears the sync-pending flag after a successful backend push.
func (s *Store) MarkSynced(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE onboarding_state SET sync_pending = 0 WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// Reset deletes a user's state and truncates their note log. The only path
// that removes notes.
func (s *Store) Reset(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM onboarding_notes WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("reset notes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM onboarding_state WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("reset state: %w", err)
	}
	return tx.Commit()
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
