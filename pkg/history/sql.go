// Package history persists conversation turns in a SQL table and serves the
// recent neutral Q/A pairs pipelines fold into prompts. All consumers treat
// this service as best-effort.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/codeqa/pkg/runtime"
)

const defaultTurnsTable = "conversation_turns"

// SQLServiceOptions configures the SQL history service.
type SQLServiceOptions struct {
	DB     *sql.DB
	Driver string
	Table  string
}

// SQLService implements runtime.ConversationHistoryService over a single
// turns table. Postgres, MySQL and SQLite dialects are supported.
type SQLService struct {
	db     *sql.DB
	driver string
	table  string
}

// NewSQLService creates the service. Driver must be one of postgres, mysql,
// sqlite3.
func NewSQLService(opts SQLServiceOptions) (*SQLService, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch opts.Driver {
	case "postgres", "mysql", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported driver %q", opts.Driver)
	}
	table := opts.Table
	if table == "" {
		table = defaultTurnsTable
	}
	return &SQLService{db: opts.DB, driver: opts.Driver, table: table}, nil
}

// EnsureSchema creates the turns table when it does not exist. Intended for
// the sqlite3 embedded deployment; managed databases migrate externally.
func (s *SQLService) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		turn_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		repository TEXT,
		branch TEXT,
		question_neutral TEXT,
		answer_neutral TEXT,
		answer_final TEXT,
		finalized INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create turns table: %w", err)
	}
	idx := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS idx_%s_session ON %s (session_id, created_at)",
		s.table, s.table,
	)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("failed to create session index: %w", err)
	}
	return nil
}

// OnRequestStarted records a new turn and returns its id.
func (s *SQLService) OnRequestStarted(ctx context.Context, start runtime.TurnStart) (string, error) {
	turnID := uuid.NewString()
	query := fmt.Sprintf(
		"INSERT INTO %s (turn_id, session_id, repository, branch, question_neutral, finalized, created_at) VALUES (%s)",
		s.table, s.placeholders(7),
	)
	_, err := s.db.ExecContext(ctx, query,
		turnID, start.SessionID, start.Repository, start.Branch, start.Question, 0, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to record turn start: %w", err)
	}
	return turnID, nil
}

// OnRequestFinalized stores the finished answers. Finalizing the same turn
// twice is a no-op at the row level: the second update writes identical data.
func (s *SQLService) OnRequestFinalized(ctx context.Context, final runtime.TurnFinal) error {
	query := fmt.Sprintf(
		"UPDATE %s SET question_neutral = %s, answer_neutral = %s, answer_final = %s, finalized = %s WHERE turn_id = %s AND session_id = %s",
		s.table,
		s.placeholder(0), s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5),
	)
	res, err := s.db.ExecContext(ctx, query,
		final.QuestionNeutral, final.AnswerNeutral, final.AnswerFinal, 1, final.TurnID, final.SessionID)
	if err != nil {
		return fmt.Errorf("failed to finalize turn: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("turn %q not found for session %q", final.TurnID, final.SessionID)
	}
	return nil
}

// RecentQANeutral returns up to limit finalized pairs for the session in
// chronological order, oldest first.
func (s *SQLService) RecentQANeutral(ctx context.Context, sessionID string, limit int) ([]runtime.QAPair, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		"SELECT question_neutral, answer_neutral FROM %s WHERE session_id = %s AND finalized = %s ORDER BY created_at DESC LIMIT %d",
		s.table, s.placeholder(0), s.placeholder(1), limit,
	)
	rows, err := s.db.QueryContext(ctx, query, sessionID, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var pairs []runtime.QAPair
	for rows.Next() {
		var pair runtime.QAPair
		if err := rows.Scan(&pair.Q, &pair.A); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		pairs = append(pairs, pair)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history iteration failed: %w", err)
	}

	// Newest-first from SQL, chronological for the caller.
	for i, j := 0, len(pairs)-1; i < j; i, j = i+1, j-1 {
		pairs[i], pairs[j] = pairs[j], pairs[i]
	}
	return pairs, nil
}

func (s *SQLService) placeholder(offset int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", offset+1)
	}
	return "?"
}

func (s *SQLService) placeholders(count int) string {
	out := ""
	for i := 0; i < count; i++ {
		if i > 0 {
			out += ", "
		}
		out += s.placeholder(i)
	}
	return out
}

var _ runtime.ConversationHistoryService = (*SQLService)(nil)
