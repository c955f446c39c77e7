// Package history keeps a SQLite ledger of finished task executions.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/agentrun/internal/models"
)

// Execution is one ledger row.
type Execution struct {
	ID             int64
	RunID          string
	TaskID         string
	TaskName       string
	ConversationID string
	Status         models.Status
	ErrorKind      string
	ErrorMessage   string
	Prompt         string
	Output         string
	Duration       time.Duration
	FinishedAt     time.Time
}

// FromSummary converts an execution summary into a ledger row.
func FromSummary(s models.ExecutionSummary) *Execution {
	finished := s.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	return &Execution{
		RunID:          s.RunID,
		TaskID:         s.TaskID,
		TaskName:       s.TaskName,
		ConversationID: s.ConversationID,
		Status:         s.Status,
		ErrorKind:      s.ErrorKind,
		ErrorMessage:   s.Error,
		Prompt:         s.Prompt,
		Output:         s.RawOutput,
		Duration:       s.Duration,
		FinishedAt:     finished,
	}
}

// Store manages the ledger database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating if needed) the ledger at dbPath and applies
// migrations. ":memory:" opens a private in-memory database.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.ApplyMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordExecution appends an execution and sets its ID.
func (s *Store) RecordExecution(ctx context.Context, exec *Execution) error {
	result, err := s.db.ExecContext(ctx, `INSERT INTO executions
		(run_id, task_id, task_name, conversation_id, status, error_kind, error_message, prompt, output, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.RunID,
		exec.TaskID,
		exec.TaskName,
		exec.ConversationID,
		string(exec.Status),
		exec.ErrorKind,
		exec.ErrorMessage,
		exec.Prompt,
		exec.Output,
		exec.Duration.Milliseconds(),
		exec.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get execution id: %w", err)
	}
	exec.ID = id
	return nil
}

// GetExecutionHistory returns executions of a run, newest first. An empty
// taskID returns every task of the run.
func (s *Store) GetExecutionHistory(ctx context.Context, runID, taskID string) ([]*Execution, error) {
	query := `SELECT id, run_id, task_id, task_name, conversation_id, status, error_kind, error_message, prompt, output, duration_ms, finished_at
		FROM executions WHERE run_id = ?`
	args := []any{runID}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query execution history: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec := &Execution{}
		var taskName, conversationID, errorKind, errorMessage, prompt, output sql.NullString
		var status string
		var durationMs int64
		if err := rows.Scan(
			&exec.ID,
			&exec.RunID,
			&exec.TaskID,
			&taskName,
			&conversationID,
			&status,
			&errorKind,
			&errorMessage,
			&prompt,
			&output,
			&durationMs,
			&exec.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		exec.TaskName = taskName.String
		exec.ConversationID = conversationID.String
		exec.Status = models.Status(status)
		exec.ErrorKind = errorKind.String
		exec.ErrorMessage = errorMessage.String
		exec.Prompt = prompt.String
		exec.Output = output.String
		exec.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution rows: %w", err)
	}
	return out, nil
}

// StatusCounts returns the number of executions per status for a run.
func (s *Store) StatusCounts(ctx context.Context, runID string) (map[models.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM executions WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[models.Status(status)] = n
	}
	return counts, rows.Err()
}
