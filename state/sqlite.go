package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists records in a single-file database.
//
// Designed for single-process deployments that outgrow the file store:
// zero setup, WAL mode for concurrent reads, transactional checkpoint
// commits. Use ":memory:" for an ephemeral database in tests.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			workflow_id TEXT NOT NULL PRIMARY KEY,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			record TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON workflow_executions(status)`,
		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			idempotency_key TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(workflow_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_workflow ON workflow_checkpoints(workflow_id, seq)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key_value TEXT NOT NULL PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SQLiteStore) SaveExecution(ctx context.Context, rec ExecutionRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	rec.SavedAt = time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	query := `
		INSERT INTO workflow_executions (workflow_id, status, started_at, record)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET
			status = excluded.status,
			record = excluded.record,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, rec.WorkflowID, string(rec.Status), rec.StartedAt, string(data)); err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadExecution(ctx context.Context, workflowID string) (ExecutionRecord, error) {
	if err := s.guard(); err != nil {
		return ExecutionRecord{}, err
	}
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM workflow_executions WHERE workflow_id = ?`, workflowID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ExecutionRecord{}, ErrNotFound
	}
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("load execution: %w", err)
	}
	var rec ExecutionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return ExecutionRecord{}, fmt.Errorf("decode execution: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, status Status) ([]ExecutionRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `SELECT record FROM workflow_executions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ExecutionRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		var rec ExecutionRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if cp.IdempotencyKey != "" {
		var n int
		if err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM idempotency_keys WHERE key_value = ?`,
			cp.IdempotencyKey).Scan(&n); err != nil {
			return fmt.Errorf("check idempotency: %w", err)
		}
		if n > 0 {
			return tx.Rollback()
		}
	}

	if cp.Seq == 0 {
		var max sql.NullInt64
		if err = tx.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM workflow_checkpoints WHERE workflow_id = ?`,
			cp.WorkflowID).Scan(&max); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}
		cp.Seq = max.Int64 + 1
	}

	var data []byte
	data, err = json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_checkpoints (workflow_id, seq, idempotency_key, data)
		 VALUES (?, ?, ?, ?)`,
		cp.WorkflowID, cp.Seq, cp.IdempotencyKey, string(data)); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	if cp.IdempotencyKey != "" {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO idempotency_keys (key_value, workflow_id) VALUES (?, ?)`,
			cp.IdempotencyKey, cp.WorkflowID); err != nil {
			return fmt.Errorf("record idempotency key: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, workflowID string) (Checkpoint, error) {
	if err := s.guard(); err != nil {
		return Checkpoint{}, err
	}
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM workflow_checkpoints WHERE workflow_id = ? ORDER BY seq DESC LIMIT 1`,
		workflowID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load latest checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, workflowID string) ([]Checkpoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM workflow_checkpoints WHERE workflow_id = ? ORDER BY seq ASC`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Checkpoint
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		var cp Checkpoint
		if err := json.Unmarshal([]byte(data), &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM idempotency_keys WHERE key_value = ?`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("check idempotency: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, table := range []string{"workflow_executions", "workflow_checkpoints", "idempotency_keys"} {
		// #nosec G201 -- table names come from the fixed list above
		if _, err = tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE workflow_id = ?`, table), workflowID); err != nil {
			return fmt.Errorf("delete from %s: %w", strings.TrimSpace(table), err)
		}
	}
	return tx.Commit()
}

// Close closes the database. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the connection. Useful for health checks.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }
