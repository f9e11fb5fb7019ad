package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore persists records in MySQL/MariaDB.
//
// The production backend: connection pooling, transactional checkpoint
// commits, survives process restarts, and several orchestrator instances
// can share one database (each still owns its workflows; the store does
// no cross-instance locking).
//
// Never hardcode credentials; pass the DSN from configuration:
//
//	user:password@tcp(localhost:3306)/draftforge?parseTime=true
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects with dsn, verifies the connection and migrates
// the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			workflow_id VARCHAR(255) NOT NULL PRIMARY KEY,
			status VARCHAR(32) NOT NULL,
			started_at TIMESTAMP NOT NULL,
			record JSON NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			workflow_id VARCHAR(255) NOT NULL,
			seq BIGINT NOT NULL,
			idempotency_key VARCHAR(64) NOT NULL,
			data JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_workflow_seq (workflow_id, seq),
			UNIQUE KEY unique_workflow_seq (workflow_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key_value VARCHAR(64) NOT NULL PRIMARY KEY,
			workflow_id VARCHAR(255) NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_workflow (workflow_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (m *MySQLStore) guard() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MySQLStore) SaveExecution(ctx context.Context, rec ExecutionRecord) error {
	if err := m.guard(); err != nil {
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
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			record = VALUES(record)
	`
	if _, err := m.db.ExecContext(ctx, query, rec.WorkflowID, string(rec.Status), rec.StartedAt, string(data)); err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

func (m *MySQLStore) LoadExecution(ctx context.Context, workflowID string) (ExecutionRecord, error) {
	if err := m.guard(); err != nil {
		return ExecutionRecord{}, err
	}
	var data string
	err := m.db.QueryRowContext(ctx,
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

func (m *MySQLStore) ListExecutions(ctx context.Context, status Status) ([]ExecutionRecord, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	query := `SELECT record FROM workflow_executions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at DESC`

	rows, err := m.db.QueryContext(ctx, query, args...)
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

func (m *MySQLStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if err := m.guard(); err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
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
			`SELECT MAX(seq) FROM workflow_checkpoints WHERE workflow_id = ? FOR UPDATE`,
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

func (m *MySQLStore) LatestCheckpoint(ctx context.Context, workflowID string) (Checkpoint, error) {
	if err := m.guard(); err != nil {
		return Checkpoint{}, err
	}
	var data string
	err := m.db.QueryRowContext(ctx,
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

func (m *MySQLStore) ListCheckpoints(ctx context.Context, workflowID string) ([]Checkpoint, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
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

func (m *MySQLStore) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	if err := m.guard(); err != nil {
		return false, err
	}
	var n int
	if err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM idempotency_keys WHERE key_value = ?`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("check idempotency: %w", err)
	}
	return n > 0, nil
}

func (m *MySQLStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	if err := m.guard(); err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, query := range []string{
		`DELETE FROM workflow_executions WHERE workflow_id = ?`,
		`DELETE FROM workflow_checkpoints WHERE workflow_id = ?`,
		`DELETE FROM idempotency_keys WHERE workflow_id = ?`,
	} {
		if _, err = tx.ExecContext(ctx, query, workflowID); err != nil {
			return fmt.Errorf("delete workflow rows: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the connection pool. Double-close is a no-op.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}
