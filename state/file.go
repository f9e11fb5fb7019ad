package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore persists records as JSON files under a root directory.
//
// Layout:
//
//	<root>/executions/<workflow_id>.json
//	<root>/checkpoints/<workflow_id>/<seq>.json
//	<root>/idempotency/<key>
//
// Writes go through a temp file and an atomic rename, so a crash mid-write
// never leaves a torn record. Suited to single-host deployments that need
// durability without a database.
type FileStore struct {
	mu     sync.Mutex
	root   string
	closed bool
	seq    map[string]int64
}

// NewFileStore creates (or reopens) a store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	for _, sub := range []string{"executions", "checkpoints", "idempotency"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	return &FileStore{root: dir, seq: make(map[string]int64)}, nil
}

// writeAtomic writes data to path via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (f *FileStore) executionPath(workflowID string) string {
	return filepath.Join(f.root, "executions", workflowID+".json")
}

func (f *FileStore) checkpointDir(workflowID string) string {
	return filepath.Join(f.root, "checkpoints", workflowID)
}

func (f *FileStore) SaveExecution(ctx context.Context, rec ExecutionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	rec.SavedAt = time.Now()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	return writeAtomic(f.executionPath(rec.WorkflowID), data)
}

func (f *FileStore) LoadExecution(ctx context.Context, workflowID string) (ExecutionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ExecutionRecord{}, ErrClosed
	}
	data, err := os.ReadFile(f.executionPath(workflowID))
	if os.IsNotExist(err) {
		return ExecutionRecord{}, ErrNotFound
	}
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("read execution: %w", err)
	}
	var rec ExecutionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ExecutionRecord{}, fmt.Errorf("decode execution: %w", err)
	}
	return rec, nil
}

func (f *FileStore) ListExecutions(ctx context.Context, status Status) ([]ExecutionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	entries, err := os.ReadDir(filepath.Join(f.root, "executions"))
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	var out []ExecutionRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.root, "executions", entry.Name()))
		if err != nil {
			continue
		}
		var rec ExecutionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (f *FileStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	if cp.IdempotencyKey != "" {
		if _, err := os.Stat(f.idempotencyPath(cp.IdempotencyKey)); err == nil {
			return nil
		}
	}

	dir := f.checkpointDir(cp.WorkflowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	if cp.Seq == 0 {
		seq, err := f.nextSeq(cp.WorkflowID)
		if err != nil {
			return err
		}
		cp.Seq = seq
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%012d.json", cp.Seq))
	if err := writeAtomic(path, data); err != nil {
		return err
	}

	if cp.IdempotencyKey != "" {
		if err := writeAtomic(f.idempotencyPath(cp.IdempotencyKey), []byte(cp.WorkflowID)); err != nil {
			return err
		}
	}
	return nil
}

// nextSeq scans the checkpoint dir once per workflow, then counts in
// memory. Caller holds f.mu.
func (f *FileStore) nextSeq(workflowID string) (int64, error) {
	if cur, ok := f.seq[workflowID]; ok {
		f.seq[workflowID] = cur + 1
		return cur + 1, nil
	}
	var max int64
	entries, err := os.ReadDir(f.checkpointDir(workflowID))
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("scan checkpoints: %w", err)
	}
	for _, entry := range entries {
		var n int64
		if _, err := fmt.Sscanf(entry.Name(), "%d.json", &n); err == nil && n > max {
			max = n
		}
	}
	f.seq[workflowID] = max + 1
	return max + 1, nil
}

func (f *FileStore) idempotencyPath(key string) string {
	return filepath.Join(f.root, "idempotency", key)
}

func (f *FileStore) LatestCheckpoint(ctx context.Context, workflowID string) (Checkpoint, error) {
	cps, err := f.ListCheckpoints(ctx, workflowID)
	if err != nil {
		return Checkpoint{}, err
	}
	if len(cps) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	return cps[len(cps)-1], nil
}

func (f *FileStore) ListCheckpoints(ctx context.Context, workflowID string) ([]Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	entries, err := os.ReadDir(f.checkpointDir(workflowID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var out []Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.checkpointDir(workflowID), entry.Name()))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (f *FileStore) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, ErrClosed
	}
	_, err := os.Stat(f.idempotencyPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (f *FileStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	// Drop idempotency markers recorded for this workflow first.
	entries, err := os.ReadDir(filepath.Join(f.root, "idempotency"))
	if err == nil {
		for _, entry := range entries {
			path := filepath.Join(f.root, "idempotency", entry.Name())
			owner, err := os.ReadFile(path)
			if err == nil && string(owner) == workflowID {
				os.Remove(path)
			}
		}
	}

	os.Remove(f.executionPath(workflowID))
	if err := os.RemoveAll(f.checkpointDir(workflowID)); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	delete(f.seq, workflowID)
	return nil
}

func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Root returns the store's base directory.
func (f *FileStore) Root() string { return f.root }
