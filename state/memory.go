package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. Zero setup; contents are
// lost when the process exits. The default for tests and dry runs.
type MemoryStore struct {
	mu          sync.RWMutex
	closed      bool
	executions  map[string]ExecutionRecord
	checkpoints map[string][]Checkpoint // workflow id -> ordered by Seq
	idempotency map[string]bool
	seq         map[string]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:  make(map[string]ExecutionRecord),
		checkpoints: make(map[string][]Checkpoint),
		idempotency: make(map[string]bool),
		seq:         make(map[string]int64),
	}
}

func (m *MemoryStore) SaveExecution(ctx context.Context, rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec.SavedAt = time.Now()
	rec.Steps = copySteps(rec.Steps)
	m.executions[rec.WorkflowID] = rec
	return nil
}

// copySteps clones the step map so stored records do not alias callers.
func copySteps(steps map[string]StepExecution) map[string]StepExecution {
	if steps == nil {
		return nil
	}
	out := make(map[string]StepExecution, len(steps))
	for id, s := range steps {
		out[id] = s
	}
	return out
}

func (m *MemoryStore) LoadExecution(ctx context.Context, workflowID string) (ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ExecutionRecord{}, ErrClosed
	}
	rec, ok := m.executions[workflowID]
	if !ok {
		return ExecutionRecord{}, ErrNotFound
	}
	rec.Steps = copySteps(rec.Steps)
	return rec, nil
}

func (m *MemoryStore) ListExecutions(ctx context.Context, status Status) ([]ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []ExecutionRecord
	for _, rec := range m.executions {
		if status != "" && rec.Status != status {
			continue
		}
		rec.Steps = copySteps(rec.Steps)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (m *MemoryStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if cp.IdempotencyKey != "" && m.idempotency[cp.IdempotencyKey] {
		return nil
	}
	if cp.Seq == 0 {
		m.seq[cp.WorkflowID]++
		cp.Seq = m.seq[cp.WorkflowID]
	} else if cp.Seq > m.seq[cp.WorkflowID] {
		m.seq[cp.WorkflowID] = cp.Seq
	}
	m.checkpoints[cp.WorkflowID] = append(m.checkpoints[cp.WorkflowID], cp)
	if cp.IdempotencyKey != "" {
		m.idempotency[cp.IdempotencyKey] = true
	}
	return nil
}

func (m *MemoryStore) LatestCheckpoint(ctx context.Context, workflowID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Checkpoint{}, ErrClosed
	}
	cps := m.checkpoints[workflowID]
	if len(cps) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	latest := cps[0]
	for _, cp := range cps[1:] {
		if cp.Seq > latest.Seq {
			latest = cp
		}
	}
	return latest, nil
}

func (m *MemoryStore) ListCheckpoints(ctx context.Context, workflowID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	cps := make([]Checkpoint, len(m.checkpoints[workflowID]))
	copy(cps, m.checkpoints[workflowID])
	sort.Slice(cps, func(i, j int) bool { return cps[i].Seq < cps[j].Seq })
	return cps, nil
}

func (m *MemoryStore) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	return m.idempotency[key], nil
}

func (m *MemoryStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, cp := range m.checkpoints[workflowID] {
		delete(m.idempotency, cp.IdempotencyKey)
	}
	delete(m.executions, workflowID)
	delete(m.checkpoints, workflowID)
	delete(m.seq, workflowID)
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
