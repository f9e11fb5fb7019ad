package emit

import "sync"

// BufferedEmitter keeps records in memory, grouped by workflow. Intended
// for tests and debugging; everything stays resident until cleared.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // workflow id -> records in emit order
}

// HistoryFilter selects records. Empty fields match everything; set fields
// combine with AND.
type HistoryFilter struct {
	WorkerID string
	Msg      string
}

// NewBufferedEmitter creates an empty buffer.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores the record.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.WorkflowID] = append(b.events[event.WorkflowID], event)
}

// History returns a copy of all records for a workflow in emit order.
func (b *BufferedEmitter) History(workflowID string) []Event {
	return b.HistoryWithFilter(workflowID, HistoryFilter{})
}

// HistoryWithFilter returns the records for a workflow matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(workflowID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[workflowID] {
		if filter.WorkerID != "" && event.WorkerID != filter.WorkerID {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear drops stored records for one workflow, or everything when
// workflowID is empty.
func (b *BufferedEmitter) Clear(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if workflowID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, workflowID)
}
