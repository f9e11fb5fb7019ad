package sink

import (
	"context"
	"path"
	"sync"
	"time"
)

// MemoryObjectStore keeps uploaded blobs in a map and hands out mem://
// URLs. Intended for tests and dry runs.
type MemoryObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryObjectStore creates an empty in-memory object store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

func (m *MemoryObjectStore) Upload(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[key] = buf
	return "mem://" + key, nil
}

// Object returns the stored bytes for key.
func (m *MemoryObjectStore) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// Len returns the number of stored objects.
func (m *MemoryObjectStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// MemoryVCS records PutFile calls.
type MemoryVCS struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMemoryVCS creates an empty in-memory VCS.
func NewMemoryVCS() *MemoryVCS {
	return &MemoryVCS{files: make(map[string][]byte)}
}

func (m *MemoryVCS) PutFile(_ context.Context, filePath string, content []byte, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(content))
	copy(buf, content)
	m.files[filePath] = buf
	return nil
}

// File returns the last content pushed to filePath.
func (m *MemoryVCS) File(filePath string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[filePath]
	return content, ok
}

// MemoryChat records posted messages.
type MemoryChat struct {
	mu       sync.Mutex
	messages []ChatMessage
}

// ChatMessage is one recorded Post call.
type ChatMessage struct {
	Channel string
	Text    string
}

// NewMemoryChat creates an empty in-memory notifier.
func NewMemoryChat() *MemoryChat {
	return &MemoryChat{}
}

func (m *MemoryChat) Post(_ context.Context, channel, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, ChatMessage{Channel: channel, Text: text})
	return nil
}

// Messages returns a copy of every recorded message.
func (m *MemoryChat) Messages() []ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// MemoryKV implements the KV contract in process memory.
type MemoryKV struct {
	mu      sync.Mutex
	values  map[string]string
	hashes  map[string]map[string]string
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryKV creates an empty in-memory KV store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		values:  make(map[string]string),
		hashes:  make(map[string]map[string]string),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// expired reports and reaps a dead key. Caller holds m.mu.
func (m *MemoryKV) expired(key string) bool {
	deadline, ok := m.expires[key]
	if !ok || m.now().Before(deadline) {
		return false
	}
	delete(m.values, key)
	delete(m.hashes, key)
	delete(m.expires, key)
	return true
}

func (m *MemoryKV) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	delete(m.expires, key)
	return nil
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return "", false, nil
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.hashes, key)
	delete(m.expires, key)
	return nil
}

func (m *MemoryKV) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; !ok {
		if _, ok := m.hashes[key]; !ok {
			return nil
		}
	}
	m.expires[key] = m.now().Add(ttl)
	return nil
}

func (m *MemoryKV) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return 0, nil
	}
	deadline, ok := m.expires[key]
	if !ok {
		return 0, nil
	}
	return deadline.Sub(m.now()), nil
}

func (m *MemoryKV) List(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.values {
		if m.expired(key) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	for key := range m.hashes {
		if m.expired(key) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *MemoryKV) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *MemoryKV) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *MemoryKV) Close() error { return nil }
