package remote

import (
	"context"
	"encoding/json"
	"maps"
	"sort"
	"sync"

	"github.com/joescharf/civtrack/internal/apperr"
)

// MemoryStore is an in-process Store where Upsert merges and Replace
// overwrites. It backs the "memory" driver and tests.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]map[string]any

	// FailUpsert, when set, is consulted before every Upsert and Replace.
	FailUpsert func(key string) error

	// FailList, when set, is returned by ListAll.
	FailList error

	upserts int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string]any)}
}

// Put replaces the document at key, as the mobile client would write it.
func (m *MemoryStore) Put(key string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = normalize(fields)
}

// Upserts returns how many successful writes (upserts and replaces) were applied.
func (m *MemoryStore) Upserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

// Len returns the number of stored documents, reserved keys included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

func (m *MemoryStore) ListAll(_ context.Context) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailList != nil {
		return nil, apperr.RemoteUnavailable("list", m.FailList)
	}

	keys := make([]string, 0, len(m.docs))
	for k := range m.docs {
		if !IsReservedKey(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	docs := make([]Document, 0, len(keys))
	for _, k := range keys {
		docs = append(docs, Document{Key: k, Fields: maps.Clone(m.docs[k])})
	}
	return docs, nil
}

func (m *MemoryStore) Upsert(_ context.Context, key string, fields map[string]any) (string, error) {
	if key == "" {
		return "", apperr.Validation("remoteId", "remote key is required")
	}
	if m.FailUpsert != nil {
		if err := m.FailUpsert(key); err != nil {
			return "", apperr.RemoteUnavailable("upsert", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		doc = make(map[string]any)
		m.docs[key] = doc
	}
	maps.Copy(doc, normalize(fields))
	m.upserts++
	return key, nil
}

func (m *MemoryStore) Replace(_ context.Context, key string, fields map[string]any) error {
	if key == "" {
		return apperr.Validation("remoteId", "remote key is required")
	}
	if m.FailUpsert != nil {
		if err := m.FailUpsert(key); err != nil {
			return apperr.RemoteUnavailable("replace", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = normalize(fields)
	m.upserts++
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		return nil, apperr.NotFound("remote document", key)
	}
	return maps.Clone(doc), nil
}

// normalize round-trips fields through JSON so stored values have the same
// shapes an HTTP client would decode.
func normalize(fields map[string]any) map[string]any {
	data, err := json.Marshal(fields)
	if err != nil {
		return maps.Clone(fields)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return maps.Clone(fields)
	}
	return out
}
