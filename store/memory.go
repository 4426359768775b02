package store

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process SessionStore. It honours the same contract as
// the Firebase backends and is used for local runs and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]interface{}
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]map[string]interface{}),
	}
}

func (m *MemoryStore) Create(ctx context.Context, collection, id string, doc map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	col, ok := m.collections[collection]
	if !ok {
		col = make(map[string]map[string]interface{})
		m.collections[collection] = col
	}
	col[id] = copyMap(doc)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, collection, id string) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return copyMap(doc), nil
}

func (m *MemoryStore) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.collections[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	for k, v := range fields {
		doc[k] = copyValue(v)
	}
	return nil
}

// Query returns matching documents ordered by id
func (m *MemoryStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Document
	for id, doc := range m.collections[collection] {
		if matchesAll(doc, filters) {
			out = append(out, Document{ID: id, Data: copyMap(doc)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AtomicBatchUpdate validates every target before applying any update
func (m *MemoryStore) AtomicBatchUpdate(ctx context.Context, updates []BatchUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range updates {
		if _, ok := m.collections[u.Collection][u.ID]; !ok {
			return fmt.Errorf("%w: %s/%s: %w", ErrBatchWriteFailed, u.Collection, u.ID, ErrNotFound)
		}
	}
	for _, u := range updates {
		doc := m.collections[u.Collection][u.ID]
		for k, v := range u.Fields {
			doc[k] = copyValue(v)
		}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func matchesAll(doc map[string]interface{}, filters []Filter) bool {
	for _, f := range filters {
		if !matches(doc[f.Field], f) {
			return false
		}
	}
	return true
}

func matches(value interface{}, f Filter) bool {
	switch f.Op {
	case OpEqual:
		return reflect.DeepEqual(value, f.Value)
	case OpIn:
		for _, candidate := range filterValues(f) {
			if reflect.DeepEqual(value, candidate) {
				return true
			}
		}
	}
	return false
}

func copyMap(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = copyValue(v)
	}
	return dst
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyMap(t)
	case map[string]float64:
		out := make(map[string]interface{}, len(t))
		for k, f := range t {
			out[k] = f
		}
		return out
	case int:
		// Firestore hands integers back as int64; mirror that
		return int64(t)
	case time.Time:
		return t
	}
	return v
}
