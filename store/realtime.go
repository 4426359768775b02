package store

import (
	"context"
	"fmt"
	"sort"

	"firebase.google.com/go/v4/db"
)

// RealtimeStore implements SessionStore on the Firebase Realtime Database.
// Collections are top-level nodes and documents are their children.
type RealtimeStore struct {
	client *db.Client
}

// NewRealtimeStore wraps an initialised Realtime Database client
func NewRealtimeStore(client *db.Client) *RealtimeStore {
	return &RealtimeStore{client: client}
}

func (s *RealtimeStore) ref(collection, id string) *db.Ref {
	return s.client.NewRef(collection + "/" + id)
}

func (s *RealtimeStore) Create(ctx context.Context, collection, id string, doc map[string]interface{}) error {
	if err := s.ref(collection, id).Set(ctx, doc); err != nil {
		return fmt.Errorf("realtime Create: %w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RealtimeStore) Get(ctx context.Context, collection, id string) (map[string]interface{}, error) {
	var data map[string]interface{}
	if err := s.ref(collection, id).Get(ctx, &data); err != nil {
		return nil, fmt.Errorf("realtime Get: %w: %v", ErrUnavailable, err)
	}
	if data == nil {
		return nil, fmt.Errorf("realtime Get %s/%s: %w", collection, id, ErrNotFound)
	}
	return data, nil
}

// Update merges fields inside a transaction so a missing node is reported
// instead of being created as a partial document.
func (s *RealtimeStore) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	missing := false
	err := s.ref(collection, id).Transaction(ctx, func(node db.TransactionNode) (interface{}, error) {
		var current map[string]interface{}
		if err := node.Unmarshal(&current); err != nil {
			return nil, err
		}
		if current == nil {
			missing = true
			return nil, ErrNotFound
		}
		for k, v := range fields {
			current[k] = v
		}
		return current, nil
	})
	if missing {
		return fmt.Errorf("realtime Update %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("realtime Update: %w: %v", ErrUnavailable, err)
	}
	return nil
}

// Query runs one ordered query per equality value and intersects any
// remaining filters client side. Results are ordered by id.
func (s *RealtimeStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	var raw map[string]map[string]interface{}

	if len(filters) == 0 {
		if err := s.client.NewRef(collection).Get(ctx, &raw); err != nil {
			return nil, fmt.Errorf("realtime Query: %w: %v", ErrUnavailable, err)
		}
	} else {
		primary := filters[0]
		raw = make(map[string]map[string]interface{})
		for _, value := range filterValues(primary) {
			var part map[string]map[string]interface{}
			q := s.client.NewRef(collection).OrderByChild(primary.Field).EqualTo(value)
			if err := q.Get(ctx, &part); err != nil {
				return nil, fmt.Errorf("realtime Query: %w: %v", ErrUnavailable, err)
			}
			for id, doc := range part {
				raw[id] = doc
			}
		}
	}

	out := make([]Document, 0, len(raw))
	for id, doc := range raw {
		if doc != nil && matchesAll(doc, filters) {
			out = append(out, Document{ID: id, Data: doc})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AtomicBatchUpdate uses a multi-path update, which the Realtime Database
// applies atomically. Paths are written even if the parent node is gone.
func (s *RealtimeStore) AtomicBatchUpdate(ctx context.Context, updates []BatchUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	paths := make(map[string]interface{})
	for _, u := range updates {
		for field, value := range u.Fields {
			paths[u.Collection+"/"+u.ID+"/"+field] = value
		}
	}

	if err := s.client.NewRef("/").Update(ctx, paths); err != nil {
		return fmt.Errorf("%w: %v", ErrBatchWriteFailed, err)
	}
	return nil
}

func (s *RealtimeStore) Close() error {
	return nil
}
