package store

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore implements SessionStore on Cloud Firestore
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore wraps an initialised Firestore client
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) doc(collection, id string) *firestore.DocumentRef {
	return s.client.Collection(collection).Doc(id)
}

// Create writes doc, replacing any previous document with the same id
func (s *FirestoreStore) Create(ctx context.Context, collection, id string, doc map[string]interface{}) error {
	if _, err := s.doc(collection, id).Set(ctx, doc); err != nil {
		return mapFirestoreError("firestore Create", err)
	}
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context, collection, id string) (map[string]interface{}, error) {
	snap, err := s.doc(collection, id).Get(ctx)
	if err != nil {
		return nil, mapFirestoreError("firestore Get", err)
	}
	return snap.Data(), nil
}

// Update fails with ErrNotFound when the document does not exist
func (s *FirestoreStore) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	if _, err := s.doc(collection, id).Update(ctx, toUpdates(fields)); err != nil {
		return mapFirestoreError("firestore Update", err)
	}
	return nil
}

func (s *FirestoreStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	q := s.client.Collection(collection).Query
	for _, f := range filters {
		value := f.Value
		if f.Op == OpIn {
			value = filterValues(f)
		}
		q = q.Where(f.Field, f.Op, value)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []Document
	for {
		snap, err := iter.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, mapFirestoreError("firestore Query", err)
		}
		out = append(out, Document{ID: snap.Ref.ID, Data: snap.Data()})
	}
	return out, nil
}

// AtomicBatchUpdate applies all updates inside one transaction
func (s *FirestoreStore) AtomicBatchUpdate(ctx context.Context, updates []BatchUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, u := range updates {
			if err := tx.Update(s.doc(u.Collection, u.ID), toUpdates(u.Fields)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBatchWriteFailed, mapFirestoreError("firestore transaction", err))
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func toUpdates(fields map[string]interface{}) []firestore.Update {
	updates := make([]firestore.Update, 0, len(fields))
	for path, value := range fields {
		updates = append(updates, firestore.Update{Path: path, Value: value})
	}
	return updates
}

// mapFirestoreError translates gRPC status codes into store sentinel errors
func mapFirestoreError(op string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	case codes.Aborted, codes.FailedPrecondition:
		return fmt.Errorf("%s: %w: %v", op, ErrWriteConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
