// Package store abstracts the shared document store that producers, the
// watchdog and the proximity readers coordinate through.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("document not found")
	// ErrUnavailable marks a transient backend failure; retry on the next tick
	ErrUnavailable = errors.New("store unavailable")
	// ErrWriteConflict marks a concurrent write the backend refused
	ErrWriteConflict = errors.New("store write conflict")
	// ErrBatchWriteFailed means an atomic batch was rejected as a whole
	ErrBatchWriteFailed = errors.New("atomic batch write failed")
)

// Operators supported by Filter
const (
	OpEqual = "=="
	OpIn    = "in"
)

// Filter restricts a Query to documents whose Field matches Value.
// For OpIn, Value must be a []interface{} or []string.
type Filter struct {
	Field string
	Op    string
	Value interface{}
}

// Document is a stored document with its id
type Document struct {
	ID   string
	Data map[string]interface{}
}

// BatchUpdate is one partial update inside an AtomicBatchUpdate
type BatchUpdate struct {
	Collection string
	ID         string
	Fields     map[string]interface{}
}

// SessionStore is the document store contract. Update merges the given
// fields into an existing document and fails with ErrNotFound when the
// document is absent. AtomicBatchUpdate applies every update or none.
type SessionStore interface {
	Create(ctx context.Context, collection, id string, doc map[string]interface{}) error
	Get(ctx context.Context, collection, id string) (map[string]interface{}, error)
	Update(ctx context.Context, collection, id string, fields map[string]interface{}) error
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	AtomicBatchUpdate(ctx context.Context, updates []BatchUpdate) error
	Close() error
}

// IsTransient reports whether err is worth retrying on the next cycle
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// Equal builds an equality filter
func Equal(field string, value interface{}) Filter {
	return Filter{Field: field, Op: OpEqual, Value: value}
}

// In builds a membership filter
func In(field string, values ...interface{}) Filter {
	return Filter{Field: field, Op: OpIn, Value: values}
}

func filterValues(f Filter) []interface{} {
	switch v := f.Value.(type) {
	case []interface{}:
		return v
	case []string:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	}
	return []interface{}{f.Value}
}
