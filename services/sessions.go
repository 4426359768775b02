package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lifeline/models"
	"lifeline/store"

	"go.uber.org/zap"
)

// SessionRepository maps Session values onto the shared document store
type SessionRepository struct {
	store      store.SessionStore
	collection string
	logger     *zap.Logger
}

// NewSessionRepository creates a repository over the given collection
func NewSessionRepository(s store.SessionStore, collection string, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		store:      s,
		collection: collection,
		logger:     logger,
	}
}

// Create persists a new session, replacing any earlier document for the same identity
func (r *SessionRepository) Create(ctx context.Context, s *models.Session) error {
	if s.CurrentLocation != nil {
		if err := s.CurrentLocation.Validate(); err != nil {
			return err
		}
	}
	if err := r.store.Create(ctx, r.collection, s.ID, s.Document()); err != nil {
		return fmt.Errorf("creating session %s: %w", s.ID, err)
	}
	return nil
}

// Get loads a session by id
func (r *SessionRepository) Get(ctx context.Context, id string) (*models.Session, error) {
	data, err := r.store.Get(ctx, r.collection, id)
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return models.SessionFromDocument(id, data)
}

// Heartbeat records a liveness update with the latest position and battery
func (r *SessionRepository) Heartbeat(ctx context.Context, id string, pos models.Position, battery int, at time.Time) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	fields := map[string]interface{}{
		models.FieldLastHeartbeat:   at,
		models.FieldCurrentLocation: models.LocationDocument(pos),
		models.FieldBatteryLevel:    battery,
	}
	if err := r.store.Update(ctx, r.collection, id, fields); err != nil {
		return fmt.Errorf("heartbeat for session %s: %w", id, err)
	}
	return nil
}

// Resolve marks the session RESOLVED. ErrNotFound is returned untouched so
// callers can decide whether a missing session is an error.
func (r *SessionRepository) Resolve(ctx context.Context, id string, at time.Time) error {
	fields := map[string]interface{}{
		models.FieldStatus:        string(models.StatusResolved),
		models.FieldLastHeartbeat: at,
	}
	if err := r.store.Update(ctx, r.collection, id, fields); err != nil {
		return fmt.Errorf("resolving session %s: %w", id, err)
	}
	return nil
}

// Escalate moves all given sessions to ESCALATED_SIGNAL_LOST in one atomic write
func (r *SessionRepository) Escalate(ctx context.Context, ids []string) error {
	updates := make([]store.BatchUpdate, 0, len(ids))
	for _, id := range ids {
		updates = append(updates, store.BatchUpdate{
			Collection: r.collection,
			ID:         id,
			Fields: map[string]interface{}{
				models.FieldStatus: string(models.StatusEscalatedSignalLost),
			},
		})
	}
	if err := r.store.AtomicBatchUpdate(ctx, updates); err != nil {
		if !errors.Is(err, store.ErrBatchWriteFailed) {
			err = fmt.Errorf("%w: %w", store.ErrBatchWriteFailed, err)
		}
		return err
	}
	return nil
}

// ListByStatus returns sessions in any of the given statuses, or all
// sessions when none are given. Malformed documents are skipped and logged.
func (r *SessionRepository) ListByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.Session, error) {
	var filters []store.Filter
	switch len(statuses) {
	case 0:
	case 1:
		filters = append(filters, store.Equal(models.FieldStatus, string(statuses[0])))
	default:
		values := make([]interface{}, len(statuses))
		for i, s := range statuses {
			values[i] = string(s)
		}
		filters = append(filters, store.In(models.FieldStatus, values...))
	}

	docs, err := r.store.Query(ctx, r.collection, filters...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	sessions := make([]models.Session, 0, len(docs))
	for _, doc := range docs {
		s, err := models.SessionFromDocument(doc.ID, doc.Data)
		if err != nil {
			r.logger.Warn("Skipping malformed session document",
				zap.String("session_id", doc.ID),
				zap.Error(err))
			continue
		}
		sessions = append(sessions, *s)
	}
	return sessions, nil
}

// ListOpen returns sessions that are not RESOLVED
func (r *SessionRepository) ListOpen(ctx context.Context) ([]models.Session, error) {
	return r.ListByStatus(ctx, models.StatusActive, models.StatusEscalatedSignalLost)
}
