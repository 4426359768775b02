package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lifeline/config"
	"lifeline/store"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// FirebaseService owns the Firebase app and the clients built from it
type FirebaseService struct {
	app       *firebase.App
	store     store.SessionStore
	messaging *messaging.Client
	config    *config.Config
	logger    *zap.Logger
}

// NewFirebaseService opens the session store selected by STORE_BACKEND.
// The memory backend needs no Firebase project and has no messaging client.
func NewFirebaseService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*FirebaseService, error) {
	fs := &FirebaseService{
		config: cfg,
		logger: logger,
	}

	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn("Using in-memory session store, data is lost on exit")
		fs.store = store.NewMemoryStore()
		return fs, nil
	}

	conf := &firebase.Config{
		DatabaseURL: cfg.FirebaseDbUrl,
		ProjectID:   cfg.FirebaseProjectID,
	}

	var opts []option.ClientOption
	if cfg.FirebaseServiceAccountJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.FirebaseServiceAccountJSON)))
	}

	app, err := firebase.NewApp(ctx, conf, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %v", err)
	}
	fs.app = app

	switch cfg.StoreBackend {
	case config.BackendFirestore:
		client, err := app.Firestore(ctx)
		if err != nil {
			return nil, fmt.Errorf("error getting firestore client: %v", err)
		}
		fs.store = store.NewFirestoreStore(client)
	case config.BackendRealtime:
		client, err := app.Database(ctx)
		if err != nil {
			return nil, fmt.Errorf("error getting database client: %v", err)
		}
		fs.store = store.NewRealtimeStore(client)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	// Push is optional; the watchdog still works without it
	if msg, err := app.Messaging(ctx); err != nil {
		logger.Warn("Firebase messaging unavailable", zap.Error(err))
	} else {
		fs.messaging = msg
	}

	if err := fs.testConnection(ctx); err != nil {
		logger.Error("Firebase connection test failed", zap.Error(err))
		_ = fs.store.Close()
		return nil, fmt.Errorf("firebase connection test failed: %v", err)
	}

	logger.Info("Session store ready", zap.String("backend", cfg.StoreBackend))
	return fs, nil
}

// testConnection reads a probe document with retry logic. A missing
// document still proves the backend is reachable.
func (fs *FirebaseService) testConnection(ctx context.Context) error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		fs.logger.Info("Testing Firebase connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		_, err := fs.store.Get(ctx, fs.config.SessionsCollection, "_probe")
		if err == nil || errors.Is(err, store.ErrNotFound) {
			fs.logger.Info("Firebase connection successful")
			return nil
		}

		fs.logger.Warn("Firebase connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Firebase after %d attempts", maxRetries)
}

// Store returns the session store for the configured backend
func (fs *FirebaseService) Store() store.SessionStore {
	return fs.store
}

// Messaging returns the FCM client, or nil when push is unavailable
func (fs *FirebaseService) Messaging() *messaging.Client {
	return fs.messaging
}

// Close closes the session store
func (fs *FirebaseService) Close() error {
	fs.logger.Info("Closing Firebase service")
	return fs.store.Close()
}
