package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lifeline/store"

	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
)

// FCM accepts at most this many tokens per multicast
const maxMulticastTokens = 500

// Token document fields
const (
	fieldToken     = "token"
	fieldTokenUser = "userId"
	fieldTokenTime = "timestamp"
)

// ErrPushUnavailable means no push client is configured
var ErrPushUnavailable = errors.New("push notifications unavailable")

// Notifier delivers a push notification to every device of a user and
// reports how many deliveries succeeded
type Notifier interface {
	Send(ctx context.Context, userID, title, body string) (int, error)
	RegisterToken(ctx context.Context, userID, token string) error
}

// MulticastSender is the part of the FCM client the notifier needs
type MulticastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMNotifier sends through Firebase Cloud Messaging to tokens registered
// in the tokens collection
type FCMNotifier struct {
	sender     MulticastSender
	store      store.SessionStore
	collection string
	logger     *zap.Logger
	now        func() time.Time
}

// NewFCMNotifier creates a notifier; sender may be nil, in which case
// token registration still works and Send fails with ErrPushUnavailable
func NewFCMNotifier(sender MulticastSender, s store.SessionStore, collection string, logger *zap.Logger) *FCMNotifier {
	return &FCMNotifier{
		sender:     sender,
		store:      s,
		collection: collection,
		logger:     logger,
		now:        time.Now,
	}
}

// RegisterToken records a device token for userID, keyed by the token itself
func (n *FCMNotifier) RegisterToken(ctx context.Context, userID, token string) error {
	if userID == "" || token == "" {
		return errors.New("userId and token are required")
	}
	doc := map[string]interface{}{
		fieldToken:     token,
		fieldTokenUser: userID,
		fieldTokenTime: n.now(),
	}
	if err := n.store.Create(ctx, n.collection, token, doc); err != nil {
		return fmt.Errorf("registering token for %s: %w", userID, err)
	}
	n.logger.Info("Device token registered", zap.String("user_id", userID))
	return nil
}

// Send fails with ErrNoDevices when the user has no registered tokens
func (n *FCMNotifier) Send(ctx context.Context, userID, title, body string) (int, error) {
	tokens, err := n.tokensFor(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, ErrNoDevices
	}
	if n.sender == nil {
		return 0, ErrPushUnavailable
	}

	delivered := 0
	for start := 0; start < len(tokens); start += maxMulticastTokens {
		end := min(start+maxMulticastTokens, len(tokens))
		resp, err := n.sender.SendEachForMulticast(ctx, &messaging.MulticastMessage{
			Tokens: tokens[start:end],
			Notification: &messaging.Notification{
				Title: title,
				Body:  body,
			},
			Data: map[string]string{"userId": userID},
		})
		if err != nil {
			return delivered, fmt.Errorf("sending notification to %s: %w", userID, err)
		}
		delivered += resp.SuccessCount

		for i, r := range resp.Responses {
			if r.Success {
				continue
			}
			n.logger.Warn("Notification not delivered",
				zap.String("user_id", userID),
				zap.Bool("token_unregistered", messaging.IsUnregistered(r.Error)),
				zap.Int("index", start+i),
				zap.Error(r.Error))
		}
	}

	n.logger.Info("Notification sent",
		zap.String("user_id", userID),
		zap.Int("devices", len(tokens)),
		zap.Int("delivered", delivered))
	return delivered, nil
}

func (n *FCMNotifier) tokensFor(ctx context.Context, userID string) ([]string, error) {
	docs, err := n.store.Query(ctx, n.collection, store.Equal(fieldTokenUser, userID))
	if err != nil {
		return nil, fmt.Errorf("looking up devices for %s: %w", userID, err)
	}

	seen := make(map[string]bool, len(docs))
	tokens := make([]string, 0, len(docs))
	for _, doc := range docs {
		token, _ := doc.Data[fieldToken].(string)
		if token == "" || seen[token] {
			continue
		}
		seen[token] = true
		tokens = append(tokens, token)
	}
	return tokens, nil
}
