package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"lifeline/config"
	"lifeline/models"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RoutingKeyEscalated is used for escalation events on the exchange
const RoutingKeyEscalated = "session.escalated"

// Scanner runs a staleness scan; implemented by StalenessWatchdog
type Scanner interface {
	Scan(ctx context.Context, threshold time.Duration) (int, error)
}

// RabbitMQService consumes scan requests and publishes escalation events
type RabbitMQService struct {
	config    *config.Config
	conn      *amqp.Connection
	channel   *amqp.Channel
	logger    *zap.Logger
	reconnect chan bool
	isClosing atomic.Bool
}

// NewRabbitMQService creates a new RabbitMQ service instance
func NewRabbitMQService(cfg *config.Config, logger *zap.Logger) (*RabbitMQService, error) {
	service := &RabbitMQService{
		config:    cfg,
		logger:    logger,
		reconnect: make(chan bool, 1),
	}

	if err := service.connect(); err != nil {
		return nil, err
	}

	return service, nil
}

// connect establishes connection to RabbitMQ and declares exchange and queue
func (r *RabbitMQService) connect() error {
	var err error

	r.logger.Info("Connecting to RabbitMQ", zap.String("url", r.config.RabbitMQURL))

	// Connect to RabbitMQ with retry
	maxRetries := 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		r.conn, err = amqp.Dial(r.config.RabbitMQURL)
		if err == nil {
			break
		}

		r.logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	r.logger.Info("Connected to RabbitMQ successfully")

	r.channel, err = r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	// Scans hit the store, one at a time is plenty
	err = r.channel.Qos(
		1,     // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	err = r.channel.ExchangeDeclare(
		r.config.RabbitMQExchange, // name
		"direct",                  // type
		true,                      // durable
		false,                     // auto-deleted
		false,                     // internal
		false,                     // no-wait
		nil,                       // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	r.logger.Info("Exchange declared", zap.String("exchange", r.config.RabbitMQExchange))

	queue, err := r.channel.QueueDeclare(
		r.config.RabbitMQScanQueue, // name
		true,                       // durable
		false,                      // delete when unused
		false,                      // exclusive
		false,                      // no-wait
		nil,                        // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	r.logger.Info("Queue declared", zap.String("queue", queue.Name))

	err = r.channel.QueueBind(
		queue.Name,                 // queue name
		r.config.RabbitMQScanQueue, // routing key
		r.config.RabbitMQExchange,  // exchange
		false,                      // no-wait
		nil,                        // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	r.logger.Info("Queue bound to exchange",
		zap.String("queue", queue.Name),
		zap.String("exchange", r.config.RabbitMQExchange),
		zap.String("routing_key", r.config.RabbitMQScanQueue))

	// Field gateways can request a scan over MQTT through the broker's MQTT plugin
	err = r.channel.QueueBind(
		queue.Name,                 // queue name
		r.config.RabbitMQScanQueue, // routing key (MQTT topic)
		"amq.topic",                // MQTT default exchange
		false,                      // no-wait
		nil,                        // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue to MQTT exchange: %w", err)
	}

	r.logger.Info("Queue bound to MQTT exchange",
		zap.String("queue", queue.Name),
		zap.String("exchange", "amq.topic"),
		zap.String("routing_key", r.config.RabbitMQScanQueue))

	go r.handleReconnect()

	return nil
}

// handleReconnect handles automatic reconnection when connection is lost
func (r *RabbitMQService) handleReconnect() {
	closeErr := <-r.conn.NotifyClose(make(chan *amqp.Error, 1))
	if r.isClosing.Load() {
		r.logger.Info("RabbitMQ connection closed gracefully")
		return
	}

	r.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))

	for {
		r.logger.Info("Attempting to reconnect to RabbitMQ...")
		// connect starts a fresh handleReconnect for the new connection
		err := r.connect()
		if err == nil {
			r.logger.Info("Successfully reconnected to RabbitMQ")
			select {
			case r.reconnect <- true:
			default:
			}
			return
		}

		r.logger.Error("Failed to reconnect", zap.Error(err))
		time.Sleep(5 * time.Second)
	}
}

// Consume runs a staleness scan for every request on the scan queue
func (r *RabbitMQService) Consume(ctx context.Context, scanner Scanner) error {
	for {
		msgs, err := r.channel.Consume(
			r.config.RabbitMQScanQueue, // queue
			"lifeline-watchdog",        // consumer tag
			false,                      // auto-ack (false = manual ack)
			false,                      // exclusive
			false,                      // no-local
			false,                      // no-wait
			nil,                        // args
		)
		if err != nil {
			return fmt.Errorf("failed to register consumer: %w", err)
		}

		r.logger.Info("Started consuming scan requests from RabbitMQ",
			zap.String("queue", r.config.RabbitMQScanQueue))

	consumeLoop:
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Stopping RabbitMQ consumer")
				return nil

			case <-r.reconnect:
				r.logger.Info("Reconnection detected, restarting consumer")
				break consumeLoop

			case msg, ok := <-msgs:
				if !ok {
					r.logger.Warn("Message channel closed")
					time.Sleep(1 * time.Second)
					break consumeLoop
				}

				req, err := decodeScanRequest(msg.Body, r.config.StalenessThreshold)
				if err != nil {
					r.logger.Error("Dropping malformed scan request",
						zap.Error(err),
						zap.String("message_id", msg.MessageId))
					msg.Nack(false, false)
					continue
				}

				if err := r.processScanRequest(ctx, msg, req, scanner); err != nil {
					r.logger.Error("Failed to process scan request",
						zap.Error(err),
						zap.String("message_id", msg.MessageId))

					// Negative acknowledgment - requeue the request
					msg.Nack(false, true)
				} else {
					msg.Ack(false)
				}
			}
		}
	}
}

func (r *RabbitMQService) processScanRequest(ctx context.Context, msg amqp.Delivery, req models.ScanRequest, scanner Scanner) error {
	threshold := time.Duration(req.ThresholdSeconds) * time.Second
	count, err := scanner.Scan(ctx, threshold)
	if err != nil {
		return err
	}

	r.logger.Info("Scan request processed",
		zap.String("requested_by", req.RequestedBy),
		zap.Duration("threshold", threshold),
		zap.Int("escalated_count", count))

	if msg.ReplyTo == "" {
		return nil
	}
	body, err := json.Marshal(models.ScanResult{EscalatedCount: count})
	if err != nil {
		return fmt.Errorf("failed to marshal scan result: %w", err)
	}
	// The scan already committed; a lost reply must not requeue it
	if err := r.channel.PublishWithContext(ctx,
		"",          // default exchange
		msg.ReplyTo, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: msg.CorrelationId,
			Body:          body,
			Timestamp:     time.Now(),
		},
	); err != nil {
		r.logger.Warn("Failed to reply to scan request",
			zap.String("reply_to", msg.ReplyTo),
			zap.Error(err))
	}
	return nil
}

// decodeScanRequest parses a request body; an empty body or a missing
// threshold falls back to the configured default
func decodeScanRequest(body []byte, defaultThreshold time.Duration) (models.ScanRequest, error) {
	var req models.ScanRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return req, fmt.Errorf("failed to unmarshal scan request: %w", err)
		}
	}
	if req.ThresholdSeconds < 0 {
		return req, fmt.Errorf("invalid scan request: negative threshold %d", req.ThresholdSeconds)
	}
	if int64(req.ThresholdSeconds) > models.MaxThresholdSeconds {
		return req, fmt.Errorf("invalid scan request: threshold %d exceeds %d seconds", req.ThresholdSeconds, models.MaxThresholdSeconds)
	}
	if req.ThresholdSeconds == 0 {
		req.ThresholdSeconds = int(defaultThreshold / time.Second)
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	return req, nil
}

// PublishScanRequest asks whichever watchdog consumes the queue to run a scan
func (r *RabbitMQService) PublishScanRequest(ctx context.Context, req models.ScanRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal scan request: %w", err)
	}
	return r.publish(ctx, r.config.RabbitMQScanQueue, body)
}

func (r *RabbitMQService) Name() string {
	return "rabbitmq"
}

// OnEscalated publishes one EscalationEvent per session
func (r *RabbitMQService) OnEscalated(ctx context.Context, sessions []models.Session) error {
	now := time.Now()
	for _, s := range sessions {
		body, err := json.Marshal(models.NewEscalationEvent(s, now))
		if err != nil {
			return fmt.Errorf("failed to marshal escalation event: %w", err)
		}
		if err := r.publish(ctx, RoutingKeyEscalated, body); err != nil {
			return err
		}
		r.logger.Debug("Published escalation event", zap.String("session_id", s.ID))
	}
	return nil
}

func (r *RabbitMQService) publish(ctx context.Context, routingKey string, body []byte) error {
	err := r.channel.PublishWithContext(ctx,
		r.config.RabbitMQExchange, // exchange
		routingKey,                // routing key
		false,                     // mandatory
		false,                     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    uuid.New().String(),
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close gracefully closes RabbitMQ connection
func (r *RabbitMQService) Close() error {
	r.isClosing.Store(true)

	r.logger.Info("Closing RabbitMQ connection")

	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			r.logger.Error("Error closing channel", zap.Error(err))
		}
	}

	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			r.logger.Error("Error closing connection", zap.Error(err))
			return err
		}
	}

	r.logger.Info("RabbitMQ connection closed")
	return nil
}
