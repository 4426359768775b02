package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lifeline/config"
	"lifeline/models"
	"lifeline/services"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var (
	threshold   = flag.Duration("threshold", 0, "Staleness threshold for this scan (default STALENESS_THRESHOLD)")
	requestedBy = flag.String("by", "scantrigger", "Who is asking for the scan")
	noWait      = flag.Bool("no-wait", false, "Publish the request and exit without waiting for the result")
	timeout     = flag.Duration("timeout", 30*time.Second, "How long to wait for the watchdog's reply")
	rabbitMQURL = flag.String("rabbitmq", "", "RabbitMQ URL (default from config)")
)

func main() {
	flag.Parse()

	// Initialize logger
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if *rabbitMQURL != "" {
		cfg.RabbitMQURL = *rabbitMQURL
	}
	if cfg.RabbitMQURL == "" {
		logger.Fatal("RabbitMQ URL is required; set RABBITMQ_URL or pass -rabbitmq")
	}

	req := models.ScanRequest{
		ThresholdSeconds: int(*threshold / time.Second),
		RequestedBy:      *requestedBy,
		Timestamp:        time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *noWait {
		rabbit, err := services.NewRabbitMQService(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		defer rabbit.Close()

		if err := rabbit.PublishScanRequest(ctx, req); err != nil {
			logger.Fatal("Failed to publish scan request", zap.Error(err))
		}
		logger.Info("Scan request published", zap.Int("threshold_seconds", req.ThresholdSeconds))
		return
	}

	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer conn.Close()

	channel, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", zap.Error(err))
	}
	defer channel.Close()

	// Server-named exclusive queue for the reply
	replyQueue, err := channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		logger.Fatal("Failed to declare reply queue", zap.Error(err))
	}
	replies, err := channel.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		logger.Fatal("Failed to consume reply queue", zap.Error(err))
	}

	body, err := json.Marshal(req)
	if err != nil {
		logger.Fatal("Failed to marshal scan request", zap.Error(err))
	}

	correlationID := uuid.New().String()
	err = channel.PublishWithContext(ctx,
		cfg.RabbitMQExchange,  // exchange
		cfg.RabbitMQScanQueue, // routing key
		false,                 // mandatory
		false,                 // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: correlationID,
			ReplyTo:       replyQueue.Name,
			MessageId:     correlationID,
			Body:          body,
			DeliveryMode:  amqp.Persistent,
			Timestamp:     time.Now(),
		},
	)
	if err != nil {
		logger.Fatal("Failed to publish scan request", zap.Error(err))
	}

	logger.Info("Scan request published, waiting for result",
		zap.String("correlation_id", correlationID),
		zap.String("exchange", cfg.RabbitMQExchange),
		zap.String("routing_key", cfg.RabbitMQScanQueue))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case msg, ok := <-replies:
			if !ok {
				logger.Fatal("Reply channel closed")
			}
			if msg.CorrelationId != correlationID {
				continue
			}
			var result models.ScanResult
			if err := json.Unmarshal(msg.Body, &result); err != nil {
				logger.Fatal("Malformed scan result", zap.Error(err))
			}
			logger.Info("Scan completed", zap.Int("escalated_count", result.EscalatedCount))
			return
		case <-ctx.Done():
			logger.Fatal("No scan result before timeout", zap.Duration("timeout", *timeout))
		case <-sigChan:
			logger.Info("Interrupted")
			return
		}
	}
}
