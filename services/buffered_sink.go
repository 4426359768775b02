package services

import (
	"context"
	"sync"
	"time"

	"lifeline/models"

	"go.uber.org/zap"
)

// BufferedSink decouples a slow escalation sink from the scan: escalations
// are queued and delivered in batches by size or timeout, with retries
type BufferedSink struct {
	sink         EscalationSink
	logger       *zap.Logger
	incoming     chan []models.Session
	buffer       []models.Session
	bufferMutex  sync.Mutex
	flushTimer   *time.Timer
	maxBatchSize int
	batchTimeout time.Duration
	shutdownChan chan bool
}

// NewBufferedSink wraps sink; call Start to begin delivering
func NewBufferedSink(sink EscalationSink, maxBatchSize int, batchTimeout time.Duration, logger *zap.Logger) *BufferedSink {
	return &BufferedSink{
		sink:         sink,
		logger:       logger,
		incoming:     make(chan []models.Session, 64),
		buffer:       make([]models.Session, 0, maxBatchSize),
		maxBatchSize: maxBatchSize,
		batchTimeout: batchTimeout,
		shutdownChan: make(chan bool, 1),
	}
}

func (bs *BufferedSink) Name() string {
	return bs.sink.Name()
}

// OnEscalated queues sessions for delivery
func (bs *BufferedSink) OnEscalated(ctx context.Context, sessions []models.Session) error {
	select {
	case bs.incoming <- sessions:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start delivers queued escalations until ctx is cancelled, then flushes
func (bs *BufferedSink) Start(ctx context.Context) {
	bs.logger.Info("Starting buffered escalation sink",
		zap.String("sink", bs.sink.Name()),
		zap.Int("max_batch_size", bs.maxBatchSize),
		zap.Duration("batch_timeout", bs.batchTimeout))

	bs.flushTimer = time.NewTimer(bs.batchTimeout)
	defer bs.flushTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			bs.logger.Info("Buffered sink received shutdown signal", zap.String("sink", bs.sink.Name()))
			bs.drainIncoming()
			// ctx is already cancelled; give the final flush its own deadline
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			bs.flushBuffer(flushCtx)
			cancel()
			bs.shutdownChan <- true
			return

		case sessions := <-bs.incoming:
			bs.bufferMutex.Lock()
			bs.buffer = append(bs.buffer, sessions...)
			currentSize := len(bs.buffer)
			bs.bufferMutex.Unlock()

			if currentSize >= bs.maxBatchSize {
				bs.logger.Debug("Buffer full, flushing escalations",
					zap.String("sink", bs.sink.Name()),
					zap.Int("buffer_size", currentSize))

				if !bs.flushTimer.Stop() {
					select {
					case <-bs.flushTimer.C:
					default:
					}
				}

				bs.flushBuffer(ctx)
				bs.flushTimer.Reset(bs.batchTimeout)
			}

		case <-bs.flushTimer.C:
			bs.flushBuffer(ctx)
			bs.flushTimer.Reset(bs.batchTimeout)
		}
	}
}

func (bs *BufferedSink) drainIncoming() {
	for {
		select {
		case sessions := <-bs.incoming:
			bs.bufferMutex.Lock()
			bs.buffer = append(bs.buffer, sessions...)
			bs.bufferMutex.Unlock()
		default:
			return
		}
	}
}

// flushBuffer hands the buffered sessions to the wrapped sink and clears it
func (bs *BufferedSink) flushBuffer(ctx context.Context) {
	bs.bufferMutex.Lock()

	if len(bs.buffer) == 0 {
		bs.bufferMutex.Unlock()
		return
	}

	// Copy buffer so the lock is not held during delivery
	batch := make([]models.Session, len(bs.buffer))
	copy(batch, bs.buffer)
	bs.buffer = bs.buffer[:0]

	bs.bufferMutex.Unlock()

	maxRetries := 3
	var err error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = bs.sink.OnEscalated(ctx, batch)
		if err == nil {
			bs.logger.Info("Delivered escalations",
				zap.String("sink", bs.sink.Name()),
				zap.Int("batch_size", len(batch)))
			return
		}

		bs.logger.Error("Failed to deliver escalations",
			zap.String("sink", bs.sink.Name()),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Int("batch_size", len(batch)),
			zap.Error(err))

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				attempt = maxRetries
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}

	bs.logger.Error("Dropping escalations after all retries",
		zap.String("sink", bs.sink.Name()),
		zap.Int("batch_size", len(batch)),
		zap.Error(err))
}

// WaitForShutdown waits for the final flush to complete
func (bs *BufferedSink) WaitForShutdown(timeout time.Duration) bool {
	select {
	case <-bs.shutdownChan:
		return true
	case <-time.After(timeout):
		return false
	}
}

// BufferSize returns the number of escalations waiting for delivery
func (bs *BufferedSink) BufferSize() int {
	bs.bufferMutex.Lock()
	defer bs.bufferMutex.Unlock()
	return len(bs.buffer)
}
