package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"lifeline/config"
	"lifeline/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"go.uber.org/zap"
)

// MQTTLocationProvider tracks GPS fixes that a tracker publishes on
// <MQTT_FIX_TOPIC>/<userId> and serves the freshest one.
type MQTTLocationProvider struct {
	client mqtt.Client
	topic  string
	maxAge time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	latest  *models.LocationFix
	updated chan struct{}
}

// FixTopic returns the topic fixes for userID are published on
func FixTopic(base, userID string) string {
	return base + "/" + userID
}

// NewMQTTLocationProvider connects to the broker and subscribes to the fix topic
func NewMQTTLocationProvider(cfg *config.Config, userID string, logger *zap.Logger) (*MQTTLocationProvider, error) {
	p := newFixTracker(FixTopic(cfg.MQTTFixTopic, userID), cfg.LocationMaxAge, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.MQTTBroker))
	opts.SetClientID(fmt.Sprintf("lifeline-%s-locator", userID))
	opts.SetUsername(cfg.MQTTUser)
	opts.SetPassword(cfg.MQTTPass)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	// Resubscribe on every (re)connect so fixes keep flowing after a drop
	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", cfg.MQTTBroker))
		token := client.Subscribe(p.topic, 0, p.handleMessage)
		if token.Wait() && token.Error() != nil {
			logger.Error("Failed to subscribe to fix topic",
				zap.String("topic", p.topic),
				zap.Error(token.Error()))
		}
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	}

	p.client = mqtt.NewClient(opts)
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		err := token.Error()
		if errors.Is(err, packets.ErrorRefusedNotAuthorised) || errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) {
			return nil, fmt.Errorf("%w: mqtt: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("connecting to MQTT broker: %w", err)
	}

	return p, nil
}

func newFixTracker(topic string, maxAge time.Duration, logger *zap.Logger) *MQTTLocationProvider {
	return &MQTTLocationProvider{
		topic:   topic,
		maxAge:  maxAge,
		logger:  logger,
		now:     time.Now,
		updated: make(chan struct{}),
	}
}

func (p *MQTTLocationProvider) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var fix models.LocationFix
	if err := json.Unmarshal(msg.Payload(), &fix); err != nil {
		p.logger.Warn("Invalid location fix payload",
			zap.String("topic", msg.Topic()),
			zap.Error(err))
		return
	}
	p.record(fix)
}

func (p *MQTTLocationProvider) record(fix models.LocationFix) {
	if err := fix.Position().Validate(); err != nil {
		p.logger.Warn("Discarding out-of-range fix", zap.Error(err))
		return
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = p.now()
	}

	p.mu.Lock()
	p.latest = &fix
	close(p.updated)
	p.updated = make(chan struct{})
	p.mu.Unlock()

	p.logger.Debug("Location fix received",
		zap.Float64("latitude", fix.Latitude),
		zap.Float64("longitude", fix.Longitude),
		zap.Time("timestamp", fix.Timestamp))
}

// CurrentPosition returns the latest fix if it is fresh enough, otherwise
// waits for the next fix until ctx is done
func (p *MQTTLocationProvider) CurrentPosition(ctx context.Context, accuracy Accuracy) (models.Position, error) {
	maxAge := p.maxAge
	if accuracy == AccuracyHigh {
		maxAge /= 2
	}

	for {
		p.mu.Lock()
		latest := p.latest
		updated := p.updated
		p.mu.Unlock()

		if latest != nil && p.now().Sub(latest.Timestamp) <= maxAge {
			return latest.Position(), nil
		}

		select {
		case <-ctx.Done():
			return models.Position{}, fmt.Errorf("%w: no fresh fix on %s: %w", ErrLocationUnavailable, p.topic, ctx.Err())
		case <-updated:
		}
	}
}

// LatestBattery returns the battery level carried by the last fix, if any
func (p *MQTTLocationProvider) LatestBattery() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil || p.latest.Battery == nil {
		return 0, false
	}
	return clampPercent(*p.latest.Battery), true
}

// Close disconnects from the broker
func (p *MQTTLocationProvider) Close() {
	if p.client != nil {
		p.client.Disconnect(250)
	}
}
