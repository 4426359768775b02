package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lifeline/models"
	"lifeline/services"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var (
	interval   = flag.Duration("interval", 5*time.Second, "Time between fixes")
	userID     = flag.String("user", "demo-user", "Identity the fixes are published for")
	startLat   = flag.Float64("lat", 28.6139, "Starting latitude")
	startLng   = flag.Float64("lng", 77.2090, "Starting longitude")
	walkMeters = flag.Float64("walk", 15, "Maximum movement per fix in meters")
	dropAfter  = flag.Duration("drop-after", 0, "Stop publishing after this long to simulate signal loss (0 = never)")
	mqttBroker = flag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
	mqttUser   = flag.String("mqtt-user", "", "MQTT username")
	mqttPass   = flag.String("mqtt-pass", "", "MQTT password")
	baseTopic  = flag.String("topic", "lifeline/fix", "Base MQTT topic; the identity is appended")
)

// Tracker simulates a GPS tracker carried by someone on foot
type Tracker struct {
	deviceID  string
	latitude  float64
	longitude float64
	battery   float64
	walk      float64
}

func NewTracker(deviceID string, lat, lng, walk float64) *Tracker {
	return &Tracker{
		deviceID:  deviceID,
		latitude:  lat,
		longitude: lng,
		battery:   100,
		walk:      walk,
	}
}

// NextFix moves the tracker a random step and drains the battery a little
func (t *Tracker) NextFix(now time.Time) models.LocationFix {
	// Roughly 111 km per degree of latitude
	step := t.walk / 111_000
	t.latitude += (rand.Float64()*2 - 1) * step
	t.longitude += (rand.Float64()*2 - 1) * step / math.Max(math.Cos(t.latitude*math.Pi/180), 0.01)
	t.latitude = math.Max(-90, math.Min(90, t.latitude))
	t.longitude = math.Max(-180, math.Min(180, t.longitude))

	t.battery = math.Max(0, t.battery-rand.Float64()*0.2)
	battery := int(math.Round(t.battery))

	return models.LocationFix{
		DeviceID:  t.deviceID,
		Latitude:  math.Round(t.latitude*1e6) / 1e6,
		Longitude: math.Round(t.longitude*1e6) / 1e6,
		AccuracyM: math.Round((3+rand.Float64()*12)*10) / 10,
		Battery:   &battery,
		Timestamp: now,
	}
}

func main() {
	flag.Parse()

	// Initialize logger
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	topic := services.FixTopic(*baseTopic, *userID)

	logger.Info("GPS fix generator started",
		zap.String("user_id", *userID),
		zap.Duration("interval", *interval),
		zap.Duration("drop_after", *dropAfter),
		zap.String("mqtt_broker", *mqttBroker),
		zap.String("mqtt_topic", topic),
	)
	logger.Info("Press Ctrl+C to stop gracefully")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", *mqttBroker))
	opts.SetClientID(fmt.Sprintf("lifeline-%s-tracker", *userID))
	opts.SetUsername(*mqttUser)
	opts.SetPassword(*mqttPass)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", *mqttBroker))
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	}

	mqttClient := mqtt.NewClient(opts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(token.Error()))
	}
	defer mqttClient.Disconnect(250)

	tracker := NewTracker(*userID+"-tracker", *startLat, *startLng, *walkMeters)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping generator")
		cancel()
	}()

	var dropped <-chan time.Time
	if *dropAfter > 0 {
		dropped = time.After(*dropAfter)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	messageCount := 0
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down",
				zap.Int("total_fixes", messageCount),
				zap.Duration("total_uptime", time.Since(startTime)))
			return

		case <-dropped:
			// Stay connected but silent, like a tracker that lost its GPS signal
			logger.Warn("Simulating signal loss, no more fixes will be published",
				zap.Int("published", messageCount))
			ticker.Stop()
			dropped = nil

		case now := <-ticker.C:
			fix := tracker.NextFix(now)

			jsonData, err := json.Marshal(fix)
			if err != nil {
				logger.Error("Failed to marshal fix", zap.Error(err))
				continue
			}

			token := mqttClient.Publish(topic, 0, false, jsonData)
			if token.Wait() && token.Error() != nil {
				logger.Error("Failed to publish fix",
					zap.Error(token.Error()),
					zap.Int("message_count", messageCount))
				continue
			}
			messageCount++

			logger.Debug("Published fix",
				zap.Float64("latitude", fix.Latitude),
				zap.Float64("longitude", fix.Longitude),
				zap.Int("battery", *fix.Battery))
		}
	}
}
