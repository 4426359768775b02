package main

import (
	"context"
	"fmt"

	"lifeline/config"
	"lifeline/log"
	"lifeline/models"
	"lifeline/services"

	"go.uber.org/zap"
)

// device bundles everything a reporting device needs for one command
type device struct {
	cfg      *config.Config
	logger   *zap.Logger
	firebase *services.FirebaseService
	sessions *services.SessionRepository
	locator  services.LocationProvider
	tracker  *services.MQTTLocationProvider
	state    *services.SQLiteLocalState
	producer *services.HeartbeatProducer

	closers []func()
}

func openDevice(ctx context.Context) (*device, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if userID != "" {
		cfg.UserID = userID
	}
	if statePath != "" {
		cfg.StateDBPath = statePath
	}

	d := &device{cfg: cfg, logger: log.Component("sosctl")}

	d.firebase, err = services.NewFirebaseService(ctx, cfg, log.Component("firebase"))
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, func() { _ = d.firebase.Close() })
	d.sessions = services.NewSessionRepository(d.firebase.Store(), cfg.SessionsCollection, log.Component("sessions"))

	d.state, err = services.NewSQLiteLocalState(cfg.StateDBPath)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.closers = append(d.closers, func() { _ = d.state.Close() })

	return d, nil
}

// withLocator wires the location source. The tracker topic is per identity,
// so without one the fixed coordinates are used even when a broker is set.
func (d *device) withLocator() error {
	if d.locator != nil {
		return nil
	}

	if d.cfg.MQTTBroker != "" && d.cfg.UserID != "" {
		mqttLocator, err := services.NewMQTTLocationProvider(d.cfg, d.cfg.UserID, log.Component("locator"))
		if err != nil {
			return err
		}
		d.closers = append(d.closers, mqttLocator.Close)
		d.locator = mqttLocator
		d.tracker = mqttLocator
		return nil
	}

	static, err := services.NewStaticLocationProvider(models.Position{
		Latitude:  d.cfg.FixedLatitude,
		Longitude: d.cfg.FixedLongitude,
	})
	if err != nil {
		return err
	}
	d.locator = static
	return nil
}

// withProducer wires the heartbeat producer on top of the location source.
// The reporting identity is required from here on.
func (d *device) withProducer() error {
	if d.cfg.UserID == "" {
		return fmt.Errorf("no reporting identity; pass --user or set USER_ID")
	}
	if err := d.withLocator(); err != nil {
		return err
	}

	var battery services.BatteryGauge = services.NewSysfsBattery()
	if d.tracker != nil {
		battery = trackerBattery{tracker: d.tracker, fallback: battery}
	}

	d.producer = services.NewHeartbeatProducer(d.cfg, d.sessions, d.locator, battery, d.state, log.Component("heartbeat"))
	return nil
}

// Close releases resources in reverse order of acquisition
func (d *device) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	_ = d.logger.Sync()
}

// trackerBattery prefers the level the GPS tracker reports with its fixes
type trackerBattery struct {
	tracker  *services.MQTTLocationProvider
	fallback services.BatteryGauge
}

func (b trackerBattery) Level() int {
	if level, ok := b.tracker.LatestBattery(); ok {
		return level
	}
	return b.fallback.Level()
}
