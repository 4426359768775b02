package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"lifeline/models"
)

// Accuracy is the hint passed to a LocationProvider
type Accuracy int

const (
	AccuracyBalanced Accuracy = iota
	AccuracyHigh
)

// LocationProvider returns the device's current position. Implementations
// fail with ErrLocationUnavailable or ErrPermissionDenied.
type LocationProvider interface {
	CurrentPosition(ctx context.Context, accuracy Accuracy) (models.Position, error)
}

// StaticLocationProvider always reports the same fix. Used for fixed
// installations and for local runs without a GPS feed.
type StaticLocationProvider struct {
	position models.Position
}

// NewStaticLocationProvider validates pos and returns a provider for it
func NewStaticLocationProvider(pos models.Position) (*StaticLocationProvider, error) {
	if err := pos.Validate(); err != nil {
		return nil, fmt.Errorf("static location: %w", err)
	}
	return &StaticLocationProvider{position: pos}, nil
}

func (p *StaticLocationProvider) CurrentPosition(ctx context.Context, _ Accuracy) (models.Position, error) {
	if err := ctx.Err(); err != nil {
		return models.Position{}, fmt.Errorf("%w: %w", ErrLocationUnavailable, err)
	}
	return p.position, nil
}

// BatteryGauge reports the battery charge in percent
type BatteryGauge interface {
	Level() int
}

// StaticBattery reports a constant level
type StaticBattery int

func (b StaticBattery) Level() int {
	return int(b)
}

// SysfsBattery reads the first battery exposed under /sys/class/power_supply.
// Mains-powered hosts have none and report 100.
type SysfsBattery struct {
	root string
}

func NewSysfsBattery() *SysfsBattery {
	return &SysfsBattery{root: "/sys/class/power_supply"}
}

func (b *SysfsBattery) Level() int {
	matches, _ := filepath.Glob(filepath.Join(b.root, "BAT*", "capacity"))
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		level, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			continue
		}
		return clampPercent(level)
	}
	return 100
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
