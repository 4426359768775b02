package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"

	"lifeline/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Discoverer reports devices reachable over one transport
type Discoverer interface {
	Name() string
	Discover(ctx context.Context) ([]models.NearbyDevice, error)
}

// SweepDevices runs every discoverer concurrently and merges the results in
// discoverer order, deduplicated by (kind, address). A failing discoverer is
// logged and skipped.
func SweepDevices(ctx context.Context, logger *zap.Logger, discoverers ...Discoverer) []models.NearbyDevice {
	results := make([][]models.NearbyDevice, len(discoverers))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range discoverers {
		g.Go(func() error {
			devices, err := d.Discover(gctx)
			if err != nil {
				logger.Warn("Discovery failed",
					zap.String("discoverer", d.Name()),
					zap.Error(err))
				return nil
			}
			results[i] = devices
			return nil
		})
	}
	_ = g.Wait()

	var merged []models.NearbyDevice
	for _, devices := range results {
		merged = append(merged, devices...)
	}
	devices := models.DedupeDevices(merged)

	logger.Info("Device sweep finished",
		zap.Int("discoverers", len(discoverers)),
		zap.Int("found", len(merged)),
		zap.Int("unique", len(devices)))
	return devices
}

// JSONFileDiscoverer reads devices another scanner wrote as a JSON array
type JSONFileDiscoverer struct {
	path string
}

func NewJSONFileDiscoverer(path string) *JSONFileDiscoverer {
	return &JSONFileDiscoverer{path: path}
}

func (d *JSONFileDiscoverer) Name() string {
	return "file:" + d.path
}

func (d *JSONFileDiscoverer) Discover(ctx context.Context) ([]models.NearbyDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(d.path)
	if err != nil {
		return nil, fmt.Errorf("reading device list: %w", err)
	}
	var devices []models.NearbyDevice
	if err := json.Unmarshal(raw, &devices); err != nil {
		return nil, fmt.Errorf("parsing device list %s: %w", d.path, err)
	}
	return devices, nil
}

// SimulatedLoRaDiscoverer stands in for a LoRa radio on hosts without one
type SimulatedLoRaDiscoverer struct {
	nodes int
	seed  uint64
}

func NewSimulatedLoRaDiscoverer(nodes int, seed uint64) *SimulatedLoRaDiscoverer {
	return &SimulatedLoRaDiscoverer{nodes: nodes, seed: seed}
}

func (d *SimulatedLoRaDiscoverer) Name() string {
	return "lora-sim"
}

func (d *SimulatedLoRaDiscoverer) Discover(ctx context.Context) ([]models.NearbyDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(d.seed, d.seed^0x9e3779b97f4a7c15))
	devices := make([]models.NearbyDevice, 0, d.nodes)
	for i := 0; i < d.nodes; i++ {
		id := rng.IntN(0xFFFF)
		devices = append(devices, models.NearbyDevice{
			Kind:        models.DeviceLoRa,
			DisplayName: fmt.Sprintf("LoRa-Node-%04X", id),
			Address:     fmt.Sprintf("lora:%04x", id),
		})
	}
	return devices, nil
}
