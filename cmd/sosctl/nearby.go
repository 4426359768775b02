package main

import (
	"fmt"
	"time"

	"lifeline/log"
	"lifeline/services"

	"github.com/spf13/cobra"
)

var (
	radiusKm    float64
	devicesFile string
	loraNodes   int
	loraSeed    uint64
)

var nearbyCmd = &cobra.Command{
	Use:   "nearby",
	Short: "List open SOS sessions within range of this device",
	RunE:  runNearby,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Sweep for nearby devices over every configured transport",
	RunE:  runDevices,
}

var registerTokenCmd = &cobra.Command{
	Use:   "register-token <token>",
	Short: "Register a push token for this identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegisterToken,
}

func init() {
	nearbyCmd.Flags().Float64Var(&radiusKm, "radius", 0, "Search radius in km (default NEARBY_RADIUS_KM)")
	devicesCmd.Flags().StringVar(&devicesFile, "file", "", "JSON array of devices written by a platform scanner")
	devicesCmd.Flags().IntVar(&loraNodes, "lora", 0, "Number of simulated LoRa nodes")
	devicesCmd.Flags().Uint64Var(&loraSeed, "seed", 1, "Seed for simulated LoRa nodes")
}

func runNearby(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	d, err := openDevice(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.withLocator(); err != nil {
		return err
	}

	observer, err := d.locator.CurrentPosition(ctx, services.AccuracyBalanced)
	if err != nil {
		return fmt.Errorf("locating this device: %w", err)
	}

	open, err := d.sessions.ListOpen(ctx)
	if err != nil {
		return err
	}

	radius := d.cfg.NearbyRadiusKm
	if radiusKm > 0 {
		radius = radiusKm
	}
	engine := services.NewProximityEngine(observer)
	peers := engine.WithinRange(observer, open, radius)

	if len(peers) == 0 {
		fmt.Printf("No open sessions within %.1f km\n", radius)
		return nil
	}

	now := time.Now()
	fmt.Printf("%d open session(s) within %.1f km\n\n", len(peers), radius)
	for _, p := range peers {
		fmt.Printf("  %-24s  %-22s  %6.2f km  battery %3d%%  seen %s ago\n",
			p.Identity, p.Status, p.DistanceKm, p.BatteryLevel,
			now.Sub(p.LastSeenAt).Truncate(time.Second))
	}
	return nil
}

func runDevices(cmd *cobra.Command, args []string) error {
	var discoverers []services.Discoverer
	if devicesFile != "" {
		discoverers = append(discoverers, services.NewJSONFileDiscoverer(devicesFile))
	}
	if loraNodes > 0 {
		discoverers = append(discoverers, services.NewSimulatedLoRaDiscoverer(loraNodes, loraSeed))
	}
	if len(discoverers) == 0 {
		return fmt.Errorf("nothing to sweep; pass --file or --lora")
	}

	logger := log.Component("discovery")
	defer logger.Sync()

	devices := services.SweepDevices(cmd.Context(), logger, discoverers...)
	if len(devices) == 0 {
		fmt.Println("No devices found")
		return nil
	}
	for _, dev := range devices {
		fmt.Printf("  %-13s  %-28s  %s\n", dev.Kind.Label(), dev.DisplayName, dev.Address)
	}
	return nil
}

func runRegisterToken(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	d, err := openDevice(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	if d.cfg.UserID == "" {
		return fmt.Errorf("no reporting identity; pass --user or set USER_ID")
	}

	// Registration only writes the token document; no push client needed
	notifier := services.NewFCMNotifier(nil, d.firebase.Store(), d.cfg.TokensCollection, log.Component("fcm"))
	if err := notifier.RegisterToken(ctx, d.cfg.UserID, args[0]); err != nil {
		return err
	}
	fmt.Printf("Token registered for %s\n", d.cfg.UserID)
	return nil
}
