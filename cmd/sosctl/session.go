package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lifeline/models"
	"lifeline/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var keepActive bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start an SOS session and heartbeat until interrupted",
	Long: `Acquire a location fix, create an ACTIVE session and send a heartbeat
every HEARTBEAT_INTERVAL. Ctrl+C resolves the session unless --keep-active
is set, in which case the session is left for the watchdog.`,
	RunE: runStart,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume heartbeats for the session recorded on this device",
	RunE:  runResume,
}

var stopCmd = &cobra.Command{
	Use:   "stop [session-id]",
	Short: "Resolve the session recorded on this device",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session recorded on this device",
	RunE:  runStatus,
}

func init() {
	startCmd.Flags().BoolVar(&keepActive, "keep-active", false, "Leave the session open on exit")
	resumeCmd.Flags().BoolVar(&keepActive, "keep-active", false, "Leave the session open on exit")
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	d, err := openDevice(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.withProducer(); err != nil {
		return err
	}

	// An earlier run may have been killed mid-session
	if id, resumed, err := d.producer.ResumeIfActive(ctx); err != nil {
		return err
	} else if resumed {
		fmt.Printf("Resumed session %s\n", id)
		return d.heartbeatUntilInterrupted(id)
	}

	id, err := d.producer.Start(ctx, d.cfg.UserID)
	if err != nil {
		return err
	}
	fmt.Printf("SOS session %s is ACTIVE\n", id)
	return d.heartbeatUntilInterrupted(id)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	d, err := openDevice(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.withProducer(); err != nil {
		return err
	}

	id, resumed, err := d.producer.ResumeIfActive(ctx)
	if err != nil {
		return err
	}
	if !resumed {
		fmt.Println("No open session recorded on this device")
		return nil
	}
	fmt.Printf("Resumed session %s\n", id)
	return d.heartbeatUntilInterrupted(id)
}

// heartbeatUntilInterrupted blocks until SIGINT or SIGTERM
func (d *device) heartbeatUntilInterrupted(id string) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	<-sigChan
	d.logger.Info("Shutdown signal received", zap.String("session_id", id))

	if keepActive {
		d.logger.Info("Leaving session open", zap.String("session_id", id))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.producer.Stop(ctx, id); err != nil {
		return fmt.Errorf("resolving session %s: %w", id, err)
	}
	fmt.Printf("Session %s RESOLVED\n", id)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	d, err := openDevice(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	id := ""
	if len(args) == 1 {
		id = args[0]
	} else if id, err = d.state.Load(ctx); err != nil {
		return err
	}
	if id == "" {
		fmt.Println("No session recorded on this device")
		return nil
	}

	if err := d.sessions.Resolve(ctx, id, time.Now()); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		fmt.Printf("Session %s no longer exists\n", id)
	} else {
		fmt.Printf("Session %s RESOLVED\n", id)
	}
	return d.state.Clear(ctx)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	d, err := openDevice(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	id, err := d.state.Load(ctx)
	if err != nil {
		return err
	}
	if id == "" {
		fmt.Println("No session recorded on this device")
		return nil
	}

	s, err := d.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	printSession(s, time.Now())
	return nil
}

func printSession(s *models.Session, now time.Time) {
	fmt.Printf("Session:        %s\n", s.ID)
	fmt.Printf("Identity:       %s\n", s.UserID)
	fmt.Printf("Status:         %s\n", s.Status)
	fmt.Printf("Started:        %s\n", s.StartTime.Format(time.RFC3339))
	fmt.Printf("Last heartbeat: %s (%s ago)\n",
		s.LastHeartbeat.Format(time.RFC3339), s.Elapsed(now).Truncate(time.Second))
	if s.HasLocation() {
		fmt.Printf("Location:       %.5f, %.5f\n", s.CurrentLocation.Latitude, s.CurrentLocation.Longitude)
	} else {
		fmt.Println("Location:       unknown")
	}
	fmt.Printf("Battery:        %d%%\n", s.BatteryLevel)
}
