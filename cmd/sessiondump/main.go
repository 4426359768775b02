package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"lifeline/config"
	"lifeline/models"
	"lifeline/services"

	"go.uber.org/zap"
)

var (
	statusFilter = flag.String("status", "", "Comma separated statuses to include (default all)")
	asJSON       = flag.Bool("json", false, "Print sessions as JSON")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	// Only errors are interesting for a one-shot dump
	logger := zap.NewNop()
	if os.Getenv("LOG_LEVEL") != "" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	firebaseService, err := services.NewFirebaseService(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Error initializing session store: %v", err)
	}
	defer firebaseService.Close()

	repo := services.NewSessionRepository(firebaseService.Store(), cfg.SessionsCollection, logger)

	statuses, err := parseStatuses(*statusFilter)
	if err != nil {
		log.Fatal(err)
	}

	sessions, err := repo.ListByStatus(ctx, statuses...)
	if err != nil {
		log.Fatalf("Error reading sessions: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sessions); err != nil {
			log.Fatalf("Error encoding sessions: %v", err)
		}
		return
	}

	fmt.Printf("Total sessions found: %d\n", len(sessions))

	now := time.Now()
	for _, s := range sessions {
		fmt.Printf("Session: %s\n", s.ID)
		fmt.Printf("  user:           %s\n", s.UserID)
		fmt.Printf("  status:         %s\n", s.Status)
		fmt.Printf("  last heartbeat: %s (%s ago)\n",
			s.LastHeartbeat.Format(time.RFC3339), s.Elapsed(now).Truncate(time.Second))
		if s.HasLocation() {
			fmt.Printf("  location:       %.5f, %.5f\n", s.CurrentLocation.Latitude, s.CurrentLocation.Longitude)
		}
		fmt.Printf("  battery:        %d%%\n", s.BatteryLevel)
		fmt.Println("---")
	}
}

func parseStatuses(raw string) ([]models.SessionStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var statuses []models.SessionStatus
	for _, part := range strings.Split(raw, ",") {
		s := models.SessionStatus(strings.ToUpper(strings.TrimSpace(part)))
		if !s.Valid() {
			return nil, fmt.Errorf("unknown status %q", part)
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}
