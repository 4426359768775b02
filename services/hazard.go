package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lifeline/config"
	"lifeline/models"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// HazardFeed queries the external disaster API around a coordinate
type HazardFeed struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHazardFeed creates a feed client that speaks HTTP/2 where the API offers it
func NewHazardFeed(cfg *config.Config, logger *zap.Logger) (*HazardFeed, error) {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("failed to configure HTTP/2 transport: %w", err)
	}

	return &HazardFeed{
		baseURL: strings.TrimRight(cfg.HazardAPIURL, "/"),
		apiKey:  cfg.HazardAPIKey,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
		logger: logger,
	}, nil
}

// LatestByLatLng returns the latest disasters reported around pos
func (h *HazardFeed) LatestByLatLng(ctx context.Context, pos models.Position) (*models.HazardReport, error) {
	if err := pos.Validate(); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("lat", strconv.FormatFloat(pos.Latitude, 'f', -1, 64))
	query.Set("lng", strconv.FormatFloat(pos.Longitude, 'f', -1, 64))
	endpoint := fmt.Sprintf("%s/disasters/latest/by-lat-lng?%s", h.baseURL, query.Encode())

	var (
		body    []byte
		lastErr error
	)
	maxRetries := 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		var retry bool
		body, retry, lastErr = h.fetch(ctx, endpoint)
		if lastErr == nil || !retry {
			break
		}

		h.logger.Warn("Hazard feed request failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(lastErr))

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}

	var report models.HazardReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("failed to decode hazard feed response: %w", err)
	}
	report.Center = pos

	h.logger.Debug("Hazard feed fetched",
		zap.Float64("latitude", pos.Latitude),
		zap.Float64("longitude", pos.Longitude),
		zap.Int("events", len(report.Events)))

	return &report, nil
}

// fetch performs one request; retry reports whether the failure is worth retrying
func (h *HazardFeed) fetch(ctx context.Context, endpoint string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", h.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Lifeline-Watchdog/1.0")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("hazard feed request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read hazard feed response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retry, fmt.Errorf("hazard feed returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, false, nil
}
