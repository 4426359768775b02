// Package api exposes the watchdog, dashboard and proximity views over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lifeline/models"
	"lifeline/services"
	"lifeline/store"

	"go.uber.org/zap"
)

// HazardSource looks up disasters around a coordinate
type HazardSource interface {
	LatestByLatLng(ctx context.Context, pos models.Position) (*models.HazardReport, error)
}

// Deps are the collaborators the HTTP surface is built on. Hazards and
// Notifier may be nil; their endpoints then answer 503.
type Deps struct {
	Sessions         *services.SessionRepository
	Watchdog         *services.StalenessWatchdog
	Proximity        *services.ProximityEngine
	Hazards          HazardSource
	Notifier         services.Notifier
	DefaultThreshold time.Duration
	NearbyRadiusKm   float64
	PushInterval     time.Duration
	Logger           *zap.Logger
}

type Server struct {
	deps Deps
}

func NewServer(d Deps) http.Handler {
	if d.PushInterval <= 0 {
		d.PushInterval = 5 * time.Second
	}
	s := &Server{deps: d}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("GET /api/dashboard", s.handleDashboard)
	mux.HandleFunc("GET /api/sessions/nearby", s.handleNearby)
	mux.HandleFunc("POST /api/sessions/{id}/resolve", s.handleResolve)
	mux.HandleFunc("POST /api/check-status", s.handleCheckStatus)

	mux.HandleFunc("GET /api/disaster-feed", s.handleDisasterFeed)
	mux.HandleFunc("GET /api/disasters", s.handleDisasters)

	mux.HandleFunc("POST /api/notify", s.handleNotify)
	mux.HandleFunc("POST /api/tokens", s.handleRegisterToken)

	mux.HandleFunc("GET /ws/nearby", s.handleNearbySocket)

	return chainMiddlewares(mux, withCORS, withLogging(d.Logger))
}

// DTOs

type checkStatusRequest struct {
	ThresholdSeconds *int `json:"thresholdSeconds,omitempty"`
}

type notifyRequest struct {
	UserID string `json:"userId"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

type notifyResponse struct {
	Delivered int `json:"delivered"`
}

type registerTokenRequest struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

type resolveResponse struct {
	SessionID string               `json:"sessionId"`
	Status    models.SessionStatus `json:"status"`
}

type nearbyResponse struct {
	Observer models.Position       `json:"observer"`
	RadiusKm float64               `json:"radiusKm"`
	Peers    []models.DetectedPeer `json:"peers"`
}

// Handlers

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.Sessions.ListByStatus(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Proximity.Summarize(sessions))
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	observer, radius, err := s.parseObserver(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	resp, err := s.nearby(r.Context(), observer, radius)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) nearby(ctx context.Context, observer models.Position, radius float64) (nearbyResponse, error) {
	open, err := s.deps.Sessions.ListOpen(ctx)
	if err != nil {
		return nearbyResponse{}, err
	}
	return nearbyResponse{
		Observer: observer,
		RadiusKm: radius,
		Peers:    s.deps.Proximity.WithinRange(observer, open, radius),
	}, nil
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		badRequest(w, "session id is required")
		return
	}

	if err := s.deps.Watchdog.ResolveSession(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{SessionID: id, Status: models.StatusResolved})
}

func (s *Server) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	threshold := s.deps.DefaultThreshold

	var req checkStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.ThresholdSeconds != nil {
		if *req.ThresholdSeconds <= 0 {
			badRequest(w, "thresholdSeconds must be positive")
			return
		}
		if int64(*req.ThresholdSeconds) > models.MaxThresholdSeconds {
			badRequest(w, "thresholdSeconds is too large")
			return
		}
		threshold = time.Duration(*req.ThresholdSeconds) * time.Second
	}

	count, err := s.deps.Watchdog.Scan(r.Context(), threshold)
	if err != nil {
		s.deps.Logger.Error("On-demand staleness scan failed", zap.Error(err))
		writeJSON(w, statusFor(err), map[string]interface{}{
			"escalatedCount": 0,
			"error":          err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, models.ScanResult{EscalatedCount: count})
}

func (s *Server) handleDisasterFeed(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hazards == nil {
		unavailable(w, "hazard feed not configured")
		return
	}

	open, err := s.deps.Sessions.ListOpen(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}

	center := s.deps.Proximity.AreaCentroid(open)
	report, err := s.deps.Hazards.LatestByLatLng(r.Context(), center)
	if err != nil {
		s.deps.Logger.Error("Hazard feed lookup failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "hazard feed unavailable"})
		return
	}
	report.Fallback = !anyLocated(open)
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDisasters(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hazards == nil {
		unavailable(w, "hazard feed not configured")
		return
	}

	pos, err := parsePosition(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	report, err := s.deps.Hazards.LatestByLatLng(r.Context(), pos)
	if err != nil {
		s.deps.Logger.Error("Hazard feed lookup failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "hazard feed unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifier == nil {
		unavailable(w, "notifications not configured")
		return
	}

	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.UserID == "" || strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Body) == "" {
		badRequest(w, "userId, title and body are required")
		return
	}

	delivered, err := s.deps.Notifier.Send(r.Context(), req.UserID, req.Title, req.Body)
	switch {
	case errors.Is(err, services.ErrNoDevices):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no devices registered for user"})
		return
	case errors.Is(err, services.ErrPushUnavailable):
		unavailable(w, "push notifications unavailable")
		return
	case err != nil:
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notifyResponse{Delivered: delivered})
}

func (s *Server) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifier == nil {
		unavailable(w, "notifications not configured")
		return
	}

	var req registerTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.Token == "" {
		badRequest(w, "userId and token are required")
		return
	}

	if err := s.deps.Notifier.RegisterToken(r.Context(), req.UserID, req.Token); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

// Helpers

func (s *Server) parseObserver(r *http.Request) (models.Position, float64, error) {
	pos, err := parsePosition(r)
	if err != nil {
		return models.Position{}, 0, err
	}
	radius := s.deps.NearbyRadiusKm
	if raw := r.URL.Query().Get("radiusKm"); raw != "" {
		radius, err = strconv.ParseFloat(raw, 64)
		if err != nil || !validRadius(radius) {
			return models.Position{}, 0, errors.New("radiusKm must be a positive number")
		}
	}
	return pos, radius, nil
}

func validRadius(km float64) bool {
	return km > 0 && !math.IsInf(km, 1)
}

func parsePosition(r *http.Request) (models.Position, error) {
	q := r.URL.Query()
	latRaw, lngRaw := q.Get("lat"), q.Get("lng")
	if latRaw == "" || lngRaw == "" {
		return models.Position{}, errors.New("lat and lng are required")
	}
	lat, err := strconv.ParseFloat(latRaw, 64)
	if err != nil {
		return models.Position{}, errors.New("lat must be a number")
	}
	lng, err := strconv.ParseFloat(lngRaw, 64)
	if err != nil {
		return models.Position{}, errors.New("lng must be a number")
	}
	pos := models.Position{Latitude: lat, Longitude: lng}
	if err := pos.Validate(); err != nil {
		return models.Position{}, err
	}
	return pos, nil
}

func anyLocated(sessions []models.Session) bool {
	for _, s := range sessions {
		if s.HasLocation() {
			return true
		}
	}
	return false
}

// statusFor maps store errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case store.IsTransient(err), errors.Is(err, store.ErrBatchWriteFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrWriteConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.deps.Logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": http.StatusText(code)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": msg,
	})
}

func unavailable(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"error": msg,
	})
}
