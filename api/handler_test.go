package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lifeline/models"
	"lifeline/services"
	"lifeline/store"

	"go.uber.org/zap/zaptest"
)

const sessionsCollection = "sos_sessions"

var (
	delhi = models.Position{Latitude: 28.6139, Longitude: 77.2090}
	noida = models.Position{Latitude: 28.5355, Longitude: 77.3910}
)

type fakeHazards struct {
	got    models.Position
	report *models.HazardReport
	err    error
}

func (f *fakeHazards) LatestByLatLng(_ context.Context, pos models.Position) (*models.HazardReport, error) {
	f.got = pos
	if f.err != nil {
		return nil, f.err
	}
	r := *f.report
	return &r, nil
}

type fakeNotifier struct {
	tokens map[string][]string
	sent   int
}

func (f *fakeNotifier) Send(_ context.Context, userID, title, body string) (int, error) {
	tokens := f.tokens[userID]
	if len(tokens) == 0 {
		return 0, services.ErrNoDevices
	}
	f.sent++
	return len(tokens), nil
}

func (f *fakeNotifier) RegisterToken(_ context.Context, userID, token string) error {
	if f.tokens == nil {
		f.tokens = make(map[string][]string)
	}
	f.tokens[userID] = append(f.tokens[userID], token)
	return nil
}

type testServer struct {
	handler http.Handler
	repo    *services.SessionRepository
}

func newTestServer(t *testing.T, hazards HazardSource, notifier services.Notifier) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	repo := services.NewSessionRepository(store.NewMemoryStore(), sessionsCollection, logger)

	d := Deps{
		Sessions:         repo,
		Watchdog:         services.NewStalenessWatchdog(repo, logger),
		Proximity:        services.NewProximityEngine(delhi),
		Notifier:         notifier,
		DefaultThreshold: 30 * time.Second,
		NearbyRadiusKm:   10,
		Logger:           logger,
	}
	// Leave the interface nil rather than holding a typed nil pointer
	if hazards != nil {
		d.Hazards = hazards
	}
	return &testServer{handler: NewServer(d), repo: repo}
}

func (ts *testServer) seed(t *testing.T, userID string, pos *models.Position, status models.SessionStatus, lastHeartbeat time.Time) {
	t.Helper()
	s := models.NewSession(userID, delhi, 80, lastHeartbeat)
	s.CurrentLocation = pos
	s.Status = status
	if err := ts.repo.Create(context.Background(), s); err != nil {
		t.Fatalf("seed %s: %v", userID, err)
	}
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	rec := ts.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header = %q", got)
	}
}

func TestPreflightIsAnsweredByCORS(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	rec := ts.do(t, http.MethodOptions, "/api/check-status", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestDashboard(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	now := time.Now()
	p := delhi
	ts.seed(t, "a", &p, models.StatusActive, now)
	ts.seed(t, "b", &p, models.StatusEscalatedSignalLost, now.Add(-time.Minute))
	ts.seed(t, "c", &p, models.StatusResolved, now)

	rec := ts.do(t, http.MethodGet, "/api/dashboard", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	summary := decode[models.Summary](t, rec)
	if summary.Total != 3 {
		t.Errorf("total = %d, want 3", summary.Total)
	}
	if summary.Counts[models.StatusResolved] != 1 {
		t.Errorf("resolved count = %d, want 1", summary.Counts[models.StatusResolved])
	}
	if _, ok := summary.Groups[models.StatusResolved]; ok {
		t.Error("resolved sessions should not be grouped")
	}
	if len(summary.Order) == 0 || summary.Order[0] != models.StatusEscalatedSignalLost {
		t.Errorf("order = %v, escalated should come first", summary.Order)
	}
}

func TestNearby(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	now := time.Now()
	near, far := delhi, noida
	ts.seed(t, "near", &near, models.StatusActive, now)
	ts.seed(t, "far", &far, models.StatusActive, now)
	ts.seed(t, "gone", &near, models.StatusResolved, now)
	ts.seed(t, "dark", nil, models.StatusActive, now)

	tests := []struct {
		name   string
		query  string
		status int
		peers  []string
	}{
		{"missing coordinates", "", http.StatusBadRequest, nil},
		{"latitude out of range", "?lat=91&lng=77", http.StatusBadRequest, nil},
		{"bad radius", "?lat=28.6139&lng=77.2090&radiusKm=-1", http.StatusBadRequest, nil},
		{"NaN latitude", "?lat=NaN&lng=77.2090", http.StatusBadRequest, nil},
		{"infinite longitude", "?lat=28.6139&lng=-Inf", http.StatusBadRequest, nil},
		{"NaN radius", "?lat=28.6139&lng=77.2090&radiusKm=NaN", http.StatusBadRequest, nil},
		{"infinite radius", "?lat=28.6139&lng=77.2090&radiusKm=%2BInf", http.StatusBadRequest, nil},
		{"default radius", "?lat=28.6139&lng=77.2090", http.StatusOK, []string{"near"}},
		{"wide radius", "?lat=28.6139&lng=77.2090&radiusKm=50", http.StatusOK, []string{"near", "far"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, "/api/sessions/nearby"+tt.query, "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status != http.StatusOK {
				return
			}
			resp := decode[nearbyResponse](t, rec)
			if len(resp.Peers) != len(tt.peers) {
				t.Fatalf("peers = %+v, want %v", resp.Peers, tt.peers)
			}
			for i, id := range tt.peers {
				if resp.Peers[i].Identity != id {
					t.Errorf("peer %d = %s, want %s", i, resp.Peers[i].Identity, id)
				}
			}
		})
	}
}

func TestResolve(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	p := delhi
	ts.seed(t, "u1", &p, models.StatusEscalatedSignalLost, time.Now().Add(-time.Hour))

	rec := ts.do(t, http.MethodPost, "/api/sessions/sos_missing/resolve", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/sessions/sos_u1/resolve", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d", rec.Code)
	}
	s, err := ts.repo.Get(context.Background(), "sos_u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Status != models.StatusResolved {
		t.Errorf("status = %s, want RESOLVED", s.Status)
	}
}

func TestCheckStatus(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		status    int
		escalated int
	}{
		{"default threshold", "", http.StatusOK, 1},
		{"explicit threshold", `{"thresholdSeconds": 5}`, http.StatusOK, 2},
		{"zero threshold", `{"thresholdSeconds": 0}`, http.StatusBadRequest, 0},
		{"invalid body", `{"thresholdSeconds":`, http.StatusBadRequest, 0},
		{"threshold overflowing a duration", `{"thresholdSeconds": 10000000000}`, http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil, nil)
			now := time.Now()
			p := delhi
			ts.seed(t, "silent", &p, models.StatusActive, now.Add(-2*time.Minute))
			ts.seed(t, "quiet", &p, models.StatusActive, now.Add(-10*time.Second))
			ts.seed(t, "fresh", &p, models.StatusActive, now.Add(time.Minute))

			rec := ts.do(t, http.MethodPost, "/api/check-status", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status != http.StatusOK {
				s, err := ts.repo.Get(context.Background(), "sos_fresh")
				if err != nil {
					t.Fatalf("get: %v", err)
				}
				if s.Status != models.StatusActive {
					t.Errorf("rejected request changed status to %s", s.Status)
				}
				return
			}
			res := decode[models.ScanResult](t, rec)
			if res.EscalatedCount != tt.escalated {
				t.Errorf("escalatedCount = %d, want %d", res.EscalatedCount, tt.escalated)
			}
		})
	}
}

func TestDisasterFeed(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)
		if rec := ts.do(t, http.MethodGet, "/api/disaster-feed", ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})

	t.Run("falls back without located sessions", func(t *testing.T) {
		hz := &fakeHazards{report: &models.HazardReport{Message: "ok"}}
		ts := newTestServer(t, hz, nil)
		ts.seed(t, "dark", nil, models.StatusActive, time.Now())

		rec := ts.do(t, http.MethodGet, "/api/disaster-feed", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		report := decode[models.HazardReport](t, rec)
		if !report.Fallback {
			t.Error("expected fallback flag")
		}
		if hz.got != delhi {
			t.Errorf("looked up %+v, want fallback %+v", hz.got, delhi)
		}
	})

	t.Run("centres on open sessions", func(t *testing.T) {
		hz := &fakeHazards{report: &models.HazardReport{Message: "ok"}}
		ts := newTestServer(t, hz, nil)
		p := noida
		ts.seed(t, "u1", &p, models.StatusActive, time.Now())

		rec := ts.do(t, http.MethodGet, "/api/disaster-feed", "")
		report := decode[models.HazardReport](t, rec)
		if report.Fallback {
			t.Error("fallback should be false with a located session")
		}
		if hz.got != noida {
			t.Errorf("looked up %+v, want %+v", hz.got, noida)
		}
	})

	t.Run("upstream failure", func(t *testing.T) {
		hz := &fakeHazards{err: errors.New("boom")}
		ts := newTestServer(t, hz, nil)
		if rec := ts.do(t, http.MethodGet, "/api/disaster-feed", ""); rec.Code != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", rec.Code)
		}
	})
}

func TestDisastersRequiresCoordinates(t *testing.T) {
	hz := &fakeHazards{report: &models.HazardReport{Message: "ok"}}
	ts := newTestServer(t, hz, nil)

	if rec := ts.do(t, http.MethodGet, "/api/disasters", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	rec := ts.do(t, http.MethodGet, "/api/disasters?lat=28.5355&lng=77.3910", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if hz.got != noida {
		t.Errorf("looked up %+v", hz.got)
	}
}

func TestNotify(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)
		rec := ts.do(t, http.MethodPost, "/api/notify", `{"userId":"u1","title":"t","body":"b"}`)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})

	n := &fakeNotifier{}
	ts := newTestServer(t, nil, n)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing title", `{"userId":"u1","title":" ","body":"b"}`, http.StatusBadRequest},
		{"invalid json", `{`, http.StatusBadRequest},
		{"no devices", `{"userId":"u1","title":"Help","body":"Need water"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := ts.do(t, http.MethodPost, "/api/notify", tt.body); rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}

	t.Run("delivered", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/tokens", `{"userId":"u1","token":"tok-1"}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("register status = %d", rec.Code)
		}
		rec = ts.do(t, http.MethodPost, "/api/notify", `{"userId":"u1","title":"Help","body":"Need water"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("notify status = %d", rec.Code)
		}
		if got := decode[notifyResponse](t, rec); got.Delivered != 1 {
			t.Errorf("delivered = %d, want 1", got.Delivered)
		}
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrUnavailable, http.StatusServiceUnavailable},
		{store.ErrBatchWriteFailed, http.StatusServiceUnavailable},
		{store.ErrWriteConflict, http.StatusConflict},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
