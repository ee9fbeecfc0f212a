package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protectord/internal/engine"
	"protectord/internal/health"
	"protectord/internal/logging"
	"protectord/internal/metrics"
	"protectord/internal/proximity"
	"protectord/internal/store"
)

type fakeController struct {
	mu     sync.Mutex
	radius float64
	paused bool
	err    error
}

func (c *fakeController) Status() engine.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return engine.Status{Running: true, Motion: "STATIONARY", Radius: c.radius, Paused: c.paused}
}

func (c *fakeController) Radius() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.radius
}

func (c *fakeController) SetRadius(_ context.Context, m float64) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, _ := proximity.ValidateRadius(m)
	c.radius = v
	return v, c.err
}

func (c *fakeController) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *fakeController) SetPaused(_ context.Context, p bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = p
	return c.err
}

func quietLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New(&logging.Config{Level: logging.LevelError, Output: "stderr", Component: "test"})
	require.NoError(t, err)
	return l
}

func newTestServer(t *testing.T, history History) (*Server, *fakeController, *metrics.Metrics) {
	t.Helper()
	ctrl := &fakeController{radius: 50}
	m := metrics.New()
	checker := health.NewChecker()
	checker.RegisterFunc("store", true, health.CustomCheck(func() error { return nil }))
	s := New(Options{
		Controller: ctrl,
		History:    history,
		Health:     checker,
		Metrics:    m,
		Logger:     quietLogger(t),
		AccessLog:  &bytes.Buffer{},
	})
	return s, ctrl, m
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// =============================================================================
// Status
// =============================================================================

func TestStatusIncludesAlertHistory(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	require.NoError(t, st.RecordAlert(ctx, store.AlertRecord{ID: "a", Kind: "THEFT_DETECTED", Message: "Device is being moved away!", TimestampNs: 1, Delivered: true}))
	require.NoError(t, st.RecordAlert(ctx, store.AlertRecord{ID: "b", Kind: "PROXIMITY_BREACH", Message: "Don't forget your device - 60m away", TimestampNs: 2}))

	s, _, _ := newTestServer(t, st)
	w := do(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Running)
	assert.Equal(t, "STATIONARY", resp.Motion)
	assert.Equal(t, 50.0, resp.Radius)
	assert.EqualValues(t, 1, resp.AlertCounts["THEFT_DETECTED"])
	assert.EqualValues(t, 1, resp.AlertCounts["PROXIMITY_BREACH"])
	require.NotNil(t, resp.LastAlert)
	assert.Equal(t, "b", resp.LastAlert.ID)
}

func TestStatusWithEmptyHistory(t *testing.T) {
	s, _, _ := newTestServer(t, openStore(t))
	w := do(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "last_alert")
}

type brokenHistory struct{}

func (brokenHistory) AlertCounts(context.Context) (map[string]int64, error) {
	return nil, errors.New("database is locked")
}
func (brokenHistory) LastAlert(context.Context) (*store.AlertRecord, error) { return nil, nil }
func (brokenHistory) RecentAlerts(context.Context, int) ([]store.AlertRecord, error) {
	return nil, errors.New("database is locked")
}

func TestStatusHistoryFailure(t *testing.T) {
	s, _, _ := newTestServer(t, brokenHistory{})
	w := do(t, s, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "database is locked", body.Error)
	assert.NotEmpty(t, body.RequestID)
}

// =============================================================================
// Controls
// =============================================================================

func TestRadius(t *testing.T) {
	s, ctrl, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPut, "/radius", `{"meters": 120}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"meters":120}`, w.Body.String())
	assert.Equal(t, 120.0, ctrl.Radius())

	w = do(t, s, http.MethodPut, "/radius", `{"meters": 0}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"meters":50}`, w.Body.String())

	w = do(t, s, http.MethodGet, "/radius", "")
	assert.JSONEq(t, `{"meters":50}`, w.Body.String())
}

func TestRadiusRejectsBadBody(t *testing.T) {
	s, ctrl, _ := newTestServer(t, nil)
	for _, body := range []string{`{"meters": "far"}`, `{"radius": 10}`, `not json`} {
		w := do(t, s, http.MethodPut, "/radius", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Equal(t, 50.0, ctrl.Radius())
}

func TestPaused(t *testing.T) {
	s, ctrl, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPut, "/paused", `{"paused": true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ctrl.Paused())

	w = do(t, s, http.MethodGet, "/paused", "")
	assert.JSONEq(t, `{"paused":true}`, w.Body.String())
}

func TestControlFailure(t *testing.T) {
	s, ctrl, _ := newTestServer(t, nil)
	ctrl.err = errors.New("persist warnings paused: disk full")

	w := do(t, s, http.MethodPut, "/paused", `{"paused": true}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	w := do(t, s, http.MethodDelete, "/radius", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// =============================================================================
// Alerts
// =============================================================================

func TestAlertsLimit(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.RecordAlert(ctx, store.AlertRecord{ID: id, Kind: "STATUS_UPDATE", Message: "Protection enabled", TimestampNs: int64(i)}))
	}
	s, _, _ := newTestServer(t, st)

	w := do(t, s, http.MethodGet, "/alerts?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var alerts []store.AlertRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &alerts))
	require.Len(t, alerts, 2)
	assert.Equal(t, "c", alerts[0].ID)

	w = do(t, s, http.MethodGet, "/alerts?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAlertsWithoutHistory(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	w := do(t, s, http.MethodGet, "/alerts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

// =============================================================================
// Plumbing
// =============================================================================

func TestRequestIDPropagation(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	r := httptest.NewRequest(http.MethodGet, "/radius", nil)
	r.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))

	w = do(t, s, http.MethodGet, "/radius", "")
	assert.True(t, strings.HasPrefix(w.Header().Get(RequestIDHeader), "test-"))
}

func TestHealthEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/live", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/ready", "").Code)

	s.opts.Health.SetReady(true)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/ready", "").Code)

	w := do(t, s, http.MethodGet, "/health?full=true", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"store"`)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	do(t, s, http.MethodGet, "/radius", "")

	w := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `protectord_http_requests_total{route="/radius",status="200"} 1`)
}

func TestAccessLog(t *testing.T) {
	buf := &bytes.Buffer{}
	s := New(Options{Controller: &fakeController{radius: 50}, Logger: quietLogger(t), AccessLog: buf})
	do(t, s, http.MethodGet, "/radius", "")
	assert.Contains(t, buf.String(), `"GET /radius HTTP/1.1" 200`)
}

func TestStartAndShutdown(t *testing.T) {
	s := New(Options{
		Listen:     "127.0.0.1:0",
		Controller: &fakeController{radius: 75},
		Logger:     quietLogger(t),
		AccessLog:  &bytes.Buffer{},
	})
	addr, err := s.Start()
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/radius")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body radiusBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 75.0, body.Meters)

	require.NoError(t, s.Shutdown(context.Background()))
}

// =============================================================================
// Rate limiting
// =============================================================================

func TestControlRateLimit(t *testing.T) {
	s := New(Options{
		Controller:   &fakeController{radius: 50},
		Logger:       quietLogger(t),
		AccessLog:    &bytes.Buffer{},
		ControlRate:  0.001,
		ControlBurst: 2,
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, s, http.MethodPut, "/paused", `{"paused": true}`).Code)
	}
	w := do(t, s, http.MethodPut, "/radius", `{"meters": 80}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.RequestID)

	// reads are never limited
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/radius", "").Code)
}

func TestClientLimiterRefillAndSweep(t *testing.T) {
	now := time.Unix(1000, 0)
	l := newClientLimiter(1, 1)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.2"))

	now = now.Add(time.Second)
	assert.True(t, l.allow("10.0.0.1"))

	now = now.Add(idleClientTTL + time.Second)
	l.allow("10.0.0.3")
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.buckets, 1)
}
