package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, StoreCheck(func(context.Context) error { return nil }))
	c.RegisterFunc("companion", false, CompanionCheck(func() bool { return false }))

	assert.Equal(t, StatusUnknown, c.OverallStatus(), "critical check not yet run")

	results := c.Check(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, StatusHealthy, results["store"].Status)
	assert.Equal(t, StatusDegraded, results["companion"].Status)
	assert.Equal(t, StatusDegraded, c.OverallStatus())
}

func TestCriticalFailureIsUnhealthy(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, StoreCheck(func(context.Context) error {
		return errors.New("malformed page")
	}))
	c.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
	res, ok := c.GetResult("store")
	require.True(t, ok)
	assert.Equal(t, "malformed page", res.Error)
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("boom", false, func(context.Context) CheckResult { panic("nil source") })

	results := c.Check(context.Background())
	assert.Equal(t, "check timed out", results["slow"].Message)
	assert.Equal(t, "check panicked", results["boom"].Message)
	assert.Equal(t, "nil source", results["boom"].Error)
}

func TestSourcesCheck(t *testing.T) {
	check := SourcesCheck(func() map[string]error {
		return map[string]error{
			"location":     errors.New("permission denied"),
			"acceleration": errors.New("sensor unavailable"),
		}
	})
	res := check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "degraded sources: acceleration, location", res.Message)
	assert.Equal(t, "permission denied", res.Details["location"])

	healthy := SourcesCheck(func() map[string]error { return nil })(context.Background())
	assert.Equal(t, StatusHealthy, healthy.Status)
}

// =============================================================================
// HTTP
// =============================================================================

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()

	rec := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	c := NewChecker()
	c.SetReady(true)
	c.RegisterFunc("store", true, StoreCheck(func(context.Context) error { return nil }))
	c.RegisterFunc("custom", false, CustomCheck(func() error { return errors.New("x") }))

	rec := httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health?full=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusDegraded, body.Status)
	assert.True(t, body.Ready)
	assert.Len(t, body.Components, 2)

	rec = httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	body = Response{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Components)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alive"`)
}
