package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readiness(t *testing.T, checks ...HealthCheck) (int, map[string]string) {
	t.Helper()
	rec := httptest.NewRecorder()
	readinessHandler(checks)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body.Data
}

func ok(context.Context) error { return nil }

func TestReadiness_AllHealthy(t *testing.T) {
	code, body := readiness(t,
		HealthCheck{Name: "database", Check: ok},
		HealthCheck{Name: "nats"},
	)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "not configured", body["nats"])
}

func TestReadiness_RequiredFailure(t *testing.T) {
	code, body := readiness(t, HealthCheck{Name: "database", Check: func(context.Context) error {
		return errors.New("connection refused")
	}})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Contains(t, body["database"], "connection refused")
}

func TestReadiness_OptionalFailureStaysReady(t *testing.T) {
	code, body := readiness(t, HealthCheck{Name: "billing", Optional: true, Check: func(context.Context) error {
		return errors.New("failed")
	}})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", body["status"])
}
