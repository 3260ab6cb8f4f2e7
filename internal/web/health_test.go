package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/directoryd/internal/directory"
	"github.com/netresearch/directoryd/internal/options"
)

func testApp(t *testing.T) *App {
	t.Helper()

	svc, err := directory.New(options.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown() })

	return NewApp(svc)
}

func get(t *testing.T, a *App, path string) (int, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp, err := a.fiber.Test(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))

	return resp.StatusCode, payload
}

func TestHealthEndpoint(t *testing.T) {
	a := testApp(t)

	status, payload := get(t, a, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, payload["overall_healthy"])

	contexts, ok := payload["naming_contexts"].([]any)
	require.True(t, ok)
	assert.Contains(t, contexts, "ou=system")
}

func TestReadinessEndpoint(t *testing.T) {
	a := testApp(t)

	status, payload := get(t, a, "/health/ready")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", payload["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	a := testApp(t)

	// Drive one operation so the counters move.
	_, err := a.svc.GetRootDSE(a.svc.NewSession())
	require.NoError(t, err)

	status, payload := get(t, a, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.GreaterOrEqual(t, payload["operations"].(float64), float64(1))
}
