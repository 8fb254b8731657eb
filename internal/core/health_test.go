package core

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

func runHealth(t *testing.T, probes ...HealthProbe) (*httptest.ResponseRecorder, healthResponse) {
	t.Helper()
	srv := newTestServer(t)
	srv.HealthProbes = probes

	rec := httptest.NewRecorder()
	srv.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func okProbe(name string) PingProbe {
	return PingProbe{ProbeName: name, Ping: func(context.Context) error { return nil }}
}

func TestHandleHealth_NoProbes(t *testing.T) {
	rec, body := runHealth(t)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "1.4.0", body.Version)
	assert.Empty(t, body.Components)
}

func TestHandleHealth_AllHealthy(t *testing.T) {
	rec, body := runHealth(t, okProbe("database"), okProbe("queue"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body.Components["database"].Status)
	assert.Equal(t, "healthy", body.Components["queue"].Status)
}

func TestHandleHealth_FailingProbe(t *testing.T) {
	failing := PingProbe{ProbeName: "database", Ping: func(context.Context) error {
		return errors.New("connection refused")
	}}
	rec, body := runHealth(t, failing, okProbe("queue"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "connection refused", body.Components["database"].Message)
	assert.Equal(t, "healthy", body.Components["queue"].Status)
}

func TestHandleHealth_PanickingProbe(t *testing.T) {
	panicking := PingProbe{ProbeName: "cache", Ping: func(context.Context) error { panic("nil pool") }}
	rec, body := runHealth(t, panicking)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, body.Components["cache"].Message, "probe panicked")
}

func TestHandleHealth_ProbeTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	hanging := PingProbe{ProbeName: "billing", Ping: func(ctx context.Context) error {
		<-release
		return nil
	}}
	rec, body := runHealth(t, hanging, okProbe("database"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "health check timed out", body.Components["billing"].Message)
	assert.Equal(t, "healthy", body.Components["database"].Status)
}
