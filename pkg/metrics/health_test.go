package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useRegistry(t *testing.T) *Registry {
	t.Helper()
	prev := registry
	registry = NewRegistry()
	t.Cleanup(func() { registry = prev })
	return registry
}

func TestRegistryHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
		message    string
	}{
		{name: "all healthy", components: map[string]bool{"raft": true, "containerd": true}, want: StatusHealthy},
		{name: "critical failing", components: map[string]bool{"raft": false, "containerd": true}, want: StatusUnhealthy, message: "failing: raft"},
		{name: "dependency failing", components: map[string]bool{"raft": true, "containerd": false}, want: StatusDegraded, message: "failing: containerd"},
		{name: "both failing", components: map[string]bool{"store": false, "redis": false}, want: StatusUnhealthy, message: "failing: redis, store"},
		{name: "none registered", components: nil, want: StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for name, healthy := range tt.components {
				r.Report(name, healthy, "")
			}

			health := r.Health()
			assert.Equal(t, tt.want, health.Status)
			assert.Equal(t, tt.message, health.Message)
			assert.Len(t, health.Components, len(tt.components))
		})
	}
}

func TestRegistryReadiness(t *testing.T) {
	r := NewRegistry()
	r.SetVersion("0.3.0")

	readiness := r.Readiness()
	assert.Equal(t, StatusNotReady, readiness.Status)
	assert.Equal(t, []string{"raft", "store", "tasks"}, readiness.Pending)
	assert.Equal(t, "0.3.0", readiness.Version)

	r.Report("raft", true, "")
	r.Report("store", true, "")
	r.Report("tasks", false, "resuming")
	readiness = r.Readiness()
	assert.Equal(t, StatusNotReady, readiness.Status)
	assert.Equal(t, "waiting for tasks", readiness.Message)
	assert.Equal(t, "not ready: resuming", readiness.Components["tasks"])

	// A failing check does not hold readiness back
	r.Report("containerd", false, "connection refused")
	r.Report("tasks", true, "")
	readiness = r.Readiness()
	assert.Equal(t, StatusReady, readiness.Status)
	assert.Empty(t, readiness.Pending)
	assert.NotContains(t, readiness.Components, "containerd")
	assert.Equal(t, StatusDegraded, r.Health().Status)
}

func TestRegistrySetCritical(t *testing.T) {
	r := NewRegistry()
	r.SetCritical("reconciler")

	assert.Equal(t, StatusNotReady, r.Readiness().Status)
	r.Report("reconciler", true, "")
	assert.Equal(t, StatusReady, r.Readiness().Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(ComponentHealthy.WithLabelValues("reconciler", "true")))

	r.SetCritical()
	assert.Equal(t, 1.0, testutil.ToFloat64(ComponentHealthy.WithLabelValues("reconciler", "false")))
}

func TestRegistryTracksStateChanges(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.Report("store", true, "")
	now = now.Add(time.Minute)
	r.Report("store", true, "")

	c, ok := r.Component("store")
	require.True(t, ok)
	assert.Equal(t, now.Add(-time.Minute), c.Since, "an unchanged state keeps its start")
	assert.Equal(t, now, c.Updated)

	now = now.Add(time.Minute)
	r.Report("store", false, "disk full")
	c, _ = r.Component("store")
	assert.Equal(t, now, c.Since)
	assert.Equal(t, "disk full", c.Message)
	assert.Equal(t, 0.0, testutil.ToFloat64(ComponentHealthy.WithLabelValues("store", "true")))
}

func TestHandlers(t *testing.T) {
	useRegistry(t)
	RegisterComponent("raft", true, "")
	RegisterComponent("store", false, "disk full")

	tests := []struct {
		name    string
		handler http.HandlerFunc
		code    int
		status  string
	}{
		{name: "health", handler: HealthHandler(), code: http.StatusServiceUnavailable, status: StatusUnhealthy},
		{name: "ready", handler: ReadyHandler(), code: http.StatusServiceUnavailable, status: StatusNotReady},
		{name: "live", handler: LivenessHandler(), code: http.StatusOK, status: "alive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/"+tt.name, nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body["status"])
		})
	}
}

func TestDegradedHealthAnswersOK(t *testing.T) {
	useRegistry(t)
	for _, name := range DefaultCriticalComponents {
		RegisterComponent(name, true, "")
	}
	UpdateComponent("redis", false, "timeout")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusDegraded, body.Status)
	assert.Equal(t, "unhealthy: timeout", body.Components["redis"])
}
