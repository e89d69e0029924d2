package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportNeverConnected(t *testing.T) {
	resetHealth()
	SetVersion("1.2.3")

	rep := report()
	assert.Equal(t, "unhealthy", rep.Status)
	assert.Equal(t, "never connected", rep.Cluster)
	assert.Equal(t, "not started", rep.Planner)
	assert.Equal(t, "not started", rep.Worker)
	assert.Equal(t, "1.2.3", rep.Version)
}

func TestReportHealthyAfterStartup(t *testing.T) {
	resetHealth()
	ClusterUp("connected")
	WorkerUp()
	ReplayDone()
	PlannerUp()

	rep := report()
	assert.Equal(t, "healthy", rep.Status)
	assert.Contains(t, rep.Cluster, "connected since ")
	assert.Equal(t, "running", rep.Planner)
	assert.Equal(t, "running", rep.Worker)
}

func TestReportClusterDown(t *testing.T) {
	resetHealth()
	ClusterUp("connected")
	ClusterDown("dial tcp: connection refused")

	rep := report()
	assert.Equal(t, "unhealthy", rep.Status)
	assert.Equal(t, "down: dial tcp: connection refused", rep.Cluster)
}

func TestReportWorkerReplaying(t *testing.T) {
	resetHealth()
	ClusterUp("connected")
	WorkerUp()

	rep := report()
	assert.Equal(t, "replaying intent log", rep.Worker)
}

func TestNotReadyReasonProgression(t *testing.T) {
	resetHealth()
	assert.Equal(t, "cluster not connected", notReadyReason())

	ClusterUp("connected")
	assert.Equal(t, "worker not started", notReadyReason())

	WorkerUp()
	assert.Equal(t, "intent log replay in progress", notReadyReason())

	ReplayDone()
	assert.Equal(t, "planner not started", notReadyReason())

	PlannerUp()
	assert.Empty(t, notReadyReason())
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	resetHealth()
	ClusterUp("connected")

	rr := httptest.NewRecorder()
	HealthHandler()(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var rep HealthReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rep))
	assert.Equal(t, "healthy", rep.Status)

	ClusterDown("gone")
	rr = httptest.NewRecorder()
	HealthHandler()(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestReadyHandler(t *testing.T) {
	resetHealth()

	rr := httptest.NewRecorder()
	ReadyHandler()(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body["status"])
	assert.Equal(t, "cluster not connected", body["reason"])

	ClusterUp("connected")
	WorkerUp()
	ReplayDone()
	PlannerUp()
	rr = httptest.NewRecorder()
	ReadyHandler()(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestLivenessHandler(t *testing.T) {
	resetHealth()
	rr := httptest.NewRecorder()
	LivenessHandler()(rr, httptest.NewRequest(http.MethodGet, "/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["uptime"])
}
