package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/sentinel/internal/decision"
	"github.com/FairForge/sentinel/internal/health"
	"github.com/FairForge/sentinel/internal/lease"
	"github.com/FairForge/sentinel/internal/region"
	"github.com/FairForge/sentinel/internal/rto"
	"github.com/FairForge/sentinel/internal/store"
)

type staticHealth map[string]health.State

func (s staticHealth) StateOf(r string) health.State {
	if st, ok := s[r]; ok {
		return st
	}
	return health.StateUnknown
}

func (s staticHealth) Score(string) float64 { return 97.5 }

func newTestServer(t *testing.T) (*Server, *store.Memory, *lease.MemoryStore) {
	t.Helper()

	registry, err := region.NewRegistry([]*region.Region{
		{Name: "us-east", Role: region.RolePrimary, Endpoint: "https://db-east.example.com", DatabaseInstanceID: "db-east"},
		{Name: "us-west", Role: region.RoleStandbyHot, Endpoint: "https://db-west.example.com", DatabaseInstanceID: "db-west", Priority: 1},
	})
	require.NoError(t, err)

	engine := decision.NewEngine(decision.DefaultConfig(), decision.DefaultRules(3), zap.NewNop())
	mem := store.NewMemory()
	leases := lease.NewMemoryStore()
	tracker, err := rto.NewTracker(rto.TierDefaults(rto.TierCritical))
	require.NoError(t, err)

	hv := staticHealth{"us-east": health.StateHealthy, "us-west": health.StateHealthy}
	srv := NewServer(0, "production", registry, engine, hv, leases, mem, mem, tracker, zap.NewNop())
	return srv, mem, leases
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	srv, _, leases := newTestServer(t)

	held, err := leases.Acquire(context.Background(), "production", "controller-a", time.Minute)
	require.NoError(t, err)

	rec := get(t, srv, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "production", resp.Environment)
	assert.Equal(t, "stable", resp.State)
	assert.Equal(t, "us-east", resp.Primary)
	require.Len(t, resp.Regions, 2)
	assert.Equal(t, health.StateHealthy, resp.Regions[0].Health)
	require.NotNil(t, resp.Lease)
	assert.Equal(t, "controller-a", resp.Lease.Holder)
	require.NotNil(t, resp.Compliance)
	assert.Equal(t, rto.StatusHealthy, resp.Compliance.Status)

	// The fencing token stays inside the controller.
	assert.NotContains(t, rec.Body.String(), held.Token)
	assert.NotContains(t, rec.Body.String(), `"token"`)
}

func TestEvents(t *testing.T) {
	srv, mem, _ := newTestServer(t)

	for _, id := range []string{"ev-1", "ev-2", "ev-3"} {
		require.NoError(t, mem.CreateEvent(context.Background(), &store.FailoverEvent{
			ID:          id,
			Environment: "production",
			FromRegion:  "us-east",
			ToRegion:    "us-west",
			StartedAt:   time.Now(),
			Outcome:     store.OutcomePending,
		}))
	}

	rec := get(t, srv, "/events?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []store.FailoverEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 2)
	assert.Equal(t, "ev-3", resp.Events[0].ID, "newest first")
}

func TestEvents_InvalidLimit(t *testing.T) {
	srv, _, _ := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/events?limit=abc").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/events?limit=0").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/events?limit=99999").Code)
}

func TestBackups(t *testing.T) {
	srv, mem, _ := newTestServer(t)
	require.NoError(t, mem.SaveBackupRecord(context.Background(), store.BackupRecord{
		BackupID: "bk-1",
		Verified: true,
	}))

	rec := get(t, srv, "/backups")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Backups []store.BackupRecord `json:"backups"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Backups, 1)
	assert.True(t, resp.Backups[0].Verified)
}

func TestCompliance(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := get(t, srv, "/compliance")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "objectives")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sentinel_")
}
