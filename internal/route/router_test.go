package route

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRouter is one HTTP router backend with a current target.
type fakeRouter struct {
	mu           sync.Mutex
	target       string
	failUpdates  bool
	healthStatus int
	updates      []string
	drains       int
	srv          *httptest.Server
}

func newFakeRouter(initialTarget string) *fakeRouter {
	f := &fakeRouter{target: initialTarget, healthStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/routes/records-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.NotFound(w, r)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failUpdates {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var body struct {
			Target string `json:"target"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		prev := f.target
		f.target = body.Target
		f.updates = append(f.updates, body.Target)
		_ = json.NewEncoder(w).Encode(map[string]string{"previous_target": prev})
	})
	mux.HandleFunc("/v1/routes/records-api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		w.WriteHeader(f.healthStatus)
	})
	mux.HandleFunc("/v1/drain", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.drains++
		w.WriteHeader(http.StatusAccepted)
	})
	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakeRouter) currentTarget() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target
}

func (f *fakeRouter) setHealth(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthStatus = status
}

func (f *fakeRouter) setFailUpdates(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUpdates = fail
}

func (f *fakeRouter) updateTargets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.updates...)
}

func (f *fakeRouter) drainCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drains
}

func testRouterConfig(routers ...*fakeRouter) Config {
	cfg := DefaultConfig()
	cfg.ServiceName = "records-api"
	cfg.VerifyInterval = 10 * time.Millisecond
	cfg.PhaseTimeout = 2 * time.Second
	for _, r := range routers {
		cfg.RouterEndpoints = append(cfg.RouterEndpoints, r.srv.URL)
	}
	return cfg
}

func TestCutover_Succeeds(t *testing.T) {
	r1 := newFakeRouter("https://old.example.com")
	r2 := newFakeRouter("https://old.example.com")
	defer r1.srv.Close()
	defer r2.srv.Close()

	cr := NewControlPlaneRouter(testRouterConfig(r1, r2), zap.NewNop())

	err := cr.Cutover(context.Background(), "https://new.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://new.example.com", r1.currentTarget())
	assert.Equal(t, "https://new.example.com", r2.currentTarget())
}

func TestCutover_PartialUpdateRollsBack(t *testing.T) {
	r1 := newFakeRouter("https://old.example.com")
	r2 := newFakeRouter("https://old.example.com")
	defer r1.srv.Close()
	defer r2.srv.Close()

	r2.setFailUpdates(true)

	cr := NewControlPlaneRouter(testRouterConfig(r1, r2), zap.NewNop())

	err := cr.Cutover(context.Background(), "https://new.example.com")
	assert.ErrorIs(t, err, ErrRoutingUpdateFailed)

	// The first router was updated then restored: no mixed state.
	assert.Equal(t, "https://old.example.com", r1.currentTarget())
	assert.Equal(t, "https://old.example.com", r2.currentTarget())
}

func TestCutover_VerificationFailureRestoresOldRoute(t *testing.T) {
	r1 := newFakeRouter("https://old.example.com")
	defer r1.srv.Close()

	// All three verification attempts fail.
	r1.setHealth(http.StatusServiceUnavailable)

	cr := NewControlPlaneRouter(testRouterConfig(r1), zap.NewNop())

	err := cr.Cutover(context.Background(), "https://new.example.com")
	assert.ErrorIs(t, err, ErrRoutingVerificationFailed)
	assert.Equal(t, "https://old.example.com", r1.currentTarget(), "old route remains active")
}

func TestCutover_RollbackSkipsRouterWithoutPreviousTarget(t *testing.T) {
	r1 := newFakeRouter("")
	r2 := newFakeRouter("https://old.example.com")
	defer r1.srv.Close()
	defer r2.srv.Close()

	r1.setHealth(http.StatusServiceUnavailable)

	cr := NewControlPlaneRouter(testRouterConfig(r1, r2), zap.NewNop())

	err := cr.Cutover(context.Background(), "https://new.example.com")
	assert.ErrorIs(t, err, ErrRoutingVerificationFailed)

	// r1 reported no previous target, so rollback sends it nothing:
	// exactly one update, the cutover itself.
	assert.Equal(t, []string{"https://new.example.com"}, r1.updateTargets())
	assert.Equal(t, "https://old.example.com", r2.currentTarget())
}

func TestCutover_VerificationRetriesThenPasses(t *testing.T) {
	r1 := newFakeRouter("https://old.example.com")
	defer r1.srv.Close()

	r1.setHealth(http.StatusServiceUnavailable)
	go func() {
		time.Sleep(15 * time.Millisecond)
		r1.setHealth(http.StatusOK)
	}()

	cr := NewControlPlaneRouter(testRouterConfig(r1), zap.NewNop())

	err := cr.Cutover(context.Background(), "https://new.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://new.example.com", r1.currentTarget())
}

func TestDrain(t *testing.T) {
	r1 := newFakeRouter("https://old.example.com")
	r2 := newFakeRouter("https://old.example.com")
	defer r1.srv.Close()
	defer r2.srv.Close()

	cr := NewControlPlaneRouter(testRouterConfig(r1, r2), zap.NewNop())

	require.NoError(t, cr.Drain(context.Background(), "https://old.example.com", 5*time.Second))
	assert.Equal(t, 1, r1.drainCount())
	assert.Equal(t, 1, r2.drainCount())
}
