package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	perrors "github.com/saveenergy/quicperf/pkg/errors"
	"github.com/saveenergy/quicperf/pkg/types"
)

type fakeSession struct {
	active       *types.ConnectionInfo
	connectErr   error
	disconnected int
}

func (f *fakeSession) Connect(_ context.Context, kind types.Kind) (types.ConnectionInfo, error) {
	if f.connectErr != nil {
		return types.ConnectionInfo{}, f.connectErr
	}
	f.active = &types.ConnectionInfo{ID: "c1", Kind: kind, State: "connecting", Count: 0}
	return *f.active, nil
}

func (f *fakeSession) Disconnect() error {
	f.disconnected++
	f.active = nil
	return nil
}

func (f *fakeSession) Active() (types.ConnectionInfo, bool) {
	if f.active == nil {
		return types.ConnectionInfo{}, false
	}
	return *f.active, true
}

func (f *fakeSession) Latest() types.Sample {
	return types.Sample{Count: 12500, Delta: 12500, DeltaRateLow: 1000, DeltaRateHigh: 1}
}

func (f *fakeSession) Endpoint() types.Endpoint { return types.NewEndpoint("localhost", 4433) }

func newTestRouter(s *fakeSession) http.Handler {
	h := NewHandler(s)
	h.SetVersion("test")
	r := NewRouter(h)
	r.SetMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("quicperf_rate_kbps 0\n"))
	}))
	return r.SetupRoutes()
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestRouterAllowedOriginWildcard(t *testing.T) {
	router := &Router{
		allowedOrigins: []string{"*.example.com"},
	}

	if !router.isAllowedOrigin("https://foo.example.com") {
		t.Fatalf("expected wildcard origin to be allowed")
	}
}

func TestRouterAllowedOriginHostMatch(t *testing.T) {
	router := &Router{
		allowedOrigins: []string{"foo.example.com"},
	}

	if !router.isAllowedOrigin("https://foo.example.com:8443") {
		t.Fatalf("expected host-only origin to be allowed")
	}
}

func TestConnectAndCount(t *testing.T) {
	s := &fakeSession{}
	h := newTestRouter(s)

	rec := do(t, h, "POST", "/api/v1/connect?backend=engine")
	if rec.Code != http.StatusOK {
		t.Fatalf("connect status = %d body=%s", rec.Code, rec.Body)
	}
	var info types.ConnectionInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Kind != types.KindEngine {
		t.Errorf("backend = %q, want engine", info.Kind)
	}

	s.active.Count = 4096
	rec = do(t, h, "GET", "/api/v1/count")
	if rec.Code != http.StatusOK {
		t.Fatalf("count status = %d", rec.Code)
	}
	var count CountResponse
	if err := json.NewDecoder(rec.Body).Decode(&count); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if count.Count != 4096 || count.Connection == nil {
		t.Errorf("count = %+v", count)
	}
	if count.Sample.DeltaRateLow != 1000 {
		t.Errorf("sample kbps = %d", count.Sample.DeltaRateLow)
	}
	if count.Endpoint != "localhost:4433" {
		t.Errorf("endpoint = %q", count.Endpoint)
	}
}

func TestConnectDefaultsToStream(t *testing.T) {
	s := &fakeSession{}
	rec := do(t, newTestRouter(s), "POST", "/api/v1/connect")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if s.active.Kind != types.KindStream {
		t.Errorf("backend = %q", s.active.Kind)
	}
}

func TestConnectErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		status int
	}{
		{"bad backend", "/api/v1/connect?backend=tcp", nil, http.StatusBadRequest},
		{"init failed", "/api/v1/connect?backend=engine", perrors.ErrInitFailed(types.KindEngine, errors.New("bind")), http.StatusServiceUnavailable},
		{"session closed", "/api/v1/connect", perrors.ErrClosed("session closed"), http.StatusConflict},
		{"unknown", "/api/v1/connect", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newTestRouter(&fakeSession{connectErr: tt.err}), "POST", tt.target)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestDisconnect(t *testing.T) {
	s := &fakeSession{}
	h := newTestRouter(s)
	do(t, h, "POST", "/api/v1/connect")

	rec := do(t, h, "POST", "/api/v1/disconnect")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if s.disconnected != 1 {
		t.Errorf("disconnect calls = %d", s.disconnected)
	}

	rec = do(t, h, "GET", "/api/v1/count")
	var count CountResponse
	json.NewDecoder(rec.Body).Decode(&count)
	if count.Connection != nil || count.Count != 0 {
		t.Errorf("count after disconnect = %+v", count)
	}
}

func TestMethodRouting(t *testing.T) {
	h := newTestRouter(&fakeSession{})
	if rec := do(t, h, "GET", "/api/v1/connect"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET connect status = %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/health"); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
	rec := do(t, h, "GET", "/api/v1/version")
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}
