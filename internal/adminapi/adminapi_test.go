package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rakunlabs/cortex/internal/cache"
	"github.com/rakunlabs/cortex/internal/config"
	"github.com/rakunlabs/cortex/internal/synctask"
)

func newTestServer(t *testing.T, connectors ConnectorLookup) *Server {
	t.Helper()
	return &Server{
		config:     config.Server{AdminToken: "secret"},
		tasks:      synctask.New(),
		caches:     cache.New(cache.Sizes{LLM: 4, Tool: 4, Retrieval: 4, DefaultTTL: time.Minute}),
		connectors: connectors,
	}
}

func TestAdminAuthMiddlewareRejectsMissingToken(t *testing.T) {
	s := newTestServer(t, nil)
	called := false
	h := s.adminAuthMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sync-tasks", nil))

	if rec.Code != http.StatusUnauthorized || called {
		t.Fatalf("status = %d, called = %v, want 401 and handler not invoked", rec.Code, called)
	}
}

func TestAdminAuthMiddlewareRejectsWrongToken(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.adminAuthMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync-tasks", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAdminAuthMiddlewareAllowsMatchingToken(t *testing.T) {
	s := newTestServer(t, nil)
	called := false
	h := s.adminAuthMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync-tasks", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !called {
		t.Fatalf("status = %d, called = %v, want 200 and handler invoked", rec.Code, called)
	}
}

func TestCacheStatsAPIReturnsManagerStats(t *testing.T) {
	s := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.CacheStatsAPI(rec, httptest.NewRequest(http.MethodGet, "/api/v1/cache/stats", nil))

	var stats []cache.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(stats) != 3 {
		t.Fatalf("stats = %+v, want 3 named caches", stats)
	}
}

type fakeConnector struct{ err error }

func (f fakeConnector) TestConnectionAndAccess(context.Context) error { return f.err }

func TestConnectorHealthAPIReportsUnreachable(t *testing.T) {
	lookup := func(id string) (ConnectorHealth, bool) {
		if id != "conn-a" {
			return nil, false
		}
		return fakeConnector{err: errors.New("dial timeout")}, true
	}
	s := newTestServer(t, lookup)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/connectors/conn-a/health", nil)
	req.SetPathValue("id", "conn-a")
	rec := httptest.NewRecorder()
	s.ConnectorHealthAPI(rec, req)

	var resp connectorHealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Healthy || resp.Error == "" {
		t.Fatalf("resp = %+v, want unhealthy with an error message", resp)
	}
}

func TestConnectorHealthAPIReportsUnknownConnector(t *testing.T) {
	s := newTestServer(t, func(string) (ConnectorHealth, bool) { return nil, false })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/connectors/missing/health", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	s.ConnectorHealthAPI(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
