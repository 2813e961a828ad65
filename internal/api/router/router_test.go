package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/security-gate-ai/internal/gate"
	"github.com/wolfman30/security-gate-ai/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/security-gate-ai/internal/http/middleware"
	"github.com/wolfman30/security-gate-ai/internal/llm"
	"github.com/wolfman30/security-gate-ai/internal/schema"
	"github.com/wolfman30/security-gate-ai/internal/structured"
	"github.com/wolfman30/security-gate-ai/internal/visitor"
	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

type nopAnalyzer struct{}

func (nopAnalyzer) Analyze(context.Context, gate.FrameRef) (gate.ThreatFrameResult, error) {
	return gate.ThreatFrameResult{ThreatLevel: visitor.ThreatNone}, nil
}

func newTestRouter(t *testing.T, mutate func(*Config)) http.Handler {
	t.Helper()

	logger := logging.Discard()
	reg, err := schema.Default()
	if err != nil {
		t.Fatalf("failed to load schemas: %v", err)
	}
	inv := structured.NewInvoker(llm.NewScriptedClient(), reg, structured.WithLogger(logger))
	engine := gate.NewEngine(inv, gate.Config{LLMDeadline: time.Second}, gate.WithLogger(logger))
	manager := gate.NewManager(gate.ManagerDeps{Engine: engine, Analyzer: nopAnalyzer{}, Logger: logger})
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	cfg := &Config{
		Logger:         logger,
		Gate:           handlers.NewGateHandler(handlers.GateHandlerDeps{Sessions: manager, Logger: logger}),
		MetricsHandler: promhttp.Handler(),
		LiveFeed: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	}
	if mutate != nil {
		mutate(cfg)
	}
	return New(cfg)
}

func startSession(t *testing.T, router http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d", http.StatusCreated, rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode session response: %v", err)
	}
	return resp["session_id"]
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %v", resp["status"])
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Errorf("expected X-Request-ID header")
	}
}

func TestRouterMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("go_goroutines")) {
		t.Fatalf("expected default go collectors in metrics output")
	}
}

func TestRouterSessionLifecycle(t *testing.T) {
	router := newTestRouter(t, nil)
	id := startSession(t, router)

	for _, tc := range []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/v1/sessions/" + id, http.StatusOK},
		{http.MethodGet, "/v1/sessions/" + id + "/profile", http.StatusOK},
		{http.MethodPost, "/v1/sessions/" + id + "/reset", http.StatusOK},
		{http.MethodGet, "/v1/sessions/" + id + "/audit", http.StatusNotImplemented},
		{http.MethodGet, "/v1/visits", http.StatusNotImplemented},
		{http.MethodDelete, "/v1/sessions/" + id, http.StatusNoContent},
		{http.MethodGet, "/v1/sessions/" + id, http.StatusNotFound},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Fatalf("%s %s: expected status %d, got %d (%s)", tc.method, tc.path, tc.want, rr.Code, rr.Body.String())
		}
	}
}

func TestRouterMountsLiveFeed(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected live feed handler, got status %d", rr.Code)
	}
}

func TestRouterRateLimitsFramesPerSession(t *testing.T) {
	limiter := httpmiddleware.NewRateLimiter(0.001, 1)
	t.Cleanup(limiter.Stop)
	router := newTestRouter(t, func(cfg *Config) { cfg.FrameLimiter = limiter })
	first := startSession(t, router)
	second := startSession(t, router)

	post := func(id string) int {
		body := []byte(`{"frame_id":"f","uri":"s3://bucket/f.jpg"}`)
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/frames", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr.Code
	}

	if got := post(first); got != http.StatusAccepted {
		t.Fatalf("expected first frame accepted, got %d", got)
	}
	if got := post(first); got != http.StatusTooManyRequests {
		t.Fatalf("expected second frame limited, got %d", got)
	}
	if got := post(second); got != http.StatusAccepted {
		t.Fatalf("expected other session unaffected, got %d", got)
	}
}

func TestRouterCORSPreflight(t *testing.T) {
	router := newTestRouter(t, func(cfg *Config) { cfg.CORSAllowedOrigins = []string{"https://kiosk.example"} })

	req := httptest.NewRequest(http.MethodOptions, "/v1/sessions", nil)
	req.Header.Set("Origin", "https://kiosk.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected preflight status %d, got %d", http.StatusNoContent, rr.Code)
	}
}
