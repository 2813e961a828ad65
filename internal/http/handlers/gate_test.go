package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/security-gate-ai/internal/audit"
	"github.com/wolfman30/security-gate-ai/internal/directory"
	"github.com/wolfman30/security-gate-ai/internal/gate"
	"github.com/wolfman30/security-gate-ai/internal/llm"
	"github.com/wolfman30/security-gate-ai/internal/schema"
	"github.com/wolfman30/security-gate-ai/internal/structured"
	"github.com/wolfman30/security-gate-ai/internal/visitor"
	"github.com/wolfman30/security-gate-ai/internal/visits"
	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

const (
	validInput     = `{"verdict":"valid"}`
	alexExtraction = `{"name":"Alex","name_confidence":0.95,"purpose":"delivery","purpose_confidence":0.9,"contact_person":"Maria","contact_person_confidence":0.9}`
	allowDecision  = `{"decision":"allow_entry","confidence":0.92,"reasoning":"expected delivery for a known contact"}`
)

var pngFrame = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)

type staticDirectory struct{ d *directory.Directory }

func (s staticDirectory) Current() *directory.Directory { return s.d }

type stubAnalyzer struct {
	mu   sync.Mutex
	refs []gate.FrameRef
}

func (a *stubAnalyzer) Analyze(_ context.Context, ref gate.FrameRef) (gate.ThreatFrameResult, error) {
	a.mu.Lock()
	a.refs = append(a.refs, ref)
	a.mu.Unlock()
	return gate.ThreatFrameResult{ThreatLevel: visitor.ThreatLow, Confidence: 0.7}, nil
}

func (a *stubAnalyzer) Refs() []gate.FrameRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]gate.FrameRef(nil), a.refs...)
}

type stubFrameStore struct {
	puts map[string][]byte
	err  error
}

func (s *stubFrameStore) Put(_ context.Context, sessionID, frameID string, data []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if s.puts == nil {
		s.puts = map[string][]byte{}
	}
	uri := "s3://frames/" + sessionID + "/" + frameID + ".png"
	s.puts[uri] = data
	return uri, nil
}

type stubVisits struct {
	records []visits.Record
}

func (v *stubVisits) ListRecent(_ context.Context, limit int) ([]visits.Record, error) {
	if limit > 0 && limit < len(v.records) {
		return v.records[:limit], nil
	}
	return v.records, nil
}

func (v *stubVisits) GetBySession(_ context.Context, sessionID string) ([]visits.Record, error) {
	var out []visits.Record
	for _, r := range v.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, visits.ErrVisitNotFound
	}
	return out, nil
}

type fixture struct {
	client  *llm.ScriptedClient
	manager *gate.Manager
	audit   *audit.MemorySink
	visits  *stubVisits
	frames  *stubFrameStore
	routes  http.Handler
}

type fixtureOpts struct {
	analyzer gate.FrameAnalyzer
	frames   bool
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	reg, err := schema.Default()
	require.NoError(t, err)

	f := &fixture{
		client: llm.NewScriptedClient(),
		audit:  audit.NewMemorySink(100),
		visits: &stubVisits{},
	}
	inv := structured.NewInvoker(f.client, reg,
		structured.WithLogger(logging.Discard()),
		structured.WithDefaultDeadline(time.Second))
	engine := gate.NewEngine(inv, gate.Config{LLMDeadline: time.Second},
		gate.WithLogger(logging.Discard()),
		gate.WithAudit(f.audit))
	dir := directory.New([]directory.Contact{
		{Name: "Maria Lopez", Email: "maria.lopez@example.com"},
		{Name: "David Smith", Email: "david.smith@example.com"},
	})
	f.manager = gate.NewManager(gate.ManagerDeps{
		Engine:    engine,
		Directory: staticDirectory{dir},
		Analyzer:  opts.analyzer,
		Logger:    logging.Discard(),
	})
	t.Cleanup(func() { f.manager.Shutdown(context.Background()) })

	deps := GateHandlerDeps{
		Sessions: f.manager,
		Audit:    f.audit,
		Visits:   f.visits,
		Logger:   logging.Discard(),
	}
	if opts.frames {
		f.frames = &stubFrameStore{}
		deps.Frames = f.frames
	}
	f.routes = mount(NewGateHandler(deps))
	return f
}

func mount(h *GateHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Post("/v1/sessions", h.StartSession)
	r.Get("/v1/sessions/{id}", h.GetSession)
	r.Delete("/v1/sessions/{id}", h.EndSession)
	r.Post("/v1/sessions/{id}/messages", h.SubmitMessage)
	r.Post("/v1/sessions/{id}/frames", h.SubmitFrame)
	r.Post("/v1/sessions/{id}/threats", h.SubmitThreat)
	r.Get("/v1/sessions/{id}/profile", h.GetProfile)
	r.Get("/v1/sessions/{id}/audit", h.GetAudit)
	r.Post("/v1/sessions/{id}/reset", h.ResetSession)
	r.Get("/v1/visits", h.ListVisits)
	r.Get("/v1/visits/{sessionID}", h.GetVisits)
	return r
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	f.routes.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) postJSON(t *testing.T, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return f.do(t, http.MethodPost, path, "application/json", body)
}

func (f *fixture) start(t *testing.T) string {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/v1/sessions", "", nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.NotEmpty(t, resp["session_id"])
	return resp["session_id"]
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func TestGateDeliveryConversation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.client.OnText(schema.InputRelevance, validInput)
	f.client.OnText(schema.FieldExtraction, alexExtraction)
	f.client.OnText(schema.Decision, allowDecision)
	id := f.start(t)

	rr := f.postJSON(t, "/v1/sessions/"+id+"/messages", map[string]string{
		"message": "Hi, I'm Alex here to deliver a package for Maria",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	reply := decode[gate.Reply](t, rr)
	assert.True(t, reply.SessionComplete)
	assert.Equal(t, visitor.DecisionAllowEntry, reply.Decision)
	assert.NotEmpty(t, reply.AgentReply)

	rr = f.do(t, http.MethodGet, "/v1/sessions/"+id+"/profile", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"Maria Lopez"`)

	rr = f.do(t, http.MethodGet, "/v1/sessions/"+id, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	view := decode[gate.SessionView](t, rr)
	assert.Equal(t, id, view.ID)
	assert.NotEmpty(t, view.History)

	rr = f.do(t, http.MethodGet, "/v1/sessions/"+id+"/audit?limit=50", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	auditResp := decode[struct {
		SessionID string        `json:"session_id"`
		Entries   []audit.Entry `json:"entries"`
	}](t, rr)
	assert.Equal(t, id, auditResp.SessionID)
	assert.NotEmpty(t, auditResp.Entries)
}

func TestGateMessageErrors(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	id := f.start(t)

	rr := f.postJSON(t, "/v1/sessions/"+id+"/messages", map[string]string{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", "application/json", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.postJSON(t, "/v1/sessions/missing/messages", map[string]string{"message": "hello"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "session not found")
}

func TestGateThreatUsesCurrentGeneration(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	id := f.start(t)

	rr := f.postJSON(t, "/v1/sessions/"+id+"/threats", map[string]any{
		"threat_level": "high",
		"indicators":   []string{"dangerous_object"},
		"confidence":   0.9,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	update := decode[gate.ThreatUpdate](t, rr)
	assert.Equal(t, visitor.ThreatHigh, update.ThreatLevel)
	assert.Equal(t, visitor.DecisionCallSecurity, update.Decision)
	assert.Zero(t, f.client.CallCount(schema.Decision))
}

func TestGateThreatWithoutGenerationAfterReset(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	id := f.start(t)

	rr := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/reset", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.postJSON(t, "/v1/sessions/"+id+"/threats", map[string]any{
		"threat_level": "medium",
		"indicators":   []string{"angry_face"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	update := decode[gate.ThreatUpdate](t, rr)
	assert.Equal(t, gate.FoldApplied, update.Outcome)
	assert.EqualValues(t, 1, update.Generation)

	rr = f.postJSON(t, "/v1/sessions/missing/threats", map[string]any{"threat_level": "low"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGateThreatStaleGenerationIsDropped(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	id := f.start(t)

	rr := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/reset", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.postJSON(t, "/v1/sessions/"+id+"/threats", map[string]any{
		"threat_level":       "high",
		"session_generation": 0,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	update := decode[gate.ThreatUpdate](t, rr)
	assert.Equal(t, gate.FoldStale, update.Outcome)
	assert.Empty(t, update.Decision)

	rr = f.postJSON(t, "/v1/sessions/"+id+"/threats", map[string]any{"threat_level": "extreme"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGateFrameUploadWithoutAnalyzer(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	id := f.start(t)

	rr := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/frames", "image/png", pngFrame)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestGateFrameUploadStoresAndQueues(t *testing.T) {
	analyzer := &stubAnalyzer{}
	f := newFixture(t, fixtureOpts{analyzer: analyzer, frames: true})
	id := f.start(t)

	rr := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/frames", "image/png", pngFrame)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	resp := decode[map[string]any](t, rr)
	frameID, _ := resp["frame_id"].(string)
	require.NotEmpty(t, frameID)
	require.Len(t, f.frames.puts, 1)

	require.Eventually(t, func() bool { return len(analyzer.Refs()) == 1 }, time.Second, 5*time.Millisecond)
	ref := analyzer.Refs()[0]
	assert.Equal(t, frameID, ref.ID)
	assert.True(t, strings.HasPrefix(ref.URI, "s3://frames/"+id+"/"))
}

func TestGateFrameByReference(t *testing.T) {
	analyzer := &stubAnalyzer{}
	f := newFixture(t, fixtureOpts{analyzer: analyzer})
	id := f.start(t)

	rr := f.postJSON(t, "/v1/sessions/"+id+"/frames", map[string]string{"frame_id": "cam-1", "uri": "s3://bucket/cam-1.jpg"})
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Eventually(t, func() bool { return len(analyzer.Refs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, gate.FrameRef{ID: "cam-1", URI: "s3://bucket/cam-1.jpg"}, analyzer.Refs()[0])

	rr = f.postJSON(t, "/v1/sessions/"+id+"/frames", map[string]string{"frame_id": "cam-2"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGateFrameRejectsNonImage(t *testing.T) {
	f := newFixture(t, fixtureOpts{analyzer: &stubAnalyzer{}})
	id := f.start(t)

	rr := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/frames", "application/octet-stream", []byte("plain text, not a frame"))
	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestGateResetAndEnd(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	id := f.start(t)

	rr := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/reset", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	view := decode[gate.SessionView](t, rr)
	assert.Equal(t, uint64(1), view.Profile.Generation)

	rr = f.do(t, http.MethodDelete, "/v1/sessions/"+id, "", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/sessions/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = f.do(t, http.MethodDelete, "/v1/sessions/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGateHealthCountsSessions(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.start(t)
	f.start(t)

	rr := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[map[string]any](t, rr)
	assert.Equal(t, "ok", resp["status"])
	assert.EqualValues(t, 2, resp["active_sessions"])
}

func TestGateVisits(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.visits.records = []visits.Record{
		{SessionID: "s-1", Generation: 0, Decision: visitor.DecisionAllowEntry},
		{SessionID: "s-2", Generation: 0, Decision: visitor.DecisionDenyEntry},
	}

	rr := f.do(t, http.MethodGet, "/v1/visits?limit=1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[map[string][]visits.Record](t, rr)
	assert.Len(t, list["visits"], 1)

	rr = f.do(t, http.MethodGet, "/v1/visits/s-2", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "deny_entry")

	rr = f.do(t, http.MethodGet, "/v1/visits/s-9", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestQueryInt(t *testing.T) {
	cases := map[string]int{"": 7, "limit=3": 3, "limit=-1": 7, "limit=abc": 7}
	for query, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/x?"+query, nil)
		if got := queryInt(req, "limit", 7); got != want {
			t.Fatalf("queryInt(%q) = %d, want %d", query, got, want)
		}
	}
}
