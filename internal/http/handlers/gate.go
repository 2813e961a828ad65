package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/security-gate-ai/internal/audit"
	"github.com/wolfman30/security-gate-ai/internal/frames"
	"github.com/wolfman30/security-gate-ai/internal/gate"
	"github.com/wolfman30/security-gate-ai/internal/visitor"
	"github.com/wolfman30/security-gate-ai/internal/visits"
	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

const (
	maxJSONBody  = 64 << 10
	maxFrameBody = 8 << 20
	defaultAudit = 100
)

// SessionService is the session API the gate handlers drive.
type SessionService interface {
	StartSession(ctx context.Context) string
	SubmitMessage(ctx context.Context, id, text string) (gate.Reply, error)
	SubmitFrame(ctx context.Context, id string, ref gate.FrameRef) error
	SubmitThreat(ctx context.Context, id string, r gate.ThreatFrameResult) (gate.ThreatUpdate, error)
	SubmitCurrentThreat(ctx context.Context, id string, r gate.ThreatFrameResult) (gate.ThreatUpdate, error)
	GetProfile(id string) (visitor.Profile, error)
	Snapshot(id string) (gate.SessionView, error)
	ResetSession(ctx context.Context, id string) (gate.SessionView, error)
	EndSession(ctx context.Context, id string) error
	ActiveCount() int
}

// VisitLister reads persisted decisions.
type VisitLister interface {
	ListRecent(ctx context.Context, limit int) ([]visits.Record, error)
	GetBySession(ctx context.Context, sessionID string) ([]visits.Record, error)
}

// FrameStore keeps uploaded frames and returns a URI the analyzer can read.
type FrameStore interface {
	Put(ctx context.Context, sessionID, frameID string, data []byte) (string, error)
}

// GateHandler serves the visitor session API.
type GateHandler struct {
	sessions SessionService
	audit    audit.Reader
	visits   VisitLister
	frames   FrameStore
	logger   *logging.Logger
}

type GateHandlerDeps struct {
	Sessions SessionService
	Audit    audit.Reader
	Visits   VisitLister
	Frames   FrameStore
	Logger   *logging.Logger
}

func NewGateHandler(deps GateHandlerDeps) *GateHandler {
	if deps.Sessions == nil {
		panic("handlers: session service required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	return &GateHandler{
		sessions: deps.Sessions,
		audit:    deps.Audit,
		visits:   deps.Visits,
		frames:   deps.Frames,
		logger:   deps.Logger,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// sessionError maps session API errors to HTTP statuses.
func (h *GateHandler) sessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gate.ErrSessionNotFound), errors.Is(err, gate.ErrSessionEnded):
		jsonError(w, "session not found", http.StatusNotFound)
	case errors.Is(err, gate.ErrEmptyMessage):
		jsonError(w, "message is required", http.StatusBadRequest)
	case errors.Is(err, gate.ErrFramesDisabled):
		jsonError(w, "frame analysis is not enabled", http.StatusConflict)
	default:
		h.logger.Error("gate request failed", "path", r.URL.Path, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

// Health reports liveness and the live session count.
// GET /health
func (h *GateHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": h.sessions.ActiveCount(),
	})
}

// StartSession opens a visitor session.
// POST /v1/sessions
func (h *GateHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	id := h.sessions.StartSession(r.Context())
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

type messageRequest struct {
	Message string `json:"message"`
}

// SubmitMessage runs one conversational turn.
// POST /v1/sessions/{id}/messages
func (h *GateHandler) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	reply, err := h.sessions.SubmitMessage(r.Context(), chi.URLParam(r, "id"), req.Message)
	if err != nil {
		h.sessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// SubmitFrame queues a frame. The body is either JSON {"frame_id","uri"}
// or a raw image.
// POST /v1/sessions/{id}/frames
func (h *GateHandler) SubmitFrame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var ref gate.FrameRef
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := decodeJSON(r, &ref); err != nil || strings.TrimSpace(ref.URI) == "" {
			jsonError(w, "uri is required", http.StatusBadRequest)
			return
		}
	} else {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBody+1))
		if err != nil {
			jsonError(w, "failed to read frame", http.StatusBadRequest)
			return
		}
		if len(data) > maxFrameBody {
			jsonError(w, "frame too large", http.StatusRequestEntityTooLarge)
			return
		}
		ref.ID = uuid.NewString()
		if ref.URI, err = h.storeFrame(r.Context(), id, ref.ID, data); err != nil {
			if errors.Is(err, frames.ErrNotImage) {
				jsonError(w, "body is not an image", http.StatusUnsupportedMediaType)
				return
			}
			h.logger.Error("failed to store frame", "session_id", id, "error", err)
			jsonError(w, "failed to store frame", http.StatusBadGateway)
			return
		}
	}
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	if err := h.sessions.SubmitFrame(r.Context(), id, ref); err != nil {
		h.sessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"frame_id": ref.ID, "queued": true})
}

func (h *GateHandler) storeFrame(ctx context.Context, sessionID, frameID string, data []byte) (string, error) {
	if h.frames != nil {
		return h.frames.Put(ctx, sessionID, frameID, data)
	}
	return frames.DataURI(data)
}

type threatRequest struct {
	FrameID     string              `json:"frame_id"`
	ThreatLevel visitor.ThreatLevel `json:"threat_level"`
	Indicators  []string            `json:"indicators"`
	Confidence  float64             `json:"confidence"`
	Generation  *uint64             `json:"session_generation"`
	Hint        string              `json:"hint"`
}

// SubmitThreat folds an externally analyzed threat result. Without an
// explicit generation the current one is assumed.
// POST /v1/sessions/{id}/threats
func (h *GateHandler) SubmitThreat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req threatRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid threat result", http.StatusBadRequest)
		return
	}
	result := gate.ThreatFrameResult{
		ThreatLevel: req.ThreatLevel,
		Indicators:  req.Indicators,
		Confidence:  req.Confidence,
		FrameID:     req.FrameID,
		Hint:        req.Hint,
	}
	var (
		update gate.ThreatUpdate
		err    error
	)
	if req.Generation != nil {
		result.SessionGeneration = *req.Generation
		update, err = h.sessions.SubmitThreat(r.Context(), id, result)
	} else {
		update, err = h.sessions.SubmitCurrentThreat(r.Context(), id, result)
	}
	if err != nil {
		h.sessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}

// GetProfile returns the visitor profile.
// GET /v1/sessions/{id}/profile
func (h *GateHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.sessions.GetProfile(chi.URLParam(r, "id"))
	if err != nil {
		h.sessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetSession returns the full session snapshot.
// GET /v1/sessions/{id}
func (h *GateHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.sessions.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		h.sessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetAudit lists the session's audit trail.
// GET /v1/sessions/{id}/audit?limit=N
func (h *GateHandler) GetAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		jsonError(w, "audit trail is not enabled", http.StatusNotImplemented)
		return
	}
	id := chi.URLParam(r, "id")
	entries, err := h.audit.List(r.Context(), id, queryInt(r, "limit", defaultAudit))
	if err != nil {
		h.logger.Error("failed to list audit entries", "session_id", id, "error", err)
		jsonError(w, "failed to list audit entries", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "entries": entries})
}

// ResetSession clears the session for a new visitor.
// POST /v1/sessions/{id}/reset
func (h *GateHandler) ResetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.sessions.ResetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.sessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// EndSession removes the session.
// DELETE /v1/sessions/{id}
func (h *GateHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.EndSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.sessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListVisits returns recent persisted decisions.
// GET /v1/visits?limit=N
func (h *GateHandler) ListVisits(w http.ResponseWriter, r *http.Request) {
	if h.visits == nil {
		jsonError(w, "visit records are not enabled", http.StatusNotImplemented)
		return
	}
	records, err := h.visits.ListRecent(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		h.logger.Error("failed to list visits", "error", err)
		jsonError(w, "failed to list visits", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []visits.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"visits": records})
}

// GetVisits returns every recorded generation of one session.
// GET /v1/visits/{sessionID}
func (h *GateHandler) GetVisits(w http.ResponseWriter, r *http.Request) {
	if h.visits == nil {
		jsonError(w, "visit records are not enabled", http.StatusNotImplemented)
		return
	}
	id := chi.URLParam(r, "sessionID")
	records, err := h.visits.GetBySession(r.Context(), id)
	switch {
	case errors.Is(err, visits.ErrVisitNotFound):
		jsonError(w, "no visits for session", http.StatusNotFound)
	case err != nil:
		h.logger.Error("failed to get visits", "session_id", id, "error", err)
		jsonError(w, "failed to get visits", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "visits": records})
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
