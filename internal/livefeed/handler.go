package livefeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/wolfman30/security-gate-ai/internal/gate"
	httpmiddleware "github.com/wolfman30/security-gate-ai/internal/http/middleware"
	"github.com/wolfman30/security-gate-ai/internal/visitor"
	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

const maxInboundBytes = 1 << 20

// Sessions is the slice of the session manager the feed drives.
type Sessions interface {
	StartSession(ctx context.Context) string
	SubmitMessage(ctx context.Context, id, text string) (gate.Reply, error)
	SubmitFrame(ctx context.Context, id string, ref gate.FrameRef) error
	ResetSession(ctx context.Context, id string) (gate.SessionView, error)
	GetProfile(id string) (visitor.Profile, error)
	Subscribe(id string) (<-chan gate.Event, func(), error)
	EndSession(ctx context.Context, id string) error
}

// InboundMessage is what the kiosk sends.
type InboundMessage struct {
	Type    string `json:"type"` // "message", "frame", "reset", "ping"
	Text    string `json:"text,omitempty"`
	FrameID string `json:"frame_id,omitempty"`
	URI     string `json:"uri,omitempty"`
}

// OutboundMessage is what the kiosk receives.
type OutboundMessage struct {
	Type       string             `json:"type"` // "session", "reply", "threat", "decision", "reset", "ended", "pong", "error"
	SessionID  string             `json:"session_id,omitempty"`
	Generation uint64             `json:"generation"`
	Text       string             `json:"text,omitempty"`
	Decision   visitor.Decision   `json:"decision,omitempty"`
	Threat     *gate.ThreatUpdate `json:"threat,omitempty"`
	Profile    *visitor.Profile   `json:"profile,omitempty"`
	Timestamp  string             `json:"timestamp,omitempty"`
}

// Options tune a Handler.
type Options struct {
	// AllowedOrigins restricts browser origins. Empty or "*" allows any;
	// connections without an Origin header are always accepted.
	AllowedOrigins []string
	// EndOnClose ends sessions the socket created when it disconnects.
	EndOnClose bool
}

// Handler streams one visitor session over a WebSocket.
type Handler struct {
	sessions   Sessions
	logger     *logging.Logger
	origins    httpmiddleware.Origins
	endOnClose bool
}

// NewHandler creates a live feed handler.
func NewHandler(sessions Sessions, opts Options, logger *logging.Logger) *Handler {
	if sessions == nil {
		panic("livefeed: sessions required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	origins := httpmiddleware.NewOrigins(opts.AllowedOrigins)
	if origins.Empty() {
		origins = httpmiddleware.NewOrigins([]string{"*"})
	}
	return &Handler{
		sessions:   sessions,
		logger:     logger,
		origins:    origins,
		endOnClose: opts.EndOnClose,
	}
}

// ServeHTTP upgrades to WebSocket. ?session=<id> attaches to an existing
// session; without it a new session is started.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	websocket.Server{
		Handshake: h.handshake,
		Handler: func(conn *websocket.Conn) {
			h.serveWS(conn, r)
		},
	}.ServeHTTP(w, r)
}

func (h *Handler) handshake(cfg *websocket.Config, r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return nil
	}
	if !h.origins.Allows(origin) {
		return fmt.Errorf("livefeed: origin %q not allowed", origin)
	}
	u, err := websocket.Origin(cfg, r)
	if err != nil {
		return err
	}
	cfg.Origin = u
	return nil
}

// conn serializes writes; events and read-loop responses share it.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(msg OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return websocket.JSON.Send(c.ws, msg)
}

func (h *Handler) serveWS(ws *websocket.Conn, r *http.Request) {
	ws.MaxPayloadBytes = maxInboundBytes
	// Hijacked connections keep the server's write timeout.
	_ = ws.SetDeadline(time.Time{})
	c := &conn{ws: ws}
	ctx := r.Context()

	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
	owned := false
	if sessionID == "" {
		sessionID = h.sessions.StartSession(ctx)
		owned = true
	}
	profile, err := h.sessions.GetProfile(sessionID)
	if err != nil {
		_ = c.send(OutboundMessage{Type: "error", Text: "session not found"})
		return
	}
	events, cancel, err := h.sessions.Subscribe(sessionID)
	if err != nil {
		_ = c.send(OutboundMessage{Type: "error", Text: "session not found"})
		return
	}
	defer cancel()

	_ = c.send(OutboundMessage{Type: "session", SessionID: sessionID, Generation: profile.Generation})
	h.logger.Info("livefeed: connection opened", "session_id", sessionID, "created", owned)

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		h.forward(c, events)
		// The session ended; unblock the read loop.
		_ = ws.Close()
	}()

	h.readLoop(ctx, c, sessionID)

	if owned && h.endOnClose {
		endCtx, endCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := h.sessions.EndSession(endCtx, sessionID); err != nil && !errors.Is(err, gate.ErrSessionNotFound) {
			h.logger.Warn("livefeed: failed to end session", "session_id", sessionID, "error", err)
		}
		endCancel()
	}
	cancel()
	_ = ws.Close()
	<-forwardDone
	h.logger.Debug("livefeed: connection closed", "session_id", sessionID)
}

func (h *Handler) forward(c *conn, events <-chan gate.Event) {
	for ev := range events {
		if err := c.send(outbound(ev)); err != nil {
			h.logger.Debug("livefeed: send failed", "session_id", ev.SessionID, "error", err)
			return
		}
	}
}

func outbound(ev gate.Event) OutboundMessage {
	return OutboundMessage{
		Type:       string(ev.Type),
		SessionID:  ev.SessionID,
		Generation: ev.Generation,
		Text:       ev.Text,
		Decision:   ev.Decision,
		Threat:     ev.Threat,
		Profile:    ev.Profile,
		Timestamp:  ev.At.UTC().Format(time.RFC3339),
	}
}

func (h *Handler) readLoop(ctx context.Context, c *conn, sessionID string) {
	for {
		var msg InboundMessage
		if err := websocket.JSON.Receive(c.ws, &msg); err != nil {
			return
		}

		switch msg.Type {
		case "ping":
			_ = c.send(OutboundMessage{Type: "pong", SessionID: sessionID})
		case "message":
			if _, err := h.sessions.SubmitMessage(ctx, sessionID, msg.Text); err != nil {
				h.sendError(c, sessionID, err)
			}
		case "frame":
			if strings.TrimSpace(msg.URI) == "" {
				_ = c.send(OutboundMessage{Type: "error", SessionID: sessionID, Text: "frame uri is required"})
				continue
			}
			if err := h.sessions.SubmitFrame(ctx, sessionID, gate.FrameRef{ID: msg.FrameID, URI: msg.URI}); err != nil {
				h.sendError(c, sessionID, err)
			}
		case "reset":
			if _, err := h.sessions.ResetSession(ctx, sessionID); err != nil {
				h.sendError(c, sessionID, err)
			}
		default:
			_ = c.send(OutboundMessage{Type: "error", SessionID: sessionID, Text: "unsupported message type"})
		}
	}
}

func (h *Handler) sendError(c *conn, sessionID string, err error) {
	text := "Sorry, something went wrong. Please try again."
	switch {
	case errors.Is(err, gate.ErrEmptyMessage):
		text = "message is empty"
	case errors.Is(err, gate.ErrFramesDisabled):
		text = "frame analysis is not enabled"
	case errors.Is(err, gate.ErrSessionNotFound), errors.Is(err, gate.ErrSessionEnded):
		text = "session ended"
	default:
		h.logger.Error("livefeed: request failed", "session_id", sessionID, "error", err)
	}
	_ = c.send(OutboundMessage{Type: "error", SessionID: sessionID, Text: text})
}
