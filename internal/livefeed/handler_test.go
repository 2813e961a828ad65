package livefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/security-gate-ai/internal/directory"
	"github.com/wolfman30/security-gate-ai/internal/gate"
	"github.com/wolfman30/security-gate-ai/internal/llm"
	"github.com/wolfman30/security-gate-ai/internal/schema"
	"github.com/wolfman30/security-gate-ai/internal/structured"
	"github.com/wolfman30/security-gate-ai/internal/visitor"
	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

type staticDirectory struct{ d *directory.Directory }

func (s staticDirectory) Current() *directory.Directory { return s.d }

type feedFixture struct {
	client  *llm.ScriptedClient
	manager *gate.Manager
	server  *httptest.Server
}

func newFeedFixture(t *testing.T, opts Options) *feedFixture {
	t.Helper()
	reg, err := schema.Default()
	require.NoError(t, err)

	client := llm.NewScriptedClient()
	inv := structured.NewInvoker(client, reg, structured.WithLogger(logging.Discard()))
	engine := gate.NewEngine(inv, gate.Config{LLMDeadline: time.Second}, gate.WithLogger(logging.Discard()))
	manager := gate.NewManager(gate.ManagerDeps{
		Engine: engine,
		Directory: staticDirectory{directory.New([]directory.Contact{
			{Name: "Maria Lopez", Email: "maria.lopez@example.com"},
		})},
		Logger: logging.Discard(),
	})
	server := httptest.NewServer(NewHandler(manager, opts, logging.Discard()))
	t.Cleanup(func() {
		server.Close()
		manager.Shutdown(context.Background())
	})
	return &feedFixture{client: client, manager: manager, server: server}
}

func (f *feedFixture) dial(t *testing.T, query string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) OutboundMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg OutboundMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil returns the first message of type want, failing on timeout.
func readUntil(t *testing.T, conn *websocket.Conn, want string) OutboundMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := readMessage(t, conn)
		if msg.Type == want {
			return msg
		}
	}
	t.Fatalf("no %q message received", want)
	return OutboundMessage{}
}

func TestLiveFeedConversation(t *testing.T) {
	f := newFeedFixture(t, Options{})
	f.client.OnText(schema.InputRelevance, `{"verdict":"valid"}`)
	f.client.OnText(schema.FieldExtraction, `{"name":"Alex","name_confidence":0.95,"purpose":"delivery","purpose_confidence":0.9,"contact_person":"Maria","contact_person_confidence":0.9}`)
	f.client.OnText(schema.Decision, `{"decision":"allow_entry","confidence":0.92,"reasoning":"expected delivery"}`)
	conn := f.dial(t, "", nil)

	hello := readMessage(t, conn)
	require.Equal(t, "session", hello.Type)
	require.NotEmpty(t, hello.SessionID)
	assert.Equal(t, 1, f.manager.ActiveCount())

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "message", Text: "Hi, I'm Alex with a delivery for Maria"}))

	reply := readUntil(t, conn, "reply")
	assert.NotEmpty(t, reply.Text)
	decision := readUntil(t, conn, "decision")
	assert.Equal(t, visitor.DecisionAllowEntry, decision.Decision)
	require.NotNil(t, decision.Profile)
	assert.Equal(t, "Maria Lopez", decision.Profile.ContactPerson.Value)
}

func TestLiveFeedPingAndErrors(t *testing.T) {
	f := newFeedFixture(t, Options{})
	conn := f.dial(t, "", nil)
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "ping"}))
	assert.Equal(t, "pong", readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "dance"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "unsupported message type", msg.Text)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "message", Text: "  "}))
	assert.Equal(t, "message is empty", readMessage(t, conn).Text)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "frame", URI: "s3://bucket/f.jpg"}))
	assert.Equal(t, "frame analysis is not enabled", readMessage(t, conn).Text)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "frame"}))
	assert.Equal(t, "frame uri is required", readMessage(t, conn).Text)
}

func TestLiveFeedAttachesToExistingSession(t *testing.T) {
	f := newFeedFixture(t, Options{})
	id := f.manager.StartSession(context.Background())
	conn := f.dial(t, "?session="+id, nil)

	hello := readMessage(t, conn)
	assert.Equal(t, id, hello.SessionID)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "reset"}))
	reset := readUntil(t, conn, "reset")
	assert.Equal(t, uint64(1), reset.Generation)
}

func TestLiveFeedUnknownSession(t *testing.T) {
	f := newFeedFixture(t, Options{})
	conn := f.dial(t, "?session=missing", nil)

	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "session not found", msg.Text)
}

func TestLiveFeedClosesWhenSessionEnds(t *testing.T) {
	f := newFeedFixture(t, Options{})
	id := f.manager.StartSession(context.Background())
	conn := f.dial(t, "?session="+id, nil)
	readMessage(t, conn)

	require.NoError(t, f.manager.EndSession(context.Background(), id))

	ended := readUntil(t, conn, "ended")
	assert.Equal(t, id, ended.SessionID)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestLiveFeedEndOnClose(t *testing.T) {
	f := newFeedFixture(t, Options{EndOnClose: true})
	conn := f.dial(t, "", nil)
	readMessage(t, conn)
	require.Equal(t, 1, f.manager.ActiveCount())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = conn.Close()

	require.Eventually(t, func() bool { return f.manager.ActiveCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLiveFeedKeepsSessionWithoutEndOnClose(t *testing.T) {
	f := newFeedFixture(t, Options{})
	conn := f.dial(t, "", nil)
	readMessage(t, conn)
	_ = conn.Close()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.manager.ActiveCount())
}

func TestLiveFeedOriginCheck(t *testing.T) {
	f := newFeedFixture(t, Options{AllowedOrigins: []string{"https://kiosk.example"}})
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/"

	_, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	assert.Error(t, err)

	conn := f.dial(t, "", http.Header{"Origin": {"https://kiosk.example"}})
	assert.Equal(t, "session", readMessage(t, conn).Type)
}
