package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfman30/security-gate-ai/internal/audit"
	"github.com/wolfman30/security-gate-ai/internal/directory"
	"github.com/wolfman30/security-gate-ai/internal/llm"
	"github.com/wolfman30/security-gate-ai/internal/schema"
	"github.com/wolfman30/security-gate-ai/internal/structured"
	"github.com/wolfman30/security-gate-ai/internal/visitor"
	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

const validInput = `{"verdict":"valid"}`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type notifyCall struct {
	contact, email, subject, body string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
	err   error
}

func (n *fakeNotifier) Notify(_ context.Context, contact, email, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{contact, email, subject, body})
	return n.err
}

func (n *fakeNotifier) Calls() []notifyCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifyCall(nil), n.calls...)
}

type fakeVisits struct {
	mu      sync.Mutex
	records []visitor.Profile
}

func (v *fakeVisits) Record(_ context.Context, _ string, p visitor.Profile) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.records = append(v.records, p)
	return nil
}

// countingDirectory counts lookups against a fixture directory.
type countingDirectory struct {
	*directory.Directory
	mu      sync.Mutex
	lookups int
}

func (d *countingDirectory) Lookup(name string) directory.Match {
	d.mu.Lock()
	d.lookups++
	d.mu.Unlock()
	return d.Directory.Lookup(name)
}

func (d *countingDirectory) Lookups() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookups
}

func fixtureDirectory() *directory.Directory {
	return directory.New([]directory.Contact{
		{Name: "David Smith", Email: "david.smith@example.com", Aliases: []string{"Dave Smith"}},
		{Name: "Maria Lopez", Email: "maria.lopez@example.com"},
		{Name: "John Martinez", Email: "john.martinez@example.com"},
	})
}

type staticDirectory struct{ d *directory.Directory }

func (s staticDirectory) Current() *directory.Directory { return s.d }

type harness struct {
	client   *llm.ScriptedClient
	clock    *fakeClock
	notifier *fakeNotifier
	visits   *fakeVisits
	audit    *audit.MemorySink
	engine   *Engine
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg, err := schema.Default()
	require.NoError(t, err)

	h := &harness{
		client:   llm.NewScriptedClient(),
		clock:    newFakeClock(),
		notifier: &fakeNotifier{},
		visits:   &fakeVisits{},
		audit:    audit.NewMemorySink(100),
	}
	inv := structured.NewInvoker(h.client, reg,
		structured.WithLogger(logging.Discard()),
		structured.WithDefaultDeadline(time.Second))
	if cfg.LLMDeadline == 0 {
		cfg.LLMDeadline = time.Second
	}
	h.engine = NewEngine(inv, cfg,
		WithLogger(logging.Discard()),
		WithClock(h.clock.Now),
		WithNotifier(h.notifier),
		WithVisits(h.visits),
		WithAudit(h.audit),
	)
	return h
}

func (h *harness) manager(analyzer FrameAnalyzer) *Manager {
	return NewManager(ManagerDeps{
		Engine:    h.engine,
		Directory: staticDirectory{fixtureDirectory()},
		Analyzer:  analyzer,
		Logger:    logging.Discard(),
	})
}

func (h *harness) session(dir Directory) *Session {
	if dir == nil {
		dir = fixtureDirectory()
	}
	return newSession("sess-test", dir, h.clock.Now(), 0)
}

func (h *harness) say(s *Session, text string) turnOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := h.engine.run(context.Background(), s, input{text: text, prevActivity: s.LastActivity()})
	s.touch(h.clock.Now())
	return out
}
