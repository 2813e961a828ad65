package gate

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/security-gate-ai/internal/audit"
	"github.com/wolfman30/security-gate-ai/internal/directory"
	"github.com/wolfman30/security-gate-ai/internal/visitor"
	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

// DirectorySource hands out the contact snapshot current at call time.
type DirectorySource interface {
	Current() *directory.Directory
}

// ManagerDeps wires a Manager. Engine is required.
type ManagerDeps struct {
	Engine    *Engine
	Directory DirectorySource
	Analyzer  FrameAnalyzer
	Logger    *logging.Logger
}

// Reply is the result of one visitor message.
type Reply struct {
	AgentReply      string           `json:"agent_reply"`
	SessionComplete bool             `json:"session_complete"`
	Decision        visitor.Decision `json:"decision,omitempty"`
	Reset           bool             `json:"reset,omitempty"`
	Ignored         bool             `json:"ignored,omitempty"`
	Generation      uint64           `json:"generation"`
}

// Manager owns the live sessions. Its map lock is held only for insert,
// lookup and removal; all session work happens under the session lock.
type Manager struct {
	engine    *Engine
	directory DirectorySource
	analyzer  FrameAnalyzer
	logger    *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	subMu   sync.Mutex
	subs    map[string]map[uint64]chan Event
	nextSub uint64

	baseCtx context.Context
	stop    context.CancelFunc
	workers sync.WaitGroup
}

func NewManager(deps ManagerDeps) *Manager {
	if deps.Engine == nil {
		panic("gate: engine cannot be nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = deps.Engine.logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine:    deps.Engine,
		directory: deps.Directory,
		analyzer:  deps.Analyzer,
		logger:    logger,
		sessions:  make(map[string]*Session),
		subs:      make(map[string]map[uint64]chan Event),
		baseCtx:   ctx,
		stop:      cancel,
	}
}

func (m *Manager) now() time.Time { return m.engine.now() }

func (m *Manager) snapshot() Directory {
	if m.directory != nil {
		if d := m.directory.Current(); d != nil {
			return d
		}
	}
	return directory.New(nil)
}

// StartSession creates a session bound to the current directory snapshot.
func (m *Manager) StartSession(ctx context.Context) string {
	id := uuid.NewString()
	queue := 0
	if m.analyzer != nil {
		queue = m.engine.cfg.FrameQueueSize
	}
	s := newSession(id, m.snapshot(), m.now(), queue)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if s.frames != nil {
		m.workers.Add(1)
		go m.frameWorker(s)
	}
	m.engine.metrics.SessionStarted()
	m.engine.record(ctx, s, audit.LevelInfo, audit.SourceSession, "session started", nil)
	m.logger.Info("gate: session started", "session_id", id)
	return id
}

func (m *Manager) lookup(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// acquire returns the session locked.
func (m *Manager) acquire(id string) (*Session, error) {
	s, ok := m.lookup(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionEnded
	}
	return s, nil
}

// SubmitMessage drives one conversational turn.
func (m *Manager) SubmitMessage(ctx context.Context, id, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyMessage
	}
	s, err := m.acquire(id)
	if err != nil {
		return Reply{}, err
	}

	out := m.engine.run(ctx, s, input{text: text, prevActivity: s.LastActivity()})
	s.touch(m.now())
	r := Reply{
		AgentReply:      strings.Join(out.Replies, "\n"),
		SessionComplete: out.Complete,
		Decision:        out.Decision,
		Reset:           out.Reset,
		Ignored:         out.Ignored,
		Generation:      s.profile.Generation,
	}
	events := m.turnEvents(s, out)
	s.mu.Unlock()

	m.publish(events...)
	return r, nil
}

// turnEvents builds feed events for a finished run. Caller holds s.mu.
func (m *Manager) turnEvents(s *Session, out turnOutcome) []Event {
	now := m.now()
	gen := s.profile.Generation
	var events []Event
	if out.Reset {
		events = append(events, Event{Type: EventReset, SessionID: s.id, Generation: gen, At: now})
	}
	for _, text := range out.Replies {
		events = append(events, Event{Type: EventReply, SessionID: s.id, Generation: gen, Text: text, At: now})
	}
	if out.Decision != visitor.DecisionNone {
		p := s.profile.Snapshot()
		events = append(events, Event{Type: EventDecision, SessionID: s.id, Generation: gen, Decision: out.Decision, Profile: &p, At: now})
	}
	return events
}

// SubmitFrame queues a frame for analysis stamped with the current
// generation and returns without waiting for the result.
func (m *Manager) SubmitFrame(_ context.Context, id string, ref FrameRef) error {
	s, ok := m.lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	if s.frames == nil {
		return ErrFramesDisabled
	}
	select {
	case <-s.done:
		return ErrSessionEnded
	default:
	}
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	job := frameJob{ref: ref, generation: s.Generation(), queuedAt: m.now()}
	if dropped := enqueue(s.frames, job); dropped > 0 {
		m.logger.Warn("gate: frame queue full, dropped oldest", "session_id", id, "dropped", dropped)
	}
	return nil
}

// SubmitThreat folds an externally analyzed result.
func (m *Manager) SubmitThreat(ctx context.Context, id string, r ThreatFrameResult) (ThreatUpdate, error) {
	s, ok := m.lookup(id)
	if !ok {
		return ThreatUpdate{}, ErrSessionNotFound
	}
	return m.fold(ctx, s, r, false)
}

// SubmitCurrentThreat folds r against the generation current once the
// session lock is held; r.SessionGeneration is ignored.
func (m *Manager) SubmitCurrentThreat(ctx context.Context, id string, r ThreatFrameResult) (ThreatUpdate, error) {
	s, ok := m.lookup(id)
	if !ok {
		return ThreatUpdate{}, ErrSessionNotFound
	}
	return m.fold(ctx, s, r, true)
}

func (m *Manager) frameWorker(s *Session) {
	defer m.workers.Done()
	for {
		select {
		case <-s.done:
			return
		case <-m.baseCtx.Done():
			return
		case job := <-s.frames:
			m.processFrame(s, job)
		}
	}
}

func (m *Manager) processFrame(s *Session, job frameJob) {
	if job.generation != s.Generation() {
		m.engine.metrics.ObserveThreatFold("unknown", string(FoldStale))
		return
	}
	ctx, cancel := context.WithTimeout(m.baseCtx, m.engine.cfg.VisionDeadline)
	res, err := m.analyzer.Analyze(ctx, job.ref)
	cancel()
	if err != nil {
		m.logger.Warn("gate: frame analysis failed", "session_id", s.id, "frame_id", job.ref.ID, "error", err)
		m.engine.record(m.baseCtx, s, audit.LevelWarn, audit.SourceVision, "frame analysis failed",
			map[string]any{"frame_id": job.ref.ID, "error": err.Error()})
		return
	}
	res.SessionGeneration = job.generation
	if res.FrameID == "" {
		res.FrameID = job.ref.ID
	}
	if _, err := m.fold(m.baseCtx, s, res, false); err != nil {
		m.logger.Debug("gate: frame fold skipped", "session_id", s.id, "error", err)
	}
}

// fold applies a result under the session lock. An escalation to high runs
// the state machine straight into decide.
func (m *Manager) fold(ctx context.Context, s *Session, r ThreatFrameResult, current bool) (ThreatUpdate, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ThreatUpdate{}, ErrSessionEnded
	}
	if current {
		r.SessionGeneration = s.profile.Generation
	}
	outcome := fold(s, r)
	m.engine.metrics.ObserveThreatFold(r.ThreatLevel.String(), string(outcome))

	update := ThreatUpdate{
		FrameID:       r.FrameID,
		Outcome:       outcome,
		ThreatLevel:   s.profile.ThreatLevel,
		Indicators:    append([]string(nil), s.profile.ThreatIndicators...),
		ForceDecision: s.forceDecision,
		Generation:    s.profile.Generation,
		Hint:          r.Hint,
	}

	var out turnOutcome
	switch outcome {
	case FoldStale:
		m.logger.Debug("gate: stale threat result dropped", "session_id", s.id,
			"result_generation", r.SessionGeneration, "generation", s.profile.Generation)
	default:
		level := audit.LevelInfo
		if outcome == FoldEscalated {
			level = audit.LevelError
		}
		m.engine.record(ctx, s, level, audit.SourceVision, "threat result "+string(outcome), map[string]any{
			"frame_id":     r.FrameID,
			"threat_level": r.ThreatLevel,
			"indicators":   r.Indicators,
			"confidence":   r.Confidence,
		})
	}
	if outcome == FoldEscalated {
		m.logger.Warn("gate: threat escalated, forcing decision", "session_id", s.id, "indicators", update.Indicators)
		out = m.engine.run(ctx, s, input{system: true})
		update.Decision = out.Decision
		update.AgentReply = strings.Join(out.Replies, "\n")
	}

	events := []Event{{Type: EventThreat, SessionID: s.id, Generation: update.Generation, Threat: &update, At: m.now()}}
	events = append(events, m.turnEvents(s, out)...)
	s.mu.Unlock()

	m.publish(events...)
	return update, nil
}

// GetProfile copies the profile under the session lock.
func (m *Manager) GetProfile(id string) (visitor.Profile, error) {
	s, err := m.acquire(id)
	if err != nil {
		return visitor.Profile{}, err
	}
	defer s.mu.Unlock()
	return s.profile.Snapshot(), nil
}

// Snapshot copies the whole session state.
func (m *Manager) Snapshot(id string) (SessionView, error) {
	s, err := m.acquire(id)
	if err != nil {
		return SessionView{}, err
	}
	defer s.mu.Unlock()
	return s.view(), nil
}

// ResetSession clears the session for a new visitor.
func (m *Manager) ResetSession(ctx context.Context, id string) (SessionView, error) {
	s, err := m.acquire(id)
	if err != nil {
		return SessionView{}, err
	}
	s.reset()
	m.engine.record(ctx, s, audit.LevelInfo, audit.SourceSession, "session reset by operator",
		map[string]any{"generation": s.profile.Generation})
	view := s.view()
	s.mu.Unlock()

	m.publish(Event{Type: EventReset, SessionID: id, Generation: view.Profile.Generation, At: m.now()})
	return view, nil
}

// EndSession removes the session. It waits for any in-flight turn or fold
// because it takes the session lock before deleting.
func (m *Manager) EndSession(ctx context.Context, id string) error {
	s, ok := m.lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	_, err := m.end(ctx, s, "ended", time.Time{})
	return err
}

// end closes s and reports whether it did. A non-zero idleBefore skips
// sessions active since then.
func (m *Manager) end(ctx context.Context, s *Session, reason string, idleBefore time.Time) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrSessionEnded
	}
	if !idleBefore.IsZero() && !s.LastActivity().Before(idleBefore) {
		s.mu.Unlock()
		return false, nil
	}
	s.closed = true
	close(s.done)
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	gen := s.profile.Generation
	m.engine.record(ctx, s, audit.LevelInfo, audit.SourceSession, "session "+reason, nil)
	s.mu.Unlock()

	m.engine.metrics.SessionEnded()
	m.logger.Info("gate: session closed", "session_id", s.id, "reason", reason)
	m.publish(Event{Type: EventEnded, SessionID: s.id, Generation: gen, Text: reason, At: m.now()})
	m.closeSubscribers(s.id)
	return true, nil
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown ends every session and waits for frame workers.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()
	for _, s := range all {
		_, _ = m.end(ctx, s, "shutdown", time.Time{})
	}
	m.stop()

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("gate: shutdown timed out waiting for frame workers")
	}
}
