package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/security-gate-ai/internal/audit"
	"github.com/wolfman30/security-gate-ai/internal/directory"
	"github.com/wolfman30/security-gate-ai/internal/observability/metrics"
	"github.com/wolfman30/security-gate-ai/internal/schema"
	"github.com/wolfman30/security-gate-ai/internal/structured"
	"github.com/wolfman30/security-gate-ai/internal/visitor"
	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

const (
	// defaultExtractionConfidence applies when the model omits a confidence.
	defaultExtractionConfidence = 0.7
	degradedWarnStreak          = 3
	summaryKeepRecent           = 4
	maxSteps                    = 24
	sideEffectTimeout           = 10 * time.Second
)

// Notifier delivers the arrival notice to a contact. contactEmail is the
// address captured when the contact was matched; it may be empty.
type Notifier interface {
	Notify(ctx context.Context, contactName, contactEmail, subject, body string) error
}

// VisitRecorder persists finalized decisions.
type VisitRecorder interface {
	Record(ctx context.Context, sessionID string, p visitor.Profile) error
}

// Engine runs the conversation graph for one session at a time. Callers
// hold the session lock for the duration of run.
type Engine struct {
	invoker  *structured.Invoker
	cfg      Config
	notifier Notifier
	audit    audit.Sink
	visits   VisitRecorder
	metrics  *metrics.GateMetrics
	tokens   tokenCounter
	logger   *logging.Logger
	now      func() time.Time
}

type EngineOption func(*Engine)

func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

func WithAudit(s audit.Sink) EngineOption {
	return func(e *Engine) { e.audit = s }
}

func WithVisits(r VisitRecorder) EngineOption {
	return func(e *Engine) { e.visits = r }
}

func WithMetrics(m *metrics.GateMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l *logging.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(invoker *structured.Invoker, cfg Config, opts ...EngineOption) *Engine {
	if invoker == nil {
		panic("gate: invoker cannot be nil")
	}
	e := &Engine{
		invoker: invoker,
		cfg:     cfg.withDefaults(),
		logger:  logging.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MaxHistoryTokens > 0 && e.tokens == nil {
		counter, err := newTokenCounter()
		if err != nil {
			e.logger.Warn("gate: token counter unavailable, token ceiling disabled", "error", err)
		} else {
			e.tokens = counter
		}
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

type input struct {
	text string
	// system marks a run triggered by a threat escalation with no utterance.
	system bool
	// prevActivity is the session's last activity before this input.
	prevActivity time.Time
}

type turnOutcome struct {
	Replies  []string
	Complete bool
	Decision visitor.Decision
	Reset    bool
	Ignored  bool
	State    State
}

type turn struct {
	s   *Session
	in  input
	log *logging.Logger

	relevanceChecked bool
	appended         bool
	reprocessed      bool
	askedBefore      visitor.FieldName

	out turnOutcome
}

func (e *Engine) run(ctx context.Context, s *Session, in input) turnOutcome {
	start := e.now()
	t := &turn{
		s:           s,
		in:          in,
		log:         e.logger.With("session_id", s.id, "generation", s.profile.Generation),
		askedBefore: s.lastQuestion,
	}
	state := StateReceiveInput
	for steps := 0; ; steps++ {
		if steps >= maxSteps {
			t.log.Error("gate: state machine exceeded step budget", "state", state.String())
			break
		}
		ev := e.step(ctx, t, state)
		next, effects, err := transition(state, ev)
		if err != nil {
			t.log.Error("gate: invalid transition", "error", err)
			break
		}
		t.log.Debug("gate: transition", "from", state.String(), "to", next.String())
		for _, eff := range effects {
			e.apply(t, eff)
		}
		state = next
		if state.halts() {
			break
		}
	}
	t.out.State = state

	outcome := "pending"
	switch {
	case t.out.Decision != visitor.DecisionNone:
		outcome = "decided"
	case t.out.Ignored:
		outcome = "ignored"
	case t.out.Complete:
		outcome = "complete"
	}
	e.metrics.ObserveTurn(outcome, e.now().Sub(start))
	return t.out
}

func (e *Engine) apply(t *turn, eff effect) {
	switch eff.kind {
	case effectReply:
		if eff.text == "" {
			return
		}
		t.out.Replies = append(t.out.Replies, eff.text)
		if t.appended || t.in.system {
			t.s.append(RoleAgent, eff.text, e.now())
		}
	case effectComplete:
		t.out.Complete = true
	}
}

func (e *Engine) step(ctx context.Context, t *turn, state State) event {
	switch state {
	case StateReceiveInput:
		return e.receiveInput(ctx, t)
	case StateDetectSession:
		return e.detectSession(ctx, t)
	case StateResetConversation:
		return e.resetConversation(ctx, t)
	case StateCheckContextLength:
		return e.checkContextLength(t)
	case StateSummarize:
		return e.summarize(ctx, t)
	case StateExtractProfile:
		return e.extractProfile(ctx, t)
	case StateValidateContact:
		return e.validateContact(ctx, t)
	case StateAskMissingField:
		return e.askMissingField(t)
	case StateDecide:
		return e.decide(ctx, t)
	case StateNotify:
		return e.notify(ctx, t)
	case StateAwaitInput, StateTerminal:
		return nil
	}
	return nil
}

func (e *Engine) invoke(ctx context.Context, schemaName, prompt string, deadline time.Duration, hints structured.Hints) structured.Result {
	if deadline <= 0 {
		deadline = e.cfg.LLMDeadline
	}
	return e.invoker.Invoke(ctx, structured.Call{
		Schema:   schemaName,
		System:   systemPrompt,
		Prompt:   prompt,
		Deadline: deadline,
		Hints:    hints,
	})
}

func (e *Engine) receiveInput(ctx context.Context, t *turn) event {
	s := t.s
	if t.in.system {
		return evInput{Relevant: true, Forced: true}
	}
	if s.profile.Decided() {
		return evInput{Relevant: true, Decided: true}
	}
	forced := s.threatForced()
	if !forced && !t.relevanceChecked {
		t.relevanceChecked = true
		res := e.invoke(ctx, schema.InputRelevance, relevancePrompt(t.in.text), 0, structured.Hints{})
		if res.String("verdict") == "unrelated" {
			t.out.Ignored = true
			e.record(ctx, s, audit.LevelInfo, audit.SourceConversation, "input ignored as unrelated", map[string]any{"text": t.in.text})
			return evInput{Relevant: false}
		}
	}
	if !t.appended {
		s.append(RoleHuman, t.in.text, e.now())
		s.turnCount++
		t.appended = true
	}
	return evInput{
		Relevant:  true,
		Forced:    forced,
		FirstTurn: t.reprocessed || s.humanMessages() == 1,
	}
}

func (e *Engine) detectSession(ctx context.Context, t *turn) event {
	s := t.s
	decided := s.profile.Decided()
	if e.stale(t.in.prevActivity) && (decided || len(s.history) > 1) {
		t.log.Info("gate: stale session, starting over", "last_activity", t.in.prevActivity)
		return evSessionDetected{New: true}
	}

	prior := s.history
	if t.appended && len(prior) > 0 {
		prior = prior[:len(prior)-1]
	}
	res := e.invoke(ctx, schema.SessionDetection, sessionPrompt(prior, t.in.text), 0, structured.Hints{})
	if res.String("session") == "new" {
		return evSessionDetected{New: true}
	}
	if decided {
		return evSessionDetected{Decided: true, Reply: decisionReply(s.profile.Decision)}
	}
	return evSessionDetected{}
}

func (e *Engine) stale(prev time.Time) bool {
	return e.cfg.StaleAfter > 0 && !prev.IsZero() && e.now().Sub(prev) > e.cfg.StaleAfter
}

func (e *Engine) resetConversation(ctx context.Context, t *turn) event {
	s := t.s
	previous := s.profile.Generation
	s.reset()
	t.reprocessed = true
	t.appended = false
	t.askedBefore = ""
	t.out.Reset = true
	t.log = e.logger.With("session_id", s.id, "generation", s.profile.Generation)
	t.log.Info("gate: new visitor detected, conversation reset", "previous_generation", previous)
	e.record(ctx, s, audit.LevelInfo, audit.SourceSession, "conversation reset for new visitor",
		map[string]any{"generation": s.profile.Generation})
	return evReset{}
}

func (e *Engine) checkContextLength(t *turn) event {
	s := t.s
	over := s.humanMessages() > e.cfg.MaxHumanMessages
	if !over && e.cfg.MaxHistoryTokens > 0 && e.tokens != nil {
		over = historyTokens(e.tokens, s.history) > e.cfg.MaxHistoryTokens
	}
	return evContextChecked{OverLimit: over}
}

func (e *Engine) summarize(ctx context.Context, t *turn) event {
	s := t.s
	if len(s.history) <= summaryKeepRecent {
		return evSummarized{}
	}
	cut := len(s.history) - summaryKeepRecent
	older, recent := s.history[:cut], s.history[cut:]

	res := e.invoke(ctx, schema.Summary, summaryPrompt(older), 0, structured.Hints{})
	text := res.String("text")
	if !res.OK() || text == "" {
		t.log.Warn("gate: summary failed, keeping full history", "messages", len(s.history))
		return evSummarized{}
	}
	history := make([]Message, 0, summaryKeepRecent+1)
	history = append(history, Message{Role: RoleSystem, Content: fmt.Sprintf("[CONVERSATION SUMMARY: %s]", text), At: e.now()})
	history = append(history, recent...)
	s.history = history
	s.historyMode = HistorySummarized
	t.log.Info("gate: history summarized", "collapsed", cut)
	return evSummarized{}
}

func (e *Engine) extractProfile(ctx context.Context, t *turn) event {
	s := t.s
	outstanding := s.profile.Outstanding()
	if len(outstanding) == 0 {
		return evExtracted{Forced: s.threatForced()}
	}

	names := s.dir.Names()
	res := e.invoke(ctx, schema.FieldExtraction, extractionPrompt(s.history, outstanding, names), 0,
		structured.Hints{KnownNames: names, FallbackText: t.in.text})

	if res.Degraded {
		s.degradedStreak++
		if s.degradedStreak >= degradedWarnStreak && !s.degradedWarning {
			s.degradedWarning = true
			t.log.Warn("gate: repeated degraded extraction", "degraded_streak", s.degradedStreak)
			e.record(ctx, s, audit.LevelWarn, audit.SourceConversation, "extraction degraded repeatedly",
				map[string]any{"degraded_streak": s.degradedStreak})
		}
	} else {
		s.degradedStreak = 0
	}

	if res.OK() {
		for _, f := range visitor.Fields {
			value := res.String(string(f))
			if value == "" || structured.IsBlank(value) {
				continue
			}
			conf, ok := res.Float(string(f) + "_confidence")
			if !ok {
				conf = defaultExtractionConfidence
			}
			source := visitor.FromExtraction
			if f == t.askedBefore {
				source = visitor.FromConfirmation
			}
			s.profile.Merge(f, visitor.FieldValue{Value: value, Confidence: res.Confidence(conf), Source: source})
		}
	}
	return evExtracted{Forced: s.threatForced()}
}

func (e *Engine) validateContact(ctx context.Context, t *turn) event {
	s := t.s
	p := s.profile
	if p.ContactPerson.Present() && p.ContactValidated == visitor.ContactUnvalidated {
		e.checkContact(ctx, t)
	}
	missing := p.Missing(e.cfg.MinFieldConfidence, s.contactOptional())
	return evContactChecked{
		Forced:             s.threatForced(),
		Missing:            missing,
		AffiliationPending: e.cfg.AskAffiliation && len(missing) == 0 && !p.Affiliation.Present() && !s.affiliationAsked,
	}
}

// checkContact resolves the contact deterministically and only asks the
// model to disambiguate between close candidates.
func (e *Engine) checkContact(ctx context.Context, t *turn) {
	s := t.s
	spoken := s.profile.ContactPerson.Value
	m := s.dir.Lookup(spoken)
	switch m.Status {
	case directory.MatchExact:
		e.contactMatched(ctx, t, m.Contact)
		return
	case directory.MatchAmbiguous:
		names := make([]string, len(m.Candidates))
		for i, c := range m.Candidates {
			names[i] = c.Name
		}
		res := e.invoke(ctx, schema.ContactValidation, contactPrompt(spoken, names), 0, structured.Hints{KnownNames: names})
		chosen := res.String("contact")
		conf, ok := res.Float("confidence")
		if !ok {
			conf = 0.5
		}
		conf = res.Confidence(conf)
		for _, c := range m.Candidates {
			if strings.EqualFold(c.Name, chosen) && conf >= e.cfg.MinFieldConfidence {
				e.contactMatched(ctx, t, c)
				return
			}
		}
	}
	e.contactRejected(ctx, t, spoken)
}

func (e *Engine) contactMatched(ctx context.Context, t *turn, c directory.Contact) {
	s := t.s
	s.profile.MarkContact(visitor.ContactMatched, c.Name, c.Email)
	s.rejectedContact = ""
	t.log.Info("gate: contact matched", "contact", c.Name)
	e.record(ctx, s, audit.LevelInfo, audit.SourceConversation, "contact matched", map[string]any{"contact": c.Name})
}

func (e *Engine) contactRejected(ctx context.Context, t *turn, spoken string) {
	s := t.s
	s.profile.MarkContact(visitor.ContactNoMatch, "", "")
	s.profile.ClearContactPerson()
	s.contactAttempts++
	s.rejectedContact = spoken
	t.log.Info("gate: contact not in directory", "contact", spoken, "attempts", s.contactAttempts)
	e.record(ctx, s, audit.LevelWarn, audit.SourceConversation, "contact not found",
		map[string]any{"contact": spoken, "attempts": s.contactAttempts})
}

func (e *Engine) askMissingField(t *turn) event {
	s := t.s
	field := visitor.FieldAffiliation
	if missing := s.profile.Missing(e.cfg.MinFieldConfidence, s.contactOptional()); len(missing) > 0 {
		field = missing[0]
	} else {
		s.affiliationAsked = true
	}
	rejected := ""
	if field == visitor.FieldContactPerson {
		rejected = s.rejectedContact
		s.rejectedContact = ""
	}
	s.lastQuestion = field
	return evAsked{Question: question(field, s.dir.Names(), rejected)}
}

func (e *Engine) decide(ctx context.Context, t *turn) event {
	s := t.s
	p := s.profile
	if p.Decided() {
		return evDecided{Replies: []string{decisionReply(p.Decision)}}
	}

	var (
		d          visitor.Decision
		confidence float64
		reasoning  string
		source     visitor.DecisionSource
	)
	if s.threatForced() {
		d, confidence, reasoning, source = visitor.DecisionCallSecurity, forcedConfidence, forcedReasoning(*p), visitor.SourceForced
	} else {
		res := e.invoke(ctx, schema.Decision, decisionPrompt(p.Snapshot(), s.history), e.cfg.DecisionDeadline, structured.Hints{})
		if parsed, ok := visitor.ParseDecision(res.String("decision")); res.OK() && ok {
			c, _ := res.Float("confidence")
			d, confidence, reasoning, source = parsed, res.Confidence(c), res.String("reasoning"), visitor.SourceModel
			if res.Degraded {
				reasoning = "degraded: " + reasoning
			}
		} else {
			d, reasoning = ruleDecision(*p)
			confidence, source = ruleConfidence, visitor.SourceRule
		}
	}

	if err := p.Finalize(d, confidence, reasoning, source, e.now()); err != nil {
		t.log.Error("gate: failed to record decision", "error", err)
		return evDecided{Replies: []string{decisionReply(p.Decision)}}
	}
	t.out.Decision = d
	t.log.Info("gate: decision recorded", "decision", string(d), "source", string(source), "confidence", confidence)
	e.metrics.ObserveDecision(string(d), string(source))
	e.record(ctx, s, levelFor(d), audit.SourceDecision, "decision recorded", map[string]any{
		"decision":   d,
		"source":     source,
		"confidence": confidence,
		"reasoning":  reasoning,
	})
	e.persist(ctx, t)

	replies := []string{decisionReply(d)}
	matched := p.ContactValidated == visitor.ContactMatched
	if d.Notifies() && !matched {
		replies = append(replies, noContactNote)
	}
	return evDecided{
		Replies: replies,
		Notify:  d.Notifies() && matched && !s.notified && e.notifier != nil,
	}
}

func levelFor(d visitor.Decision) audit.Level {
	switch d {
	case visitor.DecisionCallSecurity:
		return audit.LevelError
	case visitor.DecisionDenyEntry:
		return audit.LevelWarn
	}
	return audit.LevelInfo
}

// notify sends the arrival notice once per generation. The outcome never
// changes the recorded decision.
func (e *Engine) notify(ctx context.Context, t *turn) event {
	s := t.s
	if s.notified || e.notifier == nil {
		return evNotified{}
	}
	s.notified = true
	snapshot := s.profile.Snapshot()
	subject, body := arrivalNotice(snapshot)

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := e.notifier.Notify(nctx, snapshot.ContactPerson.Value, snapshot.ContactEmail, subject, body); err != nil {
		t.log.Error("gate: contact notification failed", "contact", snapshot.ContactPerson.Value, "error", err)
		e.metrics.ObserveNotification("failed")
		e.record(ctx, s, audit.LevelError, audit.SourceNotify, "contact notification failed",
			map[string]any{"contact": snapshot.ContactPerson.Value, "error": err.Error()})
		return evNotified{}
	}
	e.metrics.ObserveNotification("sent")
	e.record(ctx, s, audit.LevelInfo, audit.SourceNotify, "contact notified",
		map[string]any{"contact": snapshot.ContactPerson.Value})
	return evNotified{}
}

func (e *Engine) persist(ctx context.Context, t *turn) {
	if e.visits == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := e.visits.Record(pctx, t.s.id, t.s.profile.Snapshot()); err != nil {
		t.log.Warn("gate: failed to persist visit", "error", err)
	}
}

// record appends to the audit trail. Sink errors are logged only.
func (e *Engine) record(ctx context.Context, s *Session, level audit.Level, source audit.Source, msg string, details any) {
	if e.audit == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := e.audit.Append(actx, audit.NewEntry(s.id, level, source, msg, details)); err != nil {
		e.logger.Warn("gate: audit append failed", "session_id", s.id, "error", err)
	}
}
