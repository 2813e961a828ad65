package gate

import (
	"time"

	"github.com/wolfman30/security-gate-ai/internal/visitor"
)

// EventType names a live-feed event.
type EventType string

const (
	EventSession  EventType = "session"
	EventReply    EventType = "reply"
	EventThreat   EventType = "threat"
	EventDecision EventType = "decision"
	EventReset    EventType = "reset"
	EventEnded    EventType = "ended"
)

// Event is pushed to session subscribers.
type Event struct {
	Type       EventType        `json:"type"`
	SessionID  string           `json:"session_id"`
	Generation uint64           `json:"generation"`
	Text       string           `json:"text,omitempty"`
	Decision   visitor.Decision `json:"decision,omitempty"`
	Threat     *ThreatUpdate    `json:"threat,omitempty"`
	Profile    *visitor.Profile `json:"profile,omitempty"`
	At         time.Time        `json:"at"`
}

const subscriberBuffer = 32

// Subscribe streams events for one session until cancel is called or the
// session ends. Slow subscribers miss events rather than block the session.
func (m *Manager) Subscribe(sessionID string) (<-chan Event, func(), error) {
	// end removes the session before it closes subscribers, so checking
	// under subMu means a registered channel is always closed by end.
	m.subMu.Lock()
	m.mu.RLock()
	_, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		m.subMu.Unlock()
		return nil, nil, ErrSessionNotFound
	}

	ch := make(chan Event, subscriberBuffer)
	m.nextSub++
	id := m.nextSub
	if m.subs[sessionID] == nil {
		m.subs[sessionID] = make(map[uint64]chan Event)
	}
	m.subs[sessionID][id] = ch
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if subs, ok := m.subs[sessionID]; ok {
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(m.subs, sessionID)
			}
		}
	}
	return ch, cancel, nil
}

func (m *Manager) publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ev := range events {
		for _, ch := range m.subs[ev.SessionID] {
			select {
			case ch <- ev:
			default:
				m.logger.Warn("gate: subscriber lagging, event dropped", "session_id", ev.SessionID, "type", string(ev.Type))
			}
		}
	}
}

func (m *Manager) closeSubscribers(sessionID string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs[sessionID] {
		close(ch)
	}
	delete(m.subs, sessionID)
}
