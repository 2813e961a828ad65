package gate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfman30/security-gate-ai/internal/directory"
	"github.com/wolfman30/security-gate-ai/internal/visitor"
)

// Role tags a history entry.
type Role string

const (
	RoleHuman  Role = "human"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Message is one history entry.
type Message struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// HistoryMode reports whether older turns were collapsed into a summary.
type HistoryMode string

const (
	HistoryFull       HistoryMode = "full"
	HistorySummarized HistoryMode = "summarized"
)

// Directory is the contact lookup a session validates against.
type Directory interface {
	Lookup(name string) directory.Match
	Names() []string
}

// maxContactAttempts bounds how often a rejected contact is asked again
// before the contact requirement is waived.
const maxContactAttempts = 2

// Session is one visitor interaction. All fields except the atomics are
// guarded by mu, which is held for a whole state-machine run or fold.
type Session struct {
	mu sync.Mutex

	id        string
	createdAt time.Time
	dir       Directory

	profile     *visitor.Profile
	history     []Message
	turnCount   int
	historyMode HistoryMode

	forceDecision    bool
	notified         bool
	degradedStreak   int
	degradedWarning  bool
	contactAttempts  int
	rejectedContact  string
	affiliationAsked bool
	lastQuestion     visitor.FieldName

	closed bool
	done   chan struct{}
	frames chan frameJob

	// Mirrors readable without mu so frame submission and the sweeper never
	// wait behind a running turn.
	generation   atomic.Uint64
	lastActivity atomic.Int64
}

func newSession(id string, dir Directory, now time.Time, frameQueue int) *Session {
	s := &Session{
		id:          id,
		createdAt:   now,
		dir:         dir,
		profile:     visitor.NewProfile(),
		historyMode: HistoryFull,
		done:        make(chan struct{}),
	}
	if frameQueue > 0 {
		s.frames = make(chan frameJob, frameQueue)
	}
	s.touch(now)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) touch(t time.Time) { s.lastActivity.Store(t.UnixNano()) }

// LastActivity is safe to call without holding the session lock.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Generation is safe to call without holding the session lock.
func (s *Session) Generation() uint64 { return s.generation.Load() }

func (s *Session) append(role Role, content string, at time.Time) {
	s.history = append(s.history, Message{Role: role, Content: content, At: at})
}

func (s *Session) humanMessages() int {
	n := 0
	for _, m := range s.history {
		if m.Role == RoleHuman {
			n++
		}
	}
	return n
}

// reset clears the profile and conversation and advances the generation.
// The notified flag lives here, so a reset re-arms notification.
func (s *Session) reset() {
	s.profile.Reset()
	s.generation.Store(s.profile.Generation)
	s.history = nil
	s.turnCount = 0
	s.historyMode = HistoryFull
	s.forceDecision = false
	s.notified = false
	s.degradedStreak = 0
	s.degradedWarning = false
	s.contactAttempts = 0
	s.rejectedContact = ""
	s.affiliationAsked = false
	s.lastQuestion = ""
}

func (s *Session) contactOptional() bool {
	return s.contactAttempts >= maxContactAttempts
}

func (s *Session) threatForced() bool {
	return s.forceDecision || s.profile.ThreatLevel == visitor.ThreatHigh
}

// SessionView is a point-in-time copy of a session.
type SessionView struct {
	ID              string          `json:"id"`
	Profile         visitor.Profile `json:"profile"`
	History         []Message       `json:"history"`
	TurnCount       int             `json:"turn_count"`
	HistoryMode     HistoryMode     `json:"history_mode"`
	ForceDecision   bool            `json:"force_decision"`
	Notified        bool            `json:"notified"`
	DegradedWarning bool            `json:"degraded_warning"`
	CreatedAt       time.Time       `json:"created_at"`
	LastActivity    time.Time       `json:"last_activity"`
}

func (s *Session) view() SessionView {
	return SessionView{
		ID:              s.id,
		Profile:         s.profile.Snapshot(),
		History:         append([]Message(nil), s.history...),
		TurnCount:       s.turnCount,
		HistoryMode:     s.historyMode,
		ForceDecision:   s.forceDecision,
		Notified:        s.notified,
		DegradedWarning: s.degradedWarning,
		CreatedAt:       s.createdAt,
		LastActivity:    s.LastActivity(),
	}
}
