package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of an audit entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Source names the subsystem that appended the entry.
type Source string

const (
	SourceSession      Source = "session"
	SourceConversation Source = "conversation"
	SourceVision       Source = "vision"
	SourceDecision     Source = "decision"
	SourceNotify       Source = "notify"
)

// Entry is one threat/audit log record.
type Entry struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     Level           `json:"level"`
	Message   string          `json:"message"`
	Source    Source          `json:"source"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// NewEntry builds an entry stamped now. details is marshaled to JSON; a
// marshal failure drops the details rather than the entry.
func NewEntry(sessionID string, level Level, source Source, message string, details any) Entry {
	e := Entry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Source:    source,
	}
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			e.Details = b
		}
	}
	return e
}

// Sink durably appends entries.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// Reader lists a session's entries oldest first. limit <= 0 returns all.
type Reader interface {
	List(ctx context.Context, sessionID string, limit int) ([]Entry, error)
}
