package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

// LogSink writes each entry as one JSON log line.
type LogSink struct {
	logger *logging.Logger
}

func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Append(_ context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	switch e.Level {
	case LevelError:
		s.logger.Error(string(b))
	case LevelWarn:
		s.logger.Warn(string(b))
	default:
		s.logger.Info(string(b))
	}
	return nil
}

// MemorySink keeps the most recent entries per session in process.
type MemorySink struct {
	mu         sync.RWMutex
	perSession int
	entries    map[string][]Entry
}

func NewMemorySink(perSession int) *MemorySink {
	if perSession <= 0 {
		perSession = 500
	}
	return &MemorySink{perSession: perSession, entries: make(map[string][]Entry)}
}

func (s *MemorySink) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.entries[e.SessionID], e)
	if len(list) > s.perSession {
		list = list[len(list)-s.perSession:]
	}
	s.entries[e.SessionID] = list
	return nil
}

func (s *MemorySink) List(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.entries[sessionID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return append([]Entry(nil), list...), nil
}

// MultiSink fans out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
