package gate

import (
	"context"
	"time"
)

// RunSweeper ends sessions idle longer than idle, checking every interval,
// until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 || idle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.logger.Info("gate: idle sweeper started", "interval", interval, "idle_timeout", idle)
	for {
		select {
		case <-ticker.C:
			if n := m.sweep(ctx, idle); n > 0 {
				m.logger.Info("gate: idle sessions ended", "count", n)
			}
		case <-ctx.Done():
			m.logger.Info("gate: idle sweeper shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (m *Manager) sweep(ctx context.Context, idle time.Duration) int {
	cutoff := m.now().Add(-idle)
	m.mu.RLock()
	var expired []*Session
	for _, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			expired = append(expired, s)
		}
	}
	m.mu.RUnlock()

	ended := 0
	for _, s := range expired {
		if ok, _ := m.end(ctx, s, "expired", cutoff); ok {
			ended++
		}
	}
	return ended
}
