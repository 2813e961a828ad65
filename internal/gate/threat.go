package gate

import (
	"context"
	"time"

	"github.com/wolfman30/security-gate-ai/internal/visitor"
)

// ThreatFrameResult is one analyzed frame. It is folded into the profile
// and never stored on its own.
type ThreatFrameResult struct {
	ThreatLevel       visitor.ThreatLevel `json:"threat_level"`
	Indicators        []string            `json:"indicators,omitempty"`
	Confidence        float64             `json:"confidence"`
	FrameID           string              `json:"frame_id,omitempty"`
	SessionGeneration uint64              `json:"session_generation"`
	// Hint is operator guidance such as a camera adjustment.
	Hint string `json:"hint,omitempty"`
}

// FrameRef points at a camera frame to analyze.
type FrameRef struct {
	ID  string `json:"frame_id,omitempty"`
	URI string `json:"uri"`
}

// FrameAnalyzer turns a frame into a threat result.
type FrameAnalyzer interface {
	Analyze(ctx context.Context, ref FrameRef) (ThreatFrameResult, error)
}

// FoldOutcome classifies what a fold did.
type FoldOutcome string

const (
	FoldApplied   FoldOutcome = "applied"
	FoldStale     FoldOutcome = "stale"
	FoldEscalated FoldOutcome = "escalated"
	// FoldIgnored means the session was already decided.
	FoldIgnored FoldOutcome = "ignored"
)

// ThreatUpdate reports the session threat state after a fold.
type ThreatUpdate struct {
	FrameID       string              `json:"frame_id,omitempty"`
	Outcome       FoldOutcome         `json:"outcome"`
	ThreatLevel   visitor.ThreatLevel `json:"threat_level"`
	Indicators    []string            `json:"indicators"`
	ForceDecision bool                `json:"force_decision"`
	Generation    uint64              `json:"generation"`
	Hint          string              `json:"hint,omitempty"`
	// Decision and AgentReply are set when the fold forced a decision.
	Decision   visitor.Decision `json:"decision,omitempty"`
	AgentReply string           `json:"agent_reply,omitempty"`
}

type frameJob struct {
	ref        FrameRef
	generation uint64
	queuedAt   time.Time
}

// fold applies one result. The caller holds the session lock. Results from
// another generation are dropped; a rise to high arms force_decision.
func fold(s *Session, r ThreatFrameResult) FoldOutcome {
	p := s.profile
	if r.SessionGeneration != p.Generation {
		return FoldStale
	}
	if p.Decided() {
		return FoldIgnored
	}
	p.RaiseThreat(r.ThreatLevel, r.Indicators)
	if p.ThreatLevel == visitor.ThreatHigh && !s.forceDecision {
		s.forceDecision = true
		return FoldEscalated
	}
	return FoldApplied
}

// enqueue adds a job, dropping the oldest queued frames when full. It
// reports how many were dropped.
func enqueue(q chan frameJob, job frameJob) int {
	dropped := 0
	for {
		select {
		case q <- job:
			return dropped
		default:
		}
		select {
		case <-q:
			dropped++
		default:
		}
	}
}
