package visits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/security-gate-ai/internal/visitor"
)

var ErrVisitNotFound = errors.New("visits: no visits for session")

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Record is one finalized screening decision.
type Record struct {
	ID             string                 `json:"id"`
	SessionID      string                 `json:"session_id"`
	Generation     uint64                 `json:"generation"`
	Decision       visitor.Decision       `json:"decision"`
	DecisionSource visitor.DecisionSource `json:"decision_source"`
	Confidence     float64                `json:"confidence"`
	Reasoning      string                 `json:"reasoning"`
	ThreatLevel    string                 `json:"threat_level"`
	Indicators     []string               `json:"indicators"`
	VisitorName    string                 `json:"visitor_name"`
	Purpose        string                 `json:"purpose"`
	Affiliation    string                 `json:"affiliation"`
	ContactPerson  string                 `json:"contact_person"`
	ContactStatus  visitor.ContactStatus  `json:"contact_status"`
	CreatedAt      time.Time              `json:"created_at"`
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store persists visit records in Postgres.
type Store struct {
	db querier
}

func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("visits: pgx pool required")
	}
	return &Store{db: pool}
}

func newStoreWithQuerier(db querier) *Store {
	if db == nil {
		panic("visits: querier required")
	}
	return &Store{db: db}
}

// FromProfile builds a record from a decided profile.
func FromProfile(sessionID string, p visitor.Profile) Record {
	created := p.DecidedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return Record{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		Generation:     p.Generation,
		Decision:       p.Decision,
		DecisionSource: p.DecisionSource,
		Confidence:     p.DecisionConfidence,
		Reasoning:      p.DecisionReasoning,
		ThreatLevel:    p.ThreatLevel.String(),
		Indicators:     append([]string{}, p.ThreatIndicators...),
		VisitorName:    p.Name.Value,
		Purpose:        p.Purpose.Value,
		Affiliation:    p.Affiliation.Value,
		ContactPerson:  p.ContactPerson.Value,
		ContactStatus:  p.ContactValidated,
		CreatedAt:      created,
	}
}

// Record inserts the decision for one session generation. A repeat for the
// same generation is ignored.
func (s *Store) Record(ctx context.Context, sessionID string, p visitor.Profile) error {
	if !p.Decided() {
		return fmt.Errorf("visits: session %s has no decision", sessionID)
	}
	return s.Insert(ctx, FromProfile(sessionID, p))
}

func (s *Store) Insert(ctx context.Context, r Record) error {
	query := `
		INSERT INTO visits (
			id, session_id, generation, decision, decision_source, confidence, reasoning,
			threat_level, indicators, visitor_name, purpose, affiliation,
			contact_person, contact_status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (session_id, generation) DO NOTHING
	`
	_, err := s.db.Exec(ctx, query,
		r.ID, r.SessionID, int64(r.Generation), string(r.Decision), string(r.DecisionSource),
		r.Confidence, r.Reasoning, r.ThreatLevel, r.Indicators, r.VisitorName, r.Purpose,
		r.Affiliation, r.ContactPerson, string(r.ContactStatus), r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("visits: failed to insert visit: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, session_id, generation, decision, decision_source, confidence, reasoning,
		threat_level, indicators, visitor_name, purpose, affiliation,
		contact_person, contact_status, created_at
	FROM visits`

// ListRecent returns the newest visits first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.db.Query(ctx, selectColumns+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("visits: failed to list visits: %w", err)
	}
	return scanRecords(rows)
}

// GetBySession returns every generation recorded for a session, oldest first.
func (s *Store) GetBySession(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.db.Query(ctx, selectColumns+` WHERE session_id = $1 ORDER BY generation`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("visits: failed to query session %s: %w", sessionID, err)
	}
	out, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrVisitNotFound
	}
	return out, nil
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			r                        Record
			generation               int64
			decision, source, status string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &generation, &decision, &source, &r.Confidence, &r.Reasoning,
			&r.ThreatLevel, &r.Indicators, &r.VisitorName, &r.Purpose, &r.Affiliation,
			&r.ContactPerson, &status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("visits: failed to scan visit: %w", err)
		}
		r.Generation = uint64(generation)
		r.Decision = visitor.Decision(decision)
		r.DecisionSource = visitor.DecisionSource(source)
		r.ContactStatus = visitor.ContactStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("visits: failed to read visits: %w", err)
	}
	return out, nil
}
