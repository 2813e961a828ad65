package visits

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/security-gate-ai/internal/visitor"
)

var columns = []string{
	"id", "session_id", "generation", "decision", "decision_source", "confidence", "reasoning",
	"threat_level", "indicators", "visitor_name", "purpose", "affiliation",
	"contact_person", "contact_status", "created_at",
}

func decidedProfile(t *testing.T, at time.Time) visitor.Profile {
	t.Helper()
	p := visitor.NewProfile()
	p.Merge(visitor.FieldVisitorName, visitor.FieldValue{Value: "Alex", Confidence: 0.9})
	p.Merge(visitor.FieldPurpose, visitor.FieldValue{Value: "delivery", Confidence: 0.9})
	p.Merge(visitor.FieldContactPerson, visitor.FieldValue{Value: "Maria Lopez", Confidence: 0.9})
	p.MarkContact(visitor.ContactMatched, "Maria Lopez", "maria.lopez@example.com")
	require.NoError(t, p.Finalize(visitor.DecisionAllowEntry, 0.92, "expected delivery", visitor.SourceModel, at))
	return p.Snapshot()
}

func TestRecordInsertsDecidedProfile(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO visits").
		WithArgs(pgxmock.AnyArg(), "sess-1", int64(0), "allow_entry", "model", 0.92, "expected delivery",
			"none", []string{}, "Alex", "delivery", "", "Maria Lopez", "matched", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := newStoreWithQuerier(mock)
	require.NoError(t, store.Record(context.Background(), "sess-1", decidedProfile(t, at)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRejectsUndecided(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newStoreWithQuerier(mock)
	err = store.Record(context.Background(), "sess-1", *visitor.NewProfile())
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertWrapsErrors(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO visits").WillReturnError(errors.New("connection reset"))

	store := newStoreWithQuerier(mock)
	err = store.Insert(context.Background(), FromProfile("sess-1", decidedProfile(t, time.Now())))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "visits: failed to insert visit")
}

func TestListRecentClampsLimit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rows := mock.NewRows(columns).
		AddRow("11111111-1111-1111-1111-111111111111", "sess-2", int64(1), "call_security", "forced", 1.0,
			"threat level high: dangerous_object", "high", []string{"dangerous_object"}, "", "", "", "",
			"unvalidated", at.Add(time.Minute)).
		AddRow("22222222-2222-2222-2222-222222222222", "sess-1", int64(0), "allow_entry", "model", 0.92,
			"expected delivery", "none", []string{}, "Alex", "delivery", "", "Maria Lopez", "matched", at)
	mock.ExpectQuery("FROM visits ORDER BY created_at DESC LIMIT").
		WithArgs(maxListLimit).
		WillReturnRows(rows)

	store := newStoreWithQuerier(mock)
	out, err := store.ListRecent(context.Background(), 10000)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, visitor.DecisionCallSecurity, out[0].Decision)
	assert.Equal(t, visitor.SourceForced, out[0].DecisionSource)
	assert.EqualValues(t, 1, out[0].Generation)
	assert.Equal(t, []string{"dangerous_object"}, out[0].Indicators)
	assert.Equal(t, visitor.ContactMatched, out[1].ContactStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBySessionNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM visits WHERE session_id").
		WithArgs("missing").
		WillReturnRows(mock.NewRows(columns))

	store := newStoreWithQuerier(mock)
	_, err = store.GetBySession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrVisitNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
