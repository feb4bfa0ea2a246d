package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
)

var jobCols = []string{"id", "type", "payload", "idempotency_key", "status", "priority", "attempts",
	"max_attempts", "permanent", "last_error", "result", "created_at", "updated_at", "started_at", "finished_at"}

var operationCols = []string{"id", "entity_id", "policy_id", "action", "params", "reason", "score_snapshot",
	"status", "requires_approval", "approval_ref", "decided_by", "reject_reason", "job_id", "retry_of",
	"last_error", "result", "created_at", "updated_at", "executed_at"}

func jobRow(id uuid.UUID, key string, status models.JobStatus, attempts int) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(jobCols).AddRow(
		id.String(), models.JobTypeExecuteOperation, []byte(`{"operationId":"x"}`), key, string(status),
		0, attempts, 3, false, "", nil, now, now, nil, nil)
}

func operationRow(id uuid.UUID, status models.OperationStatus) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(operationCols).AddRow(
		id.String(), "adset-1", "default", "pause",
		[]byte(`{"kind":"pause","status":{"from":"ACTIVE","to":"PAUSED"}}`), "score 10",
		[]byte(`{"finalScore":10,"baseScore":10,"momentumBonus":0,"stage":"Learning","subScores":{},"contributions":{}}`),
		string(status), true, "", "", "", nil, nil, "", nil, now, now, nil)
}

func newMock(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGCreateJobIfAbsentInserts(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()
	mock.ExpectQuery("INSERT INTO jobs").
		WithArgs(sqlmock.AnyArg(), models.JobTypeExecuteOperation, sqlmock.AnyArg(), "key-1", 0, 3).
		WillReturnRows(jobRow(id, "key-1", models.JobQueued, 0))

	job, created, err := s.CreateJobIfAbsent(context.Background(), JobInput{
		ID: id, Type: models.JobTypeExecuteOperation, IdempotencyKey: "key-1", MaxAttempts: 3,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, models.JobQueued, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCreateJobIfAbsentReturnsExisting(t *testing.T) {
	s, mock := newMock(t)
	existing := uuid.New()
	mock.ExpectQuery("INSERT INTO jobs").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM jobs WHERE idempotency_key").
		WithArgs("key-1").
		WillReturnRows(jobRow(existing, "key-1", models.JobCompleted, 1))

	job, created, err := s.CreateJobIfAbsent(context.Background(), JobInput{
		Type: models.JobTypeExecuteOperation, IdempotencyKey: "key-1", MaxAttempts: 3,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existing, job.ID)
	assert.Equal(t, 1, job.Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGClaimJobConflict(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()
	mock.ExpectQuery("UPDATE jobs").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM jobs WHERE id").WillReturnRows(jobRow(id, "k", models.JobCompleted, 1))

	job, err := s.ClaimJob(context.Background(), id)
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, models.JobCompleted, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGClaimJobMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("UPDATE jobs").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM jobs WHERE id").WillReturnError(sql.ErrNoRows)

	_, err := s.ClaimJob(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPGGetOperationDecodesJSON(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()
	mock.ExpectQuery("FROM operations WHERE id").WillReturnRows(operationRow(id, models.OperationPending))

	op, err := s.GetOperation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionPause, op.Action)
	require.NotNil(t, op.Params.Status)
	assert.Equal(t, models.EntityStatusPaused, op.Params.Status.To)
	require.NotNil(t, op.ScoreSnapshot)
	assert.Equal(t, 10.0, op.ScoreSnapshot.FinalScore)
	assert.Nil(t, op.JobID)
	assert.Nil(t, op.ExecutedAt)
}

func TestPGTransitionOperationConflict(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()
	mock.ExpectQuery("UPDATE operations").
		WithArgs(sqlmock.AnyArg(), models.OperationPending, models.OperationRejected, "alice", "too risky", "", nil, nil).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM operations WHERE id").WillReturnRows(operationRow(id, models.OperationApproved))

	op, err := s.TransitionOperation(context.Background(), OperationTransition{
		ID: id, From: models.OperationPending, To: models.OperationRejected,
		DecidedBy: "alice", RejectReason: "too risky",
	})
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, models.OperationApproved, op.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGTransitionRejectsIllegalEdge(t *testing.T) {
	s, mock := newMock(t)
	_, err := s.TransitionOperation(context.Background(), OperationTransition{
		ID: uuid.New(), From: models.OperationRejected, To: models.OperationApproved,
	})
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCreateOperationPrimaryKeyCollisionIsNotInFlight(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("INSERT INTO operations").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint",
			Constraint: "operations_pkey"})

	_, err := s.CreateOperation(context.Background(), OperationInput{
		EntityID: "adset-1",
		Action:   models.ActionPause,
		Params:   models.ActionParams{Kind: models.ActionPause, Status: &models.StatusChange{From: "ACTIVE", To: "PAUSED"}},
		Status:   models.OperationPending,
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.NotContains(t, err.Error(), "in flight")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAttachJobMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("UPDATE operations SET job_id").WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.AttachJob(context.Background(), uuid.New(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPGLatestExecutedOperationNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("status='executed'").WithArgs("adset-1").WillReturnError(sql.ErrNoRows)
	_, err := s.LatestExecutedOperation(context.Background(), "adset-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPGCreateOperationInFlightConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("INSERT INTO operations").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint",
			Constraint: "idx_operations_entity_in_flight"})

	_, err := s.CreateOperation(context.Background(), OperationInput{
		EntityID: "adset-1",
		Action:   models.ActionPause,
		Params:   models.ActionParams{Kind: models.ActionPause, Status: &models.StatusChange{From: "ACTIVE", To: "PAUSED"}},
		Status:   models.OperationPending,
	})
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}
