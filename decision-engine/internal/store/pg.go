package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
)

const operationColumns = `id, entity_id, policy_id, action, params, reason, score_snapshot, status,
	requires_approval, approval_ref, decided_by, reject_reason, job_id, retry_of, last_error, result,
	created_at, updated_at, executed_at`

const jobColumns = `id, type, payload, idempotency_key, status, priority, attempts, max_attempts,
	permanent, last_error, result, created_at, updated_at, started_at, finished_at`

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (models.Operation, error) {
	var (
		op         models.Operation
		params     []byte
		snapshot   []byte
		result     []byte
		jobID      uuid.NullUUID
		retryOf    uuid.NullUUID
		executedAt sql.NullTime
	)
	if err := row.Scan(
		&op.ID,
		&op.EntityID,
		&op.PolicyID,
		&op.Action,
		&params,
		&op.Reason,
		&snapshot,
		&op.Status,
		&op.RequiresApproval,
		&op.ApprovalRef,
		&op.DecidedBy,
		&op.RejectReason,
		&jobID,
		&retryOf,
		&op.LastError,
		&result,
		&op.CreatedAt,
		&op.UpdatedAt,
		&executedAt,
	); err != nil {
		return models.Operation{}, err
	}
	if err := json.Unmarshal(params, &op.Params); err != nil {
		return models.Operation{}, fmt.Errorf("decode params: %w", err)
	}
	if len(snapshot) > 0 {
		op.ScoreSnapshot = &models.ScoringResult{}
		if err := json.Unmarshal(snapshot, op.ScoreSnapshot); err != nil {
			return models.Operation{}, fmt.Errorf("decode score snapshot: %w", err)
		}
	}
	if len(result) > 0 {
		op.Result = &models.ActionResult{}
		if err := json.Unmarshal(result, op.Result); err != nil {
			return models.Operation{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if jobID.Valid {
		id := jobID.UUID
		op.JobID = &id
	}
	if retryOf.Valid {
		id := retryOf.UUID
		op.RetryOf = &id
	}
	if executedAt.Valid {
		t := executedAt.Time
		op.ExecutedAt = &t
	}
	return op, nil
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job        models.Job
		payload    []byte
		result     []byte
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	if err := row.Scan(
		&job.ID,
		&job.Type,
		&payload,
		&job.IdempotencyKey,
		&job.Status,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.Permanent,
		&job.LastError,
		&result,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		return models.Job{}, err
	}
	job.Payload = append(json.RawMessage(nil), payload...)
	if len(result) > 0 {
		job.Result = append(json.RawMessage(nil), result...)
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return job, nil
}

// marshalOptional returns an untyped nil so the driver writes SQL NULL.
func marshalOptional(v any, present bool) (interface{}, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *PGStore) CreateOperation(ctx context.Context, in OperationInput) (models.Operation, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	params, err := json.Marshal(in.Params)
	if err != nil {
		return models.Operation{}, fmt.Errorf("encode params: %w", err)
	}
	snapshot, err := marshalOptional(in.ScoreSnapshot, in.ScoreSnapshot != nil)
	if err != nil {
		return models.Operation{}, fmt.Errorf("encode score snapshot: %w", err)
	}
	query := `
		INSERT INTO operations (id, entity_id, policy_id, action, params, reason, score_snapshot, status, requires_approval, decided_by, retry_of)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING ` + operationColumns
	row := s.db.QueryRowContext(ctx, query,
		in.ID, in.EntityID, in.PolicyID, in.Action, params, in.Reason, snapshot,
		in.Status, in.RequiresApproval, in.DecidedBy, uuidPtr(in.RetryOf))
	op, err := scanOperation(row)
	if err != nil {
		if isUniqueViolation(err, inFlightIndex) {
			return models.Operation{}, fmt.Errorf("%w: entity %s already has an operation in flight", ErrConflict, in.EntityID)
		}
		return models.Operation{}, fmt.Errorf("insert operation: %w", err)
	}
	return op, nil
}

// inFlightIndex is the partial unique index holding one pending or approved operation per entity.
const inFlightIndex = "idx_operations_entity_in_flight"

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == constraint
}

func (s *PGStore) GetOperation(ctx context.Context, id uuid.UUID) (models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id=$1`
	op, err := scanOperation(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Operation{}, ErrNotFound
		}
		return models.Operation{}, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

func (s *PGStore) ListOperations(ctx context.Context, filter ListOperationsFilter) ([]models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.EntityID != "" {
		query += fmt.Sprintf(" AND entity_id = $%d", argPos)
		args = append(args, filter.EntityID)
		argPos++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query += fmt.Sprintf(" OFFSET $%d", argPos)
	args = append(args, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *PGStore) TransitionOperation(ctx context.Context, in OperationTransition) (models.Operation, error) {
	if !models.CanTransition(in.From, in.To) {
		return models.Operation{}, fmt.Errorf("%w: %s -> %s not allowed", ErrConflict, in.From, in.To)
	}
	result, err := marshalOptional(in.Result, in.Result != nil)
	if err != nil {
		return models.Operation{}, fmt.Errorf("encode result: %w", err)
	}
	var executedAt interface{}
	if in.ExecutedAt != nil {
		executedAt = *in.ExecutedAt
	}
	query := `
		UPDATE operations
		SET status=$3,
			decided_by=COALESCE(NULLIF($4, ''), decided_by),
			reject_reason=COALESCE(NULLIF($5, ''), reject_reason),
			last_error=COALESCE(NULLIF($6, ''), last_error),
			result=COALESCE($7::jsonb, result),
			executed_at=COALESCE($8::timestamptz, executed_at),
			updated_at=NOW()
		WHERE id=$1 AND status=$2
		RETURNING ` + operationColumns
	op, err := scanOperation(s.db.QueryRowContext(ctx, query,
		in.ID, in.From, in.To, in.DecidedBy, in.RejectReason, in.LastError, result, executedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.operationMiss(ctx, in.ID, in.From)
		}
		return models.Operation{}, fmt.Errorf("transition operation: %w", err)
	}
	return op, nil
}

// operationMiss tells a missing row apart from a failed compare-and-set. On conflict the
// current row is returned with the error.
func (s *PGStore) operationMiss(ctx context.Context, id uuid.UUID, want models.OperationStatus) (models.Operation, error) {
	current, err := s.GetOperation(ctx, id)
	if err != nil {
		return models.Operation{}, err
	}
	return current, fmt.Errorf("%w: operation %s is %s, expected %s", ErrConflict, id, current.Status, want)
}

func (s *PGStore) SetApprovalRef(ctx context.Context, id uuid.UUID, ref string) error {
	return s.execOne(ctx, `UPDATE operations SET approval_ref=$2, updated_at=NOW() WHERE id=$1`, id, ref)
}

func (s *PGStore) AttachJob(ctx context.Context, id, jobID uuid.UUID) error {
	return s.execOne(ctx, `UPDATE operations SET job_id=$2, updated_at=NOW() WHERE id=$1`, id, jobID)
}

func (s *PGStore) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) LatestExecutedOperation(ctx context.Context, entityID string) (models.Operation, error) {
	query := `SELECT ` + operationColumns + `
		FROM operations
		WHERE entity_id=$1 AND status='executed'
		ORDER BY executed_at DESC NULLS LAST, created_at DESC
		LIMIT 1`
	op, err := scanOperation(s.db.QueryRowContext(ctx, query, entityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Operation{}, ErrNotFound
		}
		return models.Operation{}, fmt.Errorf("latest executed operation: %w", err)
	}
	return op, nil
}

func (s *PGStore) InFlightOperation(ctx context.Context, entityID string) (models.Operation, error) {
	query := `SELECT ` + operationColumns + `
		FROM operations
		WHERE entity_id=$1 AND status IN ('pending','approved')
		ORDER BY created_at DESC
		LIMIT 1`
	op, err := scanOperation(s.db.QueryRowContext(ctx, query, entityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Operation{}, ErrNotFound
		}
		return models.Operation{}, fmt.Errorf("in-flight operation: %w", err)
	}
	return op, nil
}

func (s *PGStore) CreateJobIfAbsent(ctx context.Context, in JobInput) (models.Job, bool, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO jobs (id, type, payload, idempotency_key, status, priority, attempts, max_attempts)
		VALUES ($1,$2,$3,$4,'queued',$5,0,$6)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + jobColumns
	job, err := scanJob(s.db.QueryRowContext(ctx, query,
		in.ID, in.Type, ensureJSON(in.Payload, "{}"), in.IdempotencyKey, in.Priority, in.MaxAttempts))
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	existing, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key=$1`, in.IdempotencyKey))
	if err != nil {
		return models.Job{}, false, fmt.Errorf("load job by idempotency key: %w", err)
	}
	return existing, false, nil
}

func (s *PGStore) GetJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PGStore) ClaimJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	query := `
		UPDATE jobs
		SET status='running', attempts=attempts+1, started_at=NOW(), finished_at=NULL, updated_at=NOW()
		WHERE id=$1
		  AND (status='queued' OR (status='failed' AND NOT permanent AND attempts < max_attempts))
		RETURNING ` + jobColumns
	return s.updateJob(ctx, "claim job", query, id)
}

func (s *PGStore) CompleteJob(ctx context.Context, id uuid.UUID, result json.RawMessage) (models.Job, error) {
	query := `
		UPDATE jobs
		SET status='completed', result=$2, last_error='', finished_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='running'
		RETURNING ` + jobColumns
	return s.updateJob(ctx, "complete job", query, id, ensureJSON(result, "{}"))
}

func (s *PGStore) FailJob(ctx context.Context, id uuid.UUID, errMsg string, permanent bool) (models.Job, error) {
	query := `
		UPDATE jobs
		SET status='failed', last_error=$2, permanent=$3, finished_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='running'
		RETURNING ` + jobColumns
	return s.updateJob(ctx, "fail job", query, id, errMsg, permanent)
}

func (s *PGStore) CancelJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	query := `
		UPDATE jobs
		SET status='cancelled', finished_at=COALESCE(finished_at, NOW()), updated_at=NOW()
		WHERE id=$1 AND status IN ('queued','running','failed')
		RETURNING ` + jobColumns
	return s.updateJob(ctx, "cancel job", query, id)
}

func (s *PGStore) RequeueJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	query := `
		UPDATE jobs
		SET status='queued', attempts=0, permanent=FALSE, finished_at=NULL, updated_at=NOW()
		WHERE id=$1 AND status='failed'
		RETURNING ` + jobColumns
	return s.updateJob(ctx, "requeue job", query, id)
}

func (s *PGStore) updateJob(ctx context.Context, op, query string, args ...interface{}) (models.Job, error) {
	id := args[0].(uuid.UUID)
	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			current, getErr := s.GetJob(ctx, id)
			if getErr != nil {
				return models.Job{}, getErr
			}
			return current, fmt.Errorf("%w: %s: job %s is %s", ErrConflict, op, id, current.Status)
		}
		return models.Job{}, fmt.Errorf("%s: %w", op, err)
	}
	return job, nil
}

func uuidPtr(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return *id
}
