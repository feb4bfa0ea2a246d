package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional update finds the row in an unexpected state.
	ErrConflict = errors.New("state conflict")
)

type OperationStore interface {
	CreateOperation(ctx context.Context, in OperationInput) (models.Operation, error)
	GetOperation(ctx context.Context, id uuid.UUID) (models.Operation, error)
	ListOperations(ctx context.Context, filter ListOperationsFilter) ([]models.Operation, error)
	TransitionOperation(ctx context.Context, in OperationTransition) (models.Operation, error)
	SetApprovalRef(ctx context.Context, id uuid.UUID, ref string) error
	AttachJob(ctx context.Context, id, jobID uuid.UUID) error
	// LatestExecutedOperation returns the most recently executed operation for the entity.
	LatestExecutedOperation(ctx context.Context, entityID string) (models.Operation, error)
	// InFlightOperation returns a pending or approved operation for the entity, if any.
	InFlightOperation(ctx context.Context, entityID string) (models.Operation, error)
}

type JobStore interface {
	// CreateJobIfAbsent inserts the job unless one with the same idempotency key exists,
	// in which case the existing job is returned with created=false.
	CreateJobIfAbsent(ctx context.Context, in JobInput) (job models.Job, created bool, err error)
	GetJob(ctx context.Context, id uuid.UUID) (models.Job, error)
	// ClaimJob moves a queued, or failed but retryable, job to running and counts the attempt.
	ClaimJob(ctx context.Context, id uuid.UUID) (models.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID, result json.RawMessage) (models.Job, error)
	FailJob(ctx context.Context, id uuid.UUID, errMsg string, permanent bool) (models.Job, error)
	CancelJob(ctx context.Context, id uuid.UUID) (models.Job, error)
	// RequeueJob resets a failed job to queued with a fresh attempt budget.
	RequeueJob(ctx context.Context, id uuid.UUID) (models.Job, error)
}

type Store interface {
	OperationStore
	JobStore
	Ping(ctx context.Context) error
}

type OperationInput struct {
	ID               uuid.UUID
	EntityID         string
	PolicyID         string
	Action           models.ActionKind
	Params           models.ActionParams
	Reason           string
	ScoreSnapshot    *models.ScoringResult
	Status           models.OperationStatus
	RequiresApproval bool
	DecidedBy        string
	RetryOf          *uuid.UUID
}

// OperationTransition is a compare-and-set on status. Empty optional fields leave the
// stored value unchanged.
type OperationTransition struct {
	ID           uuid.UUID
	From         models.OperationStatus
	To           models.OperationStatus
	DecidedBy    string
	RejectReason string
	LastError    string
	Result       *models.ActionResult
	ExecutedAt   *time.Time
}

type ListOperationsFilter struct {
	EntityID string
	Status   models.OperationStatus
	Limit    int
	Offset   int
}

type JobInput struct {
	ID             uuid.UUID
	Type           string
	Payload        json.RawMessage
	IdempotencyKey string
	Priority       int
	MaxAttempts    int
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}
