// Package approval owns the Operation state machine: proposal, human or automatic approval,
// rejection, and the outcome of execution.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/adops/decision-engine/internal/jobs"
	"github.com/ILLUVRSE/adops/decision-engine/internal/metrics"
	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
	"github.com/ILLUVRSE/adops/decision-engine/internal/store"
)

const ActorAutoApprove = "system:auto-approve"

var (
	ErrInvalidInput      = errors.New("invalid operation input")
	ErrInvalidTransition = errors.New("invalid operation transition")
)

// Channel notifies humans of pending operations and of their final state. Failures are logged
// and never block the workflow.
type Channel interface {
	Notify(ctx context.Context, op models.Operation) (ref string, err error)
	UpdateStatus(ctx context.Context, ref string, op models.Operation) error
}

type ProposeInput struct {
	EntityID         string
	PolicyID         string
	Action           models.ActionKind
	Params           models.ActionParams
	Reason           string
	Score            *models.ScoringResult
	RequiresApproval bool
}

type Option func(*Workflow)

func WithChannel(c Channel) Option           { return func(w *Workflow) { w.channel = c } }
func WithLogger(l *slog.Logger) Option       { return func(w *Workflow) { w.logger = l } }
func WithMetrics(m *metrics.Metrics) Option  { return func(w *Workflow) { w.metrics = m } }
func WithClock(now func() time.Time) Option  { return func(w *Workflow) { w.now = now } }
func WithArchive(enabled bool) Option        { return func(w *Workflow) { w.archive = enabled } }
func WithAttempts(f func(string) int) Option { return func(w *Workflow) { w.attempts = f } }

type Workflow struct {
	ops      store.OperationStore
	pipeline *jobs.Pipeline
	channel  Channel
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	archive  bool
	// attempts resolves the execution attempt budget for a policy id.
	attempts func(policyID string) int
}

// New wires the workflow to the pipeline: execution outcomes flow back through OnJobFinished.
func New(ops store.OperationStore, pipeline *jobs.Pipeline, opts ...Option) *Workflow {
	w := &Workflow{
		ops:      ops,
		pipeline: pipeline,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		attempts: func(string) int { return jobs.DefaultMaxAttempts },
	}
	for _, opt := range opts {
		opt(w)
	}
	pipeline.AddHook(w)
	return w
}

// Propose records a pending operation. Operations that need no approval are approved by
// ActorAutoApprove straight away; the rest are announced on the channel.
func (w *Workflow) Propose(ctx context.Context, in ProposeInput) (models.Operation, error) {
	if in.EntityID == "" {
		return models.Operation{}, fmt.Errorf("%w: entity id required", ErrInvalidInput)
	}
	if !in.Action.Valid() || in.Params.Kind != in.Action {
		return models.Operation{}, fmt.Errorf("%w: action %q does not match params %q", ErrInvalidInput, in.Action, in.Params.Kind)
	}
	if err := in.Params.Validate(); err != nil {
		return models.Operation{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	op, err := w.ops.CreateOperation(ctx, store.OperationInput{
		EntityID:         in.EntityID,
		PolicyID:         in.PolicyID,
		Action:           in.Action,
		Params:           in.Params,
		Reason:           in.Reason,
		ScoreSnapshot:    in.Score,
		Status:           models.OperationPending,
		RequiresApproval: in.RequiresApproval,
	})
	if err != nil {
		return models.Operation{}, fmt.Errorf("create operation: %w", err)
	}
	w.metrics.RecordTransition(string(models.OperationPending))
	w.logger.InfoContext(ctx, "operation proposed",
		"operation_id", op.ID, "entity_id", op.EntityID, "action", op.Action,
		"before", op.BeforeValue(), "after", op.AfterValue(), "requires_approval", op.RequiresApproval)

	if !in.RequiresApproval {
		return w.Approve(ctx, op.ID, ActorAutoApprove)
	}

	if w.channel != nil {
		ref, err := w.channel.Notify(ctx, op)
		if err != nil {
			w.metrics.RecordChannelError("notify")
			w.logger.WarnContext(ctx, "approval notify failed", "operation_id", op.ID, "error", err)
			return op, nil
		}
		if ref != "" {
			if err := w.ops.SetApprovalRef(ctx, op.ID, ref); err != nil {
				w.logger.WarnContext(ctx, "store approval ref", "operation_id", op.ID, "error", err)
			} else {
				op.ApprovalRef = ref
			}
		}
	}
	return op, nil
}

// Approve moves a pending operation to approved and submits its execution job.
func (w *Workflow) Approve(ctx context.Context, id uuid.UUID, actor string) (models.Operation, error) {
	op, err := w.transition(ctx, store.OperationTransition{
		ID: id, From: models.OperationPending, To: models.OperationApproved, DecidedBy: actor,
	})
	if err != nil {
		return op, err
	}
	w.logger.InfoContext(ctx, "operation approved", "operation_id", id, "decided_by", actor)
	return w.submitExecution(ctx, op)
}

// Reject closes a pending operation. Only pending operations can be rejected.
func (w *Workflow) Reject(ctx context.Context, id uuid.UUID, actor, reason string) (models.Operation, error) {
	op, err := w.transition(ctx, store.OperationTransition{
		ID: id, From: models.OperationPending, To: models.OperationRejected,
		DecidedBy: actor, RejectReason: reason,
	})
	if err != nil {
		return op, err
	}
	w.logger.InfoContext(ctx, "operation rejected", "operation_id", id, "decided_by", actor, "reason", reason)
	w.finalize(ctx, op, actor)
	return op, nil
}

// OnExecutionResult records the outcome of an approved operation. Repeating the outcome already
// recorded is a no-op; contradicting it is ErrInvalidTransition.
func (w *Workflow) OnExecutionResult(ctx context.Context, id uuid.UUID, ok bool, result *models.ActionResult, execErr string) (models.Operation, error) {
	tr := store.OperationTransition{ID: id, From: models.OperationApproved, To: models.OperationFailed, LastError: execErr}
	if ok {
		now := w.now()
		tr.To = models.OperationExecuted
		tr.Result = result
		tr.ExecutedAt = &now
		tr.LastError = ""
	} else if tr.LastError == "" {
		tr.LastError = "execution failed"
	}

	op, err := w.ops.TransitionOperation(ctx, tr)
	if err != nil {
		if errors.Is(err, store.ErrConflict) && op.Status == tr.To {
			return op, nil
		}
		return op, w.mapErr(err)
	}
	w.metrics.RecordTransition(string(op.Status))
	w.logger.InfoContext(ctx, "operation finished",
		"operation_id", id, "entity_id", op.EntityID, "status", op.Status, "error", op.LastError)
	w.finalize(ctx, op, "")
	return op, nil
}

// Retry re-runs a failed operation as a new approved operation linked through RetryOf. The
// failed record is left untouched.
func (w *Workflow) Retry(ctx context.Context, id uuid.UUID, actor string) (models.Operation, error) {
	orig, err := w.ops.GetOperation(ctx, id)
	if err != nil {
		return models.Operation{}, err
	}
	if orig.Status != models.OperationFailed {
		return orig, fmt.Errorf("%w: operation %s is %s, only failed operations can be retried", ErrInvalidTransition, id, orig.Status)
	}
	retryOf := orig.ID
	op, err := w.ops.CreateOperation(ctx, store.OperationInput{
		EntityID:         orig.EntityID,
		PolicyID:         orig.PolicyID,
		Action:           orig.Action,
		Params:           orig.Params,
		Reason:           orig.Reason,
		ScoreSnapshot:    orig.ScoreSnapshot,
		Status:           models.OperationApproved,
		RequiresApproval: orig.RequiresApproval,
		DecidedBy:        actor,
		RetryOf:          &retryOf,
	})
	if err != nil {
		return models.Operation{}, fmt.Errorf("create retry operation: %w", err)
	}
	w.metrics.RecordTransition(string(models.OperationApproved))
	w.logger.InfoContext(ctx, "operation retried", "operation_id", op.ID, "retry_of", id, "decided_by", actor)
	return w.submitExecution(ctx, op)
}

func (w *Workflow) Get(ctx context.Context, id uuid.UUID) (models.Operation, error) {
	return w.ops.GetOperation(ctx, id)
}

func (w *Workflow) transition(ctx context.Context, tr store.OperationTransition) (models.Operation, error) {
	op, err := w.ops.TransitionOperation(ctx, tr)
	if err != nil {
		return op, w.mapErr(err)
	}
	w.metrics.RecordTransition(string(op.Status))
	return op, nil
}

func (w *Workflow) mapErr(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	return err
}

// submitExecution hands an approved operation to the pipeline. When the job cannot be created
// the operation fails so it does not stay in flight forever.
func (w *Workflow) submitExecution(ctx context.Context, op models.Operation) (models.Operation, error) {
	payload, err := json.Marshal(models.ExecuteOperationPayload{OperationID: op.ID})
	if err != nil {
		return op, fmt.Errorf("encode execute payload: %w", err)
	}
	key, err := jobs.ExecutionKey(op)
	if err != nil {
		return op, fmt.Errorf("derive execution key: %w", err)
	}
	job, _, err := w.pipeline.Submit(ctx, jobs.SubmitInput{
		Type:           models.JobTypeExecuteOperation,
		Payload:        payload,
		IdempotencyKey: key,
		OwnerID:        op.EntityID,
		MaxAttempts:    w.attempts(op.PolicyID),
	})
	if err != nil {
		failed, ferr := w.OnExecutionResult(ctx, op.ID, false, nil, fmt.Sprintf("submit execution: %v", err))
		if ferr != nil {
			w.logger.ErrorContext(ctx, "mark operation failed", "operation_id", op.ID, "error", ferr)
			return op, fmt.Errorf("submit execution: %w", err)
		}
		return failed, fmt.Errorf("submit execution: %w", err)
	}
	if err := w.ops.AttachJob(ctx, op.ID, job.ID); err != nil {
		w.logger.WarnContext(ctx, "attach job to operation", "operation_id", op.ID, "job_id", job.ID, "error", err)
	}
	// inline execution may already have moved the operation on
	return w.ops.GetOperation(ctx, op.ID)
}

// OnJobFinished maps execute_operation job outcomes onto the operation. Outcomes of a job other
// than the one attached to the operation are ignored.
func (w *Workflow) OnJobFinished(ctx context.Context, ev jobs.Event) {
	if ev.Job.Type != models.JobTypeExecuteOperation {
		return
	}
	var payload models.ExecuteOperationPayload
	if err := json.Unmarshal(ev.Job.Payload, &payload); err != nil {
		w.logger.ErrorContext(ctx, "decode execute payload", "job_id", ev.Job.ID, "error", err)
		return
	}
	if op, err := w.ops.GetOperation(ctx, payload.OperationID); err == nil && op.JobID != nil && *op.JobID != ev.Job.ID {
		w.logger.WarnContext(ctx, "ignoring outcome of detached execute job",
			"job_id", ev.Job.ID, "operation_id", op.ID, "attached_job_id", *op.JobID, "outcome", ev.Outcome)
		return
	}

	var err error
	switch ev.Outcome {
	case jobs.OutcomeCompleted:
		var res models.ActionResult
		if len(ev.Result) > 0 {
			if uerr := json.Unmarshal(ev.Result, &res); uerr != nil {
				w.logger.WarnContext(ctx, "decode action result", "job_id", ev.Job.ID, "error", uerr)
			}
		}
		_, err = w.OnExecutionResult(ctx, payload.OperationID, true, &res, "")
	case jobs.OutcomeFailed:
		msg := ev.Job.LastError
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		_, err = w.OnExecutionResult(ctx, payload.OperationID, false, nil, msg)
	case jobs.OutcomeCancelled:
		_, err = w.OnExecutionResult(ctx, payload.OperationID, false, nil, "execution cancelled")
	default:
		return
	}
	if err != nil {
		w.logger.WarnContext(ctx, "apply job outcome to operation",
			"job_id", ev.Job.ID, "operation_id", payload.OperationID, "outcome", ev.Outcome, "error", err)
	}
}

// finalize reports a terminal operation to the channel and queues its archive copy.
func (w *Workflow) finalize(ctx context.Context, op models.Operation, actor string) {
	if w.channel != nil && op.ApprovalRef != "" {
		if err := w.channel.UpdateStatus(ctx, op.ApprovalRef, op); err != nil {
			w.metrics.RecordChannelError("update_status")
			w.logger.WarnContext(ctx, "approval status update failed", "operation_id", op.ID, "actor", actor, "error", err)
		}
	}
	if !w.archive {
		return
	}
	payload, err := json.Marshal(models.ArchiveOperationPayload{OperationID: op.ID, Status: op.Status})
	if err != nil {
		return
	}
	if _, _, err := w.pipeline.Submit(ctx, jobs.SubmitInput{
		Type:    models.JobTypeArchiveOperation,
		Payload: payload,
		OwnerID: op.EntityID,
	}); err != nil {
		w.logger.WarnContext(ctx, "submit archive job", "operation_id", op.ID, "error", err)
	}
}
