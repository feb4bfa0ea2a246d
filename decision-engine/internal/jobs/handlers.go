package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ILLUVRSE/adops/decision-engine/internal/audit"
	"github.com/ILLUVRSE/adops/decision-engine/internal/executor"
	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
	"github.com/ILLUVRSE/adops/decision-engine/internal/store"
)

// ExecutionKey is the idempotency key of the execute_operation task for op. It depends only on
// the operation, so every job and attempt for op carries the same key to the ads platform.
func ExecutionKey(op models.Operation) (string, error) {
	payload, err := json.Marshal(models.ExecuteOperationPayload{OperationID: op.ID})
	if err != nil {
		return "", err
	}
	return IdempotencyKey(models.JobTypeExecuteOperation, op.EntityID, json.RawMessage(payload))
}

// ExecuteOperationHandler applies an approved operation through exec under ExecutionKey.
// Concurrent jobs for one operation share a single executor call, and a job other than the one
// attached to the operation is refused.
func ExecuteOperationHandler(ops store.OperationStore, exec executor.ActionExecutor) Handler {
	var inflight singleflight.Group
	return HandlerFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		var payload models.ExecuteOperationPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, Permanent(fmt.Errorf("decode payload: %w", err))
		}
		op, err := loadOperation(ctx, ops, payload.OperationID)
		if err != nil {
			return nil, err
		}
		if op.JobID != nil && *op.JobID != job.ID {
			return nil, Permanent(fmt.Errorf("operation %s is executed by job %s", op.ID, *op.JobID))
		}
		switch op.Status {
		case models.OperationApproved:
		case models.OperationExecuted:
			// a previous attempt already applied it
			return json.Marshal(op.Result)
		default:
			return nil, Permanent(fmt.Errorf("operation %s is %s, not approved", op.ID, op.Status))
		}
		key, err := ExecutionKey(op)
		if err != nil {
			return nil, Permanent(fmt.Errorf("derive execution key: %w", err))
		}

		v, err, _ := inflight.Do(key, func() (interface{}, error) {
			res, err := exec.Execute(ctx, executor.ActionRequest{
				OperationID:    op.ID,
				EntityID:       op.EntityID,
				Action:         op.Action,
				Params:         op.Params,
				IdempotencyKey: key,
			})
			if err != nil {
				if errors.Is(err, executor.ErrRejected) {
					return nil, Permanent(err)
				}
				return nil, err
			}
			b, err := json.Marshal(res)
			return json.RawMessage(b), err
		})
		if err != nil {
			return nil, err
		}
		return v.(json.RawMessage), nil
	})
}

// ArchiveOperationHandler uploads the operation record and returns the object key.
func ArchiveOperationHandler(ops store.OperationStore, archiver audit.Archiver) Handler {
	return HandlerFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		var payload models.ArchiveOperationPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, Permanent(fmt.Errorf("decode payload: %w", err))
		}
		op, err := loadOperation(ctx, ops, payload.OperationID)
		if err != nil {
			return nil, err
		}
		key, err := archiver.ArchiveOperation(ctx, op)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"key": key})
	})
}

func loadOperation(ctx context.Context, ops store.OperationStore, id uuid.UUID) (models.Operation, error) {
	if id == uuid.Nil {
		return models.Operation{}, Permanent(errors.New("payload has no operation id"))
	}
	op, err := ops.GetOperation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Operation{}, Permanent(fmt.Errorf("operation %s not found", id))
		}
		return models.Operation{}, fmt.Errorf("load operation: %w", err)
	}
	return op, nil
}
