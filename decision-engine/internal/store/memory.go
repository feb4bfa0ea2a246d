package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
)

type MemoryStore struct {
	mu         sync.RWMutex
	operations map[uuid.UUID]models.Operation
	jobs       map[uuid.UUID]models.Job
	jobKeys    map[string]uuid.UUID
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		operations: map[uuid.UUID]models.Operation{},
		jobs:       map[uuid.UUID]models.Job{},
		jobKeys:    map[string]uuid.UUID{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source, for tests that exercise time windows.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func copyJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		if fallback == "" {
			return nil
		}
		return json.RawMessage(fallback)
	}
	return append(json.RawMessage(nil), raw...)
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) CreateOperation(ctx context.Context, in OperationInput) (models.Operation, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := m.now()
	op := models.Operation{
		ID:               in.ID,
		EntityID:         in.EntityID,
		PolicyID:         in.PolicyID,
		Action:           in.Action,
		Params:           in.Params,
		Reason:           in.Reason,
		ScoreSnapshot:    in.ScoreSnapshot,
		Status:           in.Status,
		RequiresApproval: in.RequiresApproval,
		DecidedBy:        in.DecidedBy,
		RetryOf:          in.RetryOf,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.operations[op.ID]; exists {
		return models.Operation{}, fmt.Errorf("insert operation: duplicate id %s", op.ID)
	}
	if inFlight(op.Status) {
		for _, other := range m.operations {
			if other.EntityID == op.EntityID && inFlight(other.Status) {
				return models.Operation{}, fmt.Errorf("%w: entity %s already has operation %s in flight", ErrConflict, op.EntityID, other.ID)
			}
		}
	}
	m.operations[op.ID] = op
	return op, nil
}

func (m *MemoryStore) GetOperation(ctx context.Context, id uuid.UUID) (models.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.operations[id]
	if !ok {
		return models.Operation{}, ErrNotFound
	}
	return op, nil
}

func (m *MemoryStore) ListOperations(ctx context.Context, filter ListOperationsFilter) ([]models.Operation, error) {
	m.mu.RLock()
	var out []models.Operation
	for _, op := range m.operations {
		if filter.EntityID != "" && op.EntityID != filter.EntityID {
			continue
		}
		if filter.Status != "" && op.Status != filter.Status {
			continue
		}
		out = append(out, op)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return []models.Operation{}, nil
	}
	out = out[offset:]
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) TransitionOperation(ctx context.Context, in OperationTransition) (models.Operation, error) {
	if !models.CanTransition(in.From, in.To) {
		return models.Operation{}, fmt.Errorf("%w: %s -> %s not allowed", ErrConflict, in.From, in.To)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[in.ID]
	if !ok {
		return models.Operation{}, ErrNotFound
	}
	if op.Status != in.From {
		return op, fmt.Errorf("%w: operation %s is %s, expected %s", ErrConflict, in.ID, op.Status, in.From)
	}
	op.Status = in.To
	if in.DecidedBy != "" {
		op.DecidedBy = in.DecidedBy
	}
	if in.RejectReason != "" {
		op.RejectReason = in.RejectReason
	}
	if in.LastError != "" {
		op.LastError = in.LastError
	}
	if in.Result != nil {
		r := *in.Result
		op.Result = &r
	}
	if in.ExecutedAt != nil {
		t := *in.ExecutedAt
		op.ExecutedAt = &t
	}
	op.UpdatedAt = m.now()
	m.operations[op.ID] = op
	return op, nil
}

func (m *MemoryStore) SetApprovalRef(ctx context.Context, id uuid.UUID, ref string) error {
	return m.mutateOperation(id, func(op *models.Operation) { op.ApprovalRef = ref })
}

func (m *MemoryStore) AttachJob(ctx context.Context, id, jobID uuid.UUID) error {
	return m.mutateOperation(id, func(op *models.Operation) { op.JobID = &jobID })
}

func (m *MemoryStore) mutateOperation(id uuid.UUID, fn func(op *models.Operation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return ErrNotFound
	}
	fn(&op)
	op.UpdatedAt = m.now()
	m.operations[id] = op
	return nil
}

func (m *MemoryStore) LatestExecutedOperation(ctx context.Context, entityID string) (models.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest models.Operation
		found  bool
	)
	for _, op := range m.operations {
		if op.EntityID != entityID || op.Status != models.OperationExecuted {
			continue
		}
		if !found || executedTime(op).After(executedTime(latest)) {
			latest, found = op, true
		}
	}
	if !found {
		return models.Operation{}, ErrNotFound
	}
	return latest, nil
}

func executedTime(op models.Operation) time.Time {
	if op.ExecutedAt != nil {
		return *op.ExecutedAt
	}
	return op.CreatedAt
}

func (m *MemoryStore) InFlightOperation(ctx context.Context, entityID string) (models.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, op := range m.operations {
		if op.EntityID == entityID && inFlight(op.Status) {
			return op, nil
		}
	}
	return models.Operation{}, ErrNotFound
}

func inFlight(s models.OperationStatus) bool {
	return s == models.OperationPending || s == models.OperationApproved
}

func (m *MemoryStore) CreateJobIfAbsent(ctx context.Context, in JobInput) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.jobKeys[in.IdempotencyKey]; ok {
		return m.jobs[id], false, nil
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := m.now()
	job := models.Job{
		ID:             in.ID,
		Type:           in.Type,
		Payload:        copyJSON(in.Payload, "{}"),
		IdempotencyKey: in.IdempotencyKey,
		Status:         models.JobQueued,
		Priority:       in.Priority,
		MaxAttempts:    in.MaxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.jobs[job.ID] = job
	m.jobKeys[job.IdempotencyKey] = job.ID
	return job, true, nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

func (m *MemoryStore) ClaimJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	return m.mutateJob(id, "claim job", func(j models.Job) bool {
		return j.Status == models.JobQueued || (j.Status == models.JobFailed && !j.Exhausted())
	}, func(j *models.Job, now time.Time) {
		j.Status = models.JobRunning
		j.Attempts++
		j.StartedAt = &now
		j.FinishedAt = nil
	})
}

func (m *MemoryStore) CompleteJob(ctx context.Context, id uuid.UUID, result json.RawMessage) (models.Job, error) {
	return m.mutateJob(id, "complete job", isRunning, func(j *models.Job, now time.Time) {
		j.Status = models.JobCompleted
		j.Result = copyJSON(result, "{}")
		j.LastError = ""
		j.FinishedAt = &now
	})
}

func (m *MemoryStore) FailJob(ctx context.Context, id uuid.UUID, errMsg string, permanent bool) (models.Job, error) {
	return m.mutateJob(id, "fail job", isRunning, func(j *models.Job, now time.Time) {
		j.Status = models.JobFailed
		j.LastError = errMsg
		j.Permanent = permanent
		j.FinishedAt = &now
	})
}

func (m *MemoryStore) CancelJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	return m.mutateJob(id, "cancel job", func(j models.Job) bool {
		return j.Status == models.JobQueued || j.Status == models.JobRunning || j.Status == models.JobFailed
	}, func(j *models.Job, now time.Time) {
		j.Status = models.JobCancelled
		if j.FinishedAt == nil {
			j.FinishedAt = &now
		}
	})
}

func (m *MemoryStore) RequeueJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	return m.mutateJob(id, "requeue job", func(j models.Job) bool {
		return j.Status == models.JobFailed
	}, func(j *models.Job, now time.Time) {
		j.Status = models.JobQueued
		j.Attempts = 0
		j.Permanent = false
		j.FinishedAt = nil
	})
}

func isRunning(j models.Job) bool { return j.Status == models.JobRunning }

func (m *MemoryStore) mutateJob(id uuid.UUID, op string, allowed func(models.Job) bool, apply func(*models.Job, time.Time)) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if !allowed(job) {
		return job, fmt.Errorf("%w: %s: job %s is %s", ErrConflict, op, id, job.Status)
	}
	now := m.now()
	apply(&job, now)
	job.UpdatedAt = now
	m.jobs[id] = job
	return job, nil
}
