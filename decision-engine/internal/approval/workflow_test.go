package approval_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/adops/decision-engine/internal/approval"
	"github.com/ILLUVRSE/adops/decision-engine/internal/executor"
	"github.com/ILLUVRSE/adops/decision-engine/internal/jobs"
	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
	"github.com/ILLUVRSE/adops/decision-engine/internal/store"
)

type fakeChannel struct {
	mu        sync.Mutex
	notified  []models.Operation
	updates   map[string]models.OperationStatus
	notifyErr error
}

func (c *fakeChannel) Notify(_ context.Context, op models.Operation) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notifyErr != nil {
		return "", c.notifyErr
	}
	c.notified = append(c.notified, op)
	return "msg-" + op.ID.String()[:8], nil
}

func (c *fakeChannel) UpdateStatus(_ context.Context, ref string, op models.Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updates == nil {
		c.updates = map[string]models.OperationStatus{}
	}
	c.updates[ref] = op.Status
	return nil
}

type queueStub struct{ jobs []models.Job }

func (q *queueStub) Enqueue(_ context.Context, job models.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

type archiveLog struct {
	mu  sync.Mutex
	ops []models.Operation
}

func (a *archiveLog) ArchiveOperation(_ context.Context, op models.Operation) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ops = append(a.ops, op)
	return "operations/" + op.ID.String() + ".json", nil
}

type harness struct {
	store    *store.MemoryStore
	pipeline *jobs.Pipeline
	workflow *approval.Workflow
	channel  *fakeChannel
}

func newHarness(exec executor.ActionExecutor, jobOpts []jobs.Option, opts ...approval.Option) *harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewMemoryStore()
	jobOpts = append([]jobs.Option{jobs.WithLogger(logger), jobs.WithRetryBackoff(0, 0)}, jobOpts...)
	p := jobs.New(s, jobOpts...)
	p.Register(models.JobTypeExecuteOperation, jobs.ExecuteOperationHandler(s, exec))
	ch := &fakeChannel{}
	opts = append([]approval.Option{approval.WithLogger(logger), approval.WithChannel(ch)}, opts...)
	return &harness{store: s, pipeline: p, workflow: approval.New(s, p, opts...), channel: ch}
}

func budgetDecrease(requiresApproval bool) approval.ProposeInput {
	return approval.ProposeInput{
		EntityID: "adset-7",
		PolicyID: "default",
		Action:   models.ActionBudgetDecrease,
		Params: models.ActionParams{
			Kind:   models.ActionBudgetDecrease,
			Budget: &models.BudgetChange{Percent: 20, From: 50, To: 40},
		},
		Reason:           "decline stage",
		RequiresApproval: requiresApproval,
	}
}

func TestProposeWithoutApprovalExecutesImmediately(t *testing.T) {
	h := newHarness(executor.DryRun{}, nil)

	op, err := h.workflow.Propose(context.Background(), budgetDecrease(false))
	require.NoError(t, err)
	assert.Equal(t, models.OperationExecuted, op.Status)
	assert.Equal(t, approval.ActorAutoApprove, op.DecidedBy)
	require.NotNil(t, op.JobID)
	require.NotNil(t, op.Result)
	assert.Equal(t, "40.00", op.Result.Applied)
	require.NotNil(t, op.ExecutedAt)
	assert.Empty(t, h.channel.notified)
}

func TestProposeRequiringApprovalNotifiesAndWaits(t *testing.T) {
	var calls int32
	exec := executor.Func(func(ctx context.Context, req executor.ActionRequest) (models.ActionResult, error) {
		atomic.AddInt32(&calls, 1)
		return models.ActionResult{Kind: req.Action, Applied: req.Params.After()}, nil
	})
	h := newHarness(exec, nil)
	ctx := context.Background()

	op, err := h.workflow.Propose(ctx, budgetDecrease(true))
	require.NoError(t, err)
	assert.Equal(t, models.OperationPending, op.Status)
	assert.NotEmpty(t, op.ApprovalRef)
	require.Len(t, h.channel.notified, 1)
	assert.Zero(t, atomic.LoadInt32(&calls))

	approved, err := h.workflow.Approve(ctx, op.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.OperationExecuted, approved.Status)
	assert.Equal(t, "alice", approved.DecidedBy)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, models.OperationExecuted, h.channel.updates[op.ApprovalRef])

	_, err = h.workflow.Approve(ctx, op.ID, "bob")
	assert.ErrorIs(t, err, approval.ErrInvalidTransition)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRejectOnlyFromPending(t *testing.T) {
	h := newHarness(executor.DryRun{}, nil)
	ctx := context.Background()

	op, err := h.workflow.Propose(ctx, budgetDecrease(true))
	require.NoError(t, err)

	rejected, err := h.workflow.Reject(ctx, op.ID, "alice", "too aggressive")
	require.NoError(t, err)
	assert.Equal(t, models.OperationRejected, rejected.Status)
	assert.Equal(t, "too aggressive", rejected.RejectReason)
	assert.Equal(t, models.OperationRejected, h.channel.updates[op.ApprovalRef])

	_, err = h.workflow.Reject(ctx, op.ID, "alice", "again")
	assert.ErrorIs(t, err, approval.ErrInvalidTransition)
	_, err = h.workflow.Approve(ctx, op.ID, "alice")
	assert.ErrorIs(t, err, approval.ErrInvalidTransition)

	executed, err := h.workflow.Propose(ctx, budgetDecrease(false))
	require.NoError(t, err)
	_, err = h.workflow.Reject(ctx, executed.ID, "alice", "late")
	assert.ErrorIs(t, err, approval.ErrInvalidTransition)
}

func TestUnknownOperation(t *testing.T) {
	h := newHarness(executor.DryRun{}, nil)
	_, err := h.workflow.Approve(context.Background(), uuid.New(), "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.workflow.Retry(context.Background(), uuid.New(), "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecutionFailureAndRetry(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	exec := executor.Func(func(ctx context.Context, req executor.ActionRequest) (models.ActionResult, error) {
		if fail.Load() {
			return models.ActionResult{}, executor.ErrRejected
		}
		return models.ActionResult{Kind: req.Action, Applied: req.Params.After()}, nil
	})
	h := newHarness(exec, nil)
	ctx := context.Background()

	op, err := h.workflow.Propose(ctx, budgetDecrease(false))
	require.NoError(t, err)
	assert.Equal(t, models.OperationFailed, op.Status)
	assert.Contains(t, op.LastError, "rejected")

	_, err = h.workflow.Retry(ctx, op.ID, "alice")
	require.NoError(t, err)

	fail.Store(false)
	retried, err := h.workflow.Retry(ctx, op.ID, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, op.ID, retried.ID)
	require.NotNil(t, retried.RetryOf)
	assert.Equal(t, op.ID, *retried.RetryOf)
	assert.Equal(t, models.OperationExecuted, retried.Status)

	orig, err := h.workflow.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationFailed, orig.Status)

	_, err = h.workflow.Retry(ctx, retried.ID, "alice")
	assert.ErrorIs(t, err, approval.ErrInvalidTransition)
}

func TestOnExecutionResultIsIdempotent(t *testing.T) {
	q := &queueStub{}
	h := newHarness(executor.DryRun{}, []jobs.Option{jobs.WithQueue(q)})
	ctx := context.Background()

	op, err := h.workflow.Propose(ctx, budgetDecrease(false))
	require.NoError(t, err)
	assert.Equal(t, models.OperationApproved, op.Status)
	require.Len(t, q.jobs, 1)

	res := &models.ActionResult{Kind: models.ActionBudgetDecrease, Applied: "40.00"}
	first, err := h.workflow.OnExecutionResult(ctx, op.ID, true, res, "")
	require.NoError(t, err)
	assert.Equal(t, models.OperationExecuted, first.Status)

	again, err := h.workflow.OnExecutionResult(ctx, op.ID, true, res, "")
	require.NoError(t, err)
	assert.Equal(t, first.ExecutedAt, again.ExecutedAt)

	_, err = h.workflow.OnExecutionResult(ctx, op.ID, false, nil, "boom")
	assert.ErrorIs(t, err, approval.ErrInvalidTransition)
}

func TestCancelledExecutionFailsOperation(t *testing.T) {
	q := &queueStub{}
	h := newHarness(executor.DryRun{}, []jobs.Option{jobs.WithQueue(q)})
	ctx := context.Background()

	op, err := h.workflow.Propose(ctx, budgetDecrease(false))
	require.NoError(t, err)
	require.NotNil(t, op.JobID)

	_, err = h.pipeline.Cancel(ctx, *op.JobID)
	require.NoError(t, err)

	got, err := h.workflow.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationFailed, got.Status)
	assert.Equal(t, "execution cancelled", got.LastError)
}

func TestQueuedExecutionCompletesThroughHook(t *testing.T) {
	q := &queueStub{}
	h := newHarness(executor.DryRun{}, []jobs.Option{jobs.WithQueue(q)})
	ctx := context.Background()

	op, err := h.workflow.Propose(ctx, budgetDecrease(false))
	require.NoError(t, err)
	require.Len(t, q.jobs, 1)

	_, err = h.pipeline.Execute(ctx, q.jobs[0].ID)
	require.NoError(t, err)

	got, err := h.workflow.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationExecuted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "dry run", got.Result.Message)
}

func TestFinishedOperationsAreArchived(t *testing.T) {
	arch := &archiveLog{}
	h := newHarness(executor.DryRun{}, nil, approval.WithArchive(true))
	h.pipeline.Register(models.JobTypeArchiveOperation, jobs.ArchiveOperationHandler(h.store, arch))
	ctx := context.Background()

	op, err := h.workflow.Propose(ctx, budgetDecrease(false))
	require.NoError(t, err)

	arch.mu.Lock()
	defer arch.mu.Unlock()
	require.Len(t, arch.ops, 1)
	assert.Equal(t, op.ID, arch.ops[0].ID)
	assert.Equal(t, models.OperationExecuted, arch.ops[0].Status)
}

func TestNotifyFailureKeepsOperationPending(t *testing.T) {
	h := newHarness(executor.DryRun{}, nil)
	h.channel.notifyErr = errors.New("slack down")

	op, err := h.workflow.Propose(context.Background(), budgetDecrease(true))
	require.NoError(t, err)
	assert.Equal(t, models.OperationPending, op.Status)
	assert.Empty(t, op.ApprovalRef)
}

func TestProposeValidatesParams(t *testing.T) {
	h := newHarness(executor.DryRun{}, nil)

	in := budgetDecrease(true)
	in.Params.Kind = models.ActionPause
	_, err := h.workflow.Propose(context.Background(), in)
	assert.ErrorIs(t, err, approval.ErrInvalidInput)

	in = budgetDecrease(true)
	in.EntityID = ""
	_, err = h.workflow.Propose(context.Background(), in)
	assert.ErrorIs(t, err, approval.ErrInvalidInput)

	in = budgetDecrease(true)
	in.Params.Budget = nil
	_, err = h.workflow.Propose(context.Background(), in)
	assert.ErrorIs(t, err, approval.ErrInvalidInput)
}

func TestAttemptBudgetFollowsPolicy(t *testing.T) {
	q := &queueStub{}
	h := newHarness(executor.DryRun{}, []jobs.Option{jobs.WithQueue(q)},
		approval.WithAttempts(func(policyID string) int {
			if policyID == "default" {
				return 7
			}
			return 1
		}))

	_, err := h.workflow.Propose(context.Background(), budgetDecrease(false))
	require.NoError(t, err)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, 7, q.jobs[0].MaxAttempts)
}
