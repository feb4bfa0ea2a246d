// Package orchestrator runs the decision loop for one entity: score the snapshot, map the score to
// an action, check the guardrails and hand the proposal to the approval workflow.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/adops/decision-engine/internal/approval"
	"github.com/ILLUVRSE/adops/decision-engine/internal/guardrail"
	"github.com/ILLUVRSE/adops/decision-engine/internal/jobs"
	"github.com/ILLUVRSE/adops/decision-engine/internal/metrics"
	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
	"github.com/ILLUVRSE/adops/decision-engine/internal/policy"
	"github.com/ILLUVRSE/adops/decision-engine/internal/scoring"
	"github.com/ILLUVRSE/adops/decision-engine/internal/store"
)

const (
	tracerName           = "github.com/ILLUVRSE/adops/decision-engine/orchestrator"
	defaultPolicyID      = "default"
	defaultBatchParallel = 8
	maxBatchSize         = 500
)

var (
	ErrInvalidInput = errors.New("invalid evaluation input")
	// ErrEntityBusy means another operation for the entity is still pending or approved.
	ErrEntityBusy  = errors.New("entity has an operation in flight")
	ErrGuardDenied = errors.New("guardrail denied")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Outcome string

const (
	OutcomeNoAction    Outcome = "no_action"
	OutcomeGuardDenied Outcome = "guard_denied"
	OutcomeProposed    Outcome = "proposed"
	OutcomeInFlight    Outcome = "in_flight"
)

type EvaluateInput struct {
	EntityID string                `json:"entityId" validate:"required,max=128"`
	PolicyID string                `json:"policyId,omitempty"`
	Snapshot models.MetricSnapshot `json:"snapshot"`
	History  models.MetricHistory  `json:"history,omitempty"`
	State    models.EntityState    `json:"state"`
	// Policy overrides PolicyID for ad-hoc evaluations.
	Policy *policy.Policy `json:"policy,omitempty" validate:"-"`
}

type Decision struct {
	EntityID  string                `json:"entityId"`
	PolicyID  string                `json:"policyId"`
	Outcome   Outcome               `json:"outcome"`
	Action    models.ActionKind     `json:"action"`
	Tier      string                `json:"tier,omitempty"`
	Reason    string                `json:"reason"`
	Score     *models.ScoringResult `json:"score,omitempty"`
	Guard     *guardrail.Result     `json:"guard,omitempty"`
	Operation *models.Operation     `json:"operation,omitempty"`
	// BlockedBy is the in-flight operation that stopped the evaluation.
	BlockedBy *uuid.UUID `json:"blockedBy,omitempty"`
}

type BatchResult struct {
	Decision *Decision `json:"decision,omitempty"`
	Error    string    `json:"error,omitempty"`
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option      { return func(o *Orchestrator) { o.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }
func WithTracer(t trace.Tracer) Option      { return func(o *Orchestrator) { o.tracer = t } }
func WithBatchParallelism(n int) Option     { return func(o *Orchestrator) { o.batchParallel = n } }

type Orchestrator struct {
	ops      store.OperationStore
	policies *policy.Registry
	guard    *guardrail.Service
	workflow *approval.Workflow
	pipeline *jobs.Pipeline

	logger        *slog.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	batchParallel int

	locks *entityLocks
}

func New(ops store.OperationStore, policies *policy.Registry, guard *guardrail.Service, workflow *approval.Workflow, pipeline *jobs.Pipeline, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ops:           ops,
		policies:      policies,
		guard:         guard,
		workflow:      workflow,
		pipeline:      pipeline,
		logger:        slog.Default(),
		tracer:        otel.Tracer(tracerName),
		batchParallel: defaultBatchParallel,
		locks:         newEntityLocks(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.batchParallel <= 0 {
		o.batchParallel = defaultBatchParallel
	}
	return o
}

// Evaluate decides what, if anything, to do about one entity. Evaluations of the same entity
// run one at a time; an entity with a pending or approved operation gets no new one.
func (o *Orchestrator) Evaluate(ctx context.Context, in EvaluateInput) (Decision, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Evaluate", trace.WithAttributes(
		attribute.String("entity.id", in.EntityID),
	))
	defer span.End()

	pol, err := o.resolve(in)
	if err != nil {
		return Decision{}, o.fail(span, err)
	}
	dec := Decision{EntityID: in.EntityID, PolicyID: pol.ID, Action: models.ActionNone}

	unlock := o.locks.Lock(in.EntityID)
	defer unlock()

	if blocking, err := o.ops.InFlightOperation(ctx, in.EntityID); err == nil {
		return o.inFlight(ctx, span, dec, blocking.ID), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Decision{}, o.fail(span, fmt.Errorf("check in-flight operation: %w", err))
	}

	score := scoring.Score(in.Snapshot, in.History, pol.ScoringConfig())
	dec.Score = &score
	span.SetAttributes(attribute.Float64("score.final", score.FinalScore), attribute.String("score.stage", score.Stage))

	plan := pol.MapScoreToAction(score, in.State)
	if plan.None() {
		dec.Outcome = OutcomeNoAction
		dec.Reason = explain(score, plan, nil)
		return o.done(ctx, span, dec), nil
	}
	dec.Action = plan.Action
	dec.Tier = plan.Tier

	guard, err := o.guard.CheckMomentum(ctx, in.EntityID, plan.Action, pol.CooldownWindow(), pol.AntiOscillationWindow())
	if err != nil {
		return Decision{}, o.fail(span, err)
	}
	dec.Guard = &guard
	if !guard.Allowed {
		o.metrics.RecordGuardDenied(guard.Rule)
		dec.Outcome = OutcomeGuardDenied
		dec.Reason = explain(score, plan, &guard)
		return o.done(ctx, span, dec), nil
	}

	dec.Reason = explain(score, plan, &guard)
	op, err := o.workflow.Propose(ctx, approval.ProposeInput{
		EntityID:         in.EntityID,
		PolicyID:         pol.ID,
		Action:           plan.Action,
		Params:           plan.Params,
		Reason:           dec.Reason,
		Score:            &score,
		RequiresApproval: pol.RequiresApproval(plan.Action),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) && op.ID == uuid.Nil {
			// another process won the race for this entity
			if blocking, ierr := o.ops.InFlightOperation(ctx, in.EntityID); ierr == nil {
				return o.inFlight(ctx, span, dec, blocking.ID), nil
			}
		}
		if op.ID == uuid.Nil {
			return Decision{}, o.fail(span, fmt.Errorf("propose: %w", err))
		}
		// the operation exists and records the failure
		o.logger.WarnContext(ctx, "operation proposed with error", "operation_id", op.ID, "error", err)
	}
	dec.Outcome = OutcomeProposed
	dec.Operation = &op
	span.SetAttributes(attribute.String("operation.id", op.ID.String()))
	return o.done(ctx, span, dec), nil
}

// EvaluateBatch evaluates each input independently, in parallel across entities. A failed
// evaluation is reported in its slot and does not stop the others.
func (o *Orchestrator) EvaluateBatch(ctx context.Context, inputs []EvaluateInput) ([]BatchResult, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	if len(inputs) > maxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds %d", ErrInvalidInput, len(inputs), maxBatchSize)
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.EvaluateBatch", trace.WithAttributes(
		attribute.Int("batch.size", len(inputs)),
	))
	defer span.End()

	results := make([]BatchResult, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.batchParallel)
	for i := range inputs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			dec, err := o.Evaluate(gctx, inputs[i])
			if err != nil {
				results[i] = BatchResult{Error: err.Error()}
				return nil
			}
			results[i] = BatchResult{Decision: &dec}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, o.fail(span, err)
	}
	return results, nil
}

func (o *Orchestrator) Approve(ctx context.Context, id uuid.UUID, actor string) (models.Operation, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Approve", trace.WithAttributes(attribute.String("operation.id", id.String())))
	defer span.End()
	if actor == "" {
		return models.Operation{}, o.fail(span, fmt.Errorf("%w: actor required", ErrInvalidInput))
	}
	op, err := o.workflow.Approve(ctx, id, actor)
	if err != nil {
		return op, o.fail(span, err)
	}
	return op, nil
}

func (o *Orchestrator) Reject(ctx context.Context, id uuid.UUID, actor, reason string) (models.Operation, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Reject", trace.WithAttributes(attribute.String("operation.id", id.String())))
	defer span.End()
	if actor == "" {
		return models.Operation{}, o.fail(span, fmt.Errorf("%w: actor required", ErrInvalidInput))
	}
	op, err := o.workflow.Reject(ctx, id, actor, strings.TrimSpace(reason))
	if err != nil {
		return op, o.fail(span, err)
	}
	return op, nil
}

// RetryOperation re-runs a failed operation once the entity is idle and the guardrails still
// allow the action.
func (o *Orchestrator) RetryOperation(ctx context.Context, id uuid.UUID, actor string) (models.Operation, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.RetryOperation", trace.WithAttributes(attribute.String("operation.id", id.String())))
	defer span.End()
	if actor == "" {
		return models.Operation{}, o.fail(span, fmt.Errorf("%w: actor required", ErrInvalidInput))
	}

	orig, err := o.ops.GetOperation(ctx, id)
	if err != nil {
		return models.Operation{}, o.fail(span, err)
	}
	if orig.Status != models.OperationFailed {
		return orig, o.fail(span, fmt.Errorf("%w: operation %s is %s", approval.ErrInvalidTransition, id, orig.Status))
	}
	unlock := o.locks.Lock(orig.EntityID)
	defer unlock()

	if blocking, err := o.ops.InFlightOperation(ctx, orig.EntityID); err == nil {
		return orig, o.fail(span, fmt.Errorf("%w: operation %s", ErrEntityBusy, blocking.ID))
	} else if !errors.Is(err, store.ErrNotFound) {
		return orig, o.fail(span, err)
	}

	pol, err := o.policies.Get(orig.PolicyID)
	if err != nil {
		return orig, o.fail(span, fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	guard, err := o.guard.CheckMomentum(ctx, orig.EntityID, orig.Action, pol.CooldownWindow(), pol.AntiOscillationWindow())
	if err != nil {
		return orig, o.fail(span, err)
	}
	if !guard.Allowed {
		o.metrics.RecordGuardDenied(guard.Rule)
		return orig, o.fail(span, fmt.Errorf("%w: %s", ErrGuardDenied, guard.Reason))
	}

	op, err := o.workflow.Retry(ctx, id, actor)
	if err != nil {
		return op, o.fail(span, err)
	}
	return op, nil
}

func (o *Orchestrator) GetOperation(ctx context.Context, id uuid.UUID) (models.Operation, error) {
	return o.ops.GetOperation(ctx, id)
}

func (o *Orchestrator) ListOperations(ctx context.Context, filter store.ListOperationsFilter) ([]models.Operation, error) {
	return o.ops.ListOperations(ctx, filter)
}

func (o *Orchestrator) SubmitJob(ctx context.Context, in jobs.SubmitInput) (models.Job, bool, error) {
	return o.pipeline.Submit(ctx, in)
}

func (o *Orchestrator) GetJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	return o.pipeline.Get(ctx, id)
}

func (o *Orchestrator) CancelJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	return o.pipeline.Cancel(ctx, id)
}

func (o *Orchestrator) RetryJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	return o.pipeline.Retry(ctx, id)
}

func (o *Orchestrator) Policies() []string {
	return o.policies.IDs()
}

func (o *Orchestrator) resolve(in EvaluateInput) (*policy.Policy, error) {
	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	for metric, series := range in.History {
		if _, ok := in.Snapshot.Value(metric); !ok {
			return nil, fmt.Errorf("%w: history for unknown metric %q", ErrInvalidInput, metric)
		}
		if len(series) > 1000 {
			return nil, fmt.Errorf("%w: history for %q has %d points", ErrInvalidInput, metric, len(series))
		}
	}
	if in.Policy != nil {
		p := *in.Policy
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return &p, nil
	}
	id := in.PolicyID
	if id == "" {
		id = defaultPolicyID
	}
	p, err := o.policies.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return p, nil
}

func (o *Orchestrator) inFlight(ctx context.Context, span trace.Span, dec Decision, blocking uuid.UUID) Decision {
	dec.Outcome = OutcomeInFlight
	dec.BlockedBy = &blocking
	dec.Reason = fmt.Sprintf("operation %s is still in flight", blocking)
	return o.done(ctx, span, dec)
}

func (o *Orchestrator) done(ctx context.Context, span trace.Span, dec Decision) Decision {
	stage, final := "", 0.0
	if dec.Score != nil {
		stage, final = dec.Score.Stage, dec.Score.FinalScore
	}
	o.metrics.RecordDecision(string(dec.Outcome), stage, final, dec.Score != nil)
	span.SetAttributes(attribute.String("decision.outcome", string(dec.Outcome)))
	o.logger.InfoContext(ctx, "decision",
		"entity_id", dec.EntityID, "policy_id", dec.PolicyID, "outcome", dec.Outcome,
		"action", dec.Action, "stage", stage, "score", final)
	return dec
}

func (o *Orchestrator) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// explain renders the human-readable reason stored on the decision and its operation.
func explain(score models.ScoringResult, plan policy.Plan, guard *guardrail.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage %s scored %.1f (base %.1f, momentum %+.2f)", score.Stage, score.FinalScore, score.BaseScore, score.MomentumBonus)
	if plan.None() {
		b.WriteString(": no action")
		return b.String()
	}
	fmt.Fprintf(&b, ": %s", plan.Action)
	if plan.Tier != "" {
		fmt.Fprintf(&b, " [%s]", plan.Tier)
	}
	if before, after := plan.Params.Before(), plan.Params.After(); before != "" || after != "" {
		fmt.Fprintf(&b, " %s -> %s", before, after)
	}
	if guard != nil {
		if guard.Allowed {
			fmt.Fprintf(&b, "; guardrail allowed: %s", guard.Reason)
		} else {
			fmt.Fprintf(&b, "; guardrail %s denied: %s", guard.Rule, guard.Reason)
		}
	}
	return b.String()
}
