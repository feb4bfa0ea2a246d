// Package jobs runs typed units of work exactly once per idempotency key, with bounded retries.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ILLUVRSE/adops/decision-engine/internal/canonical"
	"github.com/ILLUVRSE/adops/decision-engine/internal/metrics"
	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
	"github.com/ILLUVRSE/adops/decision-engine/internal/store"
)

const (
	DefaultMaxAttempts = 3
	tracerName         = "github.com/ILLUVRSE/adops/decision-engine/internal/jobs"
)

var (
	ErrInvalidInput      = errors.New("invalid job input")
	ErrUnknownJobType    = errors.New("unknown job type")
	ErrInvalidTransition = errors.New("invalid job transition")
)

// Handler performs one attempt of a job and returns its JSON result.
type Handler interface {
	Handle(ctx context.Context, job models.Job) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, job models.Job) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, job models.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Queue hands a job to asynchronous workers.
type Queue interface {
	Enqueue(ctx context.Context, job models.Job) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job fails terminally on its first occurrence.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	// OutcomeRetryable is a failed attempt that leaves the job eligible for another one.
	OutcomeRetryable Outcome = "retryable"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Event describes what happened to a job. Job is the stored record afterwards, which can be
// cancelled even when the handler succeeded.
type Event struct {
	Job     models.Job
	Outcome Outcome
	Result  json.RawMessage
	Err     error
}

type Hook interface {
	OnJobFinished(ctx context.Context, ev Event)
}

type HookFunc func(ctx context.Context, ev Event)

func (f HookFunc) OnJobFinished(ctx context.Context, ev Event) { f(ctx, ev) }

type SubmitInput struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	MaxAttempts    int             `json:"maxAttempts,omitempty"`
	// OwnerID scopes a derived idempotency key when none is given.
	OwnerID string `json:"ownerId,omitempty"`
}

type Option func(*Pipeline)

func WithQueue(q Queue) Option              { return func(p *Pipeline) { p.queue = q } }
func WithLogger(l *slog.Logger) Option      { return func(p *Pipeline) { p.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }
func WithTracer(t trace.Tracer) Option      { return func(p *Pipeline) { p.tracer = t } }

// WithStaleAfter sets how long a running job may go without finishing before Cancel treats it
// as orphaned when no attempt is live in this process. Zero relies on local liveness alone,
// which is exact only when every worker shares this pipeline.
func WithStaleAfter(d time.Duration) Option { return func(p *Pipeline) { p.staleAfter = d } }

// WithRetryBackoff sets the delay schedule between inline attempts.
func WithRetryBackoff(base, max time.Duration) Option {
	return func(p *Pipeline) { p.backoffBase, p.backoffMax = base, max }
}

type Pipeline struct {
	store   store.JobStore
	queue   Queue
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	backoffBase time.Duration
	backoffMax  time.Duration
	staleAfter  time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
	hooks    []Hook

	liveMu sync.Mutex
	live   map[uuid.UUID]struct{}

	submits singleflight.Group
}

func New(s store.JobStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:       s,
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		backoffBase: 200 * time.Millisecond,
		backoffMax:  30 * time.Second,
		handlers:    map[string]Handler{},
		live:        map[uuid.UUID]struct{}{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Register(jobType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

// AddHook subscribes h to job outcomes. Hooks run synchronously on the executing goroutine.
func (p *Pipeline) AddHook(h Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, h)
}

func (p *Pipeline) handler(jobType string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[jobType]
	return h, ok
}

// IdempotencyKey derives a stable key from the job type, the owning entity and the payload.
func IdempotencyKey(jobType, ownerID string, payload any) (string, error) {
	return canonical.Hash(map[string]any{
		"type":    jobType,
		"owner":   ownerID,
		"payload": payload,
	})
}

// Backoff is the delay before attempt n+1 after n failed attempts.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if base <= 0 || attempts <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempts && d < max; i++ {
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

type submitResult struct {
	job     models.Job
	created bool
}

// Submit creates the job for in.IdempotencyKey, or returns the existing one unchanged. A new
// job is handed to the queue; without a queue, or when enqueueing fails, it runs inline.
func (p *Pipeline) Submit(ctx context.Context, in SubmitInput) (models.Job, bool, error) {
	if in.Type == "" {
		return models.Job{}, false, fmt.Errorf("%w: type required", ErrInvalidInput)
	}
	if _, ok := p.handler(in.Type); !ok {
		return models.Job{}, false, fmt.Errorf("%w: %s", ErrUnknownJobType, in.Type)
	}
	if len(in.Payload) == 0 {
		in.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(in.Payload) {
		return models.Job{}, false, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidInput)
	}
	if in.IdempotencyKey == "" {
		key, err := IdempotencyKey(in.Type, in.OwnerID, in.Payload)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		in.IdempotencyKey = key
	}
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = DefaultMaxAttempts
	}

	ctx, span := p.tracer.Start(ctx, "jobs.Submit", trace.WithAttributes(
		attribute.String("job.type", in.Type),
	))
	defer span.End()

	v, err, _ := p.submits.Do(in.IdempotencyKey, func() (interface{}, error) {
		job, created, err := p.store.CreateJobIfAbsent(ctx, store.JobInput{
			Type:           in.Type,
			Payload:        in.Payload,
			IdempotencyKey: in.IdempotencyKey,
			Priority:       in.Priority,
			MaxAttempts:    in.MaxAttempts,
		})
		if err != nil {
			return nil, err
		}
		p.metrics.RecordJobSubmitted(job.Type, created)
		if !created {
			return submitResult{job: job}, nil
		}
		p.logger.InfoContext(ctx, "job submitted", "job_id", job.ID, "type", job.Type, "priority", job.Priority)
		job, err = p.dispatch(ctx, job)
		return submitResult{job: job, created: true}, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Job{}, false, fmt.Errorf("submit job: %w", err)
	}
	res := v.(submitResult)
	span.SetAttributes(attribute.String("job.id", res.job.ID.String()), attribute.Bool("job.created", res.created))
	return res.job, res.created, nil
}

// dispatch enqueues job, falling back to running it inline until it completes or is terminal.
func (p *Pipeline) dispatch(ctx context.Context, job models.Job) (models.Job, error) {
	if p.queue != nil {
		err := p.queue.Enqueue(ctx, job)
		if err == nil {
			return job, nil
		}
		p.metrics.RecordEnqueueError()
		p.logger.WarnContext(ctx, "enqueue failed, executing inline", "job_id", job.ID, "error", err)
	}
	for {
		current, err := p.Execute(ctx, job.ID)
		if err != nil {
			return current, err
		}
		if current.Status != models.JobFailed || current.Terminal() {
			return current, nil
		}
		if err := sleep(ctx, Backoff(current.Attempts, p.backoffBase, p.backoffMax)); err != nil {
			return current, nil
		}
	}
}

// Publish hands job to the queue without falling back to inline execution.
func (p *Pipeline) Publish(ctx context.Context, job models.Job) error {
	if p.queue == nil {
		return errors.New("no job queue configured")
	}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		p.metrics.RecordEnqueueError()
		return err
	}
	return nil
}

// Requeue hands an existing job back to the queue, or runs it inline without one.
func (p *Pipeline) Requeue(ctx context.Context, job models.Job) (models.Job, error) {
	return p.dispatch(ctx, job)
}

// Execute makes one attempt at job id. Completed, cancelled, running and exhausted jobs are
// returned unchanged, except that a running job past the stale timeout is failed as abandoned so
// it can be retried. Handler failures are recorded on the job, not returned.
func (p *Pipeline) Execute(ctx context.Context, id uuid.UUID) (models.Job, error) {
	ctx, span := p.tracer.Start(ctx, "jobs.Execute", trace.WithAttributes(attribute.String("job.id", id.String())))
	defer span.End()

	job, err := p.store.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status == models.JobRunning && p.staleAfter > 0 && p.orphaned(job) {
		return p.abandon(ctx, job)
	}
	if job.Status == models.JobRunning || job.Terminal() {
		return job, nil
	}
	claimed, err := p.store.ClaimJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// another executor won the claim
			return claimed, nil
		}
		return models.Job{}, fmt.Errorf("claim job: %w", err)
	}
	span.SetAttributes(attribute.String("job.type", claimed.Type), attribute.Int("job.attempt", claimed.Attempts))

	started := time.Now()
	p.setLive(id, true)
	result, runErr := p.run(ctx, claimed)
	p.setLive(id, false)
	took := time.Since(started)

	ev := Event{Result: result, Err: runErr}
	if runErr == nil {
		ev.Job, err = p.store.CompleteJob(ctx, id, result)
		ev.Outcome = OutcomeCompleted
	} else {
		span.RecordError(runErr)
		ev.Job, err = p.store.FailJob(ctx, id, runErr.Error(), IsPermanent(runErr))
		ev.Outcome = OutcomeFailed
		if err == nil && !ev.Job.Terminal() {
			ev.Outcome = OutcomeRetryable
		}
	}
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return models.Job{}, fmt.Errorf("record job outcome: %w", err)
	}
	if err != nil {
		p.logger.WarnContext(ctx, "job changed state while running", "job_id", id, "status", ev.Job.Status)
	}

	p.metrics.RecordJobRun(claimed.Type, string(ev.Outcome), took)
	if runErr != nil {
		p.logger.WarnContext(ctx, "job attempt failed",
			"job_id", id, "type", claimed.Type, "attempt", claimed.Attempts,
			"max_attempts", claimed.MaxAttempts, "outcome", ev.Outcome, "error", runErr)
	} else {
		p.logger.InfoContext(ctx, "job completed", "job_id", id, "type", claimed.Type, "attempt", claimed.Attempts, "took", took)
	}
	p.notify(ctx, ev)
	return ev.Job, nil
}

// abandon records the lost attempt of an orphaned running job as a failure.
func (p *Pipeline) abandon(ctx context.Context, job models.Job) (models.Job, error) {
	errAbandoned := fmt.Errorf("attempt %d abandoned by its worker", job.Attempts)
	if job.StartedAt != nil {
		errAbandoned = fmt.Errorf("attempt %d abandoned: running since %s", job.Attempts, job.StartedAt.Format(time.RFC3339))
	}
	failed, err := p.store.FailJob(ctx, job.ID, errAbandoned.Error(), false)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return failed, nil
		}
		return models.Job{}, fmt.Errorf("record abandoned attempt: %w", err)
	}
	ev := Event{Job: failed, Outcome: OutcomeFailed, Err: errAbandoned}
	if !failed.Terminal() {
		ev.Outcome = OutcomeRetryable
	}
	p.metrics.RecordJobRun(job.Type, string(ev.Outcome), 0)
	p.logger.WarnContext(ctx, "orphaned job attempt abandoned",
		"job_id", job.ID, "type", job.Type, "attempt", job.Attempts, "outcome", ev.Outcome)
	p.notify(ctx, ev)
	return failed, nil
}

func (p *Pipeline) run(ctx context.Context, job models.Job) (result json.RawMessage, err error) {
	h, ok := p.handler(job.Type)
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type))
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}

// Cancel stops a job that has not completed. Cancelling a cancelled job is a no-op. A job whose
// attempt is still live keeps running and its hooks report the handler's real outcome. A running
// job with no live attempt is orphaned, for example by a crashed worker, and is reported cancelled.
func (p *Pipeline) Cancel(ctx context.Context, id uuid.UUID) (models.Job, error) {
	job, err := p.store.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	switch job.Status {
	case models.JobCancelled:
		return job, nil
	case models.JobCompleted:
		return job, fmt.Errorf("%w: job %s already completed", ErrInvalidTransition, id)
	}
	wasRunning := job.Status == models.JobRunning
	orphaned := wasRunning && p.orphaned(job)
	cancelled, err := p.store.CancelJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			if cancelled.Status == models.JobCancelled {
				return cancelled, nil
			}
			return cancelled, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, cancelled.Status)
		}
		return models.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	p.logger.InfoContext(ctx, "job cancelled", "job_id", id, "type", cancelled.Type,
		"was_running", wasRunning, "orphaned", orphaned)
	if !wasRunning || orphaned {
		p.notify(ctx, Event{Job: cancelled, Outcome: OutcomeCancelled})
	}
	return cancelled, nil
}

// Retry resets a failed job to queued with a fresh attempt budget and dispatches it again.
func (p *Pipeline) Retry(ctx context.Context, id uuid.UUID) (models.Job, error) {
	job, err := p.store.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status != models.JobFailed {
		return job, fmt.Errorf("%w: job %s is %s, only failed jobs can be retried", ErrInvalidTransition, id, job.Status)
	}
	requeued, err := p.store.RequeueJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return requeued, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, requeued.Status)
		}
		return models.Job{}, fmt.Errorf("requeue job: %w", err)
	}
	p.logger.InfoContext(ctx, "job retried", "job_id", id, "type", requeued.Type)
	return p.dispatch(ctx, requeued)
}

func (p *Pipeline) Get(ctx context.Context, id uuid.UUID) (models.Job, error) {
	return p.store.GetJob(ctx, id)
}

func (p *Pipeline) setLive(id uuid.UUID, live bool) {
	p.liveMu.Lock()
	defer p.liveMu.Unlock()
	if live {
		p.live[id] = struct{}{}
	} else {
		delete(p.live, id)
	}
}

// orphaned reports whether a running job has no attempt that can still finish it.
func (p *Pipeline) orphaned(job models.Job) bool {
	p.liveMu.Lock()
	_, live := p.live[job.ID]
	p.liveMu.Unlock()
	if live {
		return false
	}
	if p.staleAfter <= 0 || job.StartedAt == nil {
		return true
	}
	return time.Since(*job.StartedAt) > p.staleAfter
}

func (p *Pipeline) notify(ctx context.Context, ev Event) {
	p.mu.RLock()
	hooks := append([]Hook(nil), p.hooks...)
	p.mu.RUnlock()
	for _, h := range hooks {
		h.OnJobFinished(ctx, ev)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
