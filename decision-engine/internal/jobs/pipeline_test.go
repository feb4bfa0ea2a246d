package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/adops/decision-engine/internal/jobs"
	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
	"github.com/ILLUVRSE/adops/decision-engine/internal/store"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []models.Job
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []jobs.Event
}

func (l *eventLog) OnJobFinished(_ context.Context, ev jobs.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) outcomes() []jobs.Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]jobs.Outcome, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Outcome)
	}
	return out
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newPipeline(opts ...jobs.Option) (*jobs.Pipeline, *store.MemoryStore) {
	s := store.NewMemoryStore()
	opts = append([]jobs.Option{jobs.WithLogger(quietLogger()), jobs.WithRetryBackoff(0, 0)}, opts...)
	return jobs.New(s, opts...), s
}

func okHandler(calls *int32) jobs.Handler {
	return jobs.HandlerFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		atomic.AddInt32(calls, 1)
		return json.RawMessage(`{"ok":true}`), nil
	})
}

func TestSubmitRunsInlineWithoutQueue(t *testing.T) {
	p, _ := newPipeline()
	var calls int32
	p.Register("echo", okHandler(&calls))

	job, created, err := p.Submit(context.Background(), jobs.SubmitInput{Type: "echo", Payload: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.JSONEq(t, `{"ok":true}`, string(job.Result))
	assert.NotEmpty(t, job.IdempotencyKey)

	again, created, err := p.Submit(context.Background(), jobs.SubmitInput{Type: "echo", Payload: json.RawMessage(`{ "a": 1 }`)})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestConcurrentSubmitCollapsesToOneJob(t *testing.T) {
	p, _ := newPipeline()
	var calls int32
	p.Register("echo", jobs.HandlerFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	}))

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]int{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, _, err := p.Submit(context.Background(), jobs.SubmitInput{Type: "echo", IdempotencyKey: "op-1"})
			assert.NoError(t, err)
			mu.Lock()
			ids[job.ID.String()]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for id := range ids {
		job, err := p.Get(context.Background(), uuid.MustParse(id))
		require.NoError(t, err)
		assert.Equal(t, 1, job.Attempts)
		assert.Equal(t, models.JobCompleted, job.Status)
	}
}

func TestInlineRetriesUntilSuccess(t *testing.T) {
	p, _ := newPipeline()
	var calls int32
	p.Register("flaky", jobs.HandlerFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("gateway timeout")
		}
		return json.RawMessage(`{}`), nil
	}))
	log := &eventLog{}
	p.AddHook(log)

	job, _, err := p.Submit(context.Background(), jobs.SubmitInput{Type: "flaky", IdempotencyKey: "k", MaxAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, []jobs.Outcome{jobs.OutcomeRetryable, jobs.OutcomeRetryable, jobs.OutcomeCompleted}, log.outcomes())
}

func TestExhaustedJobIsTerminalUntilRetried(t *testing.T) {
	p, _ := newPipeline()
	var calls int32
	fail := true
	p.Register("broken", jobs.HandlerFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		if fail {
			return nil, errors.New("boom")
		}
		return nil, nil
	}))

	job, _, err := p.Submit(context.Background(), jobs.SubmitInput{Type: "broken", IdempotencyKey: "k", MaxAttempts: 2})
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "boom", job.LastError)
	assert.True(t, job.Terminal())

	// executing an exhausted job is a no-op
	same, err := p.Execute(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, same.Attempts)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	fail = false
	retried, err := p.Retry(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, retried.Status)
	assert.Equal(t, 1, retried.Attempts)

	_, err = p.Retry(context.Background(), job.ID)
	require.ErrorIs(t, err, jobs.ErrInvalidTransition)
}

func TestPermanentErrorStopsRetries(t *testing.T) {
	p, _ := newPipeline()
	var calls int32
	p.Register("strict", jobs.HandlerFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return nil, jobs.Permanent(errors.New("operation not approved"))
	}))

	job, _, err := p.Submit(context.Background(), jobs.SubmitInput{Type: "strict", IdempotencyKey: "k", MaxAttempts: 5})
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.True(t, job.Terminal())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHandlerPanicIsRecorded(t *testing.T) {
	p, _ := newPipeline()
	p.Register("panics", jobs.HandlerFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		panic("nil map")
	}))
	job, _, err := p.Submit(context.Background(), jobs.SubmitInput{Type: "panics", IdempotencyKey: "k", MaxAttempts: 1})
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Contains(t, job.LastError, "nil map")
}

func TestSubmitEnqueuesWhenQueueAvailable(t *testing.T) {
	q := &recordingQueue{}
	p, _ := newPipeline(jobs.WithQueue(q))
	var calls int32
	p.Register("echo", okHandler(&calls))

	job, created, err := p.Submit(context.Background(), jobs.SubmitInput{Type: "echo", IdempotencyKey: "k", Priority: 5})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.JobQueued, job.Status)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, 5, q.jobs[0].Priority)
	assert.Zero(t, atomic.LoadInt32(&calls))

	done, err := p.Execute(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, done.Status)
}

func TestEnqueueFailureFallsBackInline(t *testing.T) {
	p, _ := newPipeline(jobs.WithQueue(&recordingQueue{err: errors.New("broker down")}))
	var calls int32
	p.Register("echo", okHandler(&calls))

	job, _, err := p.Submit(context.Background(), jobs.SubmitInput{Type: "echo", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCancel(t *testing.T) {
	p, _ := newPipeline(jobs.WithQueue(&recordingQueue{}))
	var calls int32
	p.Register("echo", okHandler(&calls))
	log := &eventLog{}
	p.AddHook(log)

	job, _, err := p.Submit(context.Background(), jobs.SubmitInput{Type: "echo", IdempotencyKey: "k"})
	require.NoError(t, err)

	cancelled, err := p.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, cancelled.Status)
	assert.Equal(t, []jobs.Outcome{jobs.OutcomeCancelled}, log.outcomes())

	again, err := p.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, again.Status)
	assert.Len(t, log.outcomes(), 1, "repeat cancel does not notify")

	same, err := p.Execute(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, same.Status)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestCancelCompletedIsRejected(t *testing.T) {
	p, _ := newPipeline()
	var calls int32
	p.Register("echo", okHandler(&calls))
	job, _, err := p.Submit(context.Background(), jobs.SubmitInput{Type: "echo", IdempotencyKey: "k"})
	require.NoError(t, err)

	_, err = p.Cancel(context.Background(), job.ID)
	require.ErrorIs(t, err, jobs.ErrInvalidTransition)
}

func TestCancelWhileRunningReportsRealOutcome(t *testing.T) {
	p, _ := newPipeline(jobs.WithQueue(&recordingQueue{}))
	started := make(chan struct{})
	release := make(chan struct{})
	p.Register("slow", jobs.HandlerFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage(`{"applied":"PAUSED"}`), nil
	}))
	log := &eventLog{}
	p.AddHook(log)

	job, _, err := p.Submit(context.Background(), jobs.SubmitInput{Type: "slow", IdempotencyKey: "k"})
	require.NoError(t, err)

	done := make(chan models.Job, 1)
	go func() {
		final, err := p.Execute(context.Background(), job.ID)
		assert.NoError(t, err)
		done <- final
	}()
	<-started

	// a second executor finds the job running and leaves it alone
	running, err := p.Execute(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, running.Status)

	cancelled, err := p.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, cancelled.Status)
	assert.Empty(t, log.outcomes(), "cancel of a running job defers to the handler outcome")

	close(release)
	final := <-done
	assert.Equal(t, models.JobCancelled, final.Status)
	require.Equal(t, []jobs.Outcome{jobs.OutcomeCompleted}, log.outcomes())
	assert.JSONEq(t, `{"applied":"PAUSED"}`, string(log.events[0].Result))
}

func TestCancelOrphanedRunningJobReportsCancelled(t *testing.T) {
	p, s := newPipeline(jobs.WithQueue(&recordingQueue{}))
	var calls int32
	p.Register("echo", okHandler(&calls))
	log := &eventLog{}
	p.AddHook(log)

	job, _, err := p.Submit(context.Background(), jobs.SubmitInput{Type: "echo", IdempotencyKey: "k"})
	require.NoError(t, err)
	// a worker claimed the job and died before recording an outcome
	_, err = s.ClaimJob(context.Background(), job.ID)
	require.NoError(t, err)

	cancelled, err := p.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, cancelled.Status)
	assert.Equal(t, []jobs.Outcome{jobs.OutcomeCancelled}, log.outcomes())
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestCancelRecentRunningJobDefersToRemoteWorker(t *testing.T) {
	p, s := newPipeline(jobs.WithQueue(&recordingQueue{}), jobs.WithStaleAfter(time.Hour))
	var calls int32
	p.Register("echo", okHandler(&calls))
	log := &eventLog{}
	p.AddHook(log)

	job, _, err := p.Submit(context.Background(), jobs.SubmitInput{Type: "echo", IdempotencyKey: "k"})
	require.NoError(t, err)
	_, err = s.ClaimJob(context.Background(), job.ID)
	require.NoError(t, err)

	cancelled, err := p.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, cancelled.Status)
	assert.Empty(t, log.outcomes())
}

func TestExecuteAbandonsStaleRunningJob(t *testing.T) {
	claimedAt := time.Now().Add(-time.Hour)
	s := store.NewMemoryStore().WithClock(func() time.Time { return claimedAt })
	p := jobs.New(s, jobs.WithLogger(quietLogger()), jobs.WithQueue(&recordingQueue{}), jobs.WithStaleAfter(time.Minute))
	var calls int32
	p.Register("echo", okHandler(&calls))
	log := &eventLog{}
	p.AddHook(log)

	job, _, err := p.Submit(context.Background(), jobs.SubmitInput{Type: "echo", IdempotencyKey: "k", MaxAttempts: 3})
	require.NoError(t, err)
	_, err = s.ClaimJob(context.Background(), job.ID)
	require.NoError(t, err)

	abandoned, err := p.Execute(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, abandoned.Status)
	assert.False(t, abandoned.Terminal())
	assert.Contains(t, abandoned.LastError, "abandoned")
	assert.Equal(t, []jobs.Outcome{jobs.OutcomeRetryable}, log.outcomes())

	done, err := p.Execute(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, done.Status)
	assert.Equal(t, 2, done.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPublishNeedsQueue(t *testing.T) {
	p, _ := newPipeline()
	require.Error(t, p.Publish(context.Background(), models.Job{ID: uuid.New()}))

	q := &recordingQueue{}
	p, _ = newPipeline(jobs.WithQueue(q))
	require.NoError(t, p.Publish(context.Background(), models.Job{ID: uuid.New()}))
	assert.Len(t, q.jobs, 1)
}

func TestSubmitValidation(t *testing.T) {
	p, _ := newPipeline()
	_, _, err := p.Submit(context.Background(), jobs.SubmitInput{})
	require.ErrorIs(t, err, jobs.ErrInvalidInput)

	_, _, err = p.Submit(context.Background(), jobs.SubmitInput{Type: "nope"})
	require.ErrorIs(t, err, jobs.ErrUnknownJobType)

	var calls int32
	p.Register("echo", okHandler(&calls))
	_, _, err = p.Submit(context.Background(), jobs.SubmitInput{Type: "echo", Payload: json.RawMessage(`{bad`)})
	require.ErrorIs(t, err, jobs.ErrInvalidInput)
}

func TestIdempotencyKeyIgnoresKeyOrder(t *testing.T) {
	a, err := jobs.IdempotencyKey("execute_operation", "adset-1", json.RawMessage(`{"x":1,"y":2}`))
	require.NoError(t, err)
	b, err := jobs.IdempotencyKey("execute_operation", "adset-1", map[string]any{"y": 2, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := jobs.IdempotencyKey("execute_operation", "adset-2", map[string]any{"y": 2, "x": 1})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), jobs.Backoff(0, time.Second, time.Minute))
	assert.Equal(t, time.Second, jobs.Backoff(1, time.Second, time.Minute))
	assert.Equal(t, 4*time.Second, jobs.Backoff(3, time.Second, time.Minute))
	assert.Equal(t, time.Minute, jobs.Backoff(20, time.Second, time.Minute))
}
