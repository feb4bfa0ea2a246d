package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
)

// MessageReader is the subset of *kafka.Reader the worker needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const handOffTimeout = 5 * time.Second

type WorkerConfig struct {
	// Concurrency bounds jobs executing at once. Defaults to 4.
	Concurrency int
	RetryBase   time.Duration
	RetryMax    time.Duration
	// JobTimeout caps a single attempt. Defaults to 2m.
	JobTimeout time.Duration
}

// Worker consumes job messages, executes them through the pipeline and hands retryable
// failures back to the pipeline after a backoff. Offsets are committed once a message is handled.
type Worker struct {
	reader   MessageReader
	pipeline *Pipeline
	cfg      WorkerConfig
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewWorker(reader MessageReader, pipeline *Pipeline, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Minute
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{reader: reader, pipeline: pipeline, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled or the reader fails, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "job worker starting", "concurrency", w.cfg.Concurrency)
	defer w.logger.Info("job worker stopped")

	sem := make(chan struct{}, w.cfg.Concurrency)
	defer w.wg.Wait()
	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		w.wg.Add(1)
		go func(msg kafka.Message) {
			defer func() {
				<-sem
				w.wg.Done()
			}()
			w.handle(ctx, msg)
		}(msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg kafka.Message) {
	defer func() {
		if err := w.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			w.logger.Warn("commit offset failed", "offset", msg.Offset, "error", err)
		}
	}()

	var m message
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		w.logger.Warn("dropping malformed job message", "offset", msg.Offset, "error", err)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	job, err := w.pipeline.Execute(jobCtx, m.JobID)
	cancel()
	if err != nil {
		w.logger.Error("execute job", "job_id", m.JobID, "error", err)
		return
	}
	if job.Status == models.JobFailed && !job.Terminal() {
		w.scheduleRetry(ctx, job)
	}
}

// scheduleRetry publishes job again after its backoff without holding a worker slot. The
// message offset is already committed, so a shutdown during the backoff publishes at once
// and leaves the wait to whichever worker consumes it next.
func (w *Worker) scheduleRetry(ctx context.Context, job models.Job) {
	delay := Backoff(job.Attempts, w.cfg.RetryBase, w.cfg.RetryMax)
	w.logger.InfoContext(ctx, "job retry scheduled", "job_id", job.ID, "attempts", job.Attempts, "delay", delay)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := sleep(ctx, delay); err != nil {
			w.handOff(ctx, job)
			return
		}
		if _, err := w.pipeline.Requeue(ctx, job); err != nil {
			w.logger.Error("re-enqueue job", "job_id", job.ID, "error", err)
		}
	}()
}

func (w *Worker) handOff(ctx context.Context, job models.Job) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handOffTimeout)
	defer cancel()
	if err := w.pipeline.Publish(pubCtx, job); err != nil {
		w.logger.Error("hand off pending retry", "job_id", job.ID, "error", err)
		return
	}
	w.logger.Info("pending retry handed off on shutdown", "job_id", job.ID, "attempts", job.Attempts)
}
