package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/adops/decision-engine/internal/approval"
	"github.com/ILLUVRSE/adops/decision-engine/internal/audit"
	"github.com/ILLUVRSE/adops/decision-engine/internal/auth"
	"github.com/ILLUVRSE/adops/decision-engine/internal/config"
	"github.com/ILLUVRSE/adops/decision-engine/internal/executor"
	"github.com/ILLUVRSE/adops/decision-engine/internal/guardrail"
	"github.com/ILLUVRSE/adops/decision-engine/internal/httpserver"
	"github.com/ILLUVRSE/adops/decision-engine/internal/jobs"
	"github.com/ILLUVRSE/adops/decision-engine/internal/metrics"
	"github.com/ILLUVRSE/adops/decision-engine/internal/migrate"
	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
	"github.com/ILLUVRSE/adops/decision-engine/internal/orchestrator"
	"github.com/ILLUVRSE/adops/decision-engine/internal/policy"
	"github.com/ILLUVRSE/adops/decision-engine/internal/signing"
	"github.com/ILLUVRSE/adops/decision-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load", "error", err)
		os.Exit(1)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("decision engine stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	registry, err := loadPolicies(cfg)
	if err != nil {
		return err
	}
	logger.Info("policies loaded", "ids", registry.IDs())

	m := metrics.New()

	exec, err := newExecutor(cfg, logger)
	if err != nil {
		return err
	}

	pipelineOpts := []jobs.Option{
		jobs.WithLogger(logger),
		jobs.WithMetrics(m),
		jobs.WithRetryBackoff(cfg.RetryBase, cfg.RetryMax),
		// worker attempts are capped at JobTimeout, so anything running twice as long is orphaned
		jobs.WithStaleAfter(2 * cfg.JobTimeout),
	}
	var queue *jobs.KafkaQueue
	if len(cfg.KafkaBrokers) > 0 {
		queue, err = jobs.NewKafkaQueue(jobs.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.JobsTopic})
		if err != nil {
			return err
		}
		defer queue.Close()
		pipelineOpts = append(pipelineOpts, jobs.WithQueue(queue))
	}
	pipeline := jobs.New(st, pipelineOpts...)
	pipeline.Register(models.JobTypeExecuteOperation, jobs.ExecuteOperationHandler(st, exec))

	workflowOpts := []approval.Option{
		approval.WithLogger(logger),
		approval.WithMetrics(m),
		approval.WithAttempts(func(policyID string) int {
			if p, err := registry.Get(policyID); err == nil {
				return p.JobMaxAttempts()
			}
			return jobs.DefaultMaxAttempts
		}),
	}
	if cfg.ArchiveBucket != "" {
		archiver, err := audit.NewS3Archiver(ctx, audit.S3Config{
			Bucket:   cfg.ArchiveBucket,
			Prefix:   cfg.ArchivePrefix,
			Region:   cfg.AWSRegion,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return err
		}
		if cfg.ArchiveSigningKey != "" {
			signer, err := signing.NewEd25519SignerFromB64(cfg.ArchiveSigningKey, cfg.ArchiveSignerID)
			if err != nil {
				return err
			}
			archiver.WithSigner(signer)
			logger.Info("archive signing enabled", "signer", signer.SignerID(), "public_key", signer.PublicKeyB64())
		}
		pipeline.Register(models.JobTypeArchiveOperation, jobs.ArchiveOperationHandler(st, archiver))
		workflowOpts = append(workflowOpts, approval.WithArchive(true))
	}
	if cfg.ApprovalWebhookURL != "" {
		channel, err := approval.NewWebhookChannel(approval.WebhookConfig{
			URL:   cfg.ApprovalWebhookURL,
			Token: cfg.ApprovalWebhookToken,
		})
		if err != nil {
			return err
		}
		workflowOpts = append(workflowOpts, approval.WithChannel(channel))
	}
	workflow := approval.New(st, pipeline, workflowOpts...)

	orch := orchestrator.New(st, registry, guardrail.New(st), workflow, pipeline,
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(m),
		orchestrator.WithBatchParallelism(cfg.BatchConcurrency),
	)

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		AllowDev: cfg.AllowDevPrincipal,
	})
	if err != nil {
		return err
	}

	server := httpserver.New(orch, st, verifier, m, logger)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("decision engine listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if queue != nil && cfg.RunWorker {
		reader, err := jobs.NewKafkaReader(jobs.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.JobsTopic,
			GroupID: cfg.JobsGroupID,
		})
		if err != nil {
			return err
		}
		defer reader.Close()
		worker := jobs.NewWorker(reader, pipeline, jobs.WorkerConfig{
			Concurrency: cfg.WorkerConcurrency,
			RetryBase:   cfg.RetryBase,
			RetryMax:    cfg.RetryMax,
			JobTimeout:  cfg.JobTimeout,
		}, logger)
		g.Go(func() error {
			logger.Info("job worker started", "topic", cfg.JobsTopic, "group", cfg.JobsGroupID)
			return worker.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
		}
		return nil
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured; using in-memory store")
		return store.NewMemoryStore(), nil, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, err
	}
	if cfg.RunMigrations {
		results, err := migrate.NewRunner(logger).Up(ctx, db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("migrations applied", "count", len(results))
	}
	return store.NewPGStore(db), db, nil
}

func loadPolicies(cfg config.Config) (*policy.Registry, error) {
	if cfg.PolicyFile != "" {
		return policy.LoadFile(cfg.PolicyFile)
	}
	return policy.NewRegistry(policy.Default())
}

func newExecutor(cfg config.Config, logger *slog.Logger) (executor.ActionExecutor, error) {
	if cfg.GatewayURL == "" {
		logger.Warn("no ads gateway configured; actions run in dry-run mode")
		return executor.DryRun{}, nil
	}
	return executor.NewHTTPClient(executor.HTTPClientConfig{
		BaseURL: cfg.GatewayURL,
		Token:   cfg.GatewayToken,
		Timeout: cfg.GatewayTimeout,
		Retries: cfg.GatewayRetries,
	})
}
