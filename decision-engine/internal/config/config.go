package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime settings for the decision engine.
type Config struct {
	Addr            string
	DatabaseURL     string
	AllowMemory     bool
	RunMigrations   bool
	PolicyFile      string
	LogFormat       string
	LogLevel        string
	ShutdownTimeout time.Duration

	KafkaBrokers      []string
	JobsTopic         string
	JobsGroupID       string
	RunWorker         bool
	WorkerConcurrency int
	JobTimeout        time.Duration
	RetryBase         time.Duration
	RetryMax          time.Duration

	GatewayURL     string
	GatewayToken   string
	GatewayTimeout time.Duration
	GatewayRetries int

	ApprovalWebhookURL   string
	ApprovalWebhookToken string

	ArchiveBucket string
	ArchivePrefix string
	AWSRegion     string
	S3Endpoint    string

	// ArchiveSigningKey is a base64 Ed25519 seed or private key. Archived records are unsigned without it.
	ArchiveSigningKey string
	ArchiveSignerID   string

	JWTSecret         string
	JWTIssuer         string
	AllowDevPrincipal bool

	BatchConcurrency int
}

const (
	defaultAddr              = ":8060"
	defaultJobsTopic         = "adops.jobs"
	defaultJobsGroupID       = "decision-engine"
	defaultWorkerConcurrency = 4
	defaultBatchConcurrency  = 8
	defaultJobTimeout        = 30 * time.Second
	defaultRetryBase         = 2 * time.Second
	defaultRetryMax          = time.Minute
	defaultGatewayTimeout    = 5 * time.Second
	defaultGatewayRetries    = 2
	defaultShutdownTimeout   = 10 * time.Second
)

// Load reads environment variables and returns a Config.
func Load() (Config, error) {
	cfg := Config{
		Addr:            getEnv("DECISION_ENGINE_ADDR", defaultAddr),
		DatabaseURL:     firstNonEmpty(os.Getenv("DECISION_ENGINE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		AllowMemory:     getBool("DECISION_ENGINE_ALLOW_MEMORY_STORE", false),
		RunMigrations:   getBool("DECISION_ENGINE_MIGRATE", true),
		PolicyFile:      firstNonEmpty(os.Getenv("DECISION_ENGINE_POLICY_FILE"), os.Getenv("POLICY_FILE")),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ShutdownTimeout: getDuration("DECISION_ENGINE_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),

		KafkaBrokers:      parseCSV(os.Getenv("KAFKA_BROKERS")),
		JobsTopic:         getEnv("DECISION_ENGINE_JOBS_TOPIC", defaultJobsTopic),
		JobsGroupID:       getEnv("DECISION_ENGINE_JOBS_GROUP", defaultJobsGroupID),
		RunWorker:         getBool("DECISION_ENGINE_RUN_WORKER", true),
		WorkerConcurrency: getInt("DECISION_ENGINE_WORKER_CONCURRENCY", defaultWorkerConcurrency),
		JobTimeout:        getDuration("DECISION_ENGINE_JOB_TIMEOUT", defaultJobTimeout),
		RetryBase:         getDuration("DECISION_ENGINE_RETRY_BASE", defaultRetryBase),
		RetryMax:          getDuration("DECISION_ENGINE_RETRY_MAX", defaultRetryMax),

		GatewayURL:     os.Getenv("ADS_GATEWAY_URL"),
		GatewayToken:   os.Getenv("ADS_GATEWAY_TOKEN"),
		GatewayTimeout: getDuration("ADS_GATEWAY_TIMEOUT", defaultGatewayTimeout),
		GatewayRetries: getInt("ADS_GATEWAY_RETRIES", defaultGatewayRetries),

		ApprovalWebhookURL:   os.Getenv("APPROVAL_WEBHOOK_URL"),
		ApprovalWebhookToken: os.Getenv("APPROVAL_WEBHOOK_TOKEN"),

		ArchiveBucket: os.Getenv("DECISION_ENGINE_ARCHIVE_BUCKET"),
		ArchivePrefix: getEnv("DECISION_ENGINE_ARCHIVE_PREFIX", "decision-engine"),
		AWSRegion:     firstNonEmpty(os.Getenv("AWS_REGION"), os.Getenv("AWS_DEFAULT_REGION")),
		S3Endpoint:    os.Getenv("S3_ENDPOINT"),

		ArchiveSigningKey: os.Getenv("DECISION_ENGINE_ARCHIVE_SIGNING_KEY_B64"),
		ArchiveSignerID:   getEnv("DECISION_ENGINE_ARCHIVE_SIGNER_ID", "decision-engine"),

		JWTSecret:         os.Getenv("DECISION_ENGINE_JWT_SECRET"),
		JWTIssuer:         os.Getenv("DECISION_ENGINE_JWT_ISSUER"),
		AllowDevPrincipal: getBool("DECISION_ENGINE_ALLOW_DEV_PRINCIPAL", false),

		BatchConcurrency: getInt("DECISION_ENGINE_BATCH_CONCURRENCY", defaultBatchConcurrency),
	}

	if cfg.DatabaseURL == "" && !cfg.AllowMemory {
		return Config{}, fmt.Errorf("DATABASE_URL or DECISION_ENGINE_DATABASE_URL required")
	}
	if cfg.JWTSecret == "" && !cfg.AllowDevPrincipal {
		return Config{}, fmt.Errorf("DECISION_ENGINE_JWT_SECRET required unless DECISION_ENGINE_ALLOW_DEV_PRINCIPAL is set")
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}
	return cfg, nil
}

// NewLogger builds the process logger from LOG_FORMAT (text|json) and LOG_LEVEL.
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		ok, err := strconv.ParseBool(v)
		if err == nil {
			return ok
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
