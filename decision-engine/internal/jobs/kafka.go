package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// GroupID is the consumer group workers join.
	GroupID string
	// MaxAttempts bounds produce retries on transient errors. Defaults to 3.
	MaxAttempts  int
	WriteTimeout time.Duration
}

// message is the record published per job; workers reload the job from the store.
type message struct {
	JobID    uuid.UUID `json:"jobId"`
	Type     string    `json:"type"`
	Attempts int       `json:"attempts"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaQueue publishes jobs to a topic keyed by job id, so every delivery of one job lands on
// the same partition.
type KafkaQueue struct {
	writer      messageWriter
	maxAttempts int
	backoff     time.Duration
}

func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaQueue(w, cfg.MaxAttempts), nil
}

func newKafkaQueue(w messageWriter, maxAttempts int) *KafkaQueue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &KafkaQueue{writer: w, maxAttempts: maxAttempts, backoff: 100 * time.Millisecond}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, job models.Job) error {
	value, err := json.Marshal(message{JobID: job.ID, Type: job.Type, Attempts: job.Attempts})
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(job.ID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "job-type", Value: []byte(job.Type)},
			{Key: "priority", Value: []byte(strconv.Itoa(job.Priority))},
		},
	}

	var lastErr error
	backoff := q.backoff
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		msg.Time = time.Now().UTC()
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := q.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == q.maxAttempts {
			break
		}
		if err := sleep(ctx, backoff); err != nil {
			return err
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("produce failed after %d attempts: %w", q.maxAttempts, lastErr)
}

func (q *KafkaQueue) Close() error {
	if q == nil || q.writer == nil {
		return nil
	}
	return q.writer.Close()
}

// NewKafkaReader builds the consumer-group reader a Worker consumes from.
func NewKafkaReader(cfg KafkaConfig) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka: brokers, topic and group id required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	}), nil
}
