package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Metric names used across scoring, policies and history payloads.
const (
	MetricSpend       = "spend"
	MetricImpressions = "impressions"
	MetricClicks      = "clicks"
	MetricCPM         = "cpm"
	MetricCTR         = "ctr"
	MetricCPC         = "cpc"
	MetricCPA         = "cpa"
	MetricROAS        = "roas"
)

// MetricSnapshot is the externally produced view of one entity at one instant.
type MetricSnapshot struct {
	Spend       float64 `json:"spend" validate:"gte=0"`
	Impressions float64 `json:"impressions" validate:"gte=0"`
	Clicks      float64 `json:"clicks" validate:"gte=0"`
	CPM         float64 `json:"cpm" validate:"gte=0"`
	CTR         float64 `json:"ctr" validate:"gte=0"`
	CPC         float64 `json:"cpc" validate:"gte=0"`
	CPA         float64 `json:"cpa" validate:"gte=0"`
	ROAS        float64 `json:"roas" validate:"gte=0"`
}

// Value returns the named metric and whether the name is known.
func (s MetricSnapshot) Value(metric string) (float64, bool) {
	switch metric {
	case MetricSpend:
		return s.Spend, true
	case MetricImpressions:
		return s.Impressions, true
	case MetricClicks:
		return s.Clicks, true
	case MetricCPM:
		return s.CPM, true
	case MetricCTR:
		return s.CTR, true
	case MetricCPC:
		return s.CPC, true
	case MetricCPA:
		return s.CPA, true
	case MetricROAS:
		return s.ROAS, true
	}
	return 0, false
}

// MetricHistory holds one oldest→newest series per metric name.
type MetricHistory map[string][]float64

// EntityState is the last known remote state of the entity, used to fill before/after values.
type EntityState struct {
	Status      string  `json:"status,omitempty"`
	DailyBudget float64 `json:"dailyBudget,omitempty" validate:"gte=0"`
	Bid         float64 `json:"bid,omitempty" validate:"gte=0"`
}

const (
	EntityStatusActive = "ACTIVE"
	EntityStatusPaused = "PAUSED"
)

type ScoringResult struct {
	FinalScore    float64            `json:"finalScore"`
	BaseScore     float64            `json:"baseScore"`
	MomentumBonus float64            `json:"momentumBonus"`
	Stage         string             `json:"stage"`
	SubScores     map[string]float64 `json:"subScores"`
	Contributions map[string]float64 `json:"contributions"`
	Slopes        map[string]float64 `json:"slopes,omitempty"`
}

type OperationStatus string

const (
	OperationPending  OperationStatus = "pending"
	OperationApproved OperationStatus = "approved"
	OperationRejected OperationStatus = "rejected"
	OperationExecuted OperationStatus = "executed"
	OperationFailed   OperationStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s OperationStatus) Terminal() bool {
	return s == OperationRejected || s == OperationExecuted || s == OperationFailed
}

// CanTransition reports whether from→to is a legal Operation transition.
func CanTransition(from, to OperationStatus) bool {
	switch from {
	case OperationPending:
		return to == OperationApproved || to == OperationRejected
	case OperationApproved:
		return to == OperationExecuted || to == OperationFailed
	}
	return false
}

type Operation struct {
	ID               uuid.UUID       `json:"id"`
	EntityID         string          `json:"entityId"`
	PolicyID         string          `json:"policyId"`
	Action           ActionKind      `json:"action"`
	Params           ActionParams    `json:"params"`
	Reason           string          `json:"reason"`
	ScoreSnapshot    *ScoringResult  `json:"scoreSnapshot,omitempty"`
	Status           OperationStatus `json:"status"`
	RequiresApproval bool            `json:"requiresApproval"`
	ApprovalRef      string          `json:"approvalRef,omitempty"`
	DecidedBy        string          `json:"decidedBy,omitempty"`
	RejectReason     string          `json:"rejectReason,omitempty"`
	JobID            *uuid.UUID      `json:"jobId,omitempty"`
	RetryOf          *uuid.UUID      `json:"retryOf,omitempty"`
	LastError        string          `json:"lastError,omitempty"`
	Result           *ActionResult   `json:"result,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	ExecutedAt       *time.Time      `json:"executedAt,omitempty"`
}

// BeforeValue renders the entity value prior to the change.
func (o Operation) BeforeValue() string { return o.Params.Before() }

// AfterValue renders the entity value the change aims for.
func (o Operation) AfterValue() string { return o.Params.After() }

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

type Job struct {
	ID             uuid.UUID       `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Status         JobStatus       `json:"status"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	Permanent      bool            `json:"permanent,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
}

// Exhausted reports whether a failed job may not be attempted again: it used up its attempts
// or its handler reported a permanent failure.
func (j Job) Exhausted() bool {
	return j.Permanent || (j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts)
}

// Terminal reports whether the job will not run again without a manual retry.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobCancelled:
		return true
	case JobFailed:
		return j.Exhausted()
	}
	return false
}

// Job types handled by the pipeline.
const (
	JobTypeExecuteOperation = "execute_operation"
	JobTypeArchiveOperation = "archive_operation"
)

type ExecuteOperationPayload struct {
	OperationID uuid.UUID `json:"operationId"`
}

type ArchiveOperationPayload struct {
	OperationID uuid.UUID       `json:"operationId"`
	Status      OperationStatus `json:"status"`
}
