// Package guardrail blocks actions that would repeat or reverse a recent executed action on the
// same entity.
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
	"github.com/ILLUVRSE/adops/decision-engine/internal/store"
)

const (
	RuleCooldown        = "cooldown"
	RuleAntiOscillation = "anti_oscillation"
)

// reverses lists, for each action, the actions that undo it.
var reverses = map[models.ActionKind][]models.ActionKind{
	models.ActionBudgetIncrease: {models.ActionBudgetDecrease, models.ActionPause},
	models.ActionBudgetDecrease: {models.ActionBudgetIncrease},
	models.ActionPause:          {models.ActionResume, models.ActionBudgetIncrease},
	models.ActionResume:         {models.ActionPause},
}

// IsReverse reports whether b undoes a.
func IsReverse(a, b models.ActionKind) bool {
	for _, r := range reverses[a] {
		if r == b {
			return true
		}
	}
	return false
}

type Result struct {
	Allowed    bool              `json:"allowed"`
	Rule       string            `json:"rule,omitempty"`
	Reason     string            `json:"reason"`
	LastAction models.ActionKind `json:"lastAction,omitempty"`
	Elapsed    time.Duration     `json:"elapsed,omitempty"`
}

type Option func(*Service)

// WithClock replaces time.Now for elapsed-time checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	ops store.OperationStore
	now func() time.Time
}

func New(ops store.OperationStore, opts ...Option) *Service {
	s := &Service{ops: ops, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckMomentum decides whether action may run on entityID now. Only executed operations count.
// The caller serializes checks per entity.
func (s *Service) CheckMomentum(ctx context.Context, entityID string, action models.ActionKind, cooldown, antiOscillation time.Duration) (Result, error) {
	last, err := s.ops.LatestExecutedOperation(ctx, entityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Allowed: true, Reason: "no previous executed action"}, nil
		}
		return Result{}, fmt.Errorf("guardrail lookup: %w", err)
	}

	at := last.CreatedAt
	if last.ExecutedAt != nil {
		at = *last.ExecutedAt
	}
	elapsed := s.now().Sub(at)
	if elapsed < 0 {
		elapsed = 0
	}
	res := Result{LastAction: last.Action, Elapsed: elapsed}

	if last.Action == action && elapsed < cooldown {
		res.Rule = RuleCooldown
		res.Reason = fmt.Sprintf("%s executed %s ago, cooldown is %s", last.Action, round(elapsed), cooldown)
		return res, nil
	}
	if IsReverse(last.Action, action) && elapsed < antiOscillation {
		res.Rule = RuleAntiOscillation
		res.Reason = fmt.Sprintf("%s would reverse %s executed %s ago, anti-oscillation window is %s",
			action, last.Action, round(elapsed), antiOscillation)
		return res, nil
	}
	res.Allowed = true
	res.Reason = fmt.Sprintf("last action %s executed %s ago", last.Action, round(elapsed))
	return res, nil
}

func round(d time.Duration) time.Duration { return d.Round(time.Second) }
