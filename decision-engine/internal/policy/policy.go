// Package policy holds the per-tenant automation rules: how to score an entity, which action a
// score maps to, the guardrail windows and whether a human must approve.
package policy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
	"github.com/ILLUVRSE/adops/decision-engine/internal/scoring"
)

// Tier names the rule that produced an action.
const (
	TierAggressiveScale = "aggressive_scale"
	TierScale           = "scale"
	TierShrink          = "shrink"
	TierKill            = "kill"
	TierRevive          = "revive"
)

const (
	defaultHistoryWindow = 14
	defaultMaxAttempts   = 3
)

var ErrInvalidPolicy = errors.New("invalid policy")

var validate = validator.New(validator.WithRequiredStructEnabled())

type Thresholds struct {
	Aggressive float64 `json:"aggressive" yaml:"aggressive" validate:"gte=0,lte=100"`
	Scale      float64 `json:"scale" yaml:"scale" validate:"gte=0,lte=100"`
	Shrink     float64 `json:"shrink" yaml:"shrink" validate:"gte=0,lte=100"`
	Kill       float64 `json:"kill" yaml:"kill" validate:"gte=0,lte=100"`
	Resume     float64 `json:"resume" yaml:"resume" validate:"gte=0,lte=100"`
}

type Percents struct {
	Aggressive float64 `json:"aggressive" yaml:"aggressive" validate:"gte=0,lte=500"`
	Scale      float64 `json:"scale" yaml:"scale" validate:"gte=0,lte=500"`
	Shrink     float64 `json:"shrink" yaml:"shrink" validate:"gte=0,lt=100"`
}

// Duration decodes "4h"-style strings from YAML and JSON.
type Duration time.Duration

type Policy struct {
	ID                 string                   `json:"id" yaml:"id" validate:"required"`
	Stages             []scoring.LifecycleStage `json:"stages" yaml:"stages" validate:"dive"`
	Baselines          map[string]float64       `json:"baselines" yaml:"baselines" validate:"required,min=1"`
	Sensitivity        map[string]float64       `json:"sensitivity,omitempty" yaml:"sensitivity"`
	DefaultSensitivity float64                  `json:"defaultSensitivity" yaml:"defaultSensitivity" validate:"gte=0"`
	Alpha              float64                  `json:"alpha" yaml:"alpha" validate:"gte=0,lte=1"`
	HistoryWindow      int                      `json:"historyWindow" yaml:"historyWindow" validate:"gte=0"`
	Thresholds         Thresholds               `json:"thresholds" yaml:"thresholds"`
	Percents           Percents                 `json:"percents" yaml:"percents"`
	Cooldown           Duration                 `json:"cooldown" yaml:"cooldown"`
	AntiOscillation    Duration                 `json:"antiOscillation" yaml:"antiOscillation"`
	RequireApproval    bool                     `json:"requireApproval" yaml:"requireApproval"`
	ApprovalActions    []models.ActionKind      `json:"approvalActions,omitempty" yaml:"approvalActions"`
	MaxAttempts        int                      `json:"maxAttempts" yaml:"maxAttempts" validate:"gte=0,lte=20"`
}

// Plan is the action a score maps to, before guardrails.
type Plan struct {
	Action models.ActionKind   `json:"action"`
	Tier   string              `json:"tier,omitempty"`
	Params models.ActionParams `json:"params"`
}

func (p Plan) None() bool { return p.Action == models.ActionNone || p.Action == "" }

// Validate checks field ranges and the cross-field rules the tags cannot express.
func (p *Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	for metric := range p.Baselines {
		if !scoring.Scoreable(metric) {
			return fmt.Errorf("%w: baseline for unscoreable metric %q", ErrInvalidPolicy, metric)
		}
	}
	for i, st := range p.Stages {
		if st.MaxSpend != 0 && st.MaxSpend <= st.MinSpend {
			return fmt.Errorf("%w: stage %q has maxSpend <= minSpend", ErrInvalidPolicy, st.Name)
		}
		if i > 0 && p.Stages[i-1].MaxSpend != st.MinSpend {
			return fmt.Errorf("%w: stage %q does not start where %q ends", ErrInvalidPolicy, st.Name, p.Stages[i-1].Name)
		}
		if i < len(p.Stages)-1 && st.MaxSpend == 0 {
			return fmt.Errorf("%w: only the last stage may be unbounded", ErrInvalidPolicy)
		}
	}
	t := p.Thresholds
	if t.Aggressive > 0 && t.Kill >= t.Aggressive {
		return fmt.Errorf("%w: kill threshold must be below aggressive threshold", ErrInvalidPolicy)
	}
	if t.Scale > 0 && t.Aggressive > 0 && t.Scale > t.Aggressive {
		return fmt.Errorf("%w: scale threshold above aggressive threshold", ErrInvalidPolicy)
	}
	for _, a := range p.ApprovalActions {
		if !a.Valid() {
			return fmt.Errorf("%w: unknown approval action %q", ErrInvalidPolicy, a)
		}
	}
	if p.Cooldown < 0 || p.AntiOscillation < 0 {
		return fmt.Errorf("%w: negative guardrail window", ErrInvalidPolicy)
	}
	return nil
}

// ScoringConfig adapts the policy for the scorer.
func (p *Policy) ScoringConfig() scoring.Config {
	window := p.HistoryWindow
	if window == 0 {
		window = defaultHistoryWindow
	}
	return scoring.Config{
		Stages:             p.Stages,
		Baselines:          p.Baselines,
		Sensitivity:        p.Sensitivity,
		DefaultSensitivity: p.DefaultSensitivity,
		Alpha:              p.Alpha,
		HistoryWindow:      window,
	}
}

func (p *Policy) CooldownWindow() time.Duration        { return time.Duration(p.Cooldown) }
func (p *Policy) AntiOscillationWindow() time.Duration { return time.Duration(p.AntiOscillation) }

func (p *Policy) JobMaxAttempts() int {
	if p.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return p.MaxAttempts
}

// RequiresApproval reports whether action must wait for a human.
func (p *Policy) RequiresApproval(action models.ActionKind) bool {
	if !p.RequireApproval {
		return false
	}
	if len(p.ApprovalActions) == 0 {
		return true
	}
	for _, a := range p.ApprovalActions {
		if a == action {
			return true
		}
	}
	return false
}

// MapScoreToAction turns a score into a proposed action for an entity in the given state.
func (p *Policy) MapScoreToAction(score models.ScoringResult, state models.EntityState) Plan {
	s := score.FinalScore
	t := p.Thresholds
	current := state.Status
	if current == "" {
		current = models.EntityStatusActive
	}

	if current == models.EntityStatusPaused {
		if t.Resume > 0 && s >= t.Resume {
			return statusPlan(models.ActionResume, TierRevive, current, models.EntityStatusActive)
		}
		return Plan{Action: models.ActionNone}
	}

	switch {
	case t.Aggressive > 0 && s >= t.Aggressive:
		return budgetPlan(models.ActionBudgetIncrease, TierAggressiveScale, state.DailyBudget, p.Percents.Aggressive)
	case t.Scale > 0 && s >= t.Scale:
		return budgetPlan(models.ActionBudgetIncrease, TierScale, state.DailyBudget, p.Percents.Scale)
	case s <= t.Kill:
		return statusPlan(models.ActionPause, TierKill, current, models.EntityStatusPaused)
	case t.Shrink > 0 && s <= t.Shrink:
		return budgetPlan(models.ActionBudgetDecrease, TierShrink, state.DailyBudget, p.Percents.Shrink)
	}
	return Plan{Action: models.ActionNone}
}

func budgetPlan(action models.ActionKind, tier string, budget, percent float64) Plan {
	factor := 1 + percent/100
	if action == models.ActionBudgetDecrease {
		factor = 1 - percent/100
	}
	return Plan{
		Action: action,
		Tier:   tier,
		Params: models.ActionParams{
			Kind: action,
			Budget: &models.BudgetChange{
				Percent: percent,
				From:    budget,
				To:      math.Round(budget*factor*100) / 100,
			},
		},
	}
}

func statusPlan(action models.ActionKind, tier, from, to string) Plan {
	return Plan{
		Action: action,
		Tier:   tier,
		Params: models.ActionParams{
			Kind:   action,
			Status: &models.StatusChange{From: from, To: to},
		},
	}
}
