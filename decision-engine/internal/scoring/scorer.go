package scoring

import (
	"math"

	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
	"github.com/ILLUVRSE/adops/decision-engine/internal/trend"
)

// BaselineScore is the sub-score a metric earns when it sits exactly on its baseline.
const BaselineScore = 60.0

// LifecycleStage is a spend band with its own metric weighting. MaxSpend == 0 means unbounded.
type LifecycleStage struct {
	Name     string             `json:"name" yaml:"name" validate:"required"`
	MinSpend float64            `json:"minSpend" yaml:"minSpend" validate:"gte=0"`
	MaxSpend float64            `json:"maxSpend" yaml:"maxSpend" validate:"gte=0"`
	Weights  map[string]float64 `json:"weights" yaml:"weights" validate:"required,min=1"`
}

func (s LifecycleStage) contains(spend float64) bool {
	if spend < s.MinSpend {
		return false
	}
	return s.MaxSpend == 0 || spend < s.MaxSpend
}

var directions = map[string]trend.Direction{
	models.MetricCTR:         trend.HigherIsBetter,
	models.MetricROAS:        trend.HigherIsBetter,
	models.MetricClicks:      trend.HigherIsBetter,
	models.MetricImpressions: trend.HigherIsBetter,
	models.MetricCPM:         trend.LowerIsBetter,
	models.MetricCPC:         trend.LowerIsBetter,
	models.MetricCPA:         trend.LowerIsBetter,
}

// momentumMetrics lists the metrics whose trend feeds the momentum bonus, in a fixed order.
var momentumMetrics = []string{models.MetricCTR, models.MetricCPA, models.MetricROAS}

// Scoreable reports whether metric has a known favourable direction.
func Scoreable(metric string) bool {
	_, ok := directions[metric]
	return ok
}

// DefaultStages models cost efficiency early and return on spend later.
func DefaultStages() []LifecycleStage {
	return []LifecycleStage{
		{Name: "Learning", MinSpend: 0, MaxSpend: 20, Weights: map[string]float64{
			models.MetricCTR: 0.5, models.MetricCPC: 0.3, models.MetricCPM: 0.2,
		}},
		{Name: "Scaling", MinSpend: 20, MaxSpend: 200, Weights: map[string]float64{
			models.MetricROAS: 0.7, models.MetricCTR: 0.1, models.MetricCPA: 0.2,
		}},
		{Name: "Mature", MinSpend: 200, Weights: map[string]float64{
			models.MetricROAS: 0.8, models.MetricCPA: 0.2,
		}},
	}
}

// Config carries everything except the per-evaluation inputs.
type Config struct {
	Stages    []LifecycleStage
	Baselines map[string]float64
	// Sensitivity maps a momentum metric to its slope multiplier; DefaultSensitivity fills gaps.
	Sensitivity        map[string]float64
	DefaultSensitivity float64
	Alpha              float64
	HistoryWindow      int
}

// Score computes the composite health score. It performs no I/O.
func Score(snapshot models.MetricSnapshot, history models.MetricHistory, cfg Config) models.ScoringResult {
	stages := cfg.Stages
	if len(stages) == 0 {
		stages = DefaultStages()
	}
	stage := SelectStage(stages, snapshot.Spend)

	result := models.ScoringResult{
		Stage:         stage.Name,
		SubScores:     make(map[string]float64, len(stage.Weights)),
		Contributions: make(map[string]float64, len(stage.Weights)),
		Slopes:        map[string]float64{},
	}

	for metric, weight := range stage.Weights {
		value, ok := snapshot.Value(metric)
		if !ok || !Scoreable(metric) {
			continue
		}
		sub := Normalize(metric, value, cfg.Baselines[metric])
		result.SubScores[metric] = sub
		result.Contributions[metric] = sub * weight
		result.BaseScore += sub * weight
	}

	bonus := 0.0
	for _, metric := range momentumMetrics {
		if stage.Weights[metric] == 0 {
			continue
		}
		series := trend.Window(history[metric], cfg.HistoryWindow)
		if len(series) < 2 {
			continue
		}
		slope := trend.Slope(trend.Smooth(series, cfg.Alpha))
		result.Slopes[metric] = slope
		bonus += trend.MomentumMultiplier(slope, directions[metric], cfg.sensitivity(metric))
	}
	result.MomentumBonus = trend.Clamp(bonus, -trend.MaxMomentum, trend.MaxMomentum)
	result.FinalScore = trend.Clamp(result.BaseScore*(1+result.MomentumBonus), 0, 100)
	return result
}

func (c Config) sensitivity(metric string) float64 {
	if v, ok := c.Sensitivity[metric]; ok {
		return v
	}
	return c.DefaultSensitivity
}

// SelectStage returns the stage whose [MinSpend, MaxSpend) contains spend, else the last one.
func SelectStage(stages []LifecycleStage, spend float64) LifecycleStage {
	for _, s := range stages {
		if s.contains(spend) {
			return s
		}
	}
	return stages[len(stages)-1]
}

// Normalize maps a raw metric onto 0–100 against its baseline.
func Normalize(metric string, value, baseline float64) float64 {
	if directions[metric] == trend.LowerIsBetter {
		return NormalizeLowerIsBetter(value, baseline)
	}
	return NormalizeHigherIsBetter(value, baseline)
}

// NormalizeHigherIsBetter maps value onto 0..100 with the baseline at BaselineScore. Missing or
// non-positive values score 0.
func NormalizeHigherIsBetter(value, baseline float64) float64 {
	if baseline <= 0 || value <= 0 || math.IsNaN(value) {
		return 0
	}
	return math.Min(100, value/baseline*BaselineScore)
}

// NormalizeLowerIsBetter treats a zero cost as "no observed cost" and awards the maximum.
func NormalizeLowerIsBetter(value, baseline float64) float64 {
	if baseline <= 0 || math.IsNaN(value) {
		return 0
	}
	if value <= 0 {
		return 100
	}
	return trend.Clamp(baseline/value*BaselineScore, 0, 100)
}
