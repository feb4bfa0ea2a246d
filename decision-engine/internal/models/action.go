package models

import (
	"fmt"
	"strconv"
)

type ActionKind string

const (
	ActionNone           ActionKind = "none"
	ActionPause          ActionKind = "pause"
	ActionResume         ActionKind = "resume"
	ActionBudgetIncrease ActionKind = "budget_increase"
	ActionBudgetDecrease ActionKind = "budget_decrease"
	ActionBidAdjust      ActionKind = "bid_adjust"
	ActionStatusChange   ActionKind = "status_change"
)

// Valid reports whether k names an executable action.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionPause, ActionResume, ActionBudgetIncrease, ActionBudgetDecrease, ActionBidAdjust, ActionStatusChange:
		return true
	}
	return false
}

// BudgetChange describes a daily budget move in account currency.
type BudgetChange struct {
	Percent float64 `json:"percent"`
	From    float64 `json:"from"`
	To      float64 `json:"to"`
}

type BidChange struct {
	Percent float64 `json:"percent"`
	From    float64 `json:"from"`
	To      float64 `json:"to"`
}

type StatusChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ActionParams is a tagged variant: Kind selects which of the pointers is populated.
type ActionParams struct {
	Kind   ActionKind    `json:"kind"`
	Budget *BudgetChange `json:"budget,omitempty"`
	Bid    *BidChange    `json:"bid,omitempty"`
	Status *StatusChange `json:"status,omitempty"`
}

// Validate checks that exactly the variant matching Kind is set.
func (p ActionParams) Validate() error {
	set := 0
	for _, present := range []bool{p.Budget != nil, p.Bid != nil, p.Status != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("action params for %q must carry exactly one variant, got %d", p.Kind, set)
	}
	switch p.Kind {
	case ActionBudgetIncrease, ActionBudgetDecrease:
		if p.Budget == nil {
			return fmt.Errorf("%s requires budget params", p.Kind)
		}
	case ActionBidAdjust:
		if p.Bid == nil {
			return fmt.Errorf("%s requires bid params", p.Kind)
		}
	case ActionPause, ActionResume, ActionStatusChange:
		if p.Status == nil {
			return fmt.Errorf("%s requires status params", p.Kind)
		}
	default:
		return fmt.Errorf("unknown action %q", p.Kind)
	}
	return nil
}

func (p ActionParams) Before() string {
	switch {
	case p.Budget != nil:
		return formatAmount(p.Budget.From)
	case p.Bid != nil:
		return formatAmount(p.Bid.From)
	case p.Status != nil:
		return p.Status.From
	}
	return ""
}

func (p ActionParams) After() string {
	switch {
	case p.Budget != nil:
		return formatAmount(p.Budget.To)
	case p.Bid != nil:
		return formatAmount(p.Bid.To)
	case p.Status != nil:
		return p.Status.To
	}
	return ""
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// ActionResult is what the ads platform reported after applying an action.
type ActionResult struct {
	Kind     ActionKind `json:"kind"`
	RemoteID string     `json:"remoteId,omitempty"`
	Applied  string     `json:"applied,omitempty"`
	Message  string     `json:"message,omitempty"`
}
