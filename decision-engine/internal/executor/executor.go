// Package executor calls the ads gateway that applies an approved action to a remote entity.
package executor

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
)

// ErrRejected marks a request the gateway refused outright; retrying it will not help.
var ErrRejected = errors.New("action rejected by gateway")

type ActionRequest struct {
	OperationID    uuid.UUID           `json:"operationId"`
	EntityID       string              `json:"entityId"`
	Action         models.ActionKind   `json:"action"`
	Params         models.ActionParams `json:"params"`
	IdempotencyKey string              `json:"-"`
}

// ActionExecutor applies one action. Implementations must treat IdempotencyKey as the
// de-duplication key for the remote side effect.
type ActionExecutor interface {
	Execute(ctx context.Context, req ActionRequest) (models.ActionResult, error)
}

// Func adapts a function to ActionExecutor.
type Func func(ctx context.Context, req ActionRequest) (models.ActionResult, error)

func (f Func) Execute(ctx context.Context, req ActionRequest) (models.ActionResult, error) {
	return f(ctx, req)
}

// DryRun reports every action as applied without calling anything.
type DryRun struct{}

func (DryRun) Execute(_ context.Context, req ActionRequest) (models.ActionResult, error) {
	return models.ActionResult{
		Kind:    req.Action,
		Applied: req.Params.After(),
		Message: "dry run",
	}, nil
}
