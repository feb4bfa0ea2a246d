// Package migrate applies the embedded schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"

	"github.com/ILLUVRSE/adops/decision-engine/migrations"
)

var ErrNilDB = errors.New("migrate: nil database handle")

type gooseRunner interface {
	UpTo(ctx context.Context, version int64) ([]*goose.MigrationResult, error)
}

type providerFactory func(db *sql.DB) (gooseRunner, error)

// Runner applies embedded SQL migrations to an open database.
type Runner struct {
	factory providerFactory
	logger  *slog.Logger
}

func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		factory: func(db *sql.DB) (gooseRunner, error) {
			return goose.NewProvider(goose.DialectPostgres, db, migrations.Files)
		},
		logger: logger,
	}
}

// Up applies every pending migration.
func (r *Runner) Up(ctx context.Context, db *sql.DB) ([]*goose.MigrationResult, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	provider, err := r.factory(db)
	if err != nil {
		return nil, fmt.Errorf("init goose provider: %w", err)
	}
	r.logger.InfoContext(ctx, "applying decision-engine migrations")
	results, err := provider.UpTo(ctx, goose.MaxVersion)
	if err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	r.logger.InfoContext(ctx, "decision-engine migrations applied", "applied", len(results))
	return results, nil
}
