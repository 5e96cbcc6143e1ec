package migrate

import (
	"context"
	"errors"

	"deid/internal/domain"
	"deid/internal/plan"
)

// Environment answers the plan's questions about the destination.
type Environment struct {
	Destination Database

	// DestinationErr is reported by PingTarget when the destination could
	// not be opened at all.
	DestinationErr error
	Runs           domain.RunRepository
	Vaults         VaultConnector
}

var _ plan.Environment = (*Environment)(nil)

// PingTarget checks the destination connection.
func (e *Environment) PingTarget(ctx context.Context) error {
	if e.DestinationErr != nil {
		return &domain.DependencyError{Capability: "destination", Err: e.DestinationErr}
	}
	if e.Destination.DB == nil {
		return &domain.DependencyError{Capability: "destination", Err: errors.New("not configured")}
	}
	if err := e.Destination.DB.PingContext(ctx); err != nil {
		return &domain.DependencyError{Capability: "destination", Err: err}
	}
	return nil
}

// ActiveRun returns the non-preview run in progress on target.
func (e *Environment) ActiveRun(ctx context.Context, target string) (*domain.MigrationRun, error) {
	return e.Runs.ActiveForTarget(ctx, target)
}

// MigratedTables lists the tables already present in the destination.
func (e *Environment) MigratedTables(ctx context.Context) (map[string]bool, error) {
	if e.Destination.DB == nil {
		return nil, nil
	}
	rows, err := e.Destination.DB.QueryContext(ctx, e.Destination.Dialect.ListTablesQuery())
	if err != nil {
		return nil, &domain.TransientError{Op: "list destination tables", Err: err}
	}
	defer rows.Close() //nolint:errcheck

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &domain.TransientError{Op: "list destination tables", Err: err}
		}
		out[name] = true
	}
	return out, rows.Err()
}

// HasVaultTarget reports whether a vault target is configured.
func (e *Environment) HasVaultTarget(name string) bool {
	return e.Vaults != nil && e.Vaults.Has(name)
}
