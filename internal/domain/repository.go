package domain

import (
	"context"
	"time"
)

// CatalogRepository persists catalog metadata.
type CatalogRepository interface {
	Save(ctx context.Context, c *Catalog) (*Catalog, error)
	GetByName(ctx context.Context, name string) (*Catalog, error)
	List(ctx context.Context) ([]Catalog, error)
	AddJoin(ctx context.Context, catalogName string, j JoinInfo) error
	AddLookup(ctx context.Context, catalogName string, l LookupInfo) error
	SetExtractable(ctx context.Context, catalogName string, ref ColumnRef, extractable bool) error
}

// PlanRepository persists anonymisation plans.
type PlanRepository interface {
	Get(ctx context.Context, catalogName string) (*Plan, error)
	Save(ctx context.Context, p *Plan) error
	// StoresForColumnName returns the distinct stores used to pseudonymize
	// columns with the given base name in plans other than excludeCatalog.
	StoresForColumnName(ctx context.Context, baseName, excludeCatalog string) ([]string, error)
}

// PseudonymStoreRepository is the store registry.
type PseudonymStoreRepository interface {
	Create(ctx context.Context, s *PseudonymStore) (*PseudonymStore, error)
	GetByName(ctx context.Context, name string) (*PseudonymStore, error)
	List(ctx context.Context) ([]PseudonymStore, error)
	UpdateShape(ctx context.Context, s *PseudonymStore) error
	MarkProvisioned(ctx context.Context, name string, at time.Time) error
}

// RunRepository records migration runs.
type RunRepository interface {
	Start(ctx context.Context, r *MigrationRun) error
	Finish(ctx context.Context, id string, status RunStatus, errMsg string) error
	// ActiveForTarget returns the running migration on target, or nil.
	ActiveForTarget(ctx context.Context, target string) (*MigrationRun, error)
	List(ctx context.Context, catalogName string, limit int) ([]MigrationRun, error)
}
