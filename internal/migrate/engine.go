// Package migrate executes a validated plan: it extracts each table from the
// source, files dumped identifiers in the vault, tokenizes and dilutes the
// live columns and loads the result into the destination.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"deid/internal/ddl"
	"deid/internal/dilution"
	"deid/internal/domain"
	"deid/internal/plan"
	"deid/internal/pseudonym"
	"deid/internal/sqltype"
)

const (
	defaultBatchSize         = 5000
	defaultMaxParallelTables = 4
)

// Database is an open connection with its dialect.
type Database struct {
	DB      *sql.DB
	Dialect ddl.Dialect
}

// StoreResolver returns the resolver bound to a pseudonym store.
type StoreResolver interface {
	Resolver(ctx context.Context, name string) (pseudonym.Resolver, error)
}

// VaultConnector opens vault targets by name.
type VaultConnector interface {
	Connect(target string) (Database, error)
	Has(target string) bool
}

// Config wires an Engine.
type Config struct {
	Plan              *plan.Manager
	Stores            StoreResolver
	Vaults            VaultConnector
	Tokenizer         *pseudonym.Tokenizer
	Dilutions         *dilution.Registry
	Source            Database
	Destination       Database
	Runs              domain.RunRepository
	Plans             domain.PlanRepository
	Logger            *slog.Logger
	BatchSize         int
	MaxParallelTables int
	Now               func() time.Time
}

// Engine consumes a plan. It is safe for concurrent use by the tables of
// one run.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Plan == nil:
		return nil, errors.New("migrate: plan manager is required")
	case cfg.Stores == nil:
		return nil, errors.New("migrate: store resolver is required")
	case cfg.Vaults == nil:
		return nil, errors.New("migrate: vault connector is required")
	case cfg.Dilutions == nil:
		return nil, errors.New("migrate: dilution registry is required")
	case cfg.Source.DB == nil:
		return nil, errors.New("migrate: source database is required")
	case cfg.Destination.DB == nil:
		return nil, errors.New("migrate: destination database is required")
	case cfg.Runs == nil:
		return nil, errors.New("migrate: run repository is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tokenizer == nil {
		cfg.Tokenizer = pseudonym.NewTokenizer(nil, cfg.Logger)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxParallelTables <= 0 {
		cfg.MaxParallelTables = defaultMaxParallelTables
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{cfg: cfg, logger: cfg.Logger.With("component", "migrate")}, nil
}

// EndpointColumn is one column of a destination table.
type EndpointColumn struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Source     string `json:"source"`
	PrimaryKey bool   `json:"primary_key"`
}

// EndpointSchema returns the destination columns of table in source order.
func (e *Engine) EndpointSchema(ctx context.Context, table string) ([]EndpointColumn, error) {
	return EndpointSchema(ctx, e.cfg.Plan, table)
}

// EndpointSchema derives the destination columns of table from a plan.
// Dropped columns are skipped; pseudonymized columns carry the token prefix.
func EndpointSchema(ctx context.Context, m *plan.Manager, table string) ([]EndpointColumn, error) {
	t, ok := m.Catalog().Table(table)
	if !ok {
		return nil, domain.ErrNotFound("table %q not in catalog", table)
	}
	var out []EndpointColumn
	for _, c := range t.Columns {
		ref := domain.ColumnRef{Table: table, Column: c.Name}
		typ, keep, err := m.EndpointType(ctx, ref)
		if err != nil {
			return nil, err
		}
		if !keep {
			continue
		}
		if typ == sqltype.Unknown {
			return nil, domain.ErrValidation("%s has no %s type", ref, m.TargetPlatform())
		}
		name := c.Name
		if _, ok := m.Effective(ref).(domain.Pseudonymize); ok {
			name = domain.TokenColumnName(c.Name)
		}
		out = append(out, EndpointColumn{Name: name, Type: typ, Source: c.Name, PrimaryKey: c.IsPrimaryKey})
	}
	return out, nil
}

// Window bounds an incremental extraction on the partition column. A nil
// From means no lower bound.
type Window struct {
	From *time.Time
	To   time.Time
}

// ExtractionSQL returns the source query of table: its primary keys, kept
// columns and vault columns, restricted to window when one is given.
func (e *Engine) ExtractionSQL(table string, w *Window) (string, []any, error) {
	t, ok := e.cfg.Plan.Catalog().Table(table)
	if !ok {
		return "", nil, domain.ErrNotFound("table %q not in catalog", table)
	}
	var cols []string
	for _, c := range t.Columns {
		ref := domain.ColumnRef{Table: table, Column: c.Name}
		if d, ok := e.cfg.Plan.Effective(ref).(domain.Drop); ok && !d.ToVault && !c.IsPrimaryKey {
			continue
		}
		cols = append(cols, c.Name)
	}
	if len(cols) == 0 {
		return "", nil, domain.ErrValidation("table %q has no column to extract", table)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(ddl.QuoteIdentifiers(cols), ", "), ddl.QuoteIdentifier(table))

	var args []any
	if w != nil {
		inc := e.cfg.Plan.Plan().Incremental
		if inc == nil || inc.Table != table {
			return "", nil, domain.ErrValidation("table %q is not partitioned", table)
		}
		col := ddl.QuoteIdentifier(inc.Column)
		if w.From != nil {
			fmt.Fprintf(&b, " WHERE %s >= ? AND %s < ?", col, col)
			args = append(args, *w.From, w.To)
		} else {
			fmt.Fprintf(&b, " WHERE %s < ?", col)
			args = append(args, w.To)
		}
	}
	if pks := t.PrimaryKeys(); len(pks) > 0 {
		names := make([]string, len(pks))
		for i, pk := range pks {
			names[i] = pk.Name
		}
		b.WriteString(" ORDER BY " + strings.Join(ddl.QuoteIdentifiers(names), ", "))
	}
	return e.cfg.Source.Dialect.Rebind(b.String()), args, nil
}

// Dependency is a server capability a run needs.
type Dependency struct {
	Capability string `json:"capability"`
	Required   bool   `json:"required"`
	Reason     string `json:"reason"`
}

// RequiredDependencies lists what the plan needs from its environment.
func (e *Engine) RequiredDependencies() []Dependency {
	deps := []Dependency{
		{Capability: "source", Required: true, Reason: "read " + e.cfg.Plan.Catalog().Name},
		{Capability: "destination", Required: true, Reason: "write the de-identified copy"},
	}
	stores := map[string]bool{}
	vaults := map[string]bool{}
	for _, t := range e.cfg.Plan.InScope() {
		for _, c := range t.Columns {
			if p, ok := e.cfg.Plan.Effective(domain.ColumnRef{Table: t.Name, Column: c.Name}).(domain.Pseudonymize); ok && p.Store != "" && !stores[p.Store] {
				stores[p.Store] = true
				deps = append(deps, Dependency{
					Capability: "mapping-server:allocate-and-insert:" + p.Store,
					Required:   true,
					Reason:     "allocate tokens of store " + p.Store,
				})
			}
		}
		rec, err := e.cfg.Plan.VaultRecord(t.Name)
		if err == nil && rec.HasVaultColumns() && !vaults[rec.Target] {
			vaults[rec.Target] = true
			deps = append(deps, Dependency{
				Capability: "vault:" + rec.Target,
				Required:   true,
				Reason:     "keep dumped identifiers of " + t.Name,
			})
		}
	}
	return deps
}

// Preflight probes every required dependency and joins the failures.
func (e *Engine) Preflight(ctx context.Context) error {
	var errs []error
	probe := func(capability string, err error) {
		if err != nil {
			var dep *domain.DependencyError
			if !errors.As(err, &dep) {
				err = &domain.DependencyError{Capability: capability, Err: err}
			}
			errs = append(errs, err)
		}
	}
	for _, d := range e.RequiredDependencies() {
		switch {
		case d.Capability == "source":
			probe(d.Capability, e.cfg.Source.DB.PingContext(ctx))
		case d.Capability == "destination":
			probe(d.Capability, e.cfg.Destination.DB.PingContext(ctx))
		case strings.HasPrefix(d.Capability, "mapping-server:"):
			name := d.Capability[strings.LastIndex(d.Capability, ":")+1:]
			r, err := e.cfg.Stores.Resolver(ctx, name)
			if err == nil {
				err = r.Probe(ctx)
			}
			probe(d.Capability, err)
		case strings.HasPrefix(d.Capability, "vault:"):
			target := strings.TrimPrefix(d.Capability, "vault:")
			db, err := e.cfg.Vaults.Connect(target)
			if err == nil {
				err = db.DB.PingContext(ctx)
			}
			probe(d.Capability, err)
		}
	}
	return errors.Join(errs...)
}
