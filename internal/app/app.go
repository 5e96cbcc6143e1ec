// Package app wires the metastore, the dataset connections and the
// de-identification core for the deid command.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"deid/internal/catalog"
	"deid/internal/config"
	"deid/internal/db"
	"deid/internal/db/repository"
	"deid/internal/dilution"
	"deid/internal/domain"
	"deid/internal/migrate"
	"deid/internal/plan"
	"deid/internal/pseudonym"

	"golang.org/x/time/rate"
)

// App holds the metastore repositories and lazily opened connections.
type App struct {
	Cfg       *config.Config
	Logger    *slog.Logger
	Catalogs  *repository.CatalogRepo
	Plans     *repository.PlanRepo
	Stores    *repository.PseudonymStoreRepo
	Runs      *repository.RunRepo
	Dilutions *dilution.Registry
	Tokenizer *pseudonym.Tokenizer

	writeDB, readDB *sql.DB
	usage           *repository.PlanRepo // plan lookups on the read pool

	mu        sync.Mutex
	conns     map[string]migrate.Database
	resolvers map[string]*pseudonym.MappingStore
}

var (
	_ migrate.StoreResolver  = (*App)(nil)
	_ migrate.VaultConnector = (*App)(nil)
)

// New opens the metastore, applies its migrations and builds the dilution
// registry from the built-ins and DILUTION_SCRIPTS_DIR.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	writeDB, readDB, err := db.OpenSQLitePair(cfg.MetaDBPath, 0)
	if err != nil {
		return nil, fmt.Errorf("open metastore: %w", err)
	}
	n, err := db.RunMigrations(ctx, writeDB)
	if err != nil {
		_ = readDB.Close()
		_ = writeDB.Close()
		return nil, fmt.Errorf("migrate metastore: %w", err)
	}
	if n > 0 {
		logger.Info("metastore migrated", "applied", n, "path", cfg.MetaDBPath)
	}

	scripted, err := dilution.LoadStarlarkDir(cfg.DilutionScriptsDir)
	if err != nil {
		_ = readDB.Close()
		_ = writeDB.Close()
		return nil, fmt.Errorf("load dilution scripts: %w", err)
	}
	reg, err := dilution.NewRegistry(append(dilution.Builtins(), scripted...)...)
	if err != nil {
		_ = readDB.Close()
		_ = writeDB.Close()
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.ResolveRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ResolveRPS), cfg.ResolveBurst)
	}

	return &App{
		Cfg:       cfg,
		Logger:    logger,
		Catalogs:  repository.NewCatalogRepo(writeDB),
		Plans:     repository.NewPlanRepo(writeDB),
		Stores:    repository.NewPseudonymStoreRepo(writeDB),
		Runs:      repository.NewRunRepo(writeDB),
		Dilutions: reg,
		Tokenizer: pseudonym.NewTokenizer(limiter, logger),
		writeDB:   writeDB,
		readDB:    readDB,
		usage:     repository.NewPlanRepo(readDB),
		conns:     map[string]migrate.Database{},
		resolvers: map[string]*pseudonym.MappingStore{},
	}, nil
}

// Close closes every opened connection and the metastore.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for key, c := range a.conns {
		if err := c.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	a.conns = map[string]migrate.Database{}
	errs = append(errs, a.readDB.Close(), a.writeDB.Close())
	return errors.Join(errs...)
}

// open returns a cached pool for conn. Roles sharing a DSN share the pool.
func (a *App) open(ctx context.Context, role string, conn config.Connection, readOnly bool) (migrate.Database, error) {
	if !conn.Configured() {
		return migrate.Database{}, fmt.Errorf("%s is not configured", role)
	}
	key := fmt.Sprintf("%s|%s|%t", conn.Driver, conn.DSN, readOnly)

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.conns[key]; ok {
		return c, nil
	}
	h, dialect, err := db.Open(ctx, conn.Driver, conn.DSN, readOnly)
	if err != nil {
		return migrate.Database{}, fmt.Errorf("open %s: %w", role, err)
	}
	c := migrate.Database{DB: h, Dialect: dialect}
	a.conns[key] = c
	a.Logger.Debug("connection opened", "role", role, "dialect", dialect)
	return c, nil
}

// Source opens the dataset read-only.
func (a *App) Source(ctx context.Context) (migrate.Database, error) {
	return a.open(ctx, "SOURCE_DSN", a.Cfg.Source, true)
}

// Destination opens the de-identified copy.
func (a *App) Destination(ctx context.Context) (migrate.Database, error) {
	return a.open(ctx, "DEST_DSN", a.Cfg.Destination, false)
}

// Connect opens a vault target.
func (a *App) Connect(target string) (migrate.Database, error) {
	conn, ok := a.Cfg.VaultTargets[target]
	if !ok {
		return migrate.Database{}, domain.ErrNotFound("vault target %q is not configured", target)
	}
	return a.open(context.Background(), "vault "+target, conn, false)
}

// Has reports whether a vault target is configured.
func (a *App) Has(target string) bool {
	_, ok := a.Cfg.VaultTargets[target]
	return ok
}

// MappingStore returns the mapping store bound to a registered store.
func (a *App) MappingStore(ctx context.Context, name string) (*pseudonym.MappingStore, error) {
	a.mu.Lock()
	ms, ok := a.resolvers[name]
	a.mu.Unlock()
	if ok {
		return ms, nil
	}

	s, err := a.Stores.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	conn, err := a.open(ctx, "MAPPING_DSN", a.Cfg.Mapping, false)
	if err != nil {
		return nil, &domain.DependencyError{Capability: "mapping-server", Err: err}
	}
	ms, err = pseudonym.NewMappingStore(conn.DB, conn.Dialect, *s, a.Stores, a.Logger)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.resolvers[name]; ok {
		return prev, nil
	}
	a.resolvers[name] = ms
	return ms, nil
}

// Resolver implements migrate.StoreResolver.
func (a *App) Resolver(ctx context.Context, name string) (pseudonym.Resolver, error) {
	return a.MappingStore(ctx, name)
}

// Import introspects the source into catalog name, keeping the curated
// joins, lookups and extractable flags of a previous import.
func (a *App) Import(ctx context.Context, name string) (*domain.Catalog, error) {
	src, err := a.Source(ctx)
	if err != nil {
		return nil, err
	}
	imported, err := catalog.NewImporter(src.DB, src.Dialect, a.Logger).Import(ctx, name)
	if err != nil {
		return nil, err
	}
	existing, err := a.Catalogs.GetByName(ctx, name)
	var nf *domain.NotFoundError
	switch {
	case errors.As(err, &nf):
		existing = nil
	case err != nil:
		return nil, err
	}
	return a.Catalogs.Save(ctx, catalog.Merge(existing, imported))
}

// Manager loads the catalog and plan of catalogName. A catalog without a
// stored plan starts with an empty one.
func (a *App) Manager(ctx context.Context, catalogName string) (*plan.Manager, error) {
	cat, err := a.Catalogs.GetByName(ctx, catalogName)
	if err != nil {
		return nil, err
	}
	p, err := a.Plans.Get(ctx, catalogName)
	var nf *domain.NotFoundError
	switch {
	case errors.As(err, &nf):
		p = nil
	case err != nil:
		return nil, err
	}

	env := &migrate.Environment{Runs: a.Runs, Vaults: a}
	if a.Cfg.Destination.Configured() {
		env.Destination, env.DestinationErr = a.Destination(ctx)
	}
	return plan.NewManager(cat, p, plan.Deps{
		Dilutions:      a.Dilutions,
		Stores:         a.Stores,
		Usage:          a.usage,
		Env:            env,
		TargetPlatform: a.Cfg.TargetPlatform,
	})
}

// SavePlan persists the plan held by m.
func (a *App) SavePlan(ctx context.Context, m *plan.Manager) error {
	return a.Plans.Save(ctx, m.Plan())
}

// ImportPlan reads a YAML plan, checks it against its catalog and stores it.
func (a *App) ImportPlan(ctx context.Context, r io.Reader) (*domain.Plan, error) {
	p, err := plan.Import(r)
	if err != nil {
		return nil, err
	}
	cat, err := a.Catalogs.GetByName(ctx, p.CatalogName)
	if err != nil {
		return nil, err
	}
	for ref := range p.Decisions {
		if _, _, ok := cat.Column(ref); !ok {
			return nil, domain.ErrValidation("plan decides %s, which is not in catalog %q", ref, cat.Name)
		}
	}
	for _, t := range p.Skipped {
		if _, ok := cat.Table(t); !ok {
			return nil, domain.ErrValidation("plan skips table %q, which is not in catalog %q", t, cat.Name)
		}
	}
	if err := a.Plans.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Engine builds a migration engine for the plan held by m.
func (a *App) Engine(ctx context.Context, m *plan.Manager) (*migrate.Engine, error) {
	src, err := a.Source(ctx)
	if err != nil {
		return nil, err
	}
	dest, err := a.Destination(ctx)
	if err != nil {
		return nil, err
	}
	return migrate.New(migrate.Config{
		Plan:              m,
		Stores:            a,
		Vaults:            a,
		Tokenizer:         a.Tokenizer,
		Dilutions:         a.Dilutions,
		Source:            src,
		Destination:       dest,
		Runs:              a.Runs,
		Plans:             a.Plans,
		Logger:            a.Logger,
		BatchSize:         a.Cfg.BatchSize,
		MaxParallelTables: a.Cfg.MaxParallelTables,
	})
}
