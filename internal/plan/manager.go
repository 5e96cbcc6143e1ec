// Package plan holds the per-column anonymisation decisions of a catalog and
// validates them before any data moves.
package plan

import (
	"context"
	"errors"
	"maps"
	"regexp"
	"slices"
	"sync"
	"time"

	"deid/internal/dilution"
	"deid/internal/domain"
	"deid/internal/sqltype"
)

// StoreLookup reads pseudonym store definitions.
type StoreLookup interface {
	GetByName(ctx context.Context, name string) (*domain.PseudonymStore, error)
}

// UsageLookup finds the stores other plans use for a column name.
type UsageLookup interface {
	StoresForColumnName(ctx context.Context, baseName, excludeCatalog string) ([]string, error)
}

// Environment probes the world a plan will run against.
type Environment interface {
	// PingTarget checks that the migration target is reachable.
	PingTarget(ctx context.Context) error
	// ActiveRun returns the migration currently running on target, or nil.
	ActiveRun(ctx context.Context, target string) (*domain.MigrationRun, error)
	// MigratedTables lists the tables already present on the target.
	MigratedTables(ctx context.Context) (map[string]bool, error)
	// HasVaultTarget reports whether a vault target is configured.
	HasVaultTarget(name string) bool
}

// Deps are the collaborators of a Manager. Usage and Env may be nil.
type Deps struct {
	Dilutions      *dilution.Registry
	Stores         StoreLookup
	Usage          UsageLookup
	Env            Environment
	TargetPlatform string
	AdminPatterns  []*regexp.Regexp
}

// DefaultAdminPatterns match bookkeeping columns that carry no research value.
var DefaultAdminPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^hic_`),
	regexp.MustCompile(`(?i)^(created|modified|updated|inserted)_?(at|by|on|date|user)$`),
	regexp.MustCompile(`(?i)^(dt_?)?(created|modified|last_?updated)$`),
	regexp.MustCompile(`(?i)^valid_?(from|to)$`),
	regexp.MustCompile(`(?i)^(data_?load_?run_?id|etl_?batch_?id|row_?version)$`),
}

// Manager mutates and validates the plan of one catalog. It is safe for
// concurrent use.
type Manager struct {
	catalog *domain.Catalog
	deps    Deps

	mu   sync.RWMutex
	plan *domain.Plan
}

// NewManager wraps plan p of catalog cat. A nil p starts an empty plan.
func NewManager(cat *domain.Catalog, p *domain.Plan, deps Deps) (*Manager, error) {
	if cat == nil {
		return nil, domain.ErrValidation("catalog is required")
	}
	if deps.Dilutions == nil {
		return nil, domain.ErrValidation("dilution registry is required")
	}
	if deps.Stores == nil {
		return nil, domain.ErrValidation("store lookup is required")
	}
	if deps.TargetPlatform == "" {
		deps.TargetPlatform = sqltype.PlatformDuckDB
	}
	if deps.AdminPatterns == nil {
		deps.AdminPatterns = DefaultAdminPatterns
	}
	if p == nil {
		p = domain.NewPlan(cat.Name)
	}
	if p.CatalogName != cat.Name {
		return nil, domain.ErrValidation("plan belongs to catalog %q, not %q", p.CatalogName, cat.Name)
	}
	return &Manager{catalog: cat, deps: deps, plan: clonePlan(p)}, nil
}

// Catalog returns the catalog the plan is for.
func (m *Manager) Catalog() *domain.Catalog { return m.catalog }

// TargetPlatform returns the platform endpoint types are translated to.
func (m *Manager) TargetPlatform() string { return m.deps.TargetPlatform }

// Plan returns a copy of the current plan.
func (m *Manager) Plan() *domain.Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clonePlan(m.plan)
}

func clonePlan(p *domain.Plan) *domain.Plan {
	out := *p
	out.TableVaults = maps.Clone(p.TableVaults)
	if out.TableVaults == nil {
		out.TableVaults = map[string]string{}
	}
	out.Skipped = slices.Clone(p.Skipped)
	out.Decisions = maps.Clone(p.Decisions)
	if out.Decisions == nil {
		out.Decisions = map[domain.ColumnRef]domain.Decision{}
	}
	if p.Incremental != nil {
		inc := *p.Incremental
		out.Incremental = &inc
	}
	return &out
}

func (m *Manager) column(ref domain.ColumnRef) (*domain.ColumnInfo, error) {
	_, col, ok := m.catalog.Column(ref)
	if !ok {
		return nil, domain.ErrNotFound("column %s not in catalog %q", ref, m.catalog.Name)
	}
	return col, nil
}

func (m *Manager) set(ref domain.ColumnRef, d domain.Decision) {
	if d == nil {
		delete(m.plan.Decisions, ref)
	} else {
		m.plan.Decisions[ref] = d
	}
	m.plan.UpdatedAt = time.Now().UTC()
}

func refuseKey(col *domain.ColumnInfo, ref domain.ColumnRef, kind domain.DecisionKind) error {
	if col.IsPrimaryKey && (kind == domain.DecisionDrop || kind == domain.DecisionDilute) {
		return &domain.InvalidPlanError{Column: ref, Message: "a primary key column cannot be set to " + kind.String()}
	}
	return nil
}

// SetDecision sets the kind of a column. Changing kind discards the store or
// operation of the previous decision; setting the same kind keeps it.
func (m *Manager) SetDecision(ref domain.ColumnRef, kind domain.DecisionKind) error {
	col, err := m.column(ref)
	if err != nil {
		return err
	}
	if kind == domain.DecisionUndecided {
		return domain.ErrValidation("use ClearDecision to unset %s", ref)
	}
	if err := refuseKey(col, ref, kind); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if domain.KindOf(m.plan.Decisions[ref]) == kind {
		return nil
	}
	m.set(ref, domain.NewDecision(kind))
	return nil
}

// SetPseudonymStore pseudonymizes a column through store.
func (m *Manager) SetPseudonymStore(ref domain.ColumnRef, store string) error {
	if _, err := m.column(ref); err != nil {
		return err
	}
	if store == "" {
		return domain.ErrValidation("store name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(ref, domain.Pseudonymize{Store: store})
	return nil
}

// SetDilution dilutes a column with the named operation.
func (m *Manager) SetDilution(ref domain.ColumnRef, operation string) error {
	col, err := m.column(ref)
	if err != nil {
		return err
	}
	if err := refuseKey(col, ref, domain.DecisionDilute); err != nil {
		return err
	}
	if _, ok := m.deps.Dilutions.Get(operation); !ok {
		return domain.ErrNotFound("dilution operation %q is not registered", operation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(ref, domain.Dilute{Operation: operation})
	return nil
}

// SetVaultDestination drops a column, keeping its values in the vault when
// toVault is set.
func (m *Manager) SetVaultDestination(ref domain.ColumnRef, toVault bool) error {
	col, err := m.column(ref)
	if err != nil {
		return err
	}
	if err := refuseKey(col, ref, domain.DecisionDrop); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(ref, domain.Drop{ToVault: toVault})
	return nil
}

// ClearDecision makes a column undecided again.
func (m *Manager) ClearDecision(ref domain.ColumnRef) error {
	if _, err := m.column(ref); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(ref, nil)
	return nil
}

// Restore replaces all decisions without validating them. Metadata may have
// changed since they were stored; Check reports the consequences.
func (m *Manager) Restore(decisions map[domain.ColumnRef]domain.Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plan.Decisions = maps.Clone(decisions)
	if m.plan.Decisions == nil {
		m.plan.Decisions = map[domain.ColumnRef]domain.Decision{}
	}
	m.plan.UpdatedAt = time.Now().UTC()
}

// SetSkipped includes or excludes a table from migration.
func (m *Manager) SetSkipped(table string, skipped bool) error {
	if _, ok := m.catalog.Table(table); !ok {
		return domain.ErrNotFound("table %q not in catalog %q", table, m.catalog.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plan.Skipped = slices.DeleteFunc(m.plan.Skipped, func(s string) bool { return s == table })
	if skipped {
		m.plan.Skipped = append(m.plan.Skipped, table)
		slices.Sort(m.plan.Skipped)
	}
	m.plan.UpdatedAt = time.Now().UTC()
	return nil
}

// SetTarget names the migration target.
func (m *Manager) SetTarget(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plan.Target = target
	m.plan.UpdatedAt = time.Now().UTC()
}

// SetDefaultVault names the vault target used by tables without an override.
func (m *Manager) SetDefaultVault(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plan.DefaultVault = name
	m.plan.UpdatedAt = time.Now().UTC()
}

// SetTableVault overrides the vault target of one table. An empty name
// removes the override.
func (m *Manager) SetTableVault(table, name string) error {
	if _, ok := m.catalog.Table(table); !ok {
		return domain.ErrNotFound("table %q not in catalog %q", table, m.catalog.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		delete(m.plan.TableVaults, table)
	} else {
		m.plan.TableVaults[table] = name
	}
	m.plan.UpdatedAt = time.Now().UTC()
	return nil
}

// SetIncremental requests a partitioned migration on table.column. A nil
// spec switches back to full migrations. The watermark of an unchanged
// spec is kept.
func (m *Manager) SetIncremental(spec *domain.IncrementalSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if spec == nil {
		m.plan.Incremental = nil
		m.plan.UpdatedAt = time.Now().UTC()
		return nil
	}
	if _, _, ok := m.catalog.Column(domain.ColumnRef{Table: spec.Table, Column: spec.Column}); !ok {
		return domain.ErrNotFound("partition column %s.%s not in catalog %q", spec.Table, spec.Column, m.catalog.Name)
	}
	next := *spec
	if prev := m.plan.Incremental; next.Watermark == nil && prev != nil && prev.Table == next.Table && prev.Column == next.Column {
		next.Watermark = prev.Watermark
	}
	m.plan.Incremental = &next
	m.plan.UpdatedAt = time.Now().UTC()
	return nil
}

// AdvanceWatermark records the upper bound of a completed incremental window.
func (m *Manager) AdvanceWatermark(to time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plan.Incremental == nil {
		return
	}
	to = to.UTC()
	m.plan.Incremental.Watermark = &to
	m.plan.UpdatedAt = time.Now().UTC()
}

// Decision returns the explicit decision of a column, or nil when undecided.
func (m *Manager) Decision(ref domain.ColumnRef) domain.Decision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plan.Decisions[ref]
}

// Effective returns the decision a migration applies: undecided columns are
// discarded.
func (m *Manager) Effective(ref domain.ColumnRef) domain.Decision {
	if d := m.Decision(ref); d != nil {
		return d
	}
	return domain.Drop{}
}

// InScope returns the tables a migration would process, in catalog order.
func (m *Manager) InScope() []domain.TableInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.TableInfo
	for _, t := range m.catalog.Tables {
		if !m.plan.IsSkipped(t.Name) {
			out = append(out, t)
		}
	}
	return out
}

// VaultRecord describes what table sends away from the live copy.
func (m *Manager) VaultRecord(table string) (domain.VaultRecord, error) {
	t, ok := m.catalog.Table(table)
	if !ok {
		return domain.VaultRecord{}, domain.ErrNotFound("table %q not in catalog %q", table, m.catalog.Name)
	}
	m.mu.RLock()
	rec := domain.VaultRecord{Table: table, Target: m.plan.VaultFor(table), PrimaryKeys: t.PrimaryKeys()}
	m.mu.RUnlock()

	for _, c := range t.Columns {
		if c.IsPrimaryKey {
			continue
		}
		switch d := m.Effective(domain.ColumnRef{Table: table, Column: c.Name}).(type) {
		case domain.Drop:
			dest := domain.DestinationDiscard
			if d.ToVault {
				dest = domain.DestinationToVault
			}
			rec.Discarded = append(rec.Discarded, domain.DiscardedColumn{Name: c.Name, Type: c.Type, Destination: dest})
		case domain.Dilute:
			rec.Discarded = append(rec.Discarded, domain.DiscardedColumn{Name: c.Name, Type: c.Type, Destination: domain.DestinationDilute})
		}
	}
	return rec, nil
}

// ComputeEndpointType returns the type column has on the target platform.
// ok is false for dropped columns. Types that cannot be translated, and
// stores that cannot be read, come back as sqltype.Unknown.
func (m *Manager) ComputeEndpointType(ctx context.Context, ref domain.ColumnRef) (string, bool) {
	typ, ok, err := m.EndpointType(ctx, ref)
	if err != nil {
		return sqltype.Unknown, true
	}
	return typ, ok
}

// EndpointType is ComputeEndpointType for callers that must tell a missing
// type from a store registry that could not be read. Read failures are
// returned as a *domain.TransientError; an unknown store is still
// sqltype.Unknown.
func (m *Manager) EndpointType(ctx context.Context, ref domain.ColumnRef) (string, bool, error) {
	_, col, found := m.catalog.Column(ref)
	if !found {
		return sqltype.Unknown, true, nil
	}
	switch d := m.Effective(ref).(type) {
	case domain.Drop:
		return "", false, nil
	case domain.Pseudonymize:
		if d.Store == "" {
			return sqltype.Unknown, true, nil
		}
		s, err := m.deps.Stores.GetByName(ctx, d.Store)
		if err != nil {
			var nf *domain.NotFoundError
			if errors.As(err, &nf) {
				return sqltype.Unknown, true, nil
			}
			var te *domain.TransientError
			if errors.As(err, &te) {
				return "", true, err
			}
			return "", true, &domain.TransientError{Op: "read pseudonym store " + d.Store, Err: err}
		}
		return sqltype.Translate(s.OutputType(), m.deps.TargetPlatform), true, nil
	case domain.Dilute:
		op, ok := m.deps.Dilutions.Get(d.Operation)
		if !ok {
			return sqltype.Unknown, true, nil
		}
		return sqltype.Translate(op.ExpectedDestinationType(), m.deps.TargetPlatform), true, nil
	default:
		return sqltype.Translate(col.Type, m.deps.TargetPlatform), true, nil
	}
}
