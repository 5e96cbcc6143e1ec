package plan

import (
	"context"
	"errors"
	"fmt"

	"deid/internal/domain"
	"deid/internal/sqltype"
)

// checker accumulates findings for one Check call.
type checker struct {
	m        *Manager
	plan     *domain.Plan
	inScope  []domain.TableInfo
	migrated map[string]bool
	stores   map[string]*domain.PseudonymStore
	findings []domain.Finding
}

func (c *checker) add(sev domain.Severity, subject, fix, format string, args ...any) {
	c.findings = append(c.findings, domain.Finding{
		Severity:     sev,
		Message:      fmt.Sprintf(format, args...),
		SuggestedFix: fix,
		Subject:      subject,
	})
}

// store looks a store up once per check. A nil result with a nil error
// means the store does not exist.
func (c *checker) store(ctx context.Context, name string) (*domain.PseudonymStore, error) {
	if s, ok := c.stores[name]; ok {
		return s, nil
	}
	s, err := c.m.deps.Stores.GetByName(ctx, name)
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		c.stores[name] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.stores[name] = s
	return s, nil
}

// Check validates the plan and returns its findings in rule order. It has no
// side effects and may be called any number of times.
func (m *Manager) Check(ctx context.Context) []domain.Finding {
	c := &checker{
		m:        m,
		plan:     m.Plan(),
		inScope:  m.InScope(),
		migrated: map[string]bool{},
		stores:   map[string]*domain.PseudonymStore{},
	}

	c.checkTarget(ctx)
	c.checkScope()
	c.checkPrimaryKeys()
	c.checkTableValuedFunctions()
	c.checkJoinKeys()
	c.checkAssignments(ctx)
	c.checkVaultTargets()
	c.checkIncremental()
	c.checkColumns(ctx)

	return c.findings
}

func (c *checker) checkTarget(ctx context.Context) {
	if c.plan.Target == "" {
		c.add(domain.SeverityFail, "", "deid plan configure --target NAME", "no migration target is set")
		return
	}
	env := c.m.deps.Env
	if env == nil {
		c.add(domain.SeverityWarning, c.plan.Target, "", "target %q was not probed", c.plan.Target)
		return
	}
	if err := env.PingTarget(ctx); err != nil {
		c.add(domain.SeverityFail, c.plan.Target, "check DEST_DSN", "target %q is unreachable: %v", c.plan.Target, err)
		return
	}
	run, err := env.ActiveRun(ctx, c.plan.Target)
	switch {
	case err != nil:
		c.add(domain.SeverityFail, c.plan.Target, "", "cannot read runs of target %q: %v", c.plan.Target, err)
	case run != nil:
		c.add(domain.SeverityFail, c.plan.Target, "wait for it to finish or deid runs cancel "+run.ID,
			"target %q is in use by run %s of catalog %q", c.plan.Target, run.ID, run.CatalogName)
	}
	migrated, err := env.MigratedTables(ctx)
	if err != nil {
		c.add(domain.SeverityFail, c.plan.Target, "", "cannot list tables on target %q: %v", c.plan.Target, err)
		return
	}
	if migrated != nil {
		c.migrated = migrated
	}
}

func (c *checker) checkScope() {
	if len(c.inScope) == 0 {
		c.add(domain.SeverityFail, c.plan.CatalogName, "un-skip at least one table", "every table of catalog %q is skipped", c.plan.CatalogName)
	}
}

func (c *checker) checkPrimaryKeys() {
	for _, t := range c.inScope {
		for _, pk := range t.PrimaryKeys() {
			ref := domain.ColumnRef{Table: t.Name, Column: pk.Name}
			switch c.m.Effective(ref).(type) {
			case domain.Pseudonymize, domain.PassThrough:
			default:
				c.add(domain.SeverityFail, ref.String(), "pseudonymize it or pass it through",
					"primary key %s is %s; primary keys must be pseudonymized or passed through",
					ref, domain.DescribeDecision(c.plan.Decisions[ref]))
			}
		}
	}
}

func (c *checker) checkTableValuedFunctions() {
	for _, t := range c.inScope {
		if t.IsTableValuedFunction {
			c.add(domain.SeverityFail, t.Name, "skip the table",
				"table %q is backed by a table-valued function and cannot be anonymised", t.Name)
		}
	}
}

// joinKeys lists the columns joins and lookups depend on, with the reason.
func joinKeys(cat *domain.Catalog) ([]domain.ColumnRef, map[domain.ColumnRef]string) {
	var order []domain.ColumnRef
	why := map[domain.ColumnRef]string{}
	add := func(ref domain.ColumnRef, reason string) {
		if _, ok := why[ref]; ok {
			return
		}
		order = append(order, ref)
		why[ref] = reason
	}
	for _, j := range cat.Joins {
		add(j.ForeignKey, "join key")
		add(j.PrimaryKey, "join key")
	}
	for _, l := range cat.Lookups {
		add(l.ForeignKey, "lookup key")
		add(l.PrimaryKey, "lookup key")
		for _, d := range l.Descriptions {
			add(d, "lookup description")
		}
	}
	return order, why
}

func (c *checker) checkJoinKeys() {
	scope := map[string]bool{}
	for _, t := range c.inScope {
		scope[t.Name] = true
	}
	order, why := joinKeys(c.m.catalog)
	for _, ref := range order {
		if !scope[ref.Table] || c.migrated[ref.Table] {
			continue
		}
		if _, ok := c.m.Effective(ref).(domain.PassThrough); ok {
			continue
		}
		c.add(domain.SeverityFail, ref.String(), "pass it through",
			"%s %s is %s; it must be passed through", why[ref], ref, domain.DescribeDecision(c.plan.Decisions[ref]))
	}
}

func (c *checker) checkAssignments(ctx context.Context) {
	for _, t := range c.inScope {
		for _, col := range t.Columns {
			ref := domain.ColumnRef{Table: t.Name, Column: col.Name}
			switch d := c.plan.Decisions[ref].(type) {
			case domain.Pseudonymize:
				if d.Store == "" {
					c.add(domain.SeverityFail, ref.String(), "deid plan set "+ref.String()+" pseudonymize --store NAME",
						"%s is pseudonymized but has no store", ref)
					continue
				}
				s, err := c.store(ctx, d.Store)
				if err != nil {
					c.add(domain.SeverityFail, ref.String(), "", "cannot read store %q of %s: %v", d.Store, ref, err)
				} else if s == nil {
					c.add(domain.SeverityFail, ref.String(), "deid store create "+d.Store,
						"%s uses store %q which does not exist", ref, d.Store)
				}
			case domain.Dilute:
				if d.Operation == "" {
					c.add(domain.SeverityFail, ref.String(), "deid plan set "+ref.String()+" dilute --operation NAME",
						"%s is diluted but has no operation", ref)
					continue
				}
				if _, ok := c.m.deps.Dilutions.Get(d.Operation); !ok {
					c.add(domain.SeverityFail, ref.String(), "deid dilutions",
						"%s uses dilution %q which is not registered", ref, d.Operation)
				}
			}
		}
	}
}

func (c *checker) checkVaultTargets() {
	for _, t := range c.inScope {
		rec, err := c.m.VaultRecord(t.Name)
		if err != nil {
			continue
		}
		var dilutes, dumps bool
		for _, d := range rec.Discarded {
			dilutes = dilutes || d.Destination == domain.DestinationDilute
			dumps = dumps || d.Destination == domain.DestinationToVault
		}
		if !dilutes && !dumps {
			continue
		}
		if rec.Target == "" {
			reason := "columns to the vault"
			if dilutes {
				reason = "diluted columns"
			}
			c.add(domain.SeverityFail, t.Name, "deid plan configure --default-vault NAME",
				"table %q has %s but no vault target is configured", t.Name, reason)
			continue
		}
		if env := c.m.deps.Env; env != nil && !env.HasVaultTarget(rec.Target) {
			c.add(domain.SeverityFail, t.Name, "add it to VAULT_TARGETS",
				"vault target %q of table %q is not configured", rec.Target, t.Name)
		}
		if len(rec.PrimaryKeys) == 0 {
			c.add(domain.SeverityFail, t.Name, "",
				"table %q sends columns to the vault but has no primary key to file them under", t.Name)
		}
	}
}

func (c *checker) checkIncremental() {
	inc := c.plan.Incremental
	if inc == nil {
		return
	}
	ref := domain.ColumnRef{Table: inc.Table, Column: inc.Column}
	if len(c.inScope) != 1 || c.inScope[0].Name != inc.Table {
		c.add(domain.SeverityFail, inc.Table, "skip every other table",
			"incremental migration needs %q to be the only table in scope, found %d", inc.Table, len(c.inScope))
	}
	if _, _, ok := c.m.catalog.Column(ref); !ok {
		c.add(domain.SeverityFail, ref.String(), "", "partition column %s does not exist", ref)
		return
	}
	if _, ok := c.m.Effective(ref).(domain.PassThrough); !ok {
		c.add(domain.SeverityFail, ref.String(), "pass it through",
			"partition column %s is %s; it must be passed through", ref, domain.DescribeDecision(c.plan.Decisions[ref]))
	}
}

// checkColumns reports per-column problems that do not fit the rules above.
func (c *checker) checkColumns(ctx context.Context) {
	for _, t := range c.inScope {
		for _, col := range t.Columns {
			ref := domain.ColumnRef{Table: t.Name, Column: col.Name}
			d := c.plan.Decisions[ref]
			if d == nil {
				c.add(domain.SeverityWarning, ref.String(), "decide it or run deid plan suggest",
					"%s is undecided and will be dropped", ref)
				continue
			}
			if typ, ok := c.m.ComputeEndpointType(ctx, ref); ok && typ == sqltype.Unknown {
				c.add(domain.SeverityFail, ref.String(), "",
					"%s has no %s type (%s)", ref, c.m.deps.TargetPlatform, domain.DescribeDecision(d))
			}
			p, ok := d.(domain.Pseudonymize)
			if !ok || p.Store == "" {
				continue
			}
			s, err := c.store(ctx, p.Store)
			if err != nil || s == nil {
				continue
			}
			if !s.Provisioned() {
				c.add(domain.SeverityInfo, ref.String(), "deid store provision "+s.Name,
					"store %q is not provisioned yet; its mapping table is created on first use", s.Name)
			} else if !sqltype.SameFamily(col.Type, s.KeyType) {
				c.add(domain.SeverityWarning, ref.String(), "",
					"%s has type %s but store %q is keyed by %s", ref, col.Type, s.Name, s.KeyType)
			}
		}
	}
}
