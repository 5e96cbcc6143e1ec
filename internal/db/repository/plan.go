package repository

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sort"
	"time"

	"deid/internal/domain"

	"github.com/samber/lo"
)

// PlanRepo persists anonymisation plans and their column decisions.
type PlanRepo struct {
	db *sql.DB
}

func NewPlanRepo(db *sql.DB) *PlanRepo {
	return &PlanRepo{db: db}
}

var _ domain.PlanRepository = (*PlanRepo)(nil)

func (r *PlanRepo) Get(ctx context.Context, catalogName string) (*domain.Plan, error) {
	var (
		updated                    string
		incTable, incColumn, incWM sql.NullString
	)
	p := domain.NewPlan(catalogName)
	err := r.db.QueryRowContext(ctx, `
		SELECT target, default_vault, incremental_table, incremental_column, incremental_watermark, updated_at
		FROM anonymisation_plans WHERE catalog_name = ?`, catalogName).
		Scan(&p.Target, &p.DefaultVault, &incTable, &incColumn, &incWM, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound("no plan for catalog %q", catalogName)
		}
		return nil, err
	}
	p.UpdatedAt = parseTime(updated)
	if incTable.Valid && incTable.String != "" {
		p.Incremental = &domain.IncrementalSpec{
			Table:     incTable.String,
			Column:    incColumn.String,
			Watermark: parseNullTime(incWM),
		}
	}

	if err := r.loadTables(ctx, p); err != nil {
		return nil, err
	}
	if err := r.loadDecisions(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Save replaces the stored plan.
func (r *PlanRepo) Save(ctx context.Context, p *domain.Plan) error {
	if p.CatalogName == "" {
		return domain.ErrValidation("plan catalog name is required")
	}
	var incTable, incColumn, incWM sql.NullString
	if p.Incremental != nil {
		incTable = nullString(p.Incremental.Table)
		incColumn = nullString(p.Incremental.Column)
		incWM = nullTime(p.Incremental.Watermark)
	}

	return withTx(r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO anonymisation_plans
				(catalog_name, target, default_vault, incremental_table, incremental_column, incremental_watermark, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (catalog_name) DO UPDATE SET
				target = excluded.target,
				default_vault = excluded.default_vault,
				incremental_table = excluded.incremental_table,
				incremental_column = excluded.incremental_column,
				incremental_watermark = excluded.incremental_watermark,
				updated_at = excluded.updated_at`,
			p.CatalogName, p.Target, p.DefaultVault, incTable, incColumn, incWM, formatTime(time.Now())); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM plan_tables WHERE catalog_name = ?`, p.CatalogName); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM column_plans WHERE catalog_name = ?`, p.CatalogName); err != nil {
			return err
		}

		tables := lo.Uniq(append(lo.Keys(p.TableVaults), p.Skipped...))
		sort.Strings(tables)
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO plan_tables (catalog_name, table_name, skipped, vault_target) VALUES (?, ?, ?, ?)`,
				p.CatalogName, t, boolToInt(p.IsSkipped(t)), p.TableVaults[t]); err != nil {
				return err
			}
		}

		for ref, d := range p.Decisions {
			if d == nil {
				continue
			}
			var store, op string
			var toVault bool
			switch v := d.(type) {
			case domain.Drop:
				toVault = v.ToVault
			case domain.Pseudonymize:
				store = v.Store
			case domain.Dilute:
				op = v.Operation
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO column_plans (catalog_name, table_name, column_name, decision, pseudonym_store, dilution, to_vault)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				p.CatalogName, ref.Table, ref.Column, d.Kind().String(), nullString(store), nullString(op), boolToInt(toVault)); err != nil {
				return err
			}
		}
		return nil
	})
}

// StoresForColumnName returns the distinct stores pseudonymizing columns
// whose base name equals baseName, outside excludeCatalog.
func (r *PlanRepo) StoresForColumnName(ctx context.Context, baseName, excludeCatalog string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT column_name, pseudonym_store FROM column_plans
		WHERE decision = ? AND pseudonym_store IS NOT NULL AND pseudonym_store != '' AND catalog_name != ?`,
		domain.DecisionPseudonymize.String(), excludeCatalog)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var stores []string
	for rows.Next() {
		var column, store string
		if err := rows.Scan(&column, &store); err != nil {
			return nil, err
		}
		if domain.BaseColumnName(column) == baseName {
			stores = append(stores, store)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	stores = lo.Uniq(stores)
	slices.Sort(stores)
	return stores, nil
}

func (r *PlanRepo) loadTables(ctx context.Context, p *domain.Plan) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT table_name, skipped, vault_target FROM plan_tables WHERE catalog_name = ? ORDER BY table_name`, p.CatalogName)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var (
			table, vault string
			skipped      int64
		)
		if err := rows.Scan(&table, &skipped, &vault); err != nil {
			return err
		}
		if skipped == 1 {
			p.Skipped = append(p.Skipped, table)
		}
		if vault != "" {
			p.TableVaults[table] = vault
		}
	}
	return rows.Err()
}

func (r *PlanRepo) loadDecisions(ctx context.Context, p *domain.Plan) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT table_name, column_name, decision, pseudonym_store, dilution, to_vault
		FROM column_plans WHERE catalog_name = ?`, p.CatalogName)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var (
			ref       domain.ColumnRef
			kind      string
			store, op sql.NullString
			toVault   int64
		)
		if err := rows.Scan(&ref.Table, &ref.Column, &kind, &store, &op, &toVault); err != nil {
			return err
		}
		k, err := domain.ParseDecisionKind(kind)
		if err != nil {
			return fmt.Errorf("column %s: %w", ref, err)
		}
		switch k {
		case domain.DecisionDrop:
			p.Decisions[ref] = domain.Drop{ToVault: toVault == 1}
		case domain.DecisionPseudonymize:
			p.Decisions[ref] = domain.Pseudonymize{Store: store.String}
		case domain.DecisionDilute:
			p.Decisions[ref] = domain.Dilute{Operation: op.String}
		case domain.DecisionPassThrough:
			p.Decisions[ref] = domain.PassThrough{}
		}
	}
	return rows.Err()
}
