// Package vault keeps the pristine values of columns removed from the live
// copy in a per-table vault keyed by the source primary key.
package vault

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"deid/internal/ddl"
	"deid/internal/domain"
	"deid/internal/sqltype"
)

// MergeResult counts the vault rows touched by a merge.
type MergeResult struct {
	Inserted int64 `json:"inserted"`
	Updated  int64 `json:"updated"`
}

// Vault is one table's vault plus the staging table used during a run.
type Vault struct {
	db      *sql.DB
	dialect ddl.Dialect
	record  domain.VaultRecord
	logger  *slog.Logger

	table   string
	staging string
	keys    []string
	values  []string
	columns []ddl.ColumnDef
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Open creates the vault table when needed, adds columns the plan has
// started sending since, and recreates an empty staging table.
func Open(ctx context.Context, db *sql.DB, dialect ddl.Dialect, record domain.VaultRecord, logger *slog.Logger) (*Vault, error) {
	if !record.HasVaultColumns() {
		return nil, domain.ErrValidation("table %q sends nothing to the vault", record.Table)
	}
	if len(record.PrimaryKeys) == 0 {
		return nil, domain.ErrValidation("table %q sends columns to the vault but has no primary key", record.Table)
	}
	if logger == nil {
		logger = slog.Default()
	}

	v := &Vault{
		db:      db,
		dialect: dialect,
		record:  record,
		logger:  logger.With("component", "vault", "table", record.Table),
		table:   domain.VaultTableName(record.Table),
		staging: domain.StagingTableName(record.Table),
	}
	for _, pk := range record.PrimaryKeys {
		typ, err := v.translate(pk.Name, pk.Type)
		if err != nil {
			return nil, err
		}
		v.keys = append(v.keys, pk.Name)
		v.columns = append(v.columns, ddl.ColumnDef{Name: pk.Name, Type: typ, NotNull: true})
	}
	for _, c := range record.VaultColumns() {
		typ, err := v.translate(c.Name, c.Type)
		if err != nil {
			return nil, err
		}
		v.values = append(v.values, c.Name)
		v.columns = append(v.columns, ddl.ColumnDef{Name: c.Name, Type: typ})
	}

	if err := v.ensureTable(ctx); err != nil {
		return nil, err
	}
	if err := v.resetStaging(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vault) translate(column, sourceType string) (string, error) {
	typ := sqltype.Translate(sourceType, string(v.dialect))
	if typ == sqltype.Unknown {
		return "", domain.ErrValidation("column %s.%s has type %q with no %s equivalent", v.record.Table, column, sourceType, v.dialect)
	}
	return typ, nil
}

func (v *Vault) ensureTable(ctx context.Context) error {
	stmt, err := ddl.CreateTable(v.table, v.columns, v.keys, true)
	if err != nil {
		return err
	}
	if _, err := v.db.ExecContext(ctx, stmt); err != nil {
		return &domain.TransientError{Op: "create vault table", Err: err}
	}

	rows, err := v.db.QueryContext(ctx, v.dialect.ColumnNamesQuery(), v.table)
	if err != nil {
		return &domain.TransientError{Op: "list vault columns", Err: err}
	}
	existing := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return &domain.TransientError{Op: "list vault columns", Err: err}
		}
		existing[name] = true
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return &domain.TransientError{Op: "list vault columns", Err: err}
	}

	for _, key := range v.keys {
		if !existing[key] {
			return domain.ErrConflict("existing vault %s has no key column %q", v.table, key)
		}
	}
	for _, c := range v.columns[len(v.keys):] {
		if existing[c.Name] {
			continue
		}
		stmt, err := ddl.AddColumn(v.table, c)
		if err != nil {
			return err
		}
		if _, err := v.db.ExecContext(ctx, stmt); err != nil {
			return &domain.TransientError{Op: "add vault column", Err: err}
		}
		v.logger.Info("vault column added", "column", c.Name)
	}
	return nil
}

func (v *Vault) resetStaging(ctx context.Context) error {
	drop, err := ddl.DropTable(v.staging, true)
	if err != nil {
		return err
	}
	create, err := ddl.CreateTable(v.staging, v.columns, v.keys, false)
	if err != nil {
		return err
	}
	for _, stmt := range []string{drop, create} {
		if _, err := v.db.ExecContext(ctx, stmt); err != nil {
			return &domain.TransientError{Op: "reset vault staging", Err: err}
		}
	}
	return nil
}

// Table returns the vault table name.
func (v *Vault) Table() string { return v.table }

// Close drops the staging table.
func (v *Vault) Close(ctx context.Context) error {
	stmt, err := ddl.DropTable(v.staging, true)
	if err != nil {
		return err
	}
	if _, err := v.db.ExecContext(ctx, stmt); err != nil {
		return &domain.TransientError{Op: "drop vault staging", Err: err}
	}
	return nil
}

// Stage writes the primary key and vault columns of batch into staging.
// Rows repeating a key collapse when identical; disagreeing rows fail with
// MergeConflictError. A key staged by an earlier call is overwritten.
func (v *Vault) Stage(ctx context.Context, batch *domain.Batch) error {
	return v.inTx(ctx, "stage", func(tx *sql.Tx) error {
		return v.stage(ctx, tx, batch)
	})
}

// Merge moves staging into the vault: differing rows are overwritten,
// absent rows inserted, and staging is emptied. Running it again with the
// same staged rows leaves the vault unchanged.
func (v *Vault) Merge(ctx context.Context) (MergeResult, error) {
	var res MergeResult
	err := v.inTx(ctx, "merge", func(tx *sql.Tx) error {
		var err error
		res, err = v.merge(ctx, tx)
		return err
	})
	return res, err
}

// Absorb stages and merges batch as one unit of work.
func (v *Vault) Absorb(ctx context.Context, batch *domain.Batch) (MergeResult, error) {
	var res MergeResult
	err := v.inTx(ctx, "absorb", func(tx *sql.Tx) error {
		if err := v.stage(ctx, tx, batch); err != nil {
			return err
		}
		var err error
		res, err = v.merge(ctx, tx)
		return err
	})
	if err == nil {
		v.logger.Debug("vault absorbed", "rows", batch.Len(), "inserted", res.Inserted, "updated", res.Updated)
	}
	return res, err
}

func (v *Vault) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.TransientError{Op: "begin vault " + op, Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &domain.TransientError{Op: "commit vault " + op, Err: err}
	}
	committed = true
	return nil
}

func (v *Vault) stage(ctx context.Context, ex execer, batch *domain.Batch) error {
	names := append(append([]string{}, v.keys...), v.values...)
	idx := make([]int, len(names))
	for i, name := range names {
		idx[i] = batch.ColumnIndex(name)
		if idx[i] < 0 {
			return domain.ErrValidation("column %q missing from %s batch", name, v.record.Table)
		}
	}

	rows, err := v.dedupe(batch, idx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	insert, err := ddl.Insert(v.staging, names)
	if err != nil {
		return err
	}
	set := make([]string, len(v.values))
	for i, c := range v.values {
		q := ddl.QuoteIdentifier(c)
		set[i] = q + " = excluded." + q
	}
	insert += " ON CONFLICT (" + strings.Join(ddl.QuoteIdentifiers(v.keys), ", ") + ") DO UPDATE SET " + strings.Join(set, ", ")

	stmt, err := ex.PrepareContext(ctx, v.dialect.Rebind(insert))
	if err != nil {
		return &domain.TransientError{Op: "prepare vault staging", Err: err}
	}
	defer stmt.Close() //nolint:errcheck

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return &domain.TransientError{Op: "write vault staging", Err: err}
		}
	}
	return nil
}

// dedupe projects batch onto the staged columns and collapses repeated keys.
func (v *Vault) dedupe(batch *domain.Batch, idx []int) ([][]any, error) {
	seen := make(map[string]int, batch.Len())
	out := make([][]any, 0, batch.Len())
	for _, src := range batch.Rows {
		row := make([]any, len(idx))
		for i, j := range idx {
			row[i] = src[j]
		}

		var key strings.Builder
		for i, name := range v.keys {
			k, ok := domain.CanonicalValue(row[i])
			if !ok {
				return nil, &domain.MergeConflictError{Table: v.table, Message: fmt.Sprintf("primary key column %q is NULL", name)}
			}
			key.WriteString(k)
			key.WriteByte(0)
		}

		prev, dup := seen[key.String()]
		if !dup {
			seen[key.String()] = len(out)
			out = append(out, row)
			continue
		}
		for i := len(v.keys); i < len(row); i++ {
			a, aok := domain.CanonicalValue(out[prev][i])
			b, bok := domain.CanonicalValue(row[i])
			if a != b || aok != bok {
				return nil, &domain.MergeConflictError{
					Table:   v.table,
					Message: fmt.Sprintf("rows sharing a primary key disagree on column %q", v.values[i-len(v.keys)]),
				}
			}
		}
	}
	return out, nil
}

func (v *Vault) merge(ctx context.Context, ex execer) (MergeResult, error) {
	var res MergeResult
	vt, st := ddl.QuoteIdentifier(v.table), ddl.QuoteIdentifier(v.staging)

	match := make([]string, len(v.keys))
	for i, k := range v.keys {
		q := ddl.QuoteIdentifier(k)
		match[i] = "s." + q + " = " + vt + "." + q
	}
	on := strings.Join(match, " AND ")

	set := make([]string, len(v.values))
	differs := make([]string, len(v.values))
	for i, c := range v.values {
		q := ddl.QuoteIdentifier(c)
		set[i] = fmt.Sprintf("%s = (SELECT s.%s FROM %s s WHERE %s)", q, q, st, on)
		differs[i] = v.dialect.IsDistinct("s."+q, vt+"."+q)
	}
	update := fmt.Sprintf("UPDATE %s SET %s WHERE EXISTS (SELECT 1 FROM %s s WHERE %s AND (%s))",
		vt, strings.Join(set, ", "), st, on, strings.Join(differs, " OR "))

	r, err := ex.ExecContext(ctx, update)
	if err != nil {
		return res, &domain.TransientError{Op: "update vault", Err: err}
	}
	res.Updated, _ = r.RowsAffected()

	cols := strings.Join(ddl.QuoteIdentifiers(append(append([]string{}, v.keys...), v.values...)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s s WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s)",
		vt, cols, cols, st, vt, on)
	r, err = ex.ExecContext(ctx, insert)
	if err != nil {
		return res, &domain.TransientError{Op: "insert vault", Err: err}
	}
	res.Inserted, _ = r.RowsAffected()

	if _, err := ex.ExecContext(ctx, "DELETE FROM "+st); err != nil {
		return res, &domain.TransientError{Op: "clear vault staging", Err: err}
	}
	return res, nil
}

// Recover returns the vaulted values of the row with the given primary key.
func (v *Vault) Recover(ctx context.Context, key ...any) (map[string]any, error) {
	if len(key) != len(v.keys) {
		return nil, domain.ErrValidation("%s is keyed by %d columns, got %d", v.table, len(v.keys), len(key))
	}
	where := make([]string, len(v.keys))
	for i, k := range v.keys {
		where[i] = ddl.QuoteIdentifier(k) + " = ?"
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(ddl.QuoteIdentifiers(v.values), ", "), ddl.QuoteIdentifier(v.table), strings.Join(where, " AND "))

	dest := make([]any, len(v.values))
	ptrs := make([]any, len(v.values))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	err := v.db.QueryRowContext(ctx, v.dialect.Rebind(q), key...).Scan(ptrs...)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound("no vault row in %s for that key", v.table)
	}
	if err != nil {
		return nil, &domain.TransientError{Op: "read vault", Err: err}
	}
	out := make(map[string]any, len(v.values))
	for i, c := range v.values {
		out[c] = domain.NormalizeValue(dest[i])
	}
	return out, nil
}

// Strip removes the columns record sends away from the live batch. Dilute
// columns stay so that the dilution can rewrite them in place.
func Strip(record domain.VaultRecord, batch *domain.Batch) {
	var names []string
	for _, c := range record.Discarded {
		if c.Destination != domain.DestinationDilute {
			names = append(names, c.Name)
		}
	}
	batch.RemoveColumns(names...)
}
