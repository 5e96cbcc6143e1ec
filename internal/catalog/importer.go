// Package catalog reads the schema of a source database into the catalog
// model kept by the metastore.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"deid/internal/ddl"
	"deid/internal/domain"
	"deid/internal/sqltype"
)

// Importer introspects tables, columns, primary keys and foreign keys.
type Importer struct {
	db      *sql.DB
	dialect ddl.Dialect
	logger  *slog.Logger
}

// NewImporter creates an Importer over an open source connection.
func NewImporter(db *sql.DB, dialect ddl.Dialect, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{db: db, dialect: dialect, logger: logger.With("component", "catalog-import")}
}

// Import reads the source schema as catalog name. Foreign keys become joins.
func (i *Importer) Import(ctx context.Context, name string) (*domain.Catalog, error) {
	c := &domain.Catalog{Name: name, SourcePlatform: platformOf(i.dialect)}

	tables, err := i.tableNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	switch i.dialect {
	case ddl.SQLite:
		err = i.importSQLite(ctx, c, tables)
	case ddl.DuckDB:
		err = i.importInformationSchema(ctx, c, tables, duckdbKeysQuery, duckdbForeignKeysQuery)
		if err == nil {
			err = i.importTableMacros(ctx, c)
		}
	default:
		err = i.importInformationSchema(ctx, c, tables, postgresKeysQuery, postgresForeignKeysQuery)
	}
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	i.logger.Info("catalog imported", "catalog", name, "tables", len(c.Tables), "joins", len(c.Joins))
	return c, nil
}

func platformOf(d ddl.Dialect) string {
	switch d {
	case ddl.DuckDB:
		return sqltype.PlatformDuckDB
	case ddl.Postgres:
		return sqltype.PlatformPostgres
	default:
		return sqltype.PlatformSQLite
	}
}

func (i *Importer) tableNames(ctx context.Context) ([]string, error) {
	rows, err := i.db.QueryContext(ctx, i.dialect.ListTablesQuery())
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (i *Importer) importSQLite(ctx context.Context, c *domain.Catalog, tables []string) error {
	for _, name := range tables {
		t := domain.TableInfo{Name: name}
		rows, err := i.db.QueryContext(ctx,
			`SELECT cid, name, type, "notnull", pk FROM pragma_table_info(?) ORDER BY cid`, name)
		if err != nil {
			return fmt.Errorf("columns of %s: %w", name, err)
		}
		for rows.Next() {
			var (
				cid, notNull, pk int
				col, typ         string
			)
			if err := rows.Scan(&cid, &col, &typ, &notNull, &pk); err != nil {
				_ = rows.Close()
				return fmt.Errorf("columns of %s: %w", name, err)
			}
			t.Columns = append(t.Columns, domain.ColumnInfo{
				Name:         col,
				Type:         typ,
				Position:     cid + 1,
				Nullable:     notNull == 0 && pk == 0,
				IsPrimaryKey: pk > 0,
			})
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("columns of %s: %w", name, err)
		}
		_ = rows.Close()
		c.Tables = append(c.Tables, t)
	}

	for _, name := range tables {
		rows, err := i.db.QueryContext(ctx,
			`SELECT "table", "from", "to" FROM pragma_foreign_key_list(?) ORDER BY id, seq`, name)
		if err != nil {
			return fmt.Errorf("foreign keys of %s: %w", name, err)
		}
		type fk struct {
			parent, from string
			to           sql.NullString
		}
		var fks []fk
		for rows.Next() {
			var f fk
			if err := rows.Scan(&f.parent, &f.from, &f.to); err != nil {
				_ = rows.Close()
				return fmt.Errorf("foreign keys of %s: %w", name, err)
			}
			fks = append(fks, f)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return fmt.Errorf("foreign keys of %s: %w", name, err)
		}

		for _, f := range fks {
			to := f.to.String
			if !f.to.Valid || to == "" {
				// REFERENCES parent without a column list targets its primary key.
				parent, ok := c.Table(f.parent)
				if !ok || len(parent.PrimaryKeys()) != 1 {
					i.logger.Warn("foreign key skipped", "table", name, "column", f.from, "references", f.parent)
					continue
				}
				to = parent.PrimaryKeys()[0].Name
			}
			addJoin(c, domain.JoinInfo{
				ForeignKey: domain.ColumnRef{Table: name, Column: f.from},
				PrimaryKey: domain.ColumnRef{Table: f.parent, Column: to},
			})
		}
	}
	return nil
}

const columnsQuery = `SELECT table_name, column_name, data_type, character_maximum_length, is_nullable, ordinal_position
FROM information_schema.columns
WHERE table_schema = current_schema()
ORDER BY table_name, ordinal_position`

const (
	duckdbKeysQuery = `SELECT table_name, unnest(constraint_column_names)
FROM duckdb_constraints()
WHERE constraint_type = 'PRIMARY KEY' AND schema_name = current_schema()`

	duckdbForeignKeysQuery = `SELECT table_name, unnest(constraint_column_names), referenced_table, unnest(referenced_column_names)
FROM duckdb_constraints()
WHERE constraint_type = 'FOREIGN KEY' AND schema_name = current_schema()`

	postgresKeysQuery = `SELECT kcu.table_name, kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_schema = tc.constraint_schema AND kcu.constraint_name = tc.constraint_name
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = current_schema()`

	postgresForeignKeysQuery = `SELECT kcu.table_name, kcu.column_name, pk.table_name, pk.column_name
FROM information_schema.referential_constraints rc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_schema = rc.constraint_schema AND kcu.constraint_name = rc.constraint_name
JOIN information_schema.key_column_usage pk
  ON pk.constraint_schema = rc.unique_constraint_schema AND pk.constraint_name = rc.unique_constraint_name
 AND pk.ordinal_position = kcu.position_in_unique_constraint
WHERE kcu.table_schema = current_schema()
ORDER BY kcu.table_name, kcu.ordinal_position`
)

func (i *Importer) importInformationSchema(ctx context.Context, c *domain.Catalog, tables []string, keysQuery, fksQuery string) error {
	rows, err := i.db.QueryContext(ctx, columnsQuery)
	if err != nil {
		return fmt.Errorf("list columns: %w", err)
	}
	byName := map[string]*domain.TableInfo{}
	for _, n := range tables {
		c.Tables = append(c.Tables, domain.TableInfo{Name: n})
	}
	for k := range c.Tables {
		byName[c.Tables[k].Name] = &c.Tables[k]
	}
	for rows.Next() {
		var (
			table, col, typ, nullable string
			length                    sql.NullInt64
			pos                       int
		)
		if err := rows.Scan(&table, &col, &typ, &length, &nullable, &pos); err != nil {
			_ = rows.Close()
			return fmt.Errorf("list columns: %w", err)
		}
		t, ok := byName[table]
		if !ok {
			continue // view
		}
		if length.Valid && length.Int64 > 0 {
			typ = fmt.Sprintf("%s(%d)", typ, length.Int64)
		}
		t.Columns = append(t.Columns, domain.ColumnInfo{
			Name:     col,
			Type:     typ,
			Position: pos,
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return fmt.Errorf("list columns: %w", err)
	}

	keys, err := i.pairs(ctx, keysQuery, 2)
	if err != nil {
		return fmt.Errorf("list primary keys: %w", err)
	}
	for _, k := range keys {
		if t, ok := byName[k[0]]; ok {
			if col, ok := t.Column(k[1]); ok {
				col.IsPrimaryKey = true
				col.Nullable = false
			}
		}
	}

	fks, err := i.pairs(ctx, fksQuery, 4)
	if err != nil {
		return fmt.Errorf("list foreign keys: %w", err)
	}
	for _, f := range fks {
		addJoin(c, domain.JoinInfo{
			ForeignKey: domain.ColumnRef{Table: f[0], Column: f[1]},
			PrimaryKey: domain.ColumnRef{Table: f[2], Column: f[3]},
		})
	}
	return nil
}

// pairs scans a query returning n string columns per row.
func (i *Importer) pairs(ctx context.Context, query string, n int) ([][]string, error) {
	rows, err := i.db.QueryContext(ctx, i.dialect.Rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out [][]string
	for rows.Next() {
		vals := make([]string, n)
		ptrs := make([]any, n)
		for k := range vals {
			ptrs[k] = &vals[k]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

func (i *Importer) importTableMacros(ctx context.Context, c *domain.Catalog) error {
	rows, err := i.db.QueryContext(ctx, `SELECT DISTINCT function_name FROM duckdb_functions()
WHERE function_type = 'table_macro' AND schema_name = current_schema() AND NOT internal
ORDER BY function_name`)
	if err != nil {
		return fmt.Errorf("list table macros: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return fmt.Errorf("list table macros: %w", err)
		}
		if _, ok := c.Table(n); !ok {
			c.Tables = append(c.Tables, domain.TableInfo{Name: n, IsTableValuedFunction: true})
		}
	}
	return rows.Err()
}

// addJoin appends j unless it is already present or references a column
// outside the catalog.
func addJoin(c *domain.Catalog, j domain.JoinInfo) {
	if _, _, ok := c.Column(j.ForeignKey); !ok {
		return
	}
	if _, _, ok := c.Column(j.PrimaryKey); !ok {
		return
	}
	if slices.Contains(c.Joins, j) {
		return
	}
	c.Joins = append(c.Joins, j)
}

// Merge carries curated metadata of an existing catalog over to a fresh
// import: declared joins and lookups whose columns still exist and the
// extractable flags of surviving columns.
func Merge(existing, imported *domain.Catalog) *domain.Catalog {
	if existing == nil {
		return imported
	}
	for ti := range imported.Tables {
		t := &imported.Tables[ti]
		old, ok := existing.Table(t.Name)
		if !ok {
			continue
		}
		for ci := range t.Columns {
			if oc, ok := old.Column(t.Columns[ci].Name); ok {
				t.Columns[ci].Extractable = oc.Extractable
			}
		}
	}
	for _, j := range existing.Joins {
		addJoin(imported, j)
	}
	for _, l := range existing.Lookups {
		refs := append([]domain.ColumnRef{l.ForeignKey, l.PrimaryKey}, l.Descriptions...)
		ok := true
		for _, r := range refs {
			if _, _, found := imported.Column(r); !found {
				ok = false
				break
			}
		}
		if ok {
			imported.Lookups = append(imported.Lookups, l)
		}
	}
	return imported
}
