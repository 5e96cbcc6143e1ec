package repository

import (
	"context"
	"database/sql"
	"time"

	"deid/internal/db"
	"deid/internal/domain"
)

// CatalogRepo persists catalog metadata: tables, columns, joins and lookups.
type CatalogRepo struct {
	db *sql.DB
}

func NewCatalogRepo(db *sql.DB) *CatalogRepo {
	return &CatalogRepo{db: db}
}

var _ domain.CatalogRepository = (*CatalogRepo)(nil)

// Save replaces the stored catalog of the same name.
func (r *CatalogRepo) Save(ctx context.Context, c *domain.Catalog) (*domain.Catalog, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	err := withTx(r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM catalogs WHERE name = ?`, c.Name); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO catalogs (name, source_platform, created_at) VALUES (?, ?, ?)`,
			c.Name, c.SourcePlatform, formatTime(time.Now()))
		if err != nil {
			return err
		}
		catalogID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		for _, t := range c.Tables {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO catalog_tables (catalog_id, name, is_table_valued_function) VALUES (?, ?, ?)`,
				catalogID, t.Name, boolToInt(t.IsTableValuedFunction))
			if err != nil {
				return err
			}
			tableID, err := res.LastInsertId()
			if err != nil {
				return err
			}
			for i, col := range t.Columns {
				pos := col.Position
				if pos == 0 {
					pos = i + 1
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO catalog_columns (table_id, name, data_type, position, nullable, is_primary_key, extractable)
					 VALUES (?, ?, ?, ?, ?, ?, ?)`,
					tableID, col.Name, col.Type, pos, boolToInt(col.Nullable), boolToInt(col.IsPrimaryKey), boolToInt(col.Extractable)); err != nil {
					return err
				}
			}
		}
		for _, j := range c.Joins {
			if err := insertJoin(ctx, tx, catalogID, j); err != nil {
				return err
			}
		}
		for _, l := range c.Lookups {
			if err := insertLookup(ctx, tx, catalogID, l); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, mapDBError(err)
	}
	return r.GetByName(ctx, c.Name)
}

func (r *CatalogRepo) GetByName(ctx context.Context, name string) (*domain.Catalog, error) {
	var (
		c       domain.Catalog
		created string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, source_platform, created_at FROM catalogs WHERE name = ?`, name).
		Scan(&c.ID, &c.Name, &c.SourcePlatform, &created)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound("catalog %q not found", name)
		}
		return nil, err
	}
	c.CreatedAt = parseTime(created)

	if err := r.loadTables(ctx, &c); err != nil {
		return nil, err
	}
	if err := r.loadJoins(ctx, &c); err != nil {
		return nil, err
	}
	if err := r.loadLookups(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns every catalog with its tables.
func (r *CatalogRepo) List(ctx context.Context) ([]domain.Catalog, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM catalogs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			_ = rows.Close()
			return nil, err
		}
		names = append(names, n)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Catalog, 0, len(names))
	for _, n := range names {
		c, err := r.GetByName(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (r *CatalogRepo) AddJoin(ctx context.Context, catalogName string, j domain.JoinInfo) error {
	c, err := r.GetByName(ctx, catalogName)
	if err != nil {
		return err
	}
	c.Joins = append(c.Joins, j)
	if err := c.Validate(); err != nil {
		return err
	}
	err = withTx(r.db, func(tx *sql.Tx) error { return insertJoin(ctx, tx, c.ID, j) })
	if db.IsUniqueViolation(err) {
		return domain.ErrConflict("join %s -> %s already declared", j.ForeignKey, j.PrimaryKey)
	}
	return err
}

func (r *CatalogRepo) AddLookup(ctx context.Context, catalogName string, l domain.LookupInfo) error {
	c, err := r.GetByName(ctx, catalogName)
	if err != nil {
		return err
	}
	c.Lookups = append(c.Lookups, l)
	if err := c.Validate(); err != nil {
		return err
	}
	return mapDBError(withTx(r.db, func(tx *sql.Tx) error { return insertLookup(ctx, tx, c.ID, l) }))
}

func (r *CatalogRepo) SetExtractable(ctx context.Context, catalogName string, ref domain.ColumnRef, extractable bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE catalog_columns SET extractable = ?
		WHERE name = ? AND table_id = (
			SELECT t.id FROM catalog_tables t JOIN catalogs c ON c.id = t.catalog_id
			WHERE c.name = ? AND t.name = ?)`,
		boolToInt(extractable), ref.Column, catalogName, ref.Table)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound("column %s not found in catalog %q", ref, catalogName)
	}
	return nil
}

func insertJoin(ctx context.Context, tx *sql.Tx, catalogID int64, j domain.JoinInfo) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO catalog_joins (catalog_id, fk_table, fk_column, pk_table, pk_column) VALUES (?, ?, ?, ?, ?)`,
		catalogID, j.ForeignKey.Table, j.ForeignKey.Column, j.PrimaryKey.Table, j.PrimaryKey.Column)
	return err
}

func insertLookup(ctx context.Context, tx *sql.Tx, catalogID int64, l domain.LookupInfo) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO catalog_lookups (catalog_id, fk_table, fk_column, pk_table, pk_column) VALUES (?, ?, ?, ?, ?)`,
		catalogID, l.ForeignKey.Table, l.ForeignKey.Column, l.PrimaryKey.Table, l.PrimaryKey.Column)
	if err != nil {
		return err
	}
	lookupID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for _, d := range l.Descriptions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO catalog_lookup_descriptions (lookup_id, table_name, column_name) VALUES (?, ?, ?)`,
			lookupID, d.Table, d.Column); err != nil {
			return err
		}
	}
	return nil
}

func (r *CatalogRepo) loadTables(ctx context.Context, c *domain.Catalog) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.is_table_valued_function,
		       col.name, col.data_type, col.position, col.nullable, col.is_primary_key, col.extractable
		FROM catalog_tables t
		LEFT JOIN catalog_columns col ON col.table_id = t.id
		WHERE t.catalog_id = ?
		ORDER BY t.id, col.position`, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck

	lastID := int64(-1)
	for rows.Next() {
		var (
			tableID                   int64
			tableName                 string
			tvf                       int64
			colName, colType          sql.NullString
			pos                       sql.NullInt64
			nullable, pk, extractable sql.NullInt64
		)
		if err := rows.Scan(&tableID, &tableName, &tvf, &colName, &colType, &pos, &nullable, &pk, &extractable); err != nil {
			return err
		}
		if tableID != lastID {
			c.Tables = append(c.Tables, domain.TableInfo{Name: tableName, IsTableValuedFunction: tvf == 1})
			lastID = tableID
		}
		if !colName.Valid {
			continue
		}
		t := &c.Tables[len(c.Tables)-1]
		t.Columns = append(t.Columns, domain.ColumnInfo{
			Name:         colName.String,
			Type:         colType.String,
			Position:     int(pos.Int64),
			Nullable:     nullable.Int64 == 1,
			IsPrimaryKey: pk.Int64 == 1,
			Extractable:  extractable.Int64 == 1,
		})
	}
	return rows.Err()
}

func (r *CatalogRepo) loadJoins(ctx context.Context, c *domain.Catalog) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT fk_table, fk_column, pk_table, pk_column FROM catalog_joins WHERE catalog_id = ? ORDER BY id`, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var j domain.JoinInfo
		if err := rows.Scan(&j.ForeignKey.Table, &j.ForeignKey.Column, &j.PrimaryKey.Table, &j.PrimaryKey.Column); err != nil {
			return err
		}
		c.Joins = append(c.Joins, j)
	}
	return rows.Err()
}

func (r *CatalogRepo) loadLookups(ctx context.Context, c *domain.Catalog) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT l.id, l.fk_table, l.fk_column, l.pk_table, l.pk_column, d.table_name, d.column_name
		FROM catalog_lookups l
		LEFT JOIN catalog_lookup_descriptions d ON d.lookup_id = l.id
		WHERE l.catalog_id = ?
		ORDER BY l.id, d.table_name, d.column_name`, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck

	lastID := int64(-1)
	for rows.Next() {
		var (
			id              int64
			l               domain.LookupInfo
			dTable, dColumn sql.NullString
		)
		if err := rows.Scan(&id, &l.ForeignKey.Table, &l.ForeignKey.Column, &l.PrimaryKey.Table, &l.PrimaryKey.Column, &dTable, &dColumn); err != nil {
			return err
		}
		if id != lastID {
			c.Lookups = append(c.Lookups, l)
			lastID = id
		}
		if dTable.Valid {
			cur := &c.Lookups[len(c.Lookups)-1]
			cur.Descriptions = append(cur.Descriptions, domain.ColumnRef{Table: dTable.String, Column: dColumn.String})
		}
	}
	return rows.Err()
}
