package ddl

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect is a SQL flavour spoken by a connected database.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	DuckDB   Dialect = "duckdb"
)

// DialectForDriver maps a database/sql driver name to its dialect.
func DialectForDriver(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite3", "sqlite":
		return SQLite, nil
	case "pgx", "postgres", "postgresql":
		return Postgres, nil
	case "duckdb":
		return DuckDB, nil
	default:
		return "", fmt.Errorf("unsupported driver %q (want sqlite3, pgx or duckdb)", driver)
	}
}

// DriverName is the registered database/sql driver of the dialect.
func (d Dialect) DriverName() string {
	switch d {
	case Postgres:
		return "pgx"
	case DuckDB:
		return "duckdb"
	default:
		return "sqlite3"
	}
}

// Rebind rewrites '?' placeholders into the dialect's native form.
// Placeholders inside quoted strings and identifiers are left alone.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == '?':
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// IsDistinct returns a null-safe inequality between two expressions.
func (d Dialect) IsDistinct(a, b string) string {
	if d == SQLite {
		return a + " IS NOT " + b
	}
	return a + " IS DISTINCT FROM " + b
}

// TableExistsQuery returns a query counting tables with the given name.
func (d Dialect) TableExistsQuery() string {
	if d == SQLite {
		return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
	}
	return d.Rebind("SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?")
}

// ListTablesQuery returns a query listing base table names.
func (d Dialect) ListTablesQuery() string {
	if d == SQLite {
		return "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name"
	}
	return "SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name"
}

// ColumnNamesQuery returns a query listing a table's column names in order.
func (d Dialect) ColumnNamesQuery() string {
	if d == SQLite {
		return "SELECT name FROM pragma_table_info(?) ORDER BY cid"
	}
	return d.Rebind("SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ? ORDER BY ordinal_position")
}

// UpsertIgnore returns an INSERT that silently skips rows violating a
// unique or primary key constraint.
func (d Dialect) UpsertIgnore(table string, columns []string) (string, error) {
	stmt, err := Insert(table, columns)
	if err != nil {
		return "", err
	}
	return d.Rebind(stmt + " ON CONFLICT DO NOTHING"), nil
}
