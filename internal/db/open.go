package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"deid/internal/ddl"

	_ "github.com/duckdb/duckdb-go/v2" // register duckdb as a database/sql driver
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "github.com/mattn/go-sqlite3"    // register sqlite3 as a database/sql driver
)

// Open connects to a dataset, mapping server or vault. SQLite files get the
// hardened pool from OpenSQLite: read-only callers share a read pool, all
// others a single writer.
func Open(ctx context.Context, driver, dsn string, readOnly bool) (*sql.DB, ddl.Dialect, error) {
	dialect, err := ddl.DialectForDriver(driver)
	if err != nil {
		return nil, "", err
	}
	if dsn == "" {
		return nil, "", fmt.Errorf("open %s: dsn is required", dialect)
	}

	if dialect == ddl.SQLite {
		mode := ModeWrite
		if readOnly {
			mode = ModeRead
		}
		db, err := OpenSQLite(dsn, mode, 0)
		return db, dialect, err
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", dialect, err)
	}
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping %s: %w", dialect, err)
	}
	return db, dialect, nil
}
