// Package db opens the metastore and the dataset, mapping and vault
// connections, and applies metastore migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Mode selects the pool shape of a SQLite file.
type Mode string

const (
	// ModeWrite is a single-connection pool taking the write lock at BEGIN.
	ModeWrite Mode = "write"
	// ModeRead is a pool of concurrent readers.
	ModeRead Mode = "read"
)

const defaultReadConns = 4

// hardening is applied to every SQLite connection. Parameters already in
// the DSN win.
var hardening = [][2]string{
	{"_journal_mode", "WAL"},
	{"_busy_timeout", "5000"},
	{"_synchronous", "NORMAL"},
	{"_foreign_keys", "on"},
}

// OpenSQLite opens a pool on a SQLite file. path may carry its own query
// parameters, as DSNs taken from the environment often do.
//
// A write pool has one connection so that writers queue in Go instead of
// failing with SQLITE_BUSY. maxOpen sizes a read pool (0 means 4).
func OpenSQLite(path string, mode Mode, maxOpen int) (*sql.DB, error) {
	if mode != ModeRead && mode != ModeWrite {
		return nil, fmt.Errorf("invalid SQLite mode %q: must be %q or %q", mode, ModeRead, ModeWrite)
	}

	db, err := sql.Open("sqlite3", buildDSN(path, mode))
	if err != nil {
		return nil, fmt.Errorf("open sqlite (%s): %w", mode, err)
	}
	conns := 1
	if mode == ModeRead {
		conns = maxOpen
		if conns <= 0 {
			conns = defaultReadConns
		}
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite (%s): %w", mode, err)
	}
	return db, nil
}

// OpenSQLitePair opens the metastore as a single writer plus a read pool of
// readMaxOpen connections. Plan checks read through the pool while runs are
// recorded on the writer.
func OpenSQLitePair(path string, readMaxOpen int) (writeDB, readDB *sql.DB, err error) {
	writeDB, err = OpenSQLite(path, ModeWrite, 0)
	if err != nil {
		return nil, nil, err
	}
	readDB, err = OpenSQLite(path, ModeRead, readMaxOpen)
	if err != nil {
		_ = writeDB.Close()
		return nil, nil, err
	}
	return writeDB, readDB, nil
}

func buildDSN(path string, mode Mode) string {
	file, query, _ := strings.Cut(path, "?")
	params, err := url.ParseQuery(query)
	if err != nil {
		params = url.Values{}
	}
	for _, kv := range hardening {
		if !params.Has(kv[0]) {
			params.Set(kv[0], kv[1])
		}
	}
	if mode == ModeWrite && !params.Has("_txlock") {
		params.Set("_txlock", "immediate")
	}
	return file + "?" + params.Encode()
}
