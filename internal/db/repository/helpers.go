// Package repository implements the domain repository interfaces on the
// SQLite metastore.
package repository

import (
	"database/sql"
	"errors"
	"time"

	"deid/internal/db"
	"deid/internal/domain"
)

// timeLayout is how timestamps are written to TEXT columns.
const timeLayout = time.RFC3339Nano

var readLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05Z", "2006-01-02 15:04:05"}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	for _, layout := range readLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.NotFoundError{Message: "resource not found"}
	}
	if db.IsUniqueViolation(err) {
		return &domain.ConflictError{Message: "resource already exists"}
	}
	return err
}

// withTx runs fn in a transaction, rolling back unless fn succeeds.
func withTx(dbh *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := dbh.Begin()
	if err != nil {
		return err
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
		return err
	}
	committed = true
	return nil
}
