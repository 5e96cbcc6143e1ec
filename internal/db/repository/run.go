package repository

import (
	"context"
	"database/sql"
	"time"

	"deid/internal/domain"
)

// RunRepo records migration runs.
type RunRepo struct {
	db *sql.DB
}

func NewRunRepo(db *sql.DB) *RunRepo {
	return &RunRepo{db: db}
}

var _ domain.RunRepository = (*RunRepo)(nil)

const runColumns = `id, catalog_name, target, preview, status, error, started_at, finished_at`

func (r *RunRepo) Start(ctx context.Context, run *domain.MigrationRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusRunning
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO migration_runs (id, catalog_name, target, preview, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.CatalogName, run.Target, boolToInt(run.Preview), string(run.Status), formatTime(run.StartedAt))
	return mapDBError(err)
}

func (r *RunRepo) Finish(ctx context.Context, id string, status domain.RunStatus, errMsg string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE migration_runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), errMsg, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound("migration run %q not found", id)
	}
	return nil
}

// ActiveForTarget returns the most recent running, non-preview run writing
// to target, or nil.
func (r *RunRepo) ActiveForTarget(ctx context.Context, target string) (*domain.MigrationRun, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM migration_runs
		WHERE target = ? AND status = ? AND preview = 0
		ORDER BY started_at DESC LIMIT 1`, target, string(domain.RunStatusRunning))
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (r *RunRepo) List(ctx context.Context, catalogName string, limit int) ([]domain.MigrationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+runColumns+` FROM migration_runs
		WHERE (? = '' OR catalog_name = ?)
		ORDER BY started_at DESC LIMIT ?`, catalogName, catalogName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.MigrationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*domain.MigrationRun, error) {
	var (
		run      domain.MigrationRun
		preview  int64
		status   string
		started  string
		finished sql.NullString
	)
	if err := row.Scan(&run.ID, &run.CatalogName, &run.Target, &preview, &status, &run.Error, &started, &finished); err != nil {
		return nil, err
	}
	run.Preview = preview == 1
	run.Status = domain.RunStatus(status)
	run.StartedAt = parseTime(started)
	run.FinishedAt = parseNullTime(finished)
	return &run, nil
}
